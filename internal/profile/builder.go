// Package profile renders restriction intents into Apple configuration
// profile bundles, the wire format the enrolled device applies natively.
package profile

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/groob/plist"
	"github.com/hideaway-io/hideaway/internal/mdm"
)

const (
	PayloadTypeConfiguration = "Configuration"
	PayloadTypeAppAccess     = "com.apple.applicationaccess"
	PayloadTypeWebFilter     = "com.apple.webcontent-filter"

	organization = "Hideaway"
)

// Bundle-identifier rule: reverse-DNS, at least two dot-separated labels,
// labels of alphanumerics and hyphens not starting or ending with a hyphen.
var bundleIDPattern = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9-]*[A-Za-z0-9])?(\.[A-Za-z0-9]([A-Za-z0-9-]*[A-Za-z0-9])?)+$`)

var domainPattern = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?\.)+[a-zA-Z]{2,}$`)

// UUIDSource supplies bundle identifiers. Injectable so rendering stays a
// pure function under test.
type UUIDSource func() string

// Signer produces a detached signature over a rendered bundle body. The
// signing cryptography itself lives behind this contract.
type Signer interface {
	Sign(data []byte) ([]byte, error)
}

// Bundle is one signed, versioned restriction document. The UUID is fresh
// on every render; body bytes for a given UUID never change once delivered.
type Bundle struct {
	UUID       string
	Identifier string
	Body       []byte
	Signature  []byte
}

// Builder renders intents into bundles. It holds no mutable state.
type Builder struct {
	uuidSource UUIDSource
	signer     Signer
}

// NewBuilder creates a builder. A nil uuidSource falls back to random
// uppercase UUIDs, the Apple profile convention.
func NewBuilder(uuidSource UUIDSource, signer Signer) *Builder {
	if uuidSource == nil {
		uuidSource = func() string { return strings.ToUpper(uuid.NewString()) }
	}
	return &Builder{uuidSource: uuidSource, signer: signer}
}

type envelope struct {
	PayloadContent           []interface{} `plist:"PayloadContent"`
	PayloadDescription       string        `plist:"PayloadDescription"`
	PayloadDisplayName       string        `plist:"PayloadDisplayName"`
	PayloadIdentifier        string        `plist:"PayloadIdentifier"`
	PayloadOrganization      string        `plist:"PayloadOrganization"`
	PayloadRemovalDisallowed bool          `plist:"PayloadRemovalDisallowed"`
	PayloadType              string        `plist:"PayloadType"`
	PayloadUUID              string        `plist:"PayloadUUID"`
	PayloadVersion           int           `plist:"PayloadVersion"`
}

type appAccessSection struct {
	PayloadDisplayName      string   `plist:"PayloadDisplayName"`
	PayloadDescription      string   `plist:"PayloadDescription"`
	PayloadIdentifier       string   `plist:"PayloadIdentifier"`
	PayloadType             string   `plist:"PayloadType"`
	PayloadUUID             string   `plist:"PayloadUUID"`
	PayloadVersion          int      `plist:"PayloadVersion"`
	FamilyControlsEnabled   bool     `plist:"familyControlsEnabled"`
	BlacklistedAppBundleIDs []string `plist:"blacklistedAppBundleIDs"`
}

type webFilterSection struct {
	PayloadDisplayName string   `plist:"PayloadDisplayName"`
	PayloadDescription string   `plist:"PayloadDescription"`
	PayloadIdentifier  string   `plist:"PayloadIdentifier"`
	PayloadType        string   `plist:"PayloadType"`
	PayloadUUID        string   `plist:"PayloadUUID"`
	PayloadVersion     int      `plist:"PayloadVersion"`
	FilterType         string   `plist:"FilterType"`
	FilterBrowsers     bool     `plist:"FilterBrowsers"`
	DenyListURLs       []string `plist:"DenyListURLs"`
}

// Build renders intent into a fresh bundle. The intent must carry at least
// one restriction rule or be explicitly tagged clear. The returned bundle
// always gets a UUID distinct from previousBundleID, even for content
// identical to the previous render.
func (b *Builder) Build(intent mdm.Intent, previousBundleID string) (*Bundle, error) {
	intent = intent.Normalize()

	if intent.Empty() && !intent.Clear {
		return nil, &mdm.ValidationError{Field: "intent", Msg: "no restriction rules and not tagged clear"}
	}
	for _, id := range intent.BlockedApps {
		if !bundleIDPattern.MatchString(id) {
			return nil, &mdm.ValidationError{Field: "blocked_apps", Entry: id, Msg: "malformed application identifier"}
		}
	}
	for _, d := range intent.BlockedDomains {
		if !domainPattern.MatchString(d) {
			return nil, &mdm.ValidationError{Field: "blocked_domains", Entry: d, Msg: "malformed domain"}
		}
	}

	profileUUID := b.freshUUID(previousBundleID)
	identifier := fmt.Sprintf("com.hideaway.appblock.%s", strings.ToLower(profileUUID))

	env := envelope{
		PayloadContent:           []interface{}{},
		PayloadDescription:       describe(intent),
		PayloadDisplayName:       displayName(intent),
		PayloadIdentifier:        identifier,
		PayloadOrganization:      organization,
		PayloadRemovalDisallowed: false,
		PayloadType:              PayloadTypeConfiguration,
		PayloadUUID:              profileUUID,
		PayloadVersion:           1,
	}

	if len(intent.BlockedApps) > 0 {
		sectionUUID := b.uuidSource()
		env.PayloadContent = append(env.PayloadContent, appAccessSection{
			PayloadDisplayName:      "App Restrictions",
			PayloadDescription:      "Restricts access to specified applications",
			PayloadIdentifier:       fmt.Sprintf("com.hideaway.restrictions.%s", strings.ToLower(sectionUUID)),
			PayloadType:             PayloadTypeAppAccess,
			PayloadUUID:             sectionUUID,
			PayloadVersion:          1,
			FamilyControlsEnabled:   false,
			BlacklistedAppBundleIDs: intent.BlockedApps,
		})
	}

	if len(intent.BlockedDomains) > 0 {
		sectionUUID := b.uuidSource()
		env.PayloadContent = append(env.PayloadContent, webFilterSection{
			PayloadDisplayName: "Web Restrictions",
			PayloadDescription: "Restricts access to specified domains",
			PayloadIdentifier:  fmt.Sprintf("com.hideaway.webfilter.%s", strings.ToLower(sectionUUID)),
			PayloadType:        PayloadTypeWebFilter,
			PayloadUUID:        sectionUUID,
			PayloadVersion:     1,
			FilterType:         "BuiltIn",
			FilterBrowsers:     true,
			DenyListURLs:       intent.BlockedDomains,
		})
	}

	body, err := plist.MarshalIndent(env, "  ")
	if err != nil {
		return nil, err
	}

	bundle := &Bundle{UUID: profileUUID, Identifier: identifier, Body: body}
	if b.signer != nil {
		sig, err := b.signer.Sign(body)
		if err != nil {
			return nil, err
		}
		bundle.Signature = sig
	}
	return bundle, nil
}

// freshUUID returns an identifier distinct from previous. The retry loop
// only matters for injected sources; random sources collide never.
func (b *Builder) freshUUID(previous string) string {
	id := b.uuidSource()
	for i := 0; i < 8 && id == previous; i++ {
		id = b.uuidSource()
	}
	return id
}

func describe(intent mdm.Intent) string {
	if intent.Clear {
		return "Removes app blocking restrictions"
	}
	apps := intent.BlockedApps
	suffix := ""
	if len(apps) > 3 {
		apps = apps[:3]
		suffix = "..."
	}
	return fmt.Sprintf("Blocks selected apps: %s%s", strings.Join(apps, ", "), suffix)
}

func displayName(intent mdm.Intent) string {
	if intent.Clear {
		return "Hideaway Unblock"
	}
	if intent.Template != "" {
		return "Hideaway " + intent.Template
	}
	return "Hideaway Focus Mode"
}
