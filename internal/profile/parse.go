package profile

import (
	"github.com/groob/plist"
	"github.com/hideaway-io/hideaway/internal/mdm"
)

type parsedSection struct {
	PayloadType             string   `plist:"PayloadType"`
	BlacklistedAppBundleIDs []string `plist:"blacklistedAppBundleIDs"`
	DenyListURLs            []string `plist:"DenyListURLs"`
}

type parsedEnvelope struct {
	PayloadContent []parsedSection `plist:"PayloadContent"`
	PayloadType    string          `plist:"PayloadType"`
	PayloadUUID    string          `plist:"PayloadUUID"`
}

// ParseBundle decodes a rendered bundle body back into the restriction
// intent it carries, plus the bundle UUID. An empty PayloadContent decodes
// as a clear intent.
func ParseBundle(body []byte) (mdm.Intent, string, error) {
	var env parsedEnvelope
	if err := plist.Unmarshal(body, &env); err != nil {
		return mdm.Intent{}, "", err
	}

	var intent mdm.Intent
	for _, section := range env.PayloadContent {
		switch section.PayloadType {
		case PayloadTypeAppAccess:
			intent.BlockedApps = append(intent.BlockedApps, section.BlacklistedAppBundleIDs...)
		case PayloadTypeWebFilter:
			intent.BlockedDomains = append(intent.BlockedDomains, section.DenyListURLs...)
		}
	}
	if intent.Empty() {
		intent.Clear = true
	}
	return intent.Normalize(), env.PayloadUUID, nil
}
