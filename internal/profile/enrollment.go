package profile

import (
	"strings"

	"github.com/groob/plist"
)

// EnrollmentParams configure a rendered enrollment profile.
type EnrollmentParams struct {
	DeviceName string
	ServerURL  string // MDM check-in endpoint
	ScepURL    string // Certificate enrollment endpoint
	Challenge  string // One-time enrollment challenge
	Topic      string // Push topic
}

type scepContent struct {
	URL       string `plist:"URL"`
	Challenge string `plist:"Challenge"`
	KeyType   string `plist:"Key Type"`
	KeyUsage  int    `plist:"Key Usage"`
	Keysize   int    `plist:"Keysize"`
}

type scepSection struct {
	PayloadContent    scepContent `plist:"PayloadContent"`
	PayloadIdentifier string      `plist:"PayloadIdentifier"`
	PayloadType       string      `plist:"PayloadType"`
	PayloadUUID       string      `plist:"PayloadUUID"`
	PayloadVersion    int         `plist:"PayloadVersion"`
}

type mdmSection struct {
	AccessRights            int      `plist:"AccessRights"`
	CheckOutWhenRemoved     bool     `plist:"CheckOutWhenRemoved"`
	IdentityCertificateUUID string   `plist:"IdentityCertificateUUID"`
	PayloadIdentifier       string   `plist:"PayloadIdentifier"`
	PayloadType             string   `plist:"PayloadType"`
	PayloadUUID             string   `plist:"PayloadUUID"`
	PayloadVersion          int      `plist:"PayloadVersion"`
	ServerCapabilities      []string `plist:"ServerCapabilities"`
	ServerURL               string   `plist:"ServerURL"`
	SignMessage             bool     `plist:"SignMessage"`
	Topic                   string   `plist:"Topic"`
}

type enrollmentEnvelope struct {
	PayloadContent     []interface{} `plist:"PayloadContent"`
	PayloadDisplayName string        `plist:"PayloadDisplayName"`
	PayloadIdentifier  string        `plist:"PayloadIdentifier"`
	PayloadType        string        `plist:"PayloadType"`
	PayloadUUID        string        `plist:"PayloadUUID"`
	PayloadVersion     int           `plist:"PayloadVersion"`
}

// BuildEnrollmentProfile renders the profile a device installs to enroll:
// a certificate enrollment payload bound to the one-time challenge, plus
// the management payload pointing back at the gateway.
func (b *Builder) BuildEnrollmentProfile(p EnrollmentParams) ([]byte, error) {
	profileUUID := b.uuidSource()
	scepUUID := b.uuidSource()
	mdmUUID := b.uuidSource()

	env := enrollmentEnvelope{
		PayloadContent: []interface{}{
			scepSection{
				PayloadContent: scepContent{
					URL:       p.ScepURL,
					Challenge: p.Challenge,
					KeyType:   "RSA",
					KeyUsage:  5,
					Keysize:   2048,
				},
				PayloadIdentifier: "com.hideaway.scep",
				PayloadType:       "com.apple.security.scep",
				PayloadUUID:       scepUUID,
				PayloadVersion:    1,
			},
			mdmSection{
				AccessRights:            8191,
				CheckOutWhenRemoved:     true,
				IdentityCertificateUUID: scepUUID,
				PayloadIdentifier:       "com.hideaway.mdm",
				PayloadType:             "com.apple.mdm",
				PayloadUUID:             mdmUUID,
				PayloadVersion:          1,
				ServerCapabilities: []string{
					"com.apple.mdm.per-user-connections",
					"com.apple.mdm.bootstraptoken",
					"com.apple.mdm.token",
				},
				ServerURL:   p.ServerURL,
				SignMessage: true,
				Topic:       p.Topic,
			},
		},
		PayloadDisplayName: enrollDisplayName(p.DeviceName),
		PayloadIdentifier:  "com.hideaway.enrollment",
		PayloadType:        PayloadTypeConfiguration,
		PayloadUUID:        profileUUID,
		PayloadVersion:     1,
	}

	return plist.MarshalIndent(env, "  ")
}

func enrollDisplayName(device string) string {
	name := strings.TrimSpace(device)
	if name == "" {
		name = "Device"
	}
	return "Hideaway Enrollment - " + name
}
