package profile

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/hideaway-io/hideaway/internal/mdm"
)

// sequentialUUIDs returns a deterministic source yielding U-1, U-2, ...
func sequentialUUIDs() UUIDSource {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("U-%d", n)
	}
}

func TestBuildRoundTrip(t *testing.T) {
	b := NewBuilder(nil, nil)
	intent := mdm.Intent{
		BlockedApps:    []string{"com.burbn.instagram", "com.google.ios.youtube", "com.zhiliaoapp.musically"},
		BlockedDomains: []string{"reddit.com"},
	}

	bundle, err := b.Build(intent, "")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if bundle.UUID == "" || bundle.Identifier == "" {
		t.Fatal("bundle missing identifier fields")
	}
	if !strings.HasPrefix(bundle.Identifier, "com.hideaway.appblock.") {
		t.Errorf("unexpected identifier %q", bundle.Identifier)
	}

	parsed, uuid, err := ParseBundle(bundle.Body)
	if err != nil {
		t.Fatalf("ParseBundle: %v", err)
	}
	if uuid != bundle.UUID {
		t.Errorf("parsed uuid %q, want %q", uuid, bundle.UUID)
	}
	if !parsed.Equal(intent) {
		t.Errorf("round trip mismatch: got %s want %s", parsed.Canonical(), intent.Canonical())
	}
}

func TestBuildFreshUUIDPerRender(t *testing.T) {
	b := NewBuilder(nil, nil)
	intent := mdm.Intent{BlockedApps: []string{"com.example.app"}}

	first, err := b.Build(intent, "")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	second, err := b.Build(intent, first.UUID)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if first.UUID == second.UUID {
		t.Error("re-render of identical content reused the bundle UUID")
	}
}

func TestBuildAvoidsPreviousUUIDFromSource(t *testing.T) {
	// A source that first repeats the previous UUID, then moves on.
	calls := 0
	src := func() string {
		calls++
		if calls == 1 {
			return "REPEAT"
		}
		return fmt.Sprintf("FRESH-%d", calls)
	}
	b := NewBuilder(src, nil)

	bundle, err := b.Build(mdm.Intent{BlockedApps: []string{"com.example.app"}}, "REPEAT")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if bundle.UUID == "REPEAT" {
		t.Error("builder emitted the previous bundle UUID")
	}
}

func TestBuildRejectsMalformedBundleID(t *testing.T) {
	b := NewBuilder(sequentialUUIDs(), nil)

	cases := []string{"", "noperiod", ".leading.dot", "com.", "com..double", "com.exam ple.app", "-com.example.app"}
	for _, bad := range cases {
		_, err := b.Build(mdm.Intent{BlockedApps: []string{"com.ok.app", bad}}, "")
		var ve *mdm.ValidationError
		if !errors.As(err, &ve) {
			t.Errorf("identifier %q: expected ValidationError, got %v", bad, err)
			continue
		}
		if ve.Entry != bad {
			t.Errorf("identifier %q: error names %q", bad, ve.Entry)
		}
	}
}

func TestBuildRejectsEmptyIntent(t *testing.T) {
	b := NewBuilder(sequentialUUIDs(), nil)
	_, err := b.Build(mdm.Intent{}, "")
	if !mdm.IsValidation(err) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestBuildClearIntent(t *testing.T) {
	b := NewBuilder(sequentialUUIDs(), nil)
	bundle, err := b.Build(mdm.Intent{Clear: true}, "")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	parsed, _, err := ParseBundle(bundle.Body)
	if err != nil {
		t.Fatalf("ParseBundle: %v", err)
	}
	if !parsed.Clear || len(parsed.BlockedApps) != 0 {
		t.Errorf("clear bundle parsed as %s", parsed.Canonical())
	}
}

func TestBuildDeterministicBody(t *testing.T) {
	intent := mdm.Intent{BlockedApps: []string{"com.b.app", "com.a.app"}}

	a, err := NewBuilder(sequentialUUIDs(), nil).Build(intent, "")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	b, err := NewBuilder(sequentialUUIDs(), nil).Build(intent, "")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !bytes.Equal(a.Body, b.Body) {
		t.Error("identical intent and identifier sequence produced different bodies")
	}
}

func TestBuildEnrollmentProfile(t *testing.T) {
	b := NewBuilder(sequentialUUIDs(), nil)
	body, err := b.BuildEnrollmentProfile(EnrollmentParams{
		DeviceName: "iPhone",
		ServerURL:  "https://mdm.example.com/mdm",
		ScepURL:    "https://mdm.example.com/mdm/enroll",
		Challenge:  "abc123",
		Topic:      "com.apple.mgmt.External.hideaway",
	})
	if err != nil {
		t.Fatalf("BuildEnrollmentProfile: %v", err)
	}
	for _, want := range []string{"com.apple.security.scep", "com.apple.mdm", "abc123", "https://mdm.example.com/mdm"} {
		if !bytes.Contains(body, []byte(want)) {
			t.Errorf("enrollment profile missing %q", want)
		}
	}
}
