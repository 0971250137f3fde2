package mdm

import (
	"sort"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Intent is an operator-declared desired restriction state for one device.
// Immutable once submitted; a newer intent for the same device supersedes
// it entirely.
type Intent struct {
	BlockedApps    []string `json:"blocked_apps"`
	BlockedDomains []string `json:"blocked_domains,omitempty"`
	Template       string   `json:"template,omitempty"` // Named preset the intent came from, informational
	Clear          bool     `json:"clear,omitempty"`    // Explicitly removes all restrictions
}

// Normalize returns a copy with both rule lists deduplicated and sorted.
// Canonical ordering makes intent equality independent of submission order.
func (i Intent) Normalize() Intent {
	return Intent{
		BlockedApps:    normalizeSet(i.BlockedApps),
		BlockedDomains: normalizeSet(i.BlockedDomains),
		Template:       i.Template,
		Clear:          i.Clear,
	}
}

// Empty reports whether the intent carries no restriction rules.
func (i Intent) Empty() bool {
	return len(i.BlockedApps) == 0 && len(i.BlockedDomains) == 0
}

// Canonical renders the normalized intent as its canonical JSON snapshot.
// This is the form stored in command rows and in the device registry's
// lastAcknowledgedState.
func (i Intent) Canonical() string {
	b, _ := json.Marshal(i.Normalize())
	return string(b)
}

// Equal compares two intents by canonical snapshot.
func (i Intent) Equal(other Intent) bool {
	return i.Canonical() == other.Canonical()
}

// ParseIntent decodes a canonical snapshot back into an Intent. An empty
// snapshot yields the zero intent.
func ParseIntent(s string) (Intent, error) {
	var i Intent
	if s == "" {
		return i, nil
	}
	err := json.UnmarshalFromString(s, &i)
	return i, err
}

func normalizeSet(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
