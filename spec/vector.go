package spec

import (
	"sort"
	"strings"
)

const maxVectorEntries = 10

// VersionVector maps every origin to the greatest bare timestamp seen from it.
type VersionVector struct {
	seen map[string]string
}

// NewVersionVector creates a vector from strings of concatenated version
// tokens, e.g. "!00001+a!00003+b". Non-version tokens are ignored.
func NewVersionVector(versions ...string) (*VersionVector, error) {
	vv := &VersionVector{seen: make(map[string]string)}
	for _, v := range versions {
		if err := vv.AddString(v); err != nil {
			return nil, err
		}
	}
	return vv, nil
}

// Add raises the entry of the token's origin to the token's bare value.
func (vv *VersionVector) Add(t Token) {
	if t.quant != QuantVersion {
		return
	}
	origin := t.Origin()
	if cur, ok := vv.seen[origin]; !ok || cur < t.bare {
		vv.seen[origin] = t.bare
	}
}

// AddString adds every version token found in s.
func (vv *VersionVector) AddString(s string) error {
	tokens, err := Tokens(s)
	if err != nil {
		return err
	}
	for _, t := range tokens {
		vv.Add(t)
	}
	return nil
}

// Covers reports whether t.bare <= vv[t.origin].
func (vv *VersionVector) Covers(t Token) bool {
	cur, ok := vv.seen[t.Origin()]
	return ok && t.bare <= cur
}

// Get returns the bare value seen from an origin.
func (vv *VersionVector) Get(origin string) (string, bool) {
	v, ok := vv.seen[origin]
	return v, ok
}

func (vv *VersionVector) Len() int { return len(vv.seen) }

// String renders the greatest entries as concatenated version tokens, or
// ZeroVersion when nothing but zero entries remain.
func (vv *VersionVector) String() string {
	entries := make([]string, 0, len(vv.seen))
	zero := ZeroVersion.String()
	for origin, bare := range vv.seen {
		s := NewToken(QuantVersion, bare, origin).String()
		if s <= zero {
			continue
		}
		entries = append(entries, s)
	}
	if len(entries) == 0 {
		return zero
	}
	sort.Sort(sort.Reverse(sort.StringSlice(entries)))
	if len(entries) > maxVectorEntries {
		entries = entries[:maxVectorEntries]
	}
	return strings.Join(entries, "")
}
