package session

import "strings"

// Identity names one end of a counterparty pair. It is fixed once the
// session connects.
type Identity struct {
	BeginString  string // FIX version, e.g. FIX.4.4
	SenderCompID string // our comp id
	TargetCompID string // the peer's comp id; empty means pin from the first Logon
	Qualifier    string
}

// ID is the store key: the non-empty fields joined with ':'.
func (id Identity) ID() string {
	parts := make([]string, 0, 4)
	for _, p := range []string{id.BeginString, id.SenderCompID, id.TargetCompID, id.Qualifier} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ":")
}
