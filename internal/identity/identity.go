// Package identity maps between the local linkage strings and the remote
// system's overlapping identifier schemes. The remote system issues an
// unstable numeric item id alongside a stable UID, and historically the
// linkage column stored a composite "<uid>:<itemId>" form; all three shapes
// must keep resolving to the same item after the remote side renumbers it.
package identity

import (
	"strings"
)

// Ref holds the identifier forms one remote snapshot exposes.
type Ref struct {
	ItemID string
	UID    string
}

// Keys returns every identifier form under which this ref can be stored
// locally: the numeric item id, the stable UID, and the composite legacy id.
func (r Ref) Keys() []string {
	var keys []string
	if r.ItemID != "" {
		keys = append(keys, r.ItemID)
	}
	if r.UID != "" {
		keys = append(keys, r.UID)
	}
	if r.ItemID != "" && r.UID != "" {
		keys = append(keys, r.UID+":"+r.ItemID)
	}
	return keys
}

// Index is a lookup from every identifier form to the position of the ref
// it came from.
type Index struct {
	byKey map[string]int
}

// NewIndex builds an index over the refs. Positions refer to the input
// slice; earlier refs win on key collisions.
func NewIndex(refs []Ref) *Index {
	byKey := make(map[string]int, len(refs)*3)
	for i, ref := range refs {
		for _, key := range ref.Keys() {
			if _, exists := byKey[key]; !exists {
				byKey[key] = i
			}
		}
	}
	return &Index{byKey: byKey}
}

// Resolve finds the ref a stored identifier denotes, trying exact match
// first and then progressively looser extraction:
//
//  1. exact match against every indexed form;
//  2. for composite "prefix:suffix", exact match on the suffix;
//  3. for a suffix of the remote system's own compound shape "a-b"
//     (two numbers joined by a dash), exact match on "a".
//
// A miss means the item is no longer present under this identifier.
func (ix *Index) Resolve(stored string) (int, bool) {
	if stored == "" {
		return 0, false
	}
	if pos, ok := ix.byKey[stored]; ok {
		return pos, true
	}

	suffix, ok := compositeSuffix(stored)
	if !ok {
		return 0, false
	}
	if pos, ok := ix.byKey[suffix]; ok {
		return pos, true
	}
	if canonical, ok := compoundItemID(suffix); ok {
		if pos, ok := ix.byKey[canonical]; ok {
			return pos, true
		}
	}
	return 0, false
}

// CandidateKeys lists every form a stored identifier can be known under,
// including the extracted ones. The reconciler records all of them as seen
// when an identifier fails to resolve, so a renumbered or deleted remote
// item is never re-imported as new.
func CandidateKeys(stored string) []string {
	if stored == "" {
		return nil
	}
	keys := []string{stored}
	if suffix, ok := compositeSuffix(stored); ok {
		keys = append(keys, suffix)
		if canonical, ok := compoundItemID(suffix); ok {
			keys = append(keys, canonical)
		}
	}
	return keys
}

// compositeSuffix splits "prefix:suffix" and returns the suffix. UIDs may
// themselves contain colons, so the split is on the last one.
func compositeSuffix(stored string) (string, bool) {
	idx := strings.LastIndex(stored, ":")
	if idx < 0 || idx == len(stored)-1 {
		return "", false
	}
	return stored[idx+1:], true
}

// compoundItemID extracts "a" from the remote compound form "a-b" where
// both halves are numeric.
func compoundItemID(s string) (string, bool) {
	idx := strings.Index(s, "-")
	if idx <= 0 || idx == len(s)-1 {
		return "", false
	}
	a, b := s[:idx], s[idx+1:]
	if !isDigits(a) || !isDigits(b) {
		return "", false
	}
	return a, true
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
