package engine

import "strings"

// ActionSetIndex maps a request authority to the longest-matching list of
// RuntimeActionSets. Built once by a loader, then read-only: lookups take
// no lock. Reconfiguration replaces the whole index by swapping a pointer
// (see host.Store.Swap in internal/host), never mutates an index in place.
type ActionSetIndex struct {
	entries []indexEntry
}

type indexEntry struct {
	pattern string
	sets    []*RuntimeActionSet
}

// NewActionSetIndex builds an index from pattern -> sets pairs. Patterns
// must be unique; the caller (the config loader) is responsible for that
// invariant, since duplicate patterns are a configuration error the engine
// never needs to detect at runtime.
func NewActionSetIndex(byPattern map[string][]*RuntimeActionSet) *ActionSetIndex {
	idx := &ActionSetIndex{entries: make([]indexEntry, 0, len(byPattern))}
	for pattern, sets := range byPattern {
		idx.entries = append(idx.entries, indexEntry{pattern: pattern, sets: sets})
	}
	return idx
}

// All returns every action set in the index grouped by its route
// pattern, in no particular order. Used by the admin config-dump
// endpoint; never called on the request path.
func (idx *ActionSetIndex) All() map[string][]*RuntimeActionSet {
	out := make(map[string][]*RuntimeActionSet, len(idx.entries))
	for _, e := range idx.entries {
		out[e.pattern] = e.sets
	}
	return out
}

// Lookup returns the action sets configured for the longest pattern
// matching authority, or nil if none match. authority must already have
// its port stripped (see AuthorityHost).
func (idx *ActionSetIndex) Lookup(authority string) []*RuntimeActionSet {
	var best *indexEntry
	bestLen := -1
	for i := range idx.entries {
		e := &idx.entries[i]
		if !patternMatches(e.pattern, authority) {
			continue
		}
		if l := matchLength(e.pattern); l > bestLen {
			bestLen = l
			best = e
		}
	}
	if best == nil {
		return nil
	}
	return best.sets
}

// patternMatches implements the wildcard-suffix match rule: a pattern
// matches an authority if equal, or if the pattern is "*.X" and the
// authority equals X or ends with ".X".
func patternMatches(pattern, authority string) bool {
	if pattern == authority {
		return true
	}
	suffix, ok := strings.CutPrefix(pattern, "*.")
	if !ok {
		return false
	}
	return authority == suffix || strings.HasSuffix(authority, "."+suffix)
}

// matchLength is the tie-break metric: number of literal label characters
// in the pattern (the wildcard itself does not count).
func matchLength(pattern string) int {
	suffix, ok := strings.CutPrefix(pattern, "*.")
	if !ok {
		return len(pattern)
	}
	return len(suffix)
}
