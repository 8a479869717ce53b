package session

import "strings"

// ToolFilter is the §4.4 agent capability boundary: a set of allowed
// tool names (the whitelist) and a set of denied ones (the blacklist),
// both lower-cased. It sits in front of, and is evaluated before, the
// permission checker in internal/permission — a tool excluded here
// never reaches a permission decision at all.
type ToolFilter struct {
	// Whitelist is nil when no whitelist restriction applies (anything
	// not blacklisted is allowed). A non-nil, possibly empty set means
	// only its members are allowed.
	Whitelist map[string]bool
	Blacklist map[string]bool
}

// NewToolFilter builds a ToolFilter from tool-name lists. A nil or
// empty whitelist slice means "no whitelist restriction".
func NewToolFilter(whitelist, blacklist []string) ToolFilter {
	f := ToolFilter{Blacklist: toLowerSet(blacklist)}
	if len(whitelist) > 0 {
		f.Whitelist = toLowerSet(whitelist)
	}
	return f
}

func toLowerSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[strings.ToLower(n)] = true
	}
	return set
}

// IsAllowed implements §4.4: the blacklist wins; otherwise, if a
// whitelist exists, membership is required; otherwise everything is
// allowed.
func (f ToolFilter) IsAllowed(name string) bool {
	lower := strings.ToLower(name)
	if f.Blacklist[lower] {
		return false
	}
	if f.Whitelist != nil {
		return f.Whitelist[lower]
	}
	return true
}

// Merge combines two filters by whitelist-intersection and
// blacklist-union, per §4.4 — the result can only be as permissive as
// the stricter of the two inputs.
func (f ToolFilter) Merge(other ToolFilter) ToolFilter {
	merged := ToolFilter{Blacklist: make(map[string]bool, len(f.Blacklist)+len(other.Blacklist))}
	for k := range f.Blacklist {
		merged.Blacklist[k] = true
	}
	for k := range other.Blacklist {
		merged.Blacklist[k] = true
	}

	switch {
	case f.Whitelist == nil:
		merged.Whitelist = other.Whitelist
	case other.Whitelist == nil:
		merged.Whitelist = f.Whitelist
	default:
		merged.Whitelist = make(map[string]bool)
		for k := range f.Whitelist {
			if other.Whitelist[k] {
				merged.Whitelist[k] = true
			}
		}
	}
	return merged
}
