package auth

import "strings"

// Scope is a single capability grant, e.g. "event:append:own" or
// "elicitation:respond:all". The qualifier (the segment after the last
// colon) narrows the grant: "own" restricts to resources the agent itself
// created, "all" grants unrestricted access within the resource:action pair,
// and any other value is treated as a prefix match against the resource id.
type Scope string

const (
	QualifierOwn = "own"
	QualifierAll = "all"
)

// parts splits a scope's resource:action pair from its qualifier.
func (s Scope) parts() (resourceAction, qualifier string) {
	str := string(s)
	idx := strings.LastIndexByte(str, ':')
	if idx < 0 {
		return str, ""
	}
	// A scope has the shape "resource:action:qualifier"; only split the
	// qualifier off when there are at least two colons already.
	if strings.Count(str[:idx], ":") == 0 {
		return str, ""
	}
	return str[:idx], str[idx+1:]
}

// Allows reports whether this scope authorizes resourceAction against a
// resource owned by ownerID, when the acting agent is actorID.
func (s Scope) Allows(resourceAction, ownerID, actorID string) bool {
	ra, qualifier := s.parts()
	if ra != resourceAction {
		return false
	}
	switch qualifier {
	case QualifierAll, "":
		return true
	case QualifierOwn:
		return ownerID == actorID
	default:
		return strings.HasPrefix(ownerID, qualifier)
	}
}

// CapabilitySet is the set of scopes granted to an agent session.
type CapabilitySet []Scope

// Authorize reports whether any scope in the set permits resourceAction on
// a resource owned by ownerID, for actorID.
func (c CapabilitySet) Authorize(resourceAction, ownerID, actorID string) bool {
	for _, s := range c {
		if s.Allows(resourceAction, ownerID, actorID) {
			return true
		}
	}
	return false
}

// ParseCapabilities converts raw claim strings into a CapabilitySet.
func ParseCapabilities(raw []string) CapabilitySet {
	out := make(CapabilitySet, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r != "" {
			out = append(out, Scope(r))
		}
	}
	return out
}
