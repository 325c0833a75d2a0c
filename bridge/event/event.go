// Package event defines the atomic unit of the coordination log: the Event,
// its totally-ordered ID, and the closed set of event types the kernel
// understands.
package event

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Type is a closed enumeration of event kinds. Adding a kind is a deliberate,
// versioned change; apply functions over a projection must treat an unknown
// Type as a hard error rather than skip it silently.
type Type string

const (
	TypeAgentRegistered    Type = "AgentRegistered"
	TypeAgentRevoked       Type = "AgentRevoked"
	TypeTokenIssued        Type = "TokenIssued"
	TypeTokenRevoked       Type = "TokenRevoked"
	TypeCapabilityGranted  Type = "CapabilityGranted"
	TypeElicitationCreated Type = "ElicitationCreated"
	TypeElicitationResp    Type = "ElicitationResponded"
	TypeElicitationExpired Type = "ElicitationExpired"
	TypeValidationRequested Type = "ValidationRequested"
	TypeValidationDecided  Type = "ValidationDecided"
	TypePolicyUpdated      Type = "PolicyUpdated"
	TypeCacheInvalidated   Type = "CacheInvalidated"
	TypeSystemDegraded     Type = "SystemDegraded"
	TypeSystemRecovering   Type = "SystemRecovering"
	TypeSystemRecovered    Type = "SystemRecovered"
	TypeIntegrityAlert     Type = "IntegrityAlert"
	TypeSecurityEvent      Type = "SecurityEvent"
	TypeFileMutated        Type = "FileMutated"
	TypeSnapshotTaken      Type = "SnapshotTaken"
)

// KnownTypes is the closed set, used to validate incoming batches.
var KnownTypes = map[Type]bool{
	TypeAgentRegistered: true, TypeAgentRevoked: true,
	TypeTokenIssued: true, TypeTokenRevoked: true,
	TypeCapabilityGranted: true,
	TypeElicitationCreated: true, TypeElicitationResp: true, TypeElicitationExpired: true,
	TypeValidationRequested: true, TypeValidationDecided: true,
	TypePolicyUpdated: true, TypeCacheInvalidated: true,
	TypeSystemDegraded: true, TypeSystemRecovering: true, TypeSystemRecovered: true,
	TypeIntegrityAlert: true, TypeSecurityEvent: true,
	TypeFileMutated: true, TypeSnapshotTaken: true,
}

// Causality carries the informational (non-authoritative) cross-references
// of an event: its causal parents and the correlation/session it belongs to.
type Causality struct {
	Parents     []ID   `json:"parents,omitempty"`
	Correlation string `json:"correlation,omitempty"`
	Session     string `json:"session,omitempty"`
}

// Metadata carries human-facing, non-authoritative context.
type Metadata struct {
	Agent     string `json:"agent,omitempty"`
	Node      string `json:"node,omitempty"`
	WallClock int64  `json:"wall_clock,omitempty"` // unix nanos, humans only
}

// Event is the atomic, immutable unit on the log.
type Event struct {
	ID        ID              `json:"id"`
	StreamID  string          `json:"stream_id"`
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Causality Causality       `json:"causality"`
	Metadata  Metadata        `json:"metadata"`
	Integrity string          `json:"integrity"` // hex hash, chained to previous event
}

// Validate checks the closed-set and required-field invariants a batch must
// satisfy before the writer accepts it. It does not check the hash chain;
// that is computed by the store at append time.
func (e Event) Validate() error {
	if strings.TrimSpace(e.StreamID) == "" {
		return fmt.Errorf("event: stream_id required")
	}
	if !KnownTypes[e.Type] {
		return fmt.Errorf("event: unknown type %q", e.Type)
	}
	if len(e.Payload) == 0 {
		return fmt.Errorf("event: payload required")
	}
	return nil
}

// StreamPrefix returns the partition family of a stream id, e.g.
// "agent:123" -> "agent".
func StreamPrefix(streamID string) string {
	if idx := strings.IndexByte(streamID, ':'); idx >= 0 {
		return streamID[:idx]
	}
	return streamID
}
