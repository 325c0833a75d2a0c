// Package elicitation implements the expert elicitation protocol: a
// cryptographically-bound agent-to-agent request/response exchange recorded
// entirely as log events.
package elicitation

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentbridge/bridge/bridge/auth"
	"github.com/agentbridge/bridge/bridge/event"
	kernelerrors "github.com/agentbridge/bridge/infrastructure/errors"
	"github.com/agentbridge/bridge/infrastructure/logging"
)

// nonceWindow bounds how long a consumed elicitation nonce is remembered by
// the nonce store. Nonces are scoped to a single, UUID-named elicitation, so
// collisions across elicitations are not a concern; the window only needs to
// outlive the elicitation's own TTL plus clock skew.
const nonceWindow = 24 * time.Hour

// State is the lifecycle stage of an elicitation.
type State string

const (
	StatePending   State = "pending"
	StateResponded State = "responded"
	StateExpired   State = "expired"
)

// Elicitation is the coordinator's view of one open request/response
// exchange. The authoritative record is the sequence of events on the log;
// this struct is the coordinator's in-memory index over that sequence.
type Elicitation struct {
	ID              string
	RequesterID     string
	ToAgent         string
	ExpertPool      string
	Operation       string
	RequestPayload  json.RawMessage
	Schema          Schema
	KeyFingerprint  string
	Nonce           string
	State           State
	CreatedAt       time.Time
	ExpiresAt       time.Time
	ResponsePayload json.RawMessage
	Approved        bool
	Reason          string
}

type createdEventPayload struct {
	ElicitationID  string          `json:"elicitation_id"`
	RequesterID    string          `json:"requester_id"`
	ToAgent        string          `json:"to_agent"`
	ExpertPool     string          `json:"expert_pool"`
	Operation      string          `json:"operation"`
	Request        json.RawMessage `json:"request"`
	KeyFingerprint string          `json:"key_fingerprint"`
	Nonce          string          `json:"nonce"`
	ExpiresAt      time.Time       `json:"expires_at"`
}

type respondedEventPayload struct {
	ElicitationID string          `json:"elicitation_id"`
	ResponderID   string          `json:"responder_id"`
	Response      json.RawMessage `json:"response"`
	Approved      bool            `json:"approved"`
	Reason        string          `json:"reason,omitempty"`
}

type expiredEventPayload struct {
	ElicitationID string `json:"elicitation_id"`
}

// Coordinator drives the elicitation state machine. Create/Respond append
// events to the log; the in-memory index lets waiters block on Await
// without re-reading the log.
type Coordinator struct {
	store        *event.Store
	masterSecret []byte
	defaultTTL   time.Duration
	nonces       auth.NonceStore
	logger       *logging.Logger

	mu      sync.Mutex
	byID    map[string]*Elicitation
	waiters map[string][]chan struct{}
}

// New builds a coordinator. masterSecret seeds per-elicitation response key
// derivation (see crypto.go) and must be kept out of logs and error messages.
// nonces backs replay protection on Respond; a nil store falls back to an
// in-process auth.MemoryNonceStore, which is not shared between processes
// and is lost on restart, so it is only appropriate for tests.
func New(store *event.Store, masterSecret []byte, defaultTTL time.Duration, nonces auth.NonceStore, logger *logging.Logger) *Coordinator {
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	if nonces == nil {
		nonces = auth.NewMemoryNonceStore()
	}
	return &Coordinator{
		store:        store,
		masterSecret: masterSecret,
		defaultTTL:   defaultTTL,
		nonces:       nonces,
		logger:       logger,
		byID:         make(map[string]*Elicitation),
		waiters:      make(map[string][]chan struct{}),
	}
}

func randomNonce() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("elicitation: generate nonce: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// Create opens a new elicitation bound to a specific responder, toAgent, and
// appends ElicitationCreated to the log. The response key is never returned
// to the caller: only the bound toAgent can retrieve it, via
// DeriveResponseKey, so the requester that created the elicitation can never
// forge its own response. The log only ever stores the key's fingerprint.
func (c *Coordinator) Create(ctx context.Context, requesterID, toAgent, expertPool, operation string, payload json.RawMessage, schema Schema, ttl time.Duration) (id string, err error) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	elicID := uuid.NewString()

	nonce, err := randomNonce()
	if err != nil {
		return "", err
	}
	nonceBytes, err := hex.DecodeString(nonce)
	if err != nil {
		return "", err
	}
	key, err := deriveResponseKey(c.masterSecret, elicID, toAgent, nonceBytes)
	if err != nil {
		return "", err
	}
	fingerprint := Fingerprint(key)
	expiresAt := time.Now().Add(ttl)

	ev := createdEventPayload{
		ElicitationID:  elicID,
		RequesterID:    requesterID,
		ToAgent:        toAgent,
		ExpertPool:     expertPool,
		Operation:      operation,
		Request:        payload,
		KeyFingerprint: fingerprint,
		Nonce:          nonce,
		ExpiresAt:      expiresAt,
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return "", err
	}

	if _, err := c.store.Append(ctx, []event.Event{{
		StreamID: "elicitation:" + elicID,
		Type:     event.TypeElicitationCreated,
		Payload:  raw,
	}}); err != nil {
		return "", err
	}

	c.mu.Lock()
	c.byID[elicID] = &Elicitation{
		ID:             elicID,
		RequesterID:    requesterID,
		ToAgent:        toAgent,
		ExpertPool:     expertPool,
		Operation:      operation,
		RequestPayload: payload,
		Schema:         schema,
		KeyFingerprint: fingerprint,
		Nonce:          nonce,
		State:          StatePending,
		CreatedAt:      time.Now(),
		ExpiresAt:      expiresAt,
	}
	c.mu.Unlock()

	if c.logger != nil {
		c.logger.LogElicitationTransition(ctx, elicID, "", string(StatePending))
	}
	return elicID, nil
}

// DeriveResponseKey returns the response key for elicitationID, but only to
// the bound responder: callerID must equal the elicitation's ToAgent, or the
// call is rejected as Forbidden and a SecurityEvent is recorded. This is the
// only path by which the key ever leaves the coordinator.
func (c *Coordinator) DeriveResponseKey(ctx context.Context, elicitationID, callerID string) ([]byte, error) {
	c.mu.Lock()
	elic, ok := c.byID[elicitationID]
	c.mu.Unlock()
	if !ok {
		return nil, kernelerrors.NotFound("elicitation", elicitationID)
	}
	if callerID != elic.ToAgent {
		event.AppendSecurityEvent(ctx, c.store, "elicitation:"+elicitationID, "UnauthorizedKeyAccess", callerID, "caller is not the bound responder")
		if c.logger != nil {
			c.logger.LogSecurityEvent(ctx, "UnauthorizedKeyAccess", map[string]interface{}{"elicitation_id": elicitationID, "caller_id": callerID})
		}
		return nil, kernelerrors.Forbidden("caller is not the bound responder for this elicitation")
	}
	nonceBytes, err := hex.DecodeString(elic.Nonce)
	if err != nil {
		return nil, fmt.Errorf("elicitation: decode nonce: %w", err)
	}
	return deriveResponseKey(c.masterSecret, elicitationID, elic.ToAgent, nonceBytes)
}

// Respond records an expert's answer. responderID must be the caller's
// authenticated identity, never a client-supplied claim, since it is what
// binds the response to the elicitation's ToAgent. signature must be
// Sign(responseKey, payload) computed with the key obtained from
// DeriveResponseKey. A response to an unknown, already-terminal, or expired
// elicitation is rejected, as is one from any agent other than ToAgent or
// one that replays an already-consumed nonce.
func (c *Coordinator) Respond(ctx context.Context, elicitationID, responderID string, payload json.RawMessage, approved bool, reason, signature string) error {
	c.mu.Lock()
	elic, ok := c.byID[elicitationID]
	c.mu.Unlock()
	if !ok {
		return kernelerrors.NotFound("elicitation", elicitationID)
	}

	if responderID != elic.ToAgent {
		event.AppendSecurityEvent(ctx, c.store, "elicitation:"+elicitationID, "UnauthorizedResponse", responderID, "responder does not match to_agent")
		if c.logger != nil {
			c.logger.LogSecurityEvent(ctx, "UnauthorizedResponse", map[string]interface{}{"elicitation_id": elicitationID, "responder_id": responderID, "to_agent": elic.ToAgent})
		}
		return kernelerrors.Forbidden("responder is not the bound to_agent for this elicitation")
	}

	// Consume the nonce before any terminal/expiry re-check: an exact
	// resubmission of an already-answered elicitation must surface as a
	// replay, not merely as "already responded".
	if err := c.nonces.Consume(ctx, elic.Nonce, nonceWindow); err != nil {
		event.AppendSecurityEvent(ctx, c.store, "elicitation:"+elicitationID, "ReplayAttempt", responderID, "nonce already consumed")
		if c.logger != nil {
			c.logger.LogSecurityEvent(ctx, "ReplayAttempt", map[string]interface{}{"elicitation_id": elicitationID, "responder_id": responderID})
		}
		return err
	}

	if elic.State == StateExpired {
		return kernelerrors.Expired(elicitationID)
	}
	if elic.State != StatePending {
		return kernelerrors.Terminal(elicitationID)
	}
	if time.Now().After(elic.ExpiresAt) {
		return kernelerrors.Expired(elicitationID)
	}

	nonceBytes, err := hex.DecodeString(elic.Nonce)
	if err != nil {
		return fmt.Errorf("elicitation: decode nonce: %w", err)
	}
	key, err := deriveResponseKey(c.masterSecret, elicitationID, elic.ToAgent, nonceBytes)
	if err != nil {
		return err
	}
	if !Verify(key, payload, signature) {
		return kernelerrors.VerificationFailed(fmt.Errorf("elicitation: signature mismatch"))
	}
	if elic.Schema != nil {
		if err := elic.Schema.Validate(payload); err != nil {
			return kernelerrors.SchemaViolation("response", err.Error())
		}
	}

	ev := respondedEventPayload{
		ElicitationID: elicitationID,
		ResponderID:   responderID,
		Response:      payload,
		Approved:      approved,
		Reason:        reason,
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := c.store.Append(ctx, []event.Event{{
		StreamID: "elicitation:" + elicitationID,
		Type:     event.TypeElicitationResp,
		Payload:  raw,
	}}); err != nil {
		return err
	}

	c.mu.Lock()
	elic.State = StateResponded
	elic.ResponsePayload = payload
	elic.Approved = approved
	elic.Reason = reason
	c.mu.Unlock()

	if c.logger != nil {
		c.logger.LogElicitationTransition(ctx, elicitationID, string(StatePending), string(StateResponded))
	}
	c.wake(elicitationID)
	return nil
}

// Await blocks until elicitationID is responded or expired, or ctx ends.
func (c *Coordinator) Await(ctx context.Context, elicitationID string) (*Elicitation, error) {
	c.mu.Lock()
	elic, ok := c.byID[elicitationID]
	if !ok {
		c.mu.Unlock()
		return nil, kernelerrors.NotFound("elicitation", elicitationID)
	}
	if elic.State != StatePending {
		c.mu.Unlock()
		return elic, nil
	}
	ch := make(chan struct{})
	c.waiters[elicitationID] = append(c.waiters[elicitationID], ch)
	c.mu.Unlock()

	select {
	case <-ch:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.byID[elicitationID], nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Coordinator) wake(elicitationID string) {
	c.mu.Lock()
	chans := c.waiters[elicitationID]
	delete(c.waiters, elicitationID)
	c.mu.Unlock()
	for _, ch := range chans {
		close(ch)
	}
}

// Get returns the current state of an elicitation, if known.
func (c *Coordinator) Get(elicitationID string) (*Elicitation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elic, ok := c.byID[elicitationID]
	return elic, ok
}

// PendingForAgent returns every still-pending elicitation bound to agentID
// as its to_agent, backing GET elicitation/pending/<agent>.
func (c *Coordinator) PendingForAgent(agentID string) []*Elicitation {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Elicitation
	for _, elic := range c.byID {
		if elic.ToAgent == agentID && elic.State == StatePending {
			out = append(out, elic)
		}
	}
	return out
}
