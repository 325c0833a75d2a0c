package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/PaesslerAG/jsonpath"

	"github.com/agentbridge/bridge/bridge/auth"
	"github.com/agentbridge/bridge/bridge/degradation"
	"github.com/agentbridge/bridge/bridge/event"
	kernelerrors "github.com/agentbridge/bridge/infrastructure/errors"
	"github.com/agentbridge/bridge/infrastructure/httputil"
)

// maxEventBatch bounds a single POST /v1/events call so one request cannot
// pin the single-writer goroutine for an unbounded amount of time.
const maxEventBatch = 100

// maxQueryScan bounds how many matching events a structured query will
// collect before applying offset/limit, so an unbounded where-predicate scan
// over a large log cannot exhaust memory on one request.
const maxQueryScan = 5000

type appendEventRequest struct {
	StreamID string          `json:"stream_id"`
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
}

type appendEventsRequest struct {
	Events []appendEventRequest `json:"events"`
}

type appendEventsResponse struct {
	IDs []string `json:"ids"`
}

func streamOwner(streamID string) string {
	if idx := strings.IndexByte(streamID, ':'); idx >= 0 {
		return streamID[idx+1:]
	}
	return streamID
}

func (s *Server) appendEvents(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFromContext(r.Context())

	if s.degradation != nil && s.degradation.State() == degradation.StateEmergency {
		writeKernelError(w, r, kernelerrors.Degraded(s.degradation.State().String()))
		return
	}

	if err := s.limiter.Check(auth.OperationClass("event:append"), claims.AgentID); err != nil {
		s.sampleRateLimited(r.Context(), claims.AgentID, "event:append")
		writeKernelError(w, r, err)
		return
	}

	var req appendEventsRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if len(req.Events) == 0 {
		writeKernelError(w, r, kernelerrors.InvalidInput("events", "at least one event required"))
		return
	}
	if len(req.Events) > maxEventBatch {
		writeKernelError(w, r, kernelerrors.InvalidInput("events", "batch exceeds the 100-event limit"))
		return
	}

	events := make([]event.Event, 0, len(req.Events))
	for _, e := range req.Events {
		owner := streamOwner(e.StreamID)
		if !hasCapability(claims, "event:append", owner) {
			s.recordAuthzFailure(r.Context(), claims.AgentID, "event:append")
			writeKernelError(w, r, kernelerrors.Forbidden("missing event:append capability"))
			return
		}
		events = append(events, event.Event{
			StreamID: e.StreamID,
			Type:     event.Type(e.Type),
			Payload:  e.Payload,
			Causality: event.Causality{
				Session: claims.SessionID,
			},
			Metadata: event.Metadata{Agent: claims.AgentID},
		})
	}

	ids, err := s.store.Append(r.Context(), events)
	if err != nil {
		writeKernelError(w, r, kernelerrors.Internal("append failed", err))
		return
	}

	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	httputil.WriteJSON(w, http.StatusCreated, appendEventsResponse{IDs: out})
}

func (s *Server) queryEvents(w http.ResponseWriter, r *http.Request) {
	filter := event.Filter{
		StreamPrefix: r.URL.Query().Get("stream_prefix"),
		Since:        event.ID(r.URL.Query().Get("since")),
		PayloadPath:  r.URL.Query().Get("payload_path"),
		PayloadEq:    r.URL.Query().Get("payload_eq"),
	}
	if t := r.URL.Query().Get("type"); t != "" {
		filter.Types = []event.Type{event.Type(t)}
	}

	limit := 1000
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	var events []event.Event
	err := s.store.Read(filter, func(e event.Event) bool {
		events = append(events, e)
		return len(events) < limit
	})
	if err != nil {
		writeKernelError(w, r, kernelerrors.Internal("query failed", err))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, events)
}

// structuredQueryRequest is the body of POST /v1/events/query: a richer
// predicate query than the GET /v1/events path-and-equality filter, backed
// by a jsonpath expression evaluated against each candidate's payload.
type structuredQueryRequest struct {
	Select       []string `json:"select,omitempty"`
	StreamPrefix string   `json:"stream_prefix,omitempty"`
	Types        []string `json:"types,omitempty"`
	Since        string   `json:"since,omitempty"`
	Where        string   `json:"where,omitempty"`
	OrderBy      string   `json:"order_by,omitempty"` // "id" (default) or "id_desc"
	Limit        int      `json:"limit,omitempty"`
	Offset       int      `json:"offset,omitempty"`
}

// matchesWhere evaluates a jsonpath expression against an event's payload,
// treating a missing path, an evaluation error, or a falsy/zero result as
// "does not match" rather than as a hard query failure.
func matchesWhere(where string, payload json.RawMessage) bool {
	var data interface{}
	if err := json.Unmarshal(payload, &data); err != nil {
		return false
	}
	result, err := jsonpath.Get(where, data)
	if err != nil {
		return false
	}
	switch v := result.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != ""
	case []interface{}:
		return len(v) > 0
	default:
		return true
	}
}

func projectEvent(e event.Event, fields []string) interface{} {
	if len(fields) == 0 {
		return e
	}
	out := make(map[string]interface{}, len(fields))
	for _, f := range fields {
		switch f {
		case "id":
			out["id"] = e.ID
		case "stream_id":
			out["stream_id"] = e.StreamID
		case "type":
			out["type"] = e.Type
		case "payload":
			out["payload"] = e.Payload
		case "causality":
			out["causality"] = e.Causality
		case "metadata":
			out["metadata"] = e.Metadata
		case "integrity":
			out["integrity"] = e.Integrity
		}
	}
	return out
}

// queryEventsStructured serves POST /v1/events/query: select/where/order_by
// /limit/offset over the log, using jsonpath for the where predicate so
// callers can express richer conditions than GET /v1/events' single
// path-equals-value filter.
func (s *Server) queryEventsStructured(w http.ResponseWriter, r *http.Request) {
	var req structuredQueryRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	filter := event.Filter{
		StreamPrefix: req.StreamPrefix,
		Since:        event.ID(req.Since),
	}
	for _, t := range req.Types {
		filter.Types = append(filter.Types, event.Type(t))
	}

	limit := req.Limit
	if limit <= 0 {
		limit = 1000
	}

	var matched []event.Event
	truncated := false
	err := s.store.Read(filter, func(e event.Event) bool {
		if req.Where != "" && !matchesWhere(req.Where, e.Payload) {
			return true
		}
		matched = append(matched, e)
		if len(matched) >= maxQueryScan {
			truncated = true
			return false
		}
		return true
	})
	if err != nil {
		writeKernelError(w, r, kernelerrors.Internal("query failed", err))
		return
	}
	if truncated && s.logger != nil {
		s.logger.WithField("where", req.Where).Warn("structured event query scan truncated at maxQueryScan")
	}

	if req.OrderBy == "id_desc" {
		for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
			matched[i], matched[j] = matched[j], matched[i]
		}
	}

	if req.Offset > 0 {
		if req.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[req.Offset:]
		}
	}
	if len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]interface{}, len(matched))
	for i, e := range matched {
		out[i] = projectEvent(e, req.Select)
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

// hasCapability is a small adapter until the auth registry projection is
// wired in by bridge.go; it authorizes against the token's own claimed
// capabilities, which is always a subset of what the registry would allow.
func hasCapability(c *auth.Claims, resourceAction, ownerID string) bool {
	return auth.ParseCapabilities(c.Capabilities).Authorize(resourceAction, ownerID, c.AgentID)
}
