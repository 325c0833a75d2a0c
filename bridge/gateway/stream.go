package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentbridge/bridge/bridge/event"
	"github.com/agentbridge/bridge/bridge/subscription"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const streamPingInterval = 20 * time.Second

// stream upgrades the connection and delivers a filtered, resumable feed of
// committed events. A client reconnecting with Last-Event-ID first replays
// the gap from the log, then switches to the live subscription.
func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	filter := event.Filter{
		StreamPrefix: r.URL.Query().Get("stream_prefix"),
	}
	if t := r.URL.Query().Get("type"); t != "" {
		filter.Types = []event.Type{event.Type(t)}
	}
	cursor := subscription.NewCursor(event.ID(r.Header.Get("Last-Event-ID")))

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		writeKernelError(w, r, err)
		return
	}
	defer conn.Close()

	sub := s.hub.Subscribe(filter)
	defer s.hub.Cancel(sub)

	if cursor.Value() != "" {
		resumeFilter := cursor.FilterFrom(filter)
		replayErr := s.hub.Resume(r.Context(), resumeFilter, func(ev event.Event) bool {
			if writeErr := writeStreamEvent(conn, ev); writeErr != nil {
				return false
			}
			cursor.Advance(ev.ID)
			return true
		})
		if replayErr != nil {
			if s.logger != nil {
				s.logger.WithField("subscription", sub.ID()).Warn("replay failed: " + replayErr.Error())
			}
			return
		}
	}

	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := writeStreamEvent(conn, ev); err != nil {
				return
			}
			cursor.Advance(ev.ID)
			if sub.Lagged() {
				// The buffer dropped events under this subscription; the
				// client must reconnect with Last-Event-ID to replay the
				// gap rather than silently continue on a torn stream.
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "lagged, reconnect with Last-Event-ID"))
				return
			}
		}
	}
}

func writeStreamEvent(conn *websocket.Conn, ev event.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, b)
}
