package gateway

import (
	"net/http"
	"time"

	"github.com/cordum/plugind/core/infra/logging"
	"github.com/gorilla/websocket"
	"google.golang.org/protobuf/encoding/protojson"
)

const (
	eventBuffer    = 64
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin:  func(r *http.Request) bool { return isAllowedOrigin(r) },
	Subprotocols: []string{wsAPIKeyProtocol},
}

// handleEvents streams notification events to a websocket client as
// protojson objects.
func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "event stream disabled"})
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error("gateway", "ws upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	client := r.RemoteAddr
	if auth := authFromContext(r.Context()); auth != nil && auth.Name != "" {
		client = auth.Name
	}
	logging.Info("gateway", "ws connected", "client", client)

	events, cancel := s.events.Subscribe(eventBuffer)
	defer cancel()

	// Drain client frames so close and pong control messages are handled.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			payload, err := e.Struct()
			if err != nil {
				logging.Error("gateway", "encode event failed", "error", err)
				continue
			}
			data, err := protojson.Marshal(payload)
			if err != nil {
				logging.Error("gateway", "protojson marshal failed", "error", err)
				continue
			}
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		case <-closed:
			logging.Info("gateway", "ws disconnected", "client", client)
			return
		case <-r.Context().Done():
			return
		}
	}
}
