package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/avabot/avatard/internal/bus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsCommand is a client-to-server realtime message.
type wsCommand struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// wsEvent is a server-to-client realtime message.
type wsEvent struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
	Message string      `json:"message,omitempty"`
}

type chatPayload struct {
	Message string `json:"message"`
}

// handleWebsocket upgrades the connection, registers it in the hub and
// serves the command loop until the client goes away.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")
	if clientID == "" {
		clientID = fmt.Sprintf("client_%d", time.Now().UnixNano())
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	handle := s.hub.Connect(conn, clientID)
	s.publishConn(bus.EventTypeClientConnected, clientID)
	defer func() {
		s.hub.Disconnect(clientID, handle)
		s.publishConn(bus.EventTypeClientDisconnected, clientID)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var cmd wsCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			s.hub.Send(clientID, wsEvent{Type: "error", Message: "malformed command"})
			continue
		}

		s.dispatchCommand(r, clientID, cmd)
	}
}

func (s *Server) publishConn(t bus.EventType, clientID string) {
	if s.events == nil {
		return
	}
	s.events.Publish(bus.Event{Type: t, Data: map[string]any{"client_id": clientID}})
}

// dispatchCommand handles one realtime command. An unrecognized type
// yields an error event without closing the channel.
func (s *Server) dispatchCommand(r *http.Request, clientID string, cmd wsCommand) {
	switch cmd.Type {
	case "ping":
		s.hub.Send(clientID, wsEvent{Type: "pong"})

	case "chat":
		var p chatPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil || p.Message == "" {
			s.hub.Send(clientID, wsEvent{Type: "error", Message: "chat requires a message"})
			return
		}
		reply, err := s.chatter.Chat(r.Context(), clientID, p.Message)
		if err != nil {
			s.logger.Warn().Err(err).Str("client", clientID).Msg("Chat failed")
			s.hub.Send(clientID, wsEvent{Type: "error", Message: "generation failed"})
			return
		}
		s.hub.Send(clientID, wsEvent{Type: "chat.reply", Payload: map[string]string{"message": reply}})

	case "clear_history":
		s.chatter.ResetSession(clientID)
		s.hub.Send(clientID, wsEvent{Type: "history.cleared"})

	default:
		s.hub.Send(clientID, wsEvent{Type: "error", Message: fmt.Sprintf("unknown command type: %s", cmd.Type)})
	}
}
