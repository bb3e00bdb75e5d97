package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"liveide/logging"
	"liveide/storage"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// SessionStore is the session persistence consumed by the gateway
type SessionStore interface {
	FindSessionByID(ctx context.Context, id string) (*storage.Session, error)
	UpdateSessionStatus(ctx context.Context, id, status string) error
	UpdateSessionLastActive(ctx context.Context, id string) error
}

// MessageStore is the message persistence consumed by the gateway
type MessageStore interface {
	CreateMessage(ctx context.Context, message *storage.Message) error
	ListMessagesBySession(ctx context.Context, sessionID string) ([]storage.Message, error)
}

// TokenVerifier validates a bearer token and returns the authenticated user ID
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// WireMessage is the relay wire format, both directions
type WireMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	From      string `json:"from"`
	Content   string `json:"content"`
	TS        string `json:"ts"`
}

const (
	welcomeContent     = "WebSocket connection established"
	saveErrorContent   = "Error saving message to database"
	defaultContent     = "No content"
	closeWriteDeadline = 5 * time.Second
)

// Gateway relays messages between a client socket and a session's message
// log. Each accepted socket is handled by its own goroutine; the only shared
// mutable state between connections is the stores and the tracker.
//
// Presence follows the tracker's per-session connection count: a session goes
// online with its first open connection and offline only when the last one
// closes. Messages are echoed only to their originating socket; connections
// on the same session do not see each other's traffic.
type Gateway struct {
	sessions SessionStore
	messages MessageStore
	verifier TokenVerifier
	tracker  *Tracker
	upgrader websocket.Upgrader
}

// NewGateway creates a gateway backed by the given stores and tracker
func NewGateway(sessions SessionStore, messages MessageStore, verifier TokenVerifier, tracker *Tracker) *Gateway {
	return &Gateway{
		sessions: sessions,
		messages: messages,
		verifier: verifier,
		tracker:  tracker,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients connect from a separately served frontend
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handle upgrades the request and runs the connection to completion
func (g *Gateway) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Logger.Warn("WebSocket upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}
	defer conn.Close()

	query := r.URL.Query()
	sessionID := query.Get("sessionId")
	token := query.Get("token")

	if sessionID == "" {
		g.closeWith(conn, websocket.ClosePolicyViolation, "Session ID required")
		return
	}
	if token == "" {
		g.closeWith(conn, websocket.ClosePolicyViolation, "Authentication token required")
		return
	}

	userID, err := g.verifier.Verify(token)
	if err != nil {
		g.closeWith(conn, websocket.ClosePolicyViolation, "Invalid or expired token")
		return
	}

	ctx := r.Context()
	session, err := g.sessions.FindSessionByID(ctx, sessionID)
	if err != nil {
		logging.Logger.Error("Session lookup failed", "error", err, "session_id", sessionID)
		g.closeWith(conn, websocket.CloseInternalServerErr, "Internal server error")
		return
	}
	if session == nil {
		g.closeWith(conn, websocket.ClosePolicyViolation, "Session not found")
		return
	}
	if session.UserID != userID {
		g.closeWith(conn, websocket.ClosePolicyViolation, "Access denied to this session")
		return
	}

	connectionID := uuid.New().String()
	logging.Logger.Info("Relay connection authorized",
		"connection_id", connectionID,
		"session_id", sessionID,
		"user_id", userID,
		"remote_addr", r.RemoteAddr)

	if err := g.openStream(ctx, conn, sessionID, connectionID); err != nil {
		// Roll back the registration so a failed setup never leaks into the count
		g.tracker.Unregister(connectionID)
		logging.Logger.Error("Relay setup failed",
			"error", err,
			"connection_id", connectionID,
			"session_id", sessionID)
		g.closeWith(conn, websocket.CloseInternalServerErr, "Internal server error")
		return
	}
	defer g.closeStream(sessionID, connectionID)

	g.readLoop(ctx, conn, sessionID, connectionID)
}

// openStream marks the session online, registers the connection, persists and
// sends the welcome status message, then replays the full history in order.
// Replay completes before the read loop starts, so no live inbound message is
// processed ahead of history.
func (g *Gateway) openStream(ctx context.Context, conn *websocket.Conn, sessionID, connectionID string) error {
	if err := g.sessions.UpdateSessionStatus(ctx, sessionID, storage.StatusOnline); err != nil {
		return err
	}

	g.tracker.Register(connectionID, sessionID)

	welcome := &storage.Message{
		SessionID: sessionID,
		Type:      storage.MessageTypeStatus,
		FromRole:  storage.RoleIDE,
		Content:   welcomeContent,
	}
	if err := g.messages.CreateMessage(ctx, welcome); err != nil {
		return err
	}
	if err := conn.WriteJSON(toWire(welcome)); err != nil {
		return err
	}

	history, err := g.messages.ListMessagesBySession(ctx, sessionID)
	if err != nil {
		return err
	}
	for i := range history {
		if err := conn.WriteJSON(toWire(&history[i])); err != nil {
			return err
		}
	}
	return nil
}

// readLoop relays inbound messages until the socket closes
func (g *Gateway) readLoop(ctx context.Context, conn *websocket.Conn, sessionID, connectionID string) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.Logger.Debug("Relay connection read ended",
					"error", err,
					"connection_id", connectionID,
					"session_id", sessionID)
			}
			return
		}
		g.handleInbound(ctx, conn, sessionID, data)
	}
}

// handleInbound persists a well-formed payload and echoes the stored message
// back to the originating socket only. A bad payload or a failed write is
// recoverable: the client gets an in-band status message and the connection
// stays open.
func (g *Gateway) handleInbound(ctx context.Context, conn *websocket.Conn, sessionID string, data []byte) {
	var inbound struct {
		Type    string `json:"type"`
		From    string `json:"from"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(data, &inbound); err != nil {
		g.sendSaveError(conn, sessionID)
		return
	}

	if inbound.Type == "" {
		inbound.Type = storage.MessageTypeAgentMessage
	}
	if inbound.From == "" {
		inbound.From = storage.RoleClient
	}
	if inbound.Content == "" {
		inbound.Content = defaultContent
	}

	message := &storage.Message{
		SessionID: sessionID,
		Type:      inbound.Type,
		FromRole:  inbound.From,
		Content:   inbound.Content,
	}
	if err := g.messages.CreateMessage(ctx, message); err != nil {
		logging.Logger.Error("Failed to save relay message", "error", err, "session_id", sessionID)
		g.sendSaveError(conn, sessionID)
		return
	}

	if err := conn.WriteJSON(toWire(message)); err != nil {
		logging.Logger.Debug("Echo write failed", "error", err, "session_id", sessionID)
		return
	}

	if err := g.sessions.UpdateSessionLastActive(ctx, sessionID); err != nil {
		logging.Logger.Warn("Failed to touch session activity", "error", err, "session_id", sessionID)
	}
}

// closeStream unregisters the connection and, when it was the session's last
// one, marks the session offline. Cleanup is best-effort: a stuck online
// status is preferable to a crashed close handler.
func (g *Gateway) closeStream(sessionID, connectionID string) {
	g.tracker.Unregister(connectionID)

	if g.tracker.SessionCount(sessionID) > 0 {
		logging.Logger.Debug("Session still has open connections",
			"session_id", sessionID,
			"open", g.tracker.SessionCount(sessionID))
		return
	}

	// The socket context is gone at this point
	if err := g.sessions.UpdateSessionStatus(context.Background(), sessionID, storage.StatusOffline); err != nil {
		logging.Logger.Warn("Failed to mark session offline", "error", err, "session_id", sessionID)
	}
	logging.Logger.Info("Relay connection closed",
		"connection_id", connectionID,
		"session_id", sessionID)
}

// sendSaveError emits the in-band error status message without persisting it
func (g *Gateway) sendSaveError(conn *websocket.Conn, sessionID string) {
	wire := WireMessage{
		Type:      storage.MessageTypeStatus,
		SessionID: sessionID,
		From:      storage.RoleIDE,
		Content:   saveErrorContent,
		TS:        time.Now().UTC().Format(time.RFC3339),
	}
	if err := conn.WriteJSON(wire); err != nil {
		logging.Logger.Debug("Failed to send save-error status", "error", err, "session_id", sessionID)
	}
}

// closeWith sends a close control frame with the given code and reason
func (g *Gateway) closeWith(conn *websocket.Conn, code int, reason string) {
	logging.Logger.Warn("Closing relay connection", "code", code, "reason", reason)
	frame := websocket.FormatCloseMessage(code, reason)
	if err := conn.WriteControl(websocket.CloseMessage, frame, time.Now().Add(closeWriteDeadline)); err != nil {
		logging.Logger.Debug("Failed to write close frame", "error", err)
	}
}

// toWire converts a persisted message to the wire format
func toWire(m *storage.Message) WireMessage {
	return WireMessage{
		Type:      m.Type,
		SessionID: m.SessionID,
		From:      m.FromRole,
		Content:   m.Content,
		TS:        m.CreatedAt.UTC().Format(time.RFC3339),
	}
}
