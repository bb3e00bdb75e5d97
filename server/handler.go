package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"liveide/logging"
	"liveide/storage"
)

type contextKey string

const userIDKey contextKey = "userID"

// sessionDTO is the JSON shape of a session on the API
type sessionDTO struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	LastActive string `json:"lastActive"`
	UserID     string `json:"userId"`
}

// messageDTO matches the relay wire format
type messageDTO struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	From      string `json:"from"`
	Content   string `json:"content"`
	TS        string `json:"ts"`
}

// userDTO is the JSON shape of a user on the admin API
type userDTO struct {
	ID     string `json:"id"`
	Email  string `json:"email"`
	Name   string `json:"name"`
	Role   string `json:"role"`
	Banned bool   `json:"banned"`
}

// logEntryDTO is one row of the admin activity feed. The unexported at field
// carries the raw timestamp for sorting and stays out of the JSON.
type logEntryDTO struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Action    string                 `json:"action"`
	UserID    string                 `json:"userId,omitempty"`
	SessionID string                 `json:"sessionId,omitempty"`
	Timestamp string                 `json:"timestamp"`
	Details   map[string]interface{} `json:"details"`

	at time.Time
}

type sessionOwnerDTO struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// adminSessionDTO is a session with its owner, as served on the admin API
type adminSessionDTO struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Status     string          `json:"status"`
	LastActive string          `json:"lastActive"`
	CreatedAt  string          `json:"createdAt"`
	UserID     string          `json:"userId"`
	User       sessionOwnerDTO `json:"user"`
}

// requireAuth verifies the bearer token and stashes the user ID in the context
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "Unauthorized", "Missing bearer token")
			return
		}

		userID, err := s.verifier.Verify(token)
		if err != nil {
			logging.Logger.Warn("Rejected API token", "error", err, "remote_addr", r.RemoteAddr)
			writeError(w, http.StatusUnauthorized, "Unauthorized", "Invalid or expired token")
			return
		}

		next(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
	}
}

// requireAdmin allows only admins through. The role is read from the store,
// not the token, so a demotion takes effect without waiting out token expiry.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := s.store.FindUserByID(r.Context(), requestUserID(r))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Internal Server Error", "Failed to verify permissions")
			return
		}
		if user == nil || user.Role != "admin" {
			writeError(w, http.StatusForbidden, "Forbidden", "Admin access required")
			return
		}
		next(w, r)
	}
}

func requestUserID(r *http.Request) string {
	userID, _ := r.Context().Value(userIDKey).(string)
	return userID
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if err := s.store.Ping(r.Context()); err != nil {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      status,
		"connections": s.tracker.Count(),
	})
}

func (s *Server) handleMonitor(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.GetSystemMetrics(r.Context()))
}

func (s *Server) handleMonitorHistory(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if raw := r.URL.Query().Get("hours"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "Bad Request", "hours must be a positive integer")
			return
		}
		hours = parsed
	}

	points := s.engine.GetMetricsHistory(r.Context(), hours)
	writeJSON(w, http.StatusOK, points)
}

func (s *Server) handleAdminOverview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	totalUsers, err := s.store.CountUsers(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal Server Error", "Failed to fetch admin overview")
		return
	}
	totalSessions, err := s.store.CountSessions(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal Server Error", "Failed to fetch admin overview")
		return
	}
	totalMessages, err := s.store.CountMessages(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal Server Error", "Failed to fetch admin overview")
		return
	}
	activeSessions, err := s.store.CountSessionsByStatus(ctx, storage.StatusOnline)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal Server Error", "Failed to fetch admin overview")
		return
	}
	onlineUsers, err := s.store.CountOnlineUsers(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal Server Error", "Failed to fetch admin overview")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stats": map[string]interface{}{
			"totalUsers":     totalUsers,
			"totalSessions":  totalSessions,
			"totalMessages":  totalMessages,
			"activeSessions": activeSessions,
			"onlineUsers":    onlineUsers,
		},
	})
}

func (s *Server) handleAdminAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.analyzer.Analyze(r.Context()))
}

func (s *Server) handleAdminConnections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":       s.tracker.Count(),
		"connections": s.tracker.List(),
	})
}

func (s *Server) handleAdminUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal Server Error", "Failed to fetch users")
		return
	}

	dtos := make([]userDTO, len(users))
	for i, user := range users {
		dtos[i] = userDTO{
			ID:     user.ID,
			Email:  user.Email,
			Name:   user.Name,
			Role:   user.Role,
			Banned: user.Banned,
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (s *Server) handleBanUser(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == requestUserID(r) {
		writeError(w, http.StatusBadRequest, "Bad Request", "Cannot ban yourself")
		return
	}

	banned, err := s.store.BanUser(r.Context(), id)
	if err != nil {
		logging.Logger.Error("Failed to ban user", "error", err, "user_id", id)
		writeError(w, http.StatusInternalServerError, "Internal Server Error", "Failed to ban user")
		return
	}
	if !banned {
		writeError(w, http.StatusNotFound, "Not Found", "User not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == requestUserID(r) {
		writeError(w, http.StatusBadRequest, "Bad Request", "Cannot delete yourself")
		return
	}

	// Sessions and messages cascade with the user
	deleted, err := s.store.DeleteUser(r.Context(), id)
	if err != nil {
		logging.Logger.Error("Failed to delete user", "error", err, "user_id", id)
		writeError(w, http.StatusInternalServerError, "Internal Server Error", "Failed to delete user")
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "Not Found", "User not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleAdminLogs serves the activity feed: recent messages and session
// activity interleaved, newest first
func (s *Server) handleAdminLogs(w http.ResponseWriter, r *http.Request) {
	limit, offset := 50, 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "Bad Request", "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "Bad Request", "offset must be a non-negative integer")
			return
		}
		offset = parsed
	}

	ctx := r.Context()
	messages, err := s.store.ListRecentMessages(ctx, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal Server Error", "Failed to fetch logs")
		return
	}
	sessions, err := s.store.ListRecentSessions(ctx, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal Server Error", "Failed to fetch logs")
		return
	}

	logs := make([]logEntryDTO, 0, len(messages)+len(sessions))
	for _, message := range messages {
		logs = append(logs, logEntryDTO{
			ID:        message.ID,
			Type:      "message",
			Action:    "message_created",
			UserID:    message.UserID,
			SessionID: message.SessionID,
			Timestamp: message.CreatedAt.UTC().Format(time.RFC3339),
			Details: map[string]interface{}{
				"type":    message.Type,
				"from":    message.FromRole,
				"content": truncate(message.Content, 100),
			},
			at: message.CreatedAt,
		})
	}
	for _, session := range sessions {
		logs = append(logs, logEntryDTO{
			ID:        session.ID,
			Type:      "session",
			Action:    "session_updated",
			UserID:    session.UserID,
			SessionID: session.ID,
			Timestamp: session.LastActive.UTC().Format(time.RFC3339),
			Details: map[string]interface{}{
				"name":   session.Name,
				"status": session.Status,
			},
			at: session.LastActive,
		})
	}
	sort.Slice(logs, func(i, j int) bool { return logs[i].at.After(logs[j].at) })
	if len(logs) > limit {
		logs = logs[:limit]
	}

	totalMessages, err := s.store.CountMessages(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal Server Error", "Failed to fetch logs")
		return
	}
	totalSessions, err := s.store.CountSessions(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal Server Error", "Failed to fetch logs")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"logs":  logs,
		"total": totalMessages + totalSessions,
	})
}

func (s *Server) handleAdminSessions(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.ListSessionsWithUsers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal Server Error", "Failed to fetch sessions")
		return
	}

	dtos := make([]adminSessionDTO, len(rows))
	for i, row := range rows {
		dtos[i] = adminSessionDTO{
			ID:         row.ID,
			Name:       row.Name,
			Status:     row.Status,
			LastActive: row.LastActive.UTC().Format(time.RFC3339),
			CreatedAt:  row.CreatedAt.UTC().Format(time.RFC3339),
			UserID:     row.UserID,
			User: sessionOwnerDTO{
				Email: row.UserEmail,
				Name:  row.UserName,
			},
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListSessionsByUser(r.Context(), requestUserID(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal Server Error", "Failed to fetch sessions")
		return
	}

	dtos := make([]sessionDTO, len(sessions))
	for i, session := range sessions {
		dtos[i] = toSessionDTO(&session)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Name) == "" {
		writeError(w, http.StatusBadRequest, "Bad Request", "Session name is required")
		return
	}

	session := &storage.Session{
		UserID: requestUserID(r),
		Name:   strings.TrimSpace(body.Name),
		Status: storage.StatusOffline,
	}
	if err := s.store.CreateSession(r.Context(), session); err != nil {
		logging.Logger.Error("Failed to create session", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal Server Error", "Failed to create session")
		return
	}

	writeJSON(w, http.StatusCreated, toSessionDTO(session))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.store.FindSessionByID(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal Server Error", "Failed to delete session")
		return
	}
	if session == nil {
		writeError(w, http.StatusNotFound, "Not Found", "Session not found")
		return
	}

	if !s.canManage(r, session) {
		writeError(w, http.StatusForbidden, "Forbidden", "Access denied to this session")
		return
	}

	// Messages cascade with the session
	if err := s.store.DeleteSession(r.Context(), session.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "Internal Server Error", "Failed to delete session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	session, err := s.store.FindSessionByID(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal Server Error", "Failed to fetch messages")
		return
	}
	if session == nil {
		writeError(w, http.StatusNotFound, "Not Found", "Session not found")
		return
	}
	if session.UserID != requestUserID(r) {
		writeError(w, http.StatusForbidden, "Forbidden", "Access denied to this session")
		return
	}

	messages, err := s.store.ListMessagesBySession(r.Context(), session.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal Server Error", "Failed to fetch messages")
		return
	}

	dtos := make([]messageDTO, len(messages))
	for i, message := range messages {
		dtos[i] = messageDTO{
			Type:      message.Type,
			SessionID: message.SessionID,
			From:      message.FromRole,
			Content:   message.Content,
			TS:        message.CreatedAt.UTC().Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// canManage allows the owner and admins to manage a session
func (s *Server) canManage(r *http.Request, session *storage.Session) bool {
	userID := requestUserID(r)
	if session.UserID == userID {
		return true
	}
	user, err := s.store.FindUserByID(r.Context(), userID)
	if err != nil || user == nil {
		return false
	}
	return user.Role == "admin"
}

func toSessionDTO(session *storage.Session) sessionDTO {
	return sessionDTO{
		ID:         session.ID,
		Name:       session.Name,
		Status:     session.Status,
		LastActive: session.LastActive.UTC().Format(time.RFC3339),
		UserID:     session.UserID,
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logging.Logger.Debug("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, errName, message string) {
	writeJSON(w, status, map[string]string{
		"error":   errName,
		"message": message,
	})
}
