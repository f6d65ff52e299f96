package server

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/nestor-ai/nestor/pkg/conversation"
	"github.com/nestor-ai/nestor/pkg/errdefs"
	"github.com/nestor-ai/nestor/pkg/types"
)

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var in conversation.CreateSessionInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	userID, err := requestUser(r, in.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	in.UserID = userID

	sess, err := s.deps.Conversations.CreateSession(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	userID, err := requestUser(r, pickUserQuery(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	includeArchived := r.URL.Query().Get("include_archived") == "true"

	sessions, err := s.deps.Conversations.ListSessions(r.Context(), userID, includeArchived)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	userID, sessionID, err := sessionScope(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	sess, err := s.deps.Conversations.GetSession(r.Context(), userID, sessionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	userID, sessionID, err := sessionScope(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var in conversation.UpdateSessionInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	sess, err := s.deps.Conversations.UpdateSession(r.Context(), userID, sessionID, in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	userID, sessionID, err := sessionScope(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.deps.Conversations.DeleteSession(r.Context(), userID, sessionID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleAddMessage(w http.ResponseWriter, r *http.Request) {
	userID, sessionID, err := sessionScope(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var in conversation.AddMessageInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	in.SessionID = sessionID
	in.UserID = userID
	if in.Role == "" {
		in.Role = types.RoleUserMessage
	}

	msg, err := s.deps.Conversations.AddMessage(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	userID, sessionID, err := sessionScope(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	msgs, err := s.deps.Conversations.ListMessages(r.Context(), userID, sessionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	userID, sessionID, err := sessionScope(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var in conversation.ProcessInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	in.SessionID = sessionID
	in.UserID = userID

	exchange, err := s.deps.Conversations.ProcessUserMessage(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exchange)
}

// summarizeRequest is the body of POST .../summaries.
type summarizeRequest struct {
	Strategy     types.SummarizationStrategy `json:"strategy,omitempty"`
	MessageCount int                         `json:"message_count_to_summarize,omitempty"`
}

func (s *Server) handleSummarize(w http.ResponseWriter, r *http.Request) {
	userID, sessionID, err := sessionScope(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req summarizeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	sum, err := s.deps.Conversations.Summarize(r.Context(), conversation.SummarizeInput{
		SessionID:    sessionID,
		UserID:       userID,
		Strategy:     req.Strategy,
		MessageCount: req.MessageCount,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleListSummaries(w http.ResponseWriter, r *http.Request) {
	userID, sessionID, err := sessionScope(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	sums, err := s.deps.Conversations.ListSummaries(r.Context(), userID, sessionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sums)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	userID, sessionID, err := sessionScope(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	raw := r.URL.Query().Get("format")
	if raw == "" {
		raw = string(conversation.ExportJSON)
	}
	format, err := conversation.ParseExportFormat(raw)
	if err != nil {
		writeError(w, r, errdefs.NewValidation("server", err.Error()))
		return
	}

	data, err := s.deps.Conversations.ExportSession(r.Context(), userID, sessionID, format)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// sessionScope resolves the acting user and the addressed session.
func sessionScope(r *http.Request) (userID, sessionID uuid.UUID, err error) {
	sessionID, err = pathUUID(r, "sessionID")
	if err != nil {
		return
	}
	userID, err = requestUser(r, pickUserQuery(r))
	return
}

// pickUserQuery reads an optional ?user_id= override (admin only; enforced
// by requestUser).
func pickUserQuery(r *http.Request) uuid.UUID {
	raw := r.URL.Query().Get("user_id")
	if raw == "" {
		return uuid.Nil
	}
	if id, err := uuid.Parse(raw); err == nil {
		return id
	}
	return uuid.Nil
}
