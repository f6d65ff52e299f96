package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/nestor-ai/nestor/pkg/auth"
	"github.com/nestor-ai/nestor/pkg/errdefs"
)

// errorBody is the wire shape of every failure. The correlation id points
// support at the matching log line; there are no stack traces.
type errorBody struct {
	Detail        string `json:"detail"`
	Code          string `json:"code"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := errdefs.KindOf(err)
	status := kind.HTTPStatus()
	correlationID := middleware.GetReqID(r.Context())

	detail := errorDetail(err, kind)
	if status >= 500 {
		slog.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"kind", kind,
			"correlation_id", correlationID,
			"error", err,
		)
	} else {
		slog.Debug("request rejected",
			"method", r.Method,
			"path", r.URL.Path,
			"kind", kind,
			"correlation_id", correlationID,
			"error", err,
		)
	}

	writeJSON(w, status, errorBody{
		Detail:        detail,
		Code:          string(kind),
		CorrelationID: correlationID,
	})
}

// errorDetail keeps upstream causes out of client responses: classified
// errors expose their message, everything else collapses to a generic
// line.
func errorDetail(err error, kind errdefs.Kind) string {
	var e *errdefs.Error
	if errors.As(err, &e) && kind != errdefs.KindInternal {
		msg := e.Message
		if len(e.Missing) > 0 {
			msg = fmt.Sprintf("%s: %v", msg, e.Missing)
		}
		return msg
	}
	if kind == errdefs.KindDeadlineExceeded {
		return "request deadline exceeded"
	}
	return "internal error"
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errdefs.NewValidation("server", "invalid request body")
	}
	return nil
}

// requestUser resolves the acting user: the authenticated subject, unless
// the body names another user and the caller is an admin. A non-admin
// naming someone else is rejected.
func requestUser(r *http.Request, bodyUserID uuid.UUID) (uuid.UUID, error) {
	claims := auth.ClaimsFromContext(r.Context())
	if claims == nil {
		return uuid.Nil, errdefs.NewValidation("server", "request is not authenticated")
	}
	authedID, err := claims.UserID()
	if err != nil {
		return uuid.Nil, errdefs.NewValidation("server", "token subject is not a user id")
	}
	if bodyUserID == uuid.Nil || bodyUserID == authedID {
		return authedID, nil
	}
	if claims.HasAnyRole("admin") {
		return bodyUserID, nil
	}
	return uuid.Nil, errdefs.NewValidation("server", "user_id does not match the authenticated user")
}

// pathUUID parses a chi URL parameter as a UUID.
func pathUUID(r *http.Request, param string) (uuid.UUID, error) {
	raw := chi.URLParam(r, param)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errdefs.NewValidation("server", fmt.Sprintf("invalid %s %q", param, raw))
	}
	return id, nil
}
