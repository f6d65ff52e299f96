package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/nestor-ai/nestor/pkg/errdefs"
	"github.com/nestor-ai/nestor/pkg/search"
)

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var in search.Input
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

	out, err := s.deps.Search.Search(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// streamFrame is one SSE data payload. Delta frames carry text as it
// arrives; the terminal frame carries the full output or the error.
type streamFrame struct {
	Delta  string         `json:"delta,omitempty"`
	Done   bool           `json:"done,omitempty"`
	Output *search.Output `json:"output,omitempty"`
	Error  *errorBody     `json:"error,omitempty"`
}

// handleSearchStream answers over text/event-stream. Failures before the
// first delta return a plain JSON error; once the stream is open, errors
// arrive as a terminal error frame.
func (s *Server) handleSearchStream(w http.ResponseWriter, r *http.Request) {
	var in search.Input
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

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, errdefs.NewInternal("server", "streaming unsupported by connection", nil))
		return
	}

	opened := false
	open := func() {
		if opened {
			return
		}
		opened = true
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
	}
	send := func(frame streamFrame) {
		open()
		data, err := json.Marshal(frame)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	out, err := s.deps.Search.SearchStream(r.Context(), in, func(delta string) {
		send(streamFrame{Delta: delta})
	})
	if err != nil {
		if !opened {
			writeError(w, r, err)
			return
		}
		kind := errdefs.KindOf(err)
		send(streamFrame{Done: true, Error: &errorBody{
			Detail: errorDetail(err, kind),
			Code:   string(kind),
		}})
		return
	}
	send(streamFrame{Done: true, Output: out})
}
