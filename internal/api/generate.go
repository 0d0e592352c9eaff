package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/TheOneDeer/book-video-generator/internal/logging"
	"github.com/TheOneDeer/book-video-generator/internal/orchestrator"
	"github.com/TheOneDeer/book-video-generator/internal/progress"
	"github.com/TheOneDeer/book-video-generator/internal/segment"
)

// handleGenerate starts a run and streams its events as line-delimited JSON.
// The response stays open for the run's lifetime; closing the connection
// cancels the run and its external calls.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.BookName) == "" {
		s.writeError(w, http.StatusBadRequest, "bookName is required")
		return
	}
	if strings.TrimSpace(req.ScriptText) == "" {
		s.writeError(w, http.StatusBadRequest, "scriptText is required")
		return
	}
	mode, ok := segment.ParseStrategy(req.GenerateMode)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "generateMode must be video or image")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	bus := progress.NewBus()
	go s.runner.Run(r.Context(), orchestrator.Request{
		BookName:      req.BookName,
		ScriptText:    req.ScriptText,
		Mode:          mode,
		Voice:         strings.TrimSpace(req.SelectedVoice),
		KeepWorkspace: req.KeepWorkspace,
	}, bus)

	encoder := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			// Client went away; the run sees the cancellation and cleans up.
			return
		case event, open := <-bus.Events():
			if !open {
				return
			}
			if err := encoder.Encode(event); err != nil {
				s.logger.Warn("event write failed", logging.Error(err))
				return
			}
			flusher.Flush()
		}
	}
}
