// Package api exposes the generation pipeline over HTTP: a streaming generate
// endpoint, workspace assembly and concat operations, directory scanning,
// sandboxed artifact serving, voice previews, and run history.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/TheOneDeer/book-video-generator/internal/logging"
	"github.com/TheOneDeer/book-video-generator/internal/orchestrator"
	"github.com/TheOneDeer/book-video-generator/internal/progress"
	"github.com/TheOneDeer/book-video-generator/internal/runstore"
	"github.com/TheOneDeer/book-video-generator/internal/services"
	"github.com/TheOneDeer/book-video-generator/internal/workspace"
)

// Runner starts one generation run and emits its lifecycle on the bus.
type Runner interface {
	Run(ctx context.Context, req orchestrator.Request, bus *progress.Bus)
}

// Engine is the assembly surface behind the assemble and concat endpoints.
type Engine interface {
	SynthesizeClip(ctx context.Context, imagePath, audioPath, outputPath string, duration float64) error
	AssembleClips(ctx context.Context, clips []string, durations []float64, outputPath string) error
	ConcatCopy(ctx context.Context, clips []string, listPath, outputPath string) error
}

// Server is the HTTP front end for the pipeline.
type Server struct {
	bind       string
	logger     *slog.Logger
	runner     Runner
	engine     Engine
	workspaces *workspace.Manager
	store      *runstore.Store
	previews   *previewCache

	listener net.Listener
	server   *http.Server
}

// Options wires the server's collaborators.
type Options struct {
	Bind       string
	Runner     Runner
	Engine     Engine
	Workspaces *workspace.Manager
	Store      *runstore.Store
	// Speech backs the voice preview endpoint.
	Speech SpeechSynthesizer
	// Downloader stages preview audio; nil uses the default.
	Downloader Downloader
	// DefaultVoice is used when a preview request omits the voice.
	DefaultVoice string
}

// NewServer constructs the HTTP server. The handler is usable immediately via
// Handler; Start binds the configured address.
func NewServer(opts Options, logger *slog.Logger) (*Server, error) {
	if opts.Runner == nil || opts.Workspaces == nil {
		return nil, services.Wrap(services.ErrValidation, "api", "new server",
			"runner and workspace manager required", nil)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &Server{
		bind:       strings.TrimSpace(opts.Bind),
		logger:     logging.NewComponentLogger(logger, "api-server"),
		runner:     opts.Runner,
		engine:     opts.Engine,
		workspaces: opts.Workspaces,
		store:      opts.Store,
		previews:   newPreviewCache(opts.Speech, opts.Downloader, opts.DefaultVoice),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/generate", s.handleGenerate)
	mux.HandleFunc("/api/assemble", s.handleAssemble)
	mux.HandleFunc("/api/concat", s.handleConcat)
	mux.HandleFunc("/api/scan", s.handleScan)
	mux.HandleFunc("/api/files", s.handleFiles)
	mux.HandleFunc("/api/voices/preview", s.handleVoicePreview)
	mux.HandleFunc("/api/runs", s.handleRuns)

	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		// No write timeout: generate responses stream for the run's lifetime.
	}
	return s, nil
}

// Handler returns the routing handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start binds the listener and serves until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if s.bind == "" {
		return services.Wrap(services.ErrValidation, "api", "start", "bind address required", nil)
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", logging.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	s.logger.Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

// Stop shuts the server down, allowing in-flight requests a short grace period.
func (s *Server) Stop() {
	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
}

// Addr returns the bound listener address, for tests using port 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", logging.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeServiceError maps the service error taxonomy onto HTTP statuses.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrValidation):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, services.ErrPermissionDenied):
		s.writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, services.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, services.ErrRateLimited):
		s.writeError(w, http.StatusTooManyRequests, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.store == nil {
		s.writeJSON(w, http.StatusOK, RunListResponse{})
		return
	}
	var statuses []runstore.RunStatus
	for _, value := range r.URL.Query()["status"] {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		statuses = append(statuses, runstore.RunStatus(trimmed))
	}
	runs, err := s.store.ListRuns(r.Context(), statuses...)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := RunListResponse{Runs: make([]RunSummary, 0, len(runs))}
	for _, run := range runs {
		resp.Runs = append(resp.Runs, RunSummary{
			ID:            run.ID,
			BookName:      run.BookName,
			Mode:          string(run.Mode),
			Status:        string(run.Status),
			WorkspacePath: run.WorkspacePath,
			FinalFile:     run.FinalFile,
			ErrorMessage:  run.ErrorMessage,
			CreatedAt:     run.CreatedAt,
			UpdatedAt:     run.UpdatedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}
