package api

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/TheOneDeer/book-video-generator/internal/logging"
	"github.com/TheOneDeer/book-video-generator/internal/orchestrator"
	"github.com/TheOneDeer/book-video-generator/internal/reconcile"
	"github.com/TheOneDeer/book-video-generator/internal/services"
	"github.com/TheOneDeer/book-video-generator/internal/workspace"
)

// handleAssemble renders Ken Burns clips for each listed image+audio pair and
// joins them into the workspace's final.mp4. It serves resumed runs whose
// artifacts were recovered by a scan.
func (s *Server) handleAssemble(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.engine == nil {
		s.writeError(w, http.StatusServiceUnavailable, "assembly engine unavailable")
		return
	}
	var req AssembleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Segments) == 0 {
		s.writeError(w, http.StatusBadRequest, "segments is required")
		return
	}

	ws, err := s.workspaces.Open(req.WorkspacePath)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	defer func() {
		if err := ws.Release(); err != nil {
			s.logger.Warn("workspace release failed", logging.Error(err))
		}
	}()

	clips := make([]string, 0, len(req.Segments))
	durations := make([]float64, 0, len(req.Segments))
	for _, seg := range req.Segments {
		imagePath, err := workspaceFile(ws, seg.ImageFile)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		audioPath, err := workspaceFile(ws, seg.AudioFile)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		duration := seg.Duration
		if duration <= 0 {
			duration = 5
		}
		clip := ws.ClipPath(seg.Index)
		if err := s.engine.SynthesizeClip(r.Context(), imagePath, audioPath, clip, duration); err != nil {
			s.writeServiceError(w, err)
			return
		}
		clips = append(clips, clip)
		durations = append(durations, duration)
	}
	if err := s.engine.AssembleClips(r.Context(), clips, durations, ws.FinalPath()); err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, AssembleResponse{
		FinalFile: ws.FinalPath(),
		VideoURL:  orchestrator.FileURL(ws.FinalPath()),
	})
}

// handleConcat joins already-encoded clips without re-encoding.
func (s *Server) handleConcat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.engine == nil {
		s.writeError(w, http.StatusServiceUnavailable, "assembly engine unavailable")
		return
	}
	var req ConcatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Files) == 0 {
		s.writeError(w, http.StatusBadRequest, "files is required")
		return
	}

	ws, err := s.workspaces.Open(req.WorkspacePath)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	defer func() {
		if err := ws.Release(); err != nil {
			s.logger.Warn("workspace release failed", logging.Error(err))
		}
	}()

	clips := make([]string, 0, len(req.Files))
	for _, name := range req.Files {
		path, err := workspaceFile(ws, name)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		clips = append(clips, path)
	}
	if err := s.engine.ConcatCopy(r.Context(), clips, ws.ConcatListPath(), ws.FinalPath()); err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, AssembleResponse{
		FinalFile: ws.FinalPath(),
		VideoURL:  orchestrator.FileURL(ws.FinalPath()),
	})
}

// workspaceFile maps a workspace-relative file name to its absolute path,
// rejecting names that try to leave the workspace directory.
func workspaceFile(ws *workspace.Workspace, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", services.Wrap(services.ErrValidation, "api", "workspace file", "file name required", nil)
	}
	if name != filepath.Base(name) {
		return "", services.Wrap(services.ErrPermissionDenied, "api", "workspace file",
			name+" is not a plain file name", nil)
	}
	path := filepath.Join(ws.Path(), name)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", services.Wrap(services.ErrNotFound, "api", "workspace file", path, err)
		}
		return "", services.Wrap(services.ErrWorkspaceInvalid, "api", "workspace file", path, err)
	}
	return path, nil
}

// handleScan inventories a workspace directory for resumable artifacts.
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	path := strings.TrimSpace(r.URL.Query().Get("path"))
	if path == "" {
		s.writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	result, err := reconcile.Scan(s.workspaces, path)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

var contentTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".mp3":  "audio/mpeg",
	".mp4":  "video/mp4",
	".webm": "video/webm",
}

// handleFiles streams a workspace artifact. The sandbox check runs before any
// filesystem access; range requests are honored so video seeks work.
func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	requested := strings.TrimSpace(r.URL.Query().Get("path"))
	if requested == "" {
		s.writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	path, err := s.workspaces.Resolve(requested)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.writeError(w, http.StatusNotFound, "file not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !info.Mode().IsRegular() {
		s.writeError(w, http.StatusNotFound, "file not found")
		return
	}

	file, err := os.Open(path)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer file.Close()

	contentType := contentTypes[strings.ToLower(filepath.Ext(path))]
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	http.ServeContent(w, r, info.Name(), info.ModTime(), file)
}
