// Package workspace manages per-run scratch directories under the configured
// sandbox root. Every run owns exactly one directory, holds an exclusive lock
// on it for the run's lifetime, and reclaims it when the run finishes.
package workspace

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/TheOneDeer/book-video-generator/internal/logging"
	"github.com/TheOneDeer/book-video-generator/internal/services"
)

const (
	dirPrefix    = "video-gen-"
	lockFileName = ".lock"
)

// Manager creates and resolves run workspaces under a single sandbox root.
type Manager struct {
	root   string
	logger *slog.Logger
}

// NewManager constructs a manager rooted at the given sandbox directory.
func NewManager(root string, logger *slog.Logger) (*Manager, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, services.Wrap(services.ErrValidation, "workspace", "new manager", "sandbox root required", nil)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "workspace", "new manager", "resolve sandbox root", err)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Manager{root: filepath.Clean(abs), logger: logger}, nil
}

// Root returns the sandbox root all workspaces live under.
func (m *Manager) Root() string { return m.root }

// Workspace is one run's exclusively owned scratch directory.
type Workspace struct {
	id   string
	path string
	lock *flock.Flock
}

// Create makes a uniquely named workspace directory and acquires its lock.
func (m *Manager) Create() (*Workspace, error) {
	id := dirPrefix + uuid.NewString()
	path := filepath.Join(m.root, id)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, services.Wrap(services.ErrWorkspaceInvalid, "workspace", "create", path, err)
	}
	ws := &Workspace{id: id, path: path, lock: flock.New(filepath.Join(path, lockFileName))}
	if err := ws.acquire(); err != nil {
		return nil, err
	}
	return ws, nil
}

// Open resolves an existing workspace directory inside the sandbox and
// acquires its lock. Used by assemble and concat requests that operate on a
// workspace produced by an earlier generate run.
func (m *Manager) Open(requested string) (*Workspace, error) {
	path, err := m.Resolve(requested)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, services.Wrap(services.ErrNotFound, "workspace", "open", path, err)
		}
		return nil, services.Wrap(services.ErrWorkspaceInvalid, "workspace", "open", path, err)
	}
	if !info.IsDir() {
		return nil, services.Wrap(services.ErrWorkspaceInvalid, "workspace", "open",
			fmt.Sprintf("%s is not a directory", path), nil)
	}
	ws := &Workspace{id: filepath.Base(path), path: path, lock: flock.New(filepath.Join(path, lockFileName))}
	if err := ws.acquire(); err != nil {
		return nil, err
	}
	return ws, nil
}

// Resolve validates that the requested path stays inside the sandbox root and
// returns its cleaned absolute form. The check runs before any filesystem
// access so escapes never touch the disk.
func (m *Manager) Resolve(requested string) (string, error) {
	requested = strings.TrimSpace(requested)
	if requested == "" {
		return "", services.Wrap(services.ErrValidation, "workspace", "resolve", "path required", nil)
	}
	abs, err := filepath.Abs(requested)
	if err != nil {
		return "", services.Wrap(services.ErrValidation, "workspace", "resolve", requested, err)
	}
	abs = filepath.Clean(abs)
	if abs != m.root && !strings.HasPrefix(abs, m.root+string(filepath.Separator)) {
		return "", services.Wrap(services.ErrPermissionDenied, "workspace", "resolve",
			fmt.Sprintf("%s escapes sandbox %s", requested, m.root), nil)
	}
	return abs, nil
}

// Reclaim releases the workspace lock and, unless keep is set, removes the
// directory tree. Failures are logged, never propagated: cleanup must not
// mask the error that ended the run.
func (m *Manager) Reclaim(ws *Workspace, keep bool) {
	if ws == nil {
		return
	}
	if err := ws.Release(); err != nil {
		m.logger.Warn("failed to release workspace lock",
			logging.String("workspace", ws.path),
			logging.Error(err))
	}
	if keep {
		m.logger.Info("keeping workspace", logging.String("workspace", ws.path))
		return
	}
	if err := os.RemoveAll(ws.path); err != nil {
		m.logger.Warn("failed to remove workspace",
			logging.String("workspace", ws.path),
			logging.Error(err))
	}
}

func (w *Workspace) acquire() error {
	ok, err := w.lock.TryLock()
	if err != nil {
		return services.Wrap(services.ErrWorkspaceInvalid, "workspace", "lock", w.path, err)
	}
	if !ok {
		return services.Wrap(services.ErrWorkspaceInvalid, "workspace", "lock",
			fmt.Sprintf("%s is owned by another run", w.path), errors.New("lock held"))
	}
	return nil
}

// Release drops the exclusive lock without removing the directory.
func (w *Workspace) Release() error {
	if w.lock == nil {
		return nil
	}
	return w.lock.Unlock()
}

// ID returns the workspace directory name (video-gen-<uuid>).
func (w *Workspace) ID() string { return w.id }

// Path returns the workspace directory.
func (w *Workspace) Path() string { return w.path }

// ImagePath returns the per-segment still image path. ext is "jpg" or "png";
// empty defaults to jpg.
func (w *Workspace) ImagePath(index int, ext string) string {
	ext = strings.TrimPrefix(strings.TrimSpace(ext), ".")
	if ext == "" {
		ext = "jpg"
	}
	return filepath.Join(w.path, fmt.Sprintf("image_%d.%s", index, ext))
}

// AudioPath returns the per-segment narration path.
func (w *Workspace) AudioPath(index int) string {
	return filepath.Join(w.path, fmt.Sprintf("audio_%d.mp3", index))
}

// SegmentPath returns the per-segment generated clip path (video strategy).
func (w *Workspace) SegmentPath(index int) string {
	return filepath.Join(w.path, fmt.Sprintf("segment_%d.mp4", index))
}

// ClipPath returns the per-segment synthesized Ken Burns clip path.
func (w *Workspace) ClipPath(index int) string {
	return filepath.Join(w.path, fmt.Sprintf("video_%d.mp4", index))
}

// ConcatListPath returns the concat demuxer manifest path.
func (w *Workspace) ConcatListPath() string {
	return filepath.Join(w.path, "concat_list.txt")
}

// FinalPath returns the assembled output path.
func (w *Workspace) FinalPath() string {
	return filepath.Join(w.path, "final.mp4")
}
