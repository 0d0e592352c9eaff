package runstore

import (
	"time"

	"github.com/TheOneDeer/book-video-generator/internal/segment"
)

// RunStatus is the lifecycle state persisted for a generation run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunAborted   RunStatus = "aborted"
)

// Run is one persisted generation run. Aborted runs keep their workspace
// path discoverable so artifacts can be recovered manually when the caller
// asked to keep the workspace.
type Run struct {
	ID            string
	BookName      string
	Mode          segment.Strategy
	Status        RunStatus
	WorkspacePath string
	FinalFile     string
	ErrorMessage  string
	KeepWorkspace bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
