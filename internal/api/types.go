package api

import "time"

// GenerateRequest starts a generation run. Mode accepts "video" (default) or
// "image"; the script is required and is segmented server-side.
type GenerateRequest struct {
	BookName      string `json:"bookName"`
	GenerateMode  string `json:"generateMode"`
	SelectedVoice string `json:"selectedVoice"`
	ScriptText    string `json:"scriptText"`
	KeepWorkspace bool   `json:"keepWorkspace"`
}

// AssembleSegment names one image+audio pair inside a workspace. File names
// are workspace-relative.
type AssembleSegment struct {
	Index     int     `json:"index"`
	ImageFile string  `json:"imageFile"`
	AudioFile string  `json:"audioFile"`
	Duration  float64 `json:"duration"`
}

// AssembleRequest renders Ken Burns clips from scanned artifacts and joins
// them into final.mp4 inside the workspace.
type AssembleRequest struct {
	WorkspacePath string            `json:"workspacePath"`
	Segments      []AssembleSegment `json:"segments"`
}

// ConcatRequest joins already-encoded clips with the copy-mode concat
// demuxer. File names are workspace-relative.
type ConcatRequest struct {
	WorkspacePath string   `json:"workspacePath"`
	Files         []string `json:"files"`
}

// AssembleResponse reports the finished file for assemble and concat.
type AssembleResponse struct {
	FinalFile string `json:"finalFile"`
	VideoURL  string `json:"videoUrl"`
}

// VoicePreviewRequest synthesizes a short sample for voice selection.
type VoicePreviewRequest struct {
	VoiceID string `json:"voiceId"`
	Text    string `json:"text"`
}

// RunSummary is one persisted run in a listing.
type RunSummary struct {
	ID            string    `json:"id"`
	BookName      string    `json:"bookName"`
	Mode          string    `json:"mode"`
	Status        string    `json:"status"`
	WorkspacePath string    `json:"workspacePath,omitempty"`
	FinalFile     string    `json:"finalFile,omitempty"`
	ErrorMessage  string    `json:"errorMessage,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// RunListResponse lists persisted runs, newest first.
type RunListResponse struct {
	Runs []RunSummary `json:"runs"`
}
