package deps

import (
	"errors"
	"strings"

	"github.com/TheOneDeer/book-video-generator/internal/services"
)

// CheckEncoder resolves the ffmpeg binary the assembly engine will execute.
// An empty command falls back to resolving "ffmpeg" from PATH. Callers that
// get an unavailable status switch to the client-side assembler.
func CheckEncoder(command string) Status {
	name := strings.TrimSpace(command)
	if name == "" {
		name = "ffmpeg"
	}
	return CheckBinaries([]Requirement{{
		Name:        "FFmpeg",
		Command:     name,
		Description: "Used for clip synthesis and concatenation",
	}})[0]
}

// RequireEncoder returns the resolved encoder path or a tagged error when
// the binary cannot be found.
func RequireEncoder(command string) (string, error) {
	status := CheckEncoder(command)
	if !status.Available {
		return "", services.Wrap(services.ErrEncoderUnavailable, "deps", "require encoder", status.Detail,
			errors.New("install ffmpeg or configure pipeline.ffmpeg_binary"))
	}
	return status.Command, nil
}
