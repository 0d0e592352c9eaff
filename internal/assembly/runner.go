package assembly

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/TheOneDeer/book-video-generator/internal/services"
)

// Runner executes an encoder invocation. The production implementation shells
// out to ffmpeg; tests and the client-side assembler inject their own.
type Runner interface {
	Run(ctx context.Context, name string, args []string) error
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, name string, args []string) error

func (f RunnerFunc) Run(ctx context.Context, name string, args []string) error {
	return f(ctx, name, args)
}

// stderrTailBytes bounds how much captured encoder output travels inside an
// error message.
const stderrTailBytes = 2048

// ExecRunner runs the encoder as a subprocess, capturing stderr so failures
// carry the encoder's own diagnostics.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args []string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return services.Wrap(services.ErrEncoderProcess, "assembly", "ffmpeg", stderrTail(stderr.Bytes()), err)
	}
	return nil
}

func stderrTail(output []byte) string {
	text := strings.TrimSpace(string(output))
	if len(text) > stderrTailBytes {
		text = "..." + text[len(text)-stderrTailBytes:]
	}
	return text
}
