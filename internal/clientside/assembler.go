// Package clientside assembles image+audio segments without a server-managed
// encoder binary. It mirrors the assembly engine's pipeline — same Ken Burns
// constants, same transition policy, same manifest approach — against an
// injected in-process encoder runner, and stages every remote artifact into
// its own scratch directory first. It is the resilience path taken when the
// encoder availability check fails.
package clientside

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/TheOneDeer/book-video-generator/internal/assembly"
	"github.com/TheOneDeer/book-video-generator/internal/logging"
	"github.com/TheOneDeer/book-video-generator/internal/services"
)

// Segment is one image+audio pair to render and join.
type Segment struct {
	Index    int     `json:"index"`
	ImageURL string  `json:"imageUrl"`
	AudioURL string  `json:"audioUrl"`
	Duration float64 `json:"duration"`
}

func (s Segment) usable() bool {
	return strings.TrimSpace(s.ImageURL) != "" && strings.TrimSpace(s.AudioURL) != ""
}

// Assembler renders and joins segments inside a scratch directory.
type Assembler struct {
	runner      assembly.Runner
	binary      string
	params      assembly.Params
	downloader  *services.Downloader
	scratchRoot string
	logger      *slog.Logger
}

// Option customizes the assembler.
type Option func(*Assembler)

// WithDownloader overrides the artifact downloader (used by tests).
func WithDownloader(d *services.Downloader) Option {
	return func(a *Assembler) {
		if d != nil {
			a.downloader = d
		}
	}
}

// WithScratchRoot places scratch directories under root instead of the
// system temp directory.
func WithScratchRoot(root string) Option {
	return func(a *Assembler) {
		a.scratchRoot = root
	}
}

// WithBinary overrides the encoder command name handed to the runner.
func WithBinary(name string) Option {
	return func(a *Assembler) {
		if strings.TrimSpace(name) != "" {
			a.binary = name
		}
	}
}

// New constructs a client-side assembler around an in-process encoder runner.
func New(runner assembly.Runner, params assembly.Params, logger *slog.Logger, opts ...Option) *Assembler {
	a := &Assembler{
		runner:     runner,
		binary:     "ffmpeg",
		params:     params,
		downloader: services.NewDownloader(),
		logger:     logging.NewComponentLogger(logger, "clientside"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Assemble stages every usable segment's artifacts, renders a Ken Burns clip
// per segment, joins the clips, and returns the local path of the finished
// file. The caller owns the returned file's directory and removes it when
// done.
func (a *Assembler) Assemble(ctx context.Context, segments []Segment) (string, error) {
	usable := make([]Segment, 0, len(segments))
	for _, seg := range segments {
		if seg.usable() {
			usable = append(usable, seg)
		}
	}
	if len(usable) == 0 {
		return "", services.Wrap(services.ErrValidation, "clientside", "assemble",
			"no segments with both image and audio", nil)
	}
	if len(usable) < len(segments) {
		a.logger.Warn("skipping segments without both artifacts",
			logging.Int("skipped", len(segments)-len(usable)))
	}

	scratch, err := os.MkdirTemp(a.scratchRoot, "client-assemble-")
	if err != nil {
		return "", services.Wrap(services.ErrWorkspaceInvalid, "clientside", "assemble", "create scratch dir", err)
	}

	clips := make([]string, 0, len(usable))
	durations := make([]float64, 0, len(usable))
	for i, seg := range usable {
		imagePath, err := a.stage(ctx, scratch, seg.ImageURL, fmt.Sprintf("image_%d.jpg", i))
		if err != nil {
			return "", err
		}
		audioPath, err := a.stage(ctx, scratch, seg.AudioURL, fmt.Sprintf("audio_%d.mp3", i))
		if err != nil {
			return "", err
		}

		clipPath := filepath.Join(scratch, fmt.Sprintf("video_%d.mp4", i))
		args := assembly.KenBurnsArgs(a.params, imagePath, audioPath, clipPath, seg.Duration)
		if err := a.runner.Run(ctx, a.binary, args); err != nil {
			return "", err
		}
		clips = append(clips, clipPath)
		durations = append(durations, seg.Duration)
	}

	finalPath := filepath.Join(scratch, "final.mp4")
	if len(clips) == 1 {
		if err := a.runner.Run(ctx, a.binary, assembly.CopyArgs(clips[0], finalPath)); err != nil {
			return "", err
		}
		return finalPath, nil
	}
	args, err := assembly.TransitionArgs(a.params, clips, durations, finalPath)
	if err != nil {
		return "", err
	}
	if err := a.runner.Run(ctx, a.binary, args); err != nil {
		return "", err
	}
	return finalPath, nil
}

// stage materializes one artifact in the scratch directory. Remote URLs are
// downloaded with the bounded retrying downloader; local paths are used
// in place after an existence check.
func (a *Assembler) stage(ctx context.Context, scratch, source, name string) (string, error) {
	source = strings.TrimSpace(source)
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		dest := filepath.Join(scratch, name)
		if _, err := a.downloader.Fetch(ctx, source, dest); err != nil {
			return "", err
		}
		return dest, nil
	}
	if _, err := os.Stat(source); err != nil {
		return "", services.Wrap(services.ErrNotFound, "clientside", "stage", source, err)
	}
	return source, nil
}
