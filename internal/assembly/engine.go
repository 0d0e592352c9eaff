// Package assembly drives ffmpeg: Ken Burns clip synthesis from image+audio
// pairs, cross-faded concatenation of per-segment clips, and copy-mode
// joining of already-encoded video segments.
package assembly

import (
	"context"
	"log/slog"

	"github.com/TheOneDeer/book-video-generator/internal/logging"
	"github.com/TheOneDeer/book-video-generator/internal/services"
)

// Engine executes assembly operations against a resolved encoder binary.
type Engine struct {
	binary string
	params Params
	runner Runner
	logger *slog.Logger
}

// Option customizes the engine.
type Option func(*Engine)

// WithRunner injects a custom encoder runner (used by tests).
func WithRunner(r Runner) Option {
	return func(e *Engine) {
		if r != nil {
			e.runner = r
		}
	}
}

// NewEngine constructs an engine for the given encoder binary.
func NewEngine(binary string, params Params, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		binary: binary,
		params: params.normalized(),
		runner: ExecRunner{},
		logger: logging.NewComponentLogger(logger, "assembly"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Params returns the engine's encoding knobs.
func (e *Engine) Params() Params { return e.params }

// SynthesizeClip renders one image+audio pair into a Ken Burns clip of the
// given duration at outputPath. The output is always recreated.
func (e *Engine) SynthesizeClip(ctx context.Context, imagePath, audioPath, outputPath string, duration float64) error {
	if imagePath == "" || audioPath == "" {
		return services.Wrap(services.ErrValidation, "assembly", "synthesize clip",
			"image and audio paths required", nil)
	}
	e.logger.Debug("synthesizing clip",
		logging.String("image", imagePath),
		logging.String("audio", audioPath),
		logging.Float64("duration", duration))
	return e.runner.Run(ctx, e.binary, KenBurnsArgs(e.params, imagePath, audioPath, outputPath, duration))
}

// AssembleClips joins per-segment clips into outputPath. One clip takes the
// stream-copy fast path; two or more go through the cross-fade filter graph.
func (e *Engine) AssembleClips(ctx context.Context, clips []string, durations []float64, outputPath string) error {
	switch len(clips) {
	case 0:
		return services.Wrap(services.ErrValidation, "assembly", "assemble", "no clips", nil)
	case 1:
		e.logger.Debug("single clip, stream copy", logging.String("clip", clips[0]))
		return e.runner.Run(ctx, e.binary, CopyArgs(clips[0], outputPath))
	}
	args, err := TransitionArgs(e.params, clips, durations, outputPath)
	if err != nil {
		return err
	}
	e.logger.Debug("assembling with transitions", logging.Int("clips", len(clips)))
	return e.runner.Run(ctx, e.binary, args)
}

// ConcatCopy joins already-encoded whole clips through the concat demuxer,
// writing the manifest to listPath first. No transitions, no re-encode.
func (e *Engine) ConcatCopy(ctx context.Context, clips []string, listPath, outputPath string) error {
	if err := WriteConcatManifest(listPath, clips); err != nil {
		return err
	}
	e.logger.Debug("concatenating segments", logging.Int("clips", len(clips)))
	return e.runner.Run(ctx, e.binary, ConcatCopyArgs(listPath, outputPath))
}
