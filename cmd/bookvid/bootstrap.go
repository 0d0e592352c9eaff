package main

import (
	"log/slog"
	"time"

	"github.com/TheOneDeer/book-video-generator/internal/assembly"
	"github.com/TheOneDeer/book-video-generator/internal/config"
	"github.com/TheOneDeer/book-video-generator/internal/deps"
	"github.com/TheOneDeer/book-video-generator/internal/logging"
	"github.com/TheOneDeer/book-video-generator/internal/orchestrator"
	"github.com/TheOneDeer/book-video-generator/internal/runstore"
	"github.com/TheOneDeer/book-video-generator/internal/services"
	"github.com/TheOneDeer/book-video-generator/internal/services/imagegen"
	"github.com/TheOneDeer/book-video-generator/internal/services/tts"
	"github.com/TheOneDeer/book-video-generator/internal/services/videogen"
	"github.com/TheOneDeer/book-video-generator/internal/workspace"
)

// stack holds the wired pipeline shared by the serve, generate and assemble
// commands.
type stack struct {
	cfg        *config.Config
	logger     *slog.Logger
	workspaces *workspace.Manager
	store      *runstore.Store
	encoder    deps.Status
	engine     *assembly.Engine
	speech     *tts.Client
	orch       *orchestrator.Orchestrator
}

func buildStack(cfg *config.Config) (*stack, error) {
	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	workspaces, err := workspace.NewManager(cfg.Paths.WorkspaceRoot, logger)
	if err != nil {
		return nil, err
	}
	store, err := runstore.Open(cfg.Paths.DatabasePath)
	if err != nil {
		return nil, err
	}

	encoder := deps.CheckEncoder(cfg.FFmpegBinary())
	if !encoder.Available {
		logger.Warn("encoder unavailable; assembly falls back to the client-side path",
			logging.String("binary", cfg.FFmpegBinary()),
			logging.String("detail", encoder.Detail))
	}

	params := assembly.Params{
		TransitionSeconds: cfg.Pipeline.TransitionSeconds,
		Zoom:              cfg.Pipeline.Zoom,
		FrameRate:         cfg.Pipeline.FrameRate,
		FrameWidth:        cfg.Pipeline.FrameWidth,
		FrameHeight:       cfg.Pipeline.FrameHeight,
	}
	engine := assembly.NewEngine(cfg.FFmpegBinary(), params, logger)

	generators := cfg.Generators
	video := videogen.NewClient(videogen.Config{
		APIKey:         generators.APIKey,
		BaseURL:        generators.BaseURL,
		Model:          generators.VideoModel,
		TimeoutSeconds: generators.TimeoutSeconds,
	})
	image := imagegen.NewClient(imagegen.Config{
		APIKey:         generators.APIKey,
		BaseURL:        generators.BaseURL,
		Model:          generators.ImageModel,
		TimeoutSeconds: generators.TimeoutSeconds,
	})
	speech := tts.NewClient(tts.Config{
		APIKey:         generators.APIKey,
		BaseURL:        generators.BaseURL,
		Voice:          generators.DefaultVoice,
		TimeoutSeconds: generators.TimeoutSeconds,
	})

	orch := orchestrator.New(workspaces, store, video, image, speech,
		services.NewDownloader(), engine, logger, orchestrator.Options{
			SegmentDelay: time.Duration(cfg.Pipeline.SegmentDelaySeconds) * time.Second,
		})

	return &stack{
		cfg:        cfg,
		logger:     logger,
		workspaces: workspaces,
		store:      store,
		encoder:    encoder,
		engine:     engine,
		speech:     speech,
		orch:       orch,
	}, nil
}

func (s *stack) close() {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Warn("run store close failed", logging.Error(err))
		}
	}
}
