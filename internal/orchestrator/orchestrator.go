// Package orchestrator drives one generation run end to end: segmentation,
// strictly sequential per-segment generation with video→image+audio fallback,
// progress emission, persistence, assembly, and workspace reclamation.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/TheOneDeer/book-video-generator/internal/logging"
	"github.com/TheOneDeer/book-video-generator/internal/progress"
	"github.com/TheOneDeer/book-video-generator/internal/runstore"
	"github.com/TheOneDeer/book-video-generator/internal/segment"
	"github.com/TheOneDeer/book-video-generator/internal/segmenter"
	"github.com/TheOneDeer/book-video-generator/internal/services"
	"github.com/TheOneDeer/book-video-generator/internal/services/imagegen"
	"github.com/TheOneDeer/book-video-generator/internal/services/tts"
	"github.com/TheOneDeer/book-video-generator/internal/services/videogen"
	"github.com/TheOneDeer/book-video-generator/internal/workspace"
)

// VideoGenerator produces narrated clips for the primary strategy.
type VideoGenerator interface {
	Generate(ctx context.Context, req videogen.Request) (videogen.Result, error)
}

// ImageGenerator produces stills for the fallback strategy.
type ImageGenerator interface {
	Generate(ctx context.Context, prompt string) (imagegen.Result, error)
}

// SpeechSynthesizer produces narration for the fallback strategy.
type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, req tts.Request) (tts.Result, error)
}

// Downloader stages generator outputs into the workspace.
type Downloader interface {
	Fetch(ctx context.Context, url, dest string) (int64, error)
}

// Engine is the assembly surface the orchestrator drives after generation.
type Engine interface {
	SynthesizeClip(ctx context.Context, imagePath, audioPath, outputPath string, duration float64) error
	AssembleClips(ctx context.Context, clips []string, durations []float64, outputPath string) error
	ConcatCopy(ctx context.Context, clips []string, listPath, outputPath string) error
}

// Request describes one generation run.
type Request struct {
	BookName      string
	ScriptText    string
	Mode          segment.Strategy
	Voice         string
	KeepWorkspace bool
}

// Options carries run pacing configuration.
type Options struct {
	// SegmentDelay is the pause between consecutive generator calls.
	SegmentDelay time.Duration
}

// Orchestrator coordinates one run at a time. Multiple orchestrations may run
// concurrently, each owning its own workspace.
type Orchestrator struct {
	workspaces *workspace.Manager
	store      *runstore.Store
	video      VideoGenerator
	image      ImageGenerator
	speech     SpeechSynthesizer
	downloader Downloader
	engine     Engine
	logger     *slog.Logger
	opts       Options

	// wait pauses between segments; injectable so tests skip real delays.
	// Returns false when the context was cancelled during the pause.
	wait func(ctx context.Context, d time.Duration) bool
}

// New constructs an orchestrator.
func New(
	workspaces *workspace.Manager,
	store *runstore.Store,
	video VideoGenerator,
	image ImageGenerator,
	speech SpeechSynthesizer,
	downloader Downloader,
	engine Engine,
	logger *slog.Logger,
	opts Options,
) *Orchestrator {
	if opts.SegmentDelay <= 0 {
		opts.SegmentDelay = 3 * time.Second
	}
	return &Orchestrator{
		workspaces: workspaces,
		store:      store,
		video:      video,
		image:      image,
		speech:     speech,
		downloader: downloader,
		engine:     engine,
		logger:     logging.NewComponentLogger(logger, "orchestrator"),
		opts:       opts,
		wait:       waitContext,
	}
}

// SetWait overrides the inter-segment pause (used by tests).
func (o *Orchestrator) SetWait(wait func(ctx context.Context, d time.Duration) bool) {
	if wait != nil {
		o.wait = wait
	}
}

func waitContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Progress curve: setup takes the run to 35%, segment generation spreads
// over the next 55 points, assembly lands at 92+, terminal at 100.
const (
	progressStart    = 5
	progressScript   = 15
	progressSegments = 20
	progressGenBase  = 35
	progressGenSpan  = 55
	progressGenCap   = 90
	progressAssembly = 92
	progressUpload   = 95
)

// Run executes one generation run, emitting every state transition on bus.
// The bus receives exactly one terminal event unless the context is
// cancelled first, in which case cleanup still runs exactly once and no
// further events are emitted.
func (o *Orchestrator) Run(ctx context.Context, req Request, bus *progress.Bus) {
	runID := ""
	logger := o.logger

	bus.Emit(progress.Event{Type: progress.TypeProgress, Step: "准备",
		Message: fmt.Sprintf("开始为《%s》生成讲解视频", req.BookName), Progress: progressStart})

	bus.Emit(progress.Event{Type: progress.TypeScript, Step: "讲解文案",
		Message: "使用提供的讲解文案", Data: map[string]any{"script": req.ScriptText},
		Progress: progressScript})

	sentences := segmenter.Split(req.ScriptText)
	if len(sentences) == 0 {
		bus.Fail("分段", "讲解文案为空，无法分段", nil)
		return
	}
	bus.Emit(progress.Event{Type: progress.TypeProgress, Step: "分段",
		Message: fmt.Sprintf("文案分为 %d 段", len(sentences)),
		Data:    map[string]any{"total": len(sentences)}, Progress: progressSegments})

	ws, err := o.workspaces.Create()
	if err != nil {
		logger.Error("workspace creation failed", logging.Error(err))
		bus.Fail("准备", "无法创建工作目录", nil)
		return
	}
	runID = ws.ID()
	logger = logger.With(logging.String(logging.FieldRunID, runID))
	ctx = services.WithRunID(ctx, runID)

	run := &runstore.Run{
		ID:            runID,
		BookName:      req.BookName,
		Mode:          req.Mode,
		WorkspacePath: ws.Path(),
		KeepWorkspace: req.KeepWorkspace,
	}
	if err := o.store.CreateRun(ctx, run); err != nil {
		logger.Warn("run persistence failed", logging.Error(err))
	}

	// Cleanup runs exactly once, after the terminal outcome is decided.
	status := runstore.RunFailed
	finalFile := ""
	errorMessage := ""
	defer func() {
		if err := o.store.FinishRun(context.WithoutCancel(ctx), runID, status, finalFile, errorMessage); err != nil {
			logger.Warn("run finish persistence failed", logging.Error(err))
		}
		o.workspaces.Reclaim(ws, req.KeepWorkspace)
	}()

	segments := make([]segment.Segment, len(sentences))
	for i, sentence := range sentences {
		segments[i] = segment.Segment{
			Index:    i,
			Sentence: sentence,
			Strategy: req.Mode,
			Status:   segment.StatusPending,
			Duration: segment.EstimateFromText(sentence),
		}
	}

	total := len(segments)
	for i := range segments {
		if ctx.Err() != nil {
			status = runstore.RunAborted
			errorMessage = ctx.Err().Error()
			return
		}
		if i > 0 && !o.wait(ctx, o.opts.SegmentDelay) {
			status = runstore.RunAborted
			errorMessage = ctx.Err().Error()
			return
		}

		seg := &segments[i]
		seg.Status = segment.StatusGenerating
		o.saveSegment(ctx, runID, *seg)

		mark := segmentProgress(i, total)
		aborted := false
		if req.Mode == segment.StrategyVideo {
			aborted = o.generateVideoSegment(ctx, ws, seg, total, mark, bus, logger, req.Voice)
		} else {
			aborted = o.generateFallbackSegment(ctx, ws, seg, total, mark, bus, logger, req.Voice, false)
		}
		o.saveSegment(ctx, runID, *seg)
		if aborted {
			status = runstore.RunAborted
			errorMessage = "generator aborted the run"
			return
		}
		if ctx.Err() != nil {
			status = runstore.RunAborted
			errorMessage = ctx.Err().Error()
			return
		}
	}

	renderable := make([]segment.Segment, 0, len(segments))
	for _, seg := range segments {
		if seg.Renderable() {
			renderable = append(renderable, seg)
		}
	}
	if len(renderable) == 0 {
		errorMessage = "no renderable segments"
		bus.Fail("合成视频", "所有片段生成失败，无法合成视频", nil)
		return
	}

	bus.Emit(progress.Event{Type: progress.TypeProgress, Step: "合成视频",
		Message: fmt.Sprintf("正在合成 %d 个片段...", len(renderable)), Progress: progressAssembly})

	if err := o.assemble(ctx, ws, renderable); err != nil {
		logger.Error("assembly failed", logging.Error(err))
		errorMessage = err.Error()
		bus.Fail("合成视频", "视频合成失败: "+err.Error(), nil)
		return
	}

	finalFile = ws.FinalPath()
	status = runstore.RunCompleted
	bus.Emit(progress.Event{Type: progress.TypeVideoFinal, Step: "合成视频",
		Message: "视频合成完成",
		Data: map[string]any{
			"videoUrl":  FileURL(finalFile),
			"workspace": ws.Path(),
		},
		Progress: progressUpload})
	bus.Complete("完成", fmt.Sprintf("《%s》讲解视频生成完成", req.BookName),
		map[string]any{"videoUrl": FileURL(finalFile)})
}

func segmentProgress(index, total int) int {
	mark := progressGenBase + (index+1)*progressGenSpan/total
	if mark > progressGenCap {
		mark = progressGenCap
	}
	return mark
}

// generateVideoSegment runs TryPrimary and, when the failure is non-fatal,
// the image+audio fallback. Reports true when the whole run must abort.
func (o *Orchestrator) generateVideoSegment(
	ctx context.Context,
	ws *workspace.Workspace,
	seg *segment.Segment,
	total, mark int,
	bus *progress.Bus,
	logger *slog.Logger,
	voice string,
) bool {
	bus.Emit(progress.Event{Type: progress.TypeProgress, Step: "生成视频片段",
		Message: fmt.Sprintf("正在为第 %d/%d 段生成视频 (%g秒)...", seg.Index+1, total, seg.Duration),
		Progress: mark})

	result, err := o.video.Generate(ctx, videogen.Request{
		Prompt:          seg.Sentence,
		DurationSeconds: int(seg.Duration),
	})
	if err == nil {
		dest := ws.SegmentPath(seg.Index)
		if _, err = o.downloader.Fetch(ctx, result.VideoURL, dest); err == nil {
			seg.VideoFile = dest
			seg.Status = segment.StatusSucceeded
			bus.Emit(progress.Event{Type: progress.TypeVideoSegment, Step: "生成视频片段",
				Message: fmt.Sprintf("第 %d/%d 段视频片段生成完成 (%g秒)", seg.Index+1, total, seg.Duration),
				Data: map[string]any{
					"index":    seg.Index,
					"total":    total,
					"sentence": seg.Sentence,
					"videoUrl": FileURL(dest),
					"duration": seg.Duration,
				},
				Progress: mark + 2})
			return false
		}
	}

	if o.abortRun(err, seg.Index, "生成视频", mark, bus, logger) {
		return true
	}
	logger.Warn("video generation failed, falling back to image+audio",
		logging.Int(logging.FieldSegment, seg.Index),
		logging.Error(err))
	return o.generateFallbackSegment(ctx, ws, seg, total, mark, bus, logger, voice, true)
}

// generateFallbackSegment runs TrySecondary: image and narration
// independently. Either side alone is enough to keep the segment; both
// failing transiently marks it terminal without ending the run. Reports true
// when the whole run must abort.
func (o *Orchestrator) generateFallbackSegment(
	ctx context.Context,
	ws *workspace.Workspace,
	seg *segment.Segment,
	total, mark int,
	bus *progress.Bus,
	logger *slog.Logger,
	voice string,
	downgraded bool,
) bool {
	message := fmt.Sprintf("正在为第 %d/%d 段生成图片和音频...", seg.Index+1, total)
	if downgraded {
		message = fmt.Sprintf("视频生成失败，正在为第 %d/%d 段生成图片和音频...", seg.Index+1, total)
	}
	bus.Emit(progress.Event{Type: progress.TypeProgress, Step: "生成图片+音频",
		Message: message, Progress: mark})

	if imageResult, err := o.image.Generate(ctx, imagegen.IllustrationPrompt(seg.Sentence)); err != nil {
		if o.abortRun(err, seg.Index, "生成图片", mark, bus, logger) {
			return true
		}
		logger.Warn("image generation failed",
			logging.Int(logging.FieldSegment, seg.Index),
			logging.Error(err))
	} else {
		dest := ws.ImagePath(seg.Index, "jpg")
		if _, err := o.downloader.Fetch(ctx, imageResult.ImageURL, dest); err != nil {
			logger.Warn("image download failed",
				logging.Int(logging.FieldSegment, seg.Index),
				logging.Error(err))
		} else {
			seg.ImageFile = dest
		}
	}

	if speechResult, err := o.speech.Synthesize(ctx, tts.Request{Text: seg.Sentence, Voice: voice}); err != nil {
		if o.abortRun(err, seg.Index, "生成音频", mark, bus, logger) {
			return true
		}
		logger.Warn("speech synthesis failed",
			logging.Int(logging.FieldSegment, seg.Index),
			logging.Error(err))
	} else {
		dest := ws.AudioPath(seg.Index)
		if _, err := o.downloader.Fetch(ctx, speechResult.AudioURL, dest); err != nil {
			logger.Warn("audio download failed",
				logging.Int(logging.FieldSegment, seg.Index),
				logging.Error(err))
		} else {
			seg.AudioFile = dest
			if duration, ok := segment.FromAudioSize(speechResult.AudioSize); ok {
				seg.Duration = duration
			}
		}
	}

	if seg.ImageFile == "" && seg.AudioFile == "" {
		seg.Status = segment.StatusFailedTerminal
		logger.Warn("segment has no usable content",
			logging.Int(logging.FieldSegment, seg.Index))
		return false
	}

	seg.Strategy = segment.StrategyImageAudio
	seg.VideoFile = ""
	if downgraded {
		seg.Status = segment.StatusFailedFallback
	} else {
		seg.Status = segment.StatusSucceeded
	}
	bus.Emit(progress.Event{Type: progress.TypeImage, Step: "生成图片+音频",
		Message: fmt.Sprintf("第 %d/%d 段内容生成完成", seg.Index+1, total),
		Data: map[string]any{
			"index":    seg.Index,
			"total":    total,
			"sentence": seg.Sentence,
			"imageUrl": FileURL(seg.ImageFile),
			"audioUrl": FileURL(seg.AudioFile),
			"duration": seg.Duration,
		},
		Progress: mark + 2})
	return false
}

// abortRun emits the run-ending error event for rate-limit and permission
// failures. Reports true when the run must stop.
func (o *Orchestrator) abortRun(err error, index int, step string, mark int, bus *progress.Bus, logger *slog.Logger) bool {
	if err == nil || !services.Aborts(err) {
		return false
	}
	code := "API_PERMISSION_DENIED"
	message := fmt.Sprintf("%sAPI权限被拒绝(403)，请检查服务配置或稍后重试", step)
	if isRateLimited(err) {
		code = "RATE_LIMIT_EXCEEDED"
		message = "请求频率超限，请等待5-10分钟后重试。当前API限制了短时间内请求次数。"
	}
	logger.Error("run aborted by generator",
		logging.Int(logging.FieldSegment, index),
		logging.String("code", code),
		logging.Error(err))
	bus.Emit(progress.Event{Type: progress.TypeError, Step: step, Message: message,
		Data: map[string]any{"segmentIndex": index, "error": code}, Progress: mark})
	return true
}

func isRateLimited(err error) bool {
	return errors.Is(err, services.ErrRateLimited)
}

// assemble joins the renderable segments into final.mp4. All-video runs use
// the copy-mode concat demuxer; anything else renders Ken Burns clips for the
// image+audio segments and joins everything with cross-fades.
func (o *Orchestrator) assemble(ctx context.Context, ws *workspace.Workspace, segments []segment.Segment) error {
	allVideo := true
	for _, seg := range segments {
		if !seg.HasVideo() {
			allVideo = false
			break
		}
	}

	if allVideo {
		clips := make([]string, len(segments))
		for i, seg := range segments {
			clips[i] = seg.VideoFile
		}
		return o.engine.ConcatCopy(ctx, clips, ws.ConcatListPath(), ws.FinalPath())
	}

	clips := make([]string, 0, len(segments))
	durations := make([]float64, 0, len(segments))
	for _, seg := range segments {
		if seg.HasVideo() {
			clips = append(clips, seg.VideoFile)
			durations = append(durations, seg.Duration)
			continue
		}
		if seg.ImageFile == "" || seg.AudioFile == "" {
			// Partial fallback segments cannot be rendered as clips.
			continue
		}
		clip := ws.ClipPath(seg.Index)
		if err := o.engine.SynthesizeClip(ctx, seg.ImageFile, seg.AudioFile, clip, seg.Duration); err != nil {
			return err
		}
		clips = append(clips, clip)
		durations = append(durations, seg.Duration)
	}
	if len(clips) == 0 {
		return services.Wrap(services.ErrValidation, "orchestrator", "assemble", "no renderable clips", nil)
	}
	return o.engine.AssembleClips(ctx, clips, durations, ws.FinalPath())
}

func (o *Orchestrator) saveSegment(ctx context.Context, runID string, seg segment.Segment) {
	if err := o.store.SaveSegment(context.WithoutCancel(ctx), runID, seg); err != nil {
		o.logger.Warn("segment persistence failed",
			logging.Int(logging.FieldSegment, seg.Index),
			logging.Error(err))
	}
}

// FileURL maps a workspace artifact to its streaming endpoint.
func FileURL(path string) string {
	if path == "" {
		return ""
	}
	return "/api/files?path=" + url.QueryEscape(path)
}
