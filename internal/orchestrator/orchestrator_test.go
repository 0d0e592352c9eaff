package orchestrator_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/TheOneDeer/book-video-generator/internal/logging"
	"github.com/TheOneDeer/book-video-generator/internal/orchestrator"
	"github.com/TheOneDeer/book-video-generator/internal/progress"
	"github.com/TheOneDeer/book-video-generator/internal/runstore"
	"github.com/TheOneDeer/book-video-generator/internal/segment"
	"github.com/TheOneDeer/book-video-generator/internal/services"
	"github.com/TheOneDeer/book-video-generator/internal/services/imagegen"
	"github.com/TheOneDeer/book-video-generator/internal/services/tts"
	"github.com/TheOneDeer/book-video-generator/internal/services/videogen"
	"github.com/TheOneDeer/book-video-generator/internal/workspace"
)

type fakeVideo struct {
	calls    int
	generate func(call int, req videogen.Request) (videogen.Result, error)
}

func (f *fakeVideo) Generate(_ context.Context, req videogen.Request) (videogen.Result, error) {
	f.calls++
	if f.generate == nil {
		return videogen.Result{VideoURL: "https://cdn.example/video.mp4"}, nil
	}
	return f.generate(f.calls, req)
}

type fakeImage struct {
	calls    int
	generate func(call int, prompt string) (imagegen.Result, error)
}

func (f *fakeImage) Generate(_ context.Context, prompt string) (imagegen.Result, error) {
	f.calls++
	if f.generate == nil {
		return imagegen.Result{ImageURL: "https://cdn.example/image.jpg"}, nil
	}
	return f.generate(f.calls, prompt)
}

type fakeSpeech struct {
	calls      int
	synthesize func(call int, req tts.Request) (tts.Result, error)
}

func (f *fakeSpeech) Synthesize(_ context.Context, req tts.Request) (tts.Result, error) {
	f.calls++
	if f.synthesize == nil {
		return tts.Result{AudioURL: "https://cdn.example/audio.mp3", AudioSize: 160000}, nil
	}
	return f.synthesize(f.calls, req)
}

type fakeDownloader struct {
	fetched []string
}

func (f *fakeDownloader) Fetch(_ context.Context, url, dest string) (int64, error) {
	f.fetched = append(f.fetched, url)
	if err := os.WriteFile(dest, []byte("artifact"), 0o644); err != nil {
		return 0, err
	}
	return 8, nil
}

type engineCall struct {
	method string
	clips  []string
	output string
}

type fakeEngine struct {
	calls []engineCall
}

func (f *fakeEngine) SynthesizeClip(_ context.Context, imagePath, audioPath, outputPath string, _ float64) error {
	f.calls = append(f.calls, engineCall{method: "synthesize", clips: []string{imagePath, audioPath}, output: outputPath})
	return os.WriteFile(outputPath, []byte("clip"), 0o644)
}

func (f *fakeEngine) AssembleClips(_ context.Context, clips []string, _ []float64, outputPath string) error {
	f.calls = append(f.calls, engineCall{method: "assemble", clips: clips, output: outputPath})
	return os.WriteFile(outputPath, []byte("final"), 0o644)
}

func (f *fakeEngine) ConcatCopy(_ context.Context, clips []string, _, outputPath string) error {
	f.calls = append(f.calls, engineCall{method: "concat", clips: clips, output: outputPath})
	return os.WriteFile(outputPath, []byte("final"), 0o644)
}

func (f *fakeEngine) methods() []string {
	names := make([]string, len(f.calls))
	for i, call := range f.calls {
		names[i] = call.method
	}
	return names
}

type harness struct {
	orch       *orchestrator.Orchestrator
	manager    *workspace.Manager
	store      *runstore.Store
	video      *fakeVideo
	image      *fakeImage
	speech     *fakeSpeech
	downloader *fakeDownloader
	engine     *fakeEngine
	root       string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	manager, err := workspace.NewManager(root, logging.NewNop())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	store, err := runstore.Open(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	h := &harness{
		manager:    manager,
		store:      store,
		video:      &fakeVideo{},
		image:      &fakeImage{},
		speech:     &fakeSpeech{},
		downloader: &fakeDownloader{},
		engine:     &fakeEngine{},
		root:       root,
	}
	h.orch = orchestrator.New(manager, store, h.video, h.image, h.speech,
		h.downloader, h.engine, logging.NewNop(), orchestrator.Options{SegmentDelay: time.Millisecond})
	h.orch.SetWait(func(ctx context.Context, _ time.Duration) bool { return ctx.Err() == nil })
	return h
}

func drain(bus *progress.Bus) []progress.Event {
	var events []progress.Event
	for {
		select {
		case event, ok := <-bus.Events():
			if !ok {
				return events
			}
			events = append(events, event)
		default:
			return events
		}
	}
}

func countType(events []progress.Event, kind progress.EventType) int {
	n := 0
	for _, event := range events {
		if event.Type == kind {
			n++
		}
	}
	return n
}

func terminalEvent(t *testing.T, events []progress.Event) progress.Event {
	t.Helper()
	var terminal *progress.Event
	for i, event := range events {
		if event.Terminal() {
			if terminal != nil {
				t.Fatalf("more than one terminal event: %+v and %+v", *terminal, event)
			}
			terminal = &events[i]
		}
	}
	if terminal == nil {
		t.Fatalf("no terminal event in %d events", len(events))
	}
	return *terminal
}

func workspaceDirs(t *testing.T, root string) []string {
	t.Helper()
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("read root: %v", err)
	}
	var dirs []string
	for _, entry := range entries {
		if entry.IsDir() {
			dirs = append(dirs, entry.Name())
		}
	}
	return dirs
}

func TestRunVideoModeCompletes(t *testing.T) {
	h := newHarness(t)
	bus := progress.NewBus()

	h.orch.Run(context.Background(), orchestrator.Request{
		BookName:   "三体",
		ScriptText: "第一句讲解内容。第二句讲解内容。",
		Mode:       segment.StrategyVideo,
	}, bus)

	events := drain(bus)
	terminal := terminalEvent(t, events)
	if terminal.Type != progress.TypeComplete || terminal.Progress != 100 {
		t.Fatalf("terminal = %+v", terminal)
	}
	if got := countType(events, progress.TypeVideoSegment); got != 2 {
		t.Fatalf("video_segment events = %d, want 2", got)
	}
	if got := countType(events, progress.TypeVideoFinal); got != 1 {
		t.Fatalf("video_final events = %d, want 1", got)
	}
	if h.video.calls != 2 {
		t.Fatalf("video generator calls = %d, want 2", h.video.calls)
	}

	methods := h.engine.methods()
	if len(methods) != 1 || methods[0] != "concat" {
		t.Fatalf("engine calls = %v, want [concat]", methods)
	}
	if len(h.engine.calls[0].clips) != 2 {
		t.Fatalf("concat clips = %v", h.engine.calls[0].clips)
	}

	runs, err := h.store.ListRuns(context.Background())
	if err != nil || len(runs) != 1 {
		t.Fatalf("list runs: %v %v", runs, err)
	}
	run := runs[0]
	if run.Status != runstore.RunCompleted || run.FinalFile == "" {
		t.Fatalf("run = %+v", run)
	}
	if dirs := workspaceDirs(t, h.root); len(dirs) != 0 {
		t.Fatalf("workspace not reclaimed: %v", dirs)
	}
}

func TestRunFallsBackOnTransientVideoFailure(t *testing.T) {
	h := newHarness(t)
	h.video.generate = func(int, videogen.Request) (videogen.Result, error) {
		return videogen.Result{}, services.Wrap(services.ErrTransient, "videogen", "generate", "upstream 500", nil)
	}
	bus := progress.NewBus()

	h.orch.Run(context.Background(), orchestrator.Request{
		BookName:   "活着",
		ScriptText: "只有一句话。",
		Mode:       segment.StrategyVideo,
	}, bus)

	events := drain(bus)
	terminal := terminalEvent(t, events)
	if terminal.Type != progress.TypeComplete {
		t.Fatalf("terminal = %+v", terminal)
	}
	if got := countType(events, progress.TypeImage); got != 1 {
		t.Fatalf("image events = %d, want 1", got)
	}
	if h.image.calls != 1 || h.speech.calls != 1 {
		t.Fatalf("fallback generators: image=%d speech=%d", h.image.calls, h.speech.calls)
	}

	methods := h.engine.methods()
	if len(methods) != 2 || methods[0] != "synthesize" || methods[1] != "assemble" {
		t.Fatalf("engine calls = %v, want [synthesize assemble]", methods)
	}

	runs, err := h.store.ListRuns(context.Background())
	if err != nil || len(runs) != 1 {
		t.Fatalf("list runs: %v %v", runs, err)
	}
	segments, err := h.store.SegmentsForRun(context.Background(), runs[0].ID)
	if err != nil || len(segments) != 1 {
		t.Fatalf("segments: %v %v", segments, err)
	}
	if segments[0].Status != segment.StatusFailedFallback {
		t.Fatalf("segment status = %q, want failed_fallback", segments[0].Status)
	}
	if segments[0].Strategy != segment.StrategyImageAudio || segments[0].VideoFile != "" {
		t.Fatalf("downgraded segment wrong: %+v", segments[0])
	}
	// 160000 narration bytes works out to a 10 second clip.
	if segments[0].Duration != 10 {
		t.Fatalf("duration = %g, want 10", segments[0].Duration)
	}
}

func TestRunFallbackNarrationUsesSelectedVoice(t *testing.T) {
	h := newHarness(t)
	h.video.generate = func(int, videogen.Request) (videogen.Result, error) {
		return videogen.Result{}, services.Wrap(services.ErrTransient, "videogen", "generate", "upstream 500", nil)
	}
	var voices []string
	h.speech.synthesize = func(_ int, req tts.Request) (tts.Result, error) {
		voices = append(voices, req.Voice)
		return tts.Result{AudioURL: "https://cdn.example/audio.mp3", AudioSize: 160000}, nil
	}
	bus := progress.NewBus()

	h.orch.Run(context.Background(), orchestrator.Request{
		BookName:   "活着",
		ScriptText: "只有一句话。",
		Mode:       segment.StrategyVideo,
		Voice:      "zh_male_beijingxiaoye_moon_bigtts",
	}, bus)
	drain(bus)

	if len(voices) != 1 {
		t.Fatalf("speech calls = %d, want 1", len(voices))
	}
	if voices[0] != "zh_male_beijingxiaoye_moon_bigtts" {
		t.Fatalf("downgraded narration voice = %q, want the selected voice", voices[0])
	}
}

func TestRunAbortsOnRateLimit(t *testing.T) {
	h := newHarness(t)
	h.video.generate = func(int, videogen.Request) (videogen.Result, error) {
		return videogen.Result{}, services.Wrap(services.ErrRateLimited, "videogen", "generate", "quota exhausted", nil)
	}
	bus := progress.NewBus()

	h.orch.Run(context.Background(), orchestrator.Request{
		BookName:   "百年孤独",
		ScriptText: "第一句讲解内容。第二句讲解内容。",
		Mode:       segment.StrategyVideo,
	}, bus)

	events := drain(bus)
	terminal := terminalEvent(t, events)
	if terminal.Type != progress.TypeError {
		t.Fatalf("terminal = %+v", terminal)
	}
	if terminal.Data["error"] != "RATE_LIMIT_EXCEEDED" {
		t.Fatalf("terminal data = %v", terminal.Data)
	}
	if h.video.calls != 1 {
		t.Fatalf("generation continued after abort: %d calls", h.video.calls)
	}
	if h.image.calls != 0 || h.speech.calls != 0 {
		t.Fatal("fallback must not run on a rate-limit abort")
	}
	if len(h.engine.calls) != 0 {
		t.Fatalf("assembly must not run after abort: %v", h.engine.methods())
	}

	runs, err := h.store.ListRuns(context.Background())
	if err != nil || len(runs) != 1 {
		t.Fatalf("list runs: %v %v", runs, err)
	}
	if runs[0].Status != runstore.RunAborted {
		t.Fatalf("run status = %q, want aborted", runs[0].Status)
	}
}

func TestRunPermissionDeniedDuringFallbackAborts(t *testing.T) {
	h := newHarness(t)
	h.image.generate = func(int, string) (imagegen.Result, error) {
		return imagegen.Result{}, services.Wrap(services.ErrPermissionDenied, "imagegen", "generate", "403", nil)
	}
	bus := progress.NewBus()

	h.orch.Run(context.Background(), orchestrator.Request{
		BookName:   "围城",
		ScriptText: "第一句讲解内容。第二句讲解内容。",
		Mode:       segment.StrategyImageAudio,
	}, bus)

	events := drain(bus)
	terminal := terminalEvent(t, events)
	if terminal.Type != progress.TypeError || terminal.Data["error"] != "API_PERMISSION_DENIED" {
		t.Fatalf("terminal = %+v", terminal)
	}
	if h.image.calls != 1 {
		t.Fatalf("image calls = %d, want 1", h.image.calls)
	}
	if h.speech.calls != 0 {
		t.Fatal("narration must not run after a permission abort")
	}
}

func TestRunImageModeSkipsVideoGenerator(t *testing.T) {
	h := newHarness(t)
	bus := progress.NewBus()

	h.orch.Run(context.Background(), orchestrator.Request{
		BookName:   "小王子",
		ScriptText: "第一句讲解内容。第二句讲解内容。",
		Mode:       segment.StrategyImageAudio,
	}, bus)

	events := drain(bus)
	if terminal := terminalEvent(t, events); terminal.Type != progress.TypeComplete {
		t.Fatalf("terminal = %+v", terminal)
	}
	if h.video.calls != 0 {
		t.Fatalf("video generator ran in image mode: %d calls", h.video.calls)
	}
	if got := countType(events, progress.TypeImage); got != 2 {
		t.Fatalf("image events = %d, want 2", got)
	}

	methods := h.engine.methods()
	if len(methods) != 3 || methods[2] != "assemble" {
		t.Fatalf("engine calls = %v, want [synthesize synthesize assemble]", methods)
	}
}

func TestRunSegmentFailsTerminalRunContinues(t *testing.T) {
	h := newHarness(t)
	transient := services.Wrap(services.ErrTransient, "services", "call", "upstream 500", nil)
	h.video.generate = func(call int, req videogen.Request) (videogen.Result, error) {
		if call == 1 {
			return videogen.Result{}, transient
		}
		return videogen.Result{VideoURL: "https://cdn.example/video.mp4"}, nil
	}
	h.image.generate = func(int, string) (imagegen.Result, error) {
		return imagegen.Result{}, transient
	}
	h.speech.synthesize = func(int, tts.Request) (tts.Result, error) {
		return tts.Result{}, transient
	}
	bus := progress.NewBus()

	h.orch.Run(context.Background(), orchestrator.Request{
		BookName:   "红楼梦",
		ScriptText: "第一句讲解内容。第二句讲解内容。",
		Mode:       segment.StrategyVideo,
	}, bus)

	events := drain(bus)
	if terminal := terminalEvent(t, events); terminal.Type != progress.TypeComplete {
		t.Fatalf("terminal = %+v", terminal)
	}

	runs, err := h.store.ListRuns(context.Background())
	if err != nil || len(runs) != 1 {
		t.Fatalf("list runs: %v %v", runs, err)
	}
	segments, err := h.store.SegmentsForRun(context.Background(), runs[0].ID)
	if err != nil || len(segments) != 2 {
		t.Fatalf("segments: %v %v", segments, err)
	}
	if segments[0].Status != segment.StatusFailedTerminal {
		t.Fatalf("segment 0 status = %q, want failed_terminal", segments[0].Status)
	}
	if segments[1].Status != segment.StatusSucceeded {
		t.Fatalf("segment 1 status = %q, want succeeded", segments[1].Status)
	}

	// Only the surviving segment reaches assembly.
	methods := h.engine.methods()
	if len(methods) != 1 || methods[0] != "concat" {
		t.Fatalf("engine calls = %v, want [concat]", methods)
	}
	if len(h.engine.calls[0].clips) != 1 {
		t.Fatalf("concat clips = %v, want 1 clip", h.engine.calls[0].clips)
	}
}

func TestRunAllSegmentsFailTerminates(t *testing.T) {
	h := newHarness(t)
	transient := services.Wrap(services.ErrTransient, "services", "call", "upstream 500", nil)
	h.image.generate = func(int, string) (imagegen.Result, error) { return imagegen.Result{}, transient }
	h.speech.synthesize = func(int, tts.Request) (tts.Result, error) { return tts.Result{}, transient }
	bus := progress.NewBus()

	h.orch.Run(context.Background(), orchestrator.Request{
		BookName:   "边城",
		ScriptText: "只有一句话。",
		Mode:       segment.StrategyImageAudio,
	}, bus)

	events := drain(bus)
	if terminal := terminalEvent(t, events); terminal.Type != progress.TypeError {
		t.Fatalf("terminal = %+v", terminal)
	}
	if len(h.engine.calls) != 0 {
		t.Fatalf("assembly ran with nothing renderable: %v", h.engine.methods())
	}
}

func TestRunCancellationCleansUpOnce(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	h.video.generate = func(call int, req videogen.Request) (videogen.Result, error) {
		if call == 1 {
			cancel()
		}
		return videogen.Result{VideoURL: "https://cdn.example/video.mp4"}, nil
	}
	bus := progress.NewBus()

	h.orch.Run(ctx, orchestrator.Request{
		BookName:   "平凡的世界",
		ScriptText: "第一句讲解内容。第二句讲解内容。",
		Mode:       segment.StrategyVideo,
	}, bus)

	events := drain(bus)
	for _, event := range events {
		if event.Terminal() {
			t.Fatalf("cancelled run emitted terminal event %+v", event)
		}
	}
	if h.video.calls != 1 {
		t.Fatalf("generation continued after cancellation: %d calls", h.video.calls)
	}
	if len(h.engine.calls) != 0 {
		t.Fatal("assembly ran after cancellation")
	}
	if dirs := workspaceDirs(t, h.root); len(dirs) != 0 {
		t.Fatalf("workspace not reclaimed after cancellation: %v", dirs)
	}

	runs, err := h.store.ListRuns(context.Background())
	if err != nil || len(runs) != 1 {
		t.Fatalf("list runs: %v %v", runs, err)
	}
	if runs[0].Status != runstore.RunAborted {
		t.Fatalf("run status = %q, want aborted", runs[0].Status)
	}
}

func TestRunKeepWorkspace(t *testing.T) {
	h := newHarness(t)
	bus := progress.NewBus()

	h.orch.Run(context.Background(), orchestrator.Request{
		BookName:      "月亮与六便士",
		ScriptText:    "只有一句话。",
		Mode:          segment.StrategyVideo,
		KeepWorkspace: true,
	}, bus)

	if terminal := terminalEvent(t, drain(bus)); terminal.Type != progress.TypeComplete {
		t.Fatalf("terminal = %+v", terminal)
	}
	if dirs := workspaceDirs(t, h.root); len(dirs) != 1 {
		t.Fatalf("kept workspace missing: %v", dirs)
	}
}

func TestRunEmptyScriptFailsBeforeWorkspace(t *testing.T) {
	h := newHarness(t)
	bus := progress.NewBus()

	h.orch.Run(context.Background(), orchestrator.Request{
		BookName:   "无名之书",
		ScriptText: "   ",
		Mode:       segment.StrategyVideo,
	}, bus)

	events := drain(bus)
	if terminal := terminalEvent(t, events); terminal.Type != progress.TypeError {
		t.Fatalf("terminal = %+v", terminal)
	}
	if dirs := workspaceDirs(t, h.root); len(dirs) != 0 {
		t.Fatalf("workspace created for empty script: %v", dirs)
	}
	runs, err := h.store.ListRuns(context.Background())
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 0 {
		t.Fatalf("run persisted for empty script: %v", runs)
	}
}

func TestRunProgressMonotonic(t *testing.T) {
	h := newHarness(t)
	bus := progress.NewBus()

	h.orch.Run(context.Background(), orchestrator.Request{
		BookName:   "呐喊",
		ScriptText: "第一句讲解内容。第二句讲解内容。第三句讲解内容。",
		Mode:       segment.StrategyVideo,
	}, bus)

	events := drain(bus)
	last := -1
	for _, event := range events {
		if event.Progress < last {
			t.Fatalf("progress regressed from %d to %d at %+v", last, event.Progress, event)
		}
		last = event.Progress
	}
	if last != 100 {
		t.Fatalf("final progress = %d, want 100", last)
	}
}
