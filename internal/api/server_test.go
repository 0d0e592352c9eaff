package api_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/TheOneDeer/book-video-generator/internal/api"
	"github.com/TheOneDeer/book-video-generator/internal/logging"
	"github.com/TheOneDeer/book-video-generator/internal/orchestrator"
	"github.com/TheOneDeer/book-video-generator/internal/progress"
	"github.com/TheOneDeer/book-video-generator/internal/runstore"
	"github.com/TheOneDeer/book-video-generator/internal/services/tts"
	"github.com/TheOneDeer/book-video-generator/internal/workspace"
)

type fakeRunner struct {
	requests []orchestrator.Request
	run      func(ctx context.Context, req orchestrator.Request, bus *progress.Bus)
}

func (f *fakeRunner) Run(ctx context.Context, req orchestrator.Request, bus *progress.Bus) {
	f.requests = append(f.requests, req)
	if f.run != nil {
		f.run(ctx, req, bus)
		return
	}
	bus.Emit(progress.Event{Type: progress.TypeProgress, Step: "准备", Message: "开始", Progress: 5})
	bus.Complete("完成", "生成完成", nil)
}

type engineCall struct {
	method string
	paths  []string
	output string
}

type fakeEngine struct {
	calls []engineCall
	err   error
}

func (f *fakeEngine) SynthesizeClip(_ context.Context, imagePath, audioPath, outputPath string, _ float64) error {
	f.calls = append(f.calls, engineCall{method: "synthesize", paths: []string{imagePath, audioPath}, output: outputPath})
	return f.err
}

func (f *fakeEngine) AssembleClips(_ context.Context, clips []string, _ []float64, outputPath string) error {
	f.calls = append(f.calls, engineCall{method: "assemble", paths: clips, output: outputPath})
	return f.err
}

func (f *fakeEngine) ConcatCopy(_ context.Context, clips []string, _, outputPath string) error {
	f.calls = append(f.calls, engineCall{method: "concat", paths: clips, output: outputPath})
	return f.err
}

type fakeSpeech struct {
	calls int
	url   string
}

func (f *fakeSpeech) Synthesize(_ context.Context, _ tts.Request) (tts.Result, error) {
	f.calls++
	return tts.Result{AudioURL: f.url, AudioSize: 1024}, nil
}

type fixture struct {
	ts      *httptest.Server
	runner  *fakeRunner
	engine  *fakeEngine
	speech  *fakeSpeech
	manager *workspace.Manager
	store   *runstore.Store
	root    string
}

func newFixture(t *testing.T) *fixture {
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

	f := &fixture{
		runner:  &fakeRunner{},
		engine:  &fakeEngine{},
		speech:  &fakeSpeech{},
		manager: manager,
		store:   store,
		root:    root,
	}
	server, err := api.NewServer(api.Options{
		Runner:     f.runner,
		Engine:     f.engine,
		Workspaces: manager,
		Store:      store,
		Speech:     f.speech,
	}, logging.NewNop())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	f.ts = httptest.NewServer(server.Handler())
	t.Cleanup(f.ts.Close)
	return f
}

func (f *fixture) workspaceDir(t *testing.T, name string, files ...string) string {
	t.Helper()
	dir := filepath.Join(f.root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for _, file := range files {
		if err := os.WriteFile(filepath.Join(dir, file), []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", file, err)
		}
	}
	return dir
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func TestGenerateStreamsEvents(t *testing.T) {
	f := newFixture(t)

	resp := postJSON(t, f.ts.URL+"/api/generate", api.GenerateRequest{
		BookName:     "三体",
		GenerateMode: "video",
		ScriptText:   "第一句讲解内容。",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/x-ndjson") {
		t.Fatalf("content type = %q", ct)
	}

	var events []progress.Event
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		var event progress.Event
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			t.Fatalf("bad event line %q: %v", scanner.Text(), err)
		}
		events = append(events, event)
	}
	if len(events) != 2 {
		t.Fatalf("events = %+v, want 2", events)
	}
	last := events[len(events)-1]
	if last.Type != progress.TypeComplete || last.Progress != 100 {
		t.Fatalf("last event = %+v", last)
	}

	if len(f.runner.requests) != 1 {
		t.Fatalf("runner requests = %d", len(f.runner.requests))
	}
	if f.runner.requests[0].BookName != "三体" {
		t.Fatalf("request = %+v", f.runner.requests[0])
	}
}

func TestGenerateValidation(t *testing.T) {
	f := newFixture(t)

	cases := []api.GenerateRequest{
		{GenerateMode: "video", ScriptText: "内容。"},
		{BookName: "书", GenerateMode: "video"},
		{BookName: "书", GenerateMode: "hologram", ScriptText: "内容。"},
	}
	for i, req := range cases {
		resp := postJSON(t, f.ts.URL+"/api/generate", req)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("case %d status = %d, want 400", i, resp.StatusCode)
		}
	}
	if len(f.runner.requests) != 0 {
		t.Fatal("invalid requests must not start runs")
	}
}

func TestScanEndpoint(t *testing.T) {
	f := newFixture(t)
	dir := f.workspaceDir(t, "video-gen-a", "image_0.jpg", "audio_0.mp3")

	resp, err := http.Get(f.ts.URL + "/api/scan?path=" + dir)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var result struct {
		Matches   []map[string]any `json:"matches"`
		CanConcat bool             `json:"canConcat"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(result.Matches) != 1 || !result.CanConcat {
		t.Fatalf("result = %+v", result)
	}
}

func TestScanRejectsEscape(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.ts.URL + "/api/scan?path=/etc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestFilesServesSandboxedArtifact(t *testing.T) {
	f := newFixture(t)
	dir := f.workspaceDir(t, "video-gen-a", "image_0.jpg")

	resp, err := http.Get(f.ts.URL + "/api/files?path=" + filepath.Join(dir, "image_0.jpg"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/jpeg" {
		t.Fatalf("content type = %q", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "x" {
		t.Fatalf("body = %q", body)
	}
}

func TestFilesRejectsEscapeAndMissing(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.ts.URL + "/api/files?path=/etc/passwd")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("escape status = %d, want 403", resp.StatusCode)
	}

	resp, err = http.Get(f.ts.URL + "/api/files?path=" + filepath.Join(f.root, "absent.mp4"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing status = %d, want 404", resp.StatusCode)
	}
}

func TestAssembleEndpoint(t *testing.T) {
	f := newFixture(t)
	dir := f.workspaceDir(t, "video-gen-a", "image_0.jpg", "audio_0.mp3", "image_1.jpg", "audio_1.mp3")

	resp := postJSON(t, f.ts.URL+"/api/assemble", api.AssembleRequest{
		WorkspacePath: dir,
		Segments: []api.AssembleSegment{
			{Index: 0, ImageFile: "image_0.jpg", AudioFile: "audio_0.mp3", Duration: 5},
			{Index: 1, ImageFile: "image_1.jpg", AudioFile: "audio_1.mp3", Duration: 7},
		},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d body=%s", resp.StatusCode, body)
	}
	var result api.AssembleResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if filepath.Base(result.FinalFile) != "final.mp4" || result.VideoURL == "" {
		t.Fatalf("result = %+v", result)
	}

	methods := make([]string, len(f.engine.calls))
	for i, call := range f.engine.calls {
		methods[i] = call.method
	}
	want := []string{"synthesize", "synthesize", "assemble"}
	if len(methods) != len(want) {
		t.Fatalf("engine calls = %v, want %v", methods, want)
	}
	for i := range want {
		if methods[i] != want[i] {
			t.Fatalf("engine calls = %v, want %v", methods, want)
		}
	}
}

func TestAssembleRejectsTraversalFileNames(t *testing.T) {
	f := newFixture(t)
	dir := f.workspaceDir(t, "video-gen-a", "image_0.jpg", "audio_0.mp3")

	resp := postJSON(t, f.ts.URL+"/api/assemble", api.AssembleRequest{
		WorkspacePath: dir,
		Segments: []api.AssembleSegment{
			{Index: 0, ImageFile: "../../etc/passwd", AudioFile: "audio_0.mp3", Duration: 5},
		},
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	if len(f.engine.calls) != 0 {
		t.Fatal("engine must not run for rejected file names")
	}
}

func TestConcatEndpoint(t *testing.T) {
	f := newFixture(t)
	dir := f.workspaceDir(t, "video-gen-a", "segment_0.mp4", "segment_1.mp4")

	resp := postJSON(t, f.ts.URL+"/api/concat", api.ConcatRequest{
		WorkspacePath: dir,
		Files:         []string{"segment_0.mp4", "segment_1.mp4"},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d body=%s", resp.StatusCode, body)
	}
	if len(f.engine.calls) != 1 || f.engine.calls[0].method != "concat" {
		t.Fatalf("engine calls = %+v", f.engine.calls)
	}
	if len(f.engine.calls[0].paths) != 2 {
		t.Fatalf("concat clips = %v", f.engine.calls[0].paths)
	}
}

func TestConcatMissingWorkspace(t *testing.T) {
	f := newFixture(t)
	resp := postJSON(t, f.ts.URL+"/api/concat", api.ConcatRequest{
		WorkspacePath: filepath.Join(f.root, "video-gen-missing"),
		Files:         []string{"segment_0.mp4"},
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestVoicePreviewCaches(t *testing.T) {
	audio := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("mp3-bytes"))
	}))
	defer audio.Close()

	f := newFixture(t)
	f.speech.url = audio.URL + "/sample.mp3"

	for i := 0; i < 2; i++ {
		resp := postJSON(t, f.ts.URL+"/api/voices/preview", api.VoicePreviewRequest{
			VoiceID: "zh_female_shuangkuaisisi_moon_bigtts",
			Text:    "预览文本",
		})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		if ct := resp.Header.Get("Content-Type"); ct != "audio/mpeg" {
			t.Fatalf("content type = %q", ct)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if string(body) != "mp3-bytes" {
			t.Fatalf("body = %q", body)
		}
	}
	if f.speech.calls != 1 {
		t.Fatalf("synthesizer calls = %d, want 1 (second preview cached)", f.speech.calls)
	}
}

func TestRunsListing(t *testing.T) {
	f := newFixture(t)
	run := &runstore.Run{ID: "video-gen-1", BookName: "三体", Mode: "video"}
	if err := f.store.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := f.store.FinishRun(context.Background(), run.ID, runstore.RunCompleted, "/w/final.mp4", ""); err != nil {
		t.Fatalf("finish run: %v", err)
	}

	resp, err := http.Get(f.ts.URL + "/api/runs")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var result api.RunListResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(result.Runs) != 1 || result.Runs[0].Status != string(runstore.RunCompleted) {
		t.Fatalf("runs = %+v", result.Runs)
	}
}

func TestGenerateClientDisconnectCancelsRun(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	cancelled := make(chan struct{})
	f.runner.run = func(ctx context.Context, _ orchestrator.Request, bus *progress.Bus) {
		bus.Emit(progress.Event{Type: progress.TypeProgress, Step: "准备", Message: "开始", Progress: 5})
		close(started)
		<-ctx.Done()
		close(cancelled)
	}

	body, _ := json.Marshal(api.GenerateRequest{BookName: "书", GenerateMode: "video", ScriptText: "内容。"})
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.ts.URL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	<-started
	cancel()
	resp.Body.Close()

	select {
	case <-cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("run context not cancelled after client disconnect")
	}
}
