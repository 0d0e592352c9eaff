package api

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/TheOneDeer/book-video-generator/internal/services"
	"github.com/TheOneDeer/book-video-generator/internal/services/tts"
)

// SpeechSynthesizer backs the voice preview endpoint.
type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, req tts.Request) (tts.Result, error)
}

// Downloader stages synthesized preview audio.
type Downloader interface {
	Fetch(ctx context.Context, url, dest string) (int64, error)
}

const (
	// previewCacheLimit bounds memory held for preview audio; the oldest
	// entry is evicted first.
	previewCacheLimit = 16

	defaultPreviewText = "大家好，这是本书讲解视频的配音预览。"
)

// previewCache synthesizes and caches short voice samples so repeated
// previews of the same voice do not burn generator quota.
type previewCache struct {
	mu           sync.Mutex
	speech       SpeechSynthesizer
	downloader   Downloader
	defaultVoice string
	entries      map[string][]byte
	order        []string
}

func newPreviewCache(speech SpeechSynthesizer, downloader Downloader, defaultVoice string) *previewCache {
	if downloader == nil {
		downloader = services.NewDownloader()
	}
	if strings.TrimSpace(defaultVoice) == "" {
		defaultVoice = tts.DefaultVoice()
	}
	return &previewCache{
		speech:       speech,
		downloader:   downloader,
		defaultVoice: defaultVoice,
		entries:      map[string][]byte{},
	}
}

// Get returns the preview audio for a voice and text, synthesizing on miss.
func (c *previewCache) Get(ctx context.Context, voice, text string) ([]byte, error) {
	if c.speech == nil {
		return nil, services.Wrap(services.ErrValidation, "api", "voice preview",
			"speech synthesizer unavailable", nil)
	}
	voice = strings.TrimSpace(voice)
	if voice == "" {
		voice = c.defaultVoice
	}
	text = strings.TrimSpace(text)
	if text == "" {
		text = defaultPreviewText
	}
	key := voice + "\x00" + text

	c.mu.Lock()
	if audio, ok := c.entries[key]; ok {
		c.mu.Unlock()
		return audio, nil
	}
	c.mu.Unlock()

	result, err := c.speech.Synthesize(ctx, tts.Request{Text: text, Voice: voice})
	if err != nil {
		return nil, err
	}
	audio, err := c.fetch(ctx, result.AudioURL)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; !ok {
		if len(c.order) >= previewCacheLimit {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
		c.entries[key] = audio
		c.order = append(c.order, key)
	}
	return audio, nil
}

func (c *previewCache) fetch(ctx context.Context, url string) ([]byte, error) {
	tmp, err := os.CreateTemp("", "voice-preview-*.mp3")
	if err != nil {
		return nil, services.Wrap(services.ErrWorkspaceInvalid, "api", "voice preview", "create temp file", err)
	}
	name := tmp.Name()
	tmp.Close()
	defer os.Remove(name)

	if _, err := c.downloader.Fetch(ctx, url, name); err != nil {
		return nil, err
	}
	return os.ReadFile(name)
}

func (s *Server) handleVoicePreview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req VoicePreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	audio, err := s.previews.Get(r.Context(), req.VoiceID, req.Text)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(audio); err != nil {
		s.logger.Warn("preview write failed")
	}
}
