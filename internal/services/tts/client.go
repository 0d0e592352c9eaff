// Package tts wraps the speech synthesis API that narrates fallback
// segments and voice previews.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/TheOneDeer/book-video-generator/internal/services"
)

const (
	defaultVoice       = "zh_female_shuangkuaisisi_moon_bigtts"
	defaultHTTPTimeout = 60 * time.Second

	audioFormat  = "mp3"
	sampleRate   = 24000
	speechRate   = 10
	loudnessRate = 5
)

// DefaultVoice returns the speaker used when a request does not name one.
func DefaultVoice() string { return defaultVoice }

// Config captures the runtime settings required to talk to the TTS API.
type Config struct {
	APIKey         string
	BaseURL        string
	Voice          string
	TimeoutSeconds int
}

// Client wraps the speech synthesis endpoint.
type Client struct {
	cfg        Config
	httpClient *http.Client
	newUID     func() string
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithUIDSource overrides request UID generation (useful for tests).
func WithUIDSource(source func() string) Option {
	return func(c *Client) {
		if source != nil {
			c.newUID = source
		}
	}
}

// NewClient constructs a speech synthesis client.
func NewClient(cfg Config, opts ...Option) *Client {
	timeout := defaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	client := &Client{
		cfg: Config{
			APIKey:         strings.TrimSpace(cfg.APIKey),
			BaseURL:        strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
			Voice:          strings.TrimSpace(cfg.Voice),
			TimeoutSeconds: cfg.TimeoutSeconds,
		},
		httpClient: &http.Client{Timeout: timeout},
		newUID:     func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(client)
	}
	if client.cfg.Voice == "" {
		client.cfg.Voice = defaultVoice
	}
	if client.httpClient == nil {
		client.httpClient = &http.Client{Timeout: timeout}
	}
	return client
}

// Request describes one narration to synthesize.
type Request struct {
	Text  string
	Voice string
}

// Result carries the provider's output location and reported size. AudioSize
// is zero when the provider omits it; callers keep their text-based duration
// estimate in that case.
type Result struct {
	AudioURL  string
	AudioSize int64
}

type synthesisRequest struct {
	UID          string `json:"uid"`
	Text         string `json:"text"`
	Speaker      string `json:"speaker"`
	AudioFormat  string `json:"audio_format"`
	SampleRate   int    `json:"sample_rate"`
	SpeechRate   int    `json:"speech_rate"`
	LoudnessRate int    `json:"loudness_rate"`
}

type synthesisResponse struct {
	AudioURI  string    `json:"audio_uri"`
	AudioSize int64     `json:"audio_size"`
	Error     *apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Synthesize requests one narration. Failures carry the same run-abort
// classification as the other generator clients; calls are never retried.
func (c *Client) Synthesize(ctx context.Context, req Request) (Result, error) {
	var empty Result
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return empty, services.Wrap(services.ErrValidation, "tts", "synthesize", "text required", nil)
	}
	if c.cfg.APIKey == "" {
		return empty, services.Wrap(services.ErrValidation, "tts", "synthesize", "api key required", nil)
	}
	if c.cfg.BaseURL == "" {
		return empty, services.Wrap(services.ErrValidation, "tts", "synthesize", "base url required", nil)
	}
	voice := strings.TrimSpace(req.Voice)
	if voice == "" {
		voice = c.cfg.Voice
	}
	payload := synthesisRequest{
		UID:          c.newUID(),
		Text:         text,
		Speaker:      voice,
		AudioFormat:  audioFormat,
		SampleRate:   sampleRate,
		SpeechRate:   speechRate,
		LoudnessRate: loudnessRate,
	}
	endpoint, err := url.JoinPath(c.cfg.BaseURL, "/tts/synthesis")
	if err != nil {
		return empty, services.Wrap(services.ErrValidation, "tts", "synthesize", "build url", err)
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return empty, fmt.Errorf("tts synthesize: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(encoded))
	if err != nil {
		return empty, fmt.Errorf("tts synthesize: request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return empty, services.Wrap(services.ErrTransient, "tts", "synthesize", "request failed", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return empty, services.Wrap(services.ErrTransient, "tts", "synthesize", "read body", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return empty, classifyFailure(resp.StatusCode, body)
	}
	var decoded synthesisResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return empty, services.Wrap(services.ErrTransient, "tts", "synthesize", "decode response", err)
	}
	if decoded.Error != nil {
		return empty, services.Wrap(services.ErrTransient, "tts", "synthesize",
			fmt.Sprintf("api error %s", decoded.Error.Code), errors.New(strings.TrimSpace(decoded.Error.Message)))
	}
	if strings.TrimSpace(decoded.AudioURI) == "" {
		return empty, services.Wrap(services.ErrTransient, "tts", "synthesize", "empty audio uri", nil)
	}
	return Result{AudioURL: decoded.AudioURI, AudioSize: decoded.AudioSize}, nil
}

func classifyFailure(statusCode int, body []byte) error {
	var decoded struct {
		Error *apiError `json:"error"`
	}
	code, message := "", strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &decoded); err == nil && decoded.Error != nil {
		code = decoded.Error.Code
		if m := strings.TrimSpace(decoded.Error.Message); m != "" {
			message = m
		}
	}
	marker := services.ClassifyStatus(statusCode, code)
	return services.Wrap(marker, "tts", "synthesize",
		fmt.Sprintf("http %d", statusCode), errors.New(message))
}
