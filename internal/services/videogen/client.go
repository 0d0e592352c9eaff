// Package videogen wraps the video generation API used for the primary
// per-segment strategy: a short clip with baked-in narration.
package videogen

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

	"github.com/TheOneDeer/book-video-generator/internal/services"
)

const (
	defaultModel       = "doubao-seedance-1-5-pro-251215"
	defaultHTTPTimeout = 120 * time.Second
)

// Config captures the runtime settings required to talk to the video API.
type Config struct {
	APIKey         string
	BaseURL        string
	Model          string
	TimeoutSeconds int
}

// Client wraps the video generation endpoint.
type Client struct {
	cfg        Config
	httpClient *http.Client
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

// NewClient constructs a video generation client.
func NewClient(cfg Config, opts ...Option) *Client {
	timeout := defaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	client := &Client{
		cfg: Config{
			APIKey:         strings.TrimSpace(cfg.APIKey),
			BaseURL:        strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
			Model:          strings.TrimSpace(cfg.Model),
			TimeoutSeconds: cfg.TimeoutSeconds,
		},
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(client)
	}
	if client.cfg.Model == "" {
		client.cfg.Model = defaultModel
	}
	if client.httpClient == nil {
		client.httpClient = &http.Client{Timeout: timeout}
	}
	return client
}

// Request describes one segment clip to generate. DurationSeconds is the
// commanded length; the provider narrates the prompt text over the clip.
type Request struct {
	Prompt          string
	DurationSeconds int
}

// Result carries the provider's output location.
type Result struct {
	VideoURL string
}

type generationRequest struct {
	Model         string           `json:"model"`
	Content       []contentElement `json:"content"`
	Duration      int              `json:"duration"`
	Ratio         string           `json:"ratio"`
	Resolution    string           `json:"resolution"`
	GenerateAudio bool             `json:"generate_audio"`
}

type contentElement struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type generationResponse struct {
	VideoURL string    `json:"video_url"`
	Error    *apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Generate requests one narrated clip. Failures are classified for the
// orchestrator: rate-limit and permission errors abort the run, anything
// else downgrades the segment. Calls are never retried.
func (c *Client) Generate(ctx context.Context, req Request) (Result, error) {
	var empty Result
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return empty, services.Wrap(services.ErrValidation, "videogen", "generate", "prompt required", nil)
	}
	if c.cfg.APIKey == "" {
		return empty, services.Wrap(services.ErrValidation, "videogen", "generate", "api key required", nil)
	}
	if c.cfg.BaseURL == "" {
		return empty, services.Wrap(services.ErrValidation, "videogen", "generate", "base url required", nil)
	}
	payload := generationRequest{
		Model:         c.cfg.Model,
		Content:       []contentElement{{Type: "text", Text: prompt}},
		Duration:      req.DurationSeconds,
		Ratio:         "16:9",
		Resolution:    "720p",
		GenerateAudio: true,
	}
	endpoint, err := url.JoinPath(c.cfg.BaseURL, "/video/generations")
	if err != nil {
		return empty, services.Wrap(services.ErrValidation, "videogen", "generate", "build url", err)
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return empty, fmt.Errorf("videogen generate: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(encoded))
	if err != nil {
		return empty, fmt.Errorf("videogen generate: request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return empty, services.Wrap(services.ErrTransient, "videogen", "generate", "request failed", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return empty, services.Wrap(services.ErrTransient, "videogen", "generate", "read body", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return empty, classifyFailure("videogen", "generate", resp.StatusCode, body)
	}
	var decoded generationResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return empty, services.Wrap(services.ErrTransient, "videogen", "generate", "decode response", err)
	}
	if decoded.Error != nil {
		return empty, services.Wrap(services.ErrTransient, "videogen", "generate",
			fmt.Sprintf("api error %s", decoded.Error.Code), errors.New(strings.TrimSpace(decoded.Error.Message)))
	}
	if strings.TrimSpace(decoded.VideoURL) == "" {
		return empty, services.Wrap(services.ErrTransient, "videogen", "generate", "empty video url", nil)
	}
	return Result{VideoURL: decoded.VideoURL}, nil
}

// classifyFailure turns a non-2xx generator response into a tagged error,
// reading the provider error code out of the JSON body when present.
func classifyFailure(component, operation string, statusCode int, body []byte) error {
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
	return services.Wrap(marker, component, operation,
		fmt.Sprintf("http %d", statusCode), errors.New(message))
}
