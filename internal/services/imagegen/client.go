// Package imagegen wraps the still image generation API used by the
// image+audio fallback strategy.
package imagegen

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
	defaultModel       = "doubao-seedream-3-0-t2i"
	defaultSize        = "1024x1024"
	defaultHTTPTimeout = 60 * time.Second

	promptRunes = 50
	styleSuffix = "... 适合书籍讲解的插画风格"
)

// Config captures the runtime settings required to talk to the image API.
type Config struct {
	APIKey         string
	BaseURL        string
	Model          string
	TimeoutSeconds int
}

// Client wraps the image generation endpoint.
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

// NewClient constructs an image generation client.
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

// IllustrationPrompt builds the fallback image prompt for a narration
// sentence: the first 50 runes plus a book-illustration style suffix.
func IllustrationPrompt(sentence string) string {
	runes := []rune(strings.TrimSpace(sentence))
	if len(runes) > promptRunes {
		runes = runes[:promptRunes]
	}
	return string(runes) + styleSuffix
}

// Result carries the provider's output location.
type Result struct {
	ImageURL string
}

type generationRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Size   string `json:"size"`
	N      int    `json:"n"`
}

type generationResponse struct {
	Data []struct {
		URL string `json:"url"`
	} `json:"data"`
	Error *apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Generate requests one illustration. Failures carry the same run-abort
// classification as the video client; calls are never retried.
func (c *Client) Generate(ctx context.Context, prompt string) (Result, error) {
	var empty Result
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return empty, services.Wrap(services.ErrValidation, "imagegen", "generate", "prompt required", nil)
	}
	if c.cfg.APIKey == "" {
		return empty, services.Wrap(services.ErrValidation, "imagegen", "generate", "api key required", nil)
	}
	if c.cfg.BaseURL == "" {
		return empty, services.Wrap(services.ErrValidation, "imagegen", "generate", "base url required", nil)
	}
	payload := generationRequest{
		Model:  c.cfg.Model,
		Prompt: prompt,
		Size:   defaultSize,
		N:      1,
	}
	endpoint, err := url.JoinPath(c.cfg.BaseURL, "/images/generations")
	if err != nil {
		return empty, services.Wrap(services.ErrValidation, "imagegen", "generate", "build url", err)
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return empty, fmt.Errorf("imagegen generate: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(encoded))
	if err != nil {
		return empty, fmt.Errorf("imagegen generate: request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return empty, services.Wrap(services.ErrTransient, "imagegen", "generate", "request failed", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return empty, services.Wrap(services.ErrTransient, "imagegen", "generate", "read body", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return empty, classifyFailure(resp.StatusCode, body)
	}
	var decoded generationResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return empty, services.Wrap(services.ErrTransient, "imagegen", "generate", "decode response", err)
	}
	if decoded.Error != nil {
		return empty, services.Wrap(services.ErrTransient, "imagegen", "generate",
			fmt.Sprintf("api error %s", decoded.Error.Code), errors.New(strings.TrimSpace(decoded.Error.Message)))
	}
	if len(decoded.Data) == 0 || strings.TrimSpace(decoded.Data[0].URL) == "" {
		return empty, services.Wrap(services.ErrTransient, "imagegen", "generate", "empty image url", nil)
	}
	return Result{ImageURL: decoded.Data[0].URL}, nil
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
	return services.Wrap(marker, "imagegen", "generate",
		fmt.Sprintf("http %d", statusCode), errors.New(message))
}
