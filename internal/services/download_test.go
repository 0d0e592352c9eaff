package services_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/TheOneDeer/book-video-generator/internal/services"
)

func TestDownloaderFetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("artifact-bytes"))
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "audio_0.mp3")
	d := services.NewDownloader(services.WithDownloadBackoff(0))
	written, err := d.Fetch(context.Background(), server.URL, dest)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if written != int64(len("artifact-bytes")) {
		t.Fatalf("written = %d", written)
	}
	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "artifact-bytes" {
		t.Fatalf("content = %q", data)
	}
}

func TestDownloaderRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	d := services.NewDownloader(services.WithDownloadBackoff(time.Millisecond))
	dest := filepath.Join(t.TempDir(), "image_0.jpg")
	if _, err := d.Fetch(context.Background(), server.URL, dest); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestDownloaderGivesUpAfterAttempts(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	d := services.NewDownloader(services.WithDownloadBackoff(0))
	_, err := d.Fetch(context.Background(), server.URL, filepath.Join(t.TempDir(), "f"))
	if err == nil {
		t.Fatal("expected failure")
	}
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient marker, got %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestDownloaderStopsOnCancelledContext(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	d := services.NewDownloader(services.WithDownloadBackoff(0), services.WithDownloadHTTPClient(&http.Client{
		Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			cancel()
			return http.DefaultTransport.RoundTrip(r)
		}),
	}))
	if _, err := d.Fetch(ctx, server.URL, filepath.Join(t.TempDir(), "f")); err == nil {
		t.Fatal("expected failure")
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected a single attempt after cancellation, got %d", got)
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }
