package segment

import (
	"math"
	"strings"
	"unicode/utf8"
)

// Strategy selects how a segment's visual and audio content is produced.
// It is resolved once per run; the orchestrator is the only place that
// downgrades a segment from video to image+audio.
type Strategy string

const (
	// StrategyVideo generates a short AI video clip with baked-in narration.
	StrategyVideo Strategy = "video"
	// StrategyImageAudio pairs a generated still image with synthesized narration.
	StrategyImageAudio Strategy = "image_audio"
)

// ParseStrategy converts a request mode string into a Strategy.
func ParseStrategy(value string) (Strategy, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "video", "":
		return StrategyVideo, true
	case "image", "image_audio", "image+audio":
		return StrategyImageAudio, true
	default:
		return "", false
	}
}

// Status represents the lifecycle of a segment inside one run.
type Status string

const (
	StatusPending        Status = "pending"
	StatusGenerating     Status = "generating"
	StatusSucceeded      Status = "succeeded"
	StatusFailedFallback Status = "failed_fallback"
	StatusFailedTerminal Status = "failed_terminal"
)

// Segment is the unit of generation work and the unit of assembly output.
// Exactly one of VideoFile or the ImageFile/AudioFile pair carries active
// content; a segment downgraded from the video strategy clears VideoFile.
type Segment struct {
	Index    int      `json:"index"`
	Sentence string   `json:"sentence"`
	Strategy Strategy `json:"strategy"`
	Status   Status   `json:"status"`
	// Duration in seconds. Commanded pre-generation for the video strategy;
	// estimated from text then recomputed from audio size for image+audio.
	Duration  float64 `json:"duration"`
	VideoFile string  `json:"videoFile,omitempty"`
	ImageFile string  `json:"imageFile,omitempty"`
	AudioFile string  `json:"audioFile,omitempty"`
}

// HasVideo reports whether the segment resolved to a video clip.
func (s Segment) HasVideo() bool { return s.VideoFile != "" }

// HasStill reports whether the segment resolved to an image+audio pair
// with at least the image present.
func (s Segment) HasStill() bool { return s.ImageFile != "" }

// Renderable reports whether the segment carries enough content for assembly.
func (s Segment) Renderable() bool {
	return s.VideoFile != "" || (s.ImageFile != "" && s.AudioFile != "")
}

const (
	// Reading speed assumed when estimating narration length from text.
	charsPerSecond = 4.5

	textEstimateMin = 4
	textEstimateMax = 8

	// MP3 at 24 kHz / 128 kbps works out to roughly 16000 bytes per second.
	audioBytesPerSecond = 16000

	audioEstimateMin = 2
	audioEstimateMax = 15
)

// EstimateFromText derives a commanded duration from the sentence length,
// clamped to [4,8] seconds.
func EstimateFromText(sentence string) float64 {
	runes := utf8.RuneCountInString(sentence)
	seconds := math.Ceil(float64(runes) / charsPerSecond)
	return clamp(seconds, textEstimateMin, textEstimateMax)
}

// FromAudioSize derives the actual narration duration from the produced
// audio's byte size, clamped to [2,15] seconds. It reports false when no
// usable size was reported, in which case the caller keeps its previous
// estimate.
func FromAudioSize(sizeBytes int64) (float64, bool) {
	if sizeBytes <= 0 {
		return 0, false
	}
	return clamp(float64(sizeBytes)/audioBytesPerSecond, audioEstimateMin, audioEstimateMax), true
}

func clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
