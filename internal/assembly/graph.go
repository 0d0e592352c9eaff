package assembly

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/TheOneDeer/book-video-generator/internal/services"
)

// Params carries the encoding knobs shared by clip synthesis and
// concatenation. Values come from [pipeline] config.
type Params struct {
	TransitionSeconds float64
	Zoom              float64
	FrameRate         int
	FrameWidth        int
	FrameHeight       int
}

// DefaultParams returns the production defaults: 1s cross-fades, 1.2x Ken
// Burns zoom, 1280x720 at 30fps.
func DefaultParams() Params {
	return Params{
		TransitionSeconds: 1,
		Zoom:              1.2,
		FrameRate:         30,
		FrameWidth:        1280,
		FrameHeight:       720,
	}
}

func (p Params) normalized() Params {
	d := DefaultParams()
	if p.TransitionSeconds <= 0 {
		p.TransitionSeconds = d.TransitionSeconds
	}
	if p.Zoom <= 1 {
		p.Zoom = d.Zoom
	}
	if p.FrameRate <= 0 {
		p.FrameRate = d.FrameRate
	}
	if p.FrameWidth <= 0 || p.FrameHeight <= 0 {
		p.FrameWidth = d.FrameWidth
		p.FrameHeight = d.FrameHeight
	}
	return p
}

func formatSeconds(value float64) string {
	return strconv.FormatFloat(value, 'g', -1, 64)
}

// kenBurnsFilter builds the zoompan expression: slow centered zoom to the
// configured factor, scaled to the target frame size and rate.
func kenBurnsFilter(p Params) string {
	zoom := formatSeconds(p.Zoom)
	return fmt.Sprintf(
		"zoompan=z='min(%s,zoom(%s,0.001))':d=1:x='iw/2-(iw/zoom/2)':y='ih/2-(ih/zoom/2)':s=%dx%d:fps=%d",
		zoom, zoom, p.FrameWidth, p.FrameHeight, p.FrameRate)
}

// KenBurnsArgs builds the ffmpeg invocation that turns one still image plus
// narration into a clip of the given duration.
func KenBurnsArgs(p Params, imagePath, audioPath, outputPath string, duration float64) []string {
	p = p.normalized()
	return []string{
		"-loop", "1",
		"-i", imagePath,
		"-i", audioPath,
		"-vf", kenBurnsFilter(p),
		"-t", formatSeconds(duration),
		"-pix_fmt", "yuv420p",
		"-c:v", "libx264",
		"-preset", "fast",
		"-crf", "23",
		"-c:a", "aac",
		"-shortest",
		"-y",
		outputPath,
	}
}

// TransitionFilter builds the xfade filter graph for n = len(durations) clips:
// n-2 cross-fade nodes chained from the seeded [0:v][0:a] pair, each fading at
// offset previous-duration minus the transition length, closed by exactly one
// concat node producing [outv][outa].
func TransitionFilter(durations []float64, transition float64) (string, error) {
	n := len(durations)
	if n < 2 {
		return "", services.Wrap(services.ErrValidation, "assembly", "transition filter",
			fmt.Sprintf("need at least 2 clips, got %d", n), nil)
	}
	var graph strings.Builder
	current := "[0:v][0:a]"
	for i := 1; i < n-1; i++ {
		offset := durations[i-1] - transition
		if offset < 0 {
			offset = 0
		}
		fmt.Fprintf(&graph, "%s[%d:v][%d:a]xfade=transition=fade:duration=%s:offset=%s[v%d][a%d];",
			current, i, i, formatSeconds(transition), formatSeconds(offset), i, i)
		current = fmt.Sprintf("[v%d][a%d]", i, i)
	}
	fmt.Fprintf(&graph, "%s[%d:v][%d:a]concat=n=%d:v=1:a=1[outv][outa]",
		current, n-1, n-1, n)
	return graph.String(), nil
}

// TransitionArgs builds the full ffmpeg invocation joining clips with
// cross-fades into outputPath.
func TransitionArgs(p Params, clips []string, durations []float64, outputPath string) ([]string, error) {
	p = p.normalized()
	if len(clips) != len(durations) {
		return nil, services.Wrap(services.ErrValidation, "assembly", "transition args",
			fmt.Sprintf("%d clips but %d durations", len(clips), len(durations)), nil)
	}
	graph, err := TransitionFilter(durations, p.TransitionSeconds)
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, len(clips)*2+16)
	for _, clip := range clips {
		args = append(args, "-i", clip)
	}
	args = append(args,
		"-filter_complex", graph,
		"-map", "[outv]",
		"-map", "[outa]",
		"-c:v", "libx264",
		"-preset", "fast",
		"-crf", "23",
		"-c:a", "aac",
		"-shortest",
		"-y",
		outputPath,
	)
	return args, nil
}

// CopyArgs builds the single-clip fast path: stream copy, no filter graph.
func CopyArgs(inputPath, outputPath string) []string {
	return []string{"-i", inputPath, "-c", "copy", "-y", outputPath}
}

// ConcatCopyArgs builds the concat demuxer invocation for joining
// already-encoded whole clips without transitions.
func ConcatCopyArgs(listPath, outputPath string) []string {
	return []string{
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		"-y",
		outputPath,
	}
}

// WriteConcatManifest writes the concat demuxer list file, one clip per line.
func WriteConcatManifest(listPath string, clips []string) error {
	if len(clips) == 0 {
		return services.Wrap(services.ErrValidation, "assembly", "concat manifest", "no clips", nil)
	}
	var manifest strings.Builder
	for _, clip := range clips {
		escaped := strings.ReplaceAll(clip, "'", `'\''`)
		fmt.Fprintf(&manifest, "file '%s'\n", escaped)
	}
	if err := os.WriteFile(listPath, []byte(manifest.String()), 0o644); err != nil {
		return services.Wrap(services.ErrWorkspaceInvalid, "assembly", "concat manifest", listPath, err)
	}
	return nil
}
