// Package reconcile recovers segment state from a workspace directory by
// pairing the image and audio artifacts found on disk. It backs the scan
// endpoint used to resume assembly after a partial or aborted run.
package reconcile

import (
	"fmt"
	"os"
	"regexp"
	"sort"

	"github.com/TheOneDeer/book-video-generator/internal/services"
)

var (
	imagePattern = regexp.MustCompile(`^image_(\d+)\.(jpg|jpeg|png)$`)
	audioPattern = regexp.MustCompile(`^audio_(\d+)\.mp3$`)
)

// defaultDuration is assumed for scanned matches; audio is not probed.
const defaultDuration float64 = 5

// Match is one reconstructed segment. A full match carries both files;
// a partial match carries whichever side was found.
type Match struct {
	Index     int     `json:"index"`
	ImageFile string  `json:"imageFile,omitempty"`
	AudioFile string  `json:"audioFile,omitempty"`
	Duration  float64 `json:"duration"`
	Complete  bool    `json:"complete"`
}

// Result is the scan outcome for one directory.
type Result struct {
	Matches    []Match `json:"matches"`
	ImageCount int     `json:"imageCount"`
	AudioCount int     `json:"audioCount"`
	CanConcat  bool    `json:"canConcat"`
}

// Resolver validates that a requested path stays inside the sandbox.
type Resolver interface {
	Resolve(requested string) (string, error)
}

// Scan inventories dir: images and audio are classified by the artifact
// naming contract, paired by index, and returned sorted by index with full
// matches eligible for concatenation. The resolver runs before any
// filesystem access.
func Scan(resolver Resolver, dir string) (Result, error) {
	var result Result
	resolved, err := resolver.Resolve(dir)
	if err != nil {
		return result, err
	}

	entries, err := os.ReadDir(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return result, services.Wrap(services.ErrNotFound, "reconcile", "scan", resolved, err)
		}
		return result, services.Wrap(services.ErrWorkspaceInvalid, "reconcile", "scan", resolved, err)
	}

	images := map[int]string{}
	audios := map[int]string{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if m := imagePattern.FindStringSubmatch(name); m != nil {
			index, err := parseIndex(m[1])
			if err != nil {
				continue
			}
			images[index] = name
			continue
		}
		if m := audioPattern.FindStringSubmatch(name); m != nil {
			index, err := parseIndex(m[1])
			if err != nil {
				continue
			}
			audios[index] = name
		}
	}

	result.ImageCount = len(images)
	result.AudioCount = len(audios)

	seen := map[int]struct{}{}
	for index := range images {
		seen[index] = struct{}{}
	}
	for index := range audios {
		seen[index] = struct{}{}
	}
	indexes := make([]int, 0, len(seen))
	for index := range seen {
		indexes = append(indexes, index)
	}
	sort.Ints(indexes)

	for _, index := range indexes {
		match := Match{
			Index:     index,
			ImageFile: images[index],
			AudioFile: audios[index],
			Duration:  defaultDuration,
		}
		match.Complete = match.ImageFile != "" && match.AudioFile != ""
		result.Matches = append(result.Matches, match)
	}

	result.CanConcat = len(result.Matches) > 0
	return result, nil
}

func parseIndex(text string) (int, error) {
	var index int
	if _, err := fmt.Sscanf(text, "%d", &index); err != nil {
		return 0, err
	}
	return index, nil
}
