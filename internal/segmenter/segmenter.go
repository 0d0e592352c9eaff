// Package segmenter splits narration scripts into clip-sized sentence
// segments. Splitting is deterministic and pure: the same input always
// yields the same segmentation.
package segmenter

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

const (
	// Target upper bound for one spoken clip, in runes.
	targetRunes = 30
	// Buffers longer than this without usable punctuation get force-split.
	forceSplitRunes = 40
)

func isTerminator(r rune) bool {
	switch r {
	case '。', '！', '？', '.', '!', '?':
		return true
	}
	return false
}

func isClausePunct(r rune) bool {
	switch r {
	case '，', ',', '、', ';', '；':
		return true
	}
	return false
}

// Split breaks text into an ordered sequence of non-empty, trimmed
// segments, each bounded to a length suitable for a single spoken clip.
func Split(text string) []string {
	text = norm.NFC.String(text)

	var segments []string
	for _, sentence := range splitKeeping(text, isTerminator) {
		trimmed := strings.TrimSpace(sentence)
		if trimmed == "" {
			continue
		}
		if runeLen(trimmed) <= targetRunes {
			segments = append(segments, trimmed)
			continue
		}
		segments = appendClauses(segments, trimmed)
	}
	return segments
}

// appendClauses splits an over-long sentence on intra-sentence punctuation,
// greedily concatenating clauses while the running buffer stays within the
// target bound.
func appendClauses(segments []string, sentence string) []string {
	var buffer string
	for _, clause := range splitKeeping(sentence, isClausePunct) {
		trimmed := strings.TrimSpace(clause)
		if trimmed == "" {
			continue
		}
		if runeLen(buffer)+runeLen(trimmed) <= targetRunes {
			buffer += trimmed
			continue
		}
		if buffer != "" {
			segments = append(segments, buffer)
		}
		buffer = trimmed
		if runeLen(buffer) > forceSplitRunes {
			segments, buffer = forceSplit(segments, buffer)
		}
	}
	if buffer != "" {
		segments = append(segments, buffer)
	}
	return segments
}

// forceSplit chops a punctuation-free buffer into fixed-size chunks,
// returning any trailing partial chunk as the new buffer.
func forceSplit(segments []string, buffer string) ([]string, string) {
	runes := []rune(buffer)
	for len(runes) >= targetRunes {
		segments = append(segments, string(runes[:targetRunes]))
		runes = runes[targetRunes:]
	}
	return segments, string(runes)
}

// splitKeeping splits text after every rune matching the predicate, keeping
// the matched rune attached to the preceding part.
func splitKeeping(text string, match func(rune) bool) []string {
	var parts []string
	var current strings.Builder
	for _, r := range text {
		current.WriteRune(r)
		if match(r) {
			parts = append(parts, current.String())
			current.Reset()
		}
	}
	if current.Len() > 0 {
		parts = append(parts, current.String())
	}
	return parts
}

func runeLen(s string) int {
	return len([]rune(s))
}
