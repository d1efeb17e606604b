package relay

import (
	"strings"
	"unicode/utf8"
)

// DefaultChunkLimit keeps chunks under the transport's 4096-character cap.
const DefaultChunkLimit = 4000

// Chunk splits text for delivery. Text within limit is returned whole.
// Longer text is split on newlines and consecutive paragraphs are packed
// greedily while they fit; a paragraph longer than limit becomes its own
// oversized chunk. Lengths are counted in runes and blank chunks are
// dropped.
func Chunk(text string, limit int) []string {
	if limit <= 0 {
		limit = DefaultChunkLimit
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	var chunks []string
	var current []string
	total := 0
	flush := func() {
		joined := strings.Join(current, "\n")
		if strings.TrimSpace(joined) != "" {
			chunks = append(chunks, joined)
		}
	}
	for _, para := range strings.Split(text, "\n") {
		n := utf8.RuneCountInString(para) + 1
		if total+n > limit && len(current) > 0 {
			flush()
			current = current[:0]
			total = 0
		}
		current = append(current, para)
		total += n
	}
	if len(current) > 0 {
		flush()
	}
	return chunks
}
