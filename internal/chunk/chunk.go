// Package chunk splits target text into embeddable pieces and diffs them
// against previously indexed content by hash.
package chunk

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode/utf8"
)

// DefaultMaxChars is the chunk size used when no limit is configured.
const DefaultMaxChars = 2000

// Chunk is one embeddable slice of a target's text.
type Chunk struct {
	Index int
	Text  string
	Hash  string
}

// HashText returns the hex-encoded SHA-256 of the exact text.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Split breaks text into chunks of at most maxChars characters each.
// Paragraphs (blank-line separated) are packed greedily into chunks, joined
// with a blank line; a paragraph longer than maxChars is hard-split at rune
// boundaries and its pieces stand alone. The result is deterministic for a
// given input. Empty or whitespace-only text yields no chunks.
func Split(text string, maxChars int) []Chunk {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var pieces []string
	var current strings.Builder
	currentLen := 0

	flush := func() {
		if currentLen > 0 {
			pieces = append(pieces, current.String())
			current.Reset()
			currentLen = 0
		}
	}

	for _, para := range splitParagraphs(text) {
		paraLen := utf8.RuneCountInString(para)

		if paraLen > maxChars {
			flush()
			pieces = append(pieces, hardSplit(para, maxChars)...)
			continue
		}

		sep := 0
		if currentLen > 0 {
			sep = 2 // "\n\n"
		}
		if currentLen+sep+paraLen > maxChars {
			flush()
			sep = 0
		}
		if sep > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
		currentLen += sep + paraLen
	}
	flush()

	chunks := make([]Chunk, len(pieces))
	for i, p := range pieces {
		chunks[i] = Chunk{Index: i, Text: p, Hash: HashText(p)}
	}
	return chunks
}

// Diff returns the chunks whose hash differs from the existing hash at the
// same index, plus chunks with no existing entry, in ascending index order.
// Chunks whose hash matches are skipped; their embeddings are still valid.
func Diff(existing map[int]string, chunks []Chunk) []Chunk {
	var changed []Chunk
	for _, c := range chunks {
		if hash, ok := existing[c.Index]; ok && hash == c.Hash {
			continue
		}
		changed = append(changed, c)
	}
	return changed
}

// Preview returns the first n runes of text, with "..." appended if truncated.
func Preview(text string, n int) string {
	if utf8.RuneCountInString(text) <= n {
		return text
	}
	runes := []rune(text)
	return string(runes[:n]) + "..."
}

func splitParagraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	raw := strings.Split(text, "\n\n")
	paragraphs := make([]string, 0, len(raw))
	for _, p := range raw {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		paragraphs = append(paragraphs, p)
	}
	return paragraphs
}

func hardSplit(para string, maxChars int) []string {
	runes := []rune(para)
	pieces := make([]string, 0, (len(runes)+maxChars-1)/maxChars)
	for start := 0; start < len(runes); start += maxChars {
		end := start + maxChars
		if end > len(runes) {
			end = len(runes)
		}
		pieces = append(pieces, string(runes[start:end]))
	}
	return pieces
}
