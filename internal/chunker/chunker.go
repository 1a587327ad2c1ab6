// Package chunker splits narration text into request-sized pieces.
package chunker

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

const (
	// DefaultMaxTotalChars caps how much of a page is narrated.
	DefaultMaxTotalChars = 8000
	// DefaultChunkSize stays under Polly's per-request character limit with
	// room for the SSML wrapper.
	DefaultChunkSize = 1800
)

// Normalize returns text in Unicode NFC so that character budgets count
// composed characters once.
func Normalize(text string) string {
	return norm.NFC.String(text)
}

// Truncate cuts text to at most maxChars characters.
func Truncate(text string, maxChars int) string {
	if maxChars <= 0 || utf8.RuneCountInString(text) <= maxChars {
		return text
	}
	count := 0
	for i := range text {
		if count == maxChars {
			return text[:i]
		}
		count++
	}
	return text
}

// Split breaks text into ordered chunks of at most maxChars characters,
// preferring sentence boundaries and falling back to word boundaries.
// Empty or whitespace-only input yields no chunks.
func Split(text string, maxChars int) []string {
	if maxChars <= 0 {
		maxChars = DefaultChunkSize
	}

	var (
		chunks  []string
		current strings.Builder
		size    int
	)
	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			chunks = append(chunks, s)
		}
		current.Reset()
		size = 0
	}

	for _, sentence := range Sentences(text) {
		length := utf8.RuneCountInString(sentence)
		if length > maxChars {
			flush()
			chunks = append(chunks, splitWords(sentence, maxChars)...)
			continue
		}

		tentative := length
		if size > 0 {
			tentative += size + 1
		}
		if tentative > maxChars && size > 0 {
			flush()
			tentative = length
		}
		if size > 0 {
			current.WriteByte(' ')
		}
		current.WriteString(sentence)
		size = tentative
	}
	flush()
	return chunks
}

// Sentences splits text after '.', '!' or '?' when followed by whitespace.
// Whitespace inside a sentence is collapsed to single spaces and empty
// sentences are dropped.
func Sentences(text string) []string {
	var (
		sentences []string
		start     int
	)
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		if !isTerminator(runes[i]) || i+1 >= len(runes) || !unicode.IsSpace(runes[i+1]) {
			continue
		}
		sentences = appendSentence(sentences, string(runes[start:i+1]))
		j := i + 1
		for j < len(runes) && unicode.IsSpace(runes[j]) {
			j++
		}
		start = j
		i = j - 1
	}
	if start < len(runes) {
		sentences = appendSentence(sentences, string(runes[start:]))
	}
	return sentences
}

func appendSentence(sentences []string, raw string) []string {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return sentences
	}
	return append(sentences, strings.Join(fields, " "))
}

func isTerminator(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

// splitWords cuts a single long sentence at the last space inside each
// window. A window with no space is cut hard at maxChars.
func splitWords(text string, maxChars int) []string {
	var pieces []string
	runes := []rune(text)
	cursor := 0
	for cursor < len(runes) {
		end := cursor + maxChars
		if end >= len(runes) {
			end = len(runes)
		} else if bp := lastSpace(runes, cursor, end); bp > cursor {
			end = bp
		}

		if piece := strings.TrimSpace(string(runes[cursor:end])); piece != "" {
			pieces = append(pieces, piece)
		}
		cursor = end
		for cursor < len(runes) && runes[cursor] == ' ' {
			cursor++
		}
	}
	return pieces
}

// lastSpace returns the index of the last space in runes[from:to], where
// to itself is also considered, or -1.
func lastSpace(runes []rune, from, to int) int {
	if to >= len(runes) {
		to = len(runes) - 1
	}
	for i := to; i > from; i-- {
		if runes[i] == ' ' {
			return i
		}
	}
	return -1
}
