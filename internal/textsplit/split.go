// Package textsplit cuts page text into bounded, overlapping chunks.
//
// All lengths are measured in runes.
package textsplit

import (
	"math"
	"strings"
	"unicode"
)

// Split cuts text into chunks of at most maxLen runes. Each cut is made at the
// last whitespace at or before maxLen; when the window holds no whitespace the
// text is hard cut at maxLen, so a single token longer than maxLen is split.
// The next chunk starts overlap runes before the cut. Chunks are trimmed and
// empty chunks are dropped.
func Split(text string, maxLen, overlap int) []string {
	clean := strings.TrimSpace(text)
	if clean == "" {
		return nil
	}
	runes := []rune(clean)
	if maxLen <= 0 || len(runes) <= maxLen {
		return []string{clean}
	}
	if overlap < 0 {
		overlap = 0
	}

	chunks := make([]string, 0, len(runes)/maxLen+1)
	start := 0
	for start < len(runes) {
		for start < len(runes) && unicode.IsSpace(runes[start]) {
			start++
		}
		if len(runes)-start <= maxLen {
			chunks = appendTrimmed(chunks, runes[start:])
			break
		}

		limit := start + maxLen
		cut := limit
		for i := limit; i > start; i-- {
			if unicode.IsSpace(runes[i]) {
				cut = i
				break
			}
		}

		chunks = appendTrimmed(chunks, runes[start:cut])

		next := cut - overlap
		if next < 0 {
			next = 0
		}
		if next <= start {
			next = cut
		}
		start = next
	}

	return chunks
}

// Windows cuts text into consecutive non-overlapping windows of at most size
// runes. Empty text yields a single empty window so callers can fold over it
// like any other document.
func Windows(text string, size int) []string {
	windows := Split(text, size, 0)
	if len(windows) == 0 {
		return []string{""}
	}
	return windows
}

// PageOverlap returns one chunk per page: the page text followed by the first
// round(fraction*words) words of the next page. The last page gets no
// trailing overlap.
func PageOverlap(pages []string, fraction float64) []string {
	chunks := make([]string, len(pages))
	for i, page := range pages {
		page = strings.TrimSpace(page)
		if i == len(pages)-1 || fraction <= 0 {
			chunks[i] = page
			continue
		}
		next := strings.Fields(pages[i+1])
		n := int(math.Round(fraction * float64(len(next))))
		if n > len(next) {
			n = len(next)
		}
		if n == 0 {
			chunks[i] = page
			continue
		}
		tail := strings.Join(next[:n], " ")
		if page == "" {
			chunks[i] = tail
			continue
		}
		chunks[i] = page + " " + tail
	}
	return chunks
}

func appendTrimmed(chunks []string, r []rune) []string {
	chunk := strings.TrimSpace(string(r))
	if chunk == "" {
		return chunks
	}
	return append(chunks, chunk)
}
