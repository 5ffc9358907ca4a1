package textsplit

import (
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func numberedWords(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = fmt.Sprintf("w%d", i)
	}
	return strings.Join(words, " ")
}

func TestSplit_ShortTextIsSingleChunk(t *testing.T) {
	assert.Equal(t, []string{"hello world"}, Split("  hello world \n", 100, 10))
}

func TestSplit_EmptyText(t *testing.T) {
	assert.Nil(t, Split("   \n\t", 10, 2))
}

func TestSplit_CutsAtLastWhitespace(t *testing.T) {
	chunks := Split("alpha beta gamma delta", 11, 0)
	assert.Equal(t, []string{"alpha beta", "gamma delta"}, chunks)
}

func TestSplit_HardCutsLongToken(t *testing.T) {
	chunks := Split(strings.Repeat("x", 25), 10, 0)
	require.Len(t, chunks, 3)
	assert.Equal(t, strings.Repeat("x", 10), chunks[0])
	assert.Equal(t, strings.Repeat("x", 10), chunks[1])
	assert.Equal(t, strings.Repeat("x", 5), chunks[2])
}

func TestSplit_OverlapLargerThanChunkStillProgresses(t *testing.T) {
	chunks := Split(numberedWords(40), 12, 50)
	require.NotEmpty(t, chunks)
	assert.Less(t, len(chunks), 200)
}

func TestSplit_MeasuresRunes(t *testing.T) {
	text := "ééééé ééééé ééééé"
	for _, c := range Split(text, 11, 0) {
		assert.LessOrEqual(t, utf8.RuneCountInString(c), 11)
	}
}

func TestSplit_BoundAndCoverage(t *testing.T) {
	text := numberedWords(300)

	for _, tc := range []struct{ maxLen, overlap int }{{50, 0}, {50, 10}, {80, 30}, {17, 5}} {
		t.Run(fmt.Sprintf("max%d_overlap%d", tc.maxLen, tc.overlap), func(t *testing.T) {
			chunks := Split(text, tc.maxLen, tc.overlap)
			require.NotEmpty(t, chunks)

			prevStart, prevEnd := -1, 0
			for i, c := range chunks {
				assert.NotEmpty(t, c)
				assert.LessOrEqual(t, utf8.RuneCountInString(c), tc.maxLen, "chunk %d too long", i)

				idx := strings.Index(text[prevStart+1:], c)
				require.GreaterOrEqual(t, idx, 0, "chunk %d not found in order", i)
				start := prevStart + 1 + idx
				if i > 0 {
					// at most the single separating space may be skipped
					assert.LessOrEqual(t, start, prevEnd+1, "gap before chunk %d", i)
					assert.LessOrEqual(t, prevEnd-start, tc.overlap, "chunk %d overlaps too much", i)
				} else {
					assert.Equal(t, 0, start)
				}
				prevStart, prevEnd = start, start+len(c)
			}
			assert.Equal(t, len(text), prevEnd)
		})
	}
}

func TestSplit_NoOverlapReassembles(t *testing.T) {
	text := numberedWords(120)
	chunks := Split(text, 40, 0)
	assert.Equal(t, strings.Fields(text), strings.Fields(strings.Join(chunks, " ")))
}

func TestWindows(t *testing.T) {
	assert.Equal(t, []string{""}, Windows("", 2048))

	windows := Windows(numberedWords(1000), 2048)
	require.Greater(t, len(windows), 1)
	for _, w := range windows {
		assert.LessOrEqual(t, utf8.RuneCountInString(w), 2048)
	}
}

func TestPageOverlap(t *testing.T) {
	pages := []string{
		"first page text",
		"one two three four five six seven eight",
		"last page",
	}

	chunks := PageOverlap(pages, 0.25)
	require.Len(t, chunks, 3)
	assert.Equal(t, "first page text one two", chunks[0])
	assert.Equal(t, "one two three four five six seven eight last", chunks[1])
	assert.Equal(t, "last page", chunks[2])
}

func TestPageOverlap_BoundedByFraction(t *testing.T) {
	pages := []string{numberedWords(20), numberedWords(37), numberedWords(9)}
	chunks := PageOverlap(pages, 0.25)

	for i := 0; i < len(pages)-1; i++ {
		added := len(strings.Fields(chunks[i])) - len(strings.Fields(pages[i]))
		next := len(strings.Fields(pages[i+1]))
		assert.LessOrEqual(t, float64(added), 0.25*float64(next)+0.5)
	}
	assert.Equal(t, pages[2], chunks[2])
}

func TestPageOverlap_EmptyPages(t *testing.T) {
	chunks := PageOverlap([]string{"", "alpha beta gamma delta", ""}, 0.5)
	assert.Equal(t, []string{"alpha beta", "alpha beta gamma delta", ""}, chunks)

	assert.Empty(t, PageOverlap(nil, 0.25))
}
