// Package normalize prepares text for embedding. Normalized text is only used
// to compute vectors; stored chunk text keeps its original form.
package normalize

import (
	"context"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Local normalizes in-process: NFKC folding, lower case, punctuation removed,
// whitespace collapsed and common English stop words dropped.
type Local struct {
	stopWords map[string]struct{}
}

func NewLocal() *Local {
	stop := make(map[string]struct{}, len(englishStopWords))
	for _, w := range englishStopWords {
		stop[w] = struct{}{}
	}
	return &Local{stopWords: stop}
}

// Normalize never fails; it returns one output per input in order.
func (l *Local) Normalize(ctx context.Context, texts []string) ([]string, error) {
	out := make([]string, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = l.normalizeOne(t)
	}
	return out, nil
}

func (l *Local) normalizeOne(text string) string {
	folded := strings.ToLower(norm.NFKC.String(text))
	words := strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})

	kept := words[:0]
	for _, w := range words {
		if _, stop := l.stopWords[w]; stop {
			continue
		}
		kept = append(kept, w)
	}
	if len(kept) == 0 {
		// a chunk of only stop words still needs something to embed
		return strings.Join(words, " ")
	}
	return strings.Join(kept, " ")
}

var englishStopWords = []string{
	"a", "an", "and", "are", "as", "at", "be", "but", "by", "for", "if", "in",
	"into", "is", "it", "its", "of", "on", "or", "such", "that", "the", "their",
	"then", "there", "these", "they", "this", "to", "was", "will", "with",
}
