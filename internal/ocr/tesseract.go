// Package ocr extracts text from page images with tesseract.
package ocr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloo-solutions/lectern/internal/command"
	"github.com/cloo-solutions/lectern/internal/domain"
)

const (
	DefaultLanguage = "eng"
	DefaultTimeout  = 2 * time.Minute
)

var ErrEmptyImage = errors.New("image cannot be empty")

type Config struct {
	Binary string
	// Timeout bounds one tesseract run.
	Timeout time.Duration
}

// Tesseract runs the tesseract CLI, reading the image from stdin.
type Tesseract struct {
	runner command.Runner
	cfg    Config
}

func NewTesseract(runner command.Runner, cfg Config) *Tesseract {
	if runner == nil {
		runner = command.ExecRunner{}
	}
	if cfg.Binary == "" {
		cfg.Binary = "tesseract"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Tesseract{runner: runner, cfg: cfg}
}

// Recognize returns the text found in image.
func (t *Tesseract) Recognize(ctx context.Context, image []byte, language string) (string, error) {
	if len(image) == 0 {
		return "", ErrEmptyImage
	}
	if language == "" {
		language = DefaultLanguage
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	out, err := t.runner.Run(ctx, image, t.cfg.Binary, "stdin", "stdout", "-l", language)
	if err != nil {
		kind := domain.ProviderErrBadRequest
		if errors.Is(err, context.DeadlineExceeded) {
			kind = domain.ProviderErrTimeout
		}
		return "", &domain.ProviderError{Provider: "tesseract", Op: "ocr", Kind: kind, Err: fmt.Errorf("recognize: %w", err)}
	}
	return cleanText(string(out)), nil
}

// cleanText drops form feeds and trailing whitespace tesseract leaves behind.
func cleanText(s string) string {
	s = strings.ReplaceAll(s, "\f", "")
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t\r")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
