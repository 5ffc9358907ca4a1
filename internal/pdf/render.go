// Package pdf renders PDF pages to PNG images with poppler-utils.
package pdf

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cloo-solutions/lectern/internal/command"
	"github.com/cloo-solutions/lectern/internal/domain"
)

const (
	DefaultDPI         = 150
	DefaultConcurrency = 4
	DefaultTimeout     = 2 * time.Minute
)

var (
	// ErrNoPages is returned when pdfinfo reports an empty document.
	ErrNoPages = errors.New("pdf has no pages")
	// ErrPageCountMissing is returned when pdfinfo output has no Pages line.
	ErrPageCountMissing = errors.New("pdfinfo output has no page count")
)

type Config struct {
	DPI         int
	Concurrency int
	PdfInfo     string
	PdfToPPM    string
	// Timeout bounds every pdfinfo and pdftoppm run.
	Timeout time.Duration
}

// Renderer turns a PDF into one PNG per page.
type Renderer struct {
	runner command.Runner
	cfg    Config
}

func NewRenderer(runner command.Runner, cfg Config) *Renderer {
	if runner == nil {
		runner = command.ExecRunner{}
	}
	if cfg.DPI <= 0 {
		cfg.DPI = DefaultDPI
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.PdfInfo == "" {
		cfg.PdfInfo = "pdfinfo"
	}
	if cfg.PdfToPPM == "" {
		cfg.PdfToPPM = "pdftoppm"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Renderer{runner: runner, cfg: cfg}
}

// Render returns PNG images in page order.
func (r *Renderer) Render(ctx context.Context, data []byte) ([][]byte, error) {
	dir, err := os.MkdirTemp("", "lectern-render-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create render dir: %w", err)
	}
	defer os.RemoveAll(dir)

	src := filepath.Join(dir, "document.pdf")
	if err := os.WriteFile(src, data, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write pdf: %w", err)
	}

	info, err := r.run(ctx, "pdfinfo", r.cfg.PdfInfo, src)
	if err != nil {
		return nil, err
	}
	pages, err := ParsePageCount(info)
	if err != nil {
		return nil, err
	}

	images := make([][]byte, pages)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for i := 0; i < pages; i++ {
		page := i + 1
		g.Go(func() error {
			img, err := r.renderPage(gctx, src, dir, page)
			if err != nil {
				return fmt.Errorf("page %d: %w", page, err)
			}
			images[page-1] = img
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return images, nil
}

func (r *Renderer) renderPage(ctx context.Context, src, dir string, page int) ([]byte, error) {
	prefix := filepath.Join(dir, "page-"+strconv.Itoa(page))
	n := strconv.Itoa(page)
	args := []string{"-png", "-r", strconv.Itoa(r.cfg.DPI), "-f", n, "-l", n, "-singlefile", src, prefix}
	if _, err := r.run(ctx, "render", r.cfg.PdfToPPM, args...); err != nil {
		return nil, err
	}
	img, err := os.ReadFile(prefix + ".png")
	if err != nil {
		return nil, fmt.Errorf("rendered image missing: %w", err)
	}
	return img, nil
}

// run executes one poppler tool under the configured timeout.
func (r *Renderer) run(ctx context.Context, op, name string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	out, err := r.runner.Run(ctx, nil, name, args...)
	if err != nil {
		kind := domain.ProviderErrBadRequest
		if errors.Is(err, context.DeadlineExceeded) {
			kind = domain.ProviderErrTimeout
		}
		return nil, &domain.ProviderError{Provider: "poppler", Op: op, Kind: kind, Err: fmt.Errorf("%s: %w", name, err)}
	}
	return out, nil
}

// ParsePageCount reads the "Pages:" line of pdfinfo output.
func ParsePageCount(info []byte) (int, error) {
	sc := bufio.NewScanner(bytes.NewReader(info))
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), ":")
		if !ok || strings.TrimSpace(key) != "Pages" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return 0, fmt.Errorf("invalid page count %q: %w", value, err)
		}
		if n <= 0 {
			return 0, ErrNoPages
		}
		return n, nil
	}
	return 0, ErrPageCountMissing
}
