package normalize

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cloo-solutions/lectern/internal/domain"
)

// maxLine bounds a single response line from the child process.
const maxLine = 64 << 20

// DefaultTimeout bounds one Normalize call when no timeout is set.
const DefaultTimeout = 60 * time.Second

// ErrProcessExited is returned for calls pending or issued after the child
// process stopped answering.
var ErrProcessExited = errors.New("normalizer process exited")

type request struct {
	ID    string   `json:"id"`
	Texts []string `json:"texts"`
}

type response struct {
	ID    string   `json:"id"`
	Texts []string `json:"texts"`
	Error string   `json:"error,omitempty"`
}

// Conn speaks line-delimited JSON with a normalizer over a pair of streams.
// Requests carry an id; responses may arrive in any order and are routed
// back to the waiting caller by id. Conn is safe for concurrent use.
type Conn struct {
	w       io.WriteCloser
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan response
	err     error
	done    chan struct{}

	timeout time.Duration
	logger  *slog.Logger
}

// NewConn starts reading responses from r. Requests are written to w.
func NewConn(r io.Reader, w io.WriteCloser, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Conn{
		w:       w,
		pending: make(map[string]chan response),
		done:    make(chan struct{}),
		timeout: DefaultTimeout,
		logger:  logger,
	}
	go c.readLoop(r)
	return c
}

// SetTimeout bounds how long one Normalize call waits for its response.
// Non-positive values restore DefaultTimeout.
func (c *Conn) SetTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultTimeout
	}
	c.mu.Lock()
	c.timeout = d
	c.mu.Unlock()
}

func (c *Conn) readLoop(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	for sc.Scan() {
		var resp response
		if err := json.Unmarshal(sc.Bytes(), &resp); err != nil {
			c.logger.Warn("normalizer sent malformed response", "error", err)
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		if !ok {
			c.logger.Warn("normalizer response for unknown request", "id", resp.ID)
			continue
		}
		ch <- resp
	}

	err := sc.Err()
	if err == nil {
		err = io.EOF
	}
	c.fail(fmt.Errorf("%w: %v", ErrProcessExited, err))
}

func (c *Conn) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	c.err = err
	c.pending = make(map[string]chan response)
	close(c.done)
}

// Alive reports whether the connection can still serve requests.
func (c *Conn) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err == nil
}

// Normalize sends one batch and waits for its response. The output has the
// same length and order as texts.
func (c *Conn) Normalize(ctx context.Context, texts []string) ([]string, error) {
	if len(texts) == 0 {
		return []string{}, nil
	}

	id := uuid.NewString()
	ch := make(chan response, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, providerErr(domain.ProviderErrNetwork, err)
	}
	c.pending[id] = ch
	timeout := c.timeout
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	line, err := json.Marshal(request{ID: id, Texts: texts})
	if err != nil {
		c.forget(id)
		return nil, providerErr(domain.ProviderErrBadRequest, err)
	}
	line = append(line, '\n')

	c.writeMu.Lock()
	_, err = c.w.Write(line)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		c.fail(fmt.Errorf("%w: %v", ErrProcessExited, err))
		return nil, providerErr(domain.ProviderErrNetwork, err)
	}

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return nil, providerErr(domain.ProviderErrServer, errors.New(resp.Error))
		}
		if len(resp.Texts) != len(texts) {
			return nil, providerErr(domain.ProviderErrServer,
				fmt.Errorf("normalizer returned %d texts for %d inputs", len(resp.Texts), len(texts)))
		}
		return resp.Texts, nil
	case <-ctx.Done():
		c.forget(id)
		kind := domain.ProviderErrBadRequest
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			kind = domain.ProviderErrTimeout
		}
		return nil, providerErr(kind, ctx.Err())
	case <-c.done:
		c.mu.Lock()
		err := c.err
		c.mu.Unlock()
		return nil, providerErr(domain.ProviderErrNetwork, err)
	}
}

func (c *Conn) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Close closes the request stream; the child is expected to exit on EOF.
func (c *Conn) Close() error {
	return c.w.Close()
}

func providerErr(kind domain.ProviderErrorKind, err error) error {
	return &domain.ProviderError{Provider: "normalizer", Op: "normalize", Kind: kind, Err: err}
}
