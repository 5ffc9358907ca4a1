package normalize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/cloo-solutions/lectern/internal/domain"
)

// Subprocess owns a long-lived normalizer child process and restarts it
// when it dies. One process serves every caller.
type Subprocess struct {
	name string
	args []string

	mu   sync.Mutex
	cmd  *exec.Cmd
	conn *Conn

	timeout time.Duration
	logger  *slog.Logger
}

// NewSubprocess parses a command line such as "python3 normalize.py".
// The process is started lazily on the first call.
func NewSubprocess(commandLine string, logger *slog.Logger) (*Subprocess, error) {
	fields := strings.Fields(commandLine)
	if len(fields) == 0 {
		return nil, errors.New("normalizer command is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Subprocess{name: fields[0], args: fields[1:], logger: logger}, nil
}

// SetTimeout bounds every Normalize call; see Conn.SetTimeout.
func (s *Subprocess) SetTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeout = d
	if s.conn != nil {
		s.conn.SetTimeout(d)
	}
}

// Normalize forwards the batch to the child process.
func (s *Subprocess) Normalize(ctx context.Context, texts []string) ([]string, error) {
	conn, err := s.connection()
	if err != nil {
		return nil, providerErr(domain.ProviderErrServer, err)
	}
	return conn.Normalize(ctx, texts)
}

func (s *Subprocess) connection() (*Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil && s.conn.Alive() {
		return s.conn, nil
	}
	if s.cmd != nil {
		s.reap()
	}

	cmd := exec.Command(s.name, s.args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("normalizer stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("normalizer stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start normalizer: %w", err)
	}

	s.logger.Info("normalizer process started", "pid", cmd.Process.Pid, "command", s.name)
	s.cmd = cmd
	s.conn = NewConn(stdout, stdin, s.logger)
	s.conn.SetTimeout(s.timeout)
	return s.conn, nil
}

func (s *Subprocess) reap() {
	cmd := s.cmd
	s.cmd = nil
	s.conn = nil
	go func() {
		if err := cmd.Wait(); err != nil {
			s.logger.Warn("normalizer process exited", "error", err)
		}
	}()
}

// Close stops the child process, giving it a moment to exit on EOF.
func (s *Subprocess) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil {
		return nil
	}
	_ = s.conn.Close()

	exited := make(chan error, 1)
	cmd := s.cmd
	go func() { exited <- cmd.Wait() }()
	s.cmd = nil
	s.conn = nil

	select {
	case <-exited:
		return nil
	case <-time.After(3 * time.Second):
		return cmd.Process.Kill()
	}
}
