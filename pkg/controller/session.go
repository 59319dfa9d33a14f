/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: session.go
Description: A session owns one simulation host: the process, the protocol controller and
the read-only mappings of the shared coverage and comparison regions. Every exchange with the
host runs under a wall-clock guard; a host that does not answer in time is killed.
*/

package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kleascm/simfuzz/pkg/interfaces"
	"github.com/kleascm/simfuzz/pkg/protocol"
	"github.com/kleascm/simfuzz/pkg/shm"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	// DefaultStartTimeout bounds host startup and initialization
	DefaultStartTimeout = 30 * time.Second
	exitGrace           = 5 * time.Second
)

// Config describes how to launch a host process
type Config struct {
	HostPath     string
	HostArgs     []string
	HostEnv      []string
	LogLevel     string
	Stdout       io.Writer
	Stderr       io.Writer
	StartTimeout time.Duration
}

// Option customizes a session
type Option func(*Session)

// WithKillHook runs fn when the session is killed. In-process hosts use it to unblock.
func WithKillHook(fn func()) Option {
	return func(s *Session) {
		s.onKill = fn
	}
}

// Session is one live host
type Session struct {
	ID string

	ctrl      *Controller
	transport protocol.Transport
	logger    logrus.FieldLogger
	out       protocol.OutputConfig
	coverage  *shm.Reader
	cmplog    *shm.Reader

	cmd     *exec.Cmd
	exited  chan struct{}
	logPipe io.Closer
	onKill  func()

	mu     sync.Mutex
	dead   bool
	closed bool
}

// Start launches the host binary, completes the bootstrap rendezvous and initializes it
func Start(ctx context.Context, cfg Config, input protocol.InputConfig, logger *logrus.Logger) (*Session, error) {
	if cfg.HostPath == "" {
		return nil, errors.New("no host binary configured")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	timeout := cfg.StartTimeout
	if timeout <= 0 {
		timeout = DefaultStartTimeout
	}
	id := uuid.New().String()
	log := logger.WithField("session", id)

	ln, err := protocol.Listen()
	if err != nil {
		return nil, err
	}

	level := cfg.LogLevel
	if level == "" {
		level = logger.GetLevel().String()
	}
	cmd := exec.Command(cfg.HostPath, cfg.HostArgs...)
	cmd.Env = append(append(os.Environ(), cfg.HostEnv...), ln.Env(level)...)

	var pipe *io.PipeWriter
	if cfg.Stdout == nil || cfg.Stderr == nil {
		pipe = log.WriterLevel(logrus.DebugLevel)
	}
	cmd.Stdout = cfg.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = pipe
	}
	cmd.Stderr = cfg.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = pipe
	}

	if err := cmd.Start(); err != nil {
		ln.Close()
		if pipe != nil {
			pipe.Close()
		}
		return nil, fmt.Errorf("failed to start host %s: %w", cfg.HostPath, err)
	}
	exited := make(chan struct{})
	go func() {
		if err := cmd.Wait(); err != nil {
			log.WithError(err).Debug("Host process exited")
		}
		close(exited)
	}()

	acceptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	go func() {
		select {
		case <-exited:
			cancel()
		case <-acceptCtx.Done():
		}
	}()

	conn, err := ln.Accept(acceptCtx)
	if err != nil {
		cmd.Process.Kill()
		<-exited
		if pipe != nil {
			pipe.Close()
		}
		return nil, fmt.Errorf("host %s did not connect: %w", cfg.HostPath, err)
	}

	s := newSession(id, conn, log)
	s.cmd = cmd
	s.exited = exited
	if pipe != nil {
		s.logPipe = pipe
	}
	if err := s.initialize(ctx, input, timeout); err != nil {
		s.Close()
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"host": cfg.HostPath,
		"pid":  cmd.Process.Pid,
	}).Info("Session started")
	return s, nil
}

// Attach initializes a host that is already connected over t
func Attach(ctx context.Context, t protocol.Transport, input protocol.InputConfig, logger *logrus.Logger, opts ...Option) (*Session, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	id := uuid.New().String()
	s := newSession(id, t, logger.WithField("session", id))
	for _, opt := range opts {
		opt(s)
	}
	if err := s.initialize(ctx, input, DefaultStartTimeout); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func newSession(id string, t protocol.Transport, logger logrus.FieldLogger) *Session {
	return &Session{
		ID:        id,
		ctrl:      New(t, logger),
		transport: t,
		logger:    logger,
	}
}

func (s *Session) initialize(ctx context.Context, input protocol.InputConfig, timeout time.Duration) error {
	err := s.guard(ctx, timeout, func() error {
		out, err := s.ctrl.Initialize(input)
		s.out = out
		return err
	})
	if err != nil {
		return err
	}
	defer s.closeDescriptors()

	s.coverage, err = shm.OpenReader(s.out.Coverage.FD, s.out.Coverage.Size)
	if err != nil {
		return fmt.Errorf("%w: coverage map: %w", ErrResource, err)
	}
	if s.out.CmpLog != nil {
		s.cmplog, err = shm.OpenReader(s.out.CmpLog.FD, s.out.CmpLog.Size)
		if err != nil {
			return fmt.Errorf("%w: cmplog map: %w", ErrResource, err)
		}
	}
	return nil
}

// closeDescriptors drops the received descriptors once the regions are mapped
func (s *Session) closeDescriptors() {
	if s.out.Coverage.FD > 0 {
		unix.Close(s.out.Coverage.FD)
		s.out.Coverage.FD = -1
	}
	if s.out.CmpLog != nil && s.out.CmpLog.FD > 0 {
		unix.Close(s.out.CmpLog.FD)
		s.out.CmpLog.FD = -1
	}
}

// guard runs fn and kills the session if it does not return within d or ctx ends
func (s *Session) guard(ctx context.Context, d time.Duration, fn func() error) error {
	if !s.Alive() {
		return fmt.Errorf("session %s: %w", s.ID, protocol.ErrChannelClosed)
	}
	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	var expired <-chan time.Time
	if d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case err := <-done:
		return err
	case <-expired:
		s.logger.WithField("limit", d.String()).Warn("Host did not answer, killing session")
		s.kill()
		<-done
		return fmt.Errorf("%w: no answer within %s", ErrStuckExecutor, d)
	case <-ctx.Done():
		s.kill()
		<-done
		return ctx.Err()
	}
}

// ResetTimeout restores the host under a wall-clock limit
func (s *Session) ResetTimeout(ctx context.Context, d time.Duration) error {
	return s.guard(ctx, d, s.ctrl.Reset)
}

// RunTimeout runs one input under a wall-clock limit. The host must be Ready.
func (s *Session) RunTimeout(ctx context.Context, input []byte, d time.Duration) (interfaces.StopReason, error) {
	var reason interfaces.StopReason
	err := s.guard(ctx, d, func() error {
		r, err := s.ctrl.Run(input)
		reason = r
		return err
	})
	return reason, err
}

// kill tears the host down without the exit handshake
func (s *Session) kill() {
	s.mu.Lock()
	if s.dead {
		s.mu.Unlock()
		return
	}
	s.dead = true
	s.mu.Unlock()

	s.transport.Close()
	if s.cmd != nil && s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	if s.onKill != nil {
		s.onKill()
	}
}

// Alive reports whether the session can still be used
func (s *Session) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.dead
}

// Controller exposes the protocol client
func (s *Session) Controller() *Controller {
	return s.ctrl
}

// Output returns the host's initialization reply
func (s *Session) Output() protocol.OutputConfig {
	return s.out
}

// Coverage returns the read-only coverage map
func (s *Session) Coverage() *shm.Reader {
	return s.coverage
}

// CmpLog returns the read-only comparison log, or nil when cmplog is disabled
func (s *Session) CmpLog() *shm.Reader {
	return s.cmplog
}

// Close sends Exit, waits briefly for the host and releases the mappings. Safe to call more
// than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	dead := s.dead
	s.dead = true
	s.mu.Unlock()

	var err error
	if !dead {
		err = s.ctrl.Exit()
	} else {
		s.transport.Close()
	}

	if s.cmd != nil {
		select {
		case <-s.exited:
		case <-time.After(exitGrace):
			s.logger.Warn("Host ignored exit, killing it")
			s.cmd.Process.Kill()
			<-s.exited
		}
	}
	if s.logPipe != nil {
		s.logPipe.Close()
	}
	if s.coverage != nil {
		s.coverage.Close()
	}
	if s.cmplog != nil {
		s.cmplog.Close()
	}
	s.logger.WithField("runs", s.ctrl.Runs()).Debug("Session closed")
	return err
}
