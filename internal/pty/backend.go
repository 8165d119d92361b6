// Package pty implements the session backend on top of operating system
// pseudo-terminals.
package pty

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
	"go.uber.org/zap"

	"github.com/TeamTaoist/fterm/internal/fifo"
	"github.com/TeamTaoist/fterm/internal/session"
)

const (
	readBufSize          = 4096
	defaultGraceful      = 3 * time.Second
	termEnv              = "TERM=xterm-256color"
	processExitedMessage = "\r\n[Process exited]\r\n"
)

var (
	// ErrSessionExists is returned by Spawn for an id that is already live.
	ErrSessionExists = errors.New("session already exists")
	// ErrSessionNotFound is returned for ids the backend does not know.
	ErrSessionNotFound = errors.New("session not found")
)

// Options configure a Backend.
type Options struct {
	// Shell is the program started for every session.
	Shell string
	// Dir is the initial working directory. Empty means the user's home.
	Dir string
	// Env is appended to the inherited environment.
	Env []string
	// GracePeriod is how long Kill waits for the shell to exit after hangup
	// before killing it outright.
	GracePeriod time.Duration
	Logger      *zap.Logger
}

// Backend runs one shell per session id on its own pseudo-terminal.
type Backend struct {
	mu       sync.Mutex
	sessions map[string]*ptySession
	// starting holds ids whose shell is being started. The value is set when
	// the id was killed before the start finished.
	starting map[string]bool
	shell    string
	start    func(*exec.Cmd, *pty.Winsize) (*os.File, error)

	dir   string
	env   []string
	grace time.Duration
	log   *zap.Logger
}

type ptySession struct {
	id    string
	cmd   *exec.Cmd
	ptmx  *os.File
	input *inputWriter

	mu      sync.Mutex
	pending []session.Event
	subs    map[int]*fifo.Queue[session.Event]
	nextSub int
	closed  bool

	exited   chan struct{}
	exitCode int
}

// inputWriter serializes writes to the terminal master.
type inputWriter struct {
	mu     sync.Mutex
	writer io.Writer
	closed bool
}

func (w *inputWriter) Write(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("terminal closed")
	}
	_, err := w.writer.Write(data)
	return err
}

func (w *inputWriter) Close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// NewBackend creates a backend with no sessions.
func NewBackend(opts Options) *Backend {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	grace := opts.GracePeriod
	if grace <= 0 {
		grace = defaultGraceful
	}
	shell := opts.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	return &Backend{
		sessions: make(map[string]*ptySession),
		starting: make(map[string]bool),
		shell:    shell,
		start:    pty.StartWithSize,
		dir:      opts.Dir,
		env:      opts.Env,
		grace:    grace,
		log:      logger,
	}
}

// SetShell changes the program used for sessions spawned from now on.
func (b *Backend) SetShell(shell string) {
	if shell == "" {
		return
	}
	b.mu.Lock()
	b.shell = shell
	b.mu.Unlock()
}

// Shell returns the program used for new sessions.
func (b *Backend) Shell() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.shell
}

// Spawn starts the shell for id on a new pseudo-terminal of the given size.
func (b *Backend) Spawn(ctx context.Context, id string, size session.Size) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !size.Valid() {
		size = session.DefaultSize
	}

	b.mu.Lock()
	_, live := b.sessions[id]
	_, pending := b.starting[id]
	if live || pending {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	b.starting[id] = false
	shell := b.shell
	b.mu.Unlock()

	cmd := exec.Command(shell)
	cmd.Dir = b.workDir()
	cmd.Env = append(os.Environ(), termEnv)
	cmd.Env = append(cmd.Env, b.env...)

	ptmx, err := b.start(cmd, &pty.Winsize{Rows: size.Rows, Cols: size.Cols})
	if err != nil {
		b.mu.Lock()
		delete(b.starting, id)
		b.mu.Unlock()
		return fmt.Errorf("start %s: %w", shell, err)
	}

	s := &ptySession{
		id:     id,
		cmd:    cmd,
		ptmx:   ptmx,
		input:  &inputWriter{writer: ptmx},
		subs:   make(map[int]*fifo.Queue[session.Event]),
		exited: make(chan struct{}),
	}

	b.mu.Lock()
	killed := b.starting[id]
	delete(b.starting, id)
	if !killed {
		b.sessions[id] = s
	}
	b.mu.Unlock()

	go b.waitForExit(s)
	go b.readOutput(s)

	if killed {
		b.log.Info("pty session killed while starting", zap.String("tab", id))
		b.terminate(s)
		return fmt.Errorf("%w: %s killed while starting", ErrSessionNotFound, id)
	}

	b.log.Info("pty session started",
		zap.String("tab", id),
		zap.String("shell", shell),
		zap.Int("pid", cmd.Process.Pid),
		zap.Stringer("size", size))
	return nil
}

func (b *Backend) workDir() string {
	if b.dir != "" {
		return b.dir
	}
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	return ""
}

// readOutput streams terminal output to subscribers until the terminal closes.
func (b *Backend) readOutput(s *ptySession) {
	var titles titleParser
	buf := make([]byte, readBufSize)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			s.publish(session.Event{Type: session.EventOutput, Data: chunk})
			for _, title := range titles.Feed(chunk) {
				s.publish(session.Event{Type: session.EventTitle, Title: title})
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				b.log.Debug("pty read ended", zap.String("tab", s.id), zap.Error(err))
			}
			break
		}
	}

	s.publish(session.Event{Type: session.EventOutput, Data: []byte(processExitedMessage)})
	<-s.exited
	s.publish(session.Event{Type: session.EventExit, ExitCode: s.exitCode})
}

func (b *Backend) waitForExit(s *ptySession) {
	err := s.cmd.Wait()

	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	s.exitCode = code
	close(s.exited)
	s.input.Close()

	b.log.Info("pty session exited", zap.String("tab", s.id), zap.Int("code", code))
}

// publish delivers an event to every subscriber. Events produced before the
// first subscriber arrives are retained for it.
func (s *ptySession) publish(ev session.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if len(s.subs) == 0 {
		s.pending = append(s.pending, ev)
		return
	}
	for _, q := range s.subs {
		q.Push(ev)
	}
}

func (s *ptySession) subscribe() *session.Subscription {
	q := fifo.New[session.Event]()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		q.Close()
		return session.NewSubscription(q.Out(), nil)
	}
	for _, ev := range s.pending {
		q.Push(ev)
	}
	s.pending = nil
	key := s.nextSub
	s.nextSub++
	s.subs[key] = q
	s.mu.Unlock()

	return session.NewSubscription(q.Out(), func() {
		s.mu.Lock()
		delete(s.subs, key)
		s.mu.Unlock()
		q.Close()
	})
}

func (s *ptySession) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	subs := s.subs
	s.subs = nil
	s.pending = nil
	s.mu.Unlock()

	for _, q := range subs {
		q.Close()
	}
	s.input.Close()
	s.ptmx.Close()
}

func (b *Backend) get(id string) (*ptySession, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[id]
	return s, ok
}

// Write sends input to the shell. Unknown ids are ignored.
func (b *Backend) Write(ctx context.Context, id string, data []byte) error {
	s, ok := b.get(id)
	if !ok {
		return nil
	}
	return s.input.Write(data)
}

// Resize changes the terminal grid. Unknown ids are ignored.
func (b *Backend) Resize(ctx context.Context, id string, size session.Size) error {
	s, ok := b.get(id)
	if !ok {
		return nil
	}
	if !size.Valid() {
		return fmt.Errorf("invalid size %s", size)
	}
	return pty.Setsize(s.ptmx, &pty.Winsize{Rows: size.Rows, Cols: size.Cols})
}

// Subscribe opens the event stream for id.
func (b *Backend) Subscribe(ctx context.Context, id string) (*session.Subscription, error) {
	s, ok := b.get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s.subscribe(), nil
}

// Kill hangs up the terminal and forgets the session. The shell is killed if
// it is still running after the grace period. Killing an unknown id is a no-op.
func (b *Backend) Kill(ctx context.Context, id string) error {
	b.mu.Lock()
	s, ok := b.sessions[id]
	delete(b.sessions, id)
	if _, pending := b.starting[id]; pending {
		b.starting[id] = true
	}
	b.mu.Unlock()
	if !ok {
		return nil
	}

	b.terminate(s)
	b.log.Info("pty session killed", zap.String("tab", id))
	return nil
}

// terminate hangs up s and kills the shell if it outlives the grace period.
func (b *Backend) terminate(s *ptySession) {
	// Closing the master delivers SIGHUP to the shell.
	s.close()

	go func() {
		select {
		case <-s.exited:
		case <-time.After(b.grace):
			if s.cmd.Process != nil {
				b.log.Warn("shell ignored hangup, killing", zap.String("tab", s.id))
				s.cmd.Process.Kill()
			}
		}
	}()
}

// WorkingDir reports the shell's current directory.
func (b *Backend) WorkingDir(id string) (string, error) {
	s, ok := b.get(id)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return processWorkingDir(s.cmd.Process.Pid)
}

// Len returns the number of live sessions.
func (b *Backend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// Shutdown kills every session and waits for the shells to exit or ctx to end.
func (b *Backend) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	all := make([]*ptySession, 0, len(b.sessions))
	for _, s := range b.sessions {
		all = append(all, s)
	}
	for id := range b.starting {
		b.starting[id] = true
	}
	b.mu.Unlock()

	for _, s := range all {
		b.Kill(ctx, s.id)
	}
	for _, s := range all {
		select {
		case <-s.exited:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
