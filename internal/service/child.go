package service

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"sync"
	"time"
)

// Child is a launched process. It is created by Launcher.Launch and its
// exit code is recorded by the Joiner.
type Child struct {
	Name    string
	Command []string

	mx       sync.RWMutex
	cmd      *exec.Cmd
	handle   *os.Process
	pid      int
	started  time.Time
	stopped  time.Time
	exitCode *int
	err      error

	// closes the output pipes once the process is gone
	closeOutput func()
}

// ChildState is a point in time copy of a Child.
type ChildState struct {
	Name     string    `json:"name"`
	Command  []string  `json:"command"`
	PID      int       `json:"pid"`
	Running  bool      `json:"running"`
	ExitCode *int      `json:"exit_code,omitempty"`
	Started  time.Time `json:"started"`
	Stopped  time.Time `json:"stopped,omitzero"`
	Err      string    `json:"error,omitempty"`
}

func (c *Child) State() ChildState {
	c.mx.RLock()
	defer c.mx.RUnlock()
	s := ChildState{
		Name:    c.Name,
		Command: c.Command,
		PID:     c.pid,
		Running: c.exitCode == nil,
		Started: c.started,
		Stopped: c.stopped,
	}
	if c.exitCode != nil {
		code := *c.exitCode
		s.ExitCode = &code
	}
	if c.err != nil {
		s.Err = c.err.Error()
	}
	return s
}

// Handle returns the process handle, nil once the child was joined.
func (c *Child) Handle() *os.Process {
	c.mx.RLock()
	defer c.mx.RUnlock()
	return c.handle
}

// ExitCode returns the recorded exit code, ok is false while running.
func (c *Child) ExitCode() (code int, ok bool) {
	c.mx.RLock()
	defer c.mx.RUnlock()
	if c.exitCode == nil {
		return 0, false
	}
	return *c.exitCode, true
}

// wait blocks until the process exits and records its status
// the process handle is released afterwards
func (c *Child) wait(ctx context.Context) *Child {
	c.mx.RLock()
	cmd := c.cmd
	c.mx.RUnlock()
	if cmd == nil {
		return c
	}

	err := cmd.Wait()
	if c.closeOutput != nil {
		c.closeOutput()
	}
	stopped := time.Now().UTC()
	code := exitCode(cmd.ProcessState)

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		err = nil
	}

	c.mx.Lock()
	c.stopped = stopped
	c.exitCode = &code
	c.err = err
	c.cmd = nil
	c.handle = nil
	c.mx.Unlock()

	attrs := []any{
		"child", c.Name,
		"pid", c.pid,
		"exit_code", code,
		"uptime", stopped.Sub(c.started).String(),
	}
	switch {
	case err != nil:
		slog.ErrorContext(ctx, "child wait failed", append(attrs, "error", err)...)
	case code != 0:
		slog.WarnContext(ctx, "child exited", attrs...)
	default:
		slog.InfoContext(ctx, "child exited", attrs...)
	}
	return c
}

func (c *Child) signal(ctx context.Context, kill bool) {
	c.mx.RLock()
	handle := c.handle
	running := c.exitCode == nil
	c.mx.RUnlock()
	if handle == nil || !running {
		return
	}

	var err error
	if kill {
		slog.WarnContext(ctx, "killing child", "child", c.Name, "pid", handle.Pid)
		err = killProcess(handle)
	} else {
		slog.InfoContext(ctx, "terminating child", "child", c.Name, "pid", handle.Pid)
		err = terminateProcess(handle)
	}
	if err != nil && !errors.Is(err, os.ErrProcessDone) {
		slog.WarnContext(ctx, "signalling child failed", "child", c.Name, "error", err)
	}
}

// Set is the ordered collection of children owned by one Supervisor.
// Children are only added, never removed.
type Set struct {
	mx       sync.RWMutex
	children []*Child
}

func NewSet() *Set {
	return &Set{}
}

func (s *Set) Add(c *Child) {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.children = append(s.children, c)
}

func (s *Set) Len() int {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return len(s.children)
}

// Children returns children in launch order.
func (s *Set) Children() []*Child {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return slices.Clone(s.children)
}

// Snapshot returns a state of all children in launch order.
func (s *Set) Snapshot() []ChildState {
	children := s.Children()
	ret := make([]ChildState, 0, len(children))
	for _, c := range children {
		ret = append(ret, c.State())
	}
	return ret
}

// Terminate asks every running child to stop.
func (s *Set) Terminate(ctx context.Context) {
	for _, c := range s.Children() {
		c.signal(ctx, false)
	}
}

// Kill forcibly stops every running child.
func (s *Set) Kill(ctx context.Context) {
	for _, c := range s.Children() {
		c.signal(ctx, true)
	}
}
