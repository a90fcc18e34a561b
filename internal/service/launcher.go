package service

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/CZERTAINLY/supervisor/internal/model"
)

var ErrEmptyCommand = errors.New("empty command")

// Launcher starts child processes. Children inherit the standard output and
// error of the supervisor, unless prefixing is requested; then each line is
// written as "name | line".
type Launcher struct {
	mx     sync.Mutex // serializes prefixed lines of all children
	stdout io.Writer
	stderr io.Writer
	prefix bool
}

func NewLauncher(stdout, stderr io.Writer, prefix bool) *Launcher {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	return &Launcher{
		stdout: stdout,
		stderr: stderr,
		prefix: prefix,
	}
}

// Launch starts the child described by spec. It does NOT wait for the child,
// the Joiner does. Returns *model.LaunchError if the executable can't be
// found or started.
func (l *Launcher) Launch(ctx context.Context, spec model.ChildCfg) (*Child, error) {
	if len(spec.Command) == 0 || spec.Command[0] == "" {
		return nil, &model.LaunchError{Name: spec.Name, Command: spec.Command, Err: ErrEmptyCommand}
	}

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = environ(spec.Env)
	setSysProcAttr(cmd)
	closeOutput := l.output(ctx, cmd, spec.Name)

	started := time.Now().UTC()
	if err := cmd.Start(); err != nil {
		closeOutput()
		return nil, &model.LaunchError{Name: spec.Name, Command: spec.Command, Err: err}
	}

	child := &Child{
		Name:        spec.Name,
		Command:     slices.Clone(spec.Command),
		cmd:         cmd,
		handle:      cmd.Process,
		pid:         cmd.Process.Pid,
		started:     started,
		closeOutput: closeOutput,
	}
	slog.InfoContext(ctx, "child started",
		"child", child.Name,
		"pid", child.pid,
		"command", strings.Join(child.Command, " "))
	return child, nil
}

// output wires stdout and stderr of cmd and returns a function releasing
// them once the process exited
func (l *Launcher) output(ctx context.Context, cmd *exec.Cmd, name string) func() {
	if !l.prefix {
		cmd.Stdout = l.stdout
		cmd.Stderr = l.stderr
		return func() {}
	}

	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	cmd.Stdout = outW
	cmd.Stderr = errW
	// grandchildren may keep the pipes open
	cmd.WaitDelay = time.Second

	var wg sync.WaitGroup
	wg.Go(func() { l.processLines(ctx, outR, l.stdout, name) })
	wg.Go(func() { l.processLines(ctx, errR, l.stderr, name) })
	return func() {
		_ = outW.Close()
		_ = errW.Close()
		wg.Wait()
	}
}

func (l *Launcher) processLines(ctx context.Context, r io.Reader, w io.Writer, name string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		l.mx.Lock()
		_, _ = fmt.Fprintf(w, "%s | %s\n", name, scanner.Text())
		l.mx.Unlock()
	}
	err := scanner.Err()
	if err != nil && !errors.Is(err, io.EOF) {
		slog.ErrorContext(ctx, "processing child output", "child", name, "error", err)
		// never block the child on a full pipe
		_, _ = io.Copy(io.Discard, r)
	}
}

// environ returns nil, so the child inherits the environment, or
// the supervisor's environment extended by extra
func environ(extra map[string]string) []string {
	if len(extra) == 0 {
		return nil
	}
	env := os.Environ()
	for _, k := range slices.Sorted(maps.Keys(extra)) {
		v := extra[k]
		if strings.HasPrefix(v, "$") {
			v = os.ExpandEnv(v)
		}
		env = append(env, k+"="+v)
	}
	return env
}
