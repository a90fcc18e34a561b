//go:build unix

package service

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setSysProcAttr puts the child into a new process group, so signals
// reach the whole tree of a child and not the supervisor's terminal group.
func setSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminateProcess(p *os.Process) error {
	return signalGroup(p, unix.SIGTERM)
}

func killProcess(p *os.Process) error {
	return signalGroup(p, unix.SIGKILL)
}

// signalGroup probes the process first, which fails with os.ErrProcessDone
// for an already reaped child, so a recycled pid is never signalled.
func signalGroup(p *os.Process, sig unix.Signal) error {
	if err := p.Signal(syscall.Signal(0)); err != nil {
		return err
	}
	err := unix.Kill(-p.Pid, sig)
	if errors.Is(err, unix.ESRCH) {
		// group leader changed its group, signal it directly
		return p.Signal(sig)
	}
	return err
}

func exitCode(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return state.ExitCode()
}
