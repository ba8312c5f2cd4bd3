//go:build unix

package worker

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// Put the worker in its own process group, so that it does not receive
// signals meant for the controller's group, and so that signals sent by
// Terminate reach anything it started.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

func signalTerm(p *os.Process) error { return unix.Kill(-p.Pid, unix.SIGTERM) }

func signalKill(p *os.Process) error { return unix.Kill(-p.Pid, unix.SIGKILL) }
