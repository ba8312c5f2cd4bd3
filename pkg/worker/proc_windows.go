//go:build windows

package worker

import (
	"os"
	"syscall"

	"golang.org/x/sys/windows"
)

func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{CreationFlags: windows.CREATE_NEW_PROCESS_GROUP}
}

// Windows has no SIGTERM; both steps kill the process.
func signalTerm(p *os.Process) error { return p.Kill() }

func signalKill(p *os.Process) error { return p.Kill() }
