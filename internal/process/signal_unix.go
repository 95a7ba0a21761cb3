//go:build !windows

package process

import (
	"errors"
	"syscall"
)

const (
	// SignalTerm asks a process to shut down.
	SignalTerm = syscall.SIGTERM
	// SignalKill cannot be caught.
	SignalKill = syscall.SIGKILL
)

// sendSignal delivers sig to pid. A pid the kernel no longer knows yields
// ErrGone; permission errors are returned as is.
func sendSignal(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return ErrGone
	}
	err := syscall.Kill(pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return ErrGone
	}
	return err
}
