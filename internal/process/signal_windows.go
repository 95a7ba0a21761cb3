//go:build windows

package process

import (
	"syscall"
)

const (
	SignalTerm = syscall.SIGTERM
	SignalKill = syscall.SIGKILL
)

// stillActive is the exit code GetExitCodeProcess reports for a running process.
const stillActive = 259

// sendSignal terminates pid. Windows has no graceful signal for arbitrary
// processes, so every signal other than 0 means TerminateProcess; signal 0
// only probes.
func sendSignal(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return ErrGone
	}
	if sig == 0 {
		if !running(pid) {
			return ErrGone
		}
		return nil
	}
	h, err := syscall.OpenProcess(syscall.PROCESS_TERMINATE, false, uint32(pid))
	if err != nil {
		// A handle that cannot be opened almost always means the process exited.
		return ErrGone
	}
	defer func() { _ = syscall.CloseHandle(h) }()
	return syscall.TerminateProcess(h, 1)
}

// running reports whether pid has a process that has not exited yet. An
// exited process keeps its handle openable while anyone holds it.
func running(pid int) bool {
	h, err := syscall.OpenProcess(syscall.PROCESS_QUERY_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer func() { _ = syscall.CloseHandle(h) }()
	var code uint32
	if err := syscall.GetExitCodeProcess(h, &code); err != nil {
		return true
	}
	return code == stillActive
}
