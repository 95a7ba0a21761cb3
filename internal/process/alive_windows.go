//go:build windows

package process

// Alive reports whether pid names a process that has not exited.
func Alive(pid int) bool {
	return pid > 0 && running(pid)
}
