//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// Detach starts cmd in a new session (setsid) so it survives the caller's
// exit and terminal hangups.
func Detach(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setsid = true
}
