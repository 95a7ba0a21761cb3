//go:build !windows

package collector

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
)

// startPTY starts cmd with a new pseudo-terminal as its controlling
// terminal and returns the master side.
func startPTY(cmd *exec.Cmd) (*os.File, error) {
	return pty.Start(cmd)
}

// isPTYClosed reports the EIO a master read returns once the slave side
// has no more holders.
func isPTYClosed(err error) bool { return errors.Is(err, syscall.EIO) }
