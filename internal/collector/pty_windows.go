//go:build windows

package collector

import (
	"errors"
	"os"
	"os/exec"
)

func startPTY(*exec.Cmd) (*os.File, error) {
	return nil, errors.New("pty launches are not supported on windows")
}

func isPTYClosed(error) bool { return false }
