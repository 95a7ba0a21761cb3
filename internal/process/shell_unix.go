//go:build !windows

package process

import (
	"context"
	"os/exec"
)

// ShellCommand runs script through /bin/sh so pipes, redirects and
// environment expansion behave as typed on a terminal.
func ShellCommand(ctx context.Context, script string) *exec.Cmd {
	// #nosec G204
	return exec.CommandContext(ctx, "/bin/sh", "-c", script)
}
