package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"github.com/loykin/devpm/internal/process"
)

// Spawner launches a detached collector for a descriptor and returns the
// collector's pid without waiting for it.
type Spawner interface {
	Spawn(ctx context.Context, d Descriptor) (int, error)
}

// ExecSpawner re-executes a binary (normally devpm itself) with the hidden
// collector command.
type ExecSpawner struct {
	// Executable defaults to os.Executable().
	Executable string
	// Args are passed to Executable, e.g. collector --registry <path>.
	Args []string
	// Env is appended to the caller's environment.
	Env    []string
	Logger *slog.Logger
}

// Spawn starts the collector in its own session, writes d to its stdin and
// closes it. The collector is reaped in the background so it never becomes
// a zombie of a long-lived caller.
func (s ExecSpawner) Spawn(_ context.Context, d Descriptor) (int, error) {
	if err := d.Validate(); err != nil {
		return 0, err
	}
	exe := s.Executable
	if exe == "" {
		self, err := os.Executable()
		if err != nil {
			return 0, fmt.Errorf("locate devpm executable: %w", err)
		}
		exe = self
	}
	// Not bound to the caller's context: the collector must outlive it.
	cmd := exec.Command(exe, s.Args...) // #nosec G204
	cmd.Env = append(os.Environ(), s.Env...)
	process.Detach(cmd)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return 0, fmt.Errorf("collector stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return 0, fmt.Errorf("start collector: %w", err)
	}
	pid := cmd.Process.Pid
	go func() { _ = cmd.Wait() }()

	encErr := json.NewEncoder(stdin).Encode(d)
	closeErr := stdin.Close()
	if encErr != nil {
		_ = cmd.Process.Kill()
		return 0, fmt.Errorf("send descriptor: %w", encErr)
	}
	if closeErr != nil {
		return 0, fmt.Errorf("send descriptor: %w", closeErr)
	}
	if s.Logger != nil {
		s.Logger.Debug("collector spawned", "pid", pid, "service", d.CommandName)
	}
	return pid, nil
}
