package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"syscall"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// ErrGone is returned by signal delivery when the target no longer exists.
var ErrGone = errors.New("process: no such process")

// KillResult summarises a KillTree call.
type KillResult int

const (
	KillSuccess KillResult = iota
	KillNotFound
	KillError
)

func (r KillResult) String() string {
	switch r {
	case KillSuccess:
		return "success"
	case KillNotFound:
		return "not_found"
	case KillError:
		return "error"
	default:
		return "unknown"
	}
}

func (r KillResult) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// ChildLister returns the direct children of pid. An empty result with a
// nil error means pid has no children (or is gone).
type ChildLister func(ctx context.Context, pid int) ([]int, error)

// Killer discovers and signals process trees. The zero value uses the
// platform defaults.
type Killer struct {
	Children ChildLister
	Signal   func(pid int, sig syscall.Signal) error
	Alive    func(pid int) bool
	Logger   *slog.Logger
}

var defaultKiller Killer

// KillTree signals rootPID and all of its descendants with sig using the
// platform defaults.
func KillTree(ctx context.Context, rootPID int, sig syscall.Signal) (KillResult, error) {
	return defaultKiller.KillTree(ctx, rootPID, sig)
}

// Descendants returns rootPID followed by its descendants in breadth-first
// discovery order.
func Descendants(ctx context.Context, rootPID int) ([]int, error) {
	return defaultKiller.Descendants(ctx, rootPID)
}

func (k Killer) children() ChildLister {
	if k.Children != nil {
		return k.Children
	}
	return DefaultChildren
}

func (k Killer) signal(pid int, sig syscall.Signal) error {
	if k.Signal != nil {
		return k.Signal(pid, sig)
	}
	return sendSignal(pid, sig)
}

func (k Killer) alive(pid int) bool {
	if k.Alive != nil {
		return k.Alive(pid)
	}
	return Alive(pid)
}

func (k Killer) logger() *slog.Logger {
	if k.Logger != nil {
		return k.Logger
	}
	return slog.Default()
}

// Descendants expands breadth-first from rootPID. On a discovery error the
// pids found so far are returned together with the error.
func (k Killer) Descendants(ctx context.Context, rootPID int) ([]int, error) {
	order := []int{rootPID}
	seen := map[int]bool{rootPID: true}
	list := k.children()
	for i := 0; i < len(order); i++ {
		if err := ctx.Err(); err != nil {
			return order, err
		}
		kids, err := list(ctx, order[i])
		if err != nil {
			return order, fmt.Errorf("list children of %d: %w", order[i], err)
		}
		for _, c := range kids {
			if c <= 0 || seen[c] {
				continue
			}
			seen[c] = true
			order = append(order, c)
		}
	}
	return order, nil
}

// KillTree discovers the tree under rootPID and signals it leaves first,
// root last, so no child is orphaned and re-parented before it is reached.
// Pids that vanish in between are not errors.
func (k Killer) KillTree(ctx context.Context, rootPID int, sig syscall.Signal) (KillResult, error) {
	if rootPID <= 0 || !k.alive(rootPID) {
		return KillNotFound, nil
	}
	pids, err := k.Descendants(ctx, rootPID)
	if err != nil {
		// A partial tree is still worth signalling.
		k.logger().Warn("process tree discovery incomplete", "pid", rootPID, "found", len(pids), "error", err)
	}
	var (
		errs     []error
		signaled int
		rootGone bool
	)
	for _, pid := range slices.Backward(pids) {
		err := k.signal(pid, sig)
		switch {
		case err == nil:
			signaled++
		case errors.Is(err, ErrGone):
			if pid == rootPID {
				rootGone = true
			}
		default:
			errs = append(errs, fmt.Errorf("signal %d: %w", pid, err))
		}
	}
	if len(errs) > 0 {
		return KillError, errors.Join(errs...)
	}
	if signaled == 0 && rootGone {
		return KillNotFound, nil
	}
	return KillSuccess, nil
}

// DefaultChildren lists children through gopsutil and falls back to the
// platform's listing utility when gopsutil cannot enumerate.
func DefaultChildren(ctx context.Context, pid int) ([]int, error) {
	kids, err := gopsutilChildren(ctx, pid)
	if err == nil {
		return kids, nil
	}
	fallback, ferr := listChildrenFallback(ctx, pid)
	if ferr != nil {
		return nil, errors.Join(err, ferr)
	}
	return fallback, nil
}

func gopsutilChildren(ctx context.Context, pid int) ([]int, error) {
	p, err := gopsproc.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		if errors.Is(err, gopsproc.ErrorProcessNotRunning) {
			return nil, nil
		}
		return nil, err
	}
	kids, err := p.ChildrenWithContext(ctx)
	if err != nil {
		if errors.Is(err, gopsproc.ErrorNoChildren) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]int, 0, len(kids))
	for _, c := range kids {
		out = append(out, int(c.Pid))
	}
	return out, nil
}

// WaitGone polls until pid is no longer alive or timeout elapses. It
// reports whether the process is gone.
func WaitGone(ctx context.Context, pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	t := time.NewTicker(50 * time.Millisecond)
	defer t.Stop()
	for {
		if !Alive(pid) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return !Alive(pid)
		case <-t.C:
		}
	}
}
