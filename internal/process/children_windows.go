//go:build windows

package process

import (
	"context"
	"errors"
)

// listChildrenFallback has no utility to shell out to on Windows; gopsutil
// is the only enumeration source there.
func listChildrenFallback(ctx context.Context, pid int) ([]int, error) {
	return nil, errors.New("no child process listing fallback on windows")
}
