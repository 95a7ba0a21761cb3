package registry

import (
	"context"
	"fmt"
	"time"
)

// LastCleanup returns when the retention sweep last ran; the zero time if never.
func (r *DB) LastCleanup(ctx context.Context) (time.Time, error) {
	var ms int64
	if err := r.db.QueryRowContext(ctx, `SELECT timestamp FROM last_cleanup WHERE id=1;`).Scan(&ms); err != nil {
		return time.Time{}, fmt.Errorf("last cleanup: %w", err)
	}
	if ms == 0 {
		return time.Time{}, nil
	}
	return fromMillis(ms), nil
}

// ClaimCleanup stamps now as the last cleanup time if the previous stamp
// is at least interval old. Only the caller that gets true should sweep.
func (r *DB) ClaimCleanup(ctx context.Context, now time.Time, interval time.Duration) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE last_cleanup SET timestamp=? WHERE id=1 AND timestamp<=?;`,
		toMillis(now), toMillis(now.Add(-interval)))
	if err != nil {
		return false, fmt.Errorf("claim cleanup: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// StampCleanup unconditionally records now as the last cleanup time.
func (r *DB) StampCleanup(ctx context.Context, now time.Time) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE last_cleanup SET timestamp=? WHERE id=1;`, toMillis(now)); err != nil {
		return fmt.Errorf("stamp cleanup: %w", err)
	}
	return nil
}
