package registry

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const processColumns = `id, command_name, project_dir, pid, log_collector_pid, start_time, created_at, killed_at, shell, root`

// CreateProcess inserts a new live entry and returns its id. Only the log
// collector that owns the child calls this.
func (r *DB) CreateProcess(ctx context.Context, p ProcessEntry) (int64, error) {
	now := time.Now()
	if p.StartTime.IsZero() {
		p.StartTime = now
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO processes(command_name, project_dir, pid, log_collector_pid, start_time, created_at, killed_at, shell, root)
		VALUES(?, ?, ?, ?, ?, ?, NULL, ?, ?);`,
		p.CommandName, p.ProjectDir, p.PID, p.LogCollectorPID,
		toMillis(p.StartTime), toMillis(p.CreatedAt), p.Shell, nullString(p.Root))
	if err != nil {
		if isConstraint(err) {
			return 0, fmt.Errorf("create process %s/%s pid %d: %w", p.ProjectDir, p.CommandName, p.PID, ErrConflict)
		}
		return 0, fmt.Errorf("create process: %w", err)
	}
	return res.LastInsertId()
}

// DeleteProcess removes the entry with the given id and reports whether
// this call removed it. Deleting a missing row is not an error, so racing
// cleaners can use the result to decide which of them records the exit.
func (r *DB) DeleteProcess(ctx context.Context, id int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM processes WHERE id=?;`, id)
	if err != nil {
		return false, fmt.Errorf("delete process %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete process %d: %w", id, err)
	}
	return n > 0, nil
}

// MarkKilled records that a kill was delivered to the entry.
func (r *DB) MarkKilled(ctx context.Context, id int64, at time.Time) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE processes SET killed_at=? WHERE id=? AND killed_at IS NULL;`, toMillis(at), id); err != nil {
		return fmt.Errorf("mark process %d killed: %w", id, err)
	}
	return nil
}

// GetProcess returns the entry with the given id or ErrNotFound.
func (r *DB) GetProcess(ctx context.Context, id int64) (ProcessEntry, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+processColumns+` FROM processes WHERE id=?;`, id)
	if err != nil {
		return ProcessEntry{}, fmt.Errorf("get process %d: %w", id, err)
	}
	defer func() { _ = rows.Close() }()
	out, err := scanProcesses(rows)
	if err != nil {
		return ProcessEntry{}, err
	}
	if len(out) == 0 {
		return ProcessEntry{}, ErrNotFound
	}
	return out[0], nil
}

// FindProcessesByProject returns all entries of a project, oldest first.
func (r *DB) FindProcessesByProject(ctx context.Context, projectDir string) ([]ProcessEntry, error) {
	return r.queryProcesses(ctx, `SELECT `+processColumns+` FROM processes WHERE project_dir=? ORDER BY id;`, projectDir)
}

// FindProcessesByCommand returns all entries for one service of a project.
func (r *DB) FindProcessesByCommand(ctx context.Context, projectDir, commandName string) ([]ProcessEntry, error) {
	return r.queryProcesses(ctx, `SELECT `+processColumns+` FROM processes WHERE project_dir=? AND command_name=? ORDER BY id;`, projectDir, commandName)
}

// FindAllProcesses returns every entry in the registry.
func (r *DB) FindAllProcesses(ctx context.Context) ([]ProcessEntry, error) {
	return r.queryProcesses(ctx, `SELECT `+processColumns+` FROM processes ORDER BY id;`)
}

// FindLiveProcesses returns entries with no recorded kill. Whether their
// pids are still alive is for the caller to probe.
func (r *DB) FindLiveProcesses(ctx context.Context) ([]ProcessEntry, error) {
	return r.queryProcesses(ctx, `SELECT `+processColumns+` FROM processes WHERE killed_at IS NULL ORDER BY id;`)
}

// CountProcesses returns the number of rows grouped by project.
func (r *DB) CountProcesses(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT project_dir, COUNT(*) FROM processes WHERE killed_at IS NULL GROUP BY project_dir;`)
	if err != nil {
		return nil, fmt.Errorf("count processes: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out := make(map[string]int64)
	for rows.Next() {
		var project string
		var n int64
		if err := rows.Scan(&project, &n); err != nil {
			return nil, err
		}
		out[project] = n
	}
	return out, rows.Err()
}

func (r *DB) queryProcesses(ctx context.Context, q string, args ...any) ([]ProcessEntry, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query processes: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanProcesses(rows)
}

func scanProcesses(rows *sql.Rows) ([]ProcessEntry, error) {
	out := make([]ProcessEntry, 0)
	for rows.Next() {
		var (
			p         ProcessEntry
			startTime int64
			created   int64
			killedAt  sql.NullInt64
			root      sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.CommandName, &p.ProjectDir, &p.PID, &p.LogCollectorPID,
			&startTime, &created, &killedAt, &p.Shell, &root); err != nil {
			return nil, err
		}
		p.StartTime = fromMillis(startTime)
		p.CreatedAt = fromMillis(created)
		if killedAt.Valid {
			t := fromMillis(killedAt.Int64)
			p.KilledAt = &t
		}
		p.Root = root.String
		out = append(out, p)
	}
	return out, rows.Err()
}
