package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const portColumns = `port, project_dir, service_name, assigned_at`

// InsertPort records a reservation. ErrConflict means the port, or the
// (project, service) pair, is already taken.
func (r *DB) InsertPort(ctx context.Context, p ReservedPort) error {
	if p.AssignedAt.IsZero() {
		p.AssignedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO reserved_ports(port, project_dir, service_name, assigned_at)
		VALUES(?, ?, ?, ?);`,
		p.Port, p.ProjectDir, nullString(p.ServiceName), toMillis(p.AssignedAt))
	if err != nil {
		if isConstraint(err) {
			return fmt.Errorf("reserve port %d: %w", p.Port, ErrConflict)
		}
		return fmt.Errorf("reserve port %d: %w", p.Port, err)
	}
	return nil
}

// GetPort returns the reservation of a service, or the project-level one
// when serviceName is empty. Missing reservations yield ErrNotFound.
func (r *DB) GetPort(ctx context.Context, projectDir, serviceName string) (ReservedPort, error) {
	var rows *sql.Rows
	var err error
	if serviceName == "" {
		rows, err = r.db.QueryContext(ctx, `SELECT `+portColumns+` FROM reserved_ports
			WHERE project_dir=? AND service_name IS NULL ORDER BY assigned_at LIMIT 1;`, projectDir)
	} else {
		rows, err = r.db.QueryContext(ctx, `SELECT `+portColumns+` FROM reserved_ports
			WHERE project_dir=? AND service_name=?;`, projectDir, serviceName)
	}
	if err != nil {
		return ReservedPort{}, fmt.Errorf("get port: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out, err := scanPorts(rows)
	if err != nil {
		return ReservedPort{}, err
	}
	if len(out) == 0 {
		return ReservedPort{}, ErrNotFound
	}
	return out[0], nil
}

// ListPorts returns reservations of a project, or all when projectDir is empty.
func (r *DB) ListPorts(ctx context.Context, projectDir string) ([]ReservedPort, error) {
	var rows *sql.Rows
	var err error
	if projectDir == "" {
		rows, err = r.db.QueryContext(ctx, `SELECT `+portColumns+` FROM reserved_ports ORDER BY port;`)
	} else {
		rows, err = r.db.QueryContext(ctx, `SELECT `+portColumns+` FROM reserved_ports WHERE project_dir=? ORDER BY port;`, projectDir)
	}
	if err != nil {
		return nil, fmt.Errorf("list ports: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanPorts(rows)
}

// IsPortReserved reports whether any project holds port.
func (r *DB) IsPortReserved(ctx context.Context, port int) (bool, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reserved_ports WHERE port=?;`, port).Scan(&n); err != nil {
		return false, fmt.Errorf("check port %d: %w", port, err)
	}
	return n > 0, nil
}

// ReleasePort deletes the reservation of port. It reports whether a row existed.
func (r *DB) ReleasePort(ctx context.Context, port int) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM reserved_ports WHERE port=?;`, port)
	if err != nil {
		return false, fmt.Errorf("release port %d: %w", port, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ReleaseProjectPorts deletes every reservation of a project.
func (r *DB) ReleaseProjectPorts(ctx context.Context, projectDir string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM reserved_ports WHERE project_dir=?;`, projectDir)
	if err != nil {
		return 0, fmt.Errorf("release project ports: %w", err)
	}
	return res.RowsAffected()
}

// NextPortCandidate advances the allocation cursor within [lo, hi] and
// returns the new value. The read and the increment are a single
// statement, so concurrent callers never observe the same value.
func (r *DB) NextPortCandidate(ctx context.Context, lo, hi int) (int, error) {
	if lo <= 0 || hi < lo {
		return 0, fmt.Errorf("invalid port range %d-%d", lo, hi)
	}
	if _, err := r.db.ExecContext(ctx, `INSERT OR IGNORE INTO next_port(id, port) VALUES(1, ?);`, hi); err != nil {
		return 0, fmt.Errorf("init port cursor: %w", err)
	}
	var port int
	err := r.db.QueryRowContext(ctx, `
		UPDATE next_port
		SET port = CASE WHEN port>=? OR port<? THEN ? ELSE port+1 END
		WHERE id=1
		RETURNING port;`, hi, lo, lo).Scan(&port)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, errors.New("port cursor missing")
	}
	if err != nil {
		return 0, fmt.Errorf("advance port cursor: %w", err)
	}
	return port, nil
}

func scanPorts(rows *sql.Rows) ([]ReservedPort, error) {
	out := make([]ReservedPort, 0)
	for rows.Next() {
		var (
			p        ReservedPort
			svc      sql.NullString
			assigned int64
		)
		if err := rows.Scan(&p.Port, &p.ProjectDir, &svc, &assigned); err != nil {
			return nil, err
		}
		p.ServiceName = svc.String
		p.AssignedAt = fromMillis(assigned)
		out = append(out, p)
	}
	return out, rows.Err()
}
