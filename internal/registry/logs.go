package registry

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"
	"time"
)

// AppendLog inserts one event and returns its id. A zero Timestamp is
// stamped with the current time.
func (r *DB) AppendLog(ctx context.Context, e LogEvent) (int64, error) {
	if !e.Type.Valid() {
		return 0, fmt.Errorf("append log: unknown log type %q", e.Type)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	var content any
	if e.Content != nil {
		content = *e.Content
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO logs(command_name, project_dir, content, log_type, timestamp)
		VALUES(?, ?, ?, ?, ?);`,
		e.CommandName, e.ProjectDir, content, string(e.Type), toMillis(e.Timestamp))
	if err != nil {
		return 0, fmt.Errorf("append log: %w", err)
	}
	return res.LastInsertId()
}

// FetchLogs returns events matching q in id order.
func (r *DB) FetchLogs(ctx context.Context, q LogQuery) ([]LogEvent, error) {
	var (
		where []string
		args  []any
	)
	if q.ProjectDir != "" {
		where = append(where, "project_dir=?")
		args = append(args, q.ProjectDir)
	}
	if len(q.CommandNames) > 0 {
		where = append(where, "command_name IN ("+placeholders(len(q.CommandNames))+")")
		for _, n := range q.CommandNames {
			args = append(args, n)
		}
	}
	if len(q.Types) > 0 {
		where = append(where, "log_type IN ("+placeholders(len(q.Types))+")")
		for _, t := range q.Types {
			args = append(args, string(t))
		}
	}
	if !q.Since.IsZero() {
		where = append(where, "timestamp>=?")
		args = append(args, toMillis(q.Since))
	}
	if q.AfterID > 0 {
		where = append(where, "id>?")
		args = append(args, q.AfterID)
	}
	stmt := `SELECT id, command_name, project_dir, content, log_type, timestamp FROM logs`
	if len(where) > 0 {
		stmt += " WHERE " + strings.Join(where, " AND ")
	}
	// Without a cursor the newest rows are wanted; with one, the rows right
	// after it so that successive reads never skip events.
	newestFirst := q.AfterID <= 0 && q.Limit > 0
	if newestFirst {
		stmt += " ORDER BY id DESC"
	} else {
		stmt += " ORDER BY id ASC"
	}
	if q.Limit > 0 {
		stmt += " LIMIT ?"
		args = append(args, q.Limit)
	}
	rows, err := r.db.QueryContext(ctx, stmt+";", args...)
	if err != nil {
		return nil, fmt.Errorf("fetch logs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out, err := scanLogs(rows)
	if err != nil {
		return nil, err
	}
	if newestFirst {
		slices.Reverse(out)
	}
	return out, nil
}

// LatestLogID returns the highest event id for the project (all projects
// when projectDir is empty), or 0 for an empty log.
func (r *DB) LatestLogID(ctx context.Context, projectDir string) (int64, error) {
	var id sql.NullInt64
	var err error
	if projectDir == "" {
		err = r.db.QueryRowContext(ctx, `SELECT MAX(id) FROM logs;`).Scan(&id)
	} else {
		err = r.db.QueryRowContext(ctx, `SELECT MAX(id) FROM logs WHERE project_dir=?;`, projectDir).Scan(&id)
	}
	if err != nil {
		return 0, fmt.Errorf("latest log id: %w", err)
	}
	return id.Int64, nil
}

// DeleteLogsOlderThan removes events stamped before cutoff.
func (r *DB) DeleteLogsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM logs WHERE timestamp<?;`, toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete old logs: %w", err)
	}
	return res.RowsAffected()
}

// ServicesOverLimit lists (project, command) groups holding more than n events.
func (r *DB) ServicesOverLimit(ctx context.Context, n int) ([]ServiceLogCount, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT project_dir, command_name, COUNT(*) AS c
		FROM logs
		GROUP BY project_dir, command_name
		HAVING c>?;`, n)
	if err != nil {
		return nil, fmt.Errorf("services over limit: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out := make([]ServiceLogCount, 0)
	for rows.Next() {
		var s ServiceLogCount
		if err := rows.Scan(&s.ProjectDir, &s.CommandName, &s.Count); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// TrimService keeps the newest keep events (timestamp desc, id desc) of
// one service and deletes the rest.
func (r *DB) TrimService(ctx context.Context, projectDir, commandName string, keep int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM logs
		WHERE project_dir=? AND command_name=? AND id NOT IN (
			SELECT id FROM logs
			WHERE project_dir=? AND command_name=?
			ORDER BY timestamp DESC, id DESC
			LIMIT ?
		);`, projectDir, commandName, projectDir, commandName, keep)
	if err != nil {
		return 0, fmt.Errorf("trim logs %s/%s: %w", projectDir, commandName, err)
	}
	return res.RowsAffected()
}

// ClearLogs deletes the events of a project, limited to commandNames when given.
func (r *DB) ClearLogs(ctx context.Context, projectDir string, commandNames []string) (int64, error) {
	stmt := `DELETE FROM logs WHERE project_dir=?`
	args := []any{projectDir}
	if len(commandNames) > 0 {
		stmt += " AND command_name IN (" + placeholders(len(commandNames)) + ")"
		for _, n := range commandNames {
			args = append(args, n)
		}
	}
	res, err := r.db.ExecContext(ctx, stmt+";", args...)
	if err != nil {
		return 0, fmt.Errorf("clear logs: %w", err)
	}
	return res.RowsAffected()
}

// CountLogs returns stored events per (project, command).
func (r *DB) CountLogs(ctx context.Context) ([]ServiceLogCount, error) {
	return r.ServicesOverLimit(ctx, 0)
}

// ListCommandNames returns the distinct service names that have events or
// entries in a project.
func (r *DB) ListCommandNames(ctx context.Context, projectDir string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT command_name FROM logs WHERE project_dir=?
		UNION
		SELECT command_name FROM processes WHERE project_dir=?
		ORDER BY command_name;`, projectDir, projectDir)
	if err != nil {
		return nil, fmt.Errorf("list command names: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out := make([]string, 0)
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func scanLogs(rows *sql.Rows) ([]LogEvent, error) {
	out := make([]LogEvent, 0)
	for rows.Next() {
		var (
			e       LogEvent
			content sql.NullString
			typ     string
			ts      int64
		)
		if err := rows.Scan(&e.ID, &e.CommandName, &e.ProjectDir, &content, &typ, &ts); err != nil {
			return nil, err
		}
		if content.Valid {
			s := content.String
			e.Content = &s
		}
		e.Type = LogType(typ)
		e.Timestamp = fromMillis(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
