package history

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DefaultTable is where SQL sinks store events unless told otherwise.
const DefaultTable = "service_history"

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidTable reports whether name can be spliced into SQL as a table name.
func ValidTable(name string) bool { return tableName.MatchString(name) }

// Dialect holds what differs between the database/sql drivers a Table
// writes through.
type Dialect struct {
	// TimeType is the column type of occurred_at.
	TimeType string
	// Numbered selects $1-style placeholders instead of "?".
	Numbered bool
}

var (
	SQLite   = Dialect{TimeType: "TIMESTAMP"}
	Postgres = Dialect{TimeType: "TIMESTAMPTZ", Numbered: true}
)

func (d Dialect) args(n int) string {
	ps := make([]string, n)
	for i := range ps {
		if d.Numbered {
			ps[i] = "$" + strconv.Itoa(i+1)
		} else {
			ps[i] = "?"
		}
	}
	return strings.Join(ps, ", ")
}

// Table appends events as rows of one SQL table.
type Table struct {
	db    *sql.DB
	name  string
	d     Dialect
	count string
	tail  string
}

// NewTable creates the table and its service index if missing. The Table
// owns db from then on.
func NewTable(ctx context.Context, db *sql.DB, d Dialect, name string) (*Table, error) {
	if name == "" {
		name = DefaultTable
	}
	if !ValidTable(name) {
		return nil, fmt.Errorf("invalid table name %q", name)
	}
	t := &Table{
		db:    db,
		name:  name,
		d:     d,
		count: fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE project_dir = %s AND command_name = %s`, name, ph(d, 1), ph(d, 2)),
		tail: fmt.Sprintf(`SELECT event, occurred_at, pid, COALESCE(content, '') FROM %s
			WHERE project_dir = %s AND command_name = %s ORDER BY occurred_at DESC LIMIT %s`,
			name, ph(d, 1), ph(d, 2), ph(d, 3)),
	}
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			occurred_at %s NOT NULL,
			event TEXT NOT NULL,
			project_dir TEXT NOT NULL,
			command_name TEXT NOT NULL,
			pid INTEGER NOT NULL,
			content TEXT
		)`, name, d.TimeType),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_service ON %s (project_dir, command_name, occurred_at)`, name, name),
	}
	for _, q := range stmts {
		if _, err := db.ExecContext(ctx, q); err != nil {
			return nil, fmt.Errorf("prepare %s: %w", name, err)
		}
	}
	return t, nil
}

func ph(d Dialect, i int) string {
	if d.Numbered {
		return "$" + strconv.Itoa(i)
	}
	return "?"
}

// Name returns the table name.
func (t *Table) Name() string { return t.name }

func (t *Table) Send(ctx context.Context, e Event) error {
	var content any
	if e.Content != "" {
		content = e.Content
	}
	q := fmt.Sprintf(`INSERT INTO %s (occurred_at, event, project_dir, command_name, pid, content) VALUES (%s)`,
		t.name, t.d.args(6))
	if _, err := t.db.ExecContext(ctx, q,
		e.OccurredAt.UTC(), string(e.Type), e.ProjectDir, e.CommandName, e.PID, content); err != nil {
		return fmt.Errorf("insert into %s: %w", t.name, err)
	}
	return nil
}

// Count returns how many events are stored for a service.
func (t *Table) Count(ctx context.Context, projectDir, commandName string) (int, error) {
	var n int
	err := t.db.QueryRowContext(ctx, t.count, projectDir, commandName).Scan(&n)
	return n, err
}

// Recent returns up to limit events of a service, newest first.
func (t *Table) Recent(ctx context.Context, projectDir, commandName string, limit int) ([]Event, error) {
	rows, err := t.db.QueryContext(ctx, t.tail, projectDir, commandName, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []Event
	for rows.Next() {
		e := Event{ProjectDir: projectDir, CommandName: commandName}
		var typ string
		var at time.Time
		if err := rows.Scan(&typ, &at, &e.PID, &e.Content); err != nil {
			return nil, err
		}
		e.Type, e.OccurredAt = EventType(typ), at
		out = append(out, e)
	}
	return out, rows.Err()
}

func (t *Table) Close() error {
	if t.db == nil {
		return nil
	}
	return t.db.Close()
}
