// Package sqlite keeps exported lifecycle events in a local SQLite file,
// separate from the registry so retention never touches them.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/devpm/internal/history"
)

// Sink is a history table in a SQLite database.
type Sink struct {
	*history.Table
}

// New opens the database named by dsn, one of
//   - "sqlite:///path/to/file.db" or "/path/to/file.db"
//   - "sqlite://:memory:" or ":memory:"
func New(dsn string) (*Sink, error) {
	path := strings.TrimSpace(dsn)
	if len(path) >= len("sqlite://") && strings.EqualFold(path[:len("sqlite://")], "sqlite://") {
		path = path[len("sqlite://"):]
	}
	if path == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	// One connection: every :memory: connection is its own database, and
	// collectors of many services may share a file.
	db.SetMaxOpenConns(1)
	t, err := history.NewTable(context.Background(), db, history.SQLite, history.DefaultTable)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Sink{Table: t}, nil
}
