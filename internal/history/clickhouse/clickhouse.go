package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/devpm/internal/history"
)

// Options selects the server and credentials. Zero values fall back to the
// server's "default" database and user.
type Options struct {
	Addr     string
	Database string
	Username string
	Password string
	Table    string
}

// Sink sends events to ClickHouse using the official ClickHouse Go client.
type Sink struct {
	conn   driver.Conn
	table  string
	insert string
}

// New connects, pings, and creates the table if it is missing.
func New(opts Options) (*Sink, error) {
	if opts.Table == "" {
		opts.Table = history.DefaultTable
	}
	if !history.ValidTable(opts.Table) {
		return nil, fmt.Errorf("invalid ClickHouse table name %q", opts.Table)
	}
	if opts.Database == "" {
		opts.Database = "default"
	}
	if opts.Username == "" {
		opts.Username = "default"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	s := &Sink{conn: conn, table: opts.Table}
	if err := s.ensureTable(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureTable(ctx context.Context) error {
	err := s.conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+s.table+` (
			event LowCardinality(String),
			occurred_at DateTime64(3, 'UTC'),
			project_dir String,
			command_name String,
			pid UInt32,
			content String
		) ENGINE = MergeTree()
		PARTITION BY toYYYYMM(occurred_at)
		ORDER BY (project_dir, command_name, occurred_at)`)
	if err != nil {
		return fmt.Errorf("create ClickHouse table %s: %w", s.table, err)
	}
	s.insert = `INSERT INTO ` + s.table + ` (event, occurred_at, project_dir, command_name, pid, content) VALUES (?, ?, ?, ?, ?, ?)`
	return nil
}

func (s *Sink) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// Send inserts e asynchronously on the server side. Collectors each send a
// handful of rows, so the server buffers them into larger parts; Send still
// waits for the buffer to accept the row.
func (s *Sink) Send(ctx context.Context, e history.Event) error {
	err := s.conn.AsyncInsert(ctx, s.insert, true,
		string(e.Type), e.OccurredAt.UTC(), e.ProjectDir, e.CommandName, uint32(e.PID), e.Content)
	if err != nil {
		return fmt.Errorf("insert into %s: %w", s.table, err)
	}
	return nil
}

// Count returns how many events are stored for a service.
func (s *Sink) Count(ctx context.Context, projectDir, commandName string) (uint64, error) {
	var n uint64
	err := s.conn.QueryRow(ctx,
		`SELECT count() FROM `+s.table+` WHERE project_dir = ? AND command_name = ?`,
		projectDir, commandName).Scan(&n)
	return n, err
}
