package history

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func openTable(t *testing.T, name string) *Table {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	tb, err := NewTable(context.Background(), db, SQLite, name)
	if err != nil {
		_ = db.Close()
		t.Fatalf("new table: %v", err)
	}
	t.Cleanup(func() { _ = tb.Close() })
	return tb
}

func TestTableRecentNewestFirst(t *testing.T) {
	tb := openTable(t, "")
	if tb.Name() != DefaultTable {
		t.Fatalf("name = %s", tb.Name())
	}
	ctx := context.Background()
	base := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	for i, typ := range []EventType{EventStarted, EventExited, EventStarted} {
		e := Event{Type: typ, OccurredAt: base.Add(time.Duration(i) * time.Second), ProjectDir: "/p", CommandName: "web", PID: 100 + i}
		if typ == EventExited {
			e.Content = "exited with code 2"
		}
		if err := tb.Send(ctx, e); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	if err := tb.Send(ctx, Event{Type: EventStartFailed, OccurredAt: base, ProjectDir: "/p", CommandName: "api"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	if n, err := tb.Count(ctx, "/p", "web"); err != nil || n != 3 {
		t.Fatalf("count = %d, %v", n, err)
	}
	got, err := tb.Recent(ctx, "/p", "web", 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 2 || got[0].PID != 102 || got[1].Type != EventExited || got[1].Content != "exited with code 2" {
		t.Fatalf("unexpected rows %+v", got)
	}
	if !got[1].OccurredAt.Equal(base.Add(time.Second)) {
		t.Fatalf("occurred_at = %v", got[1].OccurredAt)
	}
}

func TestTableRejectsBadName(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()
	if _, err := NewTable(context.Background(), db, SQLite, "x; DROP TABLE y"); err == nil {
		t.Fatalf("expected invalid name error")
	}
}

func TestDialectPlaceholders(t *testing.T) {
	if got := SQLite.args(3); got != "?, ?, ?" {
		t.Fatalf("sqlite args = %q", got)
	}
	if got := Postgres.args(3); got != "$1, $2, $3" {
		t.Fatalf("postgres args = %q", got)
	}
}
