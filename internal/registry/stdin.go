package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PushStdin queues data for the service's collector and returns the message id.
func (r *DB) PushStdin(ctx context.Context, m StdinMessage) (int64, error) {
	if m.Encoding == "" {
		m.Encoding = EncodingUTF8
	}
	if m.Encoding != EncodingUTF8 && m.Encoding != EncodingBase64 {
		return 0, fmt.Errorf("push stdin: unknown encoding %q", m.Encoding)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO stdin_messages(command_name, project_dir, data, encoding, created_at)
		VALUES(?, ?, ?, ?, ?);`,
		m.CommandName, m.ProjectDir, m.Data, m.Encoding, toMillis(m.CreatedAt))
	if err != nil {
		return 0, fmt.Errorf("push stdin: %w", err)
	}
	return res.LastInsertId()
}

// PopStdin removes and returns the oldest queued message for the service.
// The delete and the read are one statement, so a message is delivered at
// most once even with several pollers. ok is false when the mailbox is empty.
func (r *DB) PopStdin(ctx context.Context, projectDir, commandName string) (m StdinMessage, ok bool, err error) {
	var created int64
	err = r.db.QueryRowContext(ctx, `
		DELETE FROM stdin_messages
		WHERE id=(
			SELECT id FROM stdin_messages
			WHERE project_dir=? AND command_name=?
			ORDER BY id LIMIT 1
		)
		RETURNING id, command_name, project_dir, data, encoding, created_at;`,
		projectDir, commandName).Scan(&m.ID, &m.CommandName, &m.ProjectDir, &m.Data, &m.Encoding, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return StdinMessage{}, false, nil
	}
	if err != nil {
		return StdinMessage{}, false, fmt.Errorf("pop stdin: %w", err)
	}
	m.CreatedAt = fromMillis(created)
	return m, true, nil
}

// PendingStdin counts queued messages for the service.
func (r *DB) PendingStdin(ctx context.Context, projectDir, commandName string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM stdin_messages WHERE project_dir=? AND command_name=?;`,
		projectDir, commandName).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("pending stdin: %w", err)
	}
	return n, nil
}

// DiscardStdin drops every queued message for the service.
func (r *DB) DiscardStdin(ctx context.Context, projectDir, commandName string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM stdin_messages WHERE project_dir=? AND command_name=?;`,
		projectDir, commandName); err != nil {
		return fmt.Errorf("discard stdin: %w", err)
	}
	return nil
}
