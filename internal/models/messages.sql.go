package models

import (
	"context"
	"database/sql"
)

const messageColumns = `id, session_id, seq, content, local_id, created_at`

func scanMessage(row interface{ Scan(...any) error }) (Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.SessionID, &m.Seq, &m.Content, &m.LocalID, &m.CreatedAt)
	return m, err
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()
	var items []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

type GetMessageByLocalIDParams struct {
	SessionID string
	LocalID   string
}

func (q *Queries) GetMessageByLocalID(ctx context.Context, arg GetMessageByLocalIDParams) (Message, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE session_id = ? AND local_id = ?`,
		arg.SessionID, arg.LocalID)
	return scanMessage(row)
}

// GetLatestMessageSeq returns the highest message seq in a session, or 0.
func (q *Queries) GetLatestMessageSeq(ctx context.Context, sessionID string) (int64, error) {
	var seq int64
	err := q.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE session_id = ?`, sessionID).Scan(&seq)
	return seq, err
}

type CreateMessageParams struct {
	ID        string
	SessionID string
	Seq       int64
	Content   string
	LocalID   sql.NullString
	CreatedAt int64
}

func (q *Queries) CreateMessage(ctx context.Context, arg CreateMessageParams) error {
	_, err := q.db.ExecContext(ctx, `
INSERT INTO messages (id, session_id, seq, content, local_id, created_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		arg.ID, arg.SessionID, arg.Seq, arg.Content, arg.LocalID, arg.CreatedAt)
	return err
}

type ListMessagesBeforeParams struct {
	SessionID string
	BeforeSeq int64
	Limit     int64
}

// ListMessagesBefore returns up to Limit messages with seq < BeforeSeq,
// newest first.
func (q *Queries) ListMessagesBefore(ctx context.Context, arg ListMessagesBeforeParams) ([]Message, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT `+messageColumns+` FROM messages
WHERE session_id = ? AND seq < ?
ORDER BY seq DESC LIMIT ?`, arg.SessionID, arg.BeforeSeq, arg.Limit)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

type ListMessagesAfterParams struct {
	SessionID string
	AfterSeq  int64
	Limit     int64
}

// ListMessagesAfter returns up to Limit messages with seq > AfterSeq in
// ascending order.
func (q *Queries) ListMessagesAfter(ctx context.Context, arg ListMessagesAfterParams) ([]Message, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT `+messageColumns+` FROM messages
WHERE session_id = ? AND seq > ?
ORDER BY seq ASC LIMIT ?`, arg.SessionID, arg.AfterSeq, arg.Limit)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

// ListAllMessages returns every message of a session in ascending order.
func (q *Queries) ListAllMessages(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

func (q *Queries) ClearMessageLocalID(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `UPDATE messages SET local_id = NULL WHERE id = ?`, id)
	return err
}

type MoveMessageParams struct {
	SessionID string
	Seq       int64
	ID        string
}

func (q *Queries) MoveMessage(ctx context.Context, arg MoveMessageParams) (int64, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE messages SET session_id = ?, seq = ? WHERE id = ?`,
		arg.SessionID, arg.Seq, arg.ID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type IncrementSessionSeqParams struct {
	By        int64
	UpdatedAt int64
	ID        string
}

// IncrementSessionSeq raises the session seq by By.
func (q *Queries) IncrementSessionSeq(ctx context.Context, arg IncrementSessionSeqParams) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE sessions SET seq = seq + ?, updated_at = ? WHERE id = ?`,
		arg.By, arg.UpdatedAt, arg.ID)
	return err
}
