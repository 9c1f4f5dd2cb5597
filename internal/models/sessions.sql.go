package models

import (
	"context"
	"database/sql"
)

const sessionColumns = `id, namespace, tag, seq, active, active_at, metadata, metadata_version,
	agent_state, agent_state_version, thinking, thinking_at, created_at, updated_at`

func scanSession(row interface{ Scan(...any) error }) (Session, error) {
	var s Session
	err := row.Scan(
		&s.ID,
		&s.Namespace,
		&s.Tag,
		&s.Seq,
		&s.Active,
		&s.ActiveAt,
		&s.Metadata,
		&s.MetadataVersion,
		&s.AgentState,
		&s.AgentStateVersion,
		&s.Thinking,
		&s.ThinkingAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	return s, err
}

func (q *Queries) GetSessionByID(ctx context.Context, id string) (Session, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

type GetSessionByTagParams struct {
	Namespace string
	Tag       string
}

func (q *Queries) GetSessionByTag(ctx context.Context, arg GetSessionByTagParams) (Session, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE namespace = ? AND tag = ?`,
		arg.Namespace, arg.Tag)
	return scanSession(row)
}

type CreateSessionParams struct {
	ID                string
	Namespace         string
	Tag               sql.NullString
	Metadata          string
	MetadataVersion   int64
	AgentState        sql.NullString
	AgentStateVersion int64
	CreatedAt         int64
}

func (q *Queries) CreateSession(ctx context.Context, arg CreateSessionParams) error {
	_, err := q.db.ExecContext(ctx, `
INSERT INTO sessions (id, namespace, tag, seq, active, active_at, metadata, metadata_version,
	agent_state, agent_state_version, thinking, thinking_at, created_at, updated_at)
VALUES (?, ?, ?, 0, 0, 0, ?, ?, ?, ?, 0, 0, ?, ?)`,
		arg.ID,
		arg.Namespace,
		arg.Tag,
		arg.Metadata,
		arg.MetadataVersion,
		arg.AgentState,
		arg.AgentStateVersion,
		arg.CreatedAt,
		arg.CreatedAt,
	)
	return err
}

func (q *Queries) ListSessionsByNamespace(ctx context.Context, namespace string) ([]Session, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE namespace = ? ORDER BY updated_at DESC, id ASC`,
		namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}

type ListSessionIDsByMachineParams struct {
	Namespace string
	MachineID string
}

// ListSessionIDsByMachine returns the sessions whose metadata names the
// given machine.
func (q *Queries) ListSessionIDsByMachine(ctx context.Context, arg ListSessionIDsByMachineParams) ([]string, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT id FROM sessions
WHERE namespace = ? AND json_valid(metadata) AND json_extract(metadata, '$.machineId') = ?
ORDER BY id`, arg.Namespace, arg.MachineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type UpdateSessionMetadataParams struct {
	Metadata        string
	MetadataVersion int64
	UpdatedAt       int64
	ID              string
	ExpectedVersion int64
}

func (q *Queries) UpdateSessionMetadata(ctx context.Context, arg UpdateSessionMetadataParams) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
UPDATE sessions SET metadata = ?, metadata_version = ?, updated_at = ?
WHERE id = ? AND metadata_version = ?`,
		arg.Metadata, arg.MetadataVersion, arg.UpdatedAt, arg.ID, arg.ExpectedVersion)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type UpdateSessionAgentStateParams struct {
	AgentState        sql.NullString
	AgentStateVersion int64
	UpdatedAt         int64
	ID                string
	ExpectedVersion   int64
}

// UpdateSessionAgentState swaps the agent state when the expected version
// matches and bumps the session seq in the same statement.
func (q *Queries) UpdateSessionAgentState(ctx context.Context, arg UpdateSessionAgentStateParams) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
UPDATE sessions SET agent_state = ?, agent_state_version = ?, seq = seq + 1, updated_at = ?
WHERE id = ? AND agent_state_version = ?`,
		arg.AgentState, arg.AgentStateVersion, arg.UpdatedAt, arg.ID, arg.ExpectedVersion)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type UpdateSessionActivityParams struct {
	Active     int64
	ActiveAt   int64
	Thinking   int64
	ThinkingAt int64
	UpdatedAt  int64
	ID         string
}

func (q *Queries) UpdateSessionActivity(ctx context.Context, arg UpdateSessionActivityParams) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
UPDATE sessions SET active = ?, active_at = ?, thinking = ?, thinking_at = ?, updated_at = ?
WHERE id = ?`,
		arg.Active, arg.ActiveAt, arg.Thinking, arg.ThinkingAt, arg.UpdatedAt, arg.ID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type UpdateSessionSeqParams struct {
	UpdatedAt int64
	ID        string
}

// UpdateSessionSeq increments the session seq and returns the new value.
func (q *Queries) UpdateSessionSeq(ctx context.Context, arg UpdateSessionSeqParams) (int64, error) {
	var seq int64
	err := q.db.QueryRowContext(ctx,
		`UPDATE sessions SET seq = seq + 1, updated_at = ? WHERE id = ? RETURNING seq`,
		arg.UpdatedAt, arg.ID).Scan(&seq)
	return seq, err
}

func (q *Queries) DeleteSession(ctx context.Context, id string) (int64, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (q *Queries) DeleteSessionsByNamespace(ctx context.Context, namespace string) (int64, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM sessions WHERE namespace = ?`, namespace)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
