package models

import (
	"context"
	"database/sql"
)

const machineColumns = `id, namespace, metadata, metadata_version, daemon_state, daemon_state_version,
	active, active_at, created_at, updated_at`

func scanMachine(row interface{ Scan(...any) error }) (Machine, error) {
	var m Machine
	err := row.Scan(
		&m.ID,
		&m.Namespace,
		&m.Metadata,
		&m.MetadataVersion,
		&m.DaemonState,
		&m.DaemonStateVersion,
		&m.Active,
		&m.ActiveAt,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	return m, err
}

func (q *Queries) GetMachineByID(ctx context.Context, id string) (Machine, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+machineColumns+` FROM machines WHERE id = ?`, id)
	return scanMachine(row)
}

type CreateMachineParams struct {
	ID                 string
	Namespace          string
	Metadata           string
	MetadataVersion    int64
	DaemonState        sql.NullString
	DaemonStateVersion int64
	CreatedAt          int64
}

func (q *Queries) CreateMachine(ctx context.Context, arg CreateMachineParams) error {
	_, err := q.db.ExecContext(ctx, `
INSERT INTO machines (id, namespace, metadata, metadata_version, daemon_state, daemon_state_version,
	active, active_at, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, 0, 0, ?, ?)`,
		arg.ID,
		arg.Namespace,
		arg.Metadata,
		arg.MetadataVersion,
		arg.DaemonState,
		arg.DaemonStateVersion,
		arg.CreatedAt,
		arg.CreatedAt,
	)
	return err
}

func (q *Queries) ListMachinesByNamespace(ctx context.Context, namespace string) ([]Machine, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+machineColumns+` FROM machines WHERE namespace = ? ORDER BY updated_at DESC, id ASC`,
		namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Machine
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

type UpdateMachineMetadataParams struct {
	Metadata        string
	MetadataVersion int64
	UpdatedAt       int64
	ID              string
	ExpectedVersion int64
}

func (q *Queries) UpdateMachineMetadata(ctx context.Context, arg UpdateMachineMetadataParams) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
UPDATE machines SET metadata = ?, metadata_version = ?, updated_at = ?
WHERE id = ? AND metadata_version = ?`,
		arg.Metadata, arg.MetadataVersion, arg.UpdatedAt, arg.ID, arg.ExpectedVersion)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type UpdateMachineDaemonStateParams struct {
	DaemonState        sql.NullString
	DaemonStateVersion int64
	UpdatedAt          int64
	ID                 string
	ExpectedVersion    int64
}

func (q *Queries) UpdateMachineDaemonState(ctx context.Context, arg UpdateMachineDaemonStateParams) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
UPDATE machines SET daemon_state = ?, daemon_state_version = ?, updated_at = ?
WHERE id = ? AND daemon_state_version = ?`,
		arg.DaemonState, arg.DaemonStateVersion, arg.UpdatedAt, arg.ID, arg.ExpectedVersion)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type UpdateMachineActivityParams struct {
	Active    int64
	ActiveAt  int64
	UpdatedAt int64
	ID        string
}

func (q *Queries) UpdateMachineActivity(ctx context.Context, arg UpdateMachineActivityParams) (int64, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE machines SET active = ?, active_at = ?, updated_at = ? WHERE id = ?`,
		arg.Active, arg.ActiveAt, arg.UpdatedAt, arg.ID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (q *Queries) DeleteMachine(ctx context.Context, id string) (int64, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM machines WHERE id = ?`, id)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (q *Queries) DeleteMachinesByNamespace(ctx context.Context, namespace string) (int64, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM machines WHERE namespace = ?`, namespace)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
