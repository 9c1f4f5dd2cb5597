package models

import "context"

func (q *Queries) GetUser(ctx context.Context, id string) (User, error) {
	var u User
	err := q.db.QueryRowContext(ctx,
		`SELECT id, namespace, name, created_at FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Namespace, &u.Name, &u.CreatedAt)
	return u, err
}

func (q *Queries) CreateUser(ctx context.Context, arg User) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO users (id, namespace, name, created_at) VALUES (?, ?, ?, ?)`,
		arg.ID, arg.Namespace, arg.Name, arg.CreatedAt)
	return err
}

func (q *Queries) ListUsersByNamespace(ctx context.Context, namespace string) ([]User, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, namespace, name, created_at FROM users WHERE namespace = ? ORDER BY created_at, id`,
		namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Namespace, &u.Name, &u.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, u)
	}
	return items, rows.Err()
}

type DeleteUserParams struct {
	ID        string
	Namespace string
}

func (q *Queries) DeleteUser(ctx context.Context, arg DeleteUserParams) (int64, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM users WHERE id = ? AND namespace = ?`, arg.ID, arg.Namespace)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (q *Queries) DeleteUsersByNamespace(ctx context.Context, namespace string) (int64, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM users WHERE namespace = ?`, namespace)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
