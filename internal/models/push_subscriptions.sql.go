package models

import "context"

const pushSubscriptionColumns = `id, namespace, endpoint, p256dh, auth, created_at`

// UpsertPushSubscription inserts a subscription or refreshes the keys of the
// existing (namespace, endpoint) row, returning the stored row.
func (q *Queries) UpsertPushSubscription(ctx context.Context, arg PushSubscription) (PushSubscription, error) {
	var p PushSubscription
	err := q.db.QueryRowContext(ctx, `
INSERT INTO push_subscriptions (id, namespace, endpoint, p256dh, auth, created_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(namespace, endpoint) DO UPDATE SET
	p256dh = excluded.p256dh,
	auth = excluded.auth
RETURNING `+pushSubscriptionColumns,
		arg.ID, arg.Namespace, arg.Endpoint, arg.P256dh, arg.Auth, arg.CreatedAt).
		Scan(&p.ID, &p.Namespace, &p.Endpoint, &p.P256dh, &p.Auth, &p.CreatedAt)
	return p, err
}

func (q *Queries) ListPushSubscriptionsByNamespace(ctx context.Context, namespace string) ([]PushSubscription, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+pushSubscriptionColumns+` FROM push_subscriptions WHERE namespace = ? ORDER BY created_at, id`,
		namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []PushSubscription
	for rows.Next() {
		var p PushSubscription
		if err := rows.Scan(&p.ID, &p.Namespace, &p.Endpoint, &p.P256dh, &p.Auth, &p.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

type DeletePushSubscriptionParams struct {
	Namespace string
	Endpoint  string
}

func (q *Queries) DeletePushSubscription(ctx context.Context, arg DeletePushSubscriptionParams) (int64, error) {
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM push_subscriptions WHERE namespace = ? AND endpoint = ?`,
		arg.Namespace, arg.Endpoint)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (q *Queries) DeletePushSubscriptionsByNamespace(ctx context.Context, namespace string) (int64, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM push_subscriptions WHERE namespace = ?`, namespace)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
