package migrations

import (
	"context"
	"database/sql"

	"github.com/tidwall/sjson"

	"github.com/bhandras/delight/hub/pkg/logger"
)

const legacyEnvelope = `{"role":"agent","content":{"type":"text"}}`

// WrapLegacyMessageContent rewrites messages.content rows that are not valid
// JSON into a role-wrapped text envelope:
//
//	{"role": "agent", "content": {"type": "text", "text": <legacy>}}
//
// Event parsing and clients only understand JSON envelopes, so a raw string
// left over from an older writer would otherwise be unreadable.
func WrapLegacyMessageContent(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, `SELECT id, content FROM messages WHERE json_valid(content)=0`)
	if err != nil {
		return err
	}
	defer rows.Close()

	type item struct {
		id      string
		content string
	}
	var items []item
	for rows.Next() {
		var it item
		if err := rows.Scan(&it.id, &it.content); err != nil {
			return err
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	if len(items) == 0 {
		return nil
	}
	logger.Infof("[migration] found %d legacy messages with non-JSON content", len(items))

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `UPDATE messages SET content=? WHERE id=?`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, it := range items {
		env, err := sjson.Set(legacyEnvelope, "content.text", it.content)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, env, it.id); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	logger.Infof("[migration] wrapped %d legacy messages", len(items))
	return nil
}
