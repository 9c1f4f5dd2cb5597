package debug

import (
	"context"
	"database/sql"

	"github.com/bhandras/delight/hub/pkg/logger"
)

// PruneMessages drops message history (dev-only helper). The newest message
// of each session is kept: the next seq is derived from it, so clients
// polling with an after-seq cursor keep seeing new messages.
func PruneMessages(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
DELETE FROM messages
WHERE seq < (SELECT MAX(m.seq) FROM messages m WHERE m.session_id = messages.session_id)`)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n >= 0 {
		logger.Infof("[debug] pruned message rows: %d", n)
	}
	return nil
}
