package database

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpen_CreatesAndReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hub.db")

	db, err := Open(path)
	require.NoError(t, err)

	var raw string
	require.NoError(t, db.QueryRow(`SELECT value FROM schema_meta WHERE key = 'schema_version'`).Scan(&raw))
	require.Equal(t, "1", raw)
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	require.Equal(t, path, db.Path())
	require.NoError(t, db.Close())
}

func TestOpen_RefusesIncompatibleSchemas(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(t *testing.T, raw *sql.DB)
		want   string
	}{
		{
			name: "newer version",
			mutate: func(t *testing.T, raw *sql.DB) {
				_, err := raw.Exec(`UPDATE schema_meta SET value = '2' WHERE key = 'schema_version'`)
				require.NoError(t, err)
			},
			want: "schema version 2",
		},
		{
			name: "missing table",
			mutate: func(t *testing.T, raw *sql.DB) {
				_, err := raw.Exec(`DROP TABLE push_subscriptions`)
				require.NoError(t, err)
			},
			want: "missing tables push_subscriptions",
		},
		{
			name: "no stamp",
			mutate: func(t *testing.T, raw *sql.DB) {
				_, err := raw.Exec(`DROP TABLE schema_meta`)
				require.NoError(t, err)
			},
			want: "no schema version stamp",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "hub.db")
			db, err := Open(path)
			require.NoError(t, err)
			tc.mutate(t, db.DB)
			require.NoError(t, db.Close())

			_, err = Open(path)
			require.ErrorIs(t, err, ErrSchemaMismatch)
			require.Contains(t, err.Error(), tc.want)
			require.Contains(t, err.Error(), "rebuild the database or run an offline migration")
		})
	}
}

func TestOpen_RefusesForeignDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "other.db")
	raw, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = raw.Exec(`CREATE TABLE notes (id INTEGER PRIMARY KEY)`)
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	_, err = Open(path)
	require.ErrorIs(t, err, ErrSchemaMismatch)
}

func TestOpen_InMemory(t *testing.T) {
	db, err := Open(":memory:")
	require.NoError(t, err)
	defer db.Close()

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&n))
	require.Zero(t, n)
}
