package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenSQLiteBootstrapsTables(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "nested", "fanout.db")
	db, err := OpenSQLite(context.Background(), dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	for _, table := range []string{"dispatches", "worker_runs"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?;", table).Scan(&name)
		require.NoError(t, err, "table %q missing", table)
	}

	// Bootstrapping twice is harmless.
	require.NoError(t, Bootstrap(context.Background(), db))
}

func TestOpenSQLiteEmptyPath(t *testing.T) {
	_, err := OpenSQLite(context.Background(), "")
	require.Error(t, err)
}
