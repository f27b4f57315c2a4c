package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRebind(t *testing.T) {
	q := `UPDATE handoffs SET status='accepted?' WHERE id=? AND status=?`
	assert.Equal(t, q, SQLite.Rebind(q))
	assert.Equal(t, `UPDATE handoffs SET status='accepted?' WHERE id=$1 AND status=$2`, Postgres.Rebind(q))
}

func TestOpenSQLite(t *testing.T) {
	dir := t.TempDir()
	conn, dialect, err := Open(Config{Workspace: dir})
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, SQLite, dialect)
	require.NoError(t, conn.PingContext(context.Background()))
	assert.FileExists(t, filepath.Join(dir, ".govline", "govline.db"))
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, _, err := Open(Config{Driver: "mysql"})
	assert.Error(t, err)
	_, _, err = Open(Config{Driver: DriverPostgres})
	assert.Error(t, err)
}
