package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSourceDSN(t *testing.T) {
	dsn := SourceDSN("/var/lib/my notes/db?.sqlite", 1500*time.Millisecond)
	assert.Equal(t, "file:/var/lib/my%20notes/db%3F.sqlite?_busy_timeout=1500&_query_only=true&mode=rw", dsn)
}

func TestSourceDSN_OpensReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "odd name.db")
	setup, err := sql.Open(SQLiteDriverName, path)
	require.NoError(t, err)
	_, err = setup.Exec(`CREATE TABLE t (a)`)
	require.NoError(t, err)
	require.NoError(t, setup.Close())

	sqlDB, conn, err := OpenPinned(SourceDSN(path, time.Second))
	require.NoError(t, err)
	defer CloseQuietly(sqlDB, conn)

	var n int
	require.NoError(t, conn.QueryRowContext(context.Background(), `SELECT COUNT(*) FROM t`).Scan(&n))
	assert.Zero(t, n)

	_, err = conn.ExecContext(context.Background(), `INSERT INTO t VALUES (1)`)
	assert.Error(t, err, "source connections must refuse writes")
}

func TestSourceDSN_DoesNotCreateMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.db")
	_, _, err := OpenPinned(SourceDSN(path, time.Second))
	assert.Error(t, err)
	assert.NoFileExists(t, path)
}

func TestMemoryDSN_Isolated(t *testing.T) {
	assert.NotEqual(t, MemoryDSN(), MemoryDSN())

	db1, conn1, err := OpenPinned(MemoryDSN())
	require.NoError(t, err)
	defer CloseQuietly(db1, conn1)
	db2, conn2, err := OpenPinned(MemoryDSN())
	require.NoError(t, err)
	defer CloseQuietly(db2, conn2)

	_, err = conn1.ExecContext(context.Background(), `CREATE TABLE only_here (a)`)
	require.NoError(t, err)

	var n int
	require.NoError(t, conn2.QueryRowContext(context.Background(),
		`SELECT COUNT(*) FROM sqlite_master WHERE name = 'only_here'`).Scan(&n))
	assert.Zero(t, n)
}

func TestRawConn(t *testing.T) {
	sqlDB, conn, err := OpenPinned(MemoryDSN())
	require.NoError(t, err)
	defer CloseQuietly(sqlDB, conn)

	called := false
	require.NoError(t, RawConn(conn, func(c *sqlite3.SQLiteConn) error {
		called = c != nil
		return nil
	}))
	assert.True(t, called)
}

func TestIsBusy(t *testing.T) {
	assert.True(t, IsBusy(sqlite3.Error{Code: sqlite3.ErrBusy}))
	assert.True(t, IsBusy(fmt.Errorf("step: %w", sqlite3.Error{Code: sqlite3.ErrLocked})))
	assert.False(t, IsBusy(sqlite3.Error{Code: sqlite3.ErrIoErr}))
	assert.False(t, IsBusy(errors.New("database is locked")))
	assert.False(t, IsBusy(nil))
}

func TestCloseQuietly_Nil(t *testing.T) {
	assert.NotPanics(t, func() { CloseQuietly(nil, nil) })
	assert.NotPanics(t, func() { (*EnhancedRows)(nil).Finalize() })
}
