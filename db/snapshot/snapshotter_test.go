package snapshot

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/maxpert/sqlkeep/common"
	"github.com/maxpert/sqlkeep/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createSourceDB writes a rollback-journal database with rows rows of padding
// so that the file spans many pages.
func createSourceDB(t *testing.T, rows int) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "source.db")
	sqlDB, err := sql.Open(db.SQLiteDriverName, path)
	require.NoError(t, err)
	defer sqlDB.Close()

	_, err = sqlDB.Exec(`CREATE TABLE notes (id INTEGER PRIMARY KEY, title TEXT NOT NULL, body TEXT)`)
	require.NoError(t, err)

	tx, err := sqlDB.Begin()
	require.NoError(t, err)
	for i := 0; i < rows; i++ {
		_, err = tx.Exec(`INSERT INTO notes (title, body) VALUES (?, ?)`,
			fmt.Sprintf("note %d", i), strings.Repeat("x", 512))
		require.NoError(t, err)
	}
	require.NoError(t, tx.Commit())
	return path
}

func countRows(t *testing.T, conn *sql.Conn) int {
	t.Helper()
	var n int
	require.NoError(t, conn.QueryRowContext(context.Background(), `SELECT COUNT(*) FROM notes`).Scan(&n))
	return n
}

func TestSnapshot_CopiesAllRows(t *testing.T) {
	path := createSourceDB(t, 200)

	s := NewSnapshotter(Options{})
	replica, err := s.Snapshot(Source{Path: path}, nil)
	require.NoError(t, err)
	defer replica.Close()

	assert.Equal(t, 200, countRows(t, replica.Conn()))
	assert.Greater(t, replica.Pages(), 16, "fixture should span more than one step")
}

func TestSnapshot_ReportsProgressEveryStep(t *testing.T) {
	path := createSourceDB(t, 200)

	var reports []Progress
	s := NewSnapshotter(Options{PagesPerStep: 4})
	replica, err := s.Snapshot(Source{Path: path}, ProgressFunc(func(p Progress) {
		reports = append(reports, p)
	}))
	require.NoError(t, err)
	defer replica.Close()

	require.NotEmpty(t, reports)
	total := replica.Pages()
	expectedSteps := (total + 3) / 4
	assert.Equal(t, expectedSteps, len(reports))

	for i, p := range reports {
		assert.Equal(t, total, p.Total, "report %d", i)
		assert.Equal(t, p.Total, p.Copied+p.Remaining, "report %d", i)
		if i > 0 {
			assert.Greater(t, p.Copied, reports[i-1].Copied, "copied must grow")
		}
	}
	last := reports[len(reports)-1]
	assert.Equal(t, 0, last.Remaining)
	assert.Equal(t, total, last.Copied)
}

func TestSnapshot_IsolatedFromLaterWrites(t *testing.T) {
	path := createSourceDB(t, 10)

	s := NewSnapshotter(Options{})
	replica, err := s.Snapshot(Source{Path: path}, nil)
	require.NoError(t, err)
	defer replica.Close()

	writer, err := sql.Open(db.SQLiteDriverName, path)
	require.NoError(t, err)
	defer writer.Close()
	_, err = writer.Exec(`INSERT INTO notes (title) VALUES ('late')`)
	require.NoError(t, err)

	assert.Equal(t, 10, countRows(t, replica.Conn()))
}

func TestSnapshot_DoesNotModifySource(t *testing.T) {
	path := createSourceDB(t, 5)

	s := NewSnapshotter(Options{})
	replica, err := s.Snapshot(Source{Path: path}, nil)
	require.NoError(t, err)

	// Writes land in the replica only
	_, err = replica.Conn().ExecContext(context.Background(), `DELETE FROM notes`)
	require.NoError(t, err)
	replica.Close()

	check, err := sql.Open(db.SQLiteDriverName, path)
	require.NoError(t, err)
	defer check.Close()
	var n int
	require.NoError(t, check.QueryRow(`SELECT COUNT(*) FROM notes`).Scan(&n))
	assert.Equal(t, 5, n)
}

func TestSnapshot_BusySourceFailsWithSourceUnavailable(t *testing.T) {
	path := createSourceDB(t, 20)

	locker, err := sql.Open(db.SQLiteDriverName, path)
	require.NoError(t, err)
	defer locker.Close()
	conn, err := locker.Conn(context.Background())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.ExecContext(context.Background(), `BEGIN EXCLUSIVE`)
	require.NoError(t, err)
	defer conn.ExecContext(context.Background(), `ROLLBACK`)

	s := NewSnapshotter(Options{RetryInterval: 10 * time.Millisecond})
	started := time.Now()
	replica, err := s.Snapshot(Source{Path: path, BusyTimeout: 100 * time.Millisecond}, nil)
	require.Error(t, err)
	assert.Nil(t, replica)

	assert.True(t, common.IsSourceUnavailable(err), "got %T: %v", err, err)
	assert.Less(t, time.Since(started), 10*time.Second, "must not wait for the default timeout")
}

func TestSnapshot_MissingSourceIsIOError(t *testing.T) {
	s := NewSnapshotter(Options{})
	_, err := s.Snapshot(Source{Path: filepath.Join(t.TempDir(), "missing.db")}, nil)
	require.Error(t, err)
	assert.True(t, common.IsIO(err))
	assert.False(t, common.IsSourceUnavailable(err))
}

func TestSnapshot_StallClockUsesInjectedTime(t *testing.T) {
	path := createSourceDB(t, 20)

	locker, err := sql.Open(db.SQLiteDriverName, path)
	require.NoError(t, err)
	defer locker.Close()
	conn, err := locker.Conn(context.Background())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.ExecContext(context.Background(), `BEGIN EXCLUSIVE`)
	require.NoError(t, err)
	defer conn.ExecContext(context.Background(), `ROLLBACK`)

	// Fake clock advanced only by sleep, so the real busy wait inside each
	// step does not count and the failure needs exactly five sleeps
	clock := time.Unix(0, 0)
	var sleeps int
	s := NewSnapshotter(Options{RetryInterval: 10 * time.Millisecond})
	s.now = func() time.Time { return clock }
	s.sleep = func(d time.Duration) {
		sleeps++
		clock = clock.Add(d)
	}

	_, err = s.Snapshot(Source{Path: path, BusyTimeout: 50 * time.Millisecond}, nil)
	require.Error(t, err)
	assert.True(t, common.IsSourceUnavailable(err))
	assert.Equal(t, 5, sleeps)
}

func TestSourceDefaults(t *testing.T) {
	assert.Equal(t, DefaultBusyTimeout, Source{}.busyTimeout())
	assert.Equal(t, time.Second, Source{BusyTimeout: time.Second}.busyTimeout())

	s := NewSnapshotter(Options{})
	assert.Equal(t, DefaultPagesPerStep, s.opts.PagesPerStep)
	assert.Equal(t, DefaultRetryInterval, s.opts.RetryInterval)
}
