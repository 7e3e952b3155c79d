package publish

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/maxpert/sqlkeep/common"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureLog redirects the global logger into a buffer for the test
func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	original := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = original })
	return &buf
}

func dirEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestPublish_Success(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "20240101000000+0000_daily.sql.xz")

	err := Publish(dest, func(f *os.File) error {
		// Written into a hidden temp file beside the destination
		assert.Equal(t, dir, filepath.Dir(f.Name()))
		assert.NotEqual(t, dest, f.Name())
		_, statErr := os.Stat(dest)
		assert.True(t, os.IsNotExist(statErr), "destination must not exist before rename")

		_, err := io.WriteString(f, "payload")
		return err
	})
	require.NoError(t, err)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
	assert.Equal(t, []string{filepath.Base(dest)}, dirEntries(t, dir))
}

func TestPublish_WriteFailureLeavesDirectoryUnchanged(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "20231231000000+0000_daily.sql.xz")
	require.NoError(t, os.WriteFile(existing, []byte("old"), 0600))

	cause := &common.SerializationError{Statement: "INSERT", Err: errors.New("boom")}
	err := Publish(filepath.Join(dir, "20240101000000+0000_daily.sql.xz"), func(f *os.File) error {
		_, _ = io.WriteString(f, "partial")
		return cause
	})

	require.Error(t, err)
	assert.Same(t, cause, err, "original error must be returned unchanged")
	assert.Equal(t, []string{filepath.Base(existing)}, dirEntries(t, dir))
}

func TestPublish_ReplacesSameName(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "20240101000000+0000_hourly.sql.xz")
	require.NoError(t, os.WriteFile(dest, []byte("first"), 0600))

	require.NoError(t, Publish(dest, func(f *os.File) error {
		_, err := io.WriteString(f, "second")
		return err
	}))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))
}

func TestPublish_MissingDirectory(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "absent", "x.sql.xz")

	called := false
	err := Publish(dest, func(*os.File) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, called)
	assert.True(t, common.IsIO(err))
}

func TestPublish_WriterClosingFileIsReported(t *testing.T) {
	dir := t.TempDir()
	err := Publish(filepath.Join(dir, "x.sql.xz"), func(f *os.File) error {
		return f.Close()
	})
	require.Error(t, err)

	var ioErr *common.IOError
	require.ErrorAs(t, err, &ioErr)
	assert.Equal(t, "fsync", ioErr.Op)
	assert.ErrorIs(t, err, os.ErrClosed)
	assert.Empty(t, dirEntries(t, dir))
}

func TestPublish_RenameFailureLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "20240101000000+0000_monthly.sql.xz")

	denied := errors.New("cross-device link")
	rename = func(string, string) error { return denied }
	t.Cleanup(func() { rename = os.Rename })

	err := Publish(dest, func(f *os.File) error {
		_, err := io.WriteString(f, "payload")
		return err
	})
	require.Error(t, err)

	var ioErr *common.IOError
	require.ErrorAs(t, err, &ioErr)
	assert.Equal(t, "rename", ioErr.Op)
	assert.Equal(t, dest, ioErr.Path)
	assert.ErrorIs(t, err, denied)
	assert.Empty(t, dirEntries(t, dir))
}

func TestPublish_CleanupFailureKeepsOriginalError(t *testing.T) {
	buf := captureLog(t)
	dir := t.TempDir()

	var tmpPath string
	remove = func(path string) error {
		tmpPath = path
		return os.ErrPermission
	}
	t.Cleanup(func() { remove = os.Remove })

	cause := &common.SerializationError{Statement: "INSERT", Err: errors.New("boom")}
	err := Publish(filepath.Join(dir, "20240101000000+0000_daily.sql.xz"), func(f *os.File) error {
		return cause
	})

	require.Error(t, err)
	assert.Same(t, cause, err, "cleanup failure must not replace the original error")
	assert.False(t, errors.Is(err, os.ErrPermission))

	// The temp file is left behind and the failed removal is logged
	require.NotEmpty(t, tmpPath)
	assert.Equal(t, []string{filepath.Base(tmpPath)}, dirEntries(t, dir))
	assert.Contains(t, buf.String(), "cleanup of "+tmpPath+" failed")
	assert.Contains(t, buf.String(), `"level":"warn"`)
}

func TestEnsureDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	require.NoError(t, EnsureDir(dir))

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, DirMode, info.Mode().Perm())

	require.NoError(t, EnsureDir(dir), "existing directory is fine")
}
