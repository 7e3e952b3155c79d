// Package publish makes files appear at their final path in one step.
// Readers of the destination directory see either nothing or the complete,
// synced file, never a partial one.
package publish

import (
	"os"
	"path/filepath"

	"github.com/maxpert/sqlkeep/common"
	"github.com/rs/zerolog/log"
)

// Swapped out in tests
var (
	remove = os.Remove
	rename = os.Rename
)

// DirMode is the permission used when creating a destination directory
const DirMode os.FileMode = 0700

// EnsureDir creates dir and any missing parents with DirMode
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, DirMode); err != nil {
		return &common.IOError{Op: "mkdir", Path: dir, Err: err}
	}
	return nil
}

// Publish creates destPath atomically. write fills a temp file created next
// to destPath; once it returns the file is synced, closed and renamed over
// destPath. On any failure the temp file is removed and the error from the
// failing step is returned unchanged; destPath is left untouched.
func Publish(destPath string, write func(f *os.File) error) error {
	dir, base := filepath.Split(destPath)
	if dir == "" {
		dir = "."
	}

	f, err := os.CreateTemp(dir, "."+base+".*.tmp")
	if err != nil {
		return &common.IOError{Op: "create", Path: destPath, Err: err}
	}
	tmpPath := f.Name()
	closed := false

	fail := func(cause error) error {
		if !closed {
			_ = f.Close()
		}
		discard(tmpPath)
		return cause
	}

	if err := write(f); err != nil {
		return fail(err)
	}
	if err := f.Sync(); err != nil {
		return fail(&common.IOError{Op: "fsync", Path: tmpPath, Err: err})
	}
	closed = true
	if err := f.Close(); err != nil {
		return fail(&common.IOError{Op: "close", Path: tmpPath, Err: err})
	}
	if err := rename(tmpPath, destPath); err != nil {
		return fail(&common.IOError{Op: "rename", Path: destPath, Err: err})
	}

	syncDir(dir)
	log.Debug().Str("path", destPath).Msg("Published file")
	return nil
}

func discard(tmpPath string) {
	if err := remove(tmpPath); err != nil && !os.IsNotExist(err) {
		cleanup := &common.CleanupError{Path: tmpPath, Err: err}
		log.Warn().Err(cleanup).Msg("Unable to remove temp file")
	}
}

// syncDir persists the rename. Some filesystems refuse fsync on directories,
// so failure is only logged.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		log.Debug().Err(err).Str("dir", dir).Msg("Unable to open directory for sync")
		return
	}
	defer d.Close()

	if err := d.Sync(); err != nil {
		log.Debug().Err(err).Str("dir", dir).Msg("Directory sync failed")
	}
}
