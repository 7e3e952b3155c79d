package snapshot

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/maxpert/sqlkeep/common"
	"github.com/maxpert/sqlkeep/db"
	"github.com/maxpert/sqlkeep/telemetry"
	"github.com/rs/zerolog/log"
)

var errSourceBusy = errors.New("database is locked")

// Options tune the copy loop
type Options struct {
	PagesPerStep  int           // Pages copied per backup step
	RetryInterval time.Duration // Sleep after a step that made no progress
}

// Snapshotter copies a live database into an in-memory replica
type Snapshotter struct {
	opts Options

	now   func() time.Time
	sleep func(time.Duration)
}

// NewSnapshotter creates a snapshotter, filling unset options with defaults
func NewSnapshotter(opts Options) *Snapshotter {
	if opts.PagesPerStep <= 0 {
		opts.PagesPerStep = DefaultPagesPerStep
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	return &Snapshotter{
		opts:  opts,
		now:   time.Now,
		sleep: time.Sleep,
	}
}

// Snapshot copies src into a new in-memory replica, notifying observer after
// every step. The caller owns the returned replica and must Close it.
//
// A source that stays locked past its busy timeout fails with
// *common.SourceUnavailableError. Nothing is retried after that.
func (s *Snapshotter) Snapshot(src Source, observer ProgressObserver) (*Replica, error) {
	if observer == nil {
		observer = noopObserver{}
	}

	if _, err := os.Stat(src.Path); err != nil {
		return nil, &common.IOError{Op: "stat", Path: src.Path, Err: err}
	}

	srcDB, srcConn, err := db.OpenPinned(db.SourceDSN(src.Path, src.busyTimeout()))
	if err != nil {
		return nil, s.classify(src, "open", err)
	}
	defer db.CloseQuietly(srcDB, srcConn)

	replicaDB, replicaConn, err := db.OpenPinned(db.MemoryDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory replica: %w", err)
	}

	var pages int
	err = db.RawConn(replicaConn, func(dst *sqlite3.SQLiteConn) error {
		return db.RawConn(srcConn, func(srcRaw *sqlite3.SQLiteConn) error {
			bk, err := dst.Backup("main", srcRaw, "main")
			if err != nil {
				return s.classify(src, "backup", err)
			}
			pages, err = s.copyPages(src, bk, observer)
			return err
		})
	})
	if err != nil {
		db.CloseQuietly(replicaDB, replicaConn)
		return nil, err
	}

	log.Debug().Str("source", src.Path).Int("pages", pages).Msg("Snapshot complete")
	return &Replica{db: replicaDB, conn: replicaConn, pages: pages}, nil
}

// copyPages drives the backup to completion. go-sqlite3 reports BUSY and
// LOCKED as "not done" without an error, so a step that changes neither the
// remaining nor the total page count is treated as stalled. The stall clock
// starts when the first stalled step began, which includes the busy wait the
// driver already spent inside that step.
func (s *Snapshotter) copyPages(src Source, bk *sqlite3.SQLiteBackup, observer ProgressObserver) (int, error) {
	timeout := src.busyTimeout()

	// Before the first step both counters read zero
	lastRemaining, lastTotal := 0, 0
	var stalledSince time.Time

	for {
		started := s.now()
		done, err := bk.Step(s.opts.PagesPerStep)
		if err != nil {
			bk.Close()
			return 0, s.classify(src, "backup step", err)
		}

		remaining, total := bk.Remaining(), bk.PageCount()
		if done {
			observer.OnProgress(Progress{Copied: total, Remaining: 0, Total: total})
			if err := bk.Finish(); err != nil {
				return 0, s.classify(src, "backup finish", err)
			}
			return total, nil
		}

		observer.OnProgress(Progress{Copied: total - remaining, Remaining: remaining, Total: total})

		if remaining != lastRemaining || total != lastTotal {
			lastRemaining, lastTotal = remaining, total
			stalledSince = time.Time{}
			continue
		}

		telemetry.SnapshotStallsTotal.Inc()
		if stalledSince.IsZero() {
			stalledSince = started
		}
		if s.now().Sub(stalledSince) >= timeout {
			bk.Close()
			return 0, &common.SourceUnavailableError{Path: src.Path, Timeout: timeout, Err: errSourceBusy}
		}
		s.sleep(s.opts.RetryInterval)
	}
}

func (s *Snapshotter) classify(src Source, op string, err error) error {
	if db.IsBusy(err) {
		return &common.SourceUnavailableError{Path: src.Path, Timeout: src.busyTimeout(), Err: err}
	}
	return &common.IOError{Op: op, Path: src.Path, Err: err}
}
