// Package snapshot takes consistent online copies of a live SQLite database
// into a private in-memory replica using SQLite's page-level backup API.
package snapshot

import (
	"database/sql"
	"sync"
	"time"

	"github.com/maxpert/sqlkeep/db"
	"github.com/rs/zerolog/log"
)

const (
	DefaultBusyTimeout   = 60 * time.Second
	DefaultPagesPerStep  = 16
	DefaultRetryInterval = 250 * time.Millisecond
)

// Source references the live database. It is never written to.
type Source struct {
	Path        string
	BusyTimeout time.Duration // How long to wait on a locked source, DefaultBusyTimeout when zero
}

func (s Source) busyTimeout() time.Duration {
	if s.BusyTimeout <= 0 {
		return DefaultBusyTimeout
	}
	return s.BusyTimeout
}

// Progress is reported after every copy step
type Progress struct {
	Copied    int // Pages copied so far
	Remaining int // Pages still to copy
	Total     int // Total pages in the source
}

// ProgressObserver is called synchronously from the copy loop
type ProgressObserver interface {
	OnProgress(p Progress)
}

// ProgressFunc adapts a function to ProgressObserver
type ProgressFunc func(p Progress)

func (f ProgressFunc) OnProgress(p Progress) {
	f(p)
}

// LogObserver logs copy progress at debug level
type LogObserver struct {
	Path string
}

func (o LogObserver) OnProgress(p Progress) {
	log.Debug().
		Str("source", o.Path).
		Int("copied", p.Copied).
		Int("remaining", p.Remaining).
		Int("total", p.Total).
		Msgf("Copied %d of %d pages", p.Copied, p.Total)
}

type noopObserver struct{}

func (noopObserver) OnProgress(Progress) {}

// Replica is a completed in-memory copy of the source. It belongs to a single
// run and is discarded with Close once serialized.
type Replica struct {
	db    *sql.DB
	conn  *sql.Conn
	pages int

	closeOnce sync.Once
}

// Conn returns the pinned connection holding the in-memory database
func (r *Replica) Conn() *sql.Conn {
	return r.conn
}

// Pages returns the number of pages copied from the source
func (r *Replica) Pages() int {
	return r.pages
}

// Close releases the replica. The in-memory pages are freed with the connection.
func (r *Replica) Close() {
	r.closeOnce.Do(func() {
		db.CloseQuietly(r.db, r.conn)
	})
}
