package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/mattn/go-sqlite3"
)

// SQLiteDriverName is the driver name every sqlkeep connection is opened with
const SQLiteDriverName = "sqlite3_sqlkeep"

var memoryDBSeq atomic.Uint64

func init() {
	sql.Register(SQLiteDriverName, &sqlite3.SQLiteDriver{})
}

// SourceDSN builds the DSN for the live database. The file must already exist
// (mode=rw never creates it) and the connection refuses writes.
func SourceDSN(path string, busyTimeout time.Duration) string {
	params := url.Values{}
	params.Set("mode", "rw")
	params.Set("_busy_timeout", fmt.Sprintf("%d", busyTimeout.Milliseconds()))
	params.Set("_query_only", "true")
	return "file:" + (&url.URL{Path: path}).EscapedPath() + "?" + params.Encode()
}

// MemoryDSN builds a DSN for a private in-memory database. Each call yields a
// distinct database so concurrent replicas never share pages.
func MemoryDSN() string {
	return fmt.Sprintf("file:sqlkeep-replica-%d?mode=memory", memoryDBSeq.Add(1))
}

// OpenPinned opens dsn and pins a single connection. In-memory databases live
// only as long as their connection, so the pool is capped at one.
func OpenPinned(dsn string) (*sql.DB, *sql.Conn, error) {
	db, err := sql.Open(SQLiteDriverName, dsn)
	if err != nil {
		return nil, nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	conn, err := db.Conn(context.Background())
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return db, conn, nil
}

// RawConn extracts the driver connection backing conn
func RawConn(conn *sql.Conn, fn func(*sqlite3.SQLiteConn) error) error {
	return conn.Raw(func(driverConn any) error {
		sc, ok := driverConn.(*sqlite3.SQLiteConn)
		if !ok {
			return fmt.Errorf("unexpected driver connection %T", driverConn)
		}
		return fn(sc)
	})
}

// IsBusy reports whether err is SQLITE_BUSY or SQLITE_LOCKED
func IsBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}
