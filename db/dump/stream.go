// Package dump turns a SQLite database into the sequence of SQL statements
// that recreates it: schema first, then data.
package dump

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/maxpert/sqlkeep/common"
	"github.com/maxpert/sqlkeep/db"
)

// ErrClosed is returned by Next after Close
var ErrClosed = errors.New("statement stream closed")

// Options control serialization
type Options struct {
	// StrictSchema parses every schema statement and fails the dump with a
	// SerializationError when one cannot be parsed.
	StrictSchema bool
}

type stage int

const (
	stageBegin stage = iota
	stageTables
	stageTail
	stageDone
)

type schemaEntry struct {
	name string
	typ  string
	sql  string
}

// Stream is a lazy, single-pass sequence of statements. It is read with Next
// until io.EOF and cannot be rewound. Not safe for concurrent use.
type Stream struct {
	ctx  context.Context
	conn *sql.Conn
	opts Options

	stage   stage
	tables  []schemaEntry
	pending []string
	rows    *db.EnhancedRows
	table   string // table whose rows are being read

	writableSchema bool
	sequence       []string

	count int
	err   error // terminal state, io.EOF once exhausted
}

// Open returns a stream over the database behind conn. Nothing is read until
// the first call to Next.
func Open(conn *sql.Conn, opts Options) *Stream {
	return &Stream{
		ctx:  context.Background(),
		conn: conn,
		opts: opts,
	}
}

// Next returns the next statement, terminated with ';'. It returns io.EOF once
// the dump is complete; any other error is terminal and repeated on later calls.
func (s *Stream) Next() (string, error) {
	for {
		if s.err != nil {
			return "", s.err
		}

		if len(s.pending) > 0 {
			stmt := s.pending[0]
			s.pending = s.pending[1:]
			s.count++
			return stmt, nil
		}

		if s.rows != nil {
			stmt, ok, err := s.nextRow()
			if err != nil {
				s.fail(err)
				continue
			}
			if ok {
				s.count++
				return stmt, nil
			}
			continue
		}

		if err := s.advance(); err != nil {
			s.fail(err)
		}
	}
}

// Count returns how many statements have been returned so far
func (s *Stream) Count() int {
	return s.count
}

// Close releases any open cursor. Later calls to Next return ErrClosed
// unless the stream already finished or failed.
func (s *Stream) Close() {
	s.closeRows()
	if s.err == nil {
		s.err = ErrClosed
	}
}

func (s *Stream) fail(err error) {
	s.closeRows()
	s.pending = nil
	s.err = err
}

func (s *Stream) closeRows() {
	if s.rows != nil {
		s.rows.Finalize()
		s.rows = nil
	}
}

func (s *Stream) advance() error {
	switch s.stage {
	case stageBegin:
		tables, err := s.loadSchema(`SELECT "name", "type", "sql" FROM "sqlite_master" WHERE "sql" NOT NULL AND "type" == 'table' ORDER BY "name"`)
		if err != nil {
			return err
		}
		s.tables = tables
		s.pending = append(s.pending, "BEGIN TRANSACTION;")
		s.stage = stageTables
		return nil

	case stageTables:
		if len(s.tables) == 0 {
			return s.beginTail()
		}
		entry := s.tables[0]
		s.tables = s.tables[1:]
		return s.dumpTable(entry)

	case stageTail:
		if s.writableSchema {
			s.pending = append(s.pending, "PRAGMA writable_schema=OFF;")
		}
		// sqlite_sequence goes last so restored AUTOINCREMENT counters are not
		// overwritten by the row inserts above
		for _, stmt := range s.sequence {
			s.pending = append(s.pending, stmt+";")
		}
		s.pending = append(s.pending, "COMMIT;")
		s.stage = stageDone
		return nil

	default:
		return io.EOF
	}
}

func (s *Stream) dumpTable(entry schemaEntry) error {
	switch {
	case entry.name == "sqlite_sequence":
		return s.loadSequence()
	case entry.name == "sqlite_stat1":
		s.pending = append(s.pending, `ANALYZE "sqlite_master";`)
	case strings.HasPrefix(entry.name, "sqlite_"):
		return nil
	case strings.HasPrefix(entry.sql, "CREATE VIRTUAL TABLE"):
		if !s.writableSchema {
			s.writableSchema = true
			s.pending = append(s.pending, "PRAGMA writable_schema=ON;")
		}
		s.pending = append(s.pending, fmt.Sprintf(
			"INSERT INTO sqlite_master(type,name,tbl_name,rootpage,sql)VALUES('table',%s,%s,0,%s);",
			quoteValue(entry.name), quoteValue(entry.name), quoteValue(entry.sql)))
	default:
		if err := s.checkSchema(entry); err != nil {
			return err
		}
		s.pending = append(s.pending, entry.sql+";")
	}

	return s.openRows(entry.name)
}

func (s *Stream) openRows(table string) error {
	columns, err := s.columns(table)
	if err != nil {
		return err
	}
	if len(columns) == 0 {
		return &common.SerializationError{Statement: table, Err: errors.New("table has no columns")}
	}

	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = "||quote(" + quoteName(c) + ")||"
	}
	ident := quoteName(table)
	q := fmt.Sprintf("SELECT 'INSERT INTO %s VALUES('%s')' FROM %s;",
		strings.ReplaceAll(ident, "'", "''"), strings.Join(quoted, "','"), ident)

	rows, err := s.conn.QueryContext(s.ctx, q)
	if err != nil {
		return &common.SerializationError{Statement: q, Err: err}
	}
	s.rows = &db.EnhancedRows{Rows: rows}
	s.table = table
	return nil
}

func (s *Stream) nextRow() (string, bool, error) {
	if !s.rows.Next() {
		err := s.rows.Err()
		s.closeRows()
		if err != nil {
			return "", false, &common.SerializationError{Statement: s.table, Err: err}
		}
		return "", false, nil
	}

	var stmt sql.NullString
	if err := s.rows.Scan(&stmt); err != nil {
		return "", false, &common.SerializationError{Statement: s.table, Err: err}
	}
	if !stmt.Valid {
		return "", false, &common.SerializationError{Statement: s.table, Err: errors.New("row rendered as NULL")}
	}
	return stmt.String + ";", true, nil
}

func (s *Stream) columns(table string) ([]string, error) {
	rows, err := s.conn.QueryContext(s.ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteName(table)))
	if err != nil {
		return nil, &common.SerializationError{Statement: table, Err: err}
	}
	defer (&db.EnhancedRows{Rows: rows}).Finalize()

	var names []string
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   any
			notNull any
			dflt    any
			pk      any
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return nil, &common.SerializationError{Statement: table, Err: err}
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, &common.SerializationError{Statement: table, Err: err}
	}
	return names, nil
}

func (s *Stream) loadSequence() error {
	rows, err := s.conn.QueryContext(s.ctx, `SELECT "name", "seq" FROM "sqlite_sequence"`)
	if err != nil {
		return &common.SerializationError{Statement: "sqlite_sequence", Err: err}
	}
	defer (&db.EnhancedRows{Rows: rows}).Finalize()

	s.sequence = []string{`DELETE FROM "sqlite_sequence"`}
	for rows.Next() {
		var name string
		var seq int64
		if err := rows.Scan(&name, &seq); err != nil {
			return &common.SerializationError{Statement: "sqlite_sequence", Err: err}
		}
		s.sequence = append(s.sequence,
			fmt.Sprintf(`INSERT INTO "sqlite_sequence" VALUES(%s,%d)`, quoteValue(name), seq))
	}
	if err := rows.Err(); err != nil {
		return &common.SerializationError{Statement: "sqlite_sequence", Err: err}
	}
	return nil
}

// beginTail queues indexes, triggers and views, which must follow the data
func (s *Stream) beginTail() error {
	objects, err := s.loadSchema(`SELECT "name", "type", "sql" FROM "sqlite_master" WHERE "sql" NOT NULL AND "type" IN ('index', 'trigger', 'view')`)
	if err != nil {
		return err
	}
	for _, obj := range objects {
		if err := s.checkSchema(obj); err != nil {
			return err
		}
		s.pending = append(s.pending, obj.sql+";")
	}
	s.stage = stageTail
	return nil
}

func (s *Stream) loadSchema(q string) ([]schemaEntry, error) {
	rows, err := s.conn.QueryContext(s.ctx, q)
	if err != nil {
		return nil, &common.SerializationError{Statement: q, Err: err}
	}
	defer (&db.EnhancedRows{Rows: rows}).Finalize()

	var entries []schemaEntry
	for rows.Next() {
		var e schemaEntry
		if err := rows.Scan(&e.name, &e.typ, &e.sql); err != nil {
			return nil, &common.SerializationError{Statement: q, Err: err}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, &common.SerializationError{Statement: q, Err: err}
	}
	return entries, nil
}

func (s *Stream) checkSchema(entry schemaEntry) error {
	if !s.opts.StrictSchema {
		return nil
	}
	if err := ValidateStatement(entry.sql); err != nil {
		return &common.SerializationError{Statement: entry.sql, Err: err}
	}
	return nil
}

func quoteName(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteValue(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}
