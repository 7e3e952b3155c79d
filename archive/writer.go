// Package archive writes and reads the compressed statement files produced by
// a backup run. Files are single xz streams with a SHA-256 block check over
// newline-terminated SQL text.
package archive

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
	"github.com/maxpert/sqlkeep/common"
	"github.com/ulikunitz/xz"
)

// Extension is the suffix of every backup file
const Extension = "sql.xz"

const bufferSize = 64 * 1024

// ErrFlushed is returned when writing to a Writer after Flush
var ErrFlushed = errors.New("archive writer already flushed")

// Writer compresses statements into an xz stream. Not safe for concurrent use.
type Writer struct {
	buf    *bufio.Writer
	xz     *xz.Writer
	digest *xxhash.Digest

	lines   int
	bytes   int64
	flushed bool
}

// NewWriter starts an xz stream on w
func NewWriter(w io.Writer) (*Writer, error) {
	buf := bufio.NewWriterSize(w, bufferSize)
	zw, err := xz.WriterConfig{CheckSum: xz.SHA256}.NewWriter(buf)
	if err != nil {
		return nil, fmt.Errorf("failed to start xz stream: %w", err)
	}

	return &Writer{
		buf:    buf,
		xz:     zw,
		digest: xxhash.New(),
	}, nil
}

// WriteStatement appends stmt followed by a newline. Statements must be valid
// UTF-8.
func (w *Writer) WriteStatement(stmt string) error {
	if w.flushed {
		return ErrFlushed
	}
	if !utf8.ValidString(stmt) {
		return &common.SerializationError{Statement: stmt, Err: errors.New("statement is not valid UTF-8")}
	}

	line := stmt + "\n"
	if _, err := io.WriteString(w.xz, line); err != nil {
		return fmt.Errorf("failed to compress statement: %w", err)
	}
	_, _ = w.digest.WriteString(line)
	w.lines += strings.Count(line, "\n")
	w.bytes += int64(len(line))
	return nil
}

// Flush terminates the xz stream and pushes everything to the underlying
// writer. It must be called before the destination is synced. Later writes
// fail with ErrFlushed.
func (w *Writer) Flush() error {
	if w.flushed {
		return nil
	}
	w.flushed = true

	if err := w.xz.Close(); err != nil {
		return fmt.Errorf("failed to finish xz stream: %w", err)
	}
	return w.buf.Flush()
}

// Digest is the xxhash64 of the uncompressed bytes written so far
func (w *Writer) Digest() uint64 {
	return w.digest.Sum64()
}

// Lines is the number of newline-terminated lines written. A statement
// holding a multi-line string literal spans several lines.
func (w *Writer) Lines() int {
	return w.lines
}

// Bytes is the uncompressed size written so far
func (w *Writer) Bytes() int64 {
	return w.bytes
}
