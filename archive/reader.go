package archive

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
	"github.com/maxpert/sqlkeep/common"
	"github.com/rs/zerolog/log"
	"github.com/ulikunitz/xz"
)

// ErrCorrupt marks an archive that fails to decompress or whose block check
// does not match
var ErrCorrupt = errors.New("archive corrupt")

// Summary describes a verified archive
type Summary struct {
	Path   string
	Size   int64  // Compressed size on disk
	SHA256 string // Hex SHA-256 of the compressed file
	Lines  int
	Bytes  int64  // Uncompressed size
	Digest uint64 // xxhash64 of the uncompressed bytes
}

// NewReader returns a reader over the decompressed contents of r. Block
// checks are verified as the stream is consumed; a mismatch surfaces as a
// read error.
func NewReader(r io.Reader) (io.Reader, error) {
	zr, err := xz.NewReader(bufio.NewReaderSize(r, bufferSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return zr, nil
}

// ReadLines decompresses r and calls fn for each line without its trailing
// newline. Reading stops at the first error from fn.
func ReadLines(r io.Reader, fn func(line string) error) error {
	zr, err := NewReader(r)
	if err != nil {
		return err
	}

	br := bufio.NewReaderSize(zr, bufferSize)
	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			if line[len(line)-1] != '\n' {
				return fmt.Errorf("%w: unterminated final line", ErrCorrupt)
			}
			if cbErr := fn(line[:len(line)-1]); cbErr != nil {
				return cbErr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
	}
}

// Verify fully decompresses the archive at path, checking every block, and
// summarizes its contents
func Verify(path string) (Summary, error) {
	f, err := os.Open(path)
	if err != nil {
		return Summary{}, &common.IOError{Op: "open", Path: path, Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Summary{}, &common.IOError{Op: "stat", Path: path, Err: err}
	}

	fileHash := sha256.New()
	zr, err := NewReader(io.TeeReader(f, fileHash))
	if err != nil {
		return Summary{}, fmt.Errorf("%s: %w", path, err)
	}

	counter := &lineCounter{digest: xxhash.New()}
	if _, err := io.Copy(counter, zr); err != nil {
		return Summary{}, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	if counter.bytes > 0 && !counter.terminated {
		return Summary{}, fmt.Errorf("%w: %s: unterminated final line", ErrCorrupt, path)
	}

	// Trailing bytes the xz reader did not need still belong to the file
	if _, err := io.Copy(fileHash, f); err != nil {
		return Summary{}, &common.IOError{Op: "read", Path: path, Err: err}
	}

	summary := Summary{
		Path:   path,
		Size:   info.Size(),
		SHA256: hex.EncodeToString(fileHash.Sum(nil)),
		Lines:  counter.lines,
		Bytes:  counter.bytes,
		Digest: counter.digest.Sum64(),
	}
	log.Debug().
		Str("file", path).
		Str("sha256", summary.SHA256[:16]+"...").
		Int("lines", summary.Lines).
		Msg("Verified archive integrity")
	return summary, nil
}

// FileSHA256 computes the SHA-256 of a file on disk
func FileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

type lineCounter struct {
	digest     *xxhash.Digest
	lines      int
	bytes      int64
	terminated bool
}

func (c *lineCounter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	_, _ = c.digest.Write(p)
	for _, b := range p {
		if b == '\n' {
			c.lines++
		}
	}
	c.bytes += int64(len(p))
	c.terminated = p[len(p)-1] == '\n'
	return len(p), nil
}
