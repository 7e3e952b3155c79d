// Package retention names backup files and keeps at most a fixed number of
// them per frequency class.
package retention

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gobwas/glob"
	"github.com/maxpert/sqlkeep/archive"
	"github.com/maxpert/sqlkeep/cfg"
	"github.com/maxpert/sqlkeep/common"
	"github.com/rs/zerolog/log"
)

// remove is swapped out in tests
var remove = os.Remove

// TimestampLayout is fixed width, so names sort in creation order
const TimestampLayout = "20060102150405-0700"

// NewTimestamp renders t in UTC. Compute it once per run and pass it along.
func NewTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// BackupName is the file name for a backup taken at ts
func BackupName(ts string, freq cfg.Frequency) string {
	return fmt.Sprintf("%s_%s.%s", ts, freq, archive.Extension)
}

// Pattern is the glob matching every backup file of freq
func Pattern(freq cfg.Frequency) string {
	return "*_" + glob.QuoteMeta(freq.String()) + "." + glob.QuoteMeta(archive.Extension)
}

// List returns the names of freq's backups in dir, oldest first. A missing
// directory holds no backups.
func List(dir string, freq cfg.Frequency) ([]string, error) {
	matcher, err := glob.Compile(Pattern(freq))
	if err != nil {
		return nil, fmt.Errorf("invalid backup pattern for %s: %w", freq, err)
	}

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, &common.IOError{Op: "readdir", Path: dir, Err: err}
	}

	var names []string
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !matcher.Match(entry.Name()) {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Prune deletes the oldest backups of freq until at most limit remain and
// returns the deleted names. It stops at the first failed deletion; files
// removed before it stay removed.
func Prune(dir string, freq cfg.Frequency, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("retention limit for %s must be > 0, got %d", freq, limit)
	}

	names, err := List(dir, freq)
	if err != nil {
		return nil, err
	}

	surplus := len(names) - limit
	if surplus <= 0 {
		log.Debug().Str("freq", freq.String()).Int("count", len(names)).Int("limit", limit).Msg("Nothing to prune")
		return nil, nil
	}

	deleted := make([]string, 0, surplus)
	for _, name := range names[:surplus] {
		path := filepath.Join(dir, name)
		log.Info().Str("file", path).Msg("Pruning")
		if err := remove(path); err != nil && !os.IsNotExist(err) {
			return deleted, &common.IOError{Op: "remove", Path: path, Err: err}
		}
		deleted = append(deleted, name)
	}
	return deleted, nil
}
