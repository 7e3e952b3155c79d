// Package pipeline runs one backup end to end: snapshot, serialize, compress,
// publish, then optionally prune. Every run is a single attempt; retrying a
// failed run is up to the caller.
package pipeline

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/maxpert/sqlkeep/archive"
	"github.com/maxpert/sqlkeep/cfg"
	"github.com/maxpert/sqlkeep/common"
	"github.com/maxpert/sqlkeep/db/dump"
	"github.com/maxpert/sqlkeep/db/snapshot"
	"github.com/maxpert/sqlkeep/publish"
	"github.com/maxpert/sqlkeep/retention"
	"github.com/maxpert/sqlkeep/telemetry"
	"github.com/rs/zerolog/log"
)

// Options configure a Runner
type Options struct {
	Snapshot    snapshot.Options
	BusyTimeout time.Duration
	Dump        dump.Options
	Policy      cfg.RetentionPolicy
	Observers   []PhaseObserver
	Progress    snapshot.ProgressObserver // Defaults to snapshot.LogObserver
}

// OptionsFromConfig builds runner options from a loaded configuration
func OptionsFromConfig(c *cfg.Configuration) Options {
	return Options{
		Snapshot: snapshot.Options{
			PagesPerStep:  c.Source.PagesPerStep,
			RetryInterval: c.Source.RetryInterval(),
		},
		BusyTimeout: c.Source.BusyTimeout(),
		Dump:        dump.Options{StrictSchema: c.Dump.StrictSchema},
		Policy:      c.Retention.Policy(),
		Observers:   []PhaseObserver{LogObserver{}},
	}
}

// Result describes a published backup
type Result struct {
	Path       string
	Timestamp  string
	Frequency  cfg.Frequency
	Pages      int    // Pages copied from the source
	Statements int    // Statements serialized
	Lines      int    // Lines in the uncompressed file
	RawBytes   int64  // Uncompressed size
	Bytes      int64  // Compressed size on disk
	Digest     uint64 // xxhash64 of the uncompressed contents
	Duration   time.Duration
}

// Runner drives runs one at a time. Not safe for concurrent use.
type Runner struct {
	opts        Options
	snapshotter *snapshot.Snapshotter
	now         func() time.Time

	phase     Phase
	freq      cfg.Frequency
	changedAt time.Time
}

// NewRunner creates a runner in PhaseIdle
func NewRunner(opts Options) *Runner {
	return &Runner{
		opts:        opts,
		snapshotter: snapshot.NewSnapshotter(opts.Snapshot),
		now:         time.Now,
		phase:       PhaseIdle,
	}
}

// Phase returns the current phase
func (r *Runner) Phase() Phase {
	return r.phase
}

// Run backs up srcPath into destDir as a new freq backup. It either publishes
// exactly one file or leaves destDir as it was, returning the error of the
// stage that failed unchanged.
func (r *Runner) Run(srcPath, destDir string, freq cfg.Frequency) (*Result, error) {
	if !freq.Valid() {
		return nil, fmt.Errorf("unknown frequency %q", freq)
	}
	r.begin(freq)

	started := r.now()
	result := &Result{
		Timestamp: retention.NewTimestamp(started),
		Frequency: freq,
	}
	result.Path = filepath.Join(destDir, retention.BackupName(result.Timestamp, freq))

	if err := r.run(srcPath, destDir, result); err != nil {
		r.transition(PhaseFailed, err)
		telemetry.RunsTotal.With(freq.String(), "failed").Inc()
		return nil, err
	}

	result.Duration = r.now().Sub(started)
	r.transition(PhasePublished, nil)
	r.recordSuccess(result)

	log.Info().
		Str("path", result.Path).
		Int("pages", result.Pages).
		Int("statements", result.Statements).
		Int64("bytes", result.Bytes).
		Dur("duration", result.Duration).
		Msg("Created backup")
	return result, nil
}

func (r *Runner) run(srcPath, destDir string, result *Result) error {
	if err := publish.EnsureDir(destDir); err != nil {
		return err
	}

	r.transition(PhaseSnapshotting, nil)
	progress := r.opts.Progress
	if progress == nil {
		progress = snapshot.LogObserver{Path: srcPath}
	}
	replica, err := r.snapshotter.Snapshot(snapshot.Source{Path: srcPath, BusyTimeout: r.opts.BusyTimeout}, progress)
	if err != nil {
		return err
	}
	defer replica.Close()
	result.Pages = replica.Pages()

	r.transition(PhaseSerializing, nil)
	stream := dump.Open(replica.Conn(), r.opts.Dump)
	defer stream.Close()

	return publish.Publish(result.Path, func(f *os.File) error {
		out := &countingWriter{w: f}
		w, err := archive.NewWriter(out)
		if err != nil {
			return &common.IOError{Op: "write", Path: f.Name(), Err: err}
		}

		r.transition(PhaseCompressing, nil)
		for {
			stmt, err := stream.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return err
			}
			if err := w.WriteStatement(stmt); err != nil {
				if common.IsSerialization(err) {
					return err
				}
				return &common.IOError{Op: "write", Path: f.Name(), Err: err}
			}
		}
		if err := w.Flush(); err != nil {
			return &common.IOError{Op: "write", Path: f.Name(), Err: err}
		}

		result.Statements = stream.Count()
		result.Lines = w.Lines()
		result.RawBytes = w.Bytes()
		result.Digest = w.Digest()
		result.Bytes = out.n

		// Publish syncs and renames once this returns
		r.transition(PhasePublishing, nil)
		return nil
	})
}

// Prune deletes freq's surplus backups in destDir according to the policy.
// It is idempotent and independent of Run: a failure never affects a backup
// that was already published.
func (r *Runner) Prune(destDir string, freq cfg.Frequency) ([]string, error) {
	if r.phase != PhasePublished || r.freq != freq {
		r.begin(freq)
	}

	limit, err := r.opts.Policy.Limit(freq)
	if err != nil {
		return nil, err
	}

	r.transition(PhasePruning, nil)
	deleted, err := retention.Prune(destDir, freq, limit)
	telemetry.FilesPrunedTotal.With(freq.String()).Add(float64(len(deleted)))
	if err != nil {
		telemetry.PruneFailuresTotal.With(freq.String()).Inc()
		r.transition(PhasePruneFailed, err)
		return deleted, err
	}

	if remaining, err := retention.List(destDir, freq); err == nil {
		telemetry.BackupsRetained.With(freq.String()).Set(float64(len(remaining)))
	}
	r.transition(PhaseDone, nil)
	return deleted, nil
}

// Backup runs and, once published, prunes. A prune error is returned along
// with the result of the successful run.
func (r *Runner) Backup(srcPath, destDir string, freq cfg.Frequency) (*Result, []string, error) {
	result, err := r.Run(srcPath, destDir, freq)
	if err != nil {
		return nil, nil, err
	}

	deleted, err := r.Prune(destDir, freq)
	if err != nil {
		return result, deleted, fmt.Errorf("backup published but prune failed: %w", err)
	}
	return result, deleted, nil
}

func (r *Runner) begin(freq cfg.Frequency) {
	r.phase = PhaseIdle
	r.freq = freq
	r.changedAt = r.now()
}

func (r *Runner) transition(to Phase, err error) {
	from := r.phase
	if !from.CanTransition(to) {
		panic(fmt.Sprintf("invalid phase transition %s -> %s", from, to))
	}

	at := r.now()
	if from != PhaseIdle && from != PhasePublished {
		telemetry.PhaseDurationSeconds.With(from.String()).Observe(at.Sub(r.changedAt).Seconds())
	}
	r.phase = to
	r.changedAt = at

	t := Transition{From: from, To: to, Frequency: r.freq, At: at, Err: err}
	for _, o := range r.opts.Observers {
		o.OnTransition(t)
	}
}

func (r *Runner) recordSuccess(result *Result) {
	freq := result.Frequency.String()
	telemetry.RunsTotal.With(freq, "success").Inc()
	telemetry.RunDurationSeconds.With(freq).Observe(result.Duration.Seconds())
	telemetry.LastSuccessTimestamp.With(freq).SetToCurrentTime()
	telemetry.ArchiveBytes.With(freq).Set(float64(result.Bytes))
	telemetry.LastRunPages.Set(float64(result.Pages))
	telemetry.PagesCopiedTotal.Add(float64(result.Pages))
	telemetry.StatementsWrittenTotal.Add(float64(result.Statements))
	telemetry.UncompressedBytesTotal.Add(float64(result.RawBytes))
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
