package pipeline

import (
	"time"

	"github.com/maxpert/sqlkeep/cfg"
	"github.com/rs/zerolog/log"
)

// Phase indicates the current phase of a run
type Phase int

const (
	PhaseIdle         Phase = iota // Not started
	PhaseSnapshotting              // Copying source pages into the replica
	PhaseSerializing               // Opening the statement stream
	PhaseCompressing               // Streaming statements into the temp file
	PhasePublishing                // Syncing and renaming the temp file
	PhasePublished                 // Backup file visible
	PhaseFailed                    // Run aborted, nothing published
	PhasePruning                   // Deleting surplus backups
	PhaseDone                      // Pruned
	PhasePruneFailed               // Pruning stopped on an error
)

// String returns human-readable phase name
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseSnapshotting:
		return "snapshotting"
	case PhaseSerializing:
		return "serializing"
	case PhaseCompressing:
		return "compressing"
	case PhasePublishing:
		return "publishing"
	case PhasePublished:
		return "published"
	case PhaseFailed:
		return "failed"
	case PhasePruning:
		return "pruning"
	case PhaseDone:
		return "done"
	case PhasePruneFailed:
		return "prune_failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition follows p within a run
func (p Phase) Terminal() bool {
	switch p {
	case PhaseFailed, PhaseDone, PhasePruneFailed:
		return true
	default:
		return false
	}
}

var transitions = map[Phase][]Phase{
	PhaseIdle:         {PhaseSnapshotting, PhasePruning, PhaseFailed},
	PhaseSnapshotting: {PhaseSerializing, PhaseFailed},
	PhaseSerializing:  {PhaseCompressing, PhaseFailed},
	PhaseCompressing:  {PhasePublishing, PhaseFailed},
	PhasePublishing:   {PhasePublished, PhaseFailed},
	PhasePublished:    {PhasePruning},
	PhasePruning:      {PhaseDone, PhasePruneFailed},
}

// CanTransition reports whether a run may move from p to next
func (p Phase) CanTransition(next Phase) bool {
	for _, allowed := range transitions[p] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Transition describes a single phase change
type Transition struct {
	From      Phase
	To        Phase
	Frequency cfg.Frequency
	At        time.Time
	Err       error // Set when To is PhaseFailed or PhasePruneFailed
}

// PhaseObserver is notified synchronously on every transition
type PhaseObserver interface {
	OnTransition(t Transition)
}

// PhaseFunc adapts a function to PhaseObserver
type PhaseFunc func(t Transition)

func (f PhaseFunc) OnTransition(t Transition) {
	f(t)
}

// LogObserver logs transitions, failures at error level
type LogObserver struct{}

func (LogObserver) OnTransition(t Transition) {
	if t.Err != nil {
		log.Error().
			Err(t.Err).
			Str("freq", t.Frequency.String()).
			Str("from", t.From.String()).
			Msgf("Backup %s", t.To)
		return
	}
	log.Debug().
		Str("freq", t.Frequency.String()).
		Str("from", t.From.String()).
		Str("to", t.To.String()).
		Msg("Phase transition")
}
