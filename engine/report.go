package engine

import (
	"github.com/rs/zerolog"
)

// Outcome is the final state of one planned operation.
type Outcome int

const (
	// OutcomePending is the zero value; no report should carry it.
	OutcomePending Outcome = iota
	// OutcomePlanned marks a dry run: the operation was computed but no
	// mutation was issued.
	OutcomePlanned
	OutcomeSucceeded
	OutcomeFailed
	// OutcomeSkipped means a dependency failed permanently; the operation
	// was never attempted and never will be in this run.
	OutcomeSkipped
	// OutcomeNotAttempted means cancellation stopped dispatch before the
	// operation's turn.
	OutcomeNotAttempted
)

func (o Outcome) String() string {
	switch o {
	case OutcomePlanned:
		return "planned"
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeFailed:
		return "failed"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeNotAttempted:
		return "not-attempted"
	default:
		return "pending"
	}
}

// OpResult is the outcome of one operation. Err is set for failures only.
type OpResult struct {
	Op      OpID
	Kind    OpKind
	Path    string
	Outcome Outcome
	Err     error
}

// Report enumerates every operation of a run with its outcome, plus the
// per-document problems found while planning.
type Report struct {
	Results           []OpResult
	Conflicts         []MappingConflict
	TransformFailures []TransformFailure
	DryRun            bool
	Cancelled         bool
}

// Count returns how many results ended in the given outcome.
func (r *Report) Count(o Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}

// Failed reports whether the run as a whole should exit non-zero: any
// failed or skipped operation, or any document excluded while planning.
func (r *Report) Failed() bool {
	if len(r.Conflicts) > 0 || len(r.TransformFailures) > 0 {
		return true
	}
	for _, res := range r.Results {
		if res.Outcome == OutcomeFailed || res.Outcome == OutcomeSkipped {
			return true
		}
	}
	return false
}

// Log writes one line per operation plus a summary.
func (r *Report) Log(log zerolog.Logger) {
	for _, res := range r.Results {
		evt := log.Info()
		if res.Outcome == OutcomeFailed || res.Outcome == OutcomeSkipped {
			evt = log.Error().Err(res.Err)
		}
		evt.
			Str("op", string(res.Op)).
			Str("kind", res.Kind.String()).
			Str("outcome", res.Outcome.String()).
			Msg("operation result")
	}
	for _, c := range r.Conflicts {
		log.Error().Str("path", c.Path).Msg(c.Error())
	}
	for _, f := range r.TransformFailures {
		log.Error().Err(f.Err).Strs("namespace", f.Namespace).Msg("document excluded: transform failed")
	}
	log.Info().
		Bool("dry_run", r.DryRun).
		Bool("cancelled", r.Cancelled).
		Int("succeeded", r.Count(OutcomeSucceeded)).
		Int("failed", r.Count(OutcomeFailed)).
		Int("skipped", r.Count(OutcomeSkipped)).
		Int("not_attempted", r.Count(OutcomeNotAttempted)).
		Int("planned", r.Count(OutcomePlanned)).
		Msg("run complete")
}
