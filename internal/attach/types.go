package attach

import (
	"context"
	"time"
)

// ID identifies a loaded unit. It is stable within a pass and distinct for
// logically distinct units.
type ID = string

// Unit is one entry of a host snapshot.
type Unit struct {
	ID         ID
	Modifiable bool
}

// Host owns the loaded units and performs the transformation.
type Host interface {
	// Snapshot returns the units loaded right now. It is called once per pass.
	Snapshot(ctx context.Context) ([]Unit, error)
	// Apply transforms one unit in place. It may fail independently per unit.
	Apply(ctx context.Context, u Unit) error
}

// ModifiabilityChecker is implemented by hosts that can re-check a unit's
// modifiability against live state, since the snapshot may be stale.
type ModifiabilityChecker interface {
	Modifiable(ctx context.Context, u Unit) (bool, error)
}

// Port answers whether a unit still needs the transformation by inspecting
// its current shape. It does not consult the registry.
type Port interface {
	NeedsTransformation(ctx context.Context, u Unit) (bool, error)
}

// Outcome is what a pass did with one unit.
type Outcome string

const (
	OutcomeUnmodifiable Outcome = "skipped_unmodifiable"
	OutcomeIneligible   Outcome = "skipped_ineligible"
	OutcomeRecorded     Outcome = "skipped_recorded"
	OutcomeNotNeeded    Outcome = "skipped_not_needed"
	OutcomeApplied      Outcome = "applied"
	OutcomeFaulted      Outcome = "faulted"
)

// Result pairs a unit with its outcome. Err is set only for OutcomeFaulted.
type Result struct {
	Unit    Unit
	Outcome Outcome
	Err     error
}

// Report aggregates the results of one pass in snapshot order.
type Report struct {
	PassID     string
	StartedAt  time.Time
	FinishedAt time.Time
	Results    []Result
	// MarkerPublished is true when this pass transitioned the marker.
	MarkerPublished bool
}

// Count returns how many units ended with the given outcome.
func (r *Report) Count(o Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}

// Faults returns the faulted results.
func (r *Report) Faults() []Result {
	var out []Result
	for _, res := range r.Results {
		if res.Outcome == OutcomeFaulted {
			out = append(out, res)
		}
	}
	return out
}

// Applied returns the IDs transformed by this pass.
func (r *Report) Applied() []ID {
	var out []ID
	for _, res := range r.Results {
		if res.Outcome == OutcomeApplied {
			out = append(out, res.Unit.ID)
		}
	}
	return out
}

// Duration returns the wall time the pass took.
func (r *Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
