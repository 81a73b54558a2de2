// Package harvest defines core types shared across the harvesting subsystems.
package harvest

import (
	"strings"
	"time"
)

// Record is one inventory or listing entity: lowercase column name to
// string value. Identity is the ordered tuple of the source's key columns;
// every other column is comparison payload.
type Record map[string]string

// Key returns the identity tuple of r joined with an unprintable
// separator so values containing commas cannot collide.
func (r Record) Key(keyColumns []string) string {
	parts := make([]string, len(keyColumns))
	for i, col := range keyColumns {
		parts[i] = r[col]
	}
	return strings.Join(parts, "\x1f")
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Equal reports whether r and other agree on every column in columns.
// Absent columns compare as empty strings.
func (r Record) Equal(other Record, columns []string) bool {
	for _, col := range columns {
		if r[col] != other[col] {
			return false
		}
	}
	return true
}

// Snapshot is an ordered sequence of records captured at one instant for
// one source. Immutable once written to the store.
type Snapshot struct {
	SourceKey  string
	CapturedAt time.Time
	Columns    []string
	Records    []Record
}

// Delta holds the three disjoint record sets between an (old, new)
// snapshot pair. A key appears in at most one of the sets.
type Delta struct {
	Added   []Record
	Removed []Record
	Changed []Record
}

// Empty reports whether the delta carries no differences at all.
func (d Delta) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// Source describes one harvested origin.
type Source struct {
	// Key is the stable identifier used in snapshot filenames and
	// subscription location filters, e.g. "boise".
	Key string
	// RemoteID is the identifier the remote catalog service uses for
	// this source (the yard id in form posts). Empty for sources that
	// are not location-scoped.
	RemoteID string
	// KeyColumns declare record identity for dedup and diffing.
	KeyColumns []string
}

// UnitStatus classifies the outcome of one unit of work (one leaf query,
// one issue, one notification).
type UnitStatus string

// Unit outcomes aggregated into RunStats.
const (
	UnitOK      UnitStatus = "ok"
	UnitSkipped UnitStatus = "skipped"
	UnitFailed  UnitStatus = "failed"
)

// UnitOutcome is the result-or-skip value every per-unit operation
// returns instead of erroring at depth.
type UnitOutcome struct {
	Status UnitStatus
	Unit   string
	Err    error
}

// RunStats accumulates unit outcomes for end-of-run reporting.
type RunStats struct {
	OK      int
	Skipped int
	Failed  int
}

// Observe folds one outcome into the stats.
func (s *RunStats) Observe(o UnitOutcome) {
	switch o.Status {
	case UnitSkipped:
		s.Skipped++
	case UnitFailed:
		s.Failed++
	default:
		s.OK++
	}
}

// Units returns the total number of observed units.
func (s RunStats) Units() int {
	return s.OK + s.Skipped + s.Failed
}
