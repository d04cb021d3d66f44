// Package detect classifies one internal identity against the last-known
// agreed baseline. Classification is purely fingerprint-based: neither side
// carries a trustworthy global clock, so last-write-wins is off the table
// and a double change is always a genuine conflict.
package detect

import "github.com/basket/tasksync/internal/cir"

// Classification of one identity within a pass. The values double as the
// driver's per-identity states.
type Classification string

const (
	// Absent: gone from both sides; the identity has left the iteration
	// domain.
	Absent Classification = "ABSENT"
	// NewOnA / NewOnB: present on one side with no baseline; created
	// relative to the other side.
	NewOnA Classification = "NEW_ON_A"
	NewOnB Classification = "NEW_ON_B"
	// TombstoneA / TombstoneB: the baseline had the task but the named side
	// no longer does; its terminal state propagates to the other side.
	TombstoneA Classification = "TOMBSTONE_A"
	TombstoneB Classification = "TOMBSTONE_B"
	// Clean: both sides still match the baseline.
	Clean Classification = "CLEAN"
	// DirtyA / DirtyB: exactly one side diverged from the baseline.
	DirtyA Classification = "DIRTY_A"
	DirtyB Classification = "DIRTY_B"
	// Conflict: both sides diverged from the baseline (or both appeared
	// with no baseline at all); requires a three-way merge.
	Conflict Classification = "CONFLICT"
)

// Classify compares the fetched state of both sides against the baseline
// fingerprint. a and b are nil when the identity is absent from that side;
// baseFingerprint is empty when no snapshot exists yet. Tasks must already
// have their relationship lists normalized to internal identities, since
// those lists participate in the fingerprint.
func Classify(a, b *cir.Task, baseFingerprint string) Classification {
	if a == nil && b == nil {
		return Absent
	}

	if baseFingerprint == "" {
		switch {
		case a != nil && b != nil:
			// Both sides exist but were never reconciled: merge from an
			// empty base rather than guessing a winner.
			return Conflict
		case a != nil:
			return NewOnA
		default:
			return NewOnB
		}
	}

	if a == nil {
		return TombstoneA
	}
	if b == nil {
		return TombstoneB
	}

	aChanged := a.Fingerprint() != baseFingerprint
	bChanged := b.Fingerprint() != baseFingerprint
	switch {
	case aChanged && bChanged:
		return Conflict
	case aChanged:
		return DirtyA
	case bChanged:
		return DirtyB
	default:
		return Clean
	}
}
