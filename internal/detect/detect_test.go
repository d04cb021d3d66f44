package detect_test

import (
	"testing"

	"github.com/basket/tasksync/internal/cir"
	"github.com/basket/tasksync/internal/detect"
)

func task(desc string, status cir.Status) *cir.Task {
	return &cir.Task{Description: desc, Status: status}
}

func TestClassify_Absent(t *testing.T) {
	if got := detect.Classify(nil, nil, ""); got != detect.Absent {
		t.Fatalf("got %s", got)
	}
	if got := detect.Classify(nil, nil, "somehash"); got != detect.Absent {
		t.Fatalf("got %s", got)
	}
}

func TestClassify_NoBaseline(t *testing.T) {
	a := task("x", cir.StatusPending)
	b := task("y", cir.StatusPending)

	if got := detect.Classify(a, nil, ""); got != detect.NewOnA {
		t.Fatalf("got %s, want NEW_ON_A", got)
	}
	if got := detect.Classify(nil, b, ""); got != detect.NewOnB {
		t.Fatalf("got %s, want NEW_ON_B", got)
	}
	if got := detect.Classify(a, b, ""); got != detect.Conflict {
		t.Fatalf("got %s, want CONFLICT for unlinked double presence", got)
	}
}

func TestClassify_Tombstones(t *testing.T) {
	base := task("x", cir.StatusPending)
	fp := base.Fingerprint()

	if got := detect.Classify(nil, base, fp); got != detect.TombstoneA {
		t.Fatalf("got %s, want TOMBSTONE_A", got)
	}
	if got := detect.Classify(base, nil, fp); got != detect.TombstoneB {
		t.Fatalf("got %s, want TOMBSTONE_B", got)
	}
}

func TestClassify_CleanAndDirty(t *testing.T) {
	base := task("Draft", cir.StatusPending)
	fp := base.Fingerprint()

	same := task("Draft", cir.StatusPending)
	changed := task("Draft v2", cir.StatusPending)

	if got := detect.Classify(same, same.Clone(), fp); got != detect.Clean {
		t.Fatalf("got %s, want CLEAN", got)
	}
	if got := detect.Classify(changed, same, fp); got != detect.DirtyA {
		t.Fatalf("got %s, want DIRTY_A", got)
	}
	if got := detect.Classify(same, changed, fp); got != detect.DirtyB {
		t.Fatalf("got %s, want DIRTY_B", got)
	}
}

// One side matching the baseline and the other differing must never be
// treated as a conflict.
func TestClassify_ConflictOnlyOnDoubleChange(t *testing.T) {
	base := task("Draft", cir.StatusPending)
	fp := base.Fingerprint()

	aEdit := task("Draft v2", cir.StatusPending)
	bEdit := task("Draft", cir.StatusCompleted)

	if got := detect.Classify(aEdit, base.Clone(), fp); got == detect.Conflict {
		t.Fatalf("single-side change classified as conflict")
	}
	if got := detect.Classify(aEdit, bEdit, fp); got != detect.Conflict {
		t.Fatalf("got %s, want CONFLICT", got)
	}
}

// Non-mergeable differences (timestamps, metadata) never trigger a change.
func TestClassify_IgnoresNonMergeableDrift(t *testing.T) {
	base := task("Draft", cir.StatusPending)
	fp := base.Fingerprint()

	a := task("Draft", cir.StatusPending)
	a.Meta = map[string]any{"etag": "abc"}
	b := task("Draft", cir.StatusPending)
	b.Project = "elsewhere"

	if got := detect.Classify(a, b, fp); got != detect.Clean {
		t.Fatalf("got %s, want CLEAN", got)
	}
}
