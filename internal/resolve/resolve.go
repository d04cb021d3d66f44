// Package resolve produces a single merged canonical task from a merge base
// and two divergent versions. The default strategy stages the three versions
// as a textual three-way merge and blocks on an external merge tool; tests
// and automation plug in deterministic strategies instead.
package resolve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"

	"github.com/basket/tasksync/internal/cir"
)

// ErrAborted reports that the operator cancelled an interactive merge. The
// identity's stored state must be left untouched.
var ErrAborted = errors.New("merge aborted by operator")

// ErrMergeInvalid reports that the merge step produced output that does not
// decode back into a canonical task.
var ErrMergeInvalid = errors.New("merge result invalid")

// Strategy merges a base (nil when no prior snapshot exists) with two
// divergent versions. The result carries mergeable fields only; callers
// overlay it onto each side with ApplyMerged.
type Strategy interface {
	Merge(ctx context.Context, base, ours, theirs *cir.Task) (*cir.Task, error)
}

// Func adapts a plain function to a Strategy.
type Func func(ctx context.Context, base, ours, theirs *cir.Task) (*cir.Task, error)

func (f Func) Merge(ctx context.Context, base, ours, theirs *cir.Task) (*cir.Task, error) {
	return f(ctx, base, ours, theirs)
}

// Fieldwise is a deterministic three-way merge at mergeable-field
// granularity: a field changed on one side wins over the base; a field
// changed on both sides to different values is a hard error. It never
// blocks, which makes it the non-interactive fallback.
type Fieldwise struct{}

func (Fieldwise) Merge(_ context.Context, base, ours, theirs *cir.Task) (*cir.Task, error) {
	baseDoc, err := mergeableValues(base)
	if err != nil {
		return nil, err
	}
	oursDoc, err := mergeableValues(ours)
	if err != nil {
		return nil, err
	}
	theirsDoc, err := mergeableValues(theirs)
	if err != nil {
		return nil, err
	}

	merged := make(map[string]any, len(oursDoc))
	var conflicts []string
	for _, field := range cir.MergeableFields {
		o, t, b := oursDoc[field], theirsDoc[field], baseDoc[field]
		switch {
		case reflect.DeepEqual(o, t):
			merged[field] = o
		case reflect.DeepEqual(o, b):
			merged[field] = t
		case reflect.DeepEqual(t, b):
			merged[field] = o
		default:
			conflicts = append(conflicts, field)
		}
	}
	if len(conflicts) > 0 {
		sort.Strings(conflicts)
		return nil, fmt.Errorf("%w: both sides edited %v", ErrMergeInvalid, conflicts)
	}

	doc, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("marshal merged document: %w", err)
	}
	task, err := cir.DecodeMergeable(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMergeInvalid, err)
	}
	return task, nil
}

// mergeableValues decodes a task's canonical mergeable document into a map
// for field-level comparison. A nil task yields the empty task's document,
// so "changed from nothing" compares like any other edit.
func mergeableValues(task *cir.Task) (map[string]any, error) {
	if task == nil {
		task = &cir.Task{Status: cir.StatusPending}
	}
	doc, err := task.MergeableJSON()
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(doc, &out); err != nil {
		return nil, fmt.Errorf("decode mergeable document: %w", err)
	}
	return out, nil
}
