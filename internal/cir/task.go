// Package cir defines the canonical intermediate representation of a task:
// the system-agnostic form every adapter translates to and from. The CIR is
// the unit of hashing, three-way merging, and snapshot storage.
package cir

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusDeleted   Status = "deleted"
	StatusWaiting   Status = "waiting"
)

// Valid reports whether s is one of the known lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusDeleted, StatusWaiting:
		return true
	}
	return false
}

// Terminal reports whether s ends the task's life on a system.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusDeleted
}

// Priority is an optional task priority. Empty means unset.
type Priority string

const (
	PriorityHigh   Priority = "H"
	PriorityMedium Priority = "M"
	PriorityLow    Priority = "L"
)

// Kind distinguishes tasks from comments and milestones.
type Kind string

const (
	KindTask      Kind = "task"
	KindComment   Kind = "comment"
	KindMilestone Kind = "milestone"
)

// Task is the canonical representation of a single task.
//
// Identity fields (UUID, LastModified, Project, SourceURL, Meta) are never
// hashed and never perturbed by a merge. Everything else is content: hashed
// for change detection and subject to three-way merge. The authoritative
// split lives in MergeableFields.
type Task struct {
	// Identity and record-keeping. Not mergeable.
	UUID         string         `json:"uuid,omitempty"`
	LastModified time.Time      `json:"last_modified"`
	Project      string         `json:"project,omitempty"`
	SourceURL    string         `json:"source_url,omitempty"`
	Meta         map[string]any `json:"meta,omitempty"`

	// Content. Mergeable.
	Kind         Kind       `json:"kind,omitempty"`
	Description  string     `json:"description"`
	Body         string     `json:"body,omitempty"`
	Status       Status     `json:"status"`
	Priority     Priority   `json:"priority,omitempty"`
	Tags         []string   `json:"tags,omitempty"`
	Start        *time.Time `json:"start,omitempty"`
	Due          *time.Time `json:"due,omitempty"`
	Scheduled    *time.Time `json:"scheduled,omitempty"`
	Effort       Duration   `json:"effort,omitempty"`
	ActualEffort Duration   `json:"actual_effort,omitempty"`
	Progress     int        `json:"progress,omitempty"`
	Depends      []string   `json:"depends,omitempty"`
	Followers    []string   `json:"followers,omitempty"`
	Owner        string     `json:"owner,omitempty"`
	Delegate     string     `json:"delegate,omitempty"`
}

// MergeableFields is the fixed set of content field names, keyed by their
// JSON name. A schema test checks it against the struct so the table cannot
// drift from the type.
var MergeableFields = []string{
	"actual_effort",
	"body",
	"delegate",
	"depends",
	"description",
	"due",
	"effort",
	"followers",
	"kind",
	"owner",
	"priority",
	"progress",
	"scheduled",
	"start",
	"status",
	"tags",
}

// mergeableMap builds the canonical mergeable-only document. Every mergeable
// key is always present (nil for unset optionals) so fingerprints do not
// depend on which optionals happen to be set versus serialized. Tags are
// sorted; depends and followers are ordered lists and kept as-is.
func (t *Task) mergeableMap() map[string]any {
	tags := append([]string(nil), t.Tags...)
	sort.Strings(tags)
	if tags == nil {
		tags = []string{}
	}

	asTime := func(ts *time.Time) any {
		if ts == nil {
			return nil
		}
		return ts.UTC().Format(time.RFC3339)
	}
	asDur := func(d Duration) any {
		if d == 0 {
			return nil
		}
		return d.String()
	}
	asStr := func(s string) any {
		if s == "" {
			return nil
		}
		return s
	}

	kind := t.Kind
	if kind == "" {
		kind = KindTask
	}
	depends := append([]string(nil), t.Depends...)
	if depends == nil {
		depends = []string{}
	}
	followers := append([]string(nil), t.Followers...)
	if followers == nil {
		followers = []string{}
	}

	return map[string]any{
		"kind":          string(kind),
		"description":   t.Description,
		"body":          asStr(t.Body),
		"status":        string(t.Status),
		"priority":      asStr(string(t.Priority)),
		"tags":          tags,
		"start":         asTime(t.Start),
		"due":           asTime(t.Due),
		"scheduled":     asTime(t.Scheduled),
		"effort":        asDur(t.Effort),
		"actual_effort": asDur(t.ActualEffort),
		"progress":      t.Progress,
		"depends":       depends,
		"followers":     followers,
		"owner":         asStr(t.Owner),
		"delegate":      asStr(t.Delegate),
	}
}

// MergeableJSON serializes exactly the mergeable fields in deterministic
// form: stable key order, ISO-8601 timestamps and durations, enums by value.
// This is both the hashing input and the merge-tool document format.
func (t *Task) MergeableJSON() ([]byte, error) {
	return json.MarshalIndent(t.mergeableMap(), "", "  ")
}

// Fingerprint returns the content hash over the mergeable fields.
// Two tasks with equal content have equal fingerprints regardless of tag
// order or any non-mergeable field.
func (t *Task) Fingerprint() string {
	// map marshaling sorts keys, so the compact form is canonical.
	doc, err := json.Marshal(t.mergeableMap())
	if err != nil {
		// The map contains only strings, ints, and nils; this cannot fail.
		panic(fmt.Sprintf("cir: marshal mergeable map: %v", err))
	}
	sum := sha256.Sum256(doc)
	return hex.EncodeToString(sum[:])
}

// ApplyMerged overwrites t's mergeable fields with those of merged, leaving
// identity and per-system metadata untouched. This is the sole write path
// from a merge result back into a side's task.
func (t *Task) ApplyMerged(merged *Task) {
	t.Kind = merged.Kind
	t.Description = merged.Description
	t.Body = merged.Body
	t.Status = merged.Status
	t.Priority = merged.Priority
	t.Tags = append([]string(nil), merged.Tags...)
	t.Start = copyTime(merged.Start)
	t.Due = copyTime(merged.Due)
	t.Scheduled = copyTime(merged.Scheduled)
	t.Effort = merged.Effort
	t.ActualEffort = merged.ActualEffort
	t.Progress = merged.Progress
	t.Depends = append([]string(nil), merged.Depends...)
	t.Followers = append([]string(nil), merged.Followers...)
	t.Owner = merged.Owner
	t.Delegate = merged.Delegate
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	out := *t
	out.Tags = append([]string(nil), t.Tags...)
	out.Depends = append([]string(nil), t.Depends...)
	out.Followers = append([]string(nil), t.Followers...)
	out.Start = copyTime(t.Start)
	out.Due = copyTime(t.Due)
	out.Scheduled = copyTime(t.Scheduled)
	if t.Meta != nil {
		out.Meta = make(map[string]any, len(t.Meta))
		for k, v := range t.Meta {
			out.Meta[k] = v
		}
	}
	return &out
}

func copyTime(ts *time.Time) *time.Time {
	if ts == nil {
		return nil
	}
	v := *ts
	return &v
}

// ToJSON serializes the full task (identity fields included) for snapshot
// storage.
func (t *Task) ToJSON() ([]byte, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal task: %w", err)
	}
	return data, nil
}

// FromJSON decodes a full task document produced by ToJSON.
func FromJSON(data []byte) (*Task, error) {
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	if !t.Status.Valid() {
		return nil, fmt.Errorf("invalid status %q", t.Status)
	}
	return &t, nil
}

// DecodeMergeable validates a mergeable-only document against the task
// schema and decodes it. Used to re-validate merge-tool output.
func DecodeMergeable(doc []byte) (*Task, error) {
	if err := ValidateDocument(doc); err != nil {
		return nil, err
	}
	var t Task
	if err := json.Unmarshal(doc, &t); err != nil {
		return nil, fmt.Errorf("unmarshal mergeable document: %w", err)
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	return &t, nil
}
