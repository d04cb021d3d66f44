package taskwarrior

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/basket/tasksync/internal/adapter"
	"github.com/basket/tasksync/internal/cir"
)

// call records one invocation of the task binary.
type call struct {
	args  []string
	stdin []byte
}

// fakeRunner serves canned stdout keyed by the joined argument string and
// records every call.
type fakeRunner struct {
	calls   []call
	outputs map[string][]byte
	err     error
}

func (f *fakeRunner) run(_ context.Context, stdin []byte, args ...string) ([]byte, error) {
	f.calls = append(f.calls, call{args: args, stdin: stdin})
	if f.err != nil {
		return nil, f.err
	}
	return f.outputs[strings.Join(args, " ")], nil
}

func newTestAdapter(f *fakeRunner) *Adapter {
	a := New(adapter.Options{Logger: slog.New(slog.DiscardHandler)})
	a.run = f.run
	return a
}

func TestFetchAll_UsesFilterAndParsesExport(t *testing.T) {
	export := `[
		{"uuid": "aaa", "description": "first", "status": "pending"},
		{"uuid": "bbb", "description": "second", "status": "completed"}
	]`
	f := &fakeRunner{outputs: map[string][]byte{
		"rc.json.array=on project:work export": []byte(export),
	}}
	a := newTestAdapter(f)
	a.SetFilter("project:work")

	raws, err := a.FetchAll(context.Background())
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}
	if len(raws) != 2 {
		t.Fatalf("got %d tasks, want 2", len(raws))
	}
	id, err := a.ExternalID(raws[0])
	if err != nil || id != "aaa" {
		t.Fatalf("ExternalID = %q, %v", id, err)
	}
}

func TestFetchAll_EmptyExport(t *testing.T) {
	f := &fakeRunner{outputs: map[string][]byte{"rc.json.array=on export": []byte("\n")}}
	a := newTestAdapter(f)
	raws, err := a.FetchAll(context.Background())
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}
	if len(raws) != 0 {
		t.Fatalf("got %d tasks, want 0", len(raws))
	}
}

func TestToCanonical_FieldMapping(t *testing.T) {
	raw := adapter.Raw{
		"uuid":        "aaa",
		"description": "ship the release",
		"status":      "waiting",
		"priority":    "H",
		"project":     "work",
		"tags":        []any{"release", "urgent"},
		"modified":    "20260301T120000Z",
		"due":         "20260401T000000Z",
		"depends":     []any{"bbb", "ccc"},
		"effort":      "2h",
		"percentage":  float64(40),
		"annotations": []any{
			map[string]any{"entry": "20260301T110000Z", "description": "first note"},
			map[string]any{"entry": "20260301T113000Z", "description": "second note"},
		},
	}
	a := newTestAdapter(&fakeRunner{})
	task, err := a.ToCanonical(raw)
	if err != nil {
		t.Fatalf("ToCanonical: %v", err)
	}
	if task.Description != "ship the release" {
		t.Errorf("description = %q", task.Description)
	}
	if task.Status != cir.StatusWaiting {
		t.Errorf("status = %s", task.Status)
	}
	if task.Priority != cir.PriorityHigh {
		t.Errorf("priority = %s", task.Priority)
	}
	if task.Body != "first note\nsecond note" {
		t.Errorf("body = %q", task.Body)
	}
	if want := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC); !task.LastModified.Equal(want) {
		t.Errorf("last_modified = %v", task.LastModified)
	}
	if task.Due == nil || task.Due.Month() != time.April {
		t.Errorf("due = %v", task.Due)
	}
	if len(task.Depends) != 2 || task.Depends[0] != "bbb" {
		t.Errorf("depends = %v", task.Depends)
	}
	if time.Duration(task.Effort) != 2*time.Hour {
		t.Errorf("effort = %v", task.Effort)
	}
	if task.Progress != 40 {
		t.Errorf("progress = %d", task.Progress)
	}
}

func TestToCanonical_LegacyCommaDepends(t *testing.T) {
	a := newTestAdapter(&fakeRunner{})
	task, err := a.ToCanonical(adapter.Raw{
		"uuid": "aaa", "description": "x", "status": "pending",
		"depends": "bbb,ccc",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(task.Depends) != 2 || task.Depends[1] != "ccc" {
		t.Fatalf("depends = %v", task.Depends)
	}
}

func TestFromCanonical_RoundTrip(t *testing.T) {
	due := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	task := &cir.Task{
		Description:  "ship the release",
		Status:       cir.StatusCompleted,
		Priority:     cir.PriorityLow,
		Body:         "a note",
		Tags:         []string{"release"},
		Due:          &due,
		Effort:       cir.Duration(3 * 24 * time.Hour),
		Progress:     100,
		LastModified: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	a := newTestAdapter(&fakeRunner{})
	raw, err := a.FromCanonical(task)
	if err != nil {
		t.Fatalf("FromCanonical: %v", err)
	}
	if raw["status"] != "completed" {
		t.Errorf("status = %v", raw["status"])
	}
	if raw["priority"] != "L" {
		t.Errorf("priority = %v", raw["priority"])
	}
	if raw["due"] != "20260401T000000Z" {
		t.Errorf("due = %v", raw["due"])
	}
	if raw["effort"] != "3d" {
		t.Errorf("effort = %v", raw["effort"])
	}
	anns, ok := raw["annotations"].([]map[string]string)
	if !ok || len(anns) != 1 || anns[0]["description"] != "a note" {
		t.Errorf("annotations = %v", raw["annotations"])
	}
}

func TestCreate_ImportsWithMintedUUID(t *testing.T) {
	f := &fakeRunner{}
	a := newTestAdapter(f)

	id, err := a.Create(context.Background(), &cir.Task{
		Description: "new task", Status: cir.StatusPending, LastModified: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if id == "" {
		t.Fatal("empty external id")
	}
	if len(f.calls) != 1 {
		t.Fatalf("got %d calls, want 1", len(f.calls))
	}
	got := f.calls[0]
	if strings.Join(got.args, " ") != "rc.confirmation=off import -" {
		t.Fatalf("args = %v", got.args)
	}
	var docs []map[string]any
	if err := json.Unmarshal(got.stdin, &docs); err != nil {
		t.Fatalf("stdin not a JSON array: %v", err)
	}
	if len(docs) != 1 || docs[0]["uuid"] != id {
		t.Fatalf("imported doc = %v, want uuid %s", docs, id)
	}
}

func TestDelete_IsSoft(t *testing.T) {
	f := &fakeRunner{}
	a := newTestAdapter(f)
	if a.Capabilities().Delete != adapter.DeleteSoft {
		t.Fatal("expected soft delete semantics")
	}
	if err := a.Delete(context.Background(), "aaa"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if strings.Join(f.calls[0].args, " ") != "rc.confirmation=off aaa delete" {
		t.Fatalf("args = %v", f.calls[0].args)
	}
}

type staticResolver map[string]string

func (r staticResolver) ExternalID(_ context.Context, _, internalUUID string) (string, bool, error) {
	ext, ok := r[internalUUID]
	return ext, ok, nil
}

func TestUpdateRelationships_WritesCommaDepends(t *testing.T) {
	f := &fakeRunner{outputs: map[string][]byte{
		"rc.json.array=on aaa export": []byte(`[{"uuid": "aaa", "description": "blocked", "status": "pending"}]`),
	}}
	a := newTestAdapter(f)

	task := &cir.Task{
		Description: "blocked", Status: cir.StatusPending,
		Depends: []string{"uuid-1", "uuid-2", "uuid-unmapped"},
	}
	resolver := staticResolver{"uuid-1": "bbb", "uuid-2": "ccc"}
	if err := a.UpdateRelationships(context.Background(), "aaa", task, resolver); err != nil {
		t.Fatalf("UpdateRelationships: %v", err)
	}

	last := f.calls[len(f.calls)-1]
	if !strings.Contains(strings.Join(last.args, " "), "import") {
		t.Fatalf("expected an import call, got %v", last.args)
	}
	var docs []map[string]any
	if err := json.Unmarshal(last.stdin, &docs); err != nil {
		t.Fatal(err)
	}
	if docs[0]["depends"] != "bbb,ccc" {
		t.Fatalf("depends = %v", docs[0]["depends"])
	}
}

func TestAuthenticate_WrapsBinaryFailure(t *testing.T) {
	f := &fakeRunner{err: errors.New("exec: not found")}
	a := newTestAdapter(f)
	err := a.Authenticate(context.Background())
	if !errors.Is(err, adapter.ErrAuth) {
		t.Fatalf("err = %v, want ErrAuth", err)
	}
}
