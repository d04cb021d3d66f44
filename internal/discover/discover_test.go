package discover_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/basket/tasksync/internal/adapter"
	"github.com/basket/tasksync/internal/cir"
	"github.com/basket/tasksync/internal/discover"
)

type memMapper struct {
	byKey map[string]string
	next  int
}

func newMemMapper() *memMapper {
	return &memMapper{byKey: make(map[string]string)}
}

func (m *memMapper) key(system, ext string) string { return system + "/" + ext }

func (m *memMapper) Resolve(_ context.Context, system, ext string) (string, bool, error) {
	id, ok := m.byKey[m.key(system, ext)]
	return id, ok, nil
}

func (m *memMapper) Ensure(_ context.Context, system, ext string) (string, error) {
	k := m.key(system, ext)
	if id, ok := m.byKey[k]; ok {
		return id, nil
	}
	m.next++
	id := string(rune('a' + m.next - 1))
	m.byKey[k] = id
	return id, nil
}

type fakeSource struct {
	name    string
	tasks   map[string]adapter.Raw
	fetches []string
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) FetchOne(_ context.Context, externalID string) (adapter.Raw, error) {
	f.fetches = append(f.fetches, externalID)
	raw, ok := f.tasks[externalID]
	if !ok {
		return nil, errors.New("no such task")
	}
	return raw, nil
}

func (f *fakeSource) ToCanonical(raw adapter.Raw) (*cir.Task, error) {
	desc, _ := raw["description"].(string)
	if desc == "" {
		return nil, errors.New("bad raw")
	}
	return &cir.Task{Description: desc, Status: cir.StatusPending}, nil
}

func TestNormalize_KnownReferences(t *testing.T) {
	mapper := newMemMapper()
	if _, err := mapper.Ensure(context.Background(), "tw", "ext-1"); err != nil {
		t.Fatal(err)
	}
	src := &fakeSource{name: "tw"}
	d := discover.New(mapper, slog.New(slog.DiscardHandler))

	got := d.Normalize(context.Background(), src, nil, []string{"ext-1"})
	if len(got) != 1 || got[0] != "a" {
		t.Fatalf("got %v, want [a]", got)
	}
	if len(src.fetches) != 0 {
		t.Fatalf("known reference should not be fetched, got %v", src.fetches)
	}
}

func TestNormalize_FetchesUnknownAndAddsToWorkingSet(t *testing.T) {
	mapper := newMemMapper()
	src := &fakeSource{
		name:  "tw",
		tasks: map[string]adapter.Raw{"ext-9": {"description": "blocker"}},
	}
	d := discover.New(mapper, slog.New(slog.DiscardHandler))
	working := make(map[string]*cir.Task)

	got := d.Normalize(context.Background(), src, working, []string{"ext-9"})
	if len(got) != 1 {
		t.Fatalf("got %v, want one identity", got)
	}
	task, ok := working["ext-9"]
	if !ok {
		t.Fatal("fetched reference not added to working set")
	}
	if task.UUID != got[0] {
		t.Fatalf("working task uuid %q, want %q", task.UUID, got[0])
	}
	if task.Description != "blocker" {
		t.Fatalf("description %q", task.Description)
	}
}

func TestNormalize_MemoizesWithinPass(t *testing.T) {
	mapper := newMemMapper()
	src := &fakeSource{
		name:  "tw",
		tasks: map[string]adapter.Raw{"ext-9": {"description": "blocker"}},
	}
	d := discover.New(mapper, slog.New(slog.DiscardHandler))

	d.Normalize(context.Background(), src, nil, []string{"ext-9", "ext-9"})
	d.Normalize(context.Background(), src, nil, []string{"ext-9"})
	if len(src.fetches) != 1 {
		t.Fatalf("reference fetched %d times, want 1", len(src.fetches))
	}
}

func TestNormalize_DropsUnfetchableReference(t *testing.T) {
	mapper := newMemMapper()
	src := &fakeSource{name: "tw"}
	d := discover.New(mapper, slog.New(slog.DiscardHandler))

	got := d.Normalize(context.Background(), src, nil, []string{"gone", "also-gone"})
	if len(got) != 0 {
		t.Fatalf("got %v, want empty", got)
	}
}

func TestNormalize_MixedKnownAndDropped(t *testing.T) {
	mapper := newMemMapper()
	if _, err := mapper.Ensure(context.Background(), "tw", "ext-1"); err != nil {
		t.Fatal(err)
	}
	src := &fakeSource{name: "tw"}
	d := discover.New(mapper, slog.New(slog.DiscardHandler))

	got := d.Normalize(context.Background(), src, nil, []string{"ext-1", "gone"})
	if len(got) != 1 || got[0] != "a" {
		t.Fatalf("got %v, want [a]", got)
	}
}
