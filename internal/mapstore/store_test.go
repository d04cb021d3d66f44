package mapstore_test

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/basket/tasksync/internal/cir"
	"github.com/basket/tasksync/internal/mapstore"
)

func openTestStore(t *testing.T) *mapstore.Store {
	t.Helper()
	store, err := mapstore.Open(filepath.Join(t.TempDir(), "tasksync.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpen_ConfiguresWALAndSchema(t *testing.T) {
	store := openTestStore(t)
	db := store.DB()

	var journal string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journal); err != nil {
		t.Fatalf("pragma journal_mode: %v", err)
	}
	if journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}

	for _, table := range []string{"schema_migrations", "id_map", "sync_state", "route_map"} {
		var got string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&got); err != nil {
			t.Fatalf("table %s not found: %v", table, err)
		}
	}
}

func TestEnsure_Idempotent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first, err := store.Ensure(ctx, "github", "42")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	second, err := store.Ensure(ctx, "github", "42")
	if err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if first != second {
		t.Fatalf("ensure minted two identities: %s vs %s", first, second)
	}
	if first == "" {
		t.Fatalf("ensure returned empty identity")
	}
}

func TestEnsure_DistinctPairsDistinctIdentities(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	a, _ := store.Ensure(ctx, "github", "42")
	b, _ := store.Ensure(ctx, "github", "43")
	c, _ := store.Ensure(ctx, "taskwarrior", "42")
	if a == b || a == c || b == c {
		t.Fatalf("expected distinct identities, got %s %s %s", a, b, c)
	}
}

func TestEnsure_ReactivatesTombstone(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, _ := store.Ensure(ctx, "github", "42")
	if err := store.MarkTerminal(ctx, id); err != nil {
		t.Fatalf("mark terminal: %v", err)
	}
	liveness, ok, _ := store.Liveness(ctx, "github", "42")
	if !ok || liveness != mapstore.LivenessCompleted {
		t.Fatalf("expected completed liveness, got %v %v", liveness, ok)
	}

	again, err := store.Ensure(ctx, "github", "42")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if again != id {
		t.Fatalf("reactivation minted a new identity")
	}
	liveness, _, _ = store.Liveness(ctx, "github", "42")
	if liveness != mapstore.LivenessActive {
		t.Fatalf("expected reactivated mapping, got %v", liveness)
	}
}

func TestLink_IdempotentAndRebinds(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	shared, err := store.Link(ctx, "taskwarrior", "tw-1", "github", "10")
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	again, err := store.Link(ctx, "taskwarrior", "tw-1", "github", "10")
	if err != nil {
		t.Fatalf("relink: %v", err)
	}
	if shared != again {
		t.Fatalf("relink changed the shared identity")
	}

	// Rebinding the github side to a different taskwarrior task re-points it.
	other, err := store.Link(ctx, "taskwarrior", "tw-2", "github", "10")
	if err != nil {
		t.Fatalf("rebind: %v", err)
	}
	resolved, ok, _ := store.Resolve(ctx, "github", "10")
	if !ok || resolved != other {
		t.Fatalf("github/10 should now map to %s, got %s", other, resolved)
	}
}

func TestBind_DropsStaleSibling(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, err := store.Ensure(ctx, "github", "10")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := store.Bind(ctx, "github", "11", id); err != nil {
		t.Fatalf("rebind: %v", err)
	}

	// One identity, one external id per system: the old row is gone and the
	// reverse lookup has exactly one answer.
	if _, ok, _ := store.Resolve(ctx, "github", "10"); ok {
		t.Fatalf("stale mapping github/10 survived the rebind")
	}
	ext, ok, err := store.ExternalID(ctx, "github", id)
	if err != nil || !ok {
		t.Fatalf("external id: %v ok=%v", err, ok)
	}
	if ext != "11" {
		t.Fatalf("external id = %q, want 11", ext)
	}
}

func TestResolve_Absent(t *testing.T) {
	store := openTestStore(t)
	_, ok, err := store.Resolve(context.Background(), "github", "nope")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ok {
		t.Fatalf("expected absent mapping")
	}
}

func TestSnapshot_CommitAndRead(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, _ := store.Ensure(ctx, "github", "42")
	task := &cir.Task{
		UUID:         id,
		LastModified: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		Description:  "Fix bug",
		Status:       cir.StatusPending,
		Tags:         []string{"a", "b"},
	}
	if err := store.CommitSnapshot(ctx, task); err != nil {
		t.Fatalf("commit snapshot: %v", err)
	}

	snap, ok, err := store.Snapshot(ctx, id)
	if err != nil || !ok {
		t.Fatalf("snapshot: %v ok=%v", err, ok)
	}
	if snap.Fingerprint != task.Fingerprint() {
		t.Fatalf("stored fingerprint mismatch")
	}
	if snap.Task.Description != "Fix bug" || !reflect.DeepEqual(snap.Task.Tags, []string{"a", "b"}) {
		t.Fatalf("snapshot content mismatch: %+v", snap.Task)
	}

	// Overwrite is whole-row.
	task.Description = "Fix bug properly"
	if err := store.CommitSnapshot(ctx, task); err != nil {
		t.Fatalf("recommit: %v", err)
	}
	snap, _, _ = store.Snapshot(ctx, id)
	if snap.Task.Description != "Fix bug properly" {
		t.Fatalf("snapshot not overwritten")
	}
}

func TestCommitSnapshot_RequiresIdentity(t *testing.T) {
	store := openTestStore(t)
	err := store.CommitSnapshot(context.Background(), &cir.Task{Description: "x", Status: cir.StatusPending})
	if err == nil {
		t.Fatalf("expected error for task without identity")
	}
}

func TestAllKnownIdentities_UnionOfBothSystems(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	a, _ := store.Ensure(ctx, "taskwarrior", "tw-1")
	b, _ := store.Ensure(ctx, "github", "10")
	shared, _ := store.Link(ctx, "taskwarrior", "tw-2", "github", "11")
	_, _ = store.Ensure(ctx, "jira", "ignored")

	ids, err := store.AllKnownIdentities(ctx, "taskwarrior", "github")
	if err != nil {
		t.Fatalf("all known identities: %v", err)
	}
	want := map[string]bool{a: true, b: true, shared: true}
	if len(ids) != len(want) {
		t.Fatalf("got %d identities, want %d: %v", len(ids), len(want), ids)
	}
	for _, id := range ids {
		if !want[id] {
			t.Fatalf("unexpected identity %s", id)
		}
	}
}

func TestActiveMappingCount(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id1, _ := store.Ensure(ctx, "github", "1")
	_, _ = store.Ensure(ctx, "github", "2")
	_ = store.MarkTerminal(ctx, id1)

	n, err := store.ActiveMappingCount(ctx, "github")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("active count = %d, want 1", n)
	}
}

func TestRoutes_RememberAndRecall(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, ok, _ := store.RecallRoute(ctx, "taskwarrior", "project:uts", "github"); ok {
		t.Fatalf("expected no route yet")
	}
	if err := store.RememberRoute(ctx, "taskwarrior", "project:uts", "github", "owner/repo"); err != nil {
		t.Fatalf("remember: %v", err)
	}
	target, ok, err := store.RecallRoute(ctx, "taskwarrior", "project:uts", "github")
	if err != nil || !ok || target != "owner/repo" {
		t.Fatalf("recall = %q ok=%v err=%v", target, ok, err)
	}

	// Re-remember updates in place.
	_ = store.RememberRoute(ctx, "taskwarrior", "project:uts", "github", "owner/other")
	target, _, _ = store.RecallRoute(ctx, "taskwarrior", "project:uts", "github")
	if target != "owner/other" {
		t.Fatalf("route not updated: %q", target)
	}
}
