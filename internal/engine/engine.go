// Package engine drives one reconciliation pass between two external
// systems. The driver is single-threaded and run-to-completion: it walks
// every known identity once, classifies it, applies the minimal write, and
// only then advances the stored baseline. A failure on one identity never
// stops the pass.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/tasksync/internal/adapter"
	"github.com/basket/tasksync/internal/bus"
	"github.com/basket/tasksync/internal/cir"
	"github.com/basket/tasksync/internal/detect"
	"github.com/basket/tasksync/internal/discover"
	"github.com/basket/tasksync/internal/mapstore"
	"github.com/basket/tasksync/internal/otel"
	"github.com/basket/tasksync/internal/resolve"
	"github.com/basket/tasksync/internal/shared"
)

// ErrZeroResult is returned when a system reports no tasks while active
// mappings exist for it and the operator did not confirm the wipe. Running
// a tombstone sweep in that state would retire every counterpart.
var ErrZeroResult = errors.New("system returned zero tasks but mappings exist")

// Config wires a pass. Store, A, B, and Resolver are required.
type Config struct {
	Store    *mapstore.Store
	A, B     adapter.Adapter
	Resolver resolve.Strategy

	// FilterA and FilterB scope each side's bulk fetch.
	FilterA string
	FilterB string

	Logger  *slog.Logger
	Bus     *bus.Bus
	Metrics *otel.Metrics
	Tracer  trace.Tracer

	// Confirm asks the operator to approve a destructive situation. Nil
	// means non-interactive: the answer is always no.
	Confirm func(prompt string) bool
}

// Report summarizes what a pass did.
type Report struct {
	PassID     string
	Examined   int
	Created    int
	Updated    int
	Tombstoned int
	Conflicts  int
	Clean      int
	Skipped    int
	Duration   time.Duration
}

// Engine reconciles two systems. Run may be called repeatedly; the daemon
// does.
type Engine struct {
	cfg     Config
	logger  *slog.Logger
	metrics *otel.Metrics
}

func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil || cfg.A == nil || cfg.B == nil || cfg.Resolver == nil {
		return nil, errors.New("engine: store, both adapters, and resolver are required")
	}
	if cfg.A.Name() == cfg.B.Name() {
		return nil, fmt.Errorf("engine: cannot sync %q with itself", cfg.A.Name())
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		var err error
		metrics, err = otel.NewMetrics(noop.NewMeterProvider().Meter(otel.MeterName))
		if err != nil {
			return nil, fmt.Errorf("engine: noop metrics: %w", err)
		}
	}
	return &Engine{cfg: cfg, logger: logger, metrics: metrics}, nil
}

// side bundles one adapter with its per-pass working state.
type side struct {
	adp    adapter.Adapter
	filter string
	// tasks is the working set keyed by external id, built by the bulk
	// fetch and extended by relationship discovery.
	tasks map[string]*cir.Task
	// byUUID indexes the working set by internal identity once mappings
	// are minted.
	byUUID map[string]string
}

// Run executes one full reconciliation pass.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	started := time.Now()
	passID := shared.NewPassID()
	ctx = shared.WithPassID(ctx, passID)
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	logger := e.logger

	if e.cfg.Tracer != nil {
		var span trace.Span
		ctx, span = otel.StartSpan(ctx, e.cfg.Tracer, "sync.pass",
			otel.AttrPassID.String(passID),
			otel.AttrSystemA.String(e.cfg.A.Name()),
			otel.AttrSystemB.String(e.cfg.B.Name()),
		)
		defer span.End()
	}

	e.publish(bus.TopicPassStarted, bus.PassEvent{PassID: passID, SystemA: e.cfg.A.Name(), SystemB: e.cfg.B.Name()})
	report := &Report{PassID: passID}

	a := &side{adp: e.cfg.A, filter: e.cfg.FilterA}
	b := &side{adp: e.cfg.B, filter: e.cfg.FilterB}

	fail := func(err error) (*Report, error) {
		e.publish(bus.TopicPassFailed, bus.PassEvent{PassID: passID, Err: err.Error()})
		return nil, err
	}

	for _, s := range []*side{a, b} {
		if err := e.prepare(ctx, logger, s); err != nil {
			return fail(err)
		}
	}
	for _, s := range []*side{a, b} {
		if err := e.zeroResultGuard(ctx, logger, s); err != nil {
			return fail(err)
		}
	}

	// Relationship normalization may fetch referenced tasks and grow the
	// working sets, so it runs before mappings are minted.
	disc := discover.New(e.cfg.Store, logger)
	e.normalizeRelationships(ctx, disc, a)
	e.normalizeRelationships(ctx, disc, b)

	for _, s := range []*side{a, b} {
		if err := e.mintMappings(ctx, s); err != nil {
			return fail(err)
		}
	}

	ids, err := e.cfg.Store.AllKnownIdentities(ctx, a.adp.Name(), b.adp.Name())
	if err != nil {
		return fail(fmt.Errorf("list identities: %w", err))
	}

	// relTasks collects the settled task per identity for the deferred
	// relationship write.
	relTasks := make(map[string]*cir.Task)

	for _, uuid := range ids {
		report.Examined++
		idCtx := shared.WithIdentity(ctx, uuid)
		if err := e.reconcileIdentity(idCtx, logger, a, b, uuid, report, relTasks); err != nil {
			report.Skipped++
			e.metrics.IdentitiesSkipped.Add(ctx, 1)
			logger.ErrorContext(idCtx, "identity skipped", "error", err)
			e.publish(bus.TopicIdentitySkipped, bus.IdentityEvent{PassID: passID, UUID: uuid, Err: err.Error()})
		}
	}

	e.applyRelationships(ctx, logger, []*side{a, b}, relTasks)

	report.Duration = time.Since(started)
	e.metrics.PassDuration.Record(ctx, report.Duration.Seconds())
	e.metrics.IdentitiesExamined.Add(ctx, int64(report.Examined))
	logger.InfoContext(ctx, "pass completed",
		"examined", report.Examined,
		"created", report.Created,
		"updated", report.Updated,
		"tombstoned", report.Tombstoned,
		"conflicts", report.Conflicts,
		"skipped", report.Skipped,
		"duration", report.Duration,
	)
	e.publish(bus.TopicPassCompleted, bus.PassEvent{PassID: passID, SystemA: a.adp.Name(), SystemB: b.adp.Name()})
	return report, nil
}

// prepare authenticates one side, verifies write access when the adapter
// can, and runs the bulk fetch. Any failure here is fatal for the pass:
// nothing has been mutated yet.
func (e *Engine) prepare(ctx context.Context, logger *slog.Logger, s *side) error {
	ctx = shared.WithSystem(ctx, s.adp.Name())
	if err := s.adp.Authenticate(ctx); err != nil {
		return fmt.Errorf("%s: %w", s.adp.Name(), err)
	}
	if pv, ok := s.adp.(adapter.PermissionValidator); ok {
		if err := pv.ValidatePermissions(ctx, s.filter); err != nil {
			return fmt.Errorf("%s: %w", s.adp.Name(), err)
		}
	}
	s.adp.SetFilter(s.filter)

	raws, err := s.adp.FetchAll(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", s.adp.Name(), err)
	}
	s.tasks = make(map[string]*cir.Task, len(raws))
	s.byUUID = make(map[string]string, len(raws))
	for _, raw := range raws {
		extID, err := s.adp.ExternalID(raw)
		if err != nil {
			logger.WarnContext(ctx, "record without usable id, skipping", "error", err)
			continue
		}
		task, err := s.adp.ToCanonical(raw)
		if err != nil {
			logger.WarnContext(ctx, "untranslatable record, skipping", "external_id", extID, "error", err)
			continue
		}
		s.tasks[extID] = task
	}
	logger.InfoContext(ctx, "fetched", "filter", s.filter, "tasks", len(s.tasks))
	return nil
}

// zeroResultGuard refuses to proceed when a side came back empty while the
// store still holds active mappings for it, unless the operator confirms.
// Without it a transient filter or API problem would read as "everything
// was deleted" and sweep the other system.
func (e *Engine) zeroResultGuard(ctx context.Context, logger *slog.Logger, s *side) error {
	if len(s.tasks) > 0 {
		return nil
	}
	active, err := e.cfg.Store.ActiveMappingCount(ctx, s.adp.Name())
	if err != nil {
		return fmt.Errorf("count mappings for %s: %w", s.adp.Name(), err)
	}
	if active == 0 {
		return nil
	}
	prompt := fmt.Sprintf("%s returned 0 tasks but %d active mappings exist; proceeding will retire their counterparts. Continue?", s.adp.Name(), active)
	if e.cfg.Confirm != nil && e.cfg.Confirm(prompt) {
		logger.WarnContext(shared.WithSystem(ctx, s.adp.Name()), "zero-result sweep confirmed by operator", "active_mappings", active)
		return nil
	}
	return fmt.Errorf("%w: %s has %d active mappings", ErrZeroResult, s.adp.Name(), active)
}

// normalizeRelationships rewrites every reference list to internal
// identities. Discovery can pull new tasks into the working set, and those
// tasks carry references of their own, so the walk repeats until no
// unvisited task remains.
func (e *Engine) normalizeRelationships(ctx context.Context, disc *discover.Discoverer, s *side) {
	before := len(s.tasks)
	seen := make(map[string]bool)
	for {
		var pending []string
		for ext := range s.tasks {
			if !seen[ext] {
				pending = append(pending, ext)
			}
		}
		if len(pending) == 0 {
			if discovered := len(s.tasks) - before; discovered > 0 {
				e.metrics.ReferencesDiscovered.Add(ctx, int64(discovered))
			}
			return
		}
		for _, ext := range pending {
			seen[ext] = true
			task := s.tasks[ext]
			if len(task.Depends) > 0 {
				task.Depends = disc.Normalize(ctx, s.adp, s.tasks, task.Depends)
			}
			if len(task.Followers) > 0 {
				task.Followers = disc.Normalize(ctx, s.adp, s.tasks, task.Followers)
			}
		}
	}
}

// mintMappings gives every fetched task an internal identity. Existing
// mappings are reused as-is: a tombstoned mapping must stay tombstoned even
// though its soft-deleted task still shows up in bulk fetches.
func (e *Engine) mintMappings(ctx context.Context, s *side) error {
	for extID, task := range s.tasks {
		uuid, ok, err := e.cfg.Store.Resolve(ctx, s.adp.Name(), extID)
		if err != nil {
			return fmt.Errorf("resolve mapping %s/%s: %w", s.adp.Name(), extID, err)
		}
		if !ok {
			uuid, err = e.cfg.Store.Ensure(ctx, s.adp.Name(), extID)
			if err != nil {
				return fmt.Errorf("mint mapping %s/%s: %w", s.adp.Name(), extID, err)
			}
		}
		task.UUID = uuid
		s.byUUID[uuid] = extID
	}
	return nil
}

func (e *Engine) reconcileIdentity(ctx context.Context, logger *slog.Logger, a, b *side, uuid string, report *Report, relTasks map[string]*cir.Task) error {
	var aTask, bTask *cir.Task
	if ext, ok := a.byUUID[uuid]; ok {
		aTask = a.tasks[ext]
	}
	if ext, ok := b.byUUID[uuid]; ok {
		bTask = b.tasks[ext]
	}

	snap, hasSnap, err := e.cfg.Store.Snapshot(ctx, uuid)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	var baseFingerprint string
	var baseTask *cir.Task
	if hasSnap {
		baseFingerprint = snap.Fingerprint
		baseTask = snap.Task
	}

	// A side without native relationship storage always reads its reference
	// lists back empty. Carry the baseline's lists forward for such a side
	// before classifying, so the capability gap never reads as a user edit
	// that would erase the lists on the capable side.
	if baseTask != nil {
		restoreRelationships(a, aTask, baseTask)
		restoreRelationships(b, bTask, baseTask)
	}

	switch state := detect.Classify(aTask, bTask, baseFingerprint); state {
	case detect.Absent:
		return nil

	case detect.Clean:
		report.Clean++
		if aTask != nil && len(aTask.Depends)+len(aTask.Followers) > 0 {
			relTasks[uuid] = aTask
		}
		return nil

	case detect.NewOnA:
		return e.pushNew(ctx, logger, a, b, uuid, aTask, report, relTasks)
	case detect.NewOnB:
		return e.pushNew(ctx, logger, b, a, uuid, bTask, report, relTasks)

	case detect.TombstoneA:
		return e.propagateTombstone(ctx, logger, a, b, uuid, report)
	case detect.TombstoneB:
		return e.propagateTombstone(ctx, logger, b, a, uuid, report)

	case detect.DirtyA:
		return e.pushDirty(ctx, b, uuid, aTask, report, relTasks)
	case detect.DirtyB:
		return e.pushDirty(ctx, a, uuid, bTask, report, relTasks)

	case detect.Conflict:
		e.publish(bus.TopicConflictDetected, bus.ConflictEvent{PassID: shared.PassID(ctx), UUID: uuid})
		return e.resolveConflict(ctx, logger, a, b, uuid, baseTask, aTask, bTask, report, relTasks)

	default:
		return fmt.Errorf("unhandled state %s", state)
	}
}

// restoreRelationships copies the baseline's Depends and Followers onto a
// task fetched from a side whose adapter cannot store relationships.
func restoreRelationships(s *side, task, base *cir.Task) {
	if task == nil || s.adp.Capabilities().NativeRelationships {
		return
	}
	if len(task.Depends) == 0 && len(base.Depends) > 0 {
		task.Depends = append([]string(nil), base.Depends...)
	}
	if len(task.Followers) == 0 && len(base.Followers) > 0 {
		task.Followers = append([]string(nil), base.Followers...)
	}
}

// pushNew copies a task that exists only on src over to dst. If dst already
// has a mapping for this identity the task is updated in place, never
// created a second time.
func (e *Engine) pushNew(ctx context.Context, logger *slog.Logger, src, dst *side, uuid string, task *cir.Task, report *Report, relTasks map[string]*cir.Task) error {
	dstExt, mapped, err := e.cfg.Store.ExternalID(ctx, dst.adp.Name(), uuid)
	if err != nil {
		return fmt.Errorf("resolve destination mapping: %w", err)
	}
	if mapped {
		newExt, err := dst.adp.Update(ctx, dstExt, task)
		if err != nil {
			return fmt.Errorf("update on %s: %w", dst.adp.Name(), err)
		}
		if newExt != dstExt {
			if err := e.cfg.Store.Bind(ctx, dst.adp.Name(), newExt, uuid); err != nil {
				return fmt.Errorf("rebind after update: %w", err)
			}
		}
		report.Updated++
		e.metrics.TasksUpdated.Add(ctx, 1)
	} else {
		newExt, err := dst.adp.Create(ctx, task)
		if err != nil {
			return fmt.Errorf("create on %s: %w", dst.adp.Name(), err)
		}
		if err := e.cfg.Store.Bind(ctx, dst.adp.Name(), newExt, uuid); err != nil {
			return fmt.Errorf("bind created task: %w", err)
		}
		report.Created++
		e.metrics.TasksCreated.Add(ctx, 1)
		logger.InfoContext(ctx, "task created", "from", src.adp.Name(), "to", dst.adp.Name(), "external_id", newExt)
	}

	if err := e.cfg.Store.CommitSnapshot(ctx, task); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	if len(task.Depends)+len(task.Followers) > 0 {
		relTasks[uuid] = task
	}
	e.publish(bus.TopicIdentityReconciled, bus.IdentityEvent{PassID: shared.PassID(ctx), UUID: uuid, State: "created"})
	return nil
}

// propagateTombstone retires the counterpart of a task that vanished from
// gone's system. The mapping survives as a tombstone so a later
// reappearance of the external id does not resurrect the pair.
func (e *Engine) propagateTombstone(ctx context.Context, logger *slog.Logger, gone, remains *side, uuid string, report *Report) error {
	ext, mapped, err := e.cfg.Store.ExternalID(ctx, remains.adp.Name(), uuid)
	if err != nil {
		return fmt.Errorf("resolve counterpart: %w", err)
	}
	if mapped {
		liveness, known, err := e.cfg.Store.Liveness(ctx, remains.adp.Name(), ext)
		if err != nil {
			return fmt.Errorf("check liveness: %w", err)
		}
		if known && liveness == mapstore.LivenessCompleted {
			// Retired in an earlier pass; the soft-deleted task just still
			// shows up in bulk fetches.
			return nil
		}
		if err := remains.adp.Delete(ctx, ext); err != nil {
			return fmt.Errorf("retire on %s: %w", remains.adp.Name(), err)
		}
	}
	if err := e.cfg.Store.MarkTerminal(ctx, uuid); err != nil {
		return fmt.Errorf("mark terminal: %w", err)
	}
	report.Tombstoned++
	e.metrics.TasksTombstoned.Add(ctx, 1)
	logger.InfoContext(ctx, "tombstone propagated", "vanished_from", gone.adp.Name(), "retired_on", remains.adp.Name())
	e.publish(bus.TopicTombstone, bus.TombstoneEvent{PassID: shared.PassID(ctx), UUID: uuid, System: gone.adp.Name()})
	return nil
}

// pushDirty overwrites the stale side with the changed side's content.
func (e *Engine) pushDirty(ctx context.Context, stale *side, uuid string, changed *cir.Task, report *Report, relTasks map[string]*cir.Task) error {
	ext, mapped := stale.byUUID[uuid], false
	if ext != "" {
		mapped = true
	} else {
		var err error
		ext, mapped, err = e.cfg.Store.ExternalID(ctx, stale.adp.Name(), uuid)
		if err != nil {
			return fmt.Errorf("resolve stale side: %w", err)
		}
	}
	if !mapped {
		return fmt.Errorf("no mapping on %s for %s", stale.adp.Name(), uuid)
	}

	target := changed.Clone()
	target.UUID = uuid
	if staleTask, ok := stale.tasks[ext]; ok {
		// Preserve the destination's identity fields; only content moves.
		target = staleTask.Clone()
		target.ApplyMerged(changed)
	}
	newExt, err := stale.adp.Update(ctx, ext, target)
	if err != nil {
		return fmt.Errorf("update on %s: %w", stale.adp.Name(), err)
	}
	if newExt != ext {
		if err := e.cfg.Store.Bind(ctx, stale.adp.Name(), newExt, uuid); err != nil {
			return fmt.Errorf("rebind after update: %w", err)
		}
	}
	if err := e.cfg.Store.CommitSnapshot(ctx, changed); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	report.Updated++
	e.metrics.TasksUpdated.Add(ctx, 1)
	if len(changed.Depends)+len(changed.Followers) > 0 {
		relTasks[uuid] = changed
	}
	e.publish(bus.TopicIdentityReconciled, bus.IdentityEvent{PassID: shared.PassID(ctx), UUID: uuid, State: "updated"})
	return nil
}

// resolveConflict runs the merge strategy and pushes the result to every
// side whose content differs from it. An operator abort leaves everything,
// including the stored baseline, untouched.
func (e *Engine) resolveConflict(ctx context.Context, logger *slog.Logger, a, b *side, uuid string, base, aTask, bTask *cir.Task, report *Report, relTasks map[string]*cir.Task) error {
	merged, err := e.cfg.Resolver.Merge(ctx, base, aTask, bTask)
	if err != nil {
		if errors.Is(err, resolve.ErrAborted) {
			logger.WarnContext(ctx, "merge aborted, identity left as-is")
			report.Skipped++
			e.metrics.IdentitiesSkipped.Add(ctx, 1)
			return nil
		}
		return fmt.Errorf("merge: %w", err)
	}
	merged.UUID = uuid
	mergedFP := merged.Fingerprint()

	for _, s := range []*side{a, b} {
		ext := s.byUUID[uuid]
		current := s.tasks[ext]
		if current != nil && current.Fingerprint() == mergedFP {
			continue
		}
		target := merged
		if current != nil {
			target = current.Clone()
			target.ApplyMerged(merged)
		}
		newExt, err := s.adp.Update(ctx, ext, target)
		if err != nil {
			return fmt.Errorf("push merge to %s: %w", s.adp.Name(), err)
		}
		if newExt != ext {
			if err := e.cfg.Store.Bind(ctx, s.adp.Name(), newExt, uuid); err != nil {
				return fmt.Errorf("rebind after merge push: %w", err)
			}
		}
	}

	if err := e.cfg.Store.CommitSnapshot(ctx, merged); err != nil {
		return fmt.Errorf("commit merged snapshot: %w", err)
	}
	report.Conflicts++
	e.metrics.ConflictsResolved.Add(ctx, 1)
	logger.InfoContext(ctx, "conflict resolved")
	if len(merged.Depends)+len(merged.Followers) > 0 {
		relTasks[uuid] = merged
	}
	e.publish(bus.TopicConflictDetected, bus.ConflictEvent{PassID: shared.PassID(ctx), UUID: uuid, Resolved: true})
	return nil
}

// applyRelationships is the deferred second pass: by now every referenced
// identity exists on both sides, so dependency links can be written in each
// system's native form. Best-effort per task.
func (e *Engine) applyRelationships(ctx context.Context, logger *slog.Logger, sides []*side, relTasks map[string]*cir.Task) {
	for _, s := range sides {
		if !s.adp.Capabilities().NativeRelationships {
			continue
		}
		for uuid, task := range relTasks {
			ext, mapped, err := e.cfg.Store.ExternalID(ctx, s.adp.Name(), uuid)
			if err != nil || !mapped {
				continue
			}
			if err := s.adp.UpdateRelationships(ctx, ext, task, e.cfg.Store); err != nil {
				logger.WarnContext(ctx, "relationship write failed", "system", s.adp.Name(), "uuid", uuid, "error", err)
			}
		}
	}
}

func (e *Engine) publish(topic string, payload any) {
	if e.cfg.Bus != nil {
		e.cfg.Bus.Publish(topic, payload)
	}
}
