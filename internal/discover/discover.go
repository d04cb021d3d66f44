// Package discover resolves cross-task reference lists from system-local
// identifiers to internal identities, fetching unknown referenced tasks on
// demand. The relationship graph materializes lazily: only references that
// actually appear get fetched, each at most once per pass.
package discover

import (
	"context"
	"log/slog"

	"github.com/basket/tasksync/internal/adapter"
	"github.com/basket/tasksync/internal/cir"
)

// Mapper is the slice of the mapping store the discoverer needs.
type Mapper interface {
	Resolve(ctx context.Context, system, externalID string) (string, bool, error)
	Ensure(ctx context.Context, system, externalID string) (string, error)
}

// Source is the slice of an adapter the discoverer needs to chase a
// reference.
type Source interface {
	Name() string
	FetchOne(ctx context.Context, externalID string) (adapter.Raw, error)
	ToCanonical(raw adapter.Raw) (*cir.Task, error)
}

// Discoverer normalizes reference lists for one reconciliation pass.
// Not safe for concurrent use; the driver is single-threaded.
type Discoverer struct {
	mapper Mapper
	logger *slog.Logger

	// resolved memoizes system/external-id -> internal identity for the
	// current pass so a reference is never fetched twice.
	resolved map[string]string
}

func New(mapper Mapper, logger *slog.Logger) *Discoverer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discoverer{
		mapper:   mapper,
		logger:   logger,
		resolved: make(map[string]string),
	}
}

// Normalize translates refs (system-local identifiers on src) to internal
// identities. Unknown references are fetched one at a time from src,
// translated, mapped, and added to working (keyed by external id) so later
// steps of the pass see them. An unfetchable reference is logged and
// dropped; it never aborts the pass.
func (d *Discoverer) Normalize(ctx context.Context, src Source, working map[string]*cir.Task, refs []string) []string {
	if len(refs) == 0 {
		return nil
	}
	out := make([]string, 0, len(refs))
	for _, ref := range refs {
		internalUUID, ok := d.lookup(ctx, src, working, ref)
		if !ok {
			continue
		}
		out = append(out, internalUUID)
	}
	return out
}

func (d *Discoverer) lookup(ctx context.Context, src Source, working map[string]*cir.Task, ref string) (string, bool) {
	key := src.Name() + "\x00" + ref
	if id, ok := d.resolved[key]; ok {
		return id, true
	}

	id, ok, err := d.mapper.Resolve(ctx, src.Name(), ref)
	if err != nil {
		d.logger.Warn("reference lookup failed, dropping", "system", src.Name(), "ref", ref, "error", err)
		return "", false
	}
	if ok {
		d.resolved[key] = id
		return id, true
	}

	// Already in the working set from the bulk fetch, just not mapped yet.
	if working != nil {
		if task, found := working[ref]; found {
			id, err = d.mapper.Ensure(ctx, src.Name(), ref)
			if err != nil {
				d.logger.Warn("minting mapping for reference failed, dropping", "system", src.Name(), "ref", ref, "error", err)
				return "", false
			}
			task.UUID = id
			d.resolved[key] = id
			return id, true
		}
	}

	// Unknown reference: materialize it on demand.
	raw, err := src.FetchOne(ctx, ref)
	if err != nil {
		d.logger.Warn("referenced task unfetchable, dropping", "system", src.Name(), "ref", ref, "error", err)
		return "", false
	}
	task, err := src.ToCanonical(raw)
	if err != nil {
		d.logger.Warn("referenced task untranslatable, dropping", "system", src.Name(), "ref", ref, "error", err)
		return "", false
	}
	id, err = d.mapper.Ensure(ctx, src.Name(), ref)
	if err != nil {
		d.logger.Warn("minting mapping for reference failed, dropping", "system", src.Name(), "ref", ref, "error", err)
		return "", false
	}
	task.UUID = id
	if working != nil {
		working[ref] = task
	}
	d.resolved[key] = id
	d.logger.Info("discovered referenced task", "system", src.Name(), "ref", ref, "uuid", id)
	return id, true
}
