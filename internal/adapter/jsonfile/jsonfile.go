// Package jsonfile syncs against a flat file of canonical task documents.
// It is the reference adapter: no credentials, hard deletes, and native
// relationship storage, which makes it the easy end-to-end test partner.
package jsonfile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/basket/tasksync/internal/adapter"
	"github.com/basket/tasksync/internal/cir"
)

const Name = "jsonfile"

// Register installs the factory into the registry.
func Register(reg *adapter.Registry) {
	reg.Register(Name, func(opts adapter.Options) (adapter.Adapter, error) {
		return New(opts), nil
	})
}

// Adapter reads and writes a JSON array of task documents. Each document is
// a canonical task plus an "id" key carrying the file-local identifier.
type Adapter struct {
	logger *slog.Logger

	mu   sync.Mutex
	path string
}

func New(opts adapter.Options) *Adapter {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		logger: logger,
		path:   opts.Setting("path", ""),
	}
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{
		Delete:              adapter.DeleteHard,
		NativeRelationships: true,
	}
}

func (a *Adapter) Authenticate(context.Context) error { return nil }

// SetFilter interprets the filter as the file path.
func (a *Adapter) SetFilter(filter string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if filter != "" {
		a.path = filter
	}
}

func (a *Adapter) filePath() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.path
}

func (a *Adapter) load() ([]adapter.Raw, error) {
	path := a.filePath()
	if path == "" {
		return nil, fmt.Errorf("%w: no file path configured", adapter.ErrFetch)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: read %s: %v", adapter.ErrFetch, path, err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var raws []adapter.Raw
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", adapter.ErrFetch, path, err)
	}
	return raws, nil
}

func (a *Adapter) save(raws []adapter.Raw) error {
	if raws == nil {
		raws = []adapter.Raw{}
	}
	data, err := json.MarshalIndent(raws, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", adapter.ErrPush, err)
	}
	path := a.filePath()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: write %s: %v", adapter.ErrPush, path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("%w: replace %s: %v", adapter.ErrPush, path, err)
	}
	return nil
}

func (a *Adapter) FetchAll(context.Context) ([]adapter.Raw, error) {
	return a.load()
}

func (a *Adapter) FetchOne(_ context.Context, externalID string) (adapter.Raw, error) {
	raws, err := a.load()
	if err != nil {
		return nil, err
	}
	for _, raw := range raws {
		if id, _ := raw["id"].(string); id == externalID {
			return raw, nil
		}
	}
	return nil, fmt.Errorf("%w: no document with id %s", adapter.ErrFetch, externalID)
}

func (a *Adapter) ExternalID(raw adapter.Raw) (string, error) {
	id, ok := raw["id"].(string)
	if !ok || id == "" {
		return "", fmt.Errorf("%w: document without id", adapter.ErrTranslate)
	}
	return id, nil
}

// ToCanonical validates the document against the task schema before
// decoding; a hand-edited file is the one place malformed input is routine.
func (a *Adapter) ToCanonical(raw adapter.Raw) (*cir.Task, error) {
	doc := make(map[string]any, len(raw))
	for k, v := range raw {
		if k == "id" {
			continue
		}
		doc[k] = v
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", adapter.ErrTranslate, err)
	}
	if err := cir.ValidateDocument(data); err != nil {
		return nil, fmt.Errorf("%w: %v", adapter.ErrTranslate, err)
	}
	task, err := cir.FromJSON(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", adapter.ErrTranslate, err)
	}
	return task, nil
}

func (a *Adapter) FromCanonical(task *cir.Task) (adapter.Raw, error) {
	data, err := task.ToJSON()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", adapter.ErrTranslate, err)
	}
	var raw adapter.Raw
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", adapter.ErrTranslate, err)
	}
	return raw, nil
}

func (a *Adapter) Create(_ context.Context, task *cir.Task) (string, error) {
	raw, err := a.FromCanonical(task)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	raw["id"] = id

	raws, err := a.load()
	if err != nil {
		return "", err
	}
	raws = append(raws, raw)
	if err := a.save(raws); err != nil {
		return "", err
	}
	return id, nil
}

func (a *Adapter) Update(_ context.Context, externalID string, task *cir.Task) (string, error) {
	raw, err := a.FromCanonical(task)
	if err != nil {
		return "", err
	}
	raw["id"] = externalID

	raws, err := a.load()
	if err != nil {
		return "", err
	}
	found := false
	for i, existing := range raws {
		if id, _ := existing["id"].(string); id == externalID {
			raws[i] = raw
			found = true
			break
		}
	}
	if !found {
		return "", fmt.Errorf("%w: no document with id %s", adapter.ErrPush, externalID)
	}
	if err := a.save(raws); err != nil {
		return "", err
	}
	return externalID, nil
}

func (a *Adapter) Delete(_ context.Context, externalID string) error {
	raws, err := a.load()
	if err != nil {
		return err
	}
	kept := raws[:0]
	for _, raw := range raws {
		if id, _ := raw["id"].(string); id != externalID {
			kept = append(kept, raw)
		}
	}
	return a.save(kept)
}

// UpdateRelationships rewrites the document's dependency lists in the
// file's own identifier space.
func (a *Adapter) UpdateRelationships(ctx context.Context, externalID string, task *cir.Task, resolver adapter.RelationshipResolver) error {
	raws, err := a.load()
	if err != nil {
		return err
	}
	translate := func(internal []string) []any {
		var out []any
		for _, u := range internal {
			native, ok, err := resolver.ExternalID(ctx, Name, u)
			if err != nil || !ok {
				a.logger.Warn("dependency has no local mapping, dropping", "uuid", u)
				continue
			}
			out = append(out, native)
		}
		return out
	}
	for i, raw := range raws {
		if id, _ := raw["id"].(string); id != externalID {
			continue
		}
		if deps := translate(task.Depends); deps != nil {
			raw["depends"] = deps
		} else {
			delete(raw, "depends")
		}
		if fol := translate(task.Followers); fol != nil {
			raw["followers"] = fol
		} else {
			delete(raw, "followers")
		}
		raws[i] = raw
		return a.save(raws)
	}
	return fmt.Errorf("%w: no document with id %s", adapter.ErrPush, externalID)
}
