// Package adapter defines the contract every external task system implements
// and an explicit name-to-factory registry. The engine treats an adapter as
// "a thing that can fetch, translate, and push a canonical task given an
// opaque identifier"; everything system-specific stays behind this interface.
package adapter

import (
	"context"
	"errors"
	"log/slog"

	"github.com/basket/tasksync/internal/cir"
)

// Raw is a system-native task record before translation.
type Raw map[string]any

// DeleteSemantics declares how a system retires a task.
type DeleteSemantics string

const (
	// DeleteHard removes the record entirely.
	DeleteHard DeleteSemantics = "hard"
	// DeleteSoft closes or completes the record but keeps it addressable.
	DeleteSoft DeleteSemantics = "soft"
)

// Capabilities is the static capability descriptor the driver consults
// instead of type inspection.
type Capabilities struct {
	Delete DeleteSemantics
	// NativeRelationships reports whether the system can store cross-task
	// links itself. Systems without it get relationship writes skipped.
	NativeRelationships bool
}

// RelationshipResolver translates internal identities to a system's external
// identifiers during the second-pass relationship write. The mapping store
// implements it.
type RelationshipResolver interface {
	ExternalID(ctx context.Context, system, internalUUID string) (string, bool, error)
}

// Adapter is the capability interface for one external system.
//
// Fetch and push calls are synchronous and blocking; the engine serializes
// them. Translation must not perform IO.
type Adapter interface {
	Name() string
	Capabilities() Capabilities

	// Authenticate loads credentials. Failure is fatal for this system for
	// the whole pass.
	Authenticate(ctx context.Context) error

	// SetFilter scopes subsequent FetchAll calls (a project, a repo, a file
	// path; interpretation is system-specific).
	SetFilter(filter string)

	FetchAll(ctx context.Context) ([]Raw, error)
	FetchOne(ctx context.Context, externalID string) (Raw, error)

	// ExternalID extracts the system-local identifier from a raw record.
	ExternalID(raw Raw) (string, error)

	ToCanonical(raw Raw) (*cir.Task, error)
	FromCanonical(task *cir.Task) (Raw, error)

	// Create pushes a new task and returns its external identifier.
	Create(ctx context.Context, task *cir.Task) (string, error)
	// Update overwrites an existing task and returns its (possibly renewed)
	// external identifier.
	Update(ctx context.Context, externalID string, task *cir.Task) (string, error)
	// Delete retires a task according to the declared delete semantics.
	Delete(ctx context.Context, externalID string) error

	// UpdateRelationships writes the task's dependency links, translating
	// internal identities through the resolver. Best-effort; only called
	// when Capabilities().NativeRelationships is true.
	UpdateRelationships(ctx context.Context, externalID string, task *cir.Task, resolver RelationshipResolver) error
}

// PermissionValidator is an optional capability: adapters that can verify
// write access to a destination target up front implement it, and the driver
// calls it before any mutation.
type PermissionValidator interface {
	ValidatePermissions(ctx context.Context, target string) error
}

// Failure taxonomy. Adapters wrap their errors with these sentinels so the
// engine can tell system-scoped failures (abort before mutation) from
// identity-scoped ones (skip and continue).
var (
	ErrAuth       = errors.New("authentication failed")
	ErrPermission = errors.New("permission denied")
	ErrFetch      = errors.New("fetch failed")
	ErrTranslate  = errors.New("translation failed")
	ErrPush       = errors.New("push failed")
)

// Options carries shared dependencies into adapter factories.
type Options struct {
	// Settings are the adapter's keys from the settings file
	// (e.g. github: {token_env: GITHUB_TOKEN}).
	Settings map[string]string
	Logger   *slog.Logger
}

func (o Options) Setting(key, fallback string) string {
	if v, ok := o.Settings[key]; ok && v != "" {
		return v
	}
	return fallback
}
