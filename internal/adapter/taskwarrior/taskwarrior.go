// Package taskwarrior drives a local Taskwarrior installation through the
// task(1) binary. Reads use `task export`, writes use `task import`, both in
// JSON-array mode so no interactive prompt is ever hit.
package taskwarrior

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/tasksync/internal/adapter"
	"github.com/basket/tasksync/internal/cir"
)

const Name = "taskwarrior"

// Taskwarrior's compact UTC timestamp format.
const dateLayout = "20060102T150405Z"

// Register installs the factory into the registry.
func Register(reg *adapter.Registry) {
	reg.Register(Name, func(opts adapter.Options) (adapter.Adapter, error) {
		return New(opts), nil
	})
}

// runner executes the task binary with optional stdin and returns stdout.
// Swapped out in tests.
type runner func(ctx context.Context, stdin []byte, args ...string) ([]byte, error)

type Adapter struct {
	logger *slog.Logger
	bin    string
	filter string
	run    runner
}

func New(opts adapter.Options) *Adapter {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &Adapter{
		logger: logger,
		bin:    opts.Setting("bin", "task"),
	}
	a.run = a.execRun
	return a
}

func (a *Adapter) execRun(ctx context.Context, stdin []byte, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, a.bin, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s %s: %w: %s", a.bin, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{
		Delete:              adapter.DeleteSoft,
		NativeRelationships: true,
	}
}

// Authenticate verifies the task binary is runnable.
func (a *Adapter) Authenticate(ctx context.Context) error {
	if _, err := a.run(ctx, nil, "--version"); err != nil {
		return fmt.Errorf("%w: taskwarrior not available: %v", adapter.ErrAuth, err)
	}
	return nil
}

// SetFilter scopes exports to a Taskwarrior filter expression,
// e.g. "project:work" or "+sync".
func (a *Adapter) SetFilter(filter string) { a.filter = filter }

func (a *Adapter) FetchAll(ctx context.Context) ([]adapter.Raw, error) {
	args := []string{"rc.json.array=on"}
	args = append(args, strings.Fields(a.filter)...)
	args = append(args, "export")
	out, err := a.run(ctx, nil, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", adapter.ErrFetch, err)
	}
	return parseExport(out)
}

func (a *Adapter) FetchOne(ctx context.Context, externalID string) (adapter.Raw, error) {
	out, err := a.run(ctx, nil, "rc.json.array=on", externalID, "export")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", adapter.ErrFetch, err)
	}
	raws, err := parseExport(out)
	if err != nil {
		return nil, err
	}
	if len(raws) == 0 {
		return nil, fmt.Errorf("%w: no task with uuid %s", adapter.ErrFetch, externalID)
	}
	return raws[0], nil
}

func parseExport(out []byte) ([]adapter.Raw, error) {
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return nil, nil
	}
	var raws []adapter.Raw
	if err := json.Unmarshal(out, &raws); err != nil {
		return nil, fmt.Errorf("%w: parse export: %v", adapter.ErrFetch, err)
	}
	return raws, nil
}

func (a *Adapter) ExternalID(raw adapter.Raw) (string, error) {
	id, ok := raw["uuid"].(string)
	if !ok || id == "" {
		return "", fmt.Errorf("%w: export record without uuid", adapter.ErrTranslate)
	}
	return id, nil
}

func (a *Adapter) ToCanonical(raw adapter.Raw) (*cir.Task, error) {
	task := &cir.Task{
		Kind:        cir.KindTask,
		Description: str(raw["description"]),
		Status:      canonicalStatus(str(raw["status"])),
		Project:     str(raw["project"]),
		Tags:        strSlice(raw["tags"]),
		Depends:     dependsList(raw["depends"]),
	}
	if task.Description == "" {
		return nil, fmt.Errorf("%w: export record without description", adapter.ErrTranslate)
	}
	switch str(raw["priority"]) {
	case "H":
		task.Priority = cir.PriorityHigh
	case "M":
		task.Priority = cir.PriorityMedium
	case "L":
		task.Priority = cir.PriorityLow
	}
	task.Body = annotationsBody(raw["annotations"])
	if ts, ok := parseDate(raw["modified"]); ok {
		task.LastModified = ts
	} else if ts, ok := parseDate(raw["entry"]); ok {
		task.LastModified = ts
	}
	if ts, ok := parseDate(raw["due"]); ok {
		task.Due = &ts
	}
	if ts, ok := parseDate(raw["scheduled"]); ok {
		task.Scheduled = &ts
	}
	if ts, ok := parseDate(raw["start"]); ok {
		task.Start = &ts
	}
	if s := str(raw["effort"]); s != "" {
		d, err := parseTWDuration(s)
		if err != nil {
			a.logger.Warn("unparseable effort value, dropping", "value", s)
		} else {
			task.Effort = d
		}
	}
	if p, ok := raw["percentage"].(float64); ok {
		task.Progress = int(p)
	}
	return task, nil
}

func (a *Adapter) FromCanonical(task *cir.Task) (adapter.Raw, error) {
	raw := adapter.Raw{
		"description": task.Description,
		"status":      nativeStatus(task.Status),
	}
	if task.Project != "" {
		raw["project"] = task.Project
	}
	if task.Priority != "" {
		raw["priority"] = string(task.Priority)
	}
	if len(task.Tags) > 0 {
		raw["tags"] = task.Tags
	}
	if !task.LastModified.IsZero() {
		raw["modified"] = task.LastModified.UTC().Format(dateLayout)
	}
	if task.Due != nil {
		raw["due"] = task.Due.UTC().Format(dateLayout)
	}
	if task.Scheduled != nil {
		raw["scheduled"] = task.Scheduled.UTC().Format(dateLayout)
	}
	if task.Start != nil {
		raw["start"] = task.Start.UTC().Format(dateLayout)
	}
	if task.Body != "" {
		entry := task.LastModified
		if entry.IsZero() {
			entry = time.Now()
		}
		raw["annotations"] = []map[string]string{{
			"entry":       entry.UTC().Format(dateLayout),
			"description": task.Body,
		}}
	}
	if task.Effort != 0 {
		raw["effort"] = formatTWDuration(task.Effort)
	}
	if task.Progress > 0 {
		raw["percentage"] = task.Progress
	}
	return raw, nil
}

func (a *Adapter) Create(ctx context.Context, task *cir.Task) (string, error) {
	raw, err := a.FromCanonical(task)
	if err != nil {
		return "", err
	}
	// Mint the uuid ourselves so the external identifier is known without
	// re-parsing import output.
	id := uuid.NewString()
	raw["uuid"] = id
	if err := a.importDoc(ctx, raw); err != nil {
		return "", err
	}
	return id, nil
}

func (a *Adapter) Update(ctx context.Context, externalID string, task *cir.Task) (string, error) {
	raw, err := a.FromCanonical(task)
	if err != nil {
		return "", err
	}
	raw["uuid"] = externalID
	if err := a.importDoc(ctx, raw); err != nil {
		return "", err
	}
	return externalID, nil
}

// Delete marks the task deleted. Taskwarrior keeps deleted tasks in its
// data files, so this is soft by nature.
func (a *Adapter) Delete(ctx context.Context, externalID string) error {
	if _, err := a.run(ctx, nil, "rc.confirmation=off", externalID, "delete"); err != nil {
		return fmt.Errorf("%w: %v", adapter.ErrPush, err)
	}
	return nil
}

func (a *Adapter) UpdateRelationships(ctx context.Context, externalID string, task *cir.Task, resolver adapter.RelationshipResolver) error {
	raw, err := a.FetchOne(ctx, externalID)
	if err != nil {
		return err
	}
	var deps []string
	for _, u := range task.Depends {
		native, ok, err := resolver.ExternalID(ctx, Name, u)
		if err != nil || !ok {
			a.logger.Warn("dependency has no taskwarrior mapping, dropping", "uuid", u)
			continue
		}
		deps = append(deps, native)
	}
	if len(deps) > 0 {
		raw["depends"] = strings.Join(deps, ",")
	} else {
		delete(raw, "depends")
	}
	return a.importDoc(ctx, raw)
}

func (a *Adapter) importDoc(ctx context.Context, raw adapter.Raw) error {
	data, err := json.Marshal([]adapter.Raw{raw})
	if err != nil {
		return fmt.Errorf("%w: marshal import doc: %v", adapter.ErrPush, err)
	}
	if _, err := a.run(ctx, data, "rc.confirmation=off", "import", "-"); err != nil {
		return fmt.Errorf("%w: %v", adapter.ErrPush, err)
	}
	return nil
}

func canonicalStatus(s string) cir.Status {
	switch s {
	case "completed":
		return cir.StatusCompleted
	case "deleted":
		return cir.StatusDeleted
	case "waiting":
		return cir.StatusWaiting
	default:
		return cir.StatusPending
	}
}

func nativeStatus(s cir.Status) string {
	switch s {
	case cir.StatusCompleted, cir.StatusDeleted, cir.StatusWaiting:
		return string(s)
	default:
		return "pending"
	}
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func strSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// dependsList accepts both export shapes: a JSON array of uuids (json.array
// mode on 2.6+) and the legacy comma-separated string.
func dependsList(v any) []string {
	switch deps := v.(type) {
	case []any:
		return strSlice(v)
	case string:
		if deps == "" {
			return nil
		}
		return strings.Split(deps, ",")
	default:
		return nil
	}
}

func parseDate(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

func annotationsBody(v any) string {
	items, ok := v.([]any)
	if !ok {
		return ""
	}
	var lines []string
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			if desc := str(m["description"]); desc != "" {
				lines = append(lines, desc)
			}
		}
	}
	return strings.Join(lines, "\n")
}

var twDurationRE = regexp.MustCompile(`^(\d+)\s*(s|sec|seconds|min|minutes|h|hr|hrs|hours|d|day|days|w|wk|weeks)$`)

func parseTWDuration(s string) (cir.Duration, error) {
	m := twDurationRE.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	var unit time.Duration
	switch m[2][0] {
	case 's':
		unit = time.Second
	case 'm':
		unit = time.Minute
	case 'h':
		unit = time.Hour
	case 'd':
		unit = 24 * time.Hour
	case 'w':
		unit = 7 * 24 * time.Hour
	}
	return cir.Duration(time.Duration(n) * unit), nil
}

func formatTWDuration(d cir.Duration) string {
	v := time.Duration(d)
	switch {
	case v >= 24*time.Hour && v%(24*time.Hour) == 0:
		return fmt.Sprintf("%dd", v/(24*time.Hour))
	case v >= time.Hour && v%time.Hour == 0:
		return fmt.Sprintf("%dh", v/time.Hour)
	default:
		return fmt.Sprintf("%dmin", v/time.Minute)
	}
}
