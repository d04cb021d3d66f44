// Package github syncs tasks against GitHub issues through the REST v3 API
// using a personal access token. Issues map to tasks one-to-one: the issue
// number is the external identifier, closing an issue completes the task.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/basket/tasksync/internal/adapter"
	"github.com/basket/tasksync/internal/cir"
)

const Name = "github"

const defaultBaseURL = "https://api.github.com"

// Register installs the factory into the registry.
func Register(reg *adapter.Registry) {
	reg.Register(Name, func(opts adapter.Options) (adapter.Adapter, error) {
		return New(opts), nil
	})
}

type Adapter struct {
	logger   *slog.Logger
	client   *http.Client
	baseURL  string
	tokenEnv string

	token string
	repo  string
}

func New(opts adapter.Options) *Adapter {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		logger:   logger,
		client:   &http.Client{Timeout: 30 * time.Second},
		baseURL:  opts.Setting("api_url", defaultBaseURL),
		tokenEnv: opts.Setting("token_env", "GITHUB_TOKEN"),
	}
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{
		Delete: adapter.DeleteSoft,
		// Issues have no first-class dependency links.
		NativeRelationships: false,
	}
}

// Authenticate reads the personal access token from the configured
// environment variable. The token is only verified against the API by
// ValidatePermissions.
func (a *Adapter) Authenticate(context.Context) error {
	a.token = os.Getenv(a.tokenEnv)
	if a.token == "" {
		return fmt.Errorf("%w: environment variable %s is empty", adapter.ErrAuth, a.tokenEnv)
	}
	return nil
}

// SetFilter scopes the adapter to one repository, "owner/name".
func (a *Adapter) SetFilter(filter string) { a.repo = filter }

// ValidatePermissions checks the token is live and has push access to the
// target repository before any mutation happens.
func (a *Adapter) ValidatePermissions(ctx context.Context, target string) error {
	if target == "" {
		target = a.repo
	}
	resp, err := a.do(ctx, http.MethodGet, "/user", nil)
	if err != nil {
		return fmt.Errorf("%w: %v", adapter.ErrAuth, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: token rejected by %s", adapter.ErrAuth, a.baseURL)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: GET /user returned %s", adapter.ErrAuth, resp.Status)
	}
	if scopes := resp.Header.Get("X-OAuth-Scopes"); scopes != "" {
		a.logger.Debug("token scopes", "scopes", scopes)
	}

	var repoInfo struct {
		Permissions struct {
			Push bool `json:"push"`
		} `json:"permissions"`
	}
	rresp, err := a.do(ctx, http.MethodGet, "/repos/"+target, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", adapter.ErrPermission, err)
	}
	defer rresp.Body.Close()
	switch rresp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return fmt.Errorf("%w: repository %s not found or not visible to this token", adapter.ErrPermission, target)
	default:
		return fmt.Errorf("%w: GET /repos/%s returned %s", adapter.ErrPermission, target, rresp.Status)
	}
	if err := json.NewDecoder(rresp.Body).Decode(&repoInfo); err != nil {
		return fmt.Errorf("%w: decode repository: %v", adapter.ErrPermission, err)
	}
	if !repoInfo.Permissions.Push {
		return fmt.Errorf("%w: token lacks push access to %s", adapter.ErrPermission, target)
	}
	return nil
}

// FetchAll pages through all issues in the repository. Pull requests share
// the issues endpoint and are filtered out.
func (a *Adapter) FetchAll(ctx context.Context) ([]adapter.Raw, error) {
	if a.repo == "" {
		return nil, fmt.Errorf("%w: no repository configured", adapter.ErrFetch)
	}
	var all []adapter.Raw
	for page := 1; ; page++ {
		path := fmt.Sprintf("/repos/%s/issues?state=all&per_page=100&page=%d", a.repo, page)
		var batch []adapter.Raw
		if err := a.getJSON(ctx, path, &batch); err != nil {
			return nil, err
		}
		for _, raw := range batch {
			if _, isPR := raw["pull_request"]; isPR {
				continue
			}
			all = append(all, raw)
		}
		if len(batch) < 100 {
			return all, nil
		}
	}
}

func (a *Adapter) FetchOne(ctx context.Context, externalID string) (adapter.Raw, error) {
	var raw adapter.Raw
	if err := a.getJSON(ctx, fmt.Sprintf("/repos/%s/issues/%s", a.repo, externalID), &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (a *Adapter) ExternalID(raw adapter.Raw) (string, error) {
	n, ok := raw["number"].(float64)
	if !ok {
		return "", fmt.Errorf("%w: issue without number", adapter.ErrTranslate)
	}
	return strconv.Itoa(int(n)), nil
}

func (a *Adapter) ToCanonical(raw adapter.Raw) (*cir.Task, error) {
	title, _ := raw["title"].(string)
	if title == "" {
		return nil, fmt.Errorf("%w: issue without title", adapter.ErrTranslate)
	}
	task := &cir.Task{
		Kind:        cir.KindTask,
		Description: title,
		Status:      cir.StatusPending,
	}
	if body, ok := raw["body"].(string); ok {
		task.Body = body
	}
	if state, _ := raw["state"].(string); state == "closed" {
		task.Status = cir.StatusCompleted
	}
	task.Tags = labelNames(raw["labels"])
	if updated, ok := raw["updated_at"].(string); ok {
		if ts, err := time.Parse(time.RFC3339, updated); err == nil {
			task.LastModified = ts
		}
	}
	if url, ok := raw["html_url"].(string); ok {
		task.SourceURL = url
	}
	return task, nil
}

func (a *Adapter) FromCanonical(task *cir.Task) (adapter.Raw, error) {
	state := "open"
	if task.Status.Terminal() {
		state = "closed"
	}
	labels := task.Tags
	if labels == nil {
		labels = []string{}
	}
	return adapter.Raw{
		"title":  task.Description,
		"body":   task.Body,
		"state":  state,
		"labels": labels,
	}, nil
}

func (a *Adapter) Create(ctx context.Context, task *cir.Task) (string, error) {
	raw, err := a.FromCanonical(task)
	if err != nil {
		return "", err
	}
	// The create endpoint rejects a state field; new issues are open.
	delete(raw, "state")
	var created adapter.Raw
	if err := a.mutateJSON(ctx, http.MethodPost, "/repos/"+a.repo+"/issues", raw, &created); err != nil {
		return "", err
	}
	id, err := a.ExternalID(created)
	if err != nil {
		return "", err
	}
	if task.Status.Terminal() {
		// Canonical task was already completed; close the fresh issue.
		if _, uerr := a.Update(ctx, id, task); uerr != nil {
			return id, uerr
		}
	}
	return id, nil
}

func (a *Adapter) Update(ctx context.Context, externalID string, task *cir.Task) (string, error) {
	raw, err := a.FromCanonical(task)
	if err != nil {
		return "", err
	}
	var updated adapter.Raw
	if err := a.mutateJSON(ctx, http.MethodPatch, fmt.Sprintf("/repos/%s/issues/%s", a.repo, externalID), raw, &updated); err != nil {
		return "", err
	}
	return externalID, nil
}

// Delete closes the issue. The API offers no hard delete for issues.
func (a *Adapter) Delete(ctx context.Context, externalID string) error {
	body := adapter.Raw{"state": "closed"}
	return a.mutateJSON(ctx, http.MethodPatch, fmt.Sprintf("/repos/%s/issues/%s", a.repo, externalID), body, nil)
}

// UpdateRelationships is never called: issues carry no native links.
func (a *Adapter) UpdateRelationships(context.Context, string, *cir.Task, adapter.RelationshipResolver) error {
	return nil
}

func (a *Adapter) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return a.client.Do(req)
}

func (a *Adapter) getJSON(ctx context.Context, path string, out any) error {
	resp, err := a.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", adapter.ErrFetch, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: GET %s returned %s", adapter.ErrFetch, path, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", adapter.ErrFetch, path, err)
	}
	return nil
}

func (a *Adapter) mutateJSON(ctx context.Context, method, path string, body adapter.Raw, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: %v", adapter.ErrPush, err)
	}
	resp, err := a.do(ctx, method, path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", adapter.ErrPush, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s %s returned %s: %s", adapter.ErrPush, method, path, resp.Status, msg)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: decode response: %v", adapter.ErrPush, err)
		}
	}
	return nil
}

// labelNames accepts both the object form the API returns and the plain
// string form accepted on writes.
func labelNames(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range items {
		switch label := item.(type) {
		case string:
			out = append(out, label)
		case map[string]any:
			if name, ok := label["name"].(string); ok {
				out = append(out, name)
			}
		}
	}
	return out
}
