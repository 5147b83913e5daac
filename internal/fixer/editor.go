package fixer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/prwarden/prwarden/internal/domain"
)

// ApplyRequest asks the editor service to clone the PR branch and apply a
// candidate change.
type ApplyRequest struct {
	Repository string   `json:"repository"` // owner/name
	Branch     string   `json:"branch"`
	HeadSHA    string   `json:"head_sha"`
	Strategy   string   `json:"strategy"`
	RootCause  string   `json:"root_cause"`
	Files      []string `json:"files,omitempty"` // hint, editor may touch others
}

// ApplyResult is the editor's report of what changed.
type ApplyResult struct {
	WorkspaceID  string   `json:"workspace_id"`
	ChangedPaths []string `json:"changed_paths"`
	Summary      string   `json:"summary"`
}

// ValidationCommand is one validation command's outcome.
type ValidationCommand struct {
	Name     string   `json:"name"` // test|lint|type_check
	Passed   bool     `json:"passed"`
	Output   string   `json:"output"`
	Failures []string `json:"failures,omitempty"`
}

// ValidateResult reports the validation phase for a workspace.
type ValidateResult struct {
	Commands []ValidationCommand `json:"commands"`
}

// Passed reports whether every validation command succeeded.
func (r ValidateResult) Passed() bool {
	for _, c := range r.Commands {
		if !c.Passed {
			return false
		}
	}
	return len(r.Commands) > 0
}

// FailedNames lists the commands that did not pass.
func (r ValidateResult) FailedNames() []string {
	var names []string
	for _, c := range r.Commands {
		if !c.Passed {
			names = append(names, c.Name)
		}
	}
	return names
}

// CommitRequest finalizes a validated workspace: commit, push, PR comment.
type CommitRequest struct {
	WorkspaceID   string `json:"workspace_id"`
	CommitMessage string `json:"commit_message"`
	Comment       string `json:"comment"`
}

// CommitResult reports the pushed commit.
type CommitResult struct {
	CommitSHA  string `json:"commit_sha"`
	CommentURL string `json:"comment_url"`
}

// Editor is the three-phase contract of the external code-editing service.
// Revert discards a workspace's uncommitted work; it must be called on any
// path that does not reach a successful commit.
type Editor interface {
	Apply(ctx context.Context, req ApplyRequest) (*ApplyResult, error)
	Validate(ctx context.Context, workspaceID string) (*ValidateResult, error)
	CommitPush(ctx context.Context, req CommitRequest) (*CommitResult, error)
	Revert(ctx context.Context, workspaceID string) error
}

// HTTPEditor talks to the editor service over HTTP/2.
type HTTPEditor struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPEditor creates an editor client from a base URL
// (e.g. "http://editor:8090"). client should come from transport.NewEditorClient.
func NewHTTPEditor(baseURL string, client *http.Client) *HTTPEditor {
	return &HTTPEditor{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: client,
	}
}

func (e *HTTPEditor) Apply(ctx context.Context, req ApplyRequest) (*ApplyResult, error) {
	var out ApplyResult
	if err := e.post(ctx, "/v1/apply", req, &out); err != nil {
		return nil, fmt.Errorf("editor apply: %w", err)
	}
	return &out, nil
}

func (e *HTTPEditor) Validate(ctx context.Context, workspaceID string) (*ValidateResult, error) {
	var out ValidateResult
	in := map[string]string{"workspace_id": workspaceID}
	if err := e.post(ctx, "/v1/validate", in, &out); err != nil {
		return nil, fmt.Errorf("editor validate: %w", err)
	}
	return &out, nil
}

func (e *HTTPEditor) CommitPush(ctx context.Context, req CommitRequest) (*CommitResult, error) {
	var out CommitResult
	if err := e.post(ctx, "/v1/commit", req, &out); err != nil {
		return nil, fmt.Errorf("editor commit: %w", err)
	}
	return &out, nil
}

func (e *HTTPEditor) Revert(ctx context.Context, workspaceID string) error {
	in := map[string]string{"workspace_id": workspaceID}
	if err := e.post(ctx, "/v1/revert", in, nil); err != nil {
		return fmt.Errorf("editor revert: %w", err)
	}
	return nil
}

func (e *HTTPEditor) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return domain.NewFault(domain.FaultServiceDown, "editor.post", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("unexpected status %d: %s", resp.StatusCode, snippet)
		switch {
		case resp.StatusCode == http.StatusConflict:
			return domain.NewFault(domain.FaultConflict, "editor.post", err)
		case resp.StatusCode >= 500:
			return domain.NewFault(domain.FaultServiceDown, "editor.post", err)
		}
		return err
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return domain.NewFault(domain.FaultMalformed, "editor.post",
			fmt.Errorf("decode response: %w", err))
	}
	return nil
}
