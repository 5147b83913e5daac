package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/prwarden/prwarden/internal/domain"
)

const (
	defaultMaxTokens = 4096
	// Logs beyond this are truncated from the head: the tail of a CI log
	// almost always carries the actual failure.
	maxPromptLogBytes = 200 << 10
)

const analyzeSystemPrompt = `You are a CI failure analyst. You are given the logs of a failed check run.
Classify the failure and respond with a single JSON object, no prose:
{"category": one of lint|formatting|test|build|type_check|dependency|flaky|security|infrastructure|unknown,
 "confidence": 0.0-1.0,
 "root_cause": short explanation,
 "fix_strategy": concrete steps to fix,
 "estimated_complexity": low|medium|high,
 "files_to_modify": [paths]}`

var reviewSystemPrompts = map[string]string{
	"code_quality": `You are a code-quality reviewer. Assess readability, naming, structure and test coverage of the diff.`,
	"security":     `You are a security reviewer. Look for injection, authz gaps, secret handling and unsafe deserialization in the diff. Be strict: request changes on any finding you cannot rule out.`,
	"performance":  `You are a performance reviewer. Look for algorithmic regressions, N+1 queries, unbounded allocations and blocking calls in hot paths.`,
}

const reviewResponseFormat = `
Respond with a single JSON object, no prose:
{"decision": approve|request_changes|comment,
 "confidence": 0.0-1.0,
 "comments": [{"file": path, "line": n, "severity": critical|major|minor|info, "message": text, "suggestion": text, "auto_fixable": bool}],
 "summary": short overall assessment}`

// Anthropic is the Claude-backed Provider.
type Anthropic struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropic creates a provider for the given model. The API key comes
// from ANTHROPIC_API_KEY.
func NewAnthropic(model string) *Anthropic {
	return &Anthropic{
		client:    anthropic.NewClient(),
		model:     model,
		maxTokens: defaultMaxTokens,
	}
}

// AnalyzeLogs classifies a failed check run from its logs.
func (a *Anthropic) AnalyzeLogs(ctx context.Context, req AnalyzeRequest) (*AnalyzeVerdict, Usage, error) {
	logs := req.Logs
	if len(logs) > maxPromptLogBytes {
		logs = logs[len(logs)-maxPromptLogBytes:]
	}
	prompt := fmt.Sprintf("Repository: %s\nCheck: %s\n\nLogs:\n%s", req.Repository, req.CheckName, logs)

	text, usage, err := a.complete(ctx, analyzeSystemPrompt, prompt)
	if err != nil {
		return nil, usage, err
	}

	var verdict AnalyzeVerdict
	if err := json.Unmarshal(extractJSON(text), &verdict); err != nil {
		return nil, usage, domain.NewFault(domain.FaultMalformed, "llm.analyze",
			fmt.Errorf("parse verdict: %w", err))
	}
	if verdict.Category == "" {
		verdict.Category = domain.CategoryUnknown
	}
	return &verdict, usage, nil
}

// Review runs one specialized reviewer over a diff.
func (a *Anthropic) Review(ctx context.Context, req ReviewRequest) (*ReviewVerdict, Usage, error) {
	system, ok := reviewSystemPrompts[req.ReviewerType]
	if !ok {
		system = reviewSystemPrompts["code_quality"]
	}
	prompt := fmt.Sprintf("Repository: %s\nPR title: %s\n\nDiff:\n%s", req.Repository, req.Title, req.Diff)

	text, usage, err := a.complete(ctx, system+reviewResponseFormat, prompt)
	if err != nil {
		return nil, usage, err
	}

	var verdict ReviewVerdict
	if err := json.Unmarshal(extractJSON(text), &verdict); err != nil {
		return nil, usage, domain.NewFault(domain.FaultMalformed, "llm.review",
			fmt.Errorf("parse verdict: %w", err))
	}
	return &verdict, usage, nil
}

func (a *Anthropic) complete(ctx context.Context, system, prompt string) (string, Usage, error) {
	msg, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: a.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: system}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", Usage{Model: a.model}, mapError(err)
	}

	usage := Usage{
		Model:        a.model,
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
	}
	for _, block := range msg.Content {
		if block.Type == "text" {
			return block.Text, usage, nil
		}
	}
	return "", usage, domain.NewFault(domain.FaultMalformed, "llm.complete",
		errors.New("response carries no text block"))
}

// extractJSON pulls the JSON object out of a response that may wrap it in
// markdown fences or prose.
func extractJSON(text string) []byte {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return []byte(text)
	}
	return []byte(text[start : end+1])
}

func mapError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.NewFault(domain.FaultTimeout, "llm.complete", err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == 429:
			return domain.NewFault(domain.FaultRateLimited, "llm.complete", err)
		case apierr.StatusCode == 401 || apierr.StatusCode == 403:
			return domain.NewFault(domain.FaultUnauthorized, "llm.complete", err)
		case apierr.StatusCode >= 500:
			return domain.NewFault(domain.FaultServiceDown, "llm.complete", err)
		}
	}
	return domain.NewFault(domain.FaultTransient, "llm.complete", err)
}
