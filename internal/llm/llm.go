// Package llm abstracts the language-model providers behind the analyzer
// and reviewer. Providers return structured verdicts plus token usage;
// callers enforce deadlines through ctx.
package llm

import (
	"context"

	"github.com/prwarden/prwarden/internal/domain"
)

// AnalyzeRequest carries a failed check's logs to the model.
type AnalyzeRequest struct {
	Repository string
	CheckName  string
	Logs       []byte
}

// AnalyzeVerdict is the model's classification of a failure.
type AnalyzeVerdict struct {
	Category            domain.FailureCategory `json:"category"`
	Confidence          float64                `json:"confidence"`
	RootCause           string                 `json:"root_cause"`
	FixStrategy         string                 `json:"fix_strategy"`
	EstimatedComplexity string                 `json:"estimated_complexity"` // low|medium|high
	FilesToModify       []string               `json:"files_to_modify"`
}

// ReviewRequest carries a PR diff to one specialized reviewer.
type ReviewRequest struct {
	ReviewerType string // selects the role prompt
	Repository   string
	Title        string
	Diff         string
}

// ReviewVerdict is one reviewer's structured pass.
type ReviewVerdict struct {
	Decision   domain.ReviewDecision  `json:"decision"`
	Confidence float64                `json:"confidence"`
	Comments   []domain.ReviewComment `json:"comments"`
	Summary    string                 `json:"summary"`
}

// Usage is the token spend of one model call.
type Usage struct {
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// Per-million-token prices, used to accumulate cost_per_pr spend. Unknown
// models fall back to the sonnet rate.
var pricing = map[string][2]float64{
	"claude-sonnet-4-5": {3.00, 15.00},
	"claude-haiku-4-5":  {1.00, 5.00},
	"claude-opus-4-1":   {15.00, 75.00},
}

// CostUSD estimates the dollar cost of this usage.
func (u Usage) CostUSD() float64 {
	rate, ok := pricing[u.Model]
	if !ok {
		rate = pricing["claude-sonnet-4-5"]
	}
	in := float64(u.InputTokens) / 1e6 * rate[0]
	out := float64(u.OutputTokens) / 1e6 * rate[1]
	return in + out
}

// Provider is a language model capable of failure analysis and code review.
type Provider interface {
	AnalyzeLogs(ctx context.Context, req AnalyzeRequest) (*AnalyzeVerdict, Usage, error)
	Review(ctx context.Context, req ReviewRequest) (*ReviewVerdict, Usage, error)
}
