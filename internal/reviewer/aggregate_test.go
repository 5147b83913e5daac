package reviewer

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/prwarden/prwarden/internal/domain"
	"github.com/prwarden/prwarden/internal/llm"
)

func outcome(spec Spec, decision domain.ReviewDecision, comments ...domain.ReviewComment) Outcome {
	return Outcome{Spec: spec, Verdict: &llm.ReviewVerdict{Decision: decision, Comments: comments}}
}

func TestAggregate_SecurityVetoOverridesWeights(t *testing.T) {
	agg := WeightedAggregator{Thresholds: Thresholds{Approve: 0.75, Comment: 0.50}}

	// Two approvals at weight 1 each, security requests changes at weight 2.
	// The raw score would approve; the veto must win anyway.
	got := agg.Aggregate([]Outcome{
		outcome(Spec{Type: "code_quality", Weight: 1}, domain.DecisionApprove),
		outcome(Spec{Type: "performance", Weight: 1}, domain.DecisionApprove),
		outcome(Spec{Type: "security", Weight: 2, Security: true}, domain.DecisionRequestChanges),
	})
	assert.Equal(t, domain.DecisionRequestChanges, got.Decision)
}

func TestAggregate_CriticalCommentForcesChanges(t *testing.T) {
	agg := WeightedAggregator{Thresholds: Thresholds{Approve: 0.75, Comment: 0.50}}

	got := agg.Aggregate([]Outcome{
		outcome(Spec{Type: "code_quality", Weight: 1}, domain.DecisionApprove),
		outcome(Spec{Type: "performance", Weight: 1}, domain.DecisionApprove,
			domain.ReviewComment{Severity: domain.SeverityCritical, Message: "unbounded allocation"}),
	})
	assert.Equal(t, domain.DecisionRequestChanges, got.Decision)
}

func TestAggregate_WeightedThresholds(t *testing.T) {
	agg := WeightedAggregator{Thresholds: Thresholds{Approve: 0.75, Comment: 0.50}}

	tests := []struct {
		name     string
		outcomes []Outcome
		want     domain.ReviewDecision
		score    float64
	}{
		{
			name: "all approve",
			outcomes: []Outcome{
				outcome(Spec{Weight: 1}, domain.DecisionApprove),
				outcome(Spec{Weight: 1}, domain.DecisionApprove),
			},
			want:  domain.DecisionApprove,
			score: 1.0,
		},
		{
			name: "heavy approver carries",
			outcomes: []Outcome{
				outcome(Spec{Weight: 3}, domain.DecisionApprove),
				outcome(Spec{Weight: 1}, domain.DecisionComment),
			},
			want:  domain.DecisionApprove,
			score: 0.75,
		},
		{
			name: "split panel comments",
			outcomes: []Outcome{
				outcome(Spec{Weight: 1}, domain.DecisionApprove),
				outcome(Spec{Weight: 1}, domain.DecisionComment),
			},
			want:  domain.DecisionComment,
			score: 0.5,
		},
		{
			name: "low approval requests changes",
			outcomes: []Outcome{
				outcome(Spec{Weight: 1}, domain.DecisionApprove),
				outcome(Spec{Weight: 2}, domain.DecisionRequestChanges),
			},
			want:  domain.DecisionRequestChanges,
			score: 1.0 / 3.0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := agg.Aggregate(tt.outcomes)
			assert.Equal(t, tt.want, got.Decision)
			assert.InDelta(t, tt.score, got.Score, 1e-9)
		})
	}
}

func TestAggregate_ZeroWeightDefaultsToOne(t *testing.T) {
	agg := WeightedAggregator{Thresholds: Thresholds{Approve: 0.75, Comment: 0.50}}

	got := agg.Aggregate([]Outcome{
		outcome(Spec{Type: "code_quality"}, domain.DecisionApprove),
	})
	assert.Equal(t, domain.DecisionApprove, got.Decision)
	assert.InDelta(t, 1.0, got.Score, 1e-9)
}

func TestAggregate_CollectsCommentsAndSummaries(t *testing.T) {
	agg := WeightedAggregator{Thresholds: Thresholds{Approve: 0.75, Comment: 0.50}}

	o1 := outcome(Spec{Type: "code_quality", Weight: 1}, domain.DecisionApprove,
		domain.ReviewComment{Severity: domain.SeverityMinor, Message: "naming"})
	o1.Verdict.Summary = "mostly clean"
	o2 := outcome(Spec{Type: "performance", Weight: 1}, domain.DecisionApprove,
		domain.ReviewComment{Severity: domain.SeverityInfo, Message: "consider pooling"})
	o2.Verdict.Summary = "no regressions"

	got := agg.Aggregate([]Outcome{o1, o2})
	assert.Len(t, got.Comments, 2)
	assert.Contains(t, got.Summary, "[code_quality] mostly clean")
	assert.Contains(t, got.Summary, "[performance] no regressions")
}
