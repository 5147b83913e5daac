package reviewer

import (
	"fmt"
	"strings"

	"github.com/prwarden/prwarden/internal/domain"
)

// WeightedAggregator is the default panel policy:
//
//  1. Any security reviewer returning request_changes vetoes the panel.
//  2. Any critical comment forces request_changes.
//  3. Otherwise the weighted approval score decides: >= Approve approves,
//     >= Comment comments, below that requests changes.
type WeightedAggregator struct {
	Thresholds Thresholds
}

func (a WeightedAggregator) Aggregate(outcomes []Outcome) PanelDecision {
	var totalWeight, approveWeight float64
	var comments []domain.ReviewComment
	var summaries []string
	securityVeto := false
	critical := false

	for _, o := range outcomes {
		weight := o.Spec.Weight
		if weight <= 0 {
			weight = 1
		}
		totalWeight += weight

		if o.Verdict.Decision == domain.DecisionApprove {
			approveWeight += weight
		}
		if o.Spec.Security && o.Verdict.Decision == domain.DecisionRequestChanges {
			securityVeto = true
		}
		for _, c := range o.Verdict.Comments {
			if c.Severity == domain.SeverityCritical {
				critical = true
			}
		}
		comments = append(comments, o.Verdict.Comments...)
		if o.Verdict.Summary != "" {
			summaries = append(summaries, fmt.Sprintf("[%s] %s", o.Spec.Type, o.Verdict.Summary))
		}
	}

	score := 0.0
	if totalWeight > 0 {
		score = approveWeight / totalWeight
	}
	summary := strings.Join(summaries, "\n")

	decision := domain.DecisionRequestChanges
	switch {
	case securityVeto:
		decision = domain.DecisionRequestChanges
	case critical:
		decision = domain.DecisionRequestChanges
	case score >= a.Thresholds.Approve:
		decision = domain.DecisionApprove
	case score >= a.Thresholds.Comment:
		decision = domain.DecisionComment
	}

	return PanelDecision{
		Decision: decision,
		Score:    score,
		Comments: comments,
		Summary:  summary,
	}
}
