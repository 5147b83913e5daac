package llm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prwarden/prwarden/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubProvider struct {
	verdict *AnalyzeVerdict
	review  *ReviewVerdict
	usage   Usage
	err     error
	calls   int
}

func (s *stubProvider) AnalyzeLogs(context.Context, AnalyzeRequest) (*AnalyzeVerdict, Usage, error) {
	s.calls++
	return s.verdict, s.usage, s.err
}

func (s *stubProvider) Review(context.Context, ReviewRequest) (*ReviewVerdict, Usage, error) {
	s.calls++
	return s.review, s.usage, s.err
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare object", `{"category":"test"}`, `{"category":"test"}`},
		{"fenced", "```json\n{\"category\":\"lint\"}\n```", `{"category":"lint"}`},
		{"prose wrapped", `Here is my analysis: {"category":"build"} Hope that helps.`, `{"category":"build"}`},
		{"no object", "no json here", "no json here"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, string(extractJSON(tt.in)))
		})
	}
}

func TestUsageCostUSD(t *testing.T) {
	u := Usage{Model: "claude-sonnet-4-5", InputTokens: 1_000_000, OutputTokens: 100_000}
	assert.InDelta(t, 3.00+1.50, u.CostUSD(), 1e-9)

	unknown := Usage{Model: "someone-elses-model", InputTokens: 1_000_000}
	assert.InDelta(t, 3.00, unknown.CostUSD(), 1e-9)
}

func TestFallback_UsedOnRetryableFailure(t *testing.T) {
	primary := &stubProvider{err: domain.NewFault(domain.FaultServiceDown, "llm.complete", errors.New("529"))}
	backup := &stubProvider{verdict: &AnalyzeVerdict{Category: domain.CategoryTest, Confidence: 0.9}}
	f := &Fallback{Primary: primary, Backup: backup, Logger: discardLogger()}

	verdict, _, err := f.AnalyzeLogs(context.Background(), AnalyzeRequest{})
	require.NoError(t, err)
	assert.Equal(t, domain.CategoryTest, verdict.Category)
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 1, backup.calls)
}

func TestFallback_NotUsedOnNonRetryableFailure(t *testing.T) {
	primary := &stubProvider{err: domain.NewFault(domain.FaultUnauthorized, "llm.complete", errors.New("401"))}
	backup := &stubProvider{}
	f := &Fallback{Primary: primary, Backup: backup, Logger: discardLogger()}

	_, _, err := f.AnalyzeLogs(context.Background(), AnalyzeRequest{})
	require.Error(t, err)
	assert.Equal(t, domain.FaultUnauthorized, domain.KindOf(err))
	assert.Zero(t, backup.calls)
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	inner := &stubProvider{err: domain.NewFault(domain.FaultServiceDown, "llm.complete", errors.New("529"))}
	p := WithBreaker("primary", inner, discardLogger())
	ctx := context.Background()

	for range 5 {
		_, _, err := p.AnalyzeLogs(ctx, AnalyzeRequest{})
		require.Error(t, err)
	}
	callsBefore := inner.calls

	// Circuit is open: the provider is no longer invoked.
	_, _, err := p.AnalyzeLogs(ctx, AnalyzeRequest{})
	require.Error(t, err)
	assert.Equal(t, domain.FaultServiceDown, domain.KindOf(err))
	assert.Equal(t, callsBefore, inner.calls)
}

func TestBreaker_MalformedVerdictsDoNotTrip(t *testing.T) {
	inner := &stubProvider{err: domain.NewFault(domain.FaultMalformed, "llm.analyze", errors.New("bad json"))}
	p := WithBreaker("primary", inner, discardLogger())
	ctx := context.Background()

	for range 10 {
		_, _, err := p.AnalyzeLogs(ctx, AnalyzeRequest{})
		require.Error(t, err)
	}
	// Every call reached the provider; the circuit stayed closed.
	assert.Equal(t, 10, inner.calls)
}
