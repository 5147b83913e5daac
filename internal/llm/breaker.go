package llm

import (
	"context"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/prwarden/prwarden/internal/domain"
)

// breakerProvider trips open after repeated provider failures so a dead
// model endpoint sheds load fast instead of burning the cycle deadline on
// every event.
type breakerProvider struct {
	inner   Provider
	breaker *gobreaker.CircuitBreaker
}

// WithBreaker wraps a provider in a circuit breaker. An open circuit
// surfaces as an external-service-down fault, which the caller treats like
// any other transient provider outage.
func WithBreaker(name string, inner Provider, logger *slog.Logger) Provider {
	settings := gobreaker.Settings{
		Name:    name,
		Timeout: 60 * time.Second, // open -> half-open probe window
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// Malformed verdicts and policy errors are the caller's
			// problem, not endpoint health.
			if err == nil {
				return true
			}
			switch domain.KindOf(err) {
			case domain.FaultMalformed, domain.FaultUnauthorized:
				return true
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("llm: circuit breaker state change",
				"provider", name, "from", from.String(), "to", to.String())
		},
	}
	return &breakerProvider{inner: inner, breaker: gobreaker.NewCircuitBreaker(settings)}
}

func (b *breakerProvider) AnalyzeLogs(ctx context.Context, req AnalyzeRequest) (*AnalyzeVerdict, Usage, error) {
	var usage Usage
	out, err := b.breaker.Execute(func() (any, error) {
		verdict, u, err := b.inner.AnalyzeLogs(ctx, req)
		usage = u
		return verdict, err
	})
	if err != nil {
		return nil, usage, wrapBreakerErr("llm.analyze", err)
	}
	return out.(*AnalyzeVerdict), usage, nil
}

func (b *breakerProvider) Review(ctx context.Context, req ReviewRequest) (*ReviewVerdict, Usage, error) {
	var usage Usage
	out, err := b.breaker.Execute(func() (any, error) {
		verdict, u, err := b.inner.Review(ctx, req)
		usage = u
		return verdict, err
	})
	if err != nil {
		return nil, usage, wrapBreakerErr("llm.review", err)
	}
	return out.(*ReviewVerdict), usage, nil
}

func wrapBreakerErr(op string, err error) error {
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return domain.NewFault(domain.FaultServiceDown, op, err)
	}
	return err
}

// Fallback tries the primary provider, then the fallback once when the
// primary fails with a retryable fault.
type Fallback struct {
	Primary Provider
	Backup  Provider // nil disables fallback
	Logger  *slog.Logger
}

func (f *Fallback) AnalyzeLogs(ctx context.Context, req AnalyzeRequest) (*AnalyzeVerdict, Usage, error) {
	verdict, usage, err := f.Primary.AnalyzeLogs(ctx, req)
	if err == nil || f.Backup == nil || !domain.Retryable(err) {
		return verdict, usage, err
	}
	f.Logger.Warn("llm: primary provider failed, trying fallback", "error", err)
	return f.Backup.AnalyzeLogs(ctx, req)
}

func (f *Fallback) Review(ctx context.Context, req ReviewRequest) (*ReviewVerdict, Usage, error) {
	verdict, usage, err := f.Primary.Review(ctx, req)
	if err == nil || f.Backup == nil || !domain.Retryable(err) {
		return verdict, usage, err
	}
	f.Logger.Warn("llm: primary provider failed, trying fallback", "error", err)
	return f.Backup.Review(ctx, req)
}
