package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prwarden/prwarden/internal/domain"
)

func TestNew_EnvelopeRoundTrip(t *testing.T) {
	prID := uuid.New()
	env, err := New(TypeCheckFailed, prID, domain.PriorityHigh, CheckFailed{
		PRID:      prID,
		CheckName: "lint",
		LogURL:    "https://ci.example.com/42",
	})
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, env.EventID)
	assert.Equal(t, TypeCheckFailed, env.EventType)
	assert.Equal(t, prID, env.CorrelationID)
	assert.WithinDuration(t, time.Now(), env.OccurredAt, time.Minute)

	var got CheckFailed
	require.NoError(t, env.Decode(&got))
	assert.Equal(t, "lint", got.CheckName)
}

func TestMemoryQueue_DeliversSubscribedTypesInOrder(t *testing.T) {
	q := NewMemoryQueue()
	prID := uuid.New()

	var mu sync.Mutex
	var got []Type
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Subscribe(ctx, []Type{TypeCheckFailed, TypeFixRequested}, func(_ context.Context, env Envelope) error {
			mu.Lock()
			got = append(got, env.EventType)
			mu.Unlock()
			return nil
		})
	}()

	envs := make([]Envelope, 0, 3)
	for _, typ := range []Type{TypeCheckFailed, TypePRReadyForReview, TypeFixRequested} {
		env, err := New(typ, prID, domain.PriorityNormal, map[string]string{})
		require.NoError(t, err)
		envs = append(envs, env)
	}
	require.NoError(t, q.Publish(ctx, envs...))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []Type{TypeCheckFailed, TypeFixRequested}, got)
	mu.Unlock()

	cancel()
	<-done
}

func TestMemoryQueue_ReplaysEventsPublishedBeforeSubscribe(t *testing.T) {
	q := NewMemoryQueue()
	prID := uuid.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, err := New(TypeCheckFailed, prID, domain.PriorityNormal, CheckFailed{CheckName: "lint"})
	require.NoError(t, err)
	second, err := New(TypeCheckFailed, prID, domain.PriorityNormal, CheckFailed{CheckName: "unit"})
	require.NoError(t, err)
	require.NoError(t, q.Publish(ctx, first, second))

	var mu sync.Mutex
	var got []uuid.UUID
	go func() {
		_ = q.Subscribe(ctx, []Type{TypeCheckFailed}, func(_ context.Context, env Envelope) error {
			mu.Lock()
			got = append(got, env.EventID)
			mu.Unlock()
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []uuid.UUID{first.EventID, second.EventID}, got)
	mu.Unlock()
}

func TestMemoryQueue_RedeliversOnHandlerError(t *testing.T) {
	q := NewMemoryQueue()
	q.retryDelay = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	attempts := 0
	go func() {
		_ = q.Subscribe(ctx, []Type{TypeCheckFailed}, func(_ context.Context, _ Envelope) error {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if attempts < 3 {
				return errors.New("transient")
			}
			return nil
		})
	}()

	env, err := New(TypeCheckFailed, uuid.New(), domain.PriorityNormal, CheckFailed{})
	require.NoError(t, err)
	require.NoError(t, q.Publish(ctx, env))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return attempts >= 3
	}, time.Second, time.Millisecond)
}

func TestMemoryQueue_PublishedOfType(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	a, _ := New(TypeCheckFailed, uuid.New(), domain.PriorityNormal, CheckFailed{})
	b, _ := New(TypeNotificationSend, uuid.New(), domain.PriorityNormal, NotificationSend{Channel: "slack"})
	require.NoError(t, q.Publish(ctx, a, b))

	assert.Len(t, q.Published(), 2)
	require.Len(t, q.PublishedOfType(TypeNotificationSend), 1)
	assert.Equal(t, b.EventID, q.PublishedOfType(TypeNotificationSend)[0].EventID)
}
