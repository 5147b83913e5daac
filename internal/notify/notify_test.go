package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prwarden/prwarden/internal/domain"
	"github.com/prwarden/prwarden/internal/events"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSlackClient struct {
	mu       sync.Mutex
	channels []string
	err      error
}

func (c *fakeSlackClient) PostMessageContext(_ context.Context, channelID string, _ ...slack.MsgOption) (string, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return "", "", c.err
	}
	c.channels = append(c.channels, channelID)
	return channelID, "1724500000.000100", nil
}

func notification(t *testing.T, p events.NotificationSend) events.Envelope {
	t.Helper()
	env, err := events.New(events.TypeNotificationSend, uuid.New(), domain.PriorityHigh, p)
	require.NoError(t, err)
	return env
}

func TestHandle_PostsToNamedChannel(t *testing.T) {
	client := &fakeSlackClient{}
	svc := New(client, Options{DefaultChannel: "#pr-warden"}, discardLogger())

	env := notification(t, events.NotificationSend{
		Priority: "high",
		Channel:  "#oncall",
		Message:  "human review required: lint failed on acme/widgets",
	})
	require.NoError(t, svc.Handle(context.Background(), env))
	assert.Equal(t, []string{"#oncall"}, client.channels)
}

func TestHandle_DefaultChannelFallback(t *testing.T) {
	client := &fakeSlackClient{}
	svc := New(client, Options{DefaultChannel: "#pr-warden"}, discardLogger())

	env := notification(t, events.NotificationSend{
		Priority: "high",
		Channel:  "default",
		Message:  "escalation",
	})
	require.NoError(t, svc.Handle(context.Background(), env))
	assert.Equal(t, []string{"#pr-warden"}, client.channels)
}

func TestHandle_PostFailureLeavesEventForRedelivery(t *testing.T) {
	client := &fakeSlackClient{err: errors.New("slack_unavailable")}
	svc := New(client, Options{DefaultChannel: "#pr-warden"}, discardLogger())

	env := notification(t, events.NotificationSend{Message: "escalation"})
	assert.Error(t, svc.Handle(context.Background(), env))
}

func TestHandle_NoChannelConfiguredDrops(t *testing.T) {
	client := &fakeSlackClient{}
	svc := New(client, Options{}, discardLogger())

	env := notification(t, events.NotificationSend{Message: "escalation"})
	require.NoError(t, svc.Handle(context.Background(), env))
	assert.Empty(t, client.channels)
}

func TestBuildBlocks_IncludesLinkAndDetails(t *testing.T) {
	blocks := buildBlocks(events.NotificationSend{
		Priority: "critical",
		Message:  "budget exhausted",
		PRURL:    "https://github.example.com/acme/widgets/pull/7",
		Details:  map[string]string{"reason": "cost_per_pr exceeded", "kind": "human_review_required"},
	})
	// message, link, details
	require.Len(t, blocks, 3)
}
