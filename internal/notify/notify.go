// Package notify delivers human-facing notifications to Slack. It consumes
// notification.send events; delivery is at-least-once, so a failed post is
// simply retried by the queue.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/slack-go/slack"

	"github.com/prwarden/prwarden/internal/events"
)

// SlackClient is the slice of the Slack API the notifier uses.
type SlackClient interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// Options tunes a Service.
type Options struct {
	DefaultChannel string // used when the event names no channel
}

// Service posts notifications to Slack.
type Service struct {
	client SlackClient
	opts   Options
	logger *slog.Logger
}

// New creates a notifier. token auth is the caller's concern: pass
// slack.New(token).
func New(client SlackClient, opts Options, logger *slog.Logger) *Service {
	return &Service{client: client, opts: opts, logger: logger}
}

// Run subscribes the notifier to the event queue until ctx is cancelled.
func (s *Service) Run(ctx context.Context, consumer events.Consumer) error {
	return consumer.Subscribe(ctx, []events.Type{events.TypeNotificationSend}, s.Handle)
}

// Handle posts one notification.
func (s *Service) Handle(ctx context.Context, env events.Envelope) error {
	var payload events.NotificationSend
	if err := env.Decode(&payload); err != nil {
		s.logger.Error("notify: undecodable event, dropping", "event_id", env.EventID, "error", err)
		return nil
	}

	channel := payload.Channel
	if channel == "" || channel == "default" {
		channel = s.opts.DefaultChannel
	}
	if channel == "" {
		s.logger.Warn("notify: no channel configured, dropping", "event_id", env.EventID)
		return nil
	}

	_, _, err := s.client.PostMessageContext(ctx, channel,
		slack.MsgOptionText(payload.Message, false),
		slack.MsgOptionBlocks(buildBlocks(payload)...))
	if err != nil {
		return fmt.Errorf("post slack message: %w", err)
	}
	s.logger.Info("notify: message posted", "channel", channel, "priority", payload.Priority)
	return nil
}

// buildBlocks renders the notification as Slack blocks: a priority-tagged
// message, an optional PR link, and the detail fields.
func buildBlocks(p events.NotificationSend) []slack.Block {
	var blocks []slack.Block

	text := fmt.Sprintf("%s %s", priorityEmoji(p.Priority), p.Message)
	blocks = append(blocks, slack.NewSectionBlock(
		slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil))

	if p.PRURL != "" {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("<%s|Open pull request>", p.PRURL), false, false), nil, nil))
	}

	if len(p.Details) > 0 {
		keys := make([]string, 0, len(p.Details))
		for k := range p.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var fields []*slack.TextBlockObject
		for _, k := range keys {
			fields = append(fields, slack.NewTextBlockObject(slack.MarkdownType,
				fmt.Sprintf("*%s*\n%s", strings.ReplaceAll(k, "_", " "), p.Details[k]), false, false))
		}
		blocks = append(blocks, slack.NewSectionBlock(nil, fields, nil))
	}
	return blocks
}

func priorityEmoji(priority string) string {
	switch priority {
	case "critical":
		return ":rotating_light:"
	case "high":
		return ":warning:"
	case "low":
		return ":information_source:"
	default:
		return ":bell:"
	}
}
