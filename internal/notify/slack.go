package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// Slack posts notices to one channel with a bot token.
type Slack struct {
	client  *slack.Client
	channel string
	logger  *zap.Logger
}

// NewSlack creates a Slack notifier. botToken is the Bot User OAuth Token
// (xoxb-...).
func NewSlack(botToken, channel string, logger *zap.Logger, opts ...slack.Option) *Slack {
	return &Slack{
		client:  slack.New(botToken, opts...),
		channel: channel,
		logger:  logger,
	}
}

func (s *Slack) Platform() string { return "slack" }

func (s *Slack) Notify(ctx context.Context, n Notice) error {
	_, _, err := s.client.PostMessageContext(ctx, s.channel,
		slack.MsgOptionText(n.Text(), false),
		slack.MsgOptionUsername("skillgate"),
	)
	if err != nil {
		s.logger.Error("slack send failed",
			zap.String("channel", s.channel), zap.Error(err))
		return fmt.Errorf("slack send: %w", err)
	}
	return nil
}

func (s *Slack) Close() error { return nil }
