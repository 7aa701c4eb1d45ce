package notify

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// Discord posts notices to one channel over the Discord REST API. No
// gateway websocket is opened.
type Discord struct {
	session *discordgo.Session
	channel string
	logger  *zap.Logger
}

// NewDiscord creates a Discord notifier from a bot token.
func NewDiscord(token, channel string, logger *zap.Logger) (*Discord, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	return &Discord{session: session, channel: channel, logger: logger}, nil
}

func (d *Discord) Platform() string { return "discord" }

func (d *Discord) Notify(ctx context.Context, n Notice) error {
	if _, err := d.session.ChannelMessageSend(d.channel, n.Text(), discordgo.WithContext(ctx)); err != nil {
		d.logger.Error("discord send failed",
			zap.String("channel", d.channel), zap.Error(err))
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}

// Close is a no-op; the session never opened a websocket.
func (d *Discord) Close() error { return nil }
