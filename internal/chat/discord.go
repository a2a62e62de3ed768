package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/shaiso/vss/internal/domain"
)

// discordSession — методы discordgo.Session, которые мы используем.
type discordSession interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// DiscordOpts — параметры Discord отправителя.
type DiscordOpts struct {
	BotToken  string
	ChannelID string

	// Session — для тестов.
	Session discordSession
}

// Discord отправляет сообщения через Discord REST API.
type Discord struct {
	sess      discordSession
	channelID string
}

// NewDiscord создаёт Discord отправителя. Gateway не открывается, только REST.
func NewDiscord(opts DiscordOpts) (*Discord, error) {
	sess := opts.Session
	if sess == nil {
		if opts.BotToken == "" {
			return nil, fmt.Errorf("discord: bot token is required")
		}
		dg, err := discordgo.New("Bot " + opts.BotToken)
		if err != nil {
			return nil, fmt.Errorf("discord: create session: %w", err)
		}
		sess = dg
	}
	return &Discord{sess: sess, channelID: opts.ChannelID}, nil
}

func (d *Discord) Platform() Platform { return PlatformDiscord }

// Send отправляет сообщение в канал.
func (d *Discord) Send(ctx context.Context, msg Message) (Delivery, error) {
	channelID := msg.Channel
	if channelID == "" {
		channelID = d.channelID
	}
	if channelID == "" {
		return Delivery{}, fmt.Errorf("%w: discord: no channel specified", domain.ErrScript)
	}

	var sent *discordgo.Message
	err := retry(ctx, func() error {
		var sendErr error
		sent, sendErr = d.sess.ChannelMessageSend(channelID, msg.Text, discordgo.WithContext(ctx))
		return sendErr
	}, discordRateLimit)
	if err != nil {
		return Delivery{Platform: PlatformDiscord, Channel: channelID}, classifyDiscord(err)
	}

	return Delivery{Platform: PlatformDiscord, Channel: channelID, MessageID: sent.ID, Delivered: true}, nil
}

func discordRateLimit(err error) (bool, time.Duration) {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil &&
		restErr.Response.StatusCode == http.StatusTooManyRequests {
		return true, 0
	}
	return false, 0
}

// classifyDiscord: 4xx — отказ (ErrScript), остальное — недоступность (ErrHarness).
func classifyDiscord(err error) error {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil && restErr.Response.StatusCode < 500 {
		return fmt.Errorf("%w: discord: %s", domain.ErrScript, restErr.Response.Status)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: discord", domain.ErrRunTimeout)
	}
	return fmt.Errorf("%w: discord: %w", domain.ErrHarness, err)
}
