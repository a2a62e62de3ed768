package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	slackapi "github.com/slack-go/slack"

	"github.com/shaiso/vss/internal/domain"
)

// slackClient — методы Slack API, которые мы используем.
type slackClient interface {
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// SlackOpts — параметры Slack отправителя.
type SlackOpts struct {
	BotToken  string // xoxb-...
	ChannelID string // канал по умолчанию

	// Client — для тестов.
	Client slackClient
}

// Slack отправляет сообщения через Slack Web API.
type Slack struct {
	client    slackClient
	channelID string
}

// NewSlack создаёт Slack отправителя.
func NewSlack(opts SlackOpts) (*Slack, error) {
	client := opts.Client
	if client == nil {
		if opts.BotToken == "" {
			return nil, fmt.Errorf("slack: bot token is required")
		}
		client = slackapi.New(opts.BotToken)
	}
	return &Slack{client: client, channelID: opts.ChannelID}, nil
}

func (s *Slack) Platform() Platform { return PlatformSlack }

// Send публикует сообщение в канал.
func (s *Slack) Send(ctx context.Context, msg Message) (Delivery, error) {
	channelID := msg.Channel
	if channelID == "" {
		channelID = s.channelID
	}
	if channelID == "" {
		return Delivery{}, fmt.Errorf("%w: slack: no channel specified", domain.ErrScript)
	}

	var channel, ts string
	err := retry(ctx, func() error {
		var postErr error
		channel, ts, postErr = s.client.PostMessage(channelID, slackapi.MsgOptionText(msg.Text, false))
		return postErr
	}, slackRateLimit)
	if err != nil {
		return Delivery{Platform: PlatformSlack, Channel: channelID}, classifySlack(err)
	}

	return Delivery{Platform: PlatformSlack, Channel: channel, MessageID: ts, Delivered: true}, nil
}

func slackRateLimit(err error) (bool, time.Duration) {
	var rle *slackapi.RateLimitedError
	if errors.As(err, &rle) {
		return true, rle.RetryAfter
	}
	return false, 0
}

// classifySlack отделяет отказ API (ErrScript) от недоступности (ErrHarness).
func classifySlack(err error) error {
	var apiErr slackapi.SlackErrorResponse
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%w: slack: %s", domain.ErrScript, apiErr.Err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: slack", domain.ErrRunTimeout)
	}
	return fmt.Errorf("%w: slack: %w", domain.ErrHarness, err)
}
