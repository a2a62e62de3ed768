// Package chat доставляет сообщения chat-message скриптов в чат-платформы.
//
// Поддерживаются Slack и Discord. Платформа выбирается конфигом.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shaiso/vss/internal/domain"
)

// maxRetries — повторы при rate limit.
const maxRetries = 3

var (
	// baseBackoff — начальная пауза между повторами.
	baseBackoff = time.Second
	// maxBackoff — верхняя граница паузы.
	maxBackoff = 30 * time.Second
)

// Platform — имя чат-платформы.
type Platform string

const (
	PlatformSlack   Platform = "slack"
	PlatformDiscord Platform = "discord"
)

// Message — сообщение для отправки.
type Message struct {
	// Channel — канал; пустой — канал по умолчанию.
	Channel string `json:"channel,omitempty"`
	Text    string `json:"text"`
}

// ParseMessage разбирает content скрипта.
// Допускается JSON {"channel": "...", "text": "..."} или просто текст.
func ParseMessage(content string) (Message, error) {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "{") {
		var m Message
		if err := json.Unmarshal([]byte(trimmed), &m); err != nil {
			return Message{}, fmt.Errorf("%w: invalid chat message: %v", domain.ErrScript, err)
		}
		if m.Text == "" {
			return Message{}, fmt.Errorf("%w: chat message text is empty", domain.ErrScript)
		}
		return m, nil
	}
	if trimmed == "" {
		return Message{}, fmt.Errorf("%w: chat message text is empty", domain.ErrScript)
	}
	return Message{Text: content}, nil
}

// Delivery — подтверждение доставки.
type Delivery struct {
	Platform  Platform `json:"platform"`
	Channel   string   `json:"channel"`
	MessageID string   `json:"message_id"`
	Delivered bool     `json:"delivered"`
}

// Map возвращает подтверждение в виде результата запуска.
func (d Delivery) Map() map[string]any {
	return map[string]any{
		"platform":   string(d.Platform),
		"channel":    d.Channel,
		"message_id": d.MessageID,
		"delivered":  d.Delivered,
	}
}

// Sender отправляет сообщение в чат.
//
// Ошибки:
//   - domain.ErrScript — платформа отклонила сообщение (канал не найден, нет прав)
//   - domain.ErrHarness — платформа недоступна
type Sender interface {
	Platform() Platform
	Send(ctx context.Context, msg Message) (Delivery, error)
}

// Config — конфигурация отправителя.
type Config struct {
	Platform       Platform
	Token          string
	DefaultChannel string
}

// NewSender создаёт Sender для платформы из конфига.
func NewSender(cfg Config) (Sender, error) {
	switch cfg.Platform {
	case PlatformSlack:
		return NewSlack(SlackOpts{BotToken: cfg.Token, ChannelID: cfg.DefaultChannel})
	case PlatformDiscord:
		return NewDiscord(DiscordOpts{BotToken: cfg.Token, ChannelID: cfg.DefaultChannel})
	default:
		return nil, fmt.Errorf("chat: unknown platform %q", cfg.Platform)
	}
}

// rateLimitWait возвращает паузу перед повтором attempt (с 0).
func rateLimitWait(attempt int, hint time.Duration) time.Duration {
	if hint > 0 {
		return hint
	}
	wait := time.Duration(math.Pow(2, float64(attempt))) * baseBackoff
	if wait > maxBackoff {
		wait = maxBackoff
	}
	return wait
}

// retry повторяет fn, пока isRateLimit сообщает о лимите и попытки не исчерпаны.
func retry(ctx context.Context, fn func() error, isRateLimit func(error) (bool, time.Duration)) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		limited, hint := isRateLimit(err)
		if !limited || attempt == maxRetries {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(rateLimitWait(attempt, hint)):
		}
	}
	return nil
}
