// Package hub — раздача событий наблюдателям по WebSocket.
//
// Каждое событие шины доставляется всем сессиям, роли которых оно
// разрешено таблицей прав, после удаления полей, которые роль видеть
// не должна. Неразрешённые события отфильтровываются молча. Команды
// сессий проверяются по той же таблице и публикуются в vss.commands.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/shaiso/vss/internal/domain"
	"github.com/shaiso/vss/internal/event"
	"github.com/shaiso/vss/internal/mq"
	"github.com/shaiso/vss/internal/telemetry"
)

const defaultQueueSize = 256

// Результаты доставки (метка метрики).
const (
	deliverySent     = "sent"
	deliveryFiltered = "filtered"
	deliveryDropped  = "dropped"
)

// Authenticator сопоставляет токен роли.
type Authenticator interface {
	Authenticate(token string) (Role, error)
}

// StaticAuth — статическая таблица токен → роль.
type StaticAuth map[string]Role

func (a StaticAuth) Authenticate(token string) (Role, error) {
	if token == "" {
		return "", ErrUnauthenticated
	}
	role, ok := a[token]
	if !ok || !role.Valid() {
		return "", ErrUnauthenticated
	}
	return role, nil
}

// CommandPublisher публикует команды сессий. Реализуется mq.Publisher.
type CommandPublisher interface {
	Publish(ctx context.Context, exchange mq.Exchange, routingKey mq.RoutingKey, msg *mq.Message) error
}

// Hub — реестр сессий и раздача событий.
type Hub struct {
	policy    *Policy
	auth      Authenticator
	commands  CommandPublisher
	queueSize int
	upgrader  websocket.Upgrader
	encode    func(e event.Event, rule Rule) ([]byte, error)
	logger    *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// Config — конфигурация Hub.
type Config struct {
	// Policy — таблица прав (default: DefaultPolicy()).
	Policy *Policy

	Auth     Authenticator
	Commands CommandPublisher

	// QueueSize — очередь исходящих кадров сессии (default: 256).
	// Сессия с переполненной очередью отключается.
	QueueSize int

	// CheckOrigin — проверка Origin при upgrade (default: любой).
	CheckOrigin func(r *http.Request) bool

	Logger *slog.Logger
}

// New создаёт Hub.
func New(cfg Config) *Hub {
	policy := cfg.Policy
	if policy == nil {
		policy = DefaultPolicy()
	}
	auth := cfg.Auth
	if auth == nil {
		auth = StaticAuth{}
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Hub{
		policy:    policy,
		auth:      auth,
		commands:  cfg.Commands,
		queueSize: size,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		encode:   eventFrame,
		logger:   logger.With("component", "hub"),
		sessions: make(map[string]*Session),
	}
}

// ServeHTTP принимает WebSocket-подключение.
//
// Токен берётся из ?token= или заголовка Authorization: Bearer. Без токена
// сессия создаётся без роли и ничего не получает до кадра auth.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var role Role
	if token := requestToken(r); token != "" {
		var err error
		role, err = h.auth.Authenticate(token)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	s := newSession(h, conn, role)
	h.register(s)

	go s.writePump()
	go s.readPump(context.WithoutCancel(r.Context()))
}

func requestToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func (h *Hub) register(s *Session) {
	h.mu.Lock()
	h.sessions[s.id] = s
	n := len(h.sessions)
	h.mu.Unlock()

	telemetry.HubSessions.Set(float64(n))
	s.logger.Info("session connected", "role", s.Role(), "sessions", n)
}

func (h *Hub) unregister(s *Session) {
	h.mu.Lock()
	_, ok := h.sessions[s.id]
	delete(h.sessions, s.id)
	n := len(h.sessions)
	h.mu.Unlock()

	if ok {
		telemetry.HubSessions.Set(float64(n))
		s.logger.Info("session disconnected", "sessions", n)
	}
}

// Sessions возвращает число подключённых сессий.
func (h *Hub) Sessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

func (h *Hub) snapshot() []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s)
	}
	return out
}

// Broadcast доставляет событие всем сессиям, которым оно разрешено.
// Возвращает число сессий, получивших событие.
func (h *Hub) Broadcast(e event.Event) int {
	category := string(e.Category())
	frames := make(map[Role][]byte)
	unencodable := make(map[Role]bool)
	delivered := 0

	for _, s := range h.snapshot() {
		if !s.subscribed(e.Category()) {
			telemetry.HubDeliveries.WithLabelValues(category, deliveryFiltered).Inc()
			continue
		}

		role := s.Role()
		rule, ok := h.policy.Lookup(role, e.EventType())
		if !ok {
			telemetry.HubDeliveries.WithLabelValues(category, deliveryFiltered).Inc()
			continue
		}

		if unencodable[role] {
			telemetry.HubDeliveries.WithLabelValues(category, deliveryDropped).Inc()
			continue
		}
		frame, ok := frames[role]
		if !ok {
			var err error
			frame, err = h.encode(e, rule)
			if err != nil {
				// кадр не собрался только для этой роли, остальные получают событие
				h.logger.Error("failed to encode event", "type", e.EventType(), "role", role, "error", err)
				unencodable[role] = true
				telemetry.HubDeliveries.WithLabelValues(category, deliveryDropped).Inc()
				continue
			}
			frames[role] = frame
		}

		if !s.enqueue(frame) {
			telemetry.HubDeliveries.WithLabelValues(category, deliveryDropped).Inc()
			s.logger.Warn("session queue full, disconnecting", "role", role, "queue_size", h.queueSize)
			h.unregister(s)
			s.close()
			continue
		}
		telemetry.HubDeliveries.WithLabelValues(category, deliverySent).Inc()
		delivered++
	}
	return delivered
}

// command проверяет права сессии и публикует команду в vss.commands.
// Возвращает id опубликованного сообщения.
func (h *Hub) command(ctx context.Context, s *Session, in inbound) (string, error) {
	cmd := mq.MessageType(in.Command)
	routingKey, ok := commandRoutes[cmd]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownCommand, in.Command)
	}

	role := s.Role()
	if !h.policy.CanCommand(role, cmd) {
		s.logger.Warn("command rejected", "command", cmd, "role", role)
		return "", fmt.Errorf("%w: role %q cannot send %s", domain.ErrAuthorization, role, cmd)
	}
	if len(in.Payload) == 0 || in.Payload[0] != '{' || !json.Valid(in.Payload) {
		return "", fmt.Errorf("%w: command payload must be a JSON object", ErrInvalidFrame)
	}
	if h.commands == nil {
		return "", mq.ErrBusDisabled
	}

	msg := mq.NewMessage(cmd, in.Payload)
	if in.ID != "" {
		msg.ID = in.ID
	}
	if err := h.commands.Publish(ctx, mq.ExchangeCommands, routingKey, msg); err != nil {
		s.logger.Warn("failed to publish command", "command", cmd, "error", err)
		return "", err
	}

	s.logger.Info("command published", "command", cmd, "message_id", msg.ID, "role", role)
	return msg.ID, nil
}

// Close отключает все сессии.
func (h *Hub) Close() {
	for _, s := range h.snapshot() {
		h.unregister(s)
		s.close()
	}
}
