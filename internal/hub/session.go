package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/shaiso/vss/internal/event"
	"github.com/shaiso/vss/internal/telemetry"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Session — подключённый наблюдатель.
//
// Роль читается при каждой доставке: смена роли через auth действует
// со следующего события.
type Session struct {
	id   string
	hub  *Hub
	conn *websocket.Conn

	send chan []byte
	done chan struct{}
	once sync.Once

	mu         sync.RWMutex
	role       Role
	categories map[event.Category]bool // nil — все категории

	logger *slog.Logger
}

func newSession(h *Hub, conn *websocket.Conn, role Role) *Session {
	id := uuid.NewString()
	return &Session{
		id:     id,
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, h.queueSize),
		done:   make(chan struct{}),
		role:   role,
		logger: telemetry.WithSessionID(h.logger, id),
	}
}

// ID возвращает идентификатор сессии.
func (s *Session) ID() string { return s.id }

// Role возвращает текущую роль.
func (s *Session) Role() Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role
}

func (s *Session) setRole(role Role) {
	s.mu.Lock()
	s.role = role
	s.mu.Unlock()
}

func (s *Session) subscribed(c event.Category) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.categories == nil || s.categories[c]
}

func (s *Session) subscribe(categories []string) error {
	set := make(map[event.Category]bool, len(categories))
	for _, c := range categories {
		if _, err := event.CategoryOf(c + ".x"); err != nil {
			return fmt.Errorf("%w: unknown category %q", ErrInvalidFrame, c)
		}
		set[event.Category(c)] = true
	}
	s.mu.Lock()
	if len(set) == 0 {
		s.categories = nil
	} else {
		s.categories = set
	}
	s.mu.Unlock()
	return nil
}

// enqueue ставит кадр в очередь без блокировки. false — очередь полна
// или сессия закрыта.
func (s *Session) enqueue(msg []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- msg:
		return true
	default:
		return false
	}
}

// close закрывает сессию. Соединение закрывает writePump.
// Повторный вызов ничего не делает.
func (s *Session) close() {
	s.once.Do(func() { close(s.done) })
}

// readPump читает кадры клиента до ошибки чтения.
func (s *Session) readPump(ctx context.Context) {
	defer func() {
		s.hub.unregister(s)
		s.close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("session read error", "error", err)
			}
			return
		}

		var in inbound
		if err := json.Unmarshal(data, &in); err != nil {
			s.enqueue(errorFrame("", fmt.Errorf("%w: %v", ErrInvalidFrame, err)))
			continue
		}
		s.handle(ctx, in)
	}
}

func (s *Session) handle(ctx context.Context, in inbound) {
	switch in.Type {
	case FrameAuth:
		role, err := s.hub.auth.Authenticate(in.Token)
		if err != nil {
			s.enqueue(errorFrame(in.ID, err))
			return
		}
		prev := s.Role()
		s.setRole(role)
		s.logger.Info("session role changed", "from", prev, "to", role)
		s.ack(in.ID, role)

	case FrameSubscribe:
		if err := s.subscribe(in.Categories); err != nil {
			s.enqueue(errorFrame(in.ID, err))
			return
		}
		s.ack(in.ID, "")

	case FrameCommand:
		id, err := s.hub.command(ctx, s, in)
		if err != nil {
			s.enqueue(errorFrame(in.ID, err))
			return
		}
		s.ack(id, "")

	default:
		s.enqueue(errorFrame(in.ID, fmt.Errorf("%w: unknown frame type %q", ErrInvalidFrame, in.Type)))
	}
}

func (s *Session) ack(id string, role Role) {
	b, _ := json.Marshal(Frame{Type: FrameAck, ID: id, Role: string(role)})
	s.enqueue(b)
}

// writePump пишет кадры из очереди и пингует клиента.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
		_ = s.conn.Close()
	}()

	for {
		select {
		case <-s.done:
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return

		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					s.logger.Debug("session write error", "error", err)
				}
				return
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
