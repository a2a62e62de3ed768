package mq

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// logThrottle пропускает не больше одного сообщения за интервал
// и считает подавленные.
type logThrottle struct {
	limiter *rate.Limiter
	now     func() time.Time

	mu         sync.Mutex
	suppressed int
}

func newLogThrottle(interval time.Duration, now func() time.Time) *logThrottle {
	if now == nil {
		now = time.Now
	}
	return &logThrottle{
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		now:     now,
	}
}

// Allow возвращает true, если сообщение можно залогировать,
// и количество подавленных с прошлого разрешённого.
func (t *logThrottle) Allow() (bool, int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.limiter.AllowN(t.now(), 1) {
		t.suppressed++
		return false, 0
	}

	n := t.suppressed
	t.suppressed = 0
	return true, n
}
