package api

import (
	"net/http"
	"sort"
	"time"

	"github.com/shaiso/vss/internal/domain"
	"github.com/shaiso/vss/internal/mq"
	"github.com/shaiso/vss/internal/repo"
)

// GetStatus возвращает сводку по парку и состоянию шины.
// GET /api/v1/status
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	slots, err := h.store.ListSlots(r.Context(), repo.SlotFilter{})
	if err != nil {
		fail(w, h.log(r), err, "")
		return
	}

	resp := StatusResponse{
		Bus: h.busHealth(),
		Slots: SlotSummary{
			Total:    len(slots),
			ByStatus: make(map[domain.SlotStatus]int),
			ByState:  make(map[domain.FSMState]int),
		},
		Faulted: []string{},
		Time:    time.Now().UTC(),
	}
	for _, s := range slots {
		resp.Slots.ByStatus[s.Status]++
		resp.Slots.ByState[s.FSMState]++
		if s.FSMState == domain.FSMStateFault {
			resp.Faulted = append(resp.Faulted, s.ID)
		}
	}
	sort.Strings(resp.Faulted)

	writeData(w, resp)
}

// ReconnectBus снимает блокировку после исчерпания попыток
// переподключения и запускает новый цикл.
// POST /api/v1/bus/reconnect
func (h *Handler) ReconnectBus(w http.ResponseWriter, r *http.Request) {
	if h.bus == nil {
		fail(w, h.log(r), mq.ErrBusDisabled, "message bus is not configured")
		return
	}
	if err := h.bus.Reset(); err != nil {
		fail(w, h.log(r), err, "")
		return
	}

	h.log(r).Info("bus reconnect requested", "remote_addr", r.RemoteAddr)
	writeData(w, h.bus.Health())
}

func (h *Handler) busHealth() mq.Health {
	if h.bus == nil {
		return mq.Health{State: mq.StateDisabled}
	}
	return h.bus.Health()
}
