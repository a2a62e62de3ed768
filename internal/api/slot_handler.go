package api

import (
	"net/http"
	"strconv"

	"github.com/shaiso/vss/internal/domain"
	"github.com/shaiso/vss/internal/repo"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// ListSlots возвращает список слотов с фильтрацией.
// GET /api/v1/slots?status=...&state=...
func (h *Handler) ListSlots(w http.ResponseWriter, r *http.Request) {
	filter := repo.SlotFilter{}

	if status := r.URL.Query().Get("status"); status != "" {
		switch s := domain.SlotStatus(status); s {
		case domain.SlotStatusFree, domain.SlotStatusBusy, domain.SlotStatusError:
			filter.Status = s
		default:
			badRequest(w, "invalid status")
			return
		}
	}
	if state := r.URL.Query().Get("state"); state != "" {
		s := domain.FSMState(state)
		if !s.Valid() {
			badRequest(w, "invalid state")
			return
		}
		filter.FSMState = s
	}

	slots, err := h.store.ListSlots(r.Context(), filter)
	if err != nil {
		fail(w, h.log(r), err, "")
		return
	}

	result := make([]SlotResponse, len(slots))
	for i, s := range slots {
		result[i] = SlotFromDomain(s)
	}
	writeList(w, result, len(result))
}

// GetSlot возвращает слот с последним скриптом и последним recovery.
// GET /api/v1/slots/{id}
func (h *Handler) GetSlot(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	s, err := h.store.GetSlot(r.Context(), id)
	if err != nil {
		fail(w, h.log(r), err, "slot not found")
		return
	}

	resp := SlotDetailResponse{SlotResponse: SlotFromDomain(*s)}

	scripts, err := h.store.ListScriptRuns(r.Context(), id, 1)
	if err != nil {
		fail(w, h.log(r), err, "")
		return
	}
	if len(scripts) > 0 {
		last := ScriptFromDomain(scripts[0])
		resp.LastScript = &last
		resp.ScriptFailed = last.Status == domain.RunStatusFailed
	}

	ops, err := h.store.ListRecoveryRuns(r.Context(), id, 1)
	if err != nil {
		fail(w, h.log(r), err, "")
		return
	}
	if len(ops) > 0 {
		last := RecoveryFromDomain(ops[0])
		resp.LastRecovery = &last
	}

	writeData(w, resp)
}

// ListSlotHistory возвращает историю состояний слота, новые первыми.
// GET /api/v1/slots/{id}/history?limit=...
func (h *Handler) ListSlotHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			badRequest(w, "invalid limit")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	if _, err := h.store.GetSlot(r.Context(), id); err != nil {
		fail(w, h.log(r), err, "slot not found")
		return
	}

	history, err := h.store.ListHistory(r.Context(), id, limit)
	if err != nil {
		fail(w, h.log(r), err, "")
		return
	}

	result := make([]HistoryResponse, len(history))
	for i, e := range history {
		result[i] = HistoryFromDomain(e)
	}
	writeList(w, result, len(result))
}
