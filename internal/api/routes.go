package api

import (
	"net/http"
)

// RegisterRoutes регистрирует все маршруты API.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	chain := Chain(
		Recovery(h.logger),
		Metrics("dci-api"),
		Logging(h.logger),
	)

	mux.Handle("GET /api/v1/status", chain(http.HandlerFunc(h.GetStatus)))
	mux.Handle("POST /api/v1/bus/reconnect", chain(http.HandlerFunc(h.ReconnectBus)))

	// Slots
	mux.Handle("GET /api/v1/slots", chain(http.HandlerFunc(h.ListSlots)))
	mux.Handle("GET /api/v1/slots/{id}", chain(http.HandlerFunc(h.GetSlot)))
	mux.Handle("GET /api/v1/slots/{id}/history", chain(http.HandlerFunc(h.ListSlotHistory)))
}
