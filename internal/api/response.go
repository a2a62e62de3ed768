package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/shaiso/vss/internal/domain"
	"github.com/shaiso/vss/internal/mq"
	"github.com/shaiso/vss/internal/repo"
)

// ErrorCode — код ошибки API.
type ErrorCode string

const (
	ErrCodeBadRequest    ErrorCode = "BAD_REQUEST"
	ErrCodeNotFound      ErrorCode = "NOT_FOUND"
	ErrCodeConflict      ErrorCode = "CONFLICT"
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorResponse — ответ с ошибкой: {"error": {"code", "message"}}.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// DataResponse — ответ с одним объектом.
type DataResponse struct {
	Data any `json:"data"`
}

// ListResponse — ответ со списком.
type ListResponse struct {
	Data  any `json:"data"`
	Total int `json:"total"`
}

// errorMapping — известные ошибки и их HTTP-представление.
var errorMapping = []struct {
	target error
	status int
	code   ErrorCode
}{
	{repo.ErrNotFound, http.StatusNotFound, ErrCodeNotFound},
	{domain.ErrSlotNotFound, http.StatusNotFound, ErrCodeNotFound},
	{mq.ErrBusDisabled, http.StatusConflict, ErrCodeConflict},
	{mq.ErrConnectionClosed, http.StatusConflict, ErrCodeConflict},
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, v any) {
	writeJSON(w, http.StatusOK, DataResponse{Data: v})
}

func writeList(w http.ResponseWriter, v any, total int) {
	writeJSON(w, http.StatusOK, ListResponse{Data: v, Total: total})
}

func writeError(w http.ResponseWriter, status int, code ErrorCode, message string) {
	writeJSON(w, status, ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}

func badRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// fail отправляет ответ по ошибке. message заменяет текст известной ошибки;
// пустой — используется err.Error(). Неизвестные ошибки логируются
// и отдаются как 500 без деталей.
func fail(w http.ResponseWriter, logger *slog.Logger, err error, message string) {
	for _, m := range errorMapping {
		if errors.Is(err, m.target) {
			if message == "" {
				message = err.Error()
			}
			writeError(w, m.status, m.code, message)
			return
		}
	}
	logger.Error("internal error", "error", err)
	writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "internal server error")
}
