package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// --- Response types (дублируются из api/dto.go, CLI не импортирует internal/api) ---

// BusHealth — состояние соединения с шиной.
type BusHealth struct {
	Enabled       bool   `json:"enabled"`
	AutoReconnect bool   `json:"auto_reconnect"`
	State         string `json:"state"`
	Attempts      int    `json:"reconnect_attempts"`
	MaxAttempts   int    `json:"max_attempts"`
	Exhausted     bool   `json:"exhausted"`
	LastError     string `json:"last_error,omitempty"`
	ConnectedAt   string `json:"connected_at,omitempty"`
}

// StatusResponse — сводка из /status.
type StatusResponse struct {
	Bus   BusHealth `json:"bus"`
	Slots struct {
		Total    int            `json:"total"`
		ByStatus map[string]int `json:"by_status"`
		ByState  map[string]int `json:"by_state"`
	} `json:"slots"`
	Faulted []string `json:"faulted_slots"`
	Time    string   `json:"time"`
}

// SlotResponse — слот из API.
type SlotResponse struct {
	ID           string `json:"id"`
	DeviceType   string `json:"device_type"`
	DeviceSerial string `json:"device_serial,omitempty"`
	Status       string `json:"status"`
	FSMState     string `json:"fsm_state"`
	Fault        bool   `json:"fault"`
	SIP          *struct {
		Username string `json:"username"`
		Number   string `json:"number"`
	} `json:"sip_identity,omitempty"`
	TrunkID   string `json:"trunk_id,omitempty"`
	UpdatedAt string `json:"updated_at"`
}

// RunResponse — последний скрипт или recovery слота.
type RunResponse struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Trigger     string `json:"trigger_reason,omitempty"`
	Status      string `json:"status"`
	Attempts    int    `json:"attempts,omitempty"`
	Error       string `json:"error,omitempty"`
	CompletedAt string `json:"completed_at,omitempty"`
}

// SlotDetailResponse — слот с последними запусками.
type SlotDetailResponse struct {
	SlotResponse
	ScriptFailed bool         `json:"script_failed"`
	LastScript   *RunResponse `json:"last_script,omitempty"`
	LastRecovery *RunResponse `json:"last_recovery,omitempty"`
}

// HistoryResponse — запись истории состояний.
type HistoryResponse struct {
	ID        string `json:"id"`
	FromState string `json:"from_state"`
	FSMState  string `json:"fsm_state"`
	Status    string `json:"status"`
	Source    string `json:"source"`
	Trigger   string `json:"trigger"`
	EventID   string `json:"event_id"`
	Published bool   `json:"published"`
	CreatedAt string `json:"created_at"`
}

// ListSlotsOpts — параметры фильтрации слотов.
type ListSlotsOpts struct {
	Status string
	State  string
}

// --- API envelopes ---

// envelope — общий вид ответа API: data (+ total для списков) или error.
type envelope struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// APIError — ошибка, которую вернул API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("API error: HTTP %d", e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// --- Client ---

// Client — HTTP-клиент status API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент для API.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Status возвращает сводку по слотам и шине.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var s StatusResponse
	err := c.call(ctx, http.MethodGet, "/api/v1/status", nil, &s)
	return &s, err
}

// ListSlots возвращает слоты с фильтрацией.
func (c *Client) ListSlots(ctx context.Context, opts ListSlotsOpts) ([]SlotResponse, error) {
	params := url.Values{}
	if opts.Status != "" {
		params.Set("status", opts.Status)
	}
	if opts.State != "" {
		params.Set("state", opts.State)
	}

	var slots []SlotResponse
	err := c.call(ctx, http.MethodGet, withQuery("/api/v1/slots", params), nil, &slots)
	return slots, err
}

// GetSlot возвращает слот по ID.
func (c *Client) GetSlot(ctx context.Context, id string) (*SlotDetailResponse, error) {
	var s SlotDetailResponse
	err := c.call(ctx, http.MethodGet, "/api/v1/slots/"+url.PathEscape(id), nil, &s)
	return &s, err
}

// SlotHistory возвращает историю состояний слота, новые первыми.
func (c *Client) SlotHistory(ctx context.Context, id string, limit int) ([]HistoryResponse, error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	var history []HistoryResponse
	path := withQuery("/api/v1/slots/"+url.PathEscape(id)+"/history", params)
	err := c.call(ctx, http.MethodGet, path, nil, &history)
	return history, err
}

// ReconnectBus снимает блокировку переподключения шины.
func (c *Client) ReconnectBus(ctx context.Context) (*BusHealth, error) {
	var h BusHealth
	err := c.call(ctx, http.MethodPost, "/api/v1/bus/reconnect", nil, &h)
	return &h, err
}

// --- HTTP ---

func withQuery(path string, params url.Values) string {
	if len(params) == 0 {
		return path
	}
	return path + "?" + params.Encode()
}

// call выполняет запрос и раскладывает data из ответа в result.
func (c *Client) call(ctx context.Context, method, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env envelope
	decodeErr := json.NewDecoder(resp.Body).Decode(&env)

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if decodeErr == nil && env.Error != nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if decodeErr != nil {
		return fmt.Errorf("failed to decode response: %w", decodeErr)
	}
	if result == nil || len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, result)
}
