package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

// fakeAPI отвечает фиксированными данными в формате status API.
func fakeAPI(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	writeJSON := func(w http.ResponseWriter, status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(v)
	}

	mux.HandleFunc("GET /api/v1/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
			"bus": map[string]any{"enabled": true, "state": "DISCONNECTED", "reconnect_attempts": 5, "max_attempts": 5, "exhausted": true},
			"slots": map[string]any{
				"total":     2,
				"by_status": map[string]int{"free": 1, "error": 1},
				"by_state":  map[string]int{"READY": 1, "FAULT": 1},
			},
			"faulted_slots": []string{"2"},
		}})
	})
	mux.HandleFunc("GET /api/v1/slots", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("status") != "error" {
			t.Errorf("status filter = %q, want error", r.URL.Query().Get("status"))
		}
		writeJSON(w, http.StatusOK, map[string]any{"total": 1, "data": []map[string]any{
			{"id": "2", "device_type": "auto", "status": "error", "fsm_state": "FAULT", "fault": true},
		}})
	})
	mux.HandleFunc("GET /api/v1/slots/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "1" {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": map[string]string{"code": "NOT_FOUND", "message": "slot not found"}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
			"id": "1", "device_type": "auto", "status": "free", "fsm_state": "READY",
			"script_failed": true,
			"last_script":   map[string]any{"id": "run-1", "kind": "host-shell-posix", "status": "failed", "error": "exit status 1"},
		}})
	})
	mux.HandleFunc("GET /api/v1/slots/{id}/history", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("limit") != "5" {
			t.Errorf("limit = %q, want 5", r.URL.Query().Get("limit"))
		}
		writeJSON(w, http.StatusOK, map[string]any{"total": 1, "data": []map[string]any{
			{"from_state": "IDLE", "fsm_state": "REGISTERING", "source": "command:slot.register", "published": true},
		}})
	})
	mux.HandleFunc("POST /api/v1/bus/reconnect", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"enabled": true, "state": "CONNECTING", "max_attempts": 5}})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func run(t *testing.T, url string, jsonMode bool, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer

	clientFn := func() *Client { return NewClient(url) }
	outputFn := func() *Output { return NewOutputTo(jsonMode, &stdout, &stderr) }

	root := &cobra.Command{Use: "vss-ctl", SilenceUsage: true, SilenceErrors: true}
	root.AddCommand(
		NewStatusCmd(clientFn, outputFn),
		NewSlotsCmd(clientFn, outputFn),
		NewBusCmd(clientFn, outputFn),
	)
	root.SetArgs(args)

	err := root.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestStatusCmd(t *testing.T) {
	srv := fakeAPI(t)

	out, _, err := run(t, srv.URL, false, "status")
	if err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{"DISCONNECTED (attempts 5/5)", "reconnect exhausted", "error=1 free=1", "Faulted:"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestSlotsListCmd_JSON(t *testing.T) {
	srv := fakeAPI(t)

	out, _, err := run(t, srv.URL, true, "slots", "list", "--status", "error")
	if err != nil {
		t.Fatal(err)
	}

	var slots []SlotResponse
	if err := json.Unmarshal([]byte(out), &slots); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if len(slots) != 1 || !slots[0].Fault {
		t.Errorf("slots = %+v", slots)
	}
}

func TestSlotsShowCmd(t *testing.T) {
	srv := fakeAPI(t)

	out, _, err := run(t, srv.URL, false, "slots", "show", "1")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Fault:") || !strings.Contains(out, "false") {
		t.Errorf("fault line missing:\n%s", out)
	}
	if !strings.Contains(out, "exit status 1") {
		t.Errorf("script error missing:\n%s", out)
	}
}

func TestSlotsShowCmd_NotFound(t *testing.T) {
	srv := fakeAPI(t)

	_, _, err := run(t, srv.URL, false, "slots", "show", "9")

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.Status != http.StatusNotFound || apiErr.Code != "NOT_FOUND" {
		t.Errorf("got %+v", apiErr)
	}
	if !strings.Contains(err.Error(), "slot not found") {
		t.Errorf("message = %q", err.Error())
	}
}

func TestSlotsHistoryCmd(t *testing.T) {
	srv := fakeAPI(t)

	out, _, err := run(t, srv.URL, false, "slots", "history", "1", "--limit", "5")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "REGISTERING") || !strings.Contains(out, "command:slot.register") {
		t.Errorf("history row missing:\n%s", out)
	}
}

func TestBusReconnectCmd(t *testing.T) {
	srv := fakeAPI(t)

	out, msg, err := run(t, srv.URL, false, "bus", "reconnect")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "CONNECTING") {
		t.Errorf("output = %q", out)
	}
	if !strings.Contains(msg, "Bus reconnect requested") {
		t.Errorf("stderr = %q", msg)
	}
}

func TestCounts(t *testing.T) {
	if got := counts(map[string]int{"b": 2, "a": 1}); got != "a=1 b=2" {
		t.Errorf("counts = %q", got)
	}
	if got := busLine(BusHealth{}); got != "DISABLED" {
		t.Errorf("busLine = %q", got)
	}
}
