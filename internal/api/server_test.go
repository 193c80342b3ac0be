package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-ethrelay/internal/audit"
	"github.com/nerrad567/gray-logic-ethrelay/internal/bridges/ethrelay"
	"github.com/nerrad567/gray-logic-ethrelay/internal/device"
	"github.com/nerrad567/gray-logic-ethrelay/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-ethrelay/internal/infrastructure/logging"
)

const testDeviceID = "garage-relays"

type relayCall struct {
	op       string
	channel  int
	activate bool
	hold     time.Duration
}

// fakeController implements ethrelay.Controller for testing.
type fakeController struct {
	mu      sync.Mutex
	calls   []relayCall
	err     error
	state   ethrelay.State
	outputs ethrelay.Outputs
}

func (f *fakeController) record(c relayCall) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	return f.err
}

func (f *fakeController) SubmitCommand(channel int, activate bool, hold time.Duration) error {
	return f.record(relayCall{op: "submit", channel: channel, activate: activate, hold: hold})
}

func (f *fakeController) Toggle(channel int) error {
	return f.record(relayCall{op: "toggle", channel: channel})
}

func (f *fakeController) Pulse(channel int, hold time.Duration) error {
	return f.record(relayCall{op: "pulse", channel: channel, activate: true, hold: hold})
}

func (f *fakeController) Calls() []relayCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]relayCall(nil), f.calls...)
}

func (f *fakeController) SetOnTelemetry(func(ethrelay.Telemetry)) {}
func (f *fakeController) Address() string                         { return "10.0.0.5:17494" }
func (f *fakeController) State() ethrelay.State                   { return f.state }

func (f *fakeController) Snapshot() ethrelay.Telemetry {
	return ethrelay.Telemetry{
		Address:       f.Address(),
		ModuleID:      2,
		Firmware:      6,
		SerialNumber:  "AA:BB:CC:DD:EE:FF",
		SupplyVoltage: 125,
		Outputs:       f.outputs,
		Channels:      2,
		Timestamp:     time.Now(),
	}
}

func (f *fakeController) Stats() ethrelay.SessionStats {
	return ethrelay.SessionStats{CommandsTx: 3, PollsTotal: 40, ErrorsTotal: 1, State: f.state}
}

// fakeInventory implements Inventory for testing.
type fakeInventory struct {
	modules []device.Module
}

func (f *fakeInventory) List() []device.Module { return f.modules }

func (f *fakeInventory) Get(_ context.Context, serial string) (*device.Module, error) {
	for _, m := range f.modules {
		if m.Serial == serial {
			return &m, nil
		}
	}
	return nil, device.ErrModuleNotFound
}

// fakeHistory implements History for testing.
type fakeHistory struct {
	filter audit.Filter
	err    error
}

func (f *fakeHistory) History(_ context.Context, filter audit.Filter) (*audit.ListResult, error) {
	f.filter = filter
	if f.err != nil {
		return nil, f.err
	}
	return &audit.ListResult{
		Logs:  []audit.AuditLog{{ID: "1", Action: audit.ActionCommand, EntityType: audit.EntityRelay}},
		Total: 1,
		Limit: filter.Limit,
	}, nil
}

// fakeJournal implements ethrelay.CommandJournal for testing.
type fakeJournal struct {
	mu      sync.Mutex
	records []ethrelay.CommandRecord
}

func (f *fakeJournal) RecordCommand(_ context.Context, rec ethrelay.CommandRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return nil
}

type fakeSubscriptions int

func (f fakeSubscriptions) SubscriptionCount() int { return int(f) }

type fakeDBStats struct{}

func (fakeDBStats) Stats() sql.DBStats { return sql.DBStats{OpenConnections: 1, Idle: 1} }

func testLogger() *logging.Logger {
	return logging.NewWithWriter(io.Discard, config.LoggingConfig{Level: "error", Format: "text"}, "test")
}

// testServer creates a Server around a polling fake controller. mutate may
// adjust the dependencies before New is called.
func testServer(t *testing.T, mutate func(*Deps)) (*Server, *fakeController) {
	t.Helper()

	ctrl := &fakeController{state: ethrelay.StatePolling}
	deps := Deps{
		Config: config.APIConfig{
			Host:     "127.0.0.1",
			Port:     0,
			Timeouts: config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5},
		},
		WS:         config.WebSocketConfig{MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10},
		Logger:     testLogger(),
		Controller: ctrl,
		DeviceID:   testDeviceID,
		Version:    "test",
	}
	if mutate != nil {
		mutate(&deps)
	}

	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return srv, ctrl
}

func serve(srv *Server, method, path, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(w, req)
	return w
}

func TestNewRequiresDeps(t *testing.T) {
	tests := []struct {
		name string
		deps Deps
	}{
		{"no logger", Deps{Controller: &fakeController{}}},
		{"no controller", Deps{Logger: testLogger()}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.deps); err == nil {
				t.Error("New() should fail")
			}
		})
	}
}

// ─── Health and Status ─────────────────────────────────────────────

func TestHealth(t *testing.T) {
	failing := ethrelay.HealthCheck{Name: "database", Check: func(context.Context) error {
		return errors.New("disk I/O error")
	}}
	passing := ethrelay.HealthCheck{Name: "mqtt", Check: func(context.Context) error { return nil }}

	tests := []struct {
		name       string
		state      ethrelay.State
		checks     []ethrelay.HealthCheck
		wantCode   int
		wantStatus ethrelay.HealthStatus
		wantReason string
	}{
		{"healthy", ethrelay.StatePolling, []ethrelay.HealthCheck{passing}, http.StatusOK, ethrelay.HealthHealthy, ""},
		{"session not polling", ethrelay.StateConnecting, nil, http.StatusServiceUnavailable, ethrelay.HealthDegraded, "module session connecting"},
		{"check fails", ethrelay.StatePolling, []ethrelay.HealthCheck{passing, failing}, http.StatusServiceUnavailable, ethrelay.HealthDegraded, "database unhealthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, ctrl := testServer(t, func(d *Deps) {
				d.Checks = tt.checks
				d.MQTT = fakeSubscriptions(2)
				d.DB = fakeDBStats{}
			})
			ctrl.state = tt.state

			w := serve(srv, http.MethodGet, "/api/v1/health", "")
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantCode)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}

			var resp healthResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Status != tt.wantStatus || resp.Reason != tt.wantReason {
				t.Errorf("status = %q reason = %q, want %q %q", resp.Status, resp.Reason, tt.wantStatus, tt.wantReason)
			}
			if resp.MQTTSubscriptions == nil || *resp.MQTTSubscriptions != 2 {
				t.Errorf("mqtt_subscriptions = %v, want 2", resp.MQTTSubscriptions)
			}
			if resp.Database == nil || resp.Database.OpenConnections != 1 {
				t.Errorf("database = %+v, want one open connection", resp.Database)
			}
			if resp.Version != "test" {
				t.Errorf("version = %q", resp.Version)
			}
		})
	}
}

func TestHealthOmitsUnconfigured(t *testing.T) {
	srv, _ := testServer(t, nil)

	w := serve(srv, http.MethodGet, "/api/v1/health", "")
	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, key := range []string{"mqtt_subscriptions", "database"} {
		if _, ok := body[key]; ok {
			t.Errorf("%s present without a dependency", key)
		}
	}
}

func TestStatus(t *testing.T) {
	tests := []struct {
		name       string
		state      ethrelay.State
		wantModule bool
	}{
		{"polling", ethrelay.StatePolling, true},
		{"closed", ethrelay.StateClosed, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, ctrl := testServer(t, nil)
			ctrl.state = tt.state
			ctrl.outputs = 0b01

			w := serve(srv, http.MethodGet, "/api/v1/status", "")
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d", w.Code)
			}

			var resp statusResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.State != tt.state.String() || resp.Address != "10.0.0.5:17494" {
				t.Errorf("state = %q address = %q", resp.State, resp.Address)
			}
			if resp.Statistics.Polls != 40 || resp.Statistics.CommandsSent != 3 {
				t.Errorf("statistics = %+v", resp.Statistics)
			}
			if (resp.Module != nil) != tt.wantModule {
				t.Fatalf("module present = %v, want %v", resp.Module != nil, tt.wantModule)
			}
			if tt.wantModule {
				if resp.Module.DeviceID != testDeviceID {
					t.Errorf("device_id = %q", resp.Module.DeviceID)
				}
				if resp.Module.State["relay_1"] != true || resp.Module.State["relay_2"] != false {
					t.Errorf("relays = %v %v", resp.Module.State["relay_1"], resp.Module.State["relay_2"])
				}
			}
		})
	}
}

// ─── Middleware ────────────────────────────────────────────────────

func TestRequestID(t *testing.T) {
	srv, _ := testServer(t, nil)

	w := serve(srv, http.MethodGet, "/api/v1/status", "")
	if len(w.Header().Get("X-Request-ID")) != 2*requestIDLen {
		t.Errorf("generated X-Request-ID = %q", w.Header().Get("X-Request-ID"))
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.Header.Set("X-Request-ID", "client-id-1")
	w = httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != "client-id-1" {
		t.Errorf("X-Request-ID = %q, want client value", got)
	}
}

func TestInstrumentRecoversPanic(t *testing.T) {
	srv, _ := testServer(t, nil)

	var seen string
	h := srv.instrument(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = requestID(r.Context())
		panic("handler bug")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-7")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	if seen != "req-7" {
		t.Errorf("requestID() in handler = %q, want req-7", seen)
	}
}

func TestCORS(t *testing.T) {
	tests := []struct {
		name      string
		allowed   []string
		origin    string
		wantAllow string
	}{
		{"any origin by default", nil, "http://panel.local", "http://panel.local"},
		{"listed origin", []string{"http://panel.local"}, "http://panel.local", "http://panel.local"},
		{"unlisted origin", []string{"http://panel.local"}, "http://evil.example", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := testServer(t, func(d *Deps) { d.Config.CORS.AllowedOrigins = tt.allowed })

			req := httptest.NewRequest(http.MethodOptions, "/api/v1/relays/1", nil)
			req.Header.Set("Origin", tt.origin)
			w := httptest.NewRecorder()
			srv.buildRouter().ServeHTTP(w, req)

			if w.Code != http.StatusNoContent {
				t.Errorf("status = %d, want 204", w.Code)
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.wantAllow {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantAllow)
			}
		})
	}
}

func TestNotFound(t *testing.T) {
	srv, _ := testServer(t, nil)

	w := serve(srv, http.MethodGet, "/api/v1/nonexistent", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	var e Error
	if err := json.NewDecoder(w.Body).Decode(&e); err != nil || e.Code != ErrCodeNotFound {
		t.Errorf("error body = %+v (%v)", e, err)
	}
}

// ─── Relay Commands ────────────────────────────────────────────────

func TestRelayCommand(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		body     string
		ctrlErr  error
		wantCode int
		wantErr  string
		wantCall *relayCall
	}{
		{
			name:     "on",
			path:     "/api/v1/relays/1",
			body:     `{"command":"on"}`,
			wantCode: http.StatusAccepted,
			wantCall: &relayCall{op: "submit", channel: 1, activate: true},
		},
		{
			name:     "off with hold",
			path:     "/api/v1/relays/2",
			body:     `{"command":"off","hold_ms":300}`,
			wantCode: http.StatusAccepted,
			wantCall: &relayCall{op: "submit", channel: 2, hold: 300 * time.Millisecond},
		},
		{
			name:     "toggle",
			path:     "/api/v1/relays/2",
			body:     `{"command":"toggle"}`,
			wantCode: http.StatusAccepted,
			wantCall: &relayCall{op: "toggle", channel: 2},
		},
		{
			name:     "pulse",
			path:     "/api/v1/relays/1",
			body:     `{"command":"pulse","hold_ms":500}`,
			wantCode: http.StatusAccepted,
			wantCall: &relayCall{op: "pulse", channel: 1, activate: true, hold: 500 * time.Millisecond},
		},
		{name: "channel not a number", path: "/api/v1/relays/one", body: `{"command":"on"}`, wantCode: http.StatusBadRequest, wantErr: ErrCodeBadRequest},
		{name: "invalid json", path: "/api/v1/relays/1", body: `{"command":`, wantCode: http.StatusBadRequest, wantErr: ErrCodeBadRequest},
		{name: "unknown command", path: "/api/v1/relays/1", body: `{"command":"blink"}`, wantCode: http.StatusBadRequest, wantErr: ErrCodeValidation},
		{name: "hold over limit", path: "/api/v1/relays/1", body: `{"command":"pulse","hold_ms":25501}`, wantCode: http.StatusBadRequest, wantErr: ErrCodeValidation},
		{name: "negative hold", path: "/api/v1/relays/1", body: `{"command":"pulse","hold_ms":-1}`, wantCode: http.StatusBadRequest, wantErr: ErrCodeValidation},
		{
			name:     "invalid channel",
			path:     "/api/v1/relays/9",
			body:     `{"command":"on"}`,
			ctrlErr:  fmt.Errorf("%w: 9 (module has 2)", ethrelay.ErrInvalidChannel),
			wantCode: http.StatusBadRequest,
			wantErr:  ErrCodeValidation,
		},
		{
			name:     "not connected",
			path:     "/api/v1/relays/1",
			body:     `{"command":"toggle"}`,
			ctrlErr:  ethrelay.ErrNotConnected,
			wantCode: http.StatusServiceUnavailable,
			wantErr:  ErrCodeUnavailable,
		},
		{
			name:     "unexpected error",
			path:     "/api/v1/relays/1",
			body:     `{"command":"on"}`,
			ctrlErr:  errors.New("boom"),
			wantCode: http.StatusInternalServerError,
			wantErr:  ErrCodeInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, ctrl := testServer(t, nil)
			ctrl.err = tt.ctrlErr

			w := serve(srv, http.MethodPost, tt.path, tt.body)
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.wantCode, w.Body.String())
			}

			if tt.wantErr != "" {
				var e Error
				if err := json.NewDecoder(w.Body).Decode(&e); err != nil || e.Code != tt.wantErr {
					t.Errorf("error body = %+v (%v), want code %q", e, err, tt.wantErr)
				}
			} else {
				var resp relayCommandResponse
				if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
					t.Fatalf("decode: %v", err)
				}
				if resp.ID == "" || resp.Status != ethrelay.AckQueued {
					t.Errorf("response = %+v", resp)
				}
			}

			if tt.wantCall != nil {
				calls := ctrl.Calls()
				if len(calls) != 1 || calls[0] != *tt.wantCall {
					t.Errorf("calls = %+v, want %+v", calls, *tt.wantCall)
				}
			}
		})
	}
}

func TestRelayCommandJournal(t *testing.T) {
	journal := &fakeJournal{}
	srv, ctrl := testServer(t, func(d *Deps) { d.Journal = journal })

	serve(srv, http.MethodPost, "/api/v1/relays/1", `{"command":"on"}`)
	ctrl.err = ethrelay.ErrNotConnected
	serve(srv, http.MethodPost, "/api/v1/relays/2", `{"command":"off"}`)

	if len(journal.records) != 2 {
		t.Fatalf("records = %d, want 2", len(journal.records))
	}

	ok, failed := journal.records[0], journal.records[1]
	if ok.Source != commandSource || ok.DeviceID != testDeviceID || ok.Channel != 1 || ok.Status != ethrelay.AckQueued {
		t.Errorf("first record = %+v", ok)
	}
	if ok.CommandID == "" {
		t.Error("CommandID not set")
	}
	if failed.Status != ethrelay.AckFailed || failed.Error == "" || failed.Command != "off" {
		t.Errorf("second record = %+v", failed)
	}
}

func TestRelayCommandBodyLimit(t *testing.T) {
	srv, ctrl := testServer(t, nil)

	body := `{"command":"on","pad":"` + strings.Repeat("x", maxRequestBodySize) + `"}`
	w := serve(srv, http.MethodPost, "/api/v1/relays/1", body)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if len(ctrl.Calls()) != 0 {
		t.Error("oversized body reached the controller")
	}
}

// ─── Modules and Audit ─────────────────────────────────────────────

func TestModules(t *testing.T) {
	inv := &fakeInventory{modules: []device.Module{
		{Serial: "AA:BB:CC:DD:EE:01", Address: "10.0.0.5:17494", ModuleID: 2},
	}}

	tests := []struct {
		name     string
		inv      Inventory
		path     string
		wantCode int
		wantBody string
	}{
		{"list", inv, "/api/v1/modules", http.StatusOK, `"count":1`},
		{"list empty", &fakeInventory{}, "/api/v1/modules", http.StatusOK, `"modules":[]`},
		{"get", inv, "/api/v1/modules/AA:BB:CC:DD:EE:01", http.StatusOK, `"address":"10.0.0.5:17494"`},
		{"get unknown", inv, "/api/v1/modules/00:00:00:00:00:00", http.StatusNotFound, ErrCodeNotFound},
		{"not configured", nil, "/api/v1/modules", http.StatusServiceUnavailable, ErrCodeUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := testServer(t, func(d *Deps) { d.Inventory = tt.inv })

			w := serve(srv, http.MethodGet, tt.path, "")
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantCode)
			}
			if !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("body = %s, want %s", w.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestAuditLogs(t *testing.T) {
	hist := &fakeHistory{}
	srv, _ := testServer(t, func(d *Deps) { d.History = hist })

	w := serve(srv, http.MethodGet, "/api/v1/audit?action=command&entity_id=garage-relays/1&limit=10&offset=5", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	want := audit.Filter{Action: "command", EntityID: "garage-relays/1", Limit: 10, Offset: 5}
	if hist.filter != want {
		t.Errorf("filter = %+v, want %+v", hist.filter, want)
	}

	var res audit.ListResult
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil || res.Total != 1 {
		t.Errorf("result = %+v (%v)", res, err)
	}
}

func TestAuditLogsErrors(t *testing.T) {
	tests := []struct {
		name     string
		hist     History
		query    string
		wantCode int
	}{
		{"not configured", nil, "", http.StatusServiceUnavailable},
		{"bad limit", &fakeHistory{}, "?limit=ten", http.StatusBadRequest},
		{"negative offset", &fakeHistory{}, "?offset=-1", http.StatusBadRequest},
		{"repository error", &fakeHistory{err: errors.New("database is locked")}, "", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := testServer(t, func(d *Deps) { d.History = tt.hist })
			if w := serve(srv, http.MethodGet, "/api/v1/audit"+tt.query, ""); w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", w.Code, tt.wantCode)
			}
		})
	}
}

// ─── Lifecycle ─────────────────────────────────────────────────────

func TestServerStartClose(t *testing.T) {
	srv, _ := testServer(t, nil)

	if err := srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() before Start should fail")
	}
	if err := srv.Close(); err != nil {
		t.Errorf("Close() before Start error = %v", err)
	}

	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer srv.Close()

	if err := srv.Start(context.Background()); err == nil {
		t.Error("second Start() should fail")
	}
	if err := srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	resp, err := http.Get("http://" + srv.Addr() + "/api/v1/status")
	if err != nil {
		t.Fatalf("GET status: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	if err := srv.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if _, err := net.Dial("tcp", srv.Addr()); err == nil {
		t.Error("listener still open after Close")
	}
}

func TestServerStartPortInUse(t *testing.T) {
	first, _ := testServer(t, nil)
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer first.Close()

	_, portStr, err := net.SplitHostPort(first.Addr())
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("port: %v", err)
	}

	second, _ := testServer(t, func(d *Deps) { d.Config.Port = port })
	if err := second.Start(context.Background()); err == nil {
		second.Close()
		t.Fatal("Start() on a bound port should fail")
	}
}
