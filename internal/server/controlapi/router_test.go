// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fetch License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package controlapi

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nishisan-dev/n-fetch/internal/config"
	"github.com/nishisan-dev/n-fetch/internal/protocol"
	"github.com/nishisan-dev/n-fetch/internal/server"
)

// stubSender descarta as mensagens destinadas ao peer.
type stubSender struct{}

func (stubSender) Send(clientID string, msg protocol.Message) error { return nil }

// stubTransport popula o registry sem uma conexão WebSocket real.
type stubTransport struct{}

func (stubTransport) Send(protocol.Message) error { return nil }
func (stubTransport) Close() error                { return nil }
func (stubTransport) RemoteAddr() string          { return "127.0.0.1:9000" }

// newTestAPI monta o control plane com componentes reais e um client
// "agent-1" registrado.
func newTestAPI(t *testing.T) http.Handler {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &config.ServerConfig{}
	cfg.Control.CORSOrigins = []string{"*"}
	cfg.Transfer = config.TransferInfo{
		ChunkSize:             1024,
		MaxChunkRetryAttempts: 3,
		ChunkRetryDelay:       10 * time.Millisecond,
		AckTimeout:            time.Second,
		DownloadTimeout:       time.Minute,
		HeartbeatInterval:     time.Minute,
		RetentionWindow:       time.Minute,
	}

	store, err := server.NewDownloadStore(t.TempDir())
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}

	registry := server.NewRegistry()
	tempID := registry.Attach(stubTransport{})
	if err := registry.Promote(tempID, "agent-1", map[string]string{"hostname": "web-01"}); err != nil {
		t.Fatalf("registering test client: %v", err)
	}

	events := server.NewEventRing(16)
	events.PushEvent("info", "register", "agent-1", "", "client registered")

	mgr := server.NewManager(registry, stubSender{}, store, cfg.Transfer, events, logger)
	hub := server.NewHub(registry, events, cfg, logger)

	return NewRouter(mgr, registry, events, hub, cfg, logger)
}

func doRequest(t *testing.T, api http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshaling body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	api.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestAPI_StartDownload(t *testing.T) {
	api := newTestAPI(t)

	rec := doRequest(t, api, http.MethodPost, "/downloads",
		map[string]string{"clientId": "agent-1", "filePath": "/var/log/syslog"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	body := decodeBody(t, rec)
	if body["success"] != true {
		t.Error("expected success=true")
	}
	if body["status"] != "requested" {
		t.Errorf("expected status requested, got %v", body["status"])
	}
	requestID, _ := body["requestId"].(string)
	if requestID == "" {
		t.Fatal("expected non-empty requestId")
	}

	// A sessão recém-criada aparece no GET individual.
	rec = doRequest(t, api, http.MethodGet, "/downloads/"+requestID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on GET, got %d", rec.Code)
	}
	view := decodeBody(t, rec)
	if view["status"] != "requested" {
		t.Errorf("expected requested, got %v", view["status"])
	}
	if view["clientId"] != "agent-1" {
		t.Errorf("expected clientId agent-1, got %v", view["clientId"])
	}
}

func TestAPI_StartDownloadValidation(t *testing.T) {
	api := newTestAPI(t)

	rec := doRequest(t, api, http.MethodPost, "/downloads", map[string]string{"clientId": "agent-1"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing filePath, got %d", rec.Code)
	}

	body := decodeBody(t, rec)
	errBlock, _ := body["error"].(map[string]any)
	if errBlock == nil {
		t.Fatalf("expected error envelope, got %s", rec.Body.String())
	}
	if errBlock["code"] != string(protocol.KindInvalidRequest) {
		t.Errorf("expected INVALID_REQUEST, got %v", errBlock["code"])
	}
	if ts, _ := errBlock["timestamp"].(string); ts == "" {
		t.Error("expected timestamp in error envelope")
	} else if _, err := time.Parse(time.RFC3339, ts); err != nil {
		t.Errorf("expected RFC3339 timestamp, got %q", ts)
	}
}

func TestAPI_StartDownloadUnknownClient(t *testing.T) {
	api := newTestAPI(t)

	rec := doRequest(t, api, http.MethodPost, "/downloads",
		map[string]string{"clientId": "ghost", "filePath": "/tmp/x"})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", rec.Code, rec.Body.String())
	}

	body := decodeBody(t, rec)
	errBlock, _ := body["error"].(map[string]any)
	if errBlock["code"] != string(protocol.KindClientNotConnected) {
		t.Errorf("expected CLIENT_NOT_CONNECTED, got %v", errBlock["code"])
	}
}

func TestAPI_GetUnknownDownload(t *testing.T) {
	api := newTestAPI(t)

	rec := doRequest(t, api, http.MethodGet, "/downloads/no-such-request", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestAPI_CancelDownload(t *testing.T) {
	api := newTestAPI(t)

	rec := doRequest(t, api, http.MethodPost, "/downloads",
		map[string]string{"clientId": "agent-1", "filePath": "/tmp/a"})
	requestID := decodeBody(t, rec)["requestId"].(string)

	rec = doRequest(t, api, http.MethodDelete, "/downloads/"+requestID+"?reason=test", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if decodeBody(t, rec)["status"] != "cancelled" {
		t.Error("expected cancelled status in response")
	}

	// Cancelar sessão já terminal é conflito.
	rec = doRequest(t, api, http.MethodDelete, "/downloads/"+requestID, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on double cancel, got %d", rec.Code)
	}

	// Cancelar sessão desconhecida é 404.
	rec = doRequest(t, api, http.MethodDelete, "/downloads/unknown", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on unknown cancel, got %d", rec.Code)
	}
}

func TestAPI_ListDownloads(t *testing.T) {
	api := newTestAPI(t)

	doRequest(t, api, http.MethodPost, "/downloads",
		map[string]string{"clientId": "agent-1", "filePath": "/tmp/a"})
	doRequest(t, api, http.MethodPost, "/downloads",
		map[string]string{"clientId": "agent-1", "filePath": "/tmp/b"})

	rec := doRequest(t, api, http.MethodGet, "/downloads", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["count"] != float64(2) {
		t.Errorf("expected 2 downloads, got %v", body["count"])
	}

	rec = doRequest(t, api, http.MethodGet, "/downloads?status=completed", nil)
	if decodeBody(t, rec)["count"] != float64(0) {
		t.Error("expected no completed downloads")
	}
}

func TestAPI_Clients(t *testing.T) {
	api := newTestAPI(t)

	rec := doRequest(t, api, http.MethodGet, "/clients", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["count"] != float64(1) {
		t.Fatalf("expected 1 client, got %v", body["count"])
	}

	rec = doRequest(t, api, http.MethodGet, "/clients/agent-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	view := decodeBody(t, rec)
	if view["status"] != "connected" {
		t.Errorf("expected connected, got %v", view["status"])
	}

	rec = doRequest(t, api, http.MethodGet, "/clients/ghost", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown client, got %d", rec.Code)
	}
	errBlock, _ := decodeBody(t, rec)["error"].(map[string]any)
	if errBlock["code"] != string(protocol.KindClientNotFound) {
		t.Errorf("expected CLIENT_NOT_FOUND, got %v", errBlock["code"])
	}
}

func TestAPI_Health(t *testing.T) {
	api := newTestAPI(t)

	rec := doRequest(t, api, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != "ok" {
		t.Errorf("expected ok, got %v", body["status"])
	}
	if body["version"] == "" {
		t.Error("expected version field")
	}
}

func TestAPI_Metrics(t *testing.T) {
	api := newTestAPI(t)

	rec := doRequest(t, api, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["registered_clients"] != float64(1) {
		t.Errorf("expected 1 registered client, got %v", body["registered_clients"])
	}
	if body["active_sessions"] != float64(0) {
		t.Errorf("expected 0 active sessions, got %v", body["active_sessions"])
	}
}

func TestAPI_Events(t *testing.T) {
	api := newTestAPI(t)

	rec := doRequest(t, api, http.MethodGet, "/events", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["count"] != float64(1) {
		t.Fatalf("expected 1 event, got %v", body["count"])
	}

	// limit não numérico cai no default (todos os eventos).
	rec = doRequest(t, api, http.MethodGet, "/events?limit=abc", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestAPI_CORSHeaders(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://dashboard.local")
	rec := httptest.NewRecorder()
	api.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("expected wildcard CORS origin, got %q", got)
	}
}
