package apiserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/loppo-llc/relayd/internal/auth"
	"github.com/loppo-llc/relayd/internal/discovery"
	"github.com/loppo-llc/relayd/internal/lock"
	"github.com/loppo-llc/relayd/internal/mux"
	"github.com/loppo-llc/relayd/internal/pathguard"
	"github.com/loppo-llc/relayd/internal/ratelimit"
	"github.com/loppo-llc/relayd/internal/registry"
	"github.com/loppo-llc/relayd/internal/terminal"
)

type fakeConnected struct{}

func (fakeConnected) IsConnected(string) bool { return false }

type fakeSubscriber struct{}

func (fakeSubscriber) Subscribe() chan struct{}  { return make(chan struct{}) }
func (fakeSubscriber) Unsubscribe(chan struct{}) {}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestServer(t *testing.T) (*Server, *auth.Authenticator) {
	t.Helper()
	logger := testLogger()
	a := auth.New("test-psk", logger)
	bridge := terminal.New(terminal.Config{
		BatchInterval:     16 * time.Millisecond,
		BufferCap:         1 << 16,
		BackpressureLimit: 1 << 16,
		HeartbeatInterval: time.Second,
		MaxMissedPongs:    3,
	}, logger)
	m := mux.New(mux.Config{Binary: "tmux", CLIBinary: "claude", Prefix: "relay", MaxSessions: 4, CacheTTL: time.Second}, fakeConnected{}, logger)
	d := discovery.New(t.TempDir(), t.TempDir(), logger)
	reg := registry.New(d, m, fakeConnected{})
	locks := lock.New()
	rl := ratelimit.New(5 * time.Second)
	guard := pathguard.New([]string{t.TempDir()})

	srv := New(Config{
		Addr:    ":0",
		Version: "test",
		CLIName: "claude",
	}, a, reg, m, bridge, fakeSubscriber{}, locks, rl, guard, logger)
	return srv, a
}

func TestHandleStatus_NoAuthRequired(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Version != "test" {
		t.Errorf("Version = %q, want test", body.Version)
	}
}

func TestHandleListSessions_RejectsMissingAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleListSessions_AcceptsCorrectBearer(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer test-psk")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleGetSession_InvalidIDRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/sessions/not-a-uuid", nil)
	req.Header.Set("Authorization", "Bearer test-psk")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Error != ErrInvalidSessionID {
		t.Errorf("error code = %q, want %q", body.Error, ErrInvalidSessionID)
	}
}

func TestHandleGetSession_UnknownIDReturnsNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/sessions/11111111-1111-4111-8111-111111111111", nil)
	req.Header.Set("Authorization", "Bearer test-psk")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleNewSession_RejectsPathOutsideRoots(t *testing.T) {
	srv, _ := newTestServer(t)
	body := `{"projectPath": "/definitely/not/a/configured/root"}`
	req := httptest.NewRequest(http.MethodPost, "/api/sessions/new", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer test-psk")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleKillSession_ReportsNotExistedForUnknownID(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/sessions/11111111-1111-4111-8111-111111111111/kill", nil)
	req.Header.Set("Authorization", "Bearer test-psk")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body killResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Existed {
		t.Errorf("Existed = true for a session id that was never attached, want false")
	}
	if !body.Success {
		t.Errorf("Success = false, want true")
	}
}

func TestHandleTerminal_RejectsInvalidSessionID(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/terminal/not-a-uuid", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleTerminal_RejectsMissingToken(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/terminal/11111111-1111-4111-8111-111111111111", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}
