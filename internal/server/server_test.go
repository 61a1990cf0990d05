package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"tallyd/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:              "0",
		Env:               "development",
		LogLevel:          "error",
		LogFormat:         "text",
		BaseURI:           "http://ledger.test",
		AdminUser:         "root",
		AdminPassword:     "rootpw",
		NotifyWorkers:     1,
		NotifyMaxAttempts: 3,
		NotifyTimeout:     time.Second,
		NotifyBackoffCap:  time.Second,
		ExpiryRescan:      time.Minute,
		RateLimitRPS:      100,
	}
}

// newTestServer creates a server over an in-memory store
func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig())
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}

	if resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp["status"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/live", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/ready", nil)
	s.router.ServeHTTP(w, req)

	// Server hasn't called Run() so ready is false
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestTransferRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.router.Routes()
	transferRoutes := map[string]bool{
		"GET:/transfers/:id":             false,
		"PUT:/transfers/:id":             false,
		"GET:/transfers/:id/state":       false,
		"GET:/transfers/:id/fulfillment": false,
		"PUT:/transfers/:id/fulfillment": false,
	}

	for _, route := range routes {
		key := route.Method + ":" + route.Path
		if _, ok := transferRoutes[key]; ok {
			transferRoutes[key] = true
		}
	}

	for route, found := range transferRoutes {
		if !found {
			t.Errorf("Transfer route %s not registered", route)
		}
	}
}

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.router.Routes()
	expected := []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"GET:/accounts",
		"GET:/accounts/:name",
		"PUT:/accounts/:name",
		"GET:/accounts/:name/transfers",
		"GET:/subscriptions/:id",
		"PUT:/subscriptions/:id",
		"DELETE:/subscriptions/:id",
		"GET:/subscriptions/:id/notifications/:nid",
		"GET:/ledger/check",
	}

	routeSet := make(map[string]bool)
	for _, route := range routes {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Core route %s not registered", e)
		}
	}
}

// ---------------------------------------------------------------------------
// Admin bootstrap test
// ---------------------------------------------------------------------------

func TestAdminAccountProvisioned(t *testing.T) {
	s := newTestServer(t)

	// The bootstrapped admin can create accounts through the API
	body := `{"balance": "100"}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest("PUT", "/accounts/alice", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth("root", "rootpw")
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["balance"] != "100" {
		t.Errorf("Expected balance '100', got %v", resp["balance"])
	}

	// The new account is publicly readable
	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/accounts/alice", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestAccountCreationRequiresAdmin(t *testing.T) {
	s := newTestServer(t)

	body := `{"balance": "100"}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest("PUT", "/accounts/bob", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 without credentials, got %d", w.Code)
	}
}

func TestBadCredentialsRejected(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/accounts/alice", nil)
	req.SetBasicAuth("root", "wrong")
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for bad credentials, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Request ID test
// ---------------------------------------------------------------------------

func TestRequestIDHeader(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	s.router.ServeHTTP(w, req)

	if w.Header().Get("X-Request-ID") == "" {
		t.Error("Expected X-Request-ID header to be set")
	}

	// An inbound request ID is echoed back
	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("X-Request-ID", "test-request-id")
	s.router.ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-ID"); got != "test-request-id" {
		t.Errorf("Expected echoed request ID, got %q", got)
	}
}

// ---------------------------------------------------------------------------
// 404 test
// ---------------------------------------------------------------------------

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/nonexistent", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}
