package stream

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"tallyd/internal/auth"
	"tallyd/internal/transfer"
)

const testBaseURI = "http://localhost:8080"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testHub() *Hub {
	return NewHub(testLogger()).WithBaseURI(testBaseURI)
}

func feedTransfer(id string, state transfer.State, src, dst string) *transfer.Transfer {
	amt := decimal.NewFromInt(5)
	return &transfer.Transfer{
		ID:               id,
		State:            state,
		SourceFunds:      []transfer.Fund{{Account: src, Amount: amt}},
		DestinationFunds: []transfer.Fund{{Account: dst, Amount: amt}},
	}
}

func item(state transfer.State, accounts ...string) *feedItem {
	return &feedItem{
		accounts: accounts,
		event: &Event{
			Type:      EventTransferUpdate,
			Timestamp: time.Now(),
			Transfer:  &transfer.Transfer{ID: "t", State: state},
		},
	}
}

func TestShouldSend_PartyFilter(t *testing.T) {
	h := testHub()
	client := &Client{account: "alice"}

	if !h.shouldSend(client, item(transfer.StateCompleted, "alice", "bob")) {
		t.Error("party to the transfer should receive it")
	}
	if h.shouldSend(client, item(transfer.StateCompleted, "bob", "carol")) {
		t.Error("bystander should NOT receive it")
	}
}

func TestShouldSend_StateFilter(t *testing.T) {
	h := testHub()
	client := &Client{account: "alice", filter: Filter{States: []transfer.State{transfer.StateCompleted}}}

	if !h.shouldSend(client, item(transfer.StateCompleted, "alice")) {
		t.Error("filtered state should pass")
	}
	if h.shouldSend(client, item(transfer.StateProposed, "alice")) {
		t.Error("other states should be filtered out")
	}

	unfiltered := &Client{account: "alice"}
	if !h.shouldSend(unfiltered, item(transfer.StateProposed, "alice")) {
		t.Error("empty filter should pass everything")
	}
}

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("connectedClients = %v, want 0", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("totalEvents = %v, want 0", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{hub: h, send: make(chan []byte, 256), account: "alice"}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("connectedClients = %v, want 1", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("peakClients = %v, want 1", stats["peakClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("connectedClients after unregister = %v, want 0", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("peakClients = %v, want still 1", stats["peakClients"])
	}
}

func TestHub_BroadcastToParty(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{hub: h, send: make(chan []byte, 256), account: "alice"}
	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.TransferUpdated(feedTransfer("t1", transfer.StateCompleted, "alice", "bob"))

	select {
	case msg := <-client.send:
		var event Event
		if err := json.Unmarshal(msg, &event); err != nil {
			t.Fatalf("unmarshal feed message: %v", err)
		}
		if event.Type != EventTransferUpdate {
			t.Errorf("type = %q", event.Type)
		}
		if event.Transfer.ID != testBaseURI+"/transfers/t1" {
			t.Errorf("transfer id = %q, want the absolute URI", event.Transfer.ID)
		}
		if event.Transfer.State != transfer.StateCompleted {
			t.Errorf("state = %s", event.Transfer.State)
		}
	case <-time.After(time.Second):
		t.Error("timeout waiting for broadcast")
	}
}

func TestHub_BystanderGetsNothing(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{hub: h, send: make(chan []byte, 256), account: "carol"}
	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.TransferUpdated(feedTransfer("t1", transfer.StateCompleted, "alice", "bob"))
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("bystander should NOT receive the event")
	default:
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("hub did not stop after context cancellation")
	}
}

// feedServer wires the hub behind a router that injects the principal,
// standing in for the real auth chain.
func feedServer(t *testing.T, h *Hub, principal *auth.Principal) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(func(c *gin.Context) {
		if principal != nil {
			c.Set(auth.ContextKeyPrincipal, principal)
		}
		c.Next()
	})
	h.RegisterRoutes(router.Group(""))
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server, path string) string {
	return strings.Replace(srv.URL, "http", "ws", 1) + path
}

func TestFeed_EndToEnd(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := feedServer(t, h, &auth.Principal{Name: "alice"})
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/accounts/alice/transfers"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	time.Sleep(50 * time.Millisecond)

	h.TransferUpdated(feedTransfer("t1", transfer.StateCompleted, "alice", "bob"))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var event Event
	if err := json.Unmarshal(msg, &event); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if event.Transfer.ID != testBaseURI+"/transfers/t1" {
		t.Errorf("transfer id = %q", event.Transfer.ID)
	}
}

func TestFeed_Forbidden(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	t.Run("stranger", func(t *testing.T) {
		srv := feedServer(t, h, &auth.Principal{Name: "carol"})
		_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/accounts/alice/transfers"), nil)
		if err == nil {
			t.Fatal("dial succeeded for a stranger")
		}
		if resp == nil || resp.StatusCode != http.StatusForbidden {
			t.Errorf("response = %+v, want 403", resp)
		}
	})

	t.Run("unauthenticated", func(t *testing.T) {
		srv := feedServer(t, h, nil)
		_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/accounts/alice/transfers"), nil)
		if err == nil {
			t.Fatal("dial succeeded without credentials")
		}
		if resp == nil || resp.StatusCode != http.StatusForbidden {
			t.Errorf("response = %+v, want 403", resp)
		}
	})

	t.Run("admin allowed", func(t *testing.T) {
		srv := feedServer(t, h, &auth.Principal{Name: "root", Admin: true})
		conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/accounts/alice/transfers"), nil)
		if err != nil {
			t.Fatalf("dial as admin: %v", err)
		}
		conn.Close()
	})
}
