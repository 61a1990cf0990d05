package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"tallyd/internal/store"
)

const (
	noteID  = "5c1d2e3f-4a5b-4c6d-8e9f-0a1b2c3d4e5f"
	noteID2 = "6d2e3f4a-5b6c-4d7e-9f0a-1b2c3d4e5f6a"
	noteID3 = "7e3f4a5b-6c7d-4e8f-a0b1-2c3d4e5f6a7b"
)

type received struct {
	body        []byte
	event       string
	signature   string
	contentType string
}

// target runs an HTTP endpoint answering successive requests with the
// given status codes, repeating the last one.
func target(t *testing.T, codes ...int) (*httptest.Server, func() []received) {
	t.Helper()
	var mu sync.Mutex
	var got []received
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		idx := len(got)
		got = append(got, received{
			body:        body,
			event:       r.Header.Get("X-Tallyd-Event"),
			signature:   r.Header.Get("X-Tallyd-Signature"),
			contentType: r.Header.Get("Content-Type"),
		})
		mu.Unlock()
		w.WriteHeader(codes[min(idx, len(codes)-1)])
	}))
	t.Cleanup(srv.Close)
	return srv, func() []received {
		mu.Lock()
		defer mu.Unlock()
		out := make([]received, len(got))
		copy(out, got)
		return out
	}
}

// plantNote writes a notification directly, filling queue-ready defaults.
func plantNote(t *testing.T, f *fixture, n *Notification) {
	t.Helper()
	now := time.Now().UTC()
	if n.Event == "" {
		n.Event = EventTransferUpdate
	}
	if n.State == "" {
		n.State = DeliveryPending
	}
	if n.TransferID == "" {
		n.TransferID = transferID
	}
	if len(n.Snapshot) == 0 {
		n.Snapshot = json.RawMessage(`{"state":"completed"}`)
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	if n.UpdatedAt.IsZero() {
		n.UpdatedAt = now
	}
	if n.NextAttemptAt.IsZero() {
		n.NextAttemptAt = now.Add(-time.Second)
	}
	if err := f.store.Put(context.Background(), NotificationPath(n.ID), n); err != nil {
		t.Fatalf("plant notification: %v", err)
	}
}

func plantSubscription(t *testing.T, f *fixture, sub *Subscription) {
	t.Helper()
	ctx := context.Background()
	if err := f.store.Put(ctx, SubscriptionPath(sub.Owner, sub.ID), sub); err != nil {
		t.Fatalf("plant subscription: %v", err)
	}
	if err := f.store.Put(ctx, indexPath(sub.ID), subscriptionIndex{Owner: sub.Owner}); err != nil {
		t.Fatalf("plant index: %v", err)
	}
}

func (f *fixture) readNotification(t *testing.T, id string) *Notification {
	t.Helper()
	var n Notification
	if err := f.store.Get(context.Background(), NotificationPath(id), &n); err != nil {
		t.Fatalf("read notification %s: %v", id, err)
	}
	return &n
}

// rewind makes a notification due again without waiting out the backoff.
func (f *fixture) rewind(t *testing.T, id string) {
	t.Helper()
	err := store.RunInTransaction(context.Background(), f.store, func(tx store.Tx) error {
		var n Notification
		if err := tx.Get(NotificationPath(id), &n); err != nil {
			return err
		}
		n.NextAttemptAt = time.Now().UTC().Add(-time.Second)
		return tx.Put(NotificationPath(id), &n)
	})
	if err != nil {
		t.Fatalf("rewind %s: %v", id, err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestWorker_DeliversAndSigns(t *testing.T) {
	f := newFixture(t)
	srv, got := target(t, http.StatusOK)
	f.subscribeTo(t, "alice", subID, srv.URL, "s3cret")
	plantNote(t, f, &Notification{ID: noteID, SubscriptionID: subID, Snapshot: json.RawMessage(`{"id":"x","state":"completed"}`)})

	w := NewWorker(f.svc, testLogger(), WorkerConfig{})
	w.drain(context.Background())

	reqs := got()
	if len(reqs) != 1 {
		t.Fatalf("target saw %d requests, want 1", len(reqs))
	}
	r := reqs[0]
	if r.event != EventTransferUpdate {
		t.Errorf("X-Tallyd-Event = %q", r.event)
	}
	if r.contentType != "application/json" {
		t.Errorf("Content-Type = %q", r.contentType)
	}
	if string(r.body) != `{"id":"x","state":"completed"}` {
		t.Errorf("body = %s", r.body)
	}
	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(r.body)
	if want := hex.EncodeToString(mac.Sum(nil)); r.signature != want {
		t.Errorf("X-Tallyd-Signature = %q, want %q", r.signature, want)
	}

	n := f.readNotification(t, noteID)
	if n.State != DeliveryDelivered {
		t.Errorf("state = %s, want delivered", n.State)
	}
	if n.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", n.Attempts)
	}
	if n.ClaimToken != "" {
		t.Error("claim token not cleared after delivery")
	}
}

func TestWorker_UnsignedWithoutSecret(t *testing.T) {
	f := newFixture(t)
	srv, got := target(t, http.StatusOK)
	plantSubscription(t, f, &Subscription{
		ID:        subID,
		Owner:     "alice",
		Event:     EventTransferUpdate,
		TargetURI: srv.URL,
	})
	plantNote(t, f, &Notification{ID: noteID, SubscriptionID: subID})

	NewWorker(f.svc, testLogger(), WorkerConfig{}).drain(context.Background())

	reqs := got()
	if len(reqs) != 1 {
		t.Fatalf("target saw %d requests, want 1", len(reqs))
	}
	if reqs[0].signature != "" {
		t.Errorf("unexpected signature %q on a secretless subscription", reqs[0].signature)
	}
}

func TestWorker_RetriesWithBackoff(t *testing.T) {
	f := newFixture(t)
	srv, got := target(t, http.StatusInternalServerError, http.StatusInternalServerError, http.StatusOK)
	f.subscribeTo(t, "alice", subID, srv.URL, "")
	plantNote(t, f, &Notification{ID: noteID, SubscriptionID: subID})

	w := NewWorker(f.svc, testLogger(), WorkerConfig{MaxAttempts: 5})

	w.drain(context.Background())
	n := f.readNotification(t, noteID)
	if n.State != DeliveryPending || n.Attempts != 1 {
		t.Fatalf("after first attempt: state=%s attempts=%d", n.State, n.Attempts)
	}
	if !strings.Contains(n.LastError, "500") {
		t.Errorf("last_error = %q", n.LastError)
	}
	if !n.NextAttemptAt.After(time.Now()) {
		t.Error("failed attempt not pushed into the future")
	}

	// Not due yet, so a second drain finds nothing.
	w.drain(context.Background())
	if len(got()) != 1 {
		t.Fatalf("backoff not honored, target saw %d requests", len(got()))
	}

	f.rewind(t, noteID)
	w.drain(context.Background())
	if n := f.readNotification(t, noteID); n.State != DeliveryPending || n.Attempts != 2 {
		t.Fatalf("after second attempt: state=%s attempts=%d", n.State, n.Attempts)
	}

	f.rewind(t, noteID)
	w.drain(context.Background())
	n = f.readNotification(t, noteID)
	if n.State != DeliveryDelivered || n.Attempts != 3 {
		t.Fatalf("after third attempt: state=%s attempts=%d", n.State, n.Attempts)
	}
	if n.LastError != "" {
		t.Errorf("last_error survived delivery: %q", n.LastError)
	}
	if len(got()) != 3 {
		t.Errorf("target saw %d requests, want 3", len(got()))
	}
}

func TestWorker_AbandonsAfterMaxAttempts(t *testing.T) {
	f := newFixture(t)
	srv, got := target(t, http.StatusInternalServerError)
	f.subscribeTo(t, "alice", subID, srv.URL, "")
	plantNote(t, f, &Notification{ID: noteID, SubscriptionID: subID})

	w := NewWorker(f.svc, testLogger(), WorkerConfig{MaxAttempts: 2})

	w.drain(context.Background())
	f.rewind(t, noteID)
	w.drain(context.Background())

	n := f.readNotification(t, noteID)
	if n.State != DeliveryAbandoned || n.Attempts != 2 {
		t.Fatalf("state=%s attempts=%d, want abandoned after 2", n.State, n.Attempts)
	}
	if n.LastError == "" {
		t.Error("abandoned without a recorded error")
	}

	// Terminal; further drains must leave it alone.
	f.rewind(t, noteID)
	w.drain(context.Background())
	if len(got()) != 2 {
		t.Errorf("target saw %d requests, want 2", len(got()))
	}
}

func TestWorker_AbandonsWhenSubscriptionMissing(t *testing.T) {
	f := newFixture(t)
	plantNote(t, f, &Notification{ID: noteID, SubscriptionID: subID})

	NewWorker(f.svc, testLogger(), WorkerConfig{MaxAttempts: 10}).drain(context.Background())

	n := f.readNotification(t, noteID)
	if n.State != DeliveryAbandoned {
		t.Fatalf("state = %s, want abandoned on the first attempt", n.State)
	}
	if n.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", n.Attempts)
	}
	if !strings.Contains(n.LastError, "not found") {
		t.Errorf("last_error = %q", n.LastError)
	}
}

func TestWorker_ClaimsOldestFirst(t *testing.T) {
	f := newFixture(t)
	srv, got := target(t, http.StatusOK)
	f.subscribeTo(t, "alice", subID, srv.URL, "")

	now := time.Now().UTC()
	plantNote(t, f, &Notification{ID: noteID2, SubscriptionID: subID, Snapshot: json.RawMessage(`{"seq":2}`), CreatedAt: now.Add(-2 * time.Second)})
	plantNote(t, f, &Notification{ID: noteID3, SubscriptionID: subID, Snapshot: json.RawMessage(`{"seq":3}`), CreatedAt: now.Add(-1 * time.Second)})
	plantNote(t, f, &Notification{ID: noteID, SubscriptionID: subID, Snapshot: json.RawMessage(`{"seq":1}`), CreatedAt: now.Add(-3 * time.Second)})

	NewWorker(f.svc, testLogger(), WorkerConfig{}).drain(context.Background())

	reqs := got()
	if len(reqs) != 3 {
		t.Fatalf("target saw %d requests, want 3", len(reqs))
	}
	for i, want := range []string{`{"seq":1}`, `{"seq":2}`, `{"seq":3}`} {
		if string(reqs[i].body) != want {
			t.Errorf("delivery %d = %s, want %s", i, reqs[i].body, want)
		}
	}
}

func TestWorker_ClaimTokenFencing(t *testing.T) {
	f := newFixture(t)
	f.subscribeTo(t, "alice", subID, "http://callback.test/hook", "")
	plantNote(t, f, &Notification{ID: noteID, SubscriptionID: subID})

	w := NewWorker(f.svc, testLogger(), WorkerConfig{})
	claimed, err := w.claim(context.Background())
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil {
		t.Fatal("nothing claimed")
	}

	// Another worker reclaims it while ours is stalled.
	err = store.RunInTransaction(context.Background(), f.store, func(tx store.Tx) error {
		var n Notification
		if err := tx.Get(NotificationPath(noteID), &n); err != nil {
			return err
		}
		n.ClaimToken = "clm_other"
		n.UpdatedAt = time.Now().UTC()
		return tx.Put(NotificationPath(noteID), &n)
	})
	if err != nil {
		t.Fatalf("hijack claim: %v", err)
	}

	if err := w.settle(context.Background(), claimed, nil); err != nil {
		t.Fatalf("settle: %v", err)
	}

	n := f.readNotification(t, noteID)
	if n.State != DeliveryDelivering || n.ClaimToken != "clm_other" || n.Attempts != 0 {
		t.Errorf("stale settle touched the record: %+v", n)
	}
}

func TestWorker_ReclaimsStaleClaim(t *testing.T) {
	f := newFixture(t)
	srv, got := target(t, http.StatusOK)
	f.subscribeTo(t, "alice", subID, srv.URL, "")
	plantNote(t, f, &Notification{
		ID:             noteID,
		SubscriptionID: subID,
		State:          DeliveryDelivering,
		ClaimToken:     "clm_dead",
		UpdatedAt:      time.Now().UTC().Add(-2 * time.Minute),
	})

	NewWorker(f.svc, testLogger(), WorkerConfig{}).drain(context.Background())

	if len(got()) != 1 {
		t.Fatalf("target saw %d requests, want 1", len(got()))
	}
	if n := f.readNotification(t, noteID); n.State != DeliveryDelivered {
		t.Errorf("state = %s, want delivered after reclaim", n.State)
	}
}

func TestWorker_StartStop(t *testing.T) {
	f := newFixture(t)
	srv, got := target(t, http.StatusOK)
	f.subscribeTo(t, "alice", subID, srv.URL, "")
	plantNote(t, f, &Notification{ID: noteID, SubscriptionID: subID})

	w := NewWorker(f.svc, testLogger(), WorkerConfig{Workers: 2, Poll: 10 * time.Millisecond})
	done := make(chan struct{})
	go func() {
		w.Start(context.Background())
		close(done)
	}()

	waitFor(t, 2*time.Second, func() bool {
		return f.readNotification(t, noteID).State == DeliveryDelivered
	})
	if len(got()) != 1 {
		t.Errorf("target saw %d requests, want exactly 1 across the pool", len(got()))
	}

	w.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
	if w.Running() {
		t.Error("running after stop")
	}
}

func TestWorker_Backoff(t *testing.T) {
	w := NewWorker(NewService(store.NewMemoryStore(), testLogger()), testLogger(), WorkerConfig{})
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 32 * time.Second},
		{7, 60 * time.Second},
		{20, 60 * time.Second},
	}
	for _, tc := range cases {
		if got := w.backoff(tc.attempts); got != tc.want {
			t.Errorf("backoff(%d) = %s, want %s", tc.attempts, got, tc.want)
		}
	}
}
