package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"tallyd/internal/idgen"
	"tallyd/internal/store"
	"tallyd/internal/traces"
)

const (
	// DefaultPollInterval paces the queue scan when no work is ready.
	DefaultPollInterval = time.Second
	// claimStaleAfter bounds how long a crashed worker's claim keeps a
	// notification out of the queue before it may be reclaimed.
	claimStaleAfter = time.Minute

	backoffBase = time.Second
)

// WorkerConfig sizes the delivery pool.
type WorkerConfig struct {
	Workers     int           // concurrent delivery goroutines
	MaxAttempts int           // abandon threshold
	Timeout     time.Duration // per-attempt HTTP timeout
	BackoffCap  time.Duration // ceiling for retry backoff
	Poll        time.Duration // queue poll interval
}

// Worker drains the notification queue: claim pending entries, POST the
// transfer snapshot to the subscription target, settle the outcome.
// Claims are compare-and-set transitions pending to delivering inside a
// store transaction, so any number of workers can share one queue.
type Worker struct {
	service *Service
	logger  *slog.Logger
	client  *http.Client
	cfg     WorkerConfig

	stop    chan struct{}
	running atomic.Bool
}

// NewWorker creates a delivery pool over the service's store.
func NewWorker(service *Service, logger *slog.Logger, cfg WorkerConfig) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 60 * time.Second
	}
	if cfg.Poll <= 0 {
		cfg.Poll = DefaultPollInterval
	}
	return &Worker{
		service: service,
		logger:  logger,
		client:  &http.Client{Timeout: cfg.Timeout},
		cfg:     cfg,
		stop:    make(chan struct{}, 1),
	}
}

// Running reports whether the pool is active.
func (w *Worker) Running() bool {
	return w.running.Load()
}

// Start runs the pool until the context is cancelled or Stop is called.
func (w *Worker) Start(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.run(ctx)
		}()
	}
	wg.Wait()
}

// Stop signals the pool to stop.
func (w *Worker) Stop() {
	select {
	case w.stop <- struct{}{}:
	default:
	}
}

func (w *Worker) run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.safeDrain(ctx)
		}
	}
}

func (w *Worker) safeDrain(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in notification worker", "panic", fmt.Sprint(r))
		}
	}()
	w.drain(ctx)
}

// drain claims and delivers until no notification is ready.
func (w *Worker) drain(ctx context.Context) {
	for ctx.Err() == nil {
		n, err := w.claim(ctx)
		if err != nil {
			w.logger.Warn("failed to claim notification", "error", err)
			return
		}
		if n == nil {
			return
		}
		w.attempt(ctx, n)
	}
}

// claim picks the oldest ready notification and marks it delivering with
// a fresh claim token. Returns nil when the queue has nothing ready.
func (w *Worker) claim(ctx context.Context) (*Notification, error) {
	var claimed *Notification
	err := store.RunInTransaction(ctx, w.service.store, func(tx store.Tx) error {
		claimed = nil
		now := time.Now().UTC()
		records, err := tx.List(store.Path{"notifications"})
		if err != nil {
			return err
		}
		var due []*Notification
		for _, rec := range records {
			var n Notification
			if err := json.Unmarshal(rec.Value, &n); err != nil {
				continue
			}
			switch {
			case n.State == DeliveryPending && !n.NextAttemptAt.After(now):
				due = append(due, &n)
			case n.State == DeliveryDelivering && n.UpdatedAt.Before(now.Add(-claimStaleAfter)):
				// A crashed worker's claim; safe to take over.
				due = append(due, &n)
			}
		}
		if len(due) == 0 {
			return nil
		}
		sort.Slice(due, func(i, j int) bool {
			if !due[i].CreatedAt.Equal(due[j].CreatedAt) {
				return due[i].CreatedAt.Before(due[j].CreatedAt)
			}
			return due[i].ID < due[j].ID
		})
		n := due[0]
		n.State = DeliveryDelivering
		n.ClaimToken = idgen.WithPrefix("clm_")
		n.UpdatedAt = now
		if err := tx.Put(NotificationPath(n.ID), n); err != nil {
			return err
		}
		claimed = n
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (w *Worker) attempt(ctx context.Context, n *Notification) {
	ctx, span := traces.StartSpan(ctx, "notify.Deliver",
		traces.NotificationID(n.ID), traces.SubscriptionID(n.SubscriptionID))
	defer span.End()

	deliveryErr := w.deliver(ctx, n)
	if deliveryErr != nil {
		span.RecordError(deliveryErr)
	}
	if err := w.settle(ctx, n, deliveryErr); err != nil {
		w.logger.Warn("failed to settle notification",
			"notificationId", n.ID, "error", err)
	}
}

// deliver POSTs the snapshot to the subscription's target.
func (w *Worker) deliver(ctx context.Context, n *Notification) error {
	sub, err := w.service.GetSubscription(ctx, n.SubscriptionID)
	if err != nil {
		return fmt.Errorf("resolve subscription: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.TargetURI, bytes.NewReader(n.Snapshot))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tallyd-Event", n.Event)
	if sub.Secret != "" {
		req.Header.Set("X-Tallyd-Signature", sign(n.Snapshot, sub.Secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("target responded %d", resp.StatusCode)
	}
	return nil
}

// settle records the attempt's outcome, fenced by the claim token so a
// reclaimed notification is left alone.
func (w *Worker) settle(ctx context.Context, claimed *Notification, deliveryErr error) error {
	var (
		result   string
		attempts int
	)
	err := store.RunInTransaction(ctx, w.service.store, func(tx store.Tx) error {
		result = ""
		var n Notification
		if err := tx.Get(NotificationPath(claimed.ID), &n); err != nil {
			return err
		}
		if n.ClaimToken != claimed.ClaimToken {
			return nil
		}
		now := time.Now().UTC()
		n.Attempts++
		n.ClaimToken = ""
		n.UpdatedAt = now
		attempts = n.Attempts
		switch {
		case deliveryErr == nil:
			n.State = DeliveryDelivered
			n.LastError = ""
			result = "delivered"
		case errors.Is(deliveryErr, ErrNotFound) || n.Attempts >= w.cfg.MaxAttempts:
			// The subscription is gone or the budget is spent.
			n.State = DeliveryAbandoned
			n.LastError = deliveryErr.Error()
			result = "abandoned"
		default:
			n.State = DeliveryPending
			n.NextAttemptAt = now.Add(w.backoff(n.Attempts))
			n.LastError = deliveryErr.Error()
			result = "failed"
		}
		return tx.Put(NotificationPath(n.ID), &n)
	})
	if err != nil || result == "" {
		return err
	}
	DeliveriesTotal.WithLabelValues(result).Inc()
	switch result {
	case "delivered":
		w.logger.Info("notification delivered",
			"notificationId", claimed.ID, "attempts", attempts)
	case "abandoned":
		w.logger.Warn("notification abandoned",
			"notificationId", claimed.ID, "attempts", attempts, "error", deliveryErr)
	}
	return nil
}

// backoff doubles from one second per prior attempt, capped.
func (w *Worker) backoff(attempts int) time.Duration {
	d := backoffBase
	for i := 1; i < attempts && d < w.cfg.BackoffCap; i++ {
		d *= 2
	}
	if d > w.cfg.BackoffCap {
		return w.cfg.BackoffCap
	}
	return d
}

func sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
