package transfer

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// DefaultRescanInterval bounds how stale the deadline heap can get when
// update messages are dropped under pressure.
const DefaultRescanInterval = 30 * time.Second

// deadlineEntry is one tracked transfer deadline.
type deadlineEntry struct {
	id    string
	at    time.Time
	index int
}

// deadlineQueue is a min-heap ordered by expiry time.
type deadlineQueue []*deadlineEntry

func (q deadlineQueue) Len() int { return len(q) }

func (q deadlineQueue) Less(i, j int) bool { return q[i].at.Before(q[j].at) }

func (q deadlineQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *deadlineQueue) Push(x any) {
	entry := x.(*deadlineEntry)
	entry.index = len(*q)
	*q = append(*q, entry)
}

func (q *deadlineQueue) Pop() any {
	old := *q
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	entry.index = -1
	*q = old[:n-1]
	return entry
}

type deadlineUpdate struct {
	id     string
	at     time.Time
	forget bool
}

// Monitor expires transfers at their deadlines. A single worker owns the
// heap; writers hand updates over a bounded channel so they never block
// on the monitor. A periodic rescan reloads deadlines from the store,
// covering updates dropped when the channel was full.
type Monitor struct {
	service *Service
	logger  *slog.Logger
	updates chan deadlineUpdate
	rescan  time.Duration
	queue   deadlineQueue
	index   map[string]*deadlineEntry
	stop    chan struct{}
	running atomic.Bool
}

// NewMonitor creates an expiry monitor driving the given service.
func NewMonitor(service *Service, logger *slog.Logger, rescan time.Duration) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if rescan <= 0 {
		rescan = DefaultRescanInterval
	}
	return &Monitor{
		service: service,
		logger:  logger,
		updates: make(chan deadlineUpdate, 256),
		rescan:  rescan,
		index:   make(map[string]*deadlineEntry),
		stop:    make(chan struct{}),
	}
}

// Running reports whether the monitor loop is actively running.
func (m *Monitor) Running() bool {
	return m.running.Load()
}

// Track records or updates a transfer's deadline. Safe from any
// goroutine; drops the update if the monitor is saturated, relying on
// the rescan to catch up.
func (m *Monitor) Track(id string, at time.Time) {
	select {
	case m.updates <- deadlineUpdate{id: id, at: at}:
	default:
		m.logger.Warn("expiry monitor saturated, deferring to rescan", "transferId", id)
	}
}

// Forget drops a transfer from the heap, typically after it reached a
// terminal state.
func (m *Monitor) Forget(id string) {
	select {
	case m.updates <- deadlineUpdate{id: id, forget: true}:
	default:
	}
}

// Start runs the expiry loop. Call in a goroutine; returns when ctx is
// done or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	m.running.Store(true)
	defer m.running.Store(false)

	m.reload(ctx)

	rescan := time.NewTicker(m.rescan)
	defer rescan.Stop()

	for {
		timer := time.NewTimer(m.untilNext())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-m.stop:
			timer.Stop()
			return
		case update := <-m.updates:
			m.apply(update)
		case <-rescan.C:
			m.reload(ctx)
		case <-timer.C:
			m.safeExpireDue(ctx)
		}
		timer.Stop()
	}
}

// Stop signals the monitor to stop.
func (m *Monitor) Stop() {
	select {
	case m.stop <- struct{}{}:
	default:
	}
}

// untilNext is the sleep until the earliest deadline, clamped to the
// rescan interval so an empty heap still wakes periodically.
func (m *Monitor) untilNext() time.Duration {
	if len(m.queue) == 0 {
		return m.rescan
	}
	wait := time.Until(m.queue[0].at)
	if wait < 0 {
		return 0
	}
	if wait > m.rescan {
		return m.rescan
	}
	return wait
}

func (m *Monitor) apply(update deadlineUpdate) {
	entry, tracked := m.index[update.id]
	switch {
	case update.forget:
		if tracked {
			heap.Remove(&m.queue, entry.index)
			delete(m.index, update.id)
		}
	case tracked:
		entry.at = update.at
		heap.Fix(&m.queue, entry.index)
	default:
		entry = &deadlineEntry{id: update.id, at: update.at}
		heap.Push(&m.queue, entry)
		m.index[update.id] = entry
	}
	ExpiryQueueDepth.Set(float64(len(m.queue)))
}

func (m *Monitor) safeExpireDue(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("panic in expiry monitor", "panic", fmt.Sprint(r))
		}
	}()
	m.expireDue(ctx)
}

func (m *Monitor) expireDue(ctx context.Context) {
	now := time.Now()
	for len(m.queue) > 0 && !m.queue[0].at.After(now) {
		entry := heap.Pop(&m.queue).(*deadlineEntry)
		delete(m.index, entry.id)

		expired, err := m.service.AutoExpire(ctx, entry.id)
		if err != nil {
			m.logger.Warn("failed to expire transfer",
				"transferId", entry.id, "error", err)
			continue
		}
		if expired {
			m.logger.Info("expired transfer", "transferId", entry.id)
		}
	}
	ExpiryQueueDepth.Set(float64(len(m.queue)))
}

// reload rebuilds the heap from the store. Runs at startup and on every
// rescan tick; existing entries are updated in place.
func (m *Monitor) reload(ctx context.Context) {
	deadlines, err := m.service.DeadlineScan(ctx)
	if err != nil {
		m.logger.Warn("failed to scan transfer deadlines", "error", err)
		return
	}
	for id, at := range deadlines {
		m.apply(deadlineUpdate{id: id, at: at})
	}
}
