package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// DefaultInterval spaces periodic sweeps.
const DefaultInterval = 5 * time.Minute

// Sweeper periodically runs conservation checks.
type Sweeper struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewSweeper creates a sweeper driving the given service.
func NewSweeper(service *Service, logger *slog.Logger, interval time.Duration) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sweeper{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}, 1),
	}
}

// Running reports whether the sweep loop is active.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start begins the periodic sweep loop. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	// One pass at startup so the drift gauge is live before the first tick.
	s.safeCheck(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeCheck(ctx)
		}
	}
}

// Stop signals the sweeper to stop.
func (s *Sweeper) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Sweeper) safeCheck(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in conservation sweep", "panic", fmt.Sprint(r))
		}
	}()

	if _, err := s.service.Check(ctx); err != nil {
		s.logger.Warn("conservation sweep failed", "error", err)
	}
}
