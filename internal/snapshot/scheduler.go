package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/web3-frozen/reserve-monitor/internal/lock"
	"github.com/web3-frozen/reserve-monitor/internal/metrics"
)

// DefaultInterval matches three samples per day.
const DefaultInterval = 8 * time.Hour

// Runner is satisfied by *Engine.
type Runner interface {
	Run(ctx context.Context) (*Result, error)
}

// Status is the scheduler state served to the dashboard.
type Status struct {
	Running              bool       `json:"is_running"`
	IntervalMinutes      int        `json:"refresh_interval_minutes"`
	LastRefresh          *time.Time `json:"last_refresh"`
	LastSuccess          *time.Time `json:"last_success"`
	LastTimestamp        string     `json:"last_ts_utc,omitempty"`
	LastError            string     `json:"last_error,omitempty"`
	NextRefreshInSeconds *int       `json:"next_refresh_in_seconds"`
}

// Scheduler calls a Runner immediately and then on every interval.
type Scheduler struct {
	runner   Runner
	interval time.Duration
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time

	mu          sync.Mutex
	running     bool
	lastRefresh time.Time
	lastSuccess time.Time
	lastTS      string
	lastErr     string
}

func NewScheduler(r Runner, interval time.Duration, n Notifier, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if n == nil {
		n = nopNotifier{}
	}
	return &Scheduler{runner: r, interval: interval, notifier: n, logger: logger, now: time.Now}
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	s.logger.Info("snapshot scheduler started", "interval", s.interval)
	s.tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("snapshot scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// Trigger runs one snapshot outside the schedule and records it in Status.
func (s *Scheduler) Trigger(ctx context.Context) (*Result, error) {
	return s.runOnce(ctx)
}

func (s *Scheduler) tick(ctx context.Context) {
	res, err := s.runOnce(ctx)
	switch {
	case errors.Is(err, lock.ErrHeld):
		return
	case err != nil:
		s.logger.Error("scheduled snapshot failed", "error", err)
		msg := fmt.Sprintf("🚨 Scheduled snapshot failed\n\n%v", err)
		if nerr := s.notifier.Notify(ctx, msg); nerr != nil {
			metrics.NotificationsFailedTotal.Inc()
			s.logger.Error("send failure alert", "error", nerr)
		}
	default:
		s.logger.Info("scheduled snapshot completed", "ts_utc", res.TSUTC)
	}
}

func (s *Scheduler) runOnce(ctx context.Context) (*Result, error) {
	res, err := s.runner.Run(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if errors.Is(err, lock.ErrHeld) {
		return nil, err
	}
	s.lastRefresh = s.now()
	if err != nil {
		s.lastErr = err.Error()
		return nil, err
	}
	s.lastErr = ""
	s.lastSuccess = s.lastRefresh
	s.lastTS = res.TSUTC
	return res, nil
}

// Status reports the scheduler state. NextRefreshInSeconds is nil before the
// first completed run.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Running:         s.running,
		IntervalMinutes: int(s.interval / time.Minute),
		LastTimestamp:   s.lastTS,
		LastError:       s.lastErr,
	}
	if !s.lastRefresh.IsZero() {
		t := s.lastRefresh
		st.LastRefresh = &t
		next := int(max(s.lastRefresh.Add(s.interval).Sub(s.now()), 0) / time.Second)
		st.NextRefreshInSeconds = &next
	}
	if !s.lastSuccess.IsZero() {
		t := s.lastSuccess
		st.LastSuccess = &t
	}
	return st
}
