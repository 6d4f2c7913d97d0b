package cleanup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/psantana5/resident/pkg/events"
	"github.com/psantana5/resident/pkg/logging"
)

// Config defines the retention policy for finished tasks
type Config struct {
	Enabled   bool
	Retention time.Duration
	Interval  time.Duration
}

// DefaultConfig returns sensible defaults for cleanup
func DefaultConfig() Config {
	return Config{
		Enabled:   true,
		Retention: 7 * 24 * time.Hour,
		Interval:  time.Hour,
	}
}

// Store is the task store operation the sweeper needs
type Store interface {
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Stats tracks cleanup runs
type Stats struct {
	LastCleanupTime     time.Time     `json:"last_cleanup_time"`
	LastCleanupDuration time.Duration `json:"last_cleanup_duration"`
	TotalTasksDeleted   int64         `json:"total_tasks_deleted"`
	Runs                int64         `json:"runs"`
}

// Sweeper deletes finished tasks past retention. It runs on worker ticks,
// at most once per interval.
type Sweeper struct {
	config Config
	store  Store
	logger *logging.Logger
	now    func() time.Time

	mu      sync.Mutex
	lastRun time.Time
	stats   Stats
}

// NewSweeper creates a sweeper over store
func NewSweeper(config Config, store Store, logger *logging.Logger) *Sweeper {
	return &Sweeper{
		config: config,
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Register runs the sweeper on every TickReceived dispatched through bus
func (s *Sweeper) Register(bus *events.Bus) {
	if !s.config.Enabled {
		s.logger.Info("[Cleanup] Task cleanup disabled")
		return
	}

	s.logger.Info("[Cleanup] Task cleanup enabled", map[string]interface{}{
		"retention": s.config.Retention.String(),
		"interval":  s.config.Interval.String(),
	})

	events.Listen(bus, func(ctx context.Context, e events.TickReceived) error {
		if !s.due() {
			return nil
		}
		if _, err := s.CleanupNow(ctx); err != nil {
			return fmt.Errorf("task cleanup failed: %w", err)
		}
		return nil
	})
}

// due claims the next run. Workers share the sweeper, so only the first
// tick of an interval wins.
func (s *Sweeper) due() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if !s.lastRun.IsZero() && now.Sub(s.lastRun) < s.config.Interval {
		return false
	}
	s.lastRun = now
	return true
}

// CleanupNow deletes completed and failed tasks that finished before the
// retention window
func (s *Sweeper) CleanupNow(ctx context.Context) (int, error) {
	start := s.now()
	cutoff := start.Add(-s.config.Retention)

	deleted, err := s.store.DeleteFinishedBefore(ctx, cutoff)

	s.mu.Lock()
	s.stats.LastCleanupTime = start
	s.stats.Runs++
	if err == nil {
		s.stats.LastCleanupDuration = s.now().Sub(start)
		s.stats.TotalTasksDeleted += int64(deleted)
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("[Cleanup] Error cleaning finished tasks", map[string]interface{}{
			"error": err.Error(),
		})
		return 0, err
	}

	if deleted > 0 {
		s.logger.Info("[Cleanup] Task cleanup complete", map[string]interface{}{
			"deleted": deleted,
			"cutoff":  cutoff.UTC().Format(time.RFC3339),
		})
	}
	return deleted, nil
}

// GetStats returns current cleanup statistics
func (s *Sweeper) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
