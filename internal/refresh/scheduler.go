// Package refresh periodically re-fetches every collection so the cache
// converges on server state even without realtime events.
package refresh

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/reqdesk/reqdesk/internal/app/metrics"
	"github.com/reqdesk/reqdesk/internal/domain"
	"github.com/reqdesk/reqdesk/internal/logging"
	"github.com/reqdesk/reqdesk/internal/store"
)

// DefaultSchedule is used when none is configured.
const DefaultSchedule = "@every 5m"

// Scheduler runs a full fetch of each collection on a cron schedule.
type Scheduler struct {
	schedule string
	syncers  []store.Syncer
	log      *logging.Logger
	cron     *cron.Cron

	mu      sync.Mutex
	cancel  context.CancelFunc
	entry   cron.EntryID
	running bool
}

// New creates a scheduler for syncers. An empty schedule means DefaultSchedule.
func New(schedule string, syncers []store.Syncer, log *logging.Logger) (*Scheduler, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("parse refresh schedule %q: %w", schedule, err)
	}
	if log == nil {
		log = logging.NewNop()
	}
	return &Scheduler{
		schedule: schedule,
		syncers:  syncers,
		log:      log.Named("refresh"),
		cron:     cron.New(),
	}, nil
}

// Schedule returns the cron spec in use.
func (s *Scheduler) Schedule() string {
	return s.schedule
}

// Start registers the job and starts the cron runner. Jobs run with a
// context derived from ctx that is cancelled by Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	jobCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	id, err := s.cron.AddFunc(s.schedule, func() { s.RunOnce(jobCtx) })
	if err != nil {
		s.cancel()
		return fmt.Errorf("schedule refresh: %w", err)
	}
	s.entry = id
	s.cron.Start()
	s.running = true

	s.log.WithContext(ctx).WithField("schedule", s.schedule).Info("Refresh scheduler started")
	return nil
}

// Stop cancels in-flight fetches and waits for running jobs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.cron.Remove(s.entry)
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.log.WithField("schedule", s.schedule).Info("Refresh scheduler stopped")
}

// RunOnce fetches every collection once and returns how many succeeded.
// A collection already loading is skipped by its own guard.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	ok := 0
	for _, c := range s.syncers {
		if ctx.Err() != nil {
			break
		}
		err := c.FetchAll(ctx, domain.ListParams{})
		metrics.RecordRefresh(string(c.Kind()), err == nil)
		if err != nil {
			s.log.WithContext(ctx).WithError(err).WithField("kind", c.Kind()).Warn("Scheduled refresh failed")
			continue
		}
		ok++
	}
	return ok
}
