// Package scheduler fires report schedules on a coarse ticker with
// exactly-once semantics per scheduled tick. The consumed-tick set is
// part of the persisted snapshot, so a restart cannot re-fire a tick.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loupelabs/loupe/core/pkg/state"
)

const tickInterval = 4 * time.Second

// Callback runs one due schedule inside the store's critical section.
// Errors are logged and swallowed; the tick stays consumed either way so
// a crashing job cannot monopolize the scheduler.
type Callback func(d *state.Data, now time.Time, schedule *state.ReportSchedule) error

// Scheduler drives the periodic dispatch loop.
type Scheduler struct {
	store    *state.Store
	callback Callback
	logger   *slog.Logger
}

// New builds a scheduler.
func New(st *state.Store, callback Callback, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    st,
		callback: callback,
		logger:   logger.With("component", "scheduler"),
	}
}

// Run ticks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Tick fires every due schedule at most once per scheduled time. Exposed
// for tests and for manual dispatch.
func (s *Scheduler) Tick() {
	err := s.store.Update(func(d *state.Data) error {
		now := s.store.Now()
		for _, schedule := range d.SchedulesDue(now) {
			key := tickKey(schedule)
			if !d.ConsumeTick(key) {
				continue
			}
			if err := s.callback(d, now, schedule); err != nil {
				s.logger.Error("schedule callback failed",
					"scheduleId", schedule.ID,
					"tenantId", schedule.TenantID,
					"error", err)
			}
			fired := schedule.NextRunAt
			schedule.LastRunAt = &fired
			schedule.NextRunAt = now.Add(time.Duration(schedule.IntervalMinutes) * time.Minute)
		}
		return nil
	})
	if err != nil {
		s.logger.Error("scheduler tick failed", "error", err)
	}
}

func tickKey(schedule *state.ReportSchedule) string {
	return fmt.Sprintf("%s|%s", schedule.ID, schedule.NextRunAt.UTC().Format(time.RFC3339))
}
