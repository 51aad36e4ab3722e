package reports

import (
	"time"

	"github.com/loupelabs/loupe/core/pkg/audit"
	"github.com/loupelabs/loupe/core/pkg/auth"
	"github.com/loupelabs/loupe/core/pkg/problem"
	"github.com/loupelabs/loupe/core/pkg/state"
)

const (
	minIntervalMinutes = 5
	maxIntervalMinutes = 1440
)

// ScheduleRequest creates a periodic report schedule.
type ScheduleRequest struct {
	Name            string   `json:"name"`
	MetricIDs       []string `json:"metricIds,omitempty"`
	Channels        []string `json:"channels,omitempty"`
	Format          string   `json:"format,omitempty"`
	IntervalMinutes int      `json:"intervalMinutes"`
}

// CreateSchedule registers a schedule. The interval is clamped to
// [5, 1440] minutes and the first fire is one interval from now.
func CreateSchedule(st *state.Store, ac *auth.Context, req ScheduleRequest) (*state.ReportSchedule, error) {
	if req.Name == "" {
		return nil, problem.BadRequest("name is required")
	}
	interval := req.IntervalMinutes
	if interval < minIntervalMinutes {
		interval = minIntervalMinutes
	}
	if interval > maxIntervalMinutes {
		interval = maxIntervalMinutes
	}
	var schedule *state.ReportSchedule
	err := st.Update(func(d *state.Data) error {
		if d.TenantByID(ac.TenantID) == nil {
			return problem.NotFound("unknown tenant %q", ac.TenantID)
		}
		now := st.Now()
		schedule = &state.ReportSchedule{
			ID:              state.NewID("rsch"),
			TenantID:        ac.TenantID,
			Name:            req.Name,
			MetricIDs:       req.MetricIDs,
			Channels:        req.Channels,
			Format:          req.Format,
			IntervalMinutes: interval,
			Active:          true,
			NextRunAt:       now.Add(time.Duration(interval) * time.Minute),
			CreatedAt:       now,
		}
		d.Schedules = append(d.Schedules, schedule)
		audit.Record(d, ac, now, "reports.schedule.create", map[string]any{
			"scheduleId":      schedule.ID,
			"intervalMinutes": interval,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return schedule, nil
}
