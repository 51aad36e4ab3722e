package scheduler

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loupelabs/loupe/core/pkg/state"
)

var baseClock = time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T, now *time.Time) *state.Store {
	t.Helper()
	st := state.NewStore(nil, nil).WithClock(func() time.Time { return *now })
	require.NoError(t, st.Update(func(d *state.Data) error {
		d.Tenants["t1"] = &state.Tenant{ID: "t1", Name: "Acme", Status: state.TenantActive}
		d.Schedules = append(d.Schedules, &state.ReportSchedule{
			ID:              "rsch_1",
			TenantID:        "t1",
			Name:            "hourly kpis",
			IntervalMinutes: 60,
			Active:          true,
			NextRunAt:       baseClock,
			CreatedAt:       baseClock.Add(-time.Hour),
		})
		return nil
	}))
	return st
}

func TestTickFiresDueScheduleOnce(t *testing.T) {
	now := baseClock
	st := newStore(t, &now)

	var fired int
	s := New(st, func(d *state.Data, at time.Time, schedule *state.ReportSchedule) error {
		fired++
		assert.Equal(t, "rsch_1", schedule.ID)
		return nil
	}, nil)

	s.Tick()
	assert.Equal(t, 1, fired)

	err := st.View(func(d *state.Data) error {
		schedule := d.Schedules[0]
		require.NotNil(t, schedule.LastRunAt)
		assert.Equal(t, baseClock, *schedule.LastRunAt, "last run records the scheduled time")
		assert.Equal(t, baseClock.Add(60*time.Minute), schedule.NextRunAt)
		return nil
	})
	require.NoError(t, err)

	// The same tick never fires twice, and the schedule is not due again
	// until its next slot.
	s.Tick()
	assert.Equal(t, 1, fired)

	now = baseClock.Add(61 * time.Minute)
	s.Tick()
	assert.Equal(t, 2, fired)
}

func TestTickSkipsConsumedTick(t *testing.T) {
	now := baseClock
	st := newStore(t, &now)
	require.NoError(t, st.Update(func(d *state.Data) error {
		// Simulate a pre-restart snapshot that already consumed the tick.
		d.ConsumeTick("rsch_1|" + baseClock.UTC().Format(time.RFC3339))
		return nil
	}))

	var fired int
	s := New(st, func(d *state.Data, at time.Time, schedule *state.ReportSchedule) error {
		fired++
		return nil
	}, nil)

	s.Tick()
	assert.Equal(t, 0, fired)
}

func TestTickIgnoresInactiveAndFutureSchedules(t *testing.T) {
	now := baseClock
	st := newStore(t, &now)
	require.NoError(t, st.Update(func(d *state.Data) error {
		d.Schedules[0].Active = false
		d.Schedules = append(d.Schedules, &state.ReportSchedule{
			ID: "rsch_2", TenantID: "t1", Name: "later", IntervalMinutes: 60,
			Active: true, NextRunAt: baseClock.Add(time.Hour),
		})
		return nil
	}))

	var fired int
	s := New(st, func(d *state.Data, at time.Time, schedule *state.ReportSchedule) error {
		fired++
		return nil
	}, nil)

	s.Tick()
	assert.Equal(t, 0, fired)
}

func TestTickSwallowsCallbackErrors(t *testing.T) {
	now := baseClock
	st := newStore(t, &now)

	var fired int
	s := New(st, func(d *state.Data, at time.Time, schedule *state.ReportSchedule) error {
		fired++
		return errors.New("boom")
	}, nil)

	s.Tick()
	assert.Equal(t, 1, fired)

	err := st.View(func(d *state.Data) error {
		schedule := d.Schedules[0]
		assert.Equal(t, baseClock.Add(60*time.Minute), schedule.NextRunAt,
			"a failing job still advances the schedule")
		require.NotNil(t, schedule.LastRunAt)
		return nil
	})
	require.NoError(t, err)

	// The failed tick stays consumed.
	s.Tick()
	assert.Equal(t, 1, fired)
}
