package reports

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loupelabs/loupe/core/pkg/auth"
	"github.com/loupelabs/loupe/core/pkg/blueprints"
	"github.com/loupelabs/loupe/core/pkg/problem"
	"github.com/loupelabs/loupe/core/pkg/state"
)

var testClock = time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T) (*state.Store, *auth.Context) {
	t.Helper()
	st := state.NewStore(nil, nil).WithClock(func() time.Time { return testClock })
	bp, ok := blueprints.ByID(blueprints.DefaultID)
	require.True(t, ok)
	require.NoError(t, st.Update(func(d *state.Data) error {
		d.Tenants["t1"] = &state.Tenant{ID: "t1", Name: "Acme", Status: state.TenantActive}
		d.MetricDefs["t1"] = bp.Metrics
		d.InsertFact(&state.CanonicalFact{
			ID: "f1", TenantID: "t1", Domain: "marketing",
			MetricID: "revenue", Date: "2026-01-05", Value: 100, Source: "shopify",
		})
		d.InsertFact(&state.CanonicalFact{
			ID: "f2", TenantID: "t1", Domain: "marketing",
			MetricID: "revenue", Date: "2026-01-06", Value: 200, Source: "shopify",
		})
		return nil
	}))
	return st, &auth.Context{TenantID: "t1", UserID: "u1", Role: auth.RoleAdmin}
}

func TestGenerateDefaults(t *testing.T) {
	st, ac := newStore(t)

	result, err := Generate(st, ac, GenerateRequest{})
	require.NoError(t, err)

	r := result.Report
	assert.Equal(t, "Business report", r.Title)
	assert.Equal(t, "markdown", r.Format)
	assert.Equal(t, []string{"revenue", "profit", "spend"}, r.MetricIDs)
	assert.Contains(t, r.Body, "# Business report")
	assert.Contains(t, r.Body, "## KPI Snapshot")
	assert.Contains(t, r.Body, "- revenue: total=300, avg=300")
	assert.Contains(t, r.Summary, "revenue 300")
	assert.Empty(t, result.DeliveryEvents)

	err = st.View(func(d *state.Data) error {
		require.Len(t, d.Reports, 1)
		return nil
	})
	require.NoError(t, err)
}

func TestGenerateFormatValidation(t *testing.T) {
	st, ac := newStore(t)

	_, err := Generate(st, ac, GenerateRequest{Format: "docx"})
	assert.True(t, problem.IsKind(err, problem.KindBadRequest))

	for _, format := range []string{"pdf", "html", "markdown"} {
		result, err := Generate(st, ac, GenerateRequest{Format: format})
		require.NoError(t, err)
		assert.Equal(t, format, result.Report.Format)
	}

	_, err = Generate(st, &auth.Context{TenantID: "ghost", Role: auth.RoleAdmin}, GenerateRequest{})
	assert.True(t, problem.IsKind(err, problem.KindNotFound))
}

func TestGenerateUnknownMetricMarkedUnavailable(t *testing.T) {
	st, ac := newStore(t)

	result, err := Generate(st, ac, GenerateRequest{MetricIDs: []string{"ghost_metric"}})
	require.NoError(t, err)
	assert.Contains(t, result.Report.Body, "- ghost_metric: unavailable")
	assert.Equal(t, "no data", result.Report.Summary)
}

func TestGenerateIncludesLatestInsight(t *testing.T) {
	st, ac := newStore(t)
	require.NoError(t, st.Update(func(d *state.Data) error {
		d.Insights = append(d.Insights, &state.Insight{
			ID: "ins_1", TenantID: "t1", Confidence: 0.84,
			Summary:   "Revenue is trending up.",
			ActionIDs: []string{"act_1", "act_2"},
			CreatedAt: testClock,
		})
		return nil
	}))

	result, err := Generate(st, ac, GenerateRequest{MetricIDs: []string{"revenue"}})
	require.NoError(t, err)
	assert.Contains(t, result.Report.Body, "## Latest Insight")
	assert.Contains(t, result.Report.Body, "Revenue is trending up.")
	assert.Contains(t, result.Report.Body, "- confidence: 0.84")
	assert.Contains(t, result.Report.Body, "- recommended actions: 2")
}

func TestSkillAdapterOverridesSummary(t *testing.T) {
	st, ac := newStore(t)
	adapter := SkillAdapter()

	var reportID string
	require.NoError(t, st.Update(func(d *state.Data) error {
		id, err := adapter(d, testClock, ac.TenantID, "Finance Pulse report", "model summary", []string{"revenue"})
		if err != nil {
			return err
		}
		reportID = id
		return nil
	}))

	err := st.View(func(d *state.Data) error {
		r := d.ReportByID("t1", reportID)
		require.NotNil(t, r)
		assert.Equal(t, "Finance Pulse report", r.Title)
		assert.Equal(t, "model summary", r.Summary)
		return nil
	})
	require.NoError(t, err)
}

func TestListTypesSeedsPresets(t *testing.T) {
	st, ac := newStore(t)

	types, err := ListTypes(st, ac)
	require.NoError(t, err)
	require.Len(t, types, 2)
	assert.Equal(t, "Weekly Business Review", types[0].Name)
	assert.Equal(t, "pdf", types[0].DefaultFormat)
	assert.Equal(t, []string{ChannelEmail, ChannelSlack}, types[0].DefaultChannels)
	assert.Equal(t, "Monthly Finance Summary", types[1].Name)
	assert.Equal(t, "html", types[1].DefaultFormat)
	assert.NotEmpty(t, types[0].DeliveryTemplates[ChannelSlack])

	// Seeding is once per tenant.
	again, err := ListTypes(st, ac)
	require.NoError(t, err)
	assert.Len(t, again, 2)
}

func TestCreateAndPatchType(t *testing.T) {
	st, ac := newStore(t)

	_, err := CreateType(st, ac, TypeRequest{})
	assert.True(t, problem.IsKind(err, problem.KindBadRequest))
	_, err = CreateType(st, ac, TypeRequest{Name: "Ops Digest", DefaultFormat: "docx"})
	assert.True(t, problem.IsKind(err, problem.KindBadRequest))

	rt, err := CreateType(st, ac, TypeRequest{
		Name:              "Ops Digest",
		DefaultChannels:   []string{ChannelSlack},
		DeliveryTemplates: map[string]string{ChannelSlack: "{{reportTitle}} is ready"},
	})
	require.NoError(t, err)
	assert.Equal(t, "pdf", rt.DefaultFormat, "format defaults to pdf")
	assert.Equal(t, "{{reportTitle}} is ready", rt.DeliveryTemplates[ChannelSlack])
	assert.Equal(t, DefaultTemplates[ChannelEmail], rt.DeliveryTemplates[ChannelEmail], "missing channels fall back to defaults")

	patched, err := PatchType(st, ac, rt.ID, TypeRequest{DefaultFormat: "html", Schedule: "daily"})
	require.NoError(t, err)
	assert.Equal(t, "html", patched.DefaultFormat)
	assert.Equal(t, "daily", patched.Schedule)
	assert.Equal(t, "Ops Digest", patched.Name, "unset fields are left alone")

	_, err = PatchType(st, ac, rt.ID, TypeRequest{DefaultFormat: "docx"})
	assert.True(t, problem.IsKind(err, problem.KindBadRequest))
	_, err = PatchType(st, ac, "rtype_ghost", TypeRequest{Name: "x"})
	assert.True(t, problem.IsKind(err, problem.KindNotFound))
}

func TestPreviewTypeDoesNotPersist(t *testing.T) {
	st, ac := newStore(t)
	types, err := ListTypes(st, ac)
	require.NoError(t, err)

	preview, err := PreviewType(st, ac, types[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "Weekly Business Review", preview.Title)
	assert.Equal(t, "pdf", preview.Format)
	assert.Contains(t, preview.Body, "# Weekly Business Review")

	err = st.View(func(d *state.Data) error {
		assert.Empty(t, d.Reports)
		return nil
	})
	require.NoError(t, err)

	_, err = PreviewType(st, ac, "rtype_ghost")
	assert.True(t, problem.IsKind(err, problem.KindNotFound))
}

func TestDeliveryPreviewType(t *testing.T) {
	st, ac := newStore(t)
	types, err := ListTypes(st, ac)
	require.NoError(t, err)

	previews, err := DeliveryPreviewType(st, ac, types[0].ID)
	require.NoError(t, err)
	require.Len(t, previews, 2)

	assert.Equal(t, ChannelEmail, previews[0].Channel)
	assert.True(t, previews[0].Ready)
	assert.Contains(t, previews[0].Message, "Subject: Weekly Business Review")

	assert.Equal(t, ChannelSlack, previews[1].Channel)
	assert.False(t, previews[1].Ready)
	assert.Equal(t, ReasonSettingsMissing, previews[1].Reason)

	err = st.View(func(d *state.Data) error {
		assert.Empty(t, d.ChannelEvents, "previews do not record events")
		return nil
	})
	require.NoError(t, err)
}

func TestCreateSchedule(t *testing.T) {
	st, ac := newStore(t)

	_, err := CreateSchedule(st, ac, ScheduleRequest{IntervalMinutes: 30})
	assert.True(t, problem.IsKind(err, problem.KindBadRequest))

	sched, err := CreateSchedule(st, ac, ScheduleRequest{Name: "hourly kpis", IntervalMinutes: 60})
	require.NoError(t, err)
	assert.True(t, sched.Active)
	assert.Equal(t, 60, sched.IntervalMinutes)
	assert.Equal(t, testClock.Add(60*time.Minute), sched.NextRunAt)

	low, err := CreateSchedule(st, ac, ScheduleRequest{Name: "too fast", IntervalMinutes: 1})
	require.NoError(t, err)
	assert.Equal(t, 5, low.IntervalMinutes)

	high, err := CreateSchedule(st, ac, ScheduleRequest{Name: "too slow", IntervalMinutes: 10000})
	require.NoError(t, err)
	assert.Equal(t, 1440, high.IntervalMinutes)
}
