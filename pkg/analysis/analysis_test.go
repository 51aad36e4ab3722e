package analysis

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loupelabs/loupe/core/pkg/auth"
	"github.com/loupelabs/loupe/core/pkg/persist"
	"github.com/loupelabs/loupe/core/pkg/problem"
	"github.com/loupelabs/loupe/core/pkg/reports"
	"github.com/loupelabs/loupe/core/pkg/settings"
	"github.com/loupelabs/loupe/core/pkg/skills"
	"github.com/loupelabs/loupe/core/pkg/sources"
	"github.com/loupelabs/loupe/core/pkg/state"
)

var testClock = time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store     *state.Store
	ac        *auth.Context
	orch      *Orchestrator
	connID    string
	profileID string
	typeID    string
}

// newFixture wires the real components end to end: a tenant with default
// policies, an ingest connection, the preset profiles and report types.
func newFixture(t *testing.T) *fixture {
	return newFixtureWithPersister(t, nil)
}

func newFixtureWithPersister(t *testing.T, p state.Persister) *fixture {
	t.Helper()
	st := state.NewStore(p, nil).WithClock(func() time.Time { return testClock })
	admin := &auth.Context{UserID: "u1", Role: auth.RoleAdmin}

	tenant, err := settings.CreateTenant(st, admin, settings.CreateTenantRequest{Name: "Acme"})
	require.NoError(t, err)
	ac := &auth.Context{TenantID: tenant.ID, UserID: "u1", Role: auth.RoleAdmin}

	conn, err := sources.CreateConnection(st, ac, sources.CreateRequest{SourceType: "google_ads", Mode: "ingest"})
	require.NoError(t, err)

	profiles, err := settings.ListProfiles(st, ac)
	require.NoError(t, err)
	types, err := reports.ListTypes(st, ac)
	require.NoError(t, err)

	runtime := skills.NewRuntime(st, skills.Adapters{GenerateReport: reports.SkillAdapter()})
	orch := NewOrchestrator(st, DefaultAdapters(runtime))

	return &fixture{
		store:     st,
		ac:        ac,
		orch:      orch,
		connID:    conn.ID,
		profileID: profiles[0].ID,
		typeID:    types[0].ID,
	}
}

func (f *fixture) createRun(t *testing.T, channels ...string) *state.AnalysisRun {
	t.Helper()
	run, err := f.orch.Create(f.ac, CreateRequest{
		SourceConnectionID: f.connID,
		ModelProfileID:     f.profileID,
		ReportTypeID:       f.typeID,
		Channels:           channels,
	})
	require.NoError(t, err)
	return run
}

func TestCreateRun(t *testing.T) {
	f := newFixture(t)

	run := f.createRun(t)
	assert.Equal(t, "draft", run.Status)
	require.Len(t, run.Steps, 5)
	for i, name := range []string{"source", "model", "skill", "report", "delivery"} {
		assert.Equal(t, name, run.Steps[i].Name)
		assert.Equal(t, "pending", run.Steps[i].Status)
	}
}

func TestCreateRunResolvesReferences(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name string
		req  CreateRequest
	}{
		{"unknown connection", CreateRequest{SourceConnectionID: "conn_ghost", ModelProfileID: f.profileID, ReportTypeID: f.typeID}},
		{"unknown profile", CreateRequest{SourceConnectionID: f.connID, ModelProfileID: "mprof_ghost", ReportTypeID: f.typeID}},
		{"unknown report type", CreateRequest{SourceConnectionID: f.connID, ModelProfileID: f.profileID, ReportTypeID: "rtype_ghost"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.orch.Create(f.ac, tc.req)
			assert.True(t, problem.IsKind(err, problem.KindNotFound))
		})
	}

	_, err := f.orch.Create(&auth.Context{TenantID: "ghost", Role: auth.RoleAdmin}, CreateRequest{})
	assert.True(t, problem.IsKind(err, problem.KindNotFound))
}

func TestExecuteEndToEnd(t *testing.T) {
	f := newFixture(t)
	run := f.createRun(t, "email")

	executed, err := f.orch.Execute(f.ac, run.ID, ExecuteOptions{})
	require.NoError(t, err)

	assert.Equal(t, "completed", executed.Status)
	for _, step := range executed.Steps {
		assert.Equal(t, "done", step.Status, step.Name)
	}
	assert.Equal(t, "skipped", findStep(executed, "skill").Detail)

	assert.NotEmpty(t, executed.Artifacts.InsightID)
	assert.NotEmpty(t, executed.Artifacts.ReportID)
	require.Len(t, executed.Artifacts.ChannelEventIDs, 1)

	require.NotEmpty(t, executed.Timeline)
	assert.Equal(t, "run", executed.Timeline[0].Step)
	assert.Equal(t, "execution started", executed.Timeline[0].Message)
	last := executed.Timeline[len(executed.Timeline)-1]
	assert.Equal(t, "execution completed", last.Message)

	err = f.store.View(func(d *state.Data) error {
		require.Len(t, d.SourceRuns, 1, "stale connection was synced")
		assert.NotEmpty(t, d.FactsForTenant(f.ac.TenantID))

		event := d.ChannelEventByID(f.ac.TenantID, executed.Artifacts.ChannelEventIDs[0])
		require.NotNil(t, event)
		assert.Equal(t, "delivered", event.Status)

		insight := d.InsightByID(f.ac.TenantID, executed.Artifacts.InsightID)
		require.NotNil(t, insight)
		assert.Equal(t, "revenue", insight.MetricID)
		return nil
	})
	require.NoError(t, err)
}

func TestExecuteFreshConnectionSkipsSync(t *testing.T) {
	f := newFixture(t)

	_, err := sources.RunSync(f.store, f.ac, f.connID, sources.SyncOptions{})
	require.NoError(t, err)

	run := f.createRun(t, "email")
	_, err = f.orch.Execute(f.ac, run.ID, ExecuteOptions{})
	require.NoError(t, err)

	err = f.store.View(func(d *state.Data) error {
		assert.Len(t, d.SourceRuns, 1, "fresh connection is not re-synced")
		return nil
	})
	require.NoError(t, err)
}

func TestExecuteForceSyncResyncs(t *testing.T) {
	f := newFixture(t)

	_, err := sources.RunSync(f.store, f.ac, f.connID, sources.SyncOptions{})
	require.NoError(t, err)

	run := f.createRun(t, "email")
	_, err = f.orch.Execute(f.ac, run.ID, ExecuteOptions{ForceSync: true})
	require.NoError(t, err)

	err = f.store.View(func(d *state.Data) error {
		require.Len(t, d.SourceRuns, 2)
		assert.Equal(t, 0, d.SourceRuns[1].Diagnostics.InsertedRecords, "replayed period dedupes to zero")
		return nil
	})
	require.NoError(t, err)
}

func TestExecuteQualityGate(t *testing.T) {
	f := newFixture(t)

	gated, err := sources.CreateConnection(f.store, f.ac, sources.CreateRequest{
		SourceType:    "google_ads",
		Mode:          "ingest",
		QualityPolicy: &state.QualityPolicy{MinQualityScore: 1.5, BlockModelRun: true},
	})
	require.NoError(t, err)

	run, err := f.orch.Create(f.ac, CreateRequest{
		SourceConnectionID: gated.ID,
		ModelProfileID:     f.profileID,
		ReportTypeID:       f.typeID,
	})
	require.NoError(t, err)

	_, err = f.orch.Execute(f.ac, run.ID, ExecuteOptions{ForceSync: true})
	require.Error(t, err)
	assert.True(t, problem.IsKind(err, problem.KindBadRequest))
	assert.Contains(t, err.Error(), "quality gate failed")

	failed, err := f.orch.Get(f.ac, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "failed", failed.Status)
	assert.Equal(t, "error", findStep(failed, "source").Status)
	assert.Equal(t, "pending", findStep(failed, "model").Status, "later steps never start")
}

func TestExecuteFailureIsDurable(t *testing.T) {
	persister := persist.NewMemoryStore()
	f := newFixtureWithPersister(t, persister)

	gated, err := sources.CreateConnection(f.store, f.ac, sources.CreateRequest{
		SourceType:    "google_ads",
		Mode:          "ingest",
		QualityPolicy: &state.QualityPolicy{MinQualityScore: 1.5, BlockModelRun: true},
	})
	require.NoError(t, err)

	run, err := f.orch.Create(f.ac, CreateRequest{
		SourceConnectionID: gated.ID,
		ModelProfileID:     f.profileID,
		ReportTypeID:       f.typeID,
	})
	require.NoError(t, err)

	_, err = f.orch.Execute(f.ac, run.ID, ExecuteOptions{ForceSync: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quality gate failed")

	// A restarted process sees the same terminal state: the failed run,
	// its source run, and the synced facts all come back from the snapshot.
	restored := state.NewStore(persister, nil)
	found, err := restored.Hydrate()
	require.NoError(t, err)
	require.True(t, found)

	err = restored.View(func(d *state.Data) error {
		reloaded := d.AnalysisRunByID(f.ac.TenantID, run.ID)
		require.NotNil(t, reloaded)
		assert.Equal(t, "failed", reloaded.Status)
		assert.Equal(t, "error", findStep(reloaded, "source").Status)
		assert.Equal(t, "pending", findStep(reloaded, "model").Status)

		require.Len(t, d.SourceRuns, 1, "the sync that preceded the gate survives")
		assert.NotEmpty(t, d.FactsForTenant(f.ac.TenantID))
		return nil
	})
	require.NoError(t, err)
}

func TestExecuteWhileRunningConflicts(t *testing.T) {
	f := newFixture(t)
	run := f.createRun(t)

	require.NoError(t, f.store.Update(func(d *state.Data) error {
		d.AnalysisRunByID(f.ac.TenantID, run.ID).Status = "running"
		return nil
	}))

	_, err := f.orch.Execute(f.ac, run.ID, ExecuteOptions{})
	assert.True(t, problem.IsKind(err, problem.KindConflict))

	_, err = f.orch.Execute(f.ac, "arun_ghost", ExecuteOptions{})
	assert.True(t, problem.IsKind(err, problem.KindNotFound))
}

func TestExecuteWithSkillStep(t *testing.T) {
	f := newFixture(t)

	_, err := skills.Install(f.store, f.ac, skills.InstallRequest{BaseID: "finance-pulse", Activate: true})
	require.NoError(t, err)

	run, err := f.orch.Create(f.ac, CreateRequest{
		SourceConnectionID: f.connID,
		ModelProfileID:     f.profileID,
		ReportTypeID:       f.typeID,
		SkillID:            "finance-pulse",
		Channels:           []string{"email"},
	})
	require.NoError(t, err)

	executed, err := f.orch.Execute(f.ac, run.ID, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, "completed", executed.Status)
	assert.Contains(t, findStep(executed, "skill").Detail, "skill run")

	err = f.store.View(func(d *state.Data) error {
		require.Len(t, d.SkillRuns, 1)
		return nil
	})
	require.NoError(t, err)
}

func TestDeliver(t *testing.T) {
	f := newFixture(t)
	run := f.createRun(t, "email")

	// A draft run has no report yet.
	_, err := f.orch.Deliver(f.ac, run.ID, DeliverRequest{})
	assert.True(t, problem.IsKind(err, problem.KindBadRequest))

	executed, err := f.orch.Execute(f.ac, run.ID, ExecuteOptions{})
	require.NoError(t, err)
	require.Len(t, executed.Artifacts.ChannelEventIDs, 1)

	// Re-delivery on an unconfigured channel records a failed event.
	redelivered, err := f.orch.Deliver(f.ac, run.ID, DeliverRequest{Channels: []string{"slack"}})
	require.NoError(t, err)
	require.Len(t, redelivered.Artifacts.ChannelEventIDs, 2)

	err = f.store.View(func(d *state.Data) error {
		event := d.ChannelEventByID(f.ac.TenantID, redelivered.Artifacts.ChannelEventIDs[1])
		require.NotNil(t, event)
		assert.Equal(t, "failed", event.Status)
		assert.Equal(t, reports.ReasonSettingsMissing, event.LastError)
		return nil
	})
	require.NoError(t, err)

	// Omitted channels fall back to the run's own channel list.
	again, err := f.orch.Deliver(f.ac, run.ID, DeliverRequest{})
	require.NoError(t, err)
	assert.Len(t, again.Artifacts.ChannelEventIDs, 3)

	_, err = f.orch.Deliver(f.ac, "arun_ghost", DeliverRequest{})
	assert.True(t, problem.IsKind(err, problem.KindNotFound))
}

func TestGetAndList(t *testing.T) {
	f := newFixture(t)
	run := f.createRun(t)

	got, err := f.orch.Get(f.ac, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)

	runs, err := f.orch.List(f.ac)
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	other := &auth.Context{TenantID: "ghost", Role: auth.RoleViewer}
	_, err = f.orch.Get(other, run.ID)
	assert.True(t, problem.IsKind(err, problem.KindNotFound))
	runs, err = f.orch.List(other)
	require.NoError(t, err)
	assert.Empty(t, runs)
}
