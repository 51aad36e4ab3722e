package settings

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loupelabs/loupe/core/pkg/auth"
	"github.com/loupelabs/loupe/core/pkg/problem"
	"github.com/loupelabs/loupe/core/pkg/state"
)

var testClock = time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T) (*state.Store, *auth.Context) {
	t.Helper()
	st := state.NewStore(nil, nil).WithClock(func() time.Time { return testClock })
	require.NoError(t, st.Update(func(d *state.Data) error {
		d.Tenants["t1"] = &state.Tenant{ID: "t1", Name: "Acme", Status: state.TenantActive}
		return nil
	}))
	return st, &auth.Context{TenantID: "t1", UserID: "u1", Role: auth.RoleAdmin}
}

func TestCreateTenantDefaults(t *testing.T) {
	st, ac := newStore(t)

	tenant, err := CreateTenant(st, ac, CreateTenantRequest{Name: "Globex"})
	require.NoError(t, err)

	assert.Equal(t, state.TenantActive, tenant.Status)
	assert.Equal(t, "growth_default", tenant.BlueprintID)
	assert.Equal(t, "managed", tenant.ModelConfig.Mode)
	assert.Equal(t, 10, tenant.ModelConfig.ProviderCooldownMinutes)
	assert.Equal(t, "policy-gated", tenant.AutonomyPolicy.AutonomyMode)
	assert.Equal(t, 0.75, tenant.AutonomyPolicy.ConfidenceThreshold)
	assert.Equal(t, []string{"notify_owner", "create_report", "adjust_budget"}, tenant.AutonomyPolicy.ActionAllowlist)
	assert.Equal(t, []string{"adjust_budget"}, tenant.AutonomyPolicy.HighImpactActions)
	assert.Equal(t, 1000.0, tenant.AutonomyPolicy.BudgetGuardrailUsd)
	assert.Equal(t, 500, tenant.DataPolicy.MaxLiveQueryRows)
	assert.Equal(t, 10000, tenant.DataPolicy.MaxLiveQueryTimeoutMs)
	assert.Equal(t, 100, tenant.DataPolicy.MaxLiveQueryCostUnits)

	err = st.View(func(d *state.Data) error {
		assert.NotEmpty(t, d.MetricDefs[tenant.ID], "blueprint metrics are seeded")
		require.NotEmpty(t, d.AuditEvents)
		last := d.AuditEvents[len(d.AuditEvents)-1]
		assert.Equal(t, "tenants.create", last.Action)
		assert.Equal(t, tenant.ID, last.TenantID, "audit entry is scoped to the new tenant")
		return nil
	})
	require.NoError(t, err)
}

func TestCreateTenantValidation(t *testing.T) {
	st, ac := newStore(t)

	_, err := CreateTenant(st, ac, CreateTenantRequest{})
	assert.True(t, problem.IsKind(err, problem.KindBadRequest))

	_, err = CreateTenant(st, ac, CreateTenantRequest{Name: "Globex", BlueprintID: "ghost"})
	assert.True(t, problem.IsKind(err, problem.KindBadRequest))
}

func TestCreateTenantOverrides(t *testing.T) {
	st, ac := newStore(t)

	tenant, err := CreateTenant(st, ac, CreateTenantRequest{
		Name:        "Globex",
		ModelConfig: &state.ModelConfig{DefaultProvider: "openai"},
		AutonomyPolicy: &state.AutonomyPolicy{
			ConfidenceThreshold: 0.9,
		},
		DataPolicy: &state.DataPolicy{MaxLiveQueryRows: 50},
	})
	require.NoError(t, err)

	assert.Equal(t, "openai", tenant.ModelConfig.DefaultProvider)
	assert.Equal(t, "managed", tenant.ModelConfig.Mode, "mode backfilled")
	assert.Equal(t, 10, tenant.ModelConfig.ProviderCooldownMinutes, "cooldown backfilled")
	assert.Equal(t, "policy-gated", tenant.AutonomyPolicy.AutonomyMode, "autonomy mode backfilled")
	assert.Equal(t, 0.9, tenant.AutonomyPolicy.ConfidenceThreshold)
	assert.Equal(t, 50, tenant.DataPolicy.MaxLiveQueryRows)
}

func TestListTenants(t *testing.T) {
	st, ac := newStore(t)
	_, err := CreateTenant(st, ac, CreateTenantRequest{Name: "Globex"})
	require.NoError(t, err)

	tenants, err := ListTenants(st)
	require.NoError(t, err)
	assert.Len(t, tenants, 2)
}

func TestGetInitializesSettings(t *testing.T) {
	st, ac := newStore(t)

	view, err := Get(st, ac)
	require.NoError(t, err)
	assert.Equal(t, "t1", view.TenantID)
	assert.NotNil(t, view.General)
	assert.False(t, view.Checklist.ConnectionsConfigured)
	assert.False(t, view.Checklist.ChannelsConfigured)

	_, err = Get(st, &auth.Context{TenantID: "ghost", Role: auth.RoleAdmin})
	assert.True(t, problem.IsKind(err, problem.KindNotFound))
}

func TestPatchGeneralDeepMerges(t *testing.T) {
	st, ac := newStore(t)

	_, err := Patch(st, ac, SectionGeneral, map[string]any{
		"branding": map[string]any{"logo": "a.png", "accent": "blue"},
	})
	require.NoError(t, err)

	view, err := Patch(st, ac, SectionGeneral, map[string]any{
		"branding": map[string]any{"accent": "green"},
		"locale":   "en-GB",
	})
	require.NoError(t, err)

	branding := view.General["branding"].(map[string]any)
	assert.Equal(t, "a.png", branding["logo"], "untouched nested keys survive")
	assert.Equal(t, "green", branding["accent"])
	assert.Equal(t, "en-GB", view.General["locale"])
}

func TestPatchPoliciesMirrorsToTenant(t *testing.T) {
	st, ac := newStore(t)

	view, err := Patch(st, ac, SectionPolicies, map[string]any{
		"killSwitch":          true,
		"confidenceThreshold": 0.9,
	})
	require.NoError(t, err)
	assert.True(t, view.Policies.KillSwitch)
	assert.Equal(t, 0.9, view.Policies.ConfidenceThreshold)

	err = st.View(func(d *state.Data) error {
		tenant := d.TenantByID("t1")
		assert.True(t, tenant.AutonomyPolicy.KillSwitch, "policy patch lands on the tenant record")
		assert.Equal(t, 0.9, tenant.AutonomyPolicy.ConfidenceThreshold)
		return nil
	})
	require.NoError(t, err)
}

func TestPatchTrainingMirrorsToTenant(t *testing.T) {
	st, ac := newStore(t)

	view, err := Patch(st, ac, SectionTraining, map[string]any{"optIn": true})
	require.NoError(t, err)
	assert.True(t, view.Training.OptIn)

	err = st.View(func(d *state.Data) error {
		assert.True(t, d.TenantByID("t1").TrainingOptIn)
		return nil
	})
	require.NoError(t, err)
}

func TestPatchChannels(t *testing.T) {
	st, ac := newStore(t)

	view, err := Patch(st, ac, SectionChannels, map[string]any{
		"telegram": map[string]any{"enabled": true, "botTokenRef": "secret_bot", "chatId": "chat-42"},
	})
	require.NoError(t, err)
	assert.True(t, view.Channels.Telegram.Enabled)
	assert.Equal(t, "chat-42", view.Channels.Telegram.ChatID)
	assert.True(t, view.Checklist.ChannelsConfigured)
}

func TestPatchValidation(t *testing.T) {
	st, ac := newStore(t)

	_, err := Patch(st, ac, "ghost-section", map[string]any{})
	assert.True(t, problem.IsKind(err, problem.KindBadRequest))

	_, err = Patch(st, ac, SectionPolicies, map[string]any{"confidenceThreshold": "high"})
	assert.True(t, problem.IsKind(err, problem.KindBadRequest))

	_, err = Patch(st, &auth.Context{TenantID: "ghost", Role: auth.RoleAdmin}, SectionGeneral, map[string]any{})
	assert.True(t, problem.IsKind(err, problem.KindNotFound))
}
