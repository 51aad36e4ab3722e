// Package settings manages tenant lifecycle and configuration: lazy
// tenant settings with deep-merge patches, model profiles, and the
// policy mirrors between settings and the tenant record.
package settings

import (
	"github.com/loupelabs/loupe/core/pkg/audit"
	"github.com/loupelabs/loupe/core/pkg/auth"
	"github.com/loupelabs/loupe/core/pkg/blueprints"
	"github.com/loupelabs/loupe/core/pkg/problem"
	"github.com/loupelabs/loupe/core/pkg/state"
)

// Tenant defaults applied on create.
const (
	defaultCooldownMinutes     = 10
	defaultConfidenceThreshold = 0.75
	defaultBudgetGuardrailUsd  = 1000
	defaultMaxLiveQueryRows    = 500
	defaultMaxLiveQueryTimeout = 10000
	defaultMaxLiveQueryCost    = 100
)

// CreateTenantRequest creates a tenant. Omitted policies get safe
// defaults; the blueprint fixes the tenant's metric set.
type CreateTenantRequest struct {
	Name           string                `json:"name"`
	BlueprintID    string                `json:"blueprintId,omitempty"`
	Branding       map[string]string     `json:"branding,omitempty"`
	TrainingOptIn  bool                  `json:"trainingOptIn,omitempty"`
	ModelConfig    *state.ModelConfig    `json:"modelConfig,omitempty"`
	AutonomyPolicy *state.AutonomyPolicy `json:"autonomyPolicy,omitempty"`
	DataPolicy     *state.DataPolicy     `json:"dataPolicy,omitempty"`
}

// CreateTenant registers a tenant and seeds its metric definitions from
// the chosen blueprint.
func CreateTenant(st *state.Store, ac *auth.Context, req CreateTenantRequest) (*state.Tenant, error) {
	if req.Name == "" {
		return nil, problem.BadRequest("name is required")
	}
	blueprintID := req.BlueprintID
	if blueprintID == "" {
		blueprintID = blueprints.DefaultID
	}
	bp, ok := blueprints.ByID(blueprintID)
	if !ok {
		return nil, problem.BadRequest("unknown blueprint %q", blueprintID)
	}

	var tenant *state.Tenant
	err := st.Update(func(d *state.Data) error {
		now := st.Now()
		tenant = &state.Tenant{
			ID:            state.NewID("ten"),
			Name:          req.Name,
			Status:        state.TenantActive,
			BlueprintID:   bp.ID,
			Branding:      req.Branding,
			TrainingOptIn: req.TrainingOptIn,
			ModelConfig: state.ModelConfig{
				Mode:                    "managed",
				ProviderCooldownMinutes: defaultCooldownMinutes,
			},
			AutonomyPolicy: state.AutonomyPolicy{
				AutonomyMode:        "policy-gated",
				ConfidenceThreshold: defaultConfidenceThreshold,
				ActionAllowlist:     []string{"notify_owner", "create_report", "adjust_budget"},
				HighImpactActions:   []string{"adjust_budget"},
				BudgetGuardrailUsd:  defaultBudgetGuardrailUsd,
			},
			DataPolicy: state.DataPolicy{
				MaxLiveQueryRows:      defaultMaxLiveQueryRows,
				MaxLiveQueryTimeoutMs: defaultMaxLiveQueryTimeout,
				MaxLiveQueryCostUnits: defaultMaxLiveQueryCost,
			},
			CreatedAt: now,
			UpdatedAt: now,
		}
		if req.ModelConfig != nil {
			tenant.ModelConfig = *req.ModelConfig
			if tenant.ModelConfig.Mode == "" {
				tenant.ModelConfig.Mode = "managed"
			}
			if tenant.ModelConfig.ProviderCooldownMinutes <= 0 {
				tenant.ModelConfig.ProviderCooldownMinutes = defaultCooldownMinutes
			}
		}
		if req.AutonomyPolicy != nil {
			tenant.AutonomyPolicy = *req.AutonomyPolicy
			if tenant.AutonomyPolicy.AutonomyMode == "" {
				tenant.AutonomyPolicy.AutonomyMode = "policy-gated"
			}
		}
		if req.DataPolicy != nil {
			tenant.DataPolicy = *req.DataPolicy
		}

		d.Tenants[tenant.ID] = tenant
		d.MetricDefs[tenant.ID] = append([]state.MetricDef(nil), bp.Metrics...)

		tenantCtx := &auth.Context{TenantID: tenant.ID, UserID: ac.UserID, Role: ac.Role}
		audit.Record(d, tenantCtx, now, "tenants.create", map[string]any{
			"tenantId":    tenant.ID,
			"blueprintId": bp.ID,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tenant, nil
}

// ListTenants returns all tenants. This is a control-plane read, not
// tenant-scoped.
func ListTenants(st *state.Store) ([]*state.Tenant, error) {
	var out []*state.Tenant
	err := st.View(func(d *state.Data) error {
		out = d.TenantList()
		return nil
	})
	return out, err
}
