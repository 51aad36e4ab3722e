package settings

import (
	"time"

	"github.com/loupelabs/loupe/core/pkg/audit"
	"github.com/loupelabs/loupe/core/pkg/auth"
	"github.com/loupelabs/loupe/core/pkg/problem"
	"github.com/loupelabs/loupe/core/pkg/state"
)

// Model profile presets, seeded per tenant on first list.
var profilePresets = []state.ModelProfile{
	{Name: "Revenue Forecast", Objective: "forecast", TargetMetricID: "revenue", HorizonDays: 14},
	{Name: "Profit Forecast", Objective: "forecast", TargetMetricID: "profit", HorizonDays: 14},
	{Name: "Funnel Anomaly", Objective: "anomaly", TargetMetricID: "revenue", HorizonDays: 7},
	{Name: "Pipeline Risk", Objective: "forecast", TargetMetricID: "pipeline_value", HorizonDays: 30},
}

// EnsureProfiles seeds the preset profiles for a tenant if it has none.
// The first preset starts active.
func EnsureProfiles(d *state.Data, tenantID string, now time.Time) {
	if len(d.ModelProfilesForTenant(tenantID)) > 0 {
		return
	}
	for i, preset := range profilePresets {
		p := preset
		p.ID = state.NewID("mprof")
		p.TenantID = tenantID
		p.Active = i == 0
		p.CreatedAt = now
		p.UpdatedAt = now
		d.ModelProfiles = append(d.ModelProfiles, &p)
		if p.Active {
			ensure(d, tenantID, now).ModelPreferences.DefaultProfileID = p.ID
		}
	}
}

// ListProfiles returns the tenant's model profiles, seeding presets on
// first use.
func ListProfiles(st *state.Store, ac *auth.Context) ([]*state.ModelProfile, error) {
	var out []*state.ModelProfile
	err := st.Update(func(d *state.Data) error {
		if d.TenantByID(ac.TenantID) == nil {
			return problem.NotFound("unknown tenant %q", ac.TenantID)
		}
		EnsureProfiles(d, ac.TenantID, st.Now())
		out = d.ModelProfilesForTenant(ac.TenantID)
		return nil
	})
	return out, err
}

// ProfileRequest creates or patches a model profile.
type ProfileRequest struct {
	Name           string `json:"name,omitempty"`
	Objective      string `json:"objective,omitempty"`
	TargetMetricID string `json:"targetMetricId,omitempty"`
	HorizonDays    int    `json:"horizonDays,omitempty"`
	Provider       string `json:"provider,omitempty"`
}

func validObjective(objective string) bool {
	return objective == "forecast" || objective == "anomaly"
}

// CreateProfile adds a model profile. New profiles start inactive.
func CreateProfile(st *state.Store, ac *auth.Context, req ProfileRequest) (*state.ModelProfile, error) {
	if req.Name == "" {
		return nil, problem.BadRequest("name is required")
	}
	if req.TargetMetricID == "" {
		return nil, problem.BadRequest("targetMetricId is required")
	}
	objective := req.Objective
	if objective == "" {
		objective = "forecast"
	}
	if !validObjective(objective) {
		return nil, problem.BadRequest("objective must be forecast or anomaly")
	}
	horizon := req.HorizonDays
	if horizon <= 0 {
		horizon = 7
	}
	var profile *state.ModelProfile
	err := st.Update(func(d *state.Data) error {
		if d.TenantByID(ac.TenantID) == nil {
			return problem.NotFound("unknown tenant %q", ac.TenantID)
		}
		now := st.Now()
		profile = &state.ModelProfile{
			ID:             state.NewID("mprof"),
			TenantID:       ac.TenantID,
			Name:           req.Name,
			Objective:      objective,
			TargetMetricID: req.TargetMetricID,
			HorizonDays:    horizon,
			Provider:       req.Provider,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		d.ModelProfiles = append(d.ModelProfiles, profile)
		audit.Record(d, ac, now, "models.profile.create", map[string]any{"profileId": profile.ID})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return profile, nil
}

// PatchProfile updates the provided fields of a profile.
func PatchProfile(st *state.Store, ac *auth.Context, profileID string, req ProfileRequest) (*state.ModelProfile, error) {
	if req.Objective != "" && !validObjective(req.Objective) {
		return nil, problem.BadRequest("objective must be forecast or anomaly")
	}
	var profile *state.ModelProfile
	err := st.Update(func(d *state.Data) error {
		profile = d.ModelProfileByID(ac.TenantID, profileID)
		if profile == nil {
			return problem.NotFound("unknown model profile %q", profileID)
		}
		if req.Name != "" {
			profile.Name = req.Name
		}
		if req.Objective != "" {
			profile.Objective = req.Objective
		}
		if req.TargetMetricID != "" {
			profile.TargetMetricID = req.TargetMetricID
		}
		if req.HorizonDays > 0 {
			profile.HorizonDays = req.HorizonDays
		}
		if req.Provider != "" {
			profile.Provider = req.Provider
		}
		profile.UpdatedAt = st.Now()
		audit.Record(d, ac, profile.UpdatedAt, "models.profile.patch", map[string]any{"profileId": profile.ID})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return profile, nil
}

// ActivateProfile makes one profile active, deactivating the rest, and
// records it as the tenant's default profile.
func ActivateProfile(st *state.Store, ac *auth.Context, profileID string) (*state.ModelProfile, error) {
	var profile *state.ModelProfile
	err := st.Update(func(d *state.Data) error {
		profile = d.ModelProfileByID(ac.TenantID, profileID)
		if profile == nil {
			return problem.NotFound("unknown model profile %q", profileID)
		}
		now := st.Now()
		for _, p := range d.ModelProfilesForTenant(ac.TenantID) {
			p.Active = false
		}
		profile.Active = true
		profile.UpdatedAt = now
		ensure(d, ac.TenantID, now).ModelPreferences.DefaultProfileID = profile.ID
		audit.Record(d, ac, now, "models.profile.activate", map[string]any{"profileId": profile.ID})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return profile, nil
}
