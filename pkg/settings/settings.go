package settings

import (
	"encoding/json"
	"time"

	"github.com/loupelabs/loupe/core/pkg/audit"
	"github.com/loupelabs/loupe/core/pkg/auth"
	"github.com/loupelabs/loupe/core/pkg/problem"
	"github.com/loupelabs/loupe/core/pkg/state"
)

// Patchable settings sections.
const (
	SectionGeneral          = "general"
	SectionModelPreferences = "model-preferences"
	SectionTraining         = "training"
	SectionPolicies         = "policies"
	SectionChannels         = "channels"
)

// Checklist is the derived onboarding state of a tenant.
type Checklist struct {
	ConnectionsConfigured  bool `json:"connectionsConfigured"`
	ModelProfileConfigured bool `json:"modelProfileConfigured"`
	ReportTypeConfigured   bool `json:"reportTypeConfigured"`
	ChannelsConfigured     bool `json:"channelsConfigured"`
}

// View is the full settings surface returned to callers. Policies are
// projected from the tenant record, not stored in settings, so the
// tenant stays the single source of truth.
type View struct {
	TenantID         string                 `json:"tenantId"`
	General          map[string]any         `json:"general"`
	ModelPreferences state.ModelPreferences `json:"modelPreferences"`
	Training         state.TrainingSettings `json:"training"`
	Channels         state.ChannelSettings  `json:"channels"`
	Policies         state.AutonomyPolicy   `json:"policies"`
	Checklist        Checklist              `json:"checklist"`
	UpdatedAt        time.Time              `json:"updatedAt"`
}

// ensure lazily initializes the stored settings record.
func ensure(d *state.Data, tenantID string, now time.Time) *state.TenantSettings {
	s, ok := d.Settings[tenantID]
	if !ok {
		s = &state.TenantSettings{
			TenantID:  tenantID,
			General:   map[string]any{},
			UpdatedAt: now,
		}
		d.Settings[tenantID] = s
	}
	return s
}

func buildView(d *state.Data, tenant *state.Tenant, s *state.TenantSettings) *View {
	training := s.Training
	training.OptIn = tenant.TrainingOptIn
	return &View{
		TenantID:         tenant.ID,
		General:          s.General,
		ModelPreferences: s.ModelPreferences,
		Training:         training,
		Channels:         s.Channels,
		Policies:         tenant.AutonomyPolicy,
		Checklist:        deriveChecklist(d, tenant.ID, s),
		UpdatedAt:        s.UpdatedAt,
	}
}

func deriveChecklist(d *state.Data, tenantID string, s *state.TenantSettings) Checklist {
	profileConfigured := s.ModelPreferences.DefaultProfileID != ""
	if !profileConfigured {
		for _, p := range d.ModelProfiles {
			if p.TenantID == tenantID && p.Active {
				profileConfigured = true
				break
			}
		}
	}
	return Checklist{
		ConnectionsConfigured:  len(d.ConnectionsForTenant(tenantID)) > 0,
		ModelProfileConfigured: profileConfigured,
		ReportTypeConfigured:   len(d.ReportTypesForTenant(tenantID)) > 0,
		ChannelsConfigured:     s.Channels.Email.Enabled || s.Channels.Slack.Enabled || s.Channels.Telegram.Enabled,
	}
}

// Get returns the tenant's settings, initializing them on first read.
func Get(st *state.Store, ac *auth.Context) (*View, error) {
	var view *View
	err := st.Update(func(d *state.Data) error {
		tenant := d.TenantByID(ac.TenantID)
		if tenant == nil {
			return problem.NotFound("unknown tenant %q", ac.TenantID)
		}
		s := ensure(d, ac.TenantID, st.Now())
		view = buildView(d, tenant, s)
		return nil
	})
	return view, err
}

// Patch deep-merges a partial update into one settings section. Policy
// and training patches are mirrored back onto the tenant record.
func Patch(st *state.Store, ac *auth.Context, section string, patch map[string]any) (*View, error) {
	switch section {
	case SectionGeneral, SectionModelPreferences, SectionTraining, SectionPolicies, SectionChannels:
	default:
		return nil, problem.BadRequest("unknown settings section %q", section)
	}
	var view *View
	err := st.Update(func(d *state.Data) error {
		tenant := d.TenantByID(ac.TenantID)
		if tenant == nil {
			return problem.NotFound("unknown tenant %q", ac.TenantID)
		}
		now := st.Now()
		s := ensure(d, ac.TenantID, now)

		switch section {
		case SectionGeneral:
			s.General = deepMerge(s.General, patch)
		case SectionModelPreferences:
			if err := mergeInto(&s.ModelPreferences, patch); err != nil {
				return err
			}
		case SectionTraining:
			if err := mergeInto(&s.Training, patch); err != nil {
				return err
			}
			tenant.TrainingOptIn = s.Training.OptIn
			tenant.UpdatedAt = now
		case SectionPolicies:
			policies := tenant.AutonomyPolicy
			if err := mergeInto(&policies, patch); err != nil {
				return err
			}
			tenant.AutonomyPolicy = policies
			tenant.UpdatedAt = now
		case SectionChannels:
			if err := mergeInto(&s.Channels, patch); err != nil {
				return err
			}
		}

		s.UpdatedAt = now
		audit.Record(d, ac, now, "settings.patch", map[string]any{"section": section})
		view = buildView(d, tenant, s)
		return nil
	})
	return view, err
}

// deepMerge merges patch into base recursively: nested objects merge,
// any other value overwrites.
func deepMerge(base, patch map[string]any) map[string]any {
	if base == nil {
		base = map[string]any{}
	}
	for key, value := range patch {
		patchMap, patchIsMap := value.(map[string]any)
		baseMap, baseIsMap := base[key].(map[string]any)
		if patchIsMap && baseIsMap {
			base[key] = deepMerge(baseMap, patchMap)
			continue
		}
		base[key] = value
	}
	return base
}

// mergeInto deep-merges a patch into a typed struct via its JSON form.
func mergeInto(target any, patch map[string]any) error {
	raw, err := json.Marshal(target)
	if err != nil {
		return problem.Internal("settings merge: %s", err)
	}
	var current map[string]any
	if err := json.Unmarshal(raw, &current); err != nil {
		return problem.Internal("settings merge: %s", err)
	}
	merged := deepMerge(current, patch)
	raw, err = json.Marshal(merged)
	if err != nil {
		return problem.Internal("settings merge: %s", err)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return problem.BadRequest("invalid settings patch: %s", err)
	}
	return nil
}
