package skills

import (
	"fmt"

	"github.com/loupelabs/loupe/core/pkg/audit"
	"github.com/loupelabs/loupe/core/pkg/auth"
	"github.com/loupelabs/loupe/core/pkg/problem"
	"github.com/loupelabs/loupe/core/pkg/state"
)

// Skill precedence tiers, highest first during routing.
const (
	PrecedenceWorkspace = "workspace"
	PrecedenceLocal     = "local"
	PrecedenceBundled   = "bundled"
)

// InstallRequest installs a skill for a tenant: either a shipped skill by
// baseId, or a custom manifest.
type InstallRequest struct {
	BaseID     string               `json:"baseId,omitempty"`
	Manifest   *state.SkillManifest `json:"manifest,omitempty"`
	Precedence string               `json:"precedence,omitempty"`
	Activate   bool                 `json:"activate"`
}

// Install validates, signs and records a skill install. Activating an
// install deactivates any other install of the same base skill.
func Install(st *state.Store, ac *auth.Context, req InstallRequest) (*state.InstalledSkill, error) {
	var manifest state.SkillManifest
	precedence := req.Precedence
	switch {
	case req.Manifest != nil:
		manifest = applyManifestDefaults(*req.Manifest)
		if precedence == "" {
			precedence = PrecedenceLocal
		}
	case req.BaseID != "":
		m, ok := BundledManifest(req.BaseID)
		if !ok {
			return nil, problem.NotFound("unknown bundled skill %q", req.BaseID)
		}
		manifest = m
		precedence = PrecedenceBundled
	default:
		return nil, problem.BadRequest("either baseId or manifest is required")
	}

	switch precedence {
	case PrecedenceWorkspace, PrecedenceLocal, PrecedenceBundled:
	default:
		return nil, problem.BadRequest("unknown precedence %q", precedence)
	}

	checks := ValidateManifest(manifest)
	if !ManifestValid(checks) {
		return nil, problem.BadRequest("manifest validation failed").WithChecks(checks)
	}
	signature, err := Sign(manifest)
	if err != nil {
		return nil, err
	}

	var installed *state.InstalledSkill
	uerr := st.Update(func(d *state.Data) error {
		if d.TenantByID(ac.TenantID) == nil {
			return problem.NotFound("unknown tenant %q", ac.TenantID)
		}
		skillID := fmt.Sprintf("%s@%s", manifest.ID, manifest.Version)
		for _, s := range d.SkillsForTenant(ac.TenantID) {
			if s.ID == skillID {
				return problem.Conflict("skill %q is already installed", skillID)
			}
		}
		now := st.Now()
		installed = &state.InstalledSkill{
			InstallID:   state.NewID("skin"),
			ID:          skillID,
			BaseID:      manifest.ID,
			Version:     manifest.Version,
			TenantID:    ac.TenantID,
			Manifest:    manifest,
			Signature:   signature,
			Active:      req.Activate,
			Precedence:  precedence,
			InstalledAt: now,
		}
		if req.Activate {
			deactivateBase(d, ac.TenantID, manifest.ID)
		}
		d.Skills = append(d.Skills, installed)
		audit.Record(d, ac, now, "skills.install", map[string]any{
			"skillId":    skillID,
			"precedence": precedence,
			"active":     req.Activate,
		})
		return nil
	})
	if uerr != nil {
		return nil, uerr
	}
	return installed, nil
}

// SetActive activates or deactivates an install. Activation is exclusive
// per base skill.
func SetActive(st *state.Store, ac *auth.Context, installID string, active bool) (*state.InstalledSkill, error) {
	var target *state.InstalledSkill
	err := st.Update(func(d *state.Data) error {
		for _, s := range d.SkillsForTenant(ac.TenantID) {
			if s.InstallID == installID {
				target = s
				break
			}
		}
		if target == nil {
			return problem.NotFound("unknown skill install %q", installID)
		}
		if active {
			deactivateBase(d, ac.TenantID, target.BaseID)
		}
		target.Active = active
		action := "skills.deactivate"
		if active {
			action = "skills.activate"
		}
		audit.Record(d, ac, st.Now(), action, map[string]any{"skillId": target.ID})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return target, nil
}

// List returns the tenant's installs, active ones first within each
// precedence tier.
func List(st *state.Store, ac *auth.Context) ([]*state.InstalledSkill, error) {
	var out []*state.InstalledSkill
	err := st.View(func(d *state.Data) error {
		out = d.SkillsForTenant(ac.TenantID)
		return nil
	})
	return out, err
}

func deactivateBase(d *state.Data, tenantID, baseID string) {
	for _, s := range d.SkillsForTenant(tenantID) {
		if s.BaseID == baseID {
			s.Active = false
		}
	}
}
