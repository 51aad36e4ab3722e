package skills

import (
	"github.com/loupelabs/loupe/core/pkg/audit"
	"github.com/loupelabs/loupe/core/pkg/auth"
	"github.com/loupelabs/loupe/core/pkg/problem"
	"github.com/loupelabs/loupe/core/pkg/state"
)

// CreateDraft starts a new manifest draft. Drafts are not validated on
// create; validation is an explicit step so authors can save partial work.
func CreateDraft(st *state.Store, ac *auth.Context, manifest state.SkillManifest) (*state.SkillDraft, error) {
	var draft *state.SkillDraft
	err := st.Update(func(d *state.Data) error {
		if d.TenantByID(ac.TenantID) == nil {
			return problem.NotFound("unknown tenant %q", ac.TenantID)
		}
		now := st.Now()
		draft = &state.SkillDraft{
			ID:        state.NewID("sdft"),
			TenantID:  ac.TenantID,
			Manifest:  manifest,
			Status:    "draft",
			CreatedAt: now,
			UpdatedAt: now,
		}
		d.SkillDrafts = append(d.SkillDrafts, draft)
		audit.Record(d, ac, now, "skills.draft.create", map[string]any{"draftId": draft.ID})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return draft, nil
}

// UpdateDraft replaces a draft's manifest. Published drafts are immutable.
func UpdateDraft(st *state.Store, ac *auth.Context, draftID string, manifest state.SkillManifest) (*state.SkillDraft, error) {
	var draft *state.SkillDraft
	err := st.Update(func(d *state.Data) error {
		draft = d.SkillDraftByID(ac.TenantID, draftID)
		if draft == nil {
			return problem.NotFound("unknown skill draft %q", draftID)
		}
		if draft.Status == "published" {
			return problem.Conflict("draft %q is already published", draftID)
		}
		draft.Manifest = manifest
		draft.UpdatedAt = st.Now()
		audit.Record(d, ac, draft.UpdatedAt, "skills.draft.update", map[string]any{"draftId": draft.ID})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return draft, nil
}

// ValidateDraft runs full manifest validation and returns every check.
func ValidateDraft(st *state.Store, ac *auth.Context, draftID string) ([]problem.Check, error) {
	var checks []problem.Check
	err := st.View(func(d *state.Data) error {
		draft := d.SkillDraftByID(ac.TenantID, draftID)
		if draft == nil {
			return problem.NotFound("unknown skill draft %q", draftID)
		}
		checks = ValidateManifest(applyManifestDefaults(draft.Manifest))
		return nil
	})
	return checks, err
}

// PublishDraft validates the draft and installs it as a local-precedence
// skill. The draft is marked published and kept for provenance.
func PublishDraft(st *state.Store, ac *auth.Context, draftID string, activate bool) (*state.InstalledSkill, error) {
	var manifest state.SkillManifest
	verr := st.View(func(d *state.Data) error {
		draft := d.SkillDraftByID(ac.TenantID, draftID)
		if draft == nil {
			return problem.NotFound("unknown skill draft %q", draftID)
		}
		if draft.Status == "published" {
			return problem.Conflict("draft %q is already published", draftID)
		}
		manifest = draft.Manifest
		return nil
	})
	if verr != nil {
		return nil, verr
	}

	installed, err := Install(st, ac, InstallRequest{
		Manifest:   &manifest,
		Precedence: PrecedenceLocal,
		Activate:   activate,
	})
	if err != nil {
		return nil, err
	}

	err = st.Update(func(d *state.Data) error {
		draft := d.SkillDraftByID(ac.TenantID, draftID)
		if draft == nil {
			return problem.NotFound("unknown skill draft %q", draftID)
		}
		draft.Status = "published"
		draft.UpdatedAt = st.Now()
		audit.Record(d, ac, draft.UpdatedAt, "skills.draft.publish", map[string]any{
			"draftId": draft.ID,
			"skillId": installed.ID,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return installed, nil
}

// ListDrafts returns the tenant's drafts.
func ListDrafts(st *state.Store, ac *auth.Context) ([]*state.SkillDraft, error) {
	var out []*state.SkillDraft
	err := st.View(func(d *state.Data) error {
		for _, dr := range d.SkillDrafts {
			if dr.TenantID == ac.TenantID {
				out = append(out, dr)
			}
		}
		return nil
	})
	return out, err
}
