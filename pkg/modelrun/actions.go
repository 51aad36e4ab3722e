package modelrun

import (
	"github.com/loupelabs/loupe/core/pkg/audit"
	"github.com/loupelabs/loupe/core/pkg/auth"
	"github.com/loupelabs/loupe/core/pkg/problem"
	"github.com/loupelabs/loupe/core/pkg/state"
)

// ApprovalRequest is a human decision on a pending recommended action.
type ApprovalRequest struct {
	ActionID string `json:"actionId"`
	Decision string `json:"decision"` // "approve" | "reject"
	Reason   string `json:"reason,omitempty"`
}

// ApproveAction records an approval decision and transitions the action's
// execution state: approve executes it, reject rejects it.
func ApproveAction(st *state.Store, ac *auth.Context, req ApprovalRequest) (*state.ActionApproval, error) {
	if req.Decision != "approve" && req.Decision != "reject" {
		return nil, problem.BadRequest("decision must be approve or reject")
	}
	var approval *state.ActionApproval
	err := st.Update(func(d *state.Data) error {
		action := d.ActionByID(ac.TenantID, req.ActionID)
		if action == nil {
			return problem.NotFound("unknown action %q", req.ActionID)
		}
		if action.ExecutionState != "pending" {
			return problem.BadRequest("action %q is not pending", req.ActionID)
		}
		now := st.Now()
		if req.Decision == "approve" {
			action.ExecutionState = "executed"
		} else {
			action.ExecutionState = "rejected"
		}
		approval = &state.ActionApproval{
			ID:       state.NewID("appr"),
			TenantID: ac.TenantID,
			ActionID: action.ID,
			Decision: req.Decision,
			Reason:   req.Reason,
			At:       now,
		}
		d.Approvals = append(d.Approvals, approval)
		audit.Record(d, ac, now, "agents.action.approve", map[string]any{
			"actionId": action.ID,
			"decision": req.Decision,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return approval, nil
}

// PendingActions lists the tenant's actions awaiting a decision.
func PendingActions(st *state.Store, ac *auth.Context) ([]*state.RecommendedAction, error) {
	var out []*state.RecommendedAction
	err := st.View(func(d *state.Data) error {
		out = d.PendingActions(ac.TenantID)
		return nil
	})
	return out, err
}
