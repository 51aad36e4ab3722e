// Package policy evaluates per-action autonomy policy and autopilot
// gating. Evaluation is a pure function of the tenant's autonomy policy
// and the proposed action; identical inputs yield identical outputs.
package policy

import "github.com/loupelabs/loupe/core/pkg/state"

// Decision outcomes.
const (
	DecisionAllow  = "allow"
	DecisionReview = "review"
	DecisionDeny   = "deny"
)

// Reason codes, in precedence order.
const (
	ReasonKillSwitch    = "kill_switch_enabled"
	ReasonNotAllowlisted = "action_not_allowlisted"
	ReasonBudget        = "budget_guardrail"
	ReasonLowConfidence = "low_confidence"
	ReasonHighImpact    = "high_impact_requires_approval"
	ReasonAllow         = "policy_allow"
)

// Proposal is the policy-relevant view of a proposed action.
type Proposal struct {
	ActionType               string
	Confidence               float64
	EstimatedBudgetImpactUsd float64
}

// Result is the outcome of a policy evaluation.
type Result struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason"`
}

// EvaluateAction applies the tenant's autonomy policy to a proposed
// action. Precedence: kill switch, allowlist, budget guardrail,
// confidence threshold, high-impact list, allow.
func EvaluateAction(tenant *state.Tenant, action Proposal) Result {
	p := tenant.AutonomyPolicy
	if p.KillSwitch {
		return Result{Decision: DecisionDeny, Reason: ReasonKillSwitch}
	}
	if !contains(p.ActionAllowlist, action.ActionType) {
		return Result{Decision: DecisionDeny, Reason: ReasonNotAllowlisted}
	}
	if action.EstimatedBudgetImpactUsd > p.BudgetGuardrailUsd {
		return Result{Decision: DecisionReview, Reason: ReasonBudget}
	}
	if action.Confidence < p.ConfidenceThreshold {
		return Result{Decision: DecisionReview, Reason: ReasonLowConfidence}
	}
	if contains(p.HighImpactActions, action.ActionType) {
		return Result{Decision: DecisionReview, Reason: ReasonHighImpact}
	}
	return Result{Decision: DecisionAllow, Reason: ReasonAllow}
}

// CanAutopilot reports whether an allowed action may execute without a
// human in the loop.
func CanAutopilot(tenant *state.Tenant, result Result) bool {
	p := tenant.AutonomyPolicy
	return p.AutopilotEnabled && p.AutonomyMode == "policy-gated" && result.Decision == DecisionAllow
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
