package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/loupelabs/loupe/core/pkg/state"
)

func gatedTenant() *state.Tenant {
	return &state.Tenant{
		ID: "t1",
		AutonomyPolicy: state.AutonomyPolicy{
			AutonomyMode:        "policy-gated",
			ConfidenceThreshold: 0.75,
			ActionAllowlist:     []string{"notify_owner", "create_report", "adjust_budget"},
			HighImpactActions:   []string{"adjust_budget"},
			BudgetGuardrailUsd:  1000,
		},
	}
}

func TestEvaluateActionPrecedence(t *testing.T) {
	cases := []struct {
		name     string
		mutate   func(*state.Tenant)
		action   Proposal
		decision string
		reason   string
	}{
		{
			name:     "kill switch wins over everything",
			mutate:   func(tn *state.Tenant) { tn.AutonomyPolicy.KillSwitch = true },
			action:   Proposal{ActionType: "notify_owner", Confidence: 0.99},
			decision: DecisionDeny,
			reason:   ReasonKillSwitch,
		},
		{
			name:     "unlisted action denied",
			action:   Proposal{ActionType: "delete_campaign", Confidence: 0.99},
			decision: DecisionDeny,
			reason:   ReasonNotAllowlisted,
		},
		{
			name:     "budget guardrail before confidence",
			action:   Proposal{ActionType: "notify_owner", Confidence: 0.1, EstimatedBudgetImpactUsd: 2500},
			decision: DecisionReview,
			reason:   ReasonBudget,
		},
		{
			name:     "budget exactly at guardrail passes",
			action:   Proposal{ActionType: "notify_owner", Confidence: 0.5, EstimatedBudgetImpactUsd: 1000},
			decision: DecisionReview,
			reason:   ReasonLowConfidence,
		},
		{
			name:     "low confidence",
			action:   Proposal{ActionType: "notify_owner", Confidence: 0.6},
			decision: DecisionReview,
			reason:   ReasonLowConfidence,
		},
		{
			name:     "high impact needs approval even when confident",
			action:   Proposal{ActionType: "adjust_budget", Confidence: 0.95, EstimatedBudgetImpactUsd: 500},
			decision: DecisionReview,
			reason:   ReasonHighImpact,
		},
		{
			name:     "allow",
			action:   Proposal{ActionType: "notify_owner", Confidence: 0.9},
			decision: DecisionAllow,
			reason:   ReasonAllow,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tenant := gatedTenant()
			if tc.mutate != nil {
				tc.mutate(tenant)
			}
			got := EvaluateAction(tenant, tc.action)
			assert.Equal(t, tc.decision, got.Decision)
			assert.Equal(t, tc.reason, got.Reason)
		})
	}
}

func TestEvaluateActionDeterministic(t *testing.T) {
	tenant := gatedTenant()
	action := Proposal{ActionType: "create_report", Confidence: 0.8}
	first := EvaluateAction(tenant, action)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, EvaluateAction(tenant, action))
	}
}

func TestCanAutopilot(t *testing.T) {
	allow := Result{Decision: DecisionAllow, Reason: ReasonAllow}

	tenant := gatedTenant()
	assert.False(t, CanAutopilot(tenant, allow), "autopilot off by default")

	tenant.AutonomyPolicy.AutopilotEnabled = true
	assert.True(t, CanAutopilot(tenant, allow))
	assert.False(t, CanAutopilot(tenant, Result{Decision: DecisionReview}))
	assert.False(t, CanAutopilot(tenant, Result{Decision: DecisionDeny}))

	tenant.AutonomyPolicy.AutonomyMode = "manual"
	assert.False(t, CanAutopilot(tenant, allow))
}
