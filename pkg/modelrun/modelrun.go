// Package modelrun executes forecast and anomaly model tasks with
// provider-chain failover, synthesizes insights, and proposes actions
// evaluated through the tenant's autonomy policy.
package modelrun

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/loupelabs/loupe/core/pkg/audit"
	"github.com/loupelabs/loupe/core/pkg/auth"
	"github.com/loupelabs/loupe/core/pkg/metrics"
	"github.com/loupelabs/loupe/core/pkg/policy"
	"github.com/loupelabs/loupe/core/pkg/problem"
	"github.com/loupelabs/loupe/core/pkg/state"
)

// Objectives supported by the runner.
const (
	ObjectiveForecast = "forecast"
	ObjectiveAnomaly  = "anomaly"
)

// Quality warnings emitted by the runner.
const (
	WarnInsufficientData     = "insufficient_data"
	WarnInsufficientHistory  = "insufficient_history_for_reliable_modeling"
	WarnFailoverUsed         = "provider_failover_used"
	WarnFailoverExhausted    = "provider_failover_exhausted_using_managed"
)

const (
	managedProvider        = "managed"
	defaultCooldownMinutes = 10
	defaultHorizonDays     = 7
	anomalyZThreshold      = 1.8
)

// Task describes one model run request.
type Task struct {
	Objective                string   `json:"objective"`
	Inputs                   []string `json:"inputs,omitempty"`
	OutputMetricIDs          []string `json:"outputMetricIds"`
	HorizonDays              int      `json:"horizonDays,omitempty"`
	Provider                 string   `json:"provider,omitempty"`
	PreferByo                bool     `json:"preferByo,omitempty"`
	SimulateProviderFailures []string `json:"simulateProviderFailures,omitempty"`
}

// RunResult bundles everything one model run produced.
type RunResult struct {
	Run     *state.ModelRun          `json:"run"`
	Insight *state.Insight           `json:"insight"`
	Actions []*state.RecommendedAction `json:"recommendedActions"`
}

// RunTask executes a model task for the tenant in the auth context.
func RunTask(st *state.Store, ac *auth.Context, task Task) (*RunResult, error) {
	var result *RunResult
	err := st.Update(func(d *state.Data) error {
		tenant := d.TenantByID(ac.TenantID)
		if tenant == nil {
			return problem.NotFound("unknown tenant %q", ac.TenantID)
		}
		r, err := RunTaskData(d, st.Now(), tenant, task)
		if err != nil {
			return err
		}
		result = r
		audit.Record(d, ac, st.Now(), "models.run", map[string]any{
			"modelRunId": r.Run.ID,
			"objective":  r.Run.Objective,
			"provider":   r.Run.Provider,
			"status":     r.Run.Status,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RunTaskData executes a model task against an already-locked container.
// Provider health reads and updates share the caller's critical section,
// so selection is atomic relative to concurrent runs.
func RunTaskData(d *state.Data, now time.Time, tenant *state.Tenant, task Task) (*RunResult, error) {
	switch task.Objective {
	case ObjectiveForecast, ObjectiveAnomaly:
	case "":
		task.Objective = ObjectiveForecast
	default:
		return nil, problem.BadRequest("unknown objective %q", task.Objective)
	}
	if len(task.OutputMetricIDs) == 0 {
		return nil, problem.BadRequest("outputMetricIds is required")
	}
	metricID := task.OutputMetricIDs[0]
	if task.HorizonDays <= 0 {
		task.HorizonDays = defaultHorizonDays
	}

	chain := providerChain(tenant, task)
	provider, trace, warnings := selectProvider(d, now, tenant, chain, task.SimulateProviderFailures)

	series, err := metrics.QueryMetricData(d, tenant.ID, metrics.Query{MetricID: metricID, Grain: metrics.GrainDay})
	if err != nil {
		return nil, err
	}
	history := series.Points
	n := len(history)

	var forecast *state.Forecast
	var anomalies []state.AnomalyPoint

	switch task.Objective {
	case ObjectiveForecast:
		if n < 2 {
			warnings = append(warnings, WarnInsufficientData)
			forecast = &state.Forecast{Points: []state.ForecastPoint{}}
		} else {
			if n < 14 {
				warnings = append(warnings, WarnInsufficientHistory)
			}
			forecast = extrapolate(history, task.HorizonDays)
		}
	case ObjectiveAnomaly:
		if n < 10 {
			warnings = append(warnings, WarnInsufficientHistory)
		} else {
			anomalies = scanAnomalies(history)
		}
	}

	confidence := confidenceFor(n, len(warnings))
	severity := severityFor(confidence)

	status := "completed"
	if len(warnings) > 0 {
		status = "completed_with_warnings"
	}

	run := &state.ModelRun{
		ID:              state.NewID("mrun"),
		TenantID:        tenant.ID,
		Objective:       task.Objective,
		Provider:        provider,
		ProviderTrace:   state.ProviderTrace{Chain: chain, FailoverTrace: trace},
		MetricID:        metricID,
		Status:          status,
		QualityWarnings: warnings,
		CreatedAt:       now,
	}
	d.ModelRuns = append(d.ModelRuns, run)

	insight := &state.Insight{
		ID:              state.NewID("ins"),
		TenantID:        tenant.ID,
		ModelRunID:      run.ID,
		Severity:        severity,
		Confidence:      confidence,
		Objective:       task.Objective,
		MetricID:        metricID,
		Summary:         summarize(task.Objective, metricID, history, forecast, anomalies),
		Forecast:        forecast,
		Anomalies:       anomalies,
		QualityWarnings: warnings,
		CreatedAt:       now,
	}

	actions := proposeActions(d, now, tenant, insight)
	for _, a := range actions {
		insight.ActionIDs = append(insight.ActionIDs, a.ID)
	}
	d.Insights = append(d.Insights, insight)

	return &RunResult{Run: run, Insight: insight, Actions: actions}, nil
}

// providerChain builds the deduplicated, order-preserving provider chain.
func providerChain(tenant *state.Tenant, task Task) []string {
	var chain []string
	seen := map[string]bool{}
	push := func(p string) {
		if p != "" && !seen[p] {
			seen[p] = true
			chain = append(chain, p)
		}
	}
	push(task.Provider)
	if task.PreferByo {
		for _, p := range tenant.ModelConfig.ByoProviders {
			push(p)
		}
	}
	push(tenant.ModelConfig.DefaultProvider)
	for _, p := range tenant.ModelConfig.FailoverChain {
		push(p)
	}
	push(managedProvider)
	return chain
}

// selectProvider walks the chain, skipping cooled-down providers and
// marking failures, and returns the first healthy provider. Exhaustion
// degrades to the managed provider with a warning.
func selectProvider(d *state.Data, now time.Time, tenant *state.Tenant, chain []string, simulatedFailures []string) (string, []state.FailoverEvent, []string) {
	cooldown := tenant.ModelConfig.ProviderCooldownMinutes
	if cooldown <= 0 {
		cooldown = defaultCooldownMinutes
	}
	failSet := map[string]bool{}
	for _, p := range simulatedFailures {
		failSet[p] = true
	}

	var trace []state.FailoverEvent
	var warnings []string
	for _, p := range chain {
		health := d.HealthFor(tenant.ID, p)
		if health.CooldownUntil.After(now) {
			trace = append(trace, state.FailoverEvent{Provider: p, Reason: "skipped_cooldown"})
			continue
		}
		if failSet[p] || containsDown(p) {
			health.FailCount++
			health.LastError = "provider unavailable"
			health.CooldownUntil = now.Add(time.Duration(cooldown) * time.Minute)
			trace = append(trace, state.FailoverEvent{Provider: p, Reason: "failed"})
			continue
		}
		health.SuccessCount++
		if len(trace) > 0 {
			warnings = append(warnings, WarnFailoverUsed)
		}
		return p, trace, warnings
	}
	warnings = append(warnings, WarnFailoverExhausted)
	return managedProvider, trace, warnings
}

func containsDown(provider string) bool {
	return strings.Contains(provider, "down")
}

// extrapolate produces a linear forecast from the history tail.
func extrapolate(history []metrics.Point, horizonDays int) *state.Forecast {
	n := len(history)
	first := history[0].Value
	last := history[n-1].Value
	slope := (last - first) / math.Max(1, float64(n-1))
	points := make([]state.ForecastPoint, 0, horizonDays)
	for i := 1; i <= horizonDays; i++ {
		points = append(points, state.ForecastPoint{Step: i, Value: round2(last + slope*float64(i))})
	}
	return &state.Forecast{Points: points}
}

// scanAnomalies flags history points more than the z threshold from mean.
func scanAnomalies(history []metrics.Point) []state.AnomalyPoint {
	n := float64(len(history))
	mean := 0.0
	for _, p := range history {
		mean += p.Value
	}
	mean /= n
	variance := 0.0
	for _, p := range history {
		variance += (p.Value - mean) * (p.Value - mean)
	}
	stdev := math.Sqrt(variance / n)
	if stdev == 0 {
		return nil
	}
	var out []state.AnomalyPoint
	for _, p := range history {
		if math.Abs(p.Value-mean) > anomalyZThreshold*stdev {
			out = append(out, state.AnomalyPoint{
				Date:   p.Bucket,
				Value:  p.Value,
				ZScore: round2((p.Value - mean) / stdev),
			})
		}
	}
	return out
}

func confidenceFor(historyLen, warningCount int) float64 {
	base := 0.54
	if historyLen >= 30 {
		base = 0.84
	} else if historyLen >= 14 {
		base = 0.72
	}
	c := base - 0.10*float64(warningCount)
	if c < 0 {
		c = 0
	}
	return round2(c)
}

func severityFor(confidence float64) string {
	switch {
	case confidence >= 0.8:
		return "low"
	case confidence >= 0.65:
		return "medium"
	default:
		return "high"
	}
}

func summarize(objective, metricID string, history []metrics.Point, forecast *state.Forecast, anomalies []state.AnomalyPoint) string {
	if objective == ObjectiveAnomaly {
		return fmt.Sprintf("Anomaly scan of %s over %d points found %d outliers", metricID, len(history), len(anomalies))
	}
	trend := "flat"
	if forecast != nil && len(forecast.Points) > 1 {
		if forecast.Points[len(forecast.Points)-1].Value > forecast.Points[0].Value {
			trend = "up"
		} else if forecast.Points[len(forecast.Points)-1].Value < forecast.Points[0].Value {
			trend = "down"
		}
	}
	return fmt.Sprintf("Forecast for %s over %d points, trending %s", metricID, len(history), trend)
}

// proposeActions builds the objective's default action set, evaluates each
// through the autonomy policy, and applies autopilot gating.
func proposeActions(d *state.Data, now time.Time, tenant *state.Tenant, insight *state.Insight) []*state.RecommendedAction {
	type proposal struct {
		actionType   string
		targetSystem string
		approval     bool
		impactUsd    float64
	}
	var proposals []proposal
	if insight.Objective == ObjectiveForecast {
		proposals = []proposal{
			{actionType: "adjust_budget", targetSystem: "google_ads", approval: true, impactUsd: 2500},
			{actionType: "create_report", targetSystem: "reporting", impactUsd: 0},
		}
	} else {
		proposals = []proposal{
			{actionType: "notify_owner", targetSystem: "slack", impactUsd: 0},
		}
	}

	var actions []*state.RecommendedAction
	for _, p := range proposals {
		result := policy.EvaluateAction(tenant, policy.Proposal{
			ActionType:               p.actionType,
			Confidence:               insight.Confidence,
			EstimatedBudgetImpactUsd: p.impactUsd,
		})
		execution := "pending"
		if policy.CanAutopilot(tenant, result) {
			execution = "executed"
		}
		action := &state.RecommendedAction{
			ID:                       state.NewID("act"),
			TenantID:                 tenant.ID,
			InsightID:                insight.ID,
			ActionType:               p.actionType,
			TargetSystem:             p.targetSystem,
			RequiresApproval:         p.approval,
			PolicyDecision:           result.Decision,
			PolicyReason:             result.Reason,
			Confidence:               insight.Confidence,
			EstimatedBudgetImpactUsd: p.impactUsd,
			ExecutionState:           execution,
			CreatedAt:                now,
		}
		d.Actions = append(d.Actions, action)
		actions = append(actions, action)
	}
	return actions
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
