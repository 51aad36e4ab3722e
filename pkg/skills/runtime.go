package skills

import (
	"sort"
	"strings"
	"time"

	"github.com/loupelabs/loupe/core/pkg/audit"
	"github.com/loupelabs/loupe/core/pkg/auth"
	"github.com/loupelabs/loupe/core/pkg/metrics"
	"github.com/loupelabs/loupe/core/pkg/modelrun"
	"github.com/loupelabs/loupe/core/pkg/problem"
	"github.com/loupelabs/loupe/core/pkg/state"
)

// Skill run warnings.
const (
	WarnLowConfidence  = "confidence_below_skill_threshold"
	WarnLowDataQuality = "low_data_quality"
)

// RunPayload is a request to execute a skill.
type RunPayload struct {
	SkillID               string   `json:"skillId,omitempty"`
	Intent                string   `json:"intent,omitempty"`
	Input                 string   `json:"input,omitempty"`
	Channel               string   `json:"channel,omitempty"`
	RequestedTools        []string `json:"requestedTools,omitempty"`
	EstimatedTokens       int      `json:"estimatedTokens,omitempty"`
	ContextTokensEstimate int      `json:"contextTokensEstimate,omitempty"`
	TimeoutMs             int      `json:"timeoutMs,omitempty"`
	GenerateReport        bool     `json:"generateReport,omitempty"`
}

// Adapters are the model and report hooks the runtime calls through. They
// are injected so the runtime has no dependency on how downstream steps
// are implemented, and so tests can stub them.
type Adapters struct {
	RunModel func(d *state.Data, now time.Time, tenant *state.Tenant, task modelrun.Task) (*modelrun.RunResult, error)

	// GenerateReport creates a report from a skill run summary and returns
	// the report id.
	GenerateReport func(d *state.Data, now time.Time, tenantID, title, summary string, metricIDs []string) (string, error)
}

// DefaultModelAdapter runs model tasks in-process.
func DefaultModelAdapter() func(*state.Data, time.Time, *state.Tenant, modelrun.Task) (*modelrun.RunResult, error) {
	return modelrun.RunTaskData
}

// Runtime executes skills against the shared store.
type Runtime struct {
	store    *state.Store
	adapters Adapters
}

// NewRuntime builds a runtime. A nil RunModel adapter defaults to the
// in-process model runner; a nil GenerateReport adapter disables the
// report step.
func NewRuntime(st *state.Store, adapters Adapters) *Runtime {
	if adapters.RunModel == nil {
		adapters.RunModel = DefaultModelAdapter()
	}
	return &Runtime{store: st, adapters: adapters}
}

// Target metric per bundled skill. Custom skills forecast revenue.
var targetMetricByBase = map[string]string{
	"finance-pulse":         "profit",
	"data-quality-sentinel": "revenue",
	"deal-desk":             "pipeline_value",
}

// Run routes the payload to an installed skill, enforces its guardrails,
// executes deterministic tools first, then the model step, then the
// optional report step.
func (r *Runtime) Run(ac *auth.Context, payload RunPayload) (*state.SkillRun, error) {
	var run *state.SkillRun
	err := r.store.Update(func(d *state.Data) error {
		sr, err := r.RunData(d, r.store.Now(), ac, payload)
		if err != nil {
			return err
		}
		run = sr
		return nil
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// RunData is Run against an already-locked container, for orchestrators
// composing the skill step with sync and model steps.
func (r *Runtime) RunData(d *state.Data, now time.Time, ac *auth.Context, payload RunPayload) (*state.SkillRun, error) {
	tenant := d.TenantByID(ac.TenantID)
	if tenant == nil {
		return nil, problem.NotFound("unknown tenant %q", ac.TenantID)
	}

	skill, routing, err := route(d, ac.TenantID, payload)
	if err != nil {
		return nil, err
	}
	if err := VerifySignature(skill); err != nil {
		return nil, err
	}

	guardrails, err := enforceGuardrails(tenant, skill, payload)
	if err != nil {
		return nil, err
	}

	requested := payload.RequestedTools
	if len(requested) == 0 {
		for _, t := range skill.Manifest.Tools {
			if t.Allow {
				requested = append(requested, t.ID)
			}
		}
	}
	allowed := allowedTools(skill.Manifest, requested)

	run := &state.SkillRun{
		ID:       state.NewID("srun"),
		TenantID: tenant.ID,
		SkillID:  skill.ID,
		BaseID:   skill.BaseID,
		Channel:  payload.Channel,
		Intent:   payload.Intent,
		Trace: state.SkillTrace{
			Routing:    routing,
			Tools:      state.SkillToolTrace{Requested: requested, Allowed: allowed},
			Guardrails: guardrails,
		},
		CreatedAt: now,
	}

	// Deterministic tools run before any model call so their outputs
	// can ground the model step.
	outputs := map[string]any{}
	for _, tool := range allowed {
		snapshot, ok := runDeterministicTool(d, tenant.ID, tool)
		if !ok {
			continue
		}
		outputs[tool] = snapshot
		run.Trace.Tools.DeterministicExecuted = append(run.Trace.Tools.DeterministicExecuted, tool)
	}
	run.Artifacts.DeterministicOutputs = outputs

	var warnings []string
	confidence := 1.0
	var modelResult *modelrun.RunResult
	if containsTool(allowed, "model.run") {
		task := modelTask(skill, payload)
		result, err := r.adapters.RunModel(d, now, tenant, task)
		if err != nil {
			return nil, err
		}
		modelResult = result
		run.Artifacts.ModelRunID = result.Run.ID
		run.Artifacts.ModelRunIDs = []string{result.Run.ID}
		confidence = result.Insight.Confidence
	}

	if confidence < skill.Manifest.Guardrails.ConfidenceMin {
		warnings = append(warnings, WarnLowConfidence)
	}
	if quality, ok := dataQualityFrom(outputs); ok && quality < 0.70 {
		warnings = append(warnings, WarnLowDataQuality)
	}

	if payload.GenerateReport && containsTool(allowed, "reports.generate") && r.adapters.GenerateReport != nil {
		title := skill.Manifest.Name + " report"
		summary := skillSummary(skill, modelResult)
		metricIDs := []string{targetMetric(skill)}
		reportID, err := r.adapters.GenerateReport(d, now, tenant.ID, title, summary, metricIDs)
		if err != nil {
			return nil, err
		}
		run.Artifacts.ReportID = reportID
		run.Artifacts.ReportIDs = []string{reportID}
	}

	run.Confidence = confidence
	run.Status = "completed"
	if len(warnings) > 0 {
		run.Status = "completed_with_warning"
		run.ReasoningHints = warnings
	}
	d.SkillRuns = append(d.SkillRuns, run)
	audit.Record(d, ac, now, "skills.run", map[string]any{
		"skillRunId": run.ID,
		"skillId":    skill.ID,
		"status":     run.Status,
	})
	return run, nil
}

// ListRuns returns the tenant's skill runs.
func (r *Runtime) ListRuns(ac *auth.Context) ([]*state.SkillRun, error) {
	var out []*state.SkillRun
	err := r.store.View(func(d *state.Data) error {
		for _, sr := range d.SkillRuns {
			if sr.TenantID == ac.TenantID {
				out = append(out, sr)
			}
		}
		return nil
	})
	return out, err
}

// precedenceRank orders routing candidates, lower first.
var precedenceRank = map[string]int{
	PrecedenceWorkspace: 0,
	PrecedenceLocal:     1,
	PrecedenceBundled:   2,
}

// route picks the skill to execute. An explicit skillId wins; otherwise
// active skills are scored on trigger intents and channel, ties broken by
// precedence tier.
func route(d *state.Data, tenantID string, payload RunPayload) (*state.InstalledSkill, string, error) {
	installed := d.SkillsForTenant(tenantID)

	if payload.SkillID != "" {
		for _, s := range installed {
			if !s.Active {
				continue
			}
			if s.ID == payload.SkillID || s.BaseID == payload.SkillID {
				return s, "explicit:" + s.ID, nil
			}
		}
		return nil, "", problem.NotFound("no active skill matches %q", payload.SkillID)
	}

	haystack := strings.ToLower(payload.Intent + " " + payload.Input)
	type candidate struct {
		skill *state.InstalledSkill
		score int
	}
	var candidates []candidate
	for _, s := range installed {
		if !s.Active {
			continue
		}
		score := 0
		for _, intent := range s.Manifest.Triggers.Intents {
			if strings.Contains(haystack, strings.ToLower(intent)) {
				score += 3
			}
		}
		if payload.Channel != "" {
			for _, ch := range s.Manifest.Triggers.Channels {
				if ch == payload.Channel {
					score++
					break
				}
			}
		}
		if score > 0 {
			candidates = append(candidates, candidate{skill: s, score: score})
		}
	}
	if len(candidates) == 0 {
		return nil, "", problem.NotFound("no skill matches intent %q", payload.Intent)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return precedenceRank[candidates[i].skill.Precedence] < precedenceRank[candidates[j].skill.Precedence]
	})
	best := candidates[0]
	return best.skill, "matched:" + best.skill.ID, nil
}

// enforceGuardrails applies pre-execution limits in a fixed order: kill
// switches first, then the tool allowlist, then budgets. The first failed
// check aborts the run; passed checks up to that point are recorded.
func enforceGuardrails(tenant *state.Tenant, skill *state.InstalledSkill, payload RunPayload) ([]state.QualityCheck, error) {
	var checks []state.QualityCheck
	pass := func(name string) {
		checks = append(checks, state.QualityCheck{Name: name, Status: "pass"})
	}
	fail := func(name, detail string, p *problem.Problem) ([]state.QualityCheck, error) {
		checks = append(checks, state.QualityCheck{Name: name, Status: "fail", Detail: detail})
		return checks, p
	}

	g := skill.Manifest.Guardrails

	if tenant.AutonomyPolicy.KillSwitch {
		return fail("tenant_kill_switch", "tenant kill switch is enabled",
			problem.Forbidden("tenant kill switch is enabled"))
	}
	pass("tenant_kill_switch")

	if g.KillSwitch {
		return fail("skill_kill_switch", "skill kill switch is enabled",
			problem.Forbidden("skill %q kill switch is enabled", skill.ID))
	}
	pass("skill_kill_switch")

	for _, tool := range payload.RequestedTools {
		if !toolAllowed(skill.Manifest, tool) {
			return fail("tool_allowlist", "tool "+tool+" is not allowed",
				problem.Forbidden("tool %q is not allowed by skill %q", tool, skill.ID))
		}
	}
	pass("tool_allowlist")

	if g.TokenBudget > 0 && payload.EstimatedTokens > g.TokenBudget {
		return fail("token_budget", "estimated tokens exceed budget",
			problem.BadRequest("estimated tokens %d exceed skill token budget %d", payload.EstimatedTokens, g.TokenBudget))
	}
	pass("token_budget")

	if g.ContextTokenBudget > 0 && payload.ContextTokensEstimate > g.ContextTokenBudget {
		return fail("context_token_budget", "estimated context exceeds budget",
			problem.BadRequest("estimated context tokens %d exceed skill context budget %d", payload.ContextTokensEstimate, g.ContextTokenBudget))
	}
	pass("context_token_budget")

	if g.TimeBudgetMs > 0 && payload.TimeoutMs > g.TimeBudgetMs {
		return fail("time_budget", "requested timeout exceeds budget",
			problem.BadRequest("requested timeout %dms exceeds skill time budget %dms", payload.TimeoutMs, g.TimeBudgetMs))
	}
	pass("time_budget")

	return checks, nil
}

func toolAllowed(m state.SkillManifest, toolID string) bool {
	for _, t := range m.Tools {
		if t.ID == toolID {
			return t.Allow
		}
	}
	return false
}

func allowedTools(m state.SkillManifest, requested []string) []string {
	var out []string
	for _, tool := range requested {
		if toolAllowed(m, tool) {
			out = append(out, tool)
		}
	}
	return out
}

func containsTool(tools []string, id string) bool {
	for _, t := range tools {
		if t == id {
			return true
		}
	}
	return false
}

func targetMetric(skill *state.InstalledSkill) string {
	if m, ok := targetMetricByBase[skill.BaseID]; ok {
		return m
	}
	return "revenue"
}

func modelTask(skill *state.InstalledSkill, payload RunPayload) modelrun.Task {
	objective := modelrun.ObjectiveForecast
	intent := strings.ToLower(payload.Intent)
	if strings.Contains(intent, "anomaly") || strings.Contains(intent, "quality") {
		objective = modelrun.ObjectiveAnomaly
	}
	return modelrun.Task{
		Objective:       objective,
		OutputMetricIDs: []string{targetMetric(skill)},
	}
}

// runDeterministicTool executes a compute.* tool. Unknown tools report
// not-ok and are skipped rather than failing the run.
func runDeterministicTool(d *state.Data, tenantID, tool string) (map[string]any, bool) {
	switch tool {
	case "compute.finance_snapshot":
		return financeSnapshot(d, tenantID), true
	case "compute.data_quality_snapshot":
		return dataQualitySnapshot(d, tenantID), true
	case "compute.deal_desk_snapshot":
		return dealDeskSnapshot(d, tenantID), true
	default:
		return nil, false
	}
}

func metricTotal(d *state.Data, tenantID, metricID string) float64 {
	series, err := metrics.QueryMetricData(d, tenantID, metrics.Query{MetricID: metricID, Grain: metrics.GrainDay})
	if err != nil {
		return 0
	}
	return series.Summary.Total
}

func financeSnapshot(d *state.Data, tenantID string) map[string]any {
	cashIn := metricTotal(d, tenantID, "cash_in")
	cashOut := metricTotal(d, tenantID, "cash_out")
	return map[string]any{
		"cashIn":     cashIn,
		"cashOut":    cashOut,
		"profit":     metricTotal(d, tenantID, "profit"),
		"runwayDays": metricTotal(d, tenantID, "runway_days"),
	}
}

func dataQualitySnapshot(d *state.Data, tenantID string) map[string]any {
	conns := d.ConnectionsForTenant(tenantID)
	sources := make([]map[string]any, 0, len(conns))
	var total float64
	var scored int
	for _, c := range conns {
		entry := map[string]any{
			"connectionId": c.ID,
			"sourceType":   c.SourceType,
			"status":       c.Status,
		}
		if run := d.LatestRunForConnection(c.ID); run != nil {
			entry["qualityScore"] = run.Diagnostics.QualityScore
			entry["lastSyncAt"] = run.FinishedAt
			total += run.Diagnostics.QualityScore
			scored++
		}
		sources = append(sources, entry)
	}
	avg := 1.0
	if scored > 0 {
		avg = total / float64(scored)
	}
	return map[string]any{
		"sources":             sources,
		"averageQualityScore": avg,
	}
}

func dealDeskSnapshot(d *state.Data, tenantID string) map[string]any {
	return map[string]any{
		"pipelineValue": metricTotal(d, tenantID, "pipeline_value"),
		"dealsWon":      metricTotal(d, tenantID, "deals_won"),
		"dealsTotal":    metricTotal(d, tenantID, "deals_total"),
		"winRate":       metricTotal(d, tenantID, "win_rate"),
	}
}

func dataQualityFrom(outputs map[string]any) (float64, bool) {
	snapshot, ok := outputs["compute.data_quality_snapshot"].(map[string]any)
	if !ok {
		return 0, false
	}
	avg, ok := snapshot["averageQualityScore"].(float64)
	return avg, ok
}

func skillSummary(skill *state.InstalledSkill, modelResult *modelrun.RunResult) string {
	if modelResult != nil {
		return modelResult.Insight.Summary
	}
	return skill.Manifest.Name + " run summary"
}
