// Package analysis implements the orchestrated run: source sync behind a
// freshness SLA and quality gate, model task from a profile, optional
// skill, report build, and channel delivery — as an explicit state
// machine with a totally ordered timeline.
package analysis

import (
	"fmt"
	"time"

	"github.com/loupelabs/loupe/core/pkg/audit"
	"github.com/loupelabs/loupe/core/pkg/auth"
	"github.com/loupelabs/loupe/core/pkg/modelrun"
	"github.com/loupelabs/loupe/core/pkg/problem"
	"github.com/loupelabs/loupe/core/pkg/reports"
	"github.com/loupelabs/loupe/core/pkg/skills"
	"github.com/loupelabs/loupe/core/pkg/sources"
	"github.com/loupelabs/loupe/core/pkg/state"
)

const defaultPeriodDays = 30

var stepOrder = []string{"source", "model", "skill", "report", "delivery"}

// Adapters are the component hooks the orchestrator calls through.
// Tests stub them; production wiring uses DefaultAdapters.
type Adapters struct {
	SyncSource     func(d *state.Data, now time.Time, conn *state.SourceConnection, opts sources.SyncOptions) (*state.SourceRun, error)
	RunModel       func(d *state.Data, now time.Time, tenant *state.Tenant, task modelrun.Task) (*modelrun.RunResult, error)
	RunSkill       func(d *state.Data, now time.Time, ac *auth.Context, payload skills.RunPayload) (*state.SkillRun, error)
	GenerateReport func(d *state.Data, now time.Time, tenantID string, req reports.GenerateRequest) (*reports.GenerateResult, error)
}

// DefaultAdapters wires the real components. The skill runtime is passed
// in because it carries its own adapter set.
func DefaultAdapters(runtime *skills.Runtime) Adapters {
	return Adapters{
		SyncSource:     sources.SyncData,
		RunModel:       modelrun.RunTaskData,
		RunSkill:       runtime.RunData,
		GenerateReport: reports.GenerateData,
	}
}

// Orchestrator drives analysis runs against the shared store.
type Orchestrator struct {
	store    *state.Store
	adapters Adapters
}

// NewOrchestrator builds an orchestrator.
func NewOrchestrator(st *state.Store, adapters Adapters) *Orchestrator {
	return &Orchestrator{store: st, adapters: adapters}
}

// CreateRequest declares a run; nothing executes until Execute.
type CreateRequest struct {
	SourceConnectionID string   `json:"sourceConnectionId"`
	ModelProfileID     string   `json:"modelProfileId"`
	ReportTypeID       string   `json:"reportTypeId"`
	SkillID            string   `json:"skillId,omitempty"`
	Channels           []string `json:"channels,omitempty"`
}

// Create records a draft run after resolving every reference.
func (o *Orchestrator) Create(ac *auth.Context, req CreateRequest) (*state.AnalysisRun, error) {
	var run *state.AnalysisRun
	err := o.store.Update(func(d *state.Data) error {
		if d.TenantByID(ac.TenantID) == nil {
			return problem.NotFound("unknown tenant %q", ac.TenantID)
		}
		if d.ConnectionByID(ac.TenantID, req.SourceConnectionID) == nil {
			return problem.NotFound("unknown connection %q", req.SourceConnectionID)
		}
		if d.ModelProfileByID(ac.TenantID, req.ModelProfileID) == nil {
			return problem.NotFound("unknown model profile %q", req.ModelProfileID)
		}
		if d.ReportTypeByID(ac.TenantID, req.ReportTypeID) == nil {
			return problem.NotFound("unknown report type %q", req.ReportTypeID)
		}
		now := o.store.Now()
		steps := make([]state.AnalysisStep, 0, len(stepOrder))
		for _, name := range stepOrder {
			steps = append(steps, state.AnalysisStep{Name: name, Status: "pending"})
		}
		run = &state.AnalysisRun{
			ID:                 state.NewID("arun"),
			TenantID:           ac.TenantID,
			Status:             "draft",
			SourceConnectionID: req.SourceConnectionID,
			ModelProfileID:     req.ModelProfileID,
			ReportTypeID:       req.ReportTypeID,
			SkillID:            req.SkillID,
			Channels:           req.Channels,
			Steps:              steps,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		d.AnalysisRuns = append(d.AnalysisRuns, run)
		audit.Record(d, ac, now, "analysis.run.create", map[string]any{"analysisRunId": run.ID})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ExecuteOptions tunes one execution.
type ExecuteOptions struct {
	ForceSync  bool `json:"forceSync,omitempty"`
	PeriodDays int  `json:"periodDays,omitempty"`
}

// Execute drives the run through source, model, skill, report and
// delivery. Exactly one step is running at any moment; the first failing
// step marks the run failed and the error propagates. The failed state
// is committed like any other mutation, so it survives a restart: the
// closure returns nil after fail() and the step error is carried out in
// stepErr instead.
func (o *Orchestrator) Execute(ac *auth.Context, runID string, opts ExecuteOptions) (*state.AnalysisRun, error) {
	var (
		run     *state.AnalysisRun
		stepErr error
	)
	err := o.store.Update(func(d *state.Data) error {
		run = d.AnalysisRunByID(ac.TenantID, runID)
		if run == nil {
			return problem.NotFound("unknown analysis run %q", runID)
		}
		if run.Status == "running" {
			return problem.Conflict("analysis run %q is already running", runID)
		}
		tenant := d.TenantByID(ac.TenantID)
		if tenant == nil {
			return problem.NotFound("unknown tenant %q", ac.TenantID)
		}
		now := o.store.Now()
		run.Status = "running"
		run.UpdatedAt = now
		timeline(run, now, "run", "execution started")

		steps := []struct {
			name string
			fn   func() error
		}{
			{"source", func() error { return o.sourceStep(d, run, now, opts) }},
			{"model", func() error { return o.modelStep(d, run, tenant, now) }},
			{"skill", func() error { return o.skillStep(d, run, ac, now) }},
			{"report", func() error { return o.reportStep(d, run, now) }},
			{"delivery", func() error { return o.deliveryStep(d, run, now) }},
		}
		for _, s := range steps {
			if err := o.runStep(d, run, s.name, now, s.fn); err != nil {
				o.fail(d, ac, run, now, err)
				stepErr = err
				return nil
			}
		}

		run.Status = "completed"
		run.UpdatedAt = now
		timeline(run, now, "run", "execution completed")
		audit.Record(d, ac, now, "analysis.run.execute", map[string]any{
			"analysisRunId": run.ID,
			"status":        run.Status,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if stepErr != nil {
		return nil, stepErr
	}
	return run, nil
}

// runStep transitions one step pending → running → done|error.
func (o *Orchestrator) runStep(d *state.Data, run *state.AnalysisRun, name string, now time.Time, fn func() error) error {
	step := findStep(run, name)
	step.Status = "running"
	timeline(run, now, name, "step started")
	if err := fn(); err != nil {
		step.Status = "error"
		step.Detail = err.Error()
		timeline(run, now, name, "step failed: "+err.Error())
		return err
	}
	step.Status = "done"
	timeline(run, now, name, "step done")
	return nil
}

// fail records the terminal state; the caller commits it and reports the
// step error separately.
func (o *Orchestrator) fail(d *state.Data, ac *auth.Context, run *state.AnalysisRun, now time.Time, err error) {
	run.Status = "failed"
	run.UpdatedAt = now
	audit.Record(d, ac, now, "analysis.run.execute", map[string]any{
		"analysisRunId": run.ID,
		"status":        run.Status,
		"error":         err.Error(),
	})
}

// sourceStep syncs the connection when it is stale or forced, then
// applies the quality gate.
func (o *Orchestrator) sourceStep(d *state.Data, run *state.AnalysisRun, now time.Time, opts ExecuteOptions) error {
	conn := d.ConnectionByID(run.TenantID, run.SourceConnectionID)
	if conn == nil {
		return problem.NotFound("unknown connection %q", run.SourceConnectionID)
	}

	latest := d.LatestRunForConnection(conn.ID)
	stale := latest == nil
	if latest != nil && conn.SyncPolicy.FreshnessSlaHours > 0 {
		age := now.Sub(latest.FinishedAt)
		stale = age > time.Duration(conn.SyncPolicy.FreshnessSlaHours)*time.Hour
	}

	if stale || opts.ForceSync {
		periodDays := opts.PeriodDays
		if periodDays <= 0 {
			periodDays = conn.SyncPolicy.BackfillDays
		}
		if periodDays <= 0 {
			periodDays = defaultPeriodDays
		}
		sr, err := o.adapters.SyncSource(d, now, conn, sources.SyncOptions{PeriodDays: periodDays})
		if err != nil {
			return err
		}
		latest = sr
	}

	if conn.QualityPolicy.BlockModelRun && latest != nil {
		diag := latest.Diagnostics
		if !diag.QualityPassed || diag.QualityScore < conn.QualityPolicy.MinQualityScore {
			return problem.BadRequest("quality gate failed: score %.2f below %.2f",
				diag.QualityScore, conn.QualityPolicy.MinQualityScore)
		}
	}
	findStep(run, "source").Detail = fmt.Sprintf("connection %s", conn.ID)
	return nil
}

func (o *Orchestrator) modelStep(d *state.Data, run *state.AnalysisRun, tenant *state.Tenant, now time.Time) error {
	profile := d.ModelProfileByID(run.TenantID, run.ModelProfileID)
	if profile == nil {
		return problem.NotFound("unknown model profile %q", run.ModelProfileID)
	}
	result, err := o.adapters.RunModel(d, now, tenant, modelrun.Task{
		Objective:       profile.Objective,
		OutputMetricIDs: []string{profile.TargetMetricID},
		HorizonDays:     profile.HorizonDays,
		Provider:        profile.Provider,
	})
	if err != nil {
		return err
	}
	run.Artifacts.InsightID = result.Insight.ID
	findStep(run, "model").Detail = fmt.Sprintf("insight %s confidence %.2f", result.Insight.ID, result.Insight.Confidence)
	return nil
}

func (o *Orchestrator) skillStep(d *state.Data, run *state.AnalysisRun, ac *auth.Context, now time.Time) error {
	if run.SkillID == "" {
		findStep(run, "skill").Detail = "skipped"
		return nil
	}
	sr, err := o.adapters.RunSkill(d, now, ac, skills.RunPayload{SkillID: run.SkillID})
	if err != nil {
		return err
	}
	findStep(run, "skill").Detail = fmt.Sprintf("skill run %s", sr.ID)
	return nil
}

func (o *Orchestrator) reportStep(d *state.Data, run *state.AnalysisRun, now time.Time) error {
	rt := d.ReportTypeByID(run.TenantID, run.ReportTypeID)
	if rt == nil {
		return problem.NotFound("unknown report type %q", run.ReportTypeID)
	}
	insight := d.InsightByID(run.TenantID, run.Artifacts.InsightID)
	ctx := map[string]string{"runId": run.ID}
	if insight != nil {
		ctx["insightId"] = insight.ID
		ctx["confidence"] = fmt.Sprintf("%g", insight.Confidence)
		ctx["actionsCount"] = fmt.Sprintf("%d", len(insight.ActionIDs))
	}
	format := "markdown"
	result, err := o.adapters.GenerateReport(d, now, run.TenantID, reports.GenerateRequest{
		Title:                  rt.Name,
		Format:                 format,
		ChannelTemplateContext: ctx,
	})
	if err != nil {
		return err
	}
	run.Artifacts.ReportID = result.Report.ID
	findStep(run, "report").Detail = fmt.Sprintf("report %s", result.Report.ID)
	return nil
}

// deliveryStep attempts every configured channel. The step is done even
// when some deliveries fail; retries are explicit later.
func (o *Orchestrator) deliveryStep(d *state.Data, run *state.AnalysisRun, now time.Time) error {
	events, err := o.deliver(d, run, now, run.Channels)
	if err != nil {
		return err
	}
	findStep(run, "delivery").Detail = fmt.Sprintf("%d delivery events", len(events))
	return nil
}

// deliver re-renders the run's report onto the given channels using the
// report type's templates.
func (o *Orchestrator) deliver(d *state.Data, run *state.AnalysisRun, now time.Time, channels []string) ([]*state.ChannelEvent, error) {
	if run.Artifacts.ReportID == "" {
		return nil, problem.BadRequest("analysis run %q has no report", run.ID)
	}
	report := d.ReportByID(run.TenantID, run.Artifacts.ReportID)
	if report == nil {
		return nil, problem.NotFound("unknown report %q", run.Artifacts.ReportID)
	}
	rt := d.ReportTypeByID(run.TenantID, run.ReportTypeID)
	if len(channels) == 0 && rt != nil {
		channels = rt.DefaultChannels
	}
	insight := d.InsightByID(run.TenantID, run.Artifacts.InsightID)

	templates := map[string]string{}
	if rt != nil {
		templates = rt.DeliveryTemplates
	}
	ctx := map[string]string{"runId": run.ID}
	if insight != nil {
		ctx["insightId"] = insight.ID
		ctx["confidence"] = fmt.Sprintf("%g", insight.Confidence)
		ctx["actionsCount"] = fmt.Sprintf("%d", len(insight.ActionIDs))
	}

	events := reports.DeliverReport(d, now, run.TenantID, report, insight, channels, templates, ctx)
	for _, ev := range events {
		run.Artifacts.ChannelEventIDs = append(run.Artifacts.ChannelEventIDs, ev.ID)
	}
	return events, nil
}

// DeliverRequest re-delivers an executed run's report.
type DeliverRequest struct {
	Channels []string `json:"channels,omitempty"`
}

// Deliver delivers the run's report on the requested channels, defaulting
// to the run's own channel list.
func (o *Orchestrator) Deliver(ac *auth.Context, runID string, req DeliverRequest) (*state.AnalysisRun, error) {
	var run *state.AnalysisRun
	err := o.store.Update(func(d *state.Data) error {
		run = d.AnalysisRunByID(ac.TenantID, runID)
		if run == nil {
			return problem.NotFound("unknown analysis run %q", runID)
		}
		now := o.store.Now()
		channels := req.Channels
		if len(channels) == 0 {
			channels = run.Channels
		}
		events, err := o.deliver(d, run, now, channels)
		if err != nil {
			return err
		}
		run.UpdatedAt = now
		timeline(run, now, "delivery", fmt.Sprintf("re-delivery produced %d events", len(events)))
		audit.Record(d, ac, now, "analysis.run.deliver", map[string]any{
			"analysisRunId": run.ID,
			"events":        len(events),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// Get returns one run.
func (o *Orchestrator) Get(ac *auth.Context, runID string) (*state.AnalysisRun, error) {
	var run *state.AnalysisRun
	err := o.store.View(func(d *state.Data) error {
		run = d.AnalysisRunByID(ac.TenantID, runID)
		if run == nil {
			return problem.NotFound("unknown analysis run %q", runID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// List returns the tenant's runs.
func (o *Orchestrator) List(ac *auth.Context) ([]*state.AnalysisRun, error) {
	var out []*state.AnalysisRun
	err := o.store.View(func(d *state.Data) error {
		out = d.AnalysisRunsForTenant(ac.TenantID)
		return nil
	})
	return out, err
}

func findStep(run *state.AnalysisRun, name string) *state.AnalysisStep {
	for i := range run.Steps {
		if run.Steps[i].Name == name {
			return &run.Steps[i]
		}
	}
	run.Steps = append(run.Steps, state.AnalysisStep{Name: name, Status: "pending"})
	return &run.Steps[len(run.Steps)-1]
}

func timeline(run *state.AnalysisRun, at time.Time, step, message string) {
	run.Timeline = append(run.Timeline, state.TimelineEntry{At: at, Step: step, Message: message})
}
