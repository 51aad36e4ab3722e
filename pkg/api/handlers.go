package api

import (
	"net/http"
	"time"

	"github.com/loupelabs/loupe/core/pkg/analysis"
	"github.com/loupelabs/loupe/core/pkg/audit"
	"github.com/loupelabs/loupe/core/pkg/auth"
	"github.com/loupelabs/loupe/core/pkg/blueprints"
	"github.com/loupelabs/loupe/core/pkg/connector"
	"github.com/loupelabs/loupe/core/pkg/metrics"
	"github.com/loupelabs/loupe/core/pkg/modelrun"
	"github.com/loupelabs/loupe/core/pkg/problem"
	"github.com/loupelabs/loupe/core/pkg/querybroker"
	"github.com/loupelabs/loupe/core/pkg/reports"
	"github.com/loupelabs/loupe/core/pkg/settings"
	"github.com/loupelabs/loupe/core/pkg/skills"
	"github.com/loupelabs/loupe/core/pkg/sources"
	"github.com/loupelabs/loupe/core/pkg/state"
)

var (
	opsRoles     = []auth.Role{auth.RoleOwner, auth.RoleAdmin, auth.RoleOperator}
	analystRoles = []auth.Role{auth.RoleOwner, auth.RoleAdmin, auth.RoleOperator, auth.RoleAnalyst}
)

// --- control plane

func (s *Server) handleFeatureFlags(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]bool{
		"liveQuery":    true,
		"skills":       true,
		"analysisRuns": true,
		"scheduler":    true,
		"reports":      true,
	})
}

func (s *Server) handleBlueprints(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, blueprints.List())
}

func (s *Server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authed(w, r, false); !ok {
		return
	}
	tenants, err := settings.ListTenants(s.store)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, tenants)
}

func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.authed(w, r, false)
	if !ok {
		return
	}
	var req settings.CreateTenantRequest
	if !s.decode(w, r, &req) {
		return
	}
	tenant, err := settings.CreateTenant(s.store, ac, req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, tenant)
}

// --- settings

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.authed(w, r, true)
	if !ok {
		return
	}
	view, err := settings.Get(s.store, ac)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleGetChannelSettings(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.authed(w, r, true)
	if !ok {
		return
	}
	view, err := settings.Get(s.store, ac)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view.Channels)
}

func (s *Server) handlePatchChannels(w http.ResponseWriter, r *http.Request) {
	s.patchSettingsSection(w, r, settings.SectionChannels)
}

func (s *Server) handlePatchSettings(w http.ResponseWriter, r *http.Request) {
	s.patchSettingsSection(w, r, r.PathValue("section"))
}

func (s *Server) patchSettingsSection(w http.ResponseWriter, r *http.Request, section string) {
	ac, ok := s.authed(w, r, true, opsRoles...)
	if !ok {
		return
	}
	var patch map[string]any
	if !s.decode(w, r, &patch) {
		return
	}
	view, err := settings.Patch(s.store, ac, section, patch)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

// --- model profiles

func (s *Server) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.authed(w, r, true)
	if !ok {
		return
	}
	profiles, err := settings.ListProfiles(s.store, ac)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, profiles)
}

func (s *Server) handleCreateProfile(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.authed(w, r, true, analystRoles...)
	if !ok {
		return
	}
	var req settings.ProfileRequest
	if !s.decode(w, r, &req) {
		return
	}
	profile, err := settings.CreateProfile(s.store, ac, req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, profile)
}

func (s *Server) handlePatchProfile(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.authed(w, r, true, analystRoles...)
	if !ok {
		return
	}
	var req settings.ProfileRequest
	if !s.decode(w, r, &req) {
		return
	}
	profile, err := settings.PatchProfile(s.store, ac, r.PathValue("id"), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handleActivateProfile(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.authed(w, r, true, opsRoles...)
	if !ok {
		return
	}
	profile, err := settings.ActivateProfile(s.store, ac, r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, profile)
}

// --- report types

func (s *Server) handleListReportTypes(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.authed(w, r, true)
	if !ok {
		return
	}
	types, err := reports.ListTypes(s.store, ac)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, types)
}

func (s *Server) handleCreateReportType(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.authed(w, r, true, analystRoles...)
	if !ok {
		return
	}
	var req reports.TypeRequest
	if !s.decode(w, r, &req) {
		return
	}
	rt, err := reports.CreateType(s.store, ac, req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, rt)
}

func (s *Server) handlePatchReportType(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.authed(w, r, true, analystRoles...)
	if !ok {
		return
	}
	var req reports.TypeRequest
	if !s.decode(w, r, &req) {
		return
	}
	rt, err := reports.PatchType(s.store, ac, r.PathValue("id"), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rt)
}

func (s *Server) handlePreviewReportType(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.authed(w, r, true)
	if !ok {
		return
	}
	preview, err := reports.PreviewType(s.store, ac, r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, preview)
}

func (s *Server) handleDeliveryPreview(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.authed(w, r, true)
	if !ok {
		return
	}
	previews, err := reports.DeliveryPreviewType(s.store, ac, r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, previews)
}

// --- skills

func (s *Server) handleCreateDraft(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.authed(w, r, true, analystRoles...)
	if !ok {
		return
	}
	var manifest state.SkillManifest
	if !s.decode(w, r, &manifest) {
		return
	}
	draft, err := skills.CreateDraft(s.store, ac, manifest)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, draft)
}

func (s *Server) handleListDrafts(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.authed(w, r, true)
	if !ok {
		return
	}
	drafts, err := skills.ListDrafts(s.store, ac)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, drafts)
}

func (s *Server) handlePatchDraft(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.authed(w, r, true, analystRoles...)
	if !ok {
		return
	}
	var manifest state.SkillManifest
	if !s.decode(w, r, &manifest) {
		return
	}
	draft, err := skills.UpdateDraft(s.store, ac, r.PathValue("id"), manifest)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, draft)
}

func (s *Server) handleValidateDraft(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.authed(w, r, true)
	if !ok {
		return
	}
	checks, err := skills.ValidateDraft(s.store, ac, r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"valid":  skills.ManifestValid(checks),
		"checks": checks,
	})
}

func (s *Server) handlePublishDraft(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.authed(w, r, true, opsRoles...)
	if !ok {
		return
	}
	var req struct {
		Activate bool `json:"activate"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	installed, err := skills.PublishDraft(s.store, ac, r.PathValue("id"), req.Activate)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, installed)
}

func (s *Server) handleSkillCatalog(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authed(w, r, true); !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, skills.BundledManifests())
}

func (s *Server) handleInstallSkill(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.authed(w, r, true, opsRoles...)
	if !ok {
		return
	}
	var req skills.InstallRequest
	if !s.decode(w, r, &req) {
		return
	}
	installed, err := skills.Install(s.store, ac, req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, installed)
}

func (s *Server) handleListInstalled(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.authed(w, r, true)
	if !ok {
		return
	}
	installed, err := skills.List(s.store, ac)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, installed)
}

func (s *Server) handleRunSkill(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.authed(w, r, true, analystRoles...)
	if !ok {
		return
	}
	var payload skills.RunPayload
	if !s.decode(w, r, &payload) {
		return
	}
	run, err := s.runtime.Run(ac, payload)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListSkillRuns(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.authed(w, r, true)
	if !ok {
		return
	}
	runs, err := s.runtime.ListRuns(ac)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleActivateSkill(w http.ResponseWriter, r *http.Request) {
	s.setSkillActive(w, r, true)
}

func (s *Server) handleDeactivateSkill(w http.ResponseWriter, r *http.Request) {
	s.setSkillActive(w, r, false)
}

func (s *Server) setSkillActive(w http.ResponseWriter, r *http.Request, active bool) {
	ac, ok := s.authed(w, r, true, opsRoles...)
	if !ok {
		return
	}
	installed, err := skills.SetActive(s.store, ac, r.PathValue("id"), active)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, installed)
}

// --- sources

func (s *Server) handleSourceCatalog(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authed(w, r, true); !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, connector.Catalog())
}

func (s *Server) handleCreateConnection(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.authed(w, r, true, opsRoles...)
	if !ok {
		return
	}
	var req sources.CreateRequest
	if !s.decode(w, r, &req) {
		return
	}
	conn, err := sources.CreateConnection(s.store, ac, req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, conn)
}

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.authed(w, r, true)
	if !ok {
		return
	}
	var conns []*state.SourceConnection
	err := s.store.View(func(d *state.Data) error {
		conns = d.ConnectionsForTenant(ac.TenantID)
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, conns)
}

func (s *Server) handlePatchConnection(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.authed(w, r, true, opsRoles...)
	if !ok {
		return
	}
	var req sources.PatchRequest
	if !s.decode(w, r, &req) {
		return
	}
	conn, err := sources.PatchConnection(s.store, ac, r.PathValue("id"), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, conn)
}

func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.authed(w, r, true, opsRoles...)
	if !ok {
		return
	}
	result, err := sources.TestConnection(s.store, ac, r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSyncConnection(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.authed(w, r, true, opsRoles...)
	if !ok {
		return
	}
	var opts sources.SyncOptions
	if !s.decode(w, r, &opts) {
		return
	}
	run, err := sources.RunSync(s.store, ac, r.PathValue("id"), opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if s.obs != nil {
		s.obs.RecordSync(r.Context(), run.Status)
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListSourceRuns(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.authed(w, r, true)
	if !ok {
		return
	}
	runs, err := sources.ListRuns(s.store, ac, r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleProviderSync(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.authed(w, r, true, opsRoles...)
	if !ok {
		return
	}
	var opts sources.SyncOptions
	if !s.decode(w, r, &opts) {
		return
	}
	run, err := sources.SyncProvider(s.store, ac, r.PathValue("provider"), opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if s.obs != nil {
		s.obs.RecordSync(r.Context(), run.Status)
	}
	s.writeJSON(w, http.StatusOK, run)
}

// --- metrics and live queries

func (s *Server) handleMetricsQuery(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.authed(w, r, true)
	if !ok {
		return
	}
	q := metrics.Query{
		MetricID:  r.URL.Query().Get("metricId"),
		Grain:     r.URL.Query().Get("grain"),
		StartDate: r.URL.Query().Get("startDate"),
		EndDate:   r.URL.Query().Get("endDate"),
	}
	series, err := metrics.QueryMetric(s.store, ac.TenantID, q)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, series)
}

func (s *Server) handleLiveQuery(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.authed(w, r, true)
	if !ok {
		return
	}
	if !s.allowLiveQuery(ac.TenantID) {
		s.writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":      "live query rate limit exceeded",
			"statusCode": http.StatusTooManyRequests,
		})
		return
	}
	var req querybroker.Request
	if !s.decode(w, r, &req) {
		return
	}
	result, err := s.broker.RunLiveQuery(r.Context(), ac, req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleMaterialize(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.authed(w, r, true, analystRoles...)
	if !ok {
		return
	}
	var req querybroker.MaterializeRequest
	if !s.decode(w, r, &req) {
		return
	}
	run, err := s.broker.Materialize(r.Context(), ac, req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, run)
}

// --- model runs, actions, insights

func (s *Server) handleModelRun(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.authed(w, r, true)
	if !ok {
		return
	}
	var task modelrun.Task
	if !s.decode(w, r, &task) {
		return
	}
	result, err := modelrun.RunTask(s.store, ac, task)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if s.obs != nil {
		s.obs.RecordModelRun(r.Context(), result.Run.Objective, result.Run.Status)
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleAgentJob(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.authed(w, r, true, analystRoles...)
	if !ok {
		return
	}
	var task modelrun.Task
	if !s.decode(w, r, &task) {
		return
	}
	result, err := modelrun.RunTask(s.store, ac, task)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleApproveAction(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.authed(w, r, true, opsRoles...)
	if !ok {
		return
	}
	var req modelrun.ApprovalRequest
	if !s.decode(w, r, &req) {
		return
	}
	approval, err := modelrun.ApproveAction(s.store, ac, req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, approval)
}

func (s *Server) handlePendingActions(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.authed(w, r, true)
	if !ok {
		return
	}
	actions, err := modelrun.PendingActions(s.store, ac)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, actions)
}

func (s *Server) handleGetInsight(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.authed(w, r, true)
	if !ok {
		return
	}
	id := r.PathValue("id")
	var insight *state.Insight
	err := s.store.View(func(d *state.Data) error {
		if id == "latest" {
			insight = d.LatestInsight(ac.TenantID)
		} else {
			insight = d.InsightByID(ac.TenantID, id)
		}
		if insight == nil {
			return problem.NotFound("no insight found for %q", id)
		}
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, insight)
}

// --- analysis runs

func (s *Server) handleCreateAnalysisRun(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.authed(w, r, true, analystRoles...)
	if !ok {
		return
	}
	var req analysis.CreateRequest
	if !s.decode(w, r, &req) {
		return
	}
	run, err := s.orchestrator.Create(ac, req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, run)
}

func (s *Server) handleListAnalysisRuns(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.authed(w, r, true)
	if !ok {
		return
	}
	runs, err := s.orchestrator.List(ac)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetAnalysisRun(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.authed(w, r, true)
	if !ok {
		return
	}
	run, err := s.orchestrator.Get(ac, r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleExecuteAnalysisRun(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.authed(w, r, true, analystRoles...)
	if !ok {
		return
	}
	var opts analysis.ExecuteOptions
	if !s.decode(w, r, &opts) {
		return
	}
	run, err := s.orchestrator.Execute(ac, r.PathValue("id"), opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleDeliverAnalysisRun(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.authed(w, r, true, analystRoles...)
	if !ok {
		return
	}
	var req analysis.DeliverRequest
	if !s.decode(w, r, &req) {
		return
	}
	run, err := s.orchestrator.Deliver(ac, r.PathValue("id"), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

// --- reports and channels

func (s *Server) handleGenerateReport(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.authed(w, r, true, analystRoles...)
	if !ok {
		return
	}
	var req reports.GenerateRequest
	if !s.decode(w, r, &req) {
		return
	}
	result, err := reports.Generate(s.store, ac, req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if s.obs != nil {
		for _, ev := range result.DeliveryEvents {
			s.obs.RecordDelivery(r.Context(), ev.Channel, ev.Status)
		}
	}
	s.writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.authed(w, r, true, opsRoles...)
	if !ok {
		return
	}
	var req reports.ScheduleRequest
	if !s.decode(w, r, &req) {
		return
	}
	schedule, err := reports.CreateSchedule(s.store, ac, req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, schedule)
}

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.authed(w, r, true)
	if !ok {
		return
	}
	var out []*state.Report
	err := s.store.View(func(d *state.Data) error {
		for _, rep := range d.Reports {
			if rep.TenantID == ac.TenantID {
				out = append(out, rep)
			}
		}
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.authed(w, r, true)
	if !ok {
		return
	}
	var report *state.Report
	err := s.store.View(func(d *state.Data) error {
		report = d.ReportByID(ac.TenantID, r.PathValue("id"))
		if report == nil {
			return problem.NotFound("unknown report %q", r.PathValue("id"))
		}
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleListChannelEvents(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.authed(w, r, true)
	if !ok {
		return
	}
	events, err := reports.ListEvents(s.store, ac)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleRetryChannelEvent(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.authed(w, r, true, analystRoles...)
	if !ok {
		return
	}
	var req reports.RetryRequest
	if !s.decode(w, r, &req) {
		return
	}
	event, err := reports.RetryChannelEvent(s.store, ac, r.PathValue("id"), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if s.obs != nil {
		s.obs.RecordDelivery(r.Context(), event.Channel, event.Status)
	}
	s.writeJSON(w, http.StatusOK, event)
}

// --- audit

func (s *Server) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.authed(w, r, true)
	if !ok {
		return
	}
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, problem.BadRequest("invalid since timestamp %q", raw))
			return
		}
		since = parsed
	}
	events, err := audit.Query(s.store, ac, r.URL.Query().Get("tenantId"), since)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, events)
}
