// Package api is the REST adapter over the core components. It resolves
// the auth context from headers, enforces per-route role sets, bounds
// request bodies to 1 MiB, and renders every failure through the shared
// error taxonomy.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/loupelabs/loupe/core/pkg/analysis"
	"github.com/loupelabs/loupe/core/pkg/auth"
	"github.com/loupelabs/loupe/core/pkg/observability"
	"github.com/loupelabs/loupe/core/pkg/problem"
	"github.com/loupelabs/loupe/core/pkg/querybroker"
	"github.com/loupelabs/loupe/core/pkg/skills"
	"github.com/loupelabs/loupe/core/pkg/state"
)

const maxBodyBytes = 1 << 20

// Live-query rate limit per tenant.
const (
	liveQueryRate  = rate.Limit(10)
	liveQueryBurst = 20
)

// Server carries the wired components behind the route table.
type Server struct {
	store        *state.Store
	broker       *querybroker.Broker
	runtime      *skills.Runtime
	orchestrator *analysis.Orchestrator
	obs          *observability.Provider
	logger       *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewServer builds the adapter. obs may be nil.
func NewServer(st *state.Store, broker *querybroker.Broker, runtime *skills.Runtime, orchestrator *analysis.Orchestrator, obs *observability.Provider, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:        st,
		broker:       broker,
		runtime:      runtime,
		orchestrator: orchestrator,
		obs:          obs,
		logger:       logger.With("component", "api"),
		limiters:     make(map[string]*rate.Limiter),
	}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/feature-flags", s.instrument("feature-flags", s.handleFeatureFlags))
	mux.HandleFunc("GET /v1/blueprints", s.instrument("blueprints", s.handleBlueprints))
	mux.HandleFunc("GET /v1/tenants", s.instrument("tenants.list", s.handleListTenants))
	mux.HandleFunc("POST /v1/tenants", s.instrument("tenants.create", s.handleCreateTenant))

	mux.HandleFunc("GET /v1/settings", s.instrument("settings.get", s.handleGetSettings))
	mux.HandleFunc("GET /v1/settings/channels", s.instrument("settings.channels.get", s.handleGetChannelSettings))
	mux.HandleFunc("PATCH /v1/settings/channels", s.instrument("settings.channels.patch", s.handlePatchChannels))
	mux.HandleFunc("PATCH /v1/settings/{section}", s.instrument("settings.patch", s.handlePatchSettings))

	mux.HandleFunc("GET /v1/models/profiles", s.instrument("models.profiles.list", s.handleListProfiles))
	mux.HandleFunc("POST /v1/models/profiles", s.instrument("models.profiles.create", s.handleCreateProfile))
	mux.HandleFunc("PATCH /v1/models/profiles/{id}", s.instrument("models.profiles.patch", s.handlePatchProfile))
	mux.HandleFunc("POST /v1/models/profiles/{id}/activate", s.instrument("models.profiles.activate", s.handleActivateProfile))

	mux.HandleFunc("GET /v1/reports/types", s.instrument("reports.types.list", s.handleListReportTypes))
	mux.HandleFunc("POST /v1/reports/types", s.instrument("reports.types.create", s.handleCreateReportType))
	mux.HandleFunc("PATCH /v1/reports/types/{id}", s.instrument("reports.types.patch", s.handlePatchReportType))
	mux.HandleFunc("POST /v1/reports/types/{id}/preview", s.instrument("reports.types.preview", s.handlePreviewReportType))
	mux.HandleFunc("POST /v1/reports/types/{id}/delivery-preview", s.instrument("reports.types.delivery-preview", s.handleDeliveryPreview))

	mux.HandleFunc("POST /v1/skills/drafts", s.instrument("skills.drafts.create", s.handleCreateDraft))
	mux.HandleFunc("GET /v1/skills/drafts", s.instrument("skills.drafts.list", s.handleListDrafts))
	mux.HandleFunc("PATCH /v1/skills/drafts/{id}", s.instrument("skills.drafts.patch", s.handlePatchDraft))
	mux.HandleFunc("POST /v1/skills/drafts/{id}/validate", s.instrument("skills.drafts.validate", s.handleValidateDraft))
	mux.HandleFunc("POST /v1/skills/drafts/{id}/publish", s.instrument("skills.drafts.publish", s.handlePublishDraft))
	mux.HandleFunc("GET /v1/skills/catalog", s.instrument("skills.catalog", s.handleSkillCatalog))
	mux.HandleFunc("POST /v1/skills/install", s.instrument("skills.install", s.handleInstallSkill))
	mux.HandleFunc("GET /v1/skills/installed", s.instrument("skills.installed", s.handleListInstalled))
	mux.HandleFunc("POST /v1/skills/run", s.instrument("skills.run", s.handleRunSkill))
	mux.HandleFunc("GET /v1/skills/runs", s.instrument("skills.runs", s.handleListSkillRuns))
	mux.HandleFunc("POST /v1/skills/{id}/activate", s.instrument("skills.activate", s.handleActivateSkill))
	mux.HandleFunc("POST /v1/skills/{id}/deactivate", s.instrument("skills.deactivate", s.handleDeactivateSkill))

	mux.HandleFunc("GET /v1/sources/catalog", s.instrument("sources.catalog", s.handleSourceCatalog))
	mux.HandleFunc("POST /v1/sources/connections", s.instrument("sources.connections.create", s.handleCreateConnection))
	mux.HandleFunc("GET /v1/sources/connections", s.instrument("sources.connections.list", s.handleListConnections))
	mux.HandleFunc("PATCH /v1/sources/connections/{id}", s.instrument("sources.connections.patch", s.handlePatchConnection))
	mux.HandleFunc("POST /v1/sources/connections/{id}/test", s.instrument("sources.connections.test", s.handleTestConnection))
	mux.HandleFunc("POST /v1/sources/connections/{id}/sync", s.instrument("sources.connections.sync", s.handleSyncConnection))
	mux.HandleFunc("GET /v1/sources/connections/{id}/runs", s.instrument("sources.connections.runs", s.handleListSourceRuns))
	mux.HandleFunc("POST /v1/connectors/{provider}/sync", s.instrument("connectors.sync", s.handleProviderSync))

	mux.HandleFunc("GET /v1/metrics/query", s.instrument("metrics.query", s.handleMetricsQuery))
	mux.HandleFunc("POST /v1/query/live", s.instrument("query.live", s.handleLiveQuery))
	mux.HandleFunc("POST /v1/query/materialize", s.instrument("query.materialize", s.handleMaterialize))

	mux.HandleFunc("POST /v1/models/run", s.instrument("models.run", s.handleModelRun))
	mux.HandleFunc("POST /v1/agents/jobs", s.instrument("agents.jobs", s.handleAgentJob))
	mux.HandleFunc("POST /v1/agents/actions/approve", s.instrument("agents.actions.approve", s.handleApproveAction))
	mux.HandleFunc("GET /v1/agents/actions/pending", s.instrument("agents.actions.pending", s.handlePendingActions))
	mux.HandleFunc("GET /v1/insights/{id}", s.instrument("insights.get", s.handleGetInsight))

	mux.HandleFunc("POST /v1/analysis-runs", s.instrument("analysis.create", s.handleCreateAnalysisRun))
	mux.HandleFunc("GET /v1/analysis-runs", s.instrument("analysis.list", s.handleListAnalysisRuns))
	mux.HandleFunc("GET /v1/analysis-runs/{id}", s.instrument("analysis.get", s.handleGetAnalysisRun))
	mux.HandleFunc("POST /v1/analysis-runs/{id}/execute", s.instrument("analysis.execute", s.handleExecuteAnalysisRun))
	mux.HandleFunc("POST /v1/analysis-runs/{id}/deliver", s.instrument("analysis.deliver", s.handleDeliverAnalysisRun))

	mux.HandleFunc("POST /v1/reports/generate", s.instrument("reports.generate", s.handleGenerateReport))
	mux.HandleFunc("POST /v1/reports/schedules", s.instrument("reports.schedules.create", s.handleCreateSchedule))
	mux.HandleFunc("GET /v1/reports", s.instrument("reports.list", s.handleListReports))
	mux.HandleFunc("GET /v1/reports/{id}", s.instrument("reports.get", s.handleGetReport))

	mux.HandleFunc("GET /v1/channels/events", s.instrument("channels.events.list", s.handleListChannelEvents))
	mux.HandleFunc("POST /v1/channels/events/{id}/retry", s.instrument("channels.events.retry", s.handleRetryChannelEvent))

	mux.HandleFunc("GET /v1/audit/events", s.instrument("audit.events", s.handleAuditEvents))

	return mux
}

// instrument wraps a handler with request metrics.
func (s *Server) instrument(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		if s.obs != nil {
			s.obs.RecordRequest(r.Context(), route, rec.status, time.Since(start))
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// authed resolves the auth context and enforces the route's role set.
func (s *Server) authed(w http.ResponseWriter, r *http.Request, requireTenant bool, allowed ...auth.Role) (*auth.Context, bool) {
	headers := map[string]string{
		auth.HeaderTenantID: r.Header.Get(auth.HeaderTenantID),
		auth.HeaderUserID:   r.Header.Get(auth.HeaderUserID),
		auth.HeaderRole:     r.Header.Get(auth.HeaderRole),
		auth.HeaderChannel:  r.Header.Get(auth.HeaderChannel),
	}
	ac, err := auth.Resolve(headers, requireTenant)
	if err != nil {
		s.writeError(w, err)
		return nil, false
	}
	if err := auth.RequireRole(ac, allowed...); err != nil {
		s.writeError(w, err)
		return nil, false
	}
	return ac, true
}

// decode reads a bounded JSON body into v. An empty body leaves v at its
// zero value.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		s.writeError(w, problem.PayloadTooLarge("request body exceeds %d bytes", maxBodyBytes))
		return false
	}
	s.writeError(w, problem.BadRequest("invalid JSON body: %s", err))
	return false
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	p := problem.From(err)
	s.writeJSON(w, p.Status, p)
}

// allowLiveQuery applies the per-tenant live-query rate limit.
func (s *Server) allowLiveQuery(tenantID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	lim, ok := s.limiters[tenantID]
	if !ok {
		lim = rate.NewLimiter(liveQueryRate, liveQueryBurst)
		s.limiters[tenantID] = lim
	}
	return lim.Allow()
}
