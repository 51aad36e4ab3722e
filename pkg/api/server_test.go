package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loupelabs/loupe/core/pkg/analysis"
	"github.com/loupelabs/loupe/core/pkg/auth"
	"github.com/loupelabs/loupe/core/pkg/querybroker"
	"github.com/loupelabs/loupe/core/pkg/reports"
	"github.com/loupelabs/loupe/core/pkg/skills"
	"github.com/loupelabs/loupe/core/pkg/state"
)

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()
	st := state.NewStore(nil, nil)
	broker := querybroker.NewBroker(st, nil)
	runtime := skills.NewRuntime(st, skills.Adapters{GenerateReport: reports.SkillAdapter()})
	orchestrator := analysis.NewOrchestrator(st, analysis.DefaultAdapters(runtime))
	return NewServer(st, broker, runtime, orchestrator, nil, nil).Handler()
}

type call struct {
	handler  http.Handler
	tenantID string
	role     string
}

// do issues one request and decodes the JSON response into out when the
// caller passes a non-nil target.
func (c call) do(t *testing.T, method, path string, body any, out any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if c.tenantID != "" {
		req.Header.Set(auth.HeaderTenantID, c.tenantID)
	}
	req.Header.Set(auth.HeaderUserID, "u1")
	if c.role != "" {
		req.Header.Set(auth.HeaderRole, c.role)
	}
	rec := httptest.NewRecorder()
	c.handler.ServeHTTP(rec, req)
	if out != nil {
		require.NoError(t, json.NewDecoder(rec.Body).Decode(out), rec.Body.String())
	}
	return rec
}

// bootstrapTenant creates a tenant over the API and returns an admin call
// scoped to it.
func bootstrapTenant(t *testing.T, handler http.Handler) call {
	t.Helper()
	admin := call{handler: handler, role: "admin"}
	var tenant struct {
		ID string `json:"id"`
	}
	rec := admin.do(t, http.MethodPost, "/v1/tenants", map[string]any{"name": "Acme"}, &tenant)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.NotEmpty(t, tenant.ID)
	return call{handler: handler, tenantID: tenant.ID, role: "admin"}
}

func createConnection(t *testing.T, c call, body map[string]any) string {
	t.Helper()
	var conn struct {
		ID string `json:"id"`
	}
	rec := c.do(t, http.MethodPost, "/v1/sources/connections", body, &conn)
	require.Equal(t, http.StatusCreated, rec.Code)
	return conn.ID
}

func TestFeatureFlagsNeedNoAuth(t *testing.T) {
	handler := newTestHandler(t)
	rec := call{handler: handler}.do(t, http.MethodGet, "/v1/feature-flags", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTenantHeaderRequired(t *testing.T) {
	handler := newTestHandler(t)

	var problemBody map[string]any
	rec := call{handler: handler, role: "admin"}.do(t, http.MethodGet, "/v1/settings", nil, &problemBody)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, float64(http.StatusBadRequest), problemBody["statusCode"])
	assert.NotEmpty(t, problemBody["error"])
}

func TestRoleEnforcement(t *testing.T) {
	handler := newTestHandler(t)
	admin := bootstrapTenant(t, handler)

	viewer := call{handler: handler, tenantID: admin.tenantID, role: "viewer"}
	rec := viewer.do(t, http.MethodPost, "/v1/skills/install", map[string]any{"baseId": "finance-pulse"}, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = admin.do(t, http.MethodPost, "/v1/skills/install", map[string]any{"baseId": "finance-pulse"}, nil)
	assert.Equal(t, http.StatusCreated, rec.Code)

	// An unknown role header is rejected outright.
	bogus := call{handler: handler, tenantID: admin.tenantID, role: "superuser"}
	rec = bogus.do(t, http.MethodGet, "/v1/settings", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSyncIsIdempotentOverHTTP(t *testing.T) {
	handler := newTestHandler(t)
	admin := bootstrapTenant(t, handler)
	connID := createConnection(t, admin, map[string]any{"sourceType": "google_ads", "mode": "ingest"})

	var run struct {
		Status      string `json:"status"`
		Diagnostics struct {
			InsertedRecords int `json:"insertedRecords"`
		} `json:"diagnostics"`
	}
	rec := admin.do(t, http.MethodPost, "/v1/sources/connections/"+connID+"/sync", map[string]any{}, &run)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "success", run.Status)
	assert.Greater(t, run.Diagnostics.InsertedRecords, 0)

	rec = admin.do(t, http.MethodPost, "/v1/sources/connections/"+connID+"/sync", map[string]any{}, &run)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, run.Diagnostics.InsertedRecords, "replayed period dedupes to zero")
}

func TestModelRunOverHTTP(t *testing.T) {
	handler := newTestHandler(t)
	admin := bootstrapTenant(t, handler)
	connID := createConnection(t, admin, map[string]any{"sourceType": "google_ads", "mode": "ingest"})
	rec := admin.do(t, http.MethodPost, "/v1/sources/connections/"+connID+"/sync", map[string]any{}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var result struct {
		Run struct {
			Status string `json:"status"`
		} `json:"run"`
		Insight struct {
			ID         string  `json:"id"`
			Confidence float64 `json:"confidence"`
		} `json:"insight"`
	}
	rec = admin.do(t, http.MethodPost, "/v1/models/run", map[string]any{
		"objective":       "forecast",
		"outputMetricIds": []string{"revenue"},
	}, &result)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "completed", result.Run.Status)
	assert.Equal(t, 0.84, result.Insight.Confidence)

	rec = admin.do(t, http.MethodGet, "/v1/insights/latest", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDeliveryRetryAfterChannelFix(t *testing.T) {
	handler := newTestHandler(t)
	admin := bootstrapTenant(t, handler)

	var generated struct {
		DeliveryEvents []struct {
			ID        string `json:"id"`
			Status    string `json:"status"`
			LastError string `json:"lastError"`
		} `json:"deliveryEvents"`
	}
	rec := admin.do(t, http.MethodPost, "/v1/reports/generate", map[string]any{
		"channels": []string{"telegram"},
	}, &generated)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, generated.DeliveryEvents, 1)
	require.Equal(t, "failed", generated.DeliveryEvents[0].Status)

	rec = admin.do(t, http.MethodPatch, "/v1/settings/channels", map[string]any{
		"telegram": map[string]any{"enabled": true, "botTokenRef": "secret_bot", "chatId": "chat-42"},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var event struct {
		Status       string `json:"status"`
		AttemptCount int    `json:"attemptCount"`
	}
	rec = admin.do(t, http.MethodPost, "/v1/channels/events/"+generated.DeliveryEvents[0].ID+"/retry", map[string]any{}, &event)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "delivered", event.Status)
	assert.Equal(t, 2, event.AttemptCount)
}

func TestLiveQueryOverHTTP(t *testing.T) {
	handler := newTestHandler(t)
	admin := bootstrapTenant(t, handler)
	connID := createConnection(t, admin, map[string]any{"sourceType": "stripe", "mode": "hybrid"})
	rec := admin.do(t, http.MethodPost, "/v1/sources/connections/"+connID+"/sync", map[string]any{}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var result struct {
		Rows []map[string]any `json:"rows"`
	}
	rec = admin.do(t, http.MethodPost, "/v1/query/live", map[string]any{
		"connectionId": connID,
		"sql":          "SELECT date, metric_id, value FROM metrics_daily",
	}, &result)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, result.Rows)
}

func TestLiveQueryTableNotAllowed(t *testing.T) {
	handler := newTestHandler(t)
	admin := bootstrapTenant(t, handler)
	connID := createConnection(t, admin, map[string]any{
		"sourceType":  "stripe",
		"mode":        "live",
		"queryPolicy": map[string]any{"allowedTables": []string{"metrics_daily"}},
	})

	rec := admin.do(t, http.MethodPost, "/v1/query/live", map[string]any{
		"connectionId": connID,
		"sql":          "SELECT * FROM crm_pipeline",
	}, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestLiveQueryRateLimit(t *testing.T) {
	handler := newTestHandler(t)
	admin := bootstrapTenant(t, handler)
	connID := createConnection(t, admin, map[string]any{"sourceType": "stripe", "mode": "live"})

	body := map[string]any{
		"connectionId": connID,
		"sql":          "SELECT date, value FROM metrics_daily",
	}
	var limited map[string]any
	hit := false
	for i := 0; i < 40; i++ {
		rec := admin.do(t, http.MethodPost, "/v1/query/live", body, nil)
		if rec.Code == http.StatusTooManyRequests {
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&limited))
			hit = true
			break
		}
		require.Equal(t, http.StatusOK, rec.Code)
	}
	require.True(t, hit, "burst should exhaust the per-tenant limiter")
	assert.Equal(t, "live query rate limit exceeded", limited["error"])
	assert.Equal(t, float64(http.StatusTooManyRequests), limited["statusCode"])

	// Another tenant gets a fresh limiter.
	other := bootstrapTenant(t, handler)
	otherConn := createConnection(t, other, map[string]any{"sourceType": "stripe", "mode": "live"})
	rec := other.do(t, http.MethodPost, "/v1/query/live", map[string]any{
		"connectionId": otherConn,
		"sql":          "SELECT date, value FROM metrics_daily",
	}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAnalysisRunQualityGateOverHTTP(t *testing.T) {
	handler := newTestHandler(t)
	admin := bootstrapTenant(t, handler)
	connID := createConnection(t, admin, map[string]any{
		"sourceType":    "google_ads",
		"mode":          "ingest",
		"qualityPolicy": map[string]any{"minQualityScore": 1.5, "blockModelRun": true},
	})

	var profiles []struct {
		ID string `json:"id"`
	}
	rec := admin.do(t, http.MethodGet, "/v1/models/profiles", nil, &profiles)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, profiles)

	var types []struct {
		ID string `json:"id"`
	}
	rec = admin.do(t, http.MethodGet, "/v1/reports/types", nil, &types)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, types)

	var run struct {
		ID string `json:"id"`
	}
	rec = admin.do(t, http.MethodPost, "/v1/analysis-runs", map[string]any{
		"sourceConnectionId": connID,
		"modelProfileId":     profiles[0].ID,
		"reportTypeId":       types[0].ID,
	}, &run)
	require.Equal(t, http.StatusCreated, rec.Code)

	var problemBody map[string]any
	rec = admin.do(t, http.MethodPost, fmt.Sprintf("/v1/analysis-runs/%s/execute", run.ID),
		map[string]any{"forceSync": true}, &problemBody)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, problemBody["error"], "quality gate failed")
}

func TestAuditCrossTenantDeniedOverHTTP(t *testing.T) {
	handler := newTestHandler(t)
	admin := bootstrapTenant(t, handler)

	rec := admin.do(t, http.MethodGet, "/v1/audit/events", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = admin.do(t, http.MethodGet, "/v1/audit/events?tenantId=ten_other", nil, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = admin.do(t, http.MethodGet, "/v1/audit/events?since=not-a-time", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInvalidJSONBodyRejected(t *testing.T) {
	handler := newTestHandler(t)
	admin := bootstrapTenant(t, handler)

	req := httptest.NewRequest(http.MethodPost, "/v1/reports/generate", bytes.NewBufferString("{not json"))
	req.Header.Set(auth.HeaderTenantID, admin.tenantID)
	req.Header.Set(auth.HeaderRole, "admin")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
