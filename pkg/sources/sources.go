// Package sources manages the source connection lifecycle: create, patch,
// credential test, and sync with idempotent canonical-fact ingestion and
// quality checks.
package sources

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/loupelabs/loupe/core/pkg/audit"
	"github.com/loupelabs/loupe/core/pkg/auth"
	"github.com/loupelabs/loupe/core/pkg/canonicalize"
	"github.com/loupelabs/loupe/core/pkg/connector"
	"github.com/loupelabs/loupe/core/pkg/problem"
	"github.com/loupelabs/loupe/core/pkg/state"
)

// CreateRequest describes a new source connection.
type CreateRequest struct {
	SourceType    string                    `json:"sourceType"`
	Mode          string                    `json:"mode"`
	Auth          map[string]any            `json:"auth,omitempty"`
	SyncPolicy    *state.SyncPolicy         `json:"syncPolicy,omitempty"`
	QualityPolicy *state.QualityPolicy      `json:"qualityPolicy,omitempty"`
	QueryPolicy   *state.QueryPolicy        `json:"queryPolicy,omitempty"`
	Metadata      *state.ConnectionMetadata `json:"metadata,omitempty"`
}

// PatchRequest carries partial connection updates.
type PatchRequest struct {
	Mode          string                    `json:"mode,omitempty"`
	Auth          map[string]any            `json:"auth,omitempty"`
	SyncPolicy    *state.SyncPolicy         `json:"syncPolicy,omitempty"`
	QualityPolicy *state.QualityPolicy      `json:"qualityPolicy,omitempty"`
	QueryPolicy   *state.QueryPolicy        `json:"queryPolicy,omitempty"`
	Metadata      *state.ConnectionMetadata `json:"metadata,omitempty"`
}

// TestResult is the outcome of a credential test.
type TestResult struct {
	Status string `json:"status"` // "success" | "failed"
	Reason string `json:"reason,omitempty"`
}

// SyncOptions controls one sync invocation.
type SyncOptions struct {
	Domain              string `json:"domain,omitempty"`
	PeriodDays          int    `json:"periodDays,omitempty"`
	SimulateFailure     bool   `json:"simulateFailure,omitempty"`
	SimulateSchemaDrift bool   `json:"simulateSchemaDrift,omitempty"`
}

// fingerprint derives the stored secret reference. The plaintext auth
// material is hashed and discarded; only the fingerprint is kept.
func fingerprint(tenantID string, authPayload map[string]any) (string, error) {
	canonical, err := canonicalize.JCS(authPayload)
	if err != nil {
		return "", problem.BadRequest("auth payload is not serializable: %s", err)
	}
	sum := sha256.Sum256([]byte(tenantID + ":" + string(canonical)))
	return "secret_" + hex.EncodeToString(sum[:])[:20], nil
}

// CreateConnection validates and stores a new source connection.
func CreateConnection(st *state.Store, ac *auth.Context, req CreateRequest) (*state.SourceConnection, error) {
	entry, ok := connector.Lookup(req.SourceType)
	if !ok {
		return nil, problem.BadRequest("unsupported source type %q", req.SourceType)
	}
	if req.Mode == "" {
		req.Mode = entry.Modes[0]
	}
	if !entry.SupportsMode(req.Mode) {
		return nil, problem.BadRequest("source type %q does not support mode %q", req.SourceType, req.Mode)
	}

	authRef, err := fingerprint(ac.TenantID, req.Auth)
	if err != nil {
		return nil, err
	}

	var conn *state.SourceConnection
	err = st.Update(func(d *state.Data) error {
		if d.TenantByID(ac.TenantID) == nil {
			return problem.NotFound("unknown tenant %q", ac.TenantID)
		}
		now := st.Now()
		conn = &state.SourceConnection{
			ID:         state.NewID("conn"),
			TenantID:   ac.TenantID,
			SourceType: req.SourceType,
			Mode:       req.Mode,
			AuthRef:    authRef,
			Status:     "active",
			SyncPolicy: state.SyncPolicy{IntervalMinutes: 60, BackfillDays: 30, FreshnessSlaHours: 24},
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if req.SyncPolicy != nil {
			conn.SyncPolicy = *req.SyncPolicy
		}
		if req.QualityPolicy != nil {
			conn.QualityPolicy = *req.QualityPolicy
		}
		if req.QueryPolicy != nil {
			conn.QueryPolicy = *req.QueryPolicy
		}
		if req.Metadata != nil {
			conn.Metadata = *req.Metadata
		}
		d.Connections = append(d.Connections, conn)
		d.Secrets[authRef] = &state.SecretDescriptor{
			Fingerprint:    authRef,
			HasCredentials: len(req.Auth) > 0,
			CreatedAt:      now,
		}
		audit.Record(d, ac, now, "sources.connection.create", map[string]any{
			"connectionId": conn.ID,
			"sourceType":   conn.SourceType,
			"mode":         conn.Mode,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// PatchConnection applies partial updates to a connection.
func PatchConnection(st *state.Store, ac *auth.Context, id string, req PatchRequest) (*state.SourceConnection, error) {
	var conn *state.SourceConnection
	err := st.Update(func(d *state.Data) error {
		conn = d.ConnectionByID(ac.TenantID, id)
		if conn == nil {
			return problem.NotFound("unknown connection %q", id)
		}
		entry, _ := connector.Lookup(conn.SourceType)
		if req.Mode != "" {
			if !entry.SupportsMode(req.Mode) {
				return problem.BadRequest("source type %q does not support mode %q", conn.SourceType, req.Mode)
			}
			conn.Mode = req.Mode
		}
		now := st.Now()
		if req.Auth != nil {
			authRef, err := fingerprint(ac.TenantID, req.Auth)
			if err != nil {
				return err
			}
			conn.AuthRef = authRef
			d.Secrets[authRef] = &state.SecretDescriptor{
				Fingerprint:    authRef,
				HasCredentials: len(req.Auth) > 0,
				CreatedAt:      now,
			}
		}
		if req.SyncPolicy != nil {
			conn.SyncPolicy = *req.SyncPolicy
		}
		if req.QualityPolicy != nil {
			conn.QualityPolicy = *req.QualityPolicy
		}
		if req.QueryPolicy != nil {
			conn.QueryPolicy = *req.QueryPolicy
		}
		if req.Metadata != nil {
			conn.Metadata = *req.Metadata
		}
		conn.UpdatedAt = now
		audit.Record(d, ac, now, "sources.connection.patch", map[string]any{"connectionId": conn.ID})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// TestConnection checks that credentials were provided for the connection.
func TestConnection(st *state.Store, ac *auth.Context, id string) (*TestResult, error) {
	var result *TestResult
	err := st.Update(func(d *state.Data) error {
		conn := d.ConnectionByID(ac.TenantID, id)
		if conn == nil {
			return problem.NotFound("unknown connection %q", id)
		}
		desc := d.Secrets[conn.AuthRef]
		if desc != nil && desc.HasCredentials {
			result = &TestResult{Status: "success"}
		} else {
			result = &TestResult{Status: "failed", Reason: "no credentials on record for this connection"}
		}
		audit.Record(d, ac, st.Now(), "sources.connection.test", map[string]any{
			"connectionId": id,
			"status":       result.Status,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ListRuns returns the sync runs of a tenant-owned connection.
func ListRuns(st *state.Store, ac *auth.Context, connectionID string) ([]*state.SourceRun, error) {
	var runs []*state.SourceRun
	err := st.View(func(d *state.Data) error {
		if d.ConnectionByID(ac.TenantID, connectionID) == nil {
			return problem.NotFound("unknown connection %q", connectionID)
		}
		runs = d.RunsForConnection(connectionID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// RunSync executes one sync for a connection.
func RunSync(st *state.Store, ac *auth.Context, connectionID string, opts SyncOptions) (*state.SourceRun, error) {
	var run *state.SourceRun
	err := st.Update(func(d *state.Data) error {
		conn := d.ConnectionByID(ac.TenantID, connectionID)
		if conn == nil {
			return problem.NotFound("unknown connection %q", connectionID)
		}
		r, err := SyncData(d, st.Now(), conn, opts)
		if err != nil {
			return err
		}
		run = r
		audit.Record(d, ac, st.Now(), "sources.connection.sync", map[string]any{
			"connectionId":    connectionID,
			"runId":           run.ID,
			"status":          run.Status,
			"insertedRecords": run.Diagnostics.InsertedRecords,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// SyncProvider syncs by source type, creating a default ingest connection
// on first use. Backs the provider-level sync operation.
func SyncProvider(st *state.Store, ac *auth.Context, sourceType string, opts SyncOptions) (*state.SourceRun, error) {
	entry, ok := connector.Lookup(sourceType)
	if !ok {
		return nil, problem.BadRequest("unsupported source type %q", sourceType)
	}
	var run *state.SourceRun
	err := st.Update(func(d *state.Data) error {
		if d.TenantByID(ac.TenantID) == nil {
			return problem.NotFound("unknown tenant %q", ac.TenantID)
		}
		var conn *state.SourceConnection
		for _, c := range d.ConnectionsForTenant(ac.TenantID) {
			if c.SourceType == sourceType {
				conn = c
				break
			}
		}
		now := st.Now()
		if conn == nil {
			mode := "ingest"
			if !entry.SupportsMode(mode) {
				mode = entry.Modes[0]
			}
			conn = &state.SourceConnection{
				ID:         state.NewID("conn"),
				TenantID:   ac.TenantID,
				SourceType: sourceType,
				Mode:       mode,
				Status:     "active",
				SyncPolicy: state.SyncPolicy{IntervalMinutes: 60, BackfillDays: 30, FreshnessSlaHours: 24},
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			d.Connections = append(d.Connections, conn)
		}
		r, err := SyncData(d, now, conn, opts)
		if err != nil {
			return err
		}
		run = r
		audit.Record(d, ac, now, "connectors.sync", map[string]any{
			"provider":        sourceType,
			"runId":           run.ID,
			"insertedRecords": run.Diagnostics.InsertedRecords,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// SyncData performs the sync against an already-locked container. The
// analysis orchestrator calls this directly so the whole run is one
// critical section.
func SyncData(d *state.Data, now time.Time, conn *state.SourceConnection, opts SyncOptions) (*state.SourceRun, error) {
	if conn.Mode != "ingest" && conn.Mode != "hybrid" {
		return nil, problem.BadRequest("connection mode %q does not support sync", conn.Mode)
	}
	tenant := d.TenantByID(conn.TenantID)
	if tenant == nil {
		return nil, problem.NotFound("unknown tenant %q", conn.TenantID)
	}
	entry, _ := connector.Lookup(conn.SourceType)
	domain := selectDomain(entry, tenant, d.MetricDefs[tenant.ID], opts.Domain)

	periodDays := opts.PeriodDays
	if periodDays <= 0 {
		periodDays = conn.SyncPolicy.BackfillDays
	}
	if periodDays <= 0 {
		periodDays = 30
	}

	run := &state.SourceRun{
		ID:           state.NewID("srun"),
		ConnectionID: conn.ID,
		TenantID:     conn.TenantID,
		StartedAt:    now,
		FinishedAt:   now,
	}

	if opts.SimulateFailure {
		run.Status = "error"
		run.Diagnostics = state.SyncDiagnostics{Retries: 1}
		conn.Status = "error"
		conn.UpdatedAt = now
		d.SourceRuns = append(d.SourceRuns, run)
		return run, nil
	}

	facts := connector.GeneratePeriod(conn.TenantID, conn.SourceType, domain, d.MetricDefs[tenant.ID], now, periodDays, run.ID)
	inserted := 0
	latestDate := ""
	for _, f := range facts {
		if d.InsertFact(f) {
			inserted++
		}
		if f.Date > latestDate {
			latestDate = f.Date
		}
	}

	generated := len(facts)
	score := 0.8
	if generated > 0 {
		score += float64(inserted) / float64(generated) * 0.2
	}
	if score > 0.99 {
		score = 0.99
	}

	checks := runQualityChecks(conn.Metadata.QualityChecks, score, generated, inserted, opts.SimulateSchemaDrift)
	passed := score >= conn.QualityPolicy.MinQualityScore
	for _, c := range checks {
		if c.Status == "fail" {
			passed = false
		}
	}

	run.Status = "success"
	run.Diagnostics = state.SyncDiagnostics{
		GeneratedRecords: generated,
		InsertedRecords:  inserted,
		QualityScore:     score,
		QualityPassed:    passed,
		QualityChecks:    checks,
	}
	run.Checkpoint = state.Checkpoint{Cursor: latestDate, UpdatedAt: now}

	conn.Status = "active"
	conn.Checkpoint = run.Checkpoint
	conn.UpdatedAt = now
	d.SourceRuns = append(d.SourceRuns, run)
	return run, nil
}

// selectDomain picks the domain for a sync: the caller's choice when
// given, else the first source domain present in the tenant's blueprint,
// else the source's first domain, else the tenant's first domain.
func selectDomain(entry connector.CatalogEntry, tenant *state.Tenant, defs []state.MetricDef, requested string) string {
	if requested != "" {
		return requested
	}
	tenantDomains := map[string]bool{}
	order := []string{}
	for _, def := range defs {
		if !tenantDomains[def.Domain] {
			tenantDomains[def.Domain] = true
			order = append(order, def.Domain)
		}
	}
	for _, domain := range entry.Domains {
		if tenantDomains[domain] {
			return domain
		}
	}
	if len(entry.Domains) > 0 {
		return entry.Domains[0]
	}
	if len(order) > 0 {
		return order[0]
	}
	return "marketing"
}

// runQualityChecks evaluates the connection's configured quality checks.
func runQualityChecks(names []string, score float64, generated, inserted int, schemaDrift bool) []state.QualityCheck {
	var checks []state.QualityCheck
	for _, name := range names {
		check := state.QualityCheck{Name: name, Status: "pass"}
		switch name {
		case "null_check":
			if score < 0.6 {
				check.Status = "fail"
				check.Detail = fmt.Sprintf("quality score %.2f below 0.6", score)
			}
		case "duplicate_guard":
			if inserted > generated {
				check.Status = "fail"
				check.Detail = "inserted more records than generated"
			}
		case "spike_check":
			if score < 0.7 {
				check.Status = "warn"
				check.Detail = fmt.Sprintf("quality score %.2f below 0.7", score)
			}
		case "schema_drift":
			if schemaDrift {
				check.Status = "fail"
				check.Detail = "simulated schema drift"
			}
		default:
			check.Status = "warn"
			check.Detail = "unknown quality check"
		}
		checks = append(checks, check)
	}
	return checks
}
