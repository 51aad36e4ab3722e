package querybroker

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/loupelabs/loupe/core/pkg/audit"
	"github.com/loupelabs/loupe/core/pkg/auth"
	"github.com/loupelabs/loupe/core/pkg/canonicalize"
	"github.com/loupelabs/loupe/core/pkg/problem"
	"github.com/loupelabs/loupe/core/pkg/state"
)

const cacheTTL = 60 * time.Second

// Known table shapes served by the broker.
const (
	TableMetricsDaily   = "metrics_daily"
	TableCampaignPerf   = "campaign_performance"
	TableFinanceLedger  = "finance_ledger"
	TableCRMPipeline    = "crm_pipeline"
	TableDefault        = "default"
)

var forbiddenTokens = []string{"insert", "update", "delete", "drop", "alter", "truncate", "create", "grant"}

var forbiddenPatterns = func() []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(forbiddenTokens))
	for i, tok := range forbiddenTokens {
		out[i] = regexp.MustCompile(`\b` + tok + `\b`)
	}
	return out
}()

var fromClause = regexp.MustCompile(`(?i)\bfrom\s+([a-z0-9_\.]+)`)

// StructuredQuery is the normalized live query form.
type StructuredQuery struct {
	Table   string            `json:"table"`
	Columns []string          `json:"columns,omitempty"`
	Limit   int               `json:"limit,omitempty"`
	Filters map[string]string `json:"filters,omitempty"`
}

// Request is a live query invocation.
type Request struct {
	ConnectionID string           `json:"connectionId"`
	SQL          string           `json:"sql,omitempty"`
	Query        *StructuredQuery `json:"query,omitempty"`
	TimeoutMs    int              `json:"timeoutMs,omitempty"`
	CostLimit    int              `json:"costLimit,omitempty"`
}

// QueryMetadata echoes the normalized query back to the caller.
type QueryMetadata struct {
	Table    string            `json:"table"`
	Columns  []string          `json:"columns,omitempty"`
	Limit    int               `json:"limit"`
	Filters  map[string]string `json:"filters,omitempty"`
	RowCount int               `json:"rowCount"`
}

// Result is the outcome of a live query.
type Result struct {
	ResultID string           `json:"resultId"`
	Rows     []map[string]any `json:"rows"`
	Metadata QueryMetadata    `json:"queryMetadata"`
	Cached   bool             `json:"cached"`
}

// Broker executes policy-gated live queries.
type Broker struct {
	store *state.Store
	cache Cache
}

// NewBroker creates a broker over the state store and cache backend.
func NewBroker(store *state.Store, cache Cache) *Broker {
	if cache == nil {
		cache = NewMemoryCache()
	}
	return &Broker{store: store, cache: cache}
}

// RunLiveQuery validates, gates, executes, and caches one live query.
func (b *Broker) RunLiveQuery(ctx context.Context, ac *auth.Context, req Request) (*Result, error) {
	normalized, err := normalize(req)
	if err != nil {
		return nil, err
	}

	var (
		tenant *state.Tenant
		conn   *state.SourceConnection
	)
	err = b.store.View(func(d *state.Data) error {
		tenant = d.TenantByID(ac.TenantID)
		if tenant == nil {
			return problem.NotFound("unknown tenant %q", ac.TenantID)
		}
		conn = d.ConnectionByID(ac.TenantID, req.ConnectionID)
		if conn == nil {
			return problem.NotFound("unknown connection %q", req.ConnectionID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if conn.Mode != "live" && conn.Mode != "hybrid" {
		return nil, problem.BadRequest("connection mode %q does not support live queries", conn.Mode)
	}
	if err := checkDataPolicy(tenant.DataPolicy, req, normalized); err != nil {
		return nil, err
	}
	if err := checkQueryPolicy(conn.QueryPolicy, normalized); err != nil {
		return nil, err
	}

	key, err := cacheKey(ac.TenantID, conn.ID, normalized)
	if err != nil {
		return nil, err
	}
	if cached, ok := b.cache.Get(ctx, key); ok && cached.TenantID == ac.TenantID {
		return &Result{ResultID: cached.ResultID, Rows: cached.Rows, Metadata: cached.Metadata, Cached: true}, nil
	}

	var rows []map[string]any
	err = b.store.View(func(d *state.Data) error {
		rows = projectRows(d, ac.TenantID, normalized)
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := &Result{
		ResultID: state.NewID("qres"),
		Rows:     rows,
		Metadata: QueryMetadata{
			Table:    normalized.Table,
			Columns:  normalized.Columns,
			Limit:    normalized.Limit,
			Filters:  normalized.Filters,
			RowCount: len(rows),
		},
	}
	b.cache.Put(ctx, key, &CachedResult{
		ResultID:     result.ResultID,
		TenantID:     ac.TenantID,
		ConnectionID: conn.ID,
		Rows:         rows,
		Metadata:     result.Metadata,
	}, cacheTTL)

	// The read path is not persisted, but it is audited.
	_ = b.store.Update(func(d *state.Data) error {
		audit.Record(d, ac, b.store.Now(), "query.live", map[string]any{
			"connectionId": conn.ID,
			"table":        normalized.Table,
			"rowCount":     len(rows),
		})
		return nil
	})
	return result, nil
}

// MaterializeRequest turns a live query result into canonical facts.
type MaterializeRequest struct {
	ResultID     string   `json:"resultId,omitempty"`
	ConnectionID string   `json:"connectionId,omitempty"`
	Query        *Request `json:"query,omitempty"`
	DatasetName  string   `json:"datasetName"`
	Mapping      Mapping  `json:"mapping"`
}

// Mapping binds result columns onto the canonical fact schema.
type Mapping struct {
	Domain        string `json:"domain"`
	MetricColumn  string `json:"metricColumn,omitempty"`
	FixedMetricID string `json:"fixedMetricId,omitempty"`
	ValueColumn   string `json:"valueColumn"`
	DateColumn    string `json:"dateColumn"`
}

// Materialize ingests a cached or re-run query result as canonical facts.
func (b *Broker) Materialize(ctx context.Context, ac *auth.Context, req MaterializeRequest) (*state.MaterializationRun, error) {
	if req.DatasetName == "" {
		return nil, problem.BadRequest("datasetName is required")
	}
	if req.Mapping.ValueColumn == "" || req.Mapping.DateColumn == "" {
		return nil, problem.BadRequest("mapping requires valueColumn and dateColumn")
	}
	if req.Mapping.MetricColumn == "" && req.Mapping.FixedMetricID == "" {
		return nil, problem.BadRequest("mapping requires metricColumn or fixedMetricId")
	}

	var (
		rows     []map[string]any
		resultID string
	)
	if req.ResultID != "" {
		cached, ok := b.cache.ByResultID(ctx, req.ResultID)
		if !ok || cached.TenantID != ac.TenantID {
			return nil, problem.NotFound("unknown or expired result %q", req.ResultID)
		}
		rows = cached.Rows
		resultID = cached.ResultID
	} else {
		if req.Query == nil {
			return nil, problem.BadRequest("either resultId or query is required")
		}
		if req.Query.ConnectionID == "" {
			req.Query.ConnectionID = req.ConnectionID
		}
		res, err := b.RunLiveQuery(ctx, ac, *req.Query)
		if err != nil {
			return nil, err
		}
		rows = res.Rows
		resultID = res.ResultID
	}

	source := "materialized:" + req.DatasetName
	var run *state.MaterializationRun
	err := b.store.Update(func(d *state.Data) error {
		now := b.store.Now()
		inserted := 0
		for _, row := range rows {
			date, _ := row[req.Mapping.DateColumn].(string)
			if date == "" {
				continue
			}
			metricID := req.Mapping.FixedMetricID
			if req.Mapping.MetricColumn != "" {
				if m, ok := row[req.Mapping.MetricColumn].(string); ok && m != "" {
					metricID = m
				}
			}
			if metricID == "" {
				continue
			}
			value, ok := numericValue(row[req.Mapping.ValueColumn])
			if !ok {
				continue
			}
			fact := &state.CanonicalFact{
				ID:       state.NewID("fact"),
				TenantID: ac.TenantID,
				Domain:   req.Mapping.Domain,
				MetricID: metricID,
				Date:     date,
				Value:    value,
				Source:   source,
				Lineage: state.Lineage{
					Provider:       source,
					ConnectorRunID: resultID,
					ExtractedAt:    now,
				},
			}
			if d.InsertFact(fact) {
				inserted++
			}
		}
		run = &state.MaterializationRun{
			ID:              state.NewID("mat"),
			TenantID:        ac.TenantID,
			SourceResultID:  resultID,
			DatasetName:     req.DatasetName,
			InsertedRecords: inserted,
			TotalRows:       len(rows),
			CreatedAt:       now,
		}
		d.MaterializationRuns = append(d.MaterializationRuns, run)
		audit.Record(d, ac, now, "query.materialize", map[string]any{
			"datasetName":     req.DatasetName,
			"insertedRecords": inserted,
			"totalRows":       len(rows),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// normalize merges the SQL and structured forms into one validated query.
func normalize(req Request) (StructuredQuery, error) {
	q := StructuredQuery{}
	if req.Query != nil {
		q = *req.Query
	}
	if req.SQL != "" {
		trimmed := strings.TrimSpace(req.SQL)
		if !strings.HasPrefix(strings.ToUpper(trimmed), "SELECT") {
			return q, problem.BadRequest("only SELECT statements are allowed")
		}
		lower := strings.ToLower(trimmed)
		for i, re := range forbiddenPatterns {
			if re.MatchString(lower) {
				return q, problem.BadRequest("forbidden token %q in query", forbiddenTokens[i])
			}
		}
		if q.Table == "" {
			if m := fromClause.FindStringSubmatch(trimmed); m != nil {
				q.Table = m[1]
			}
		}
	}
	if q.Table == "" {
		return q, problem.BadRequest("query table is required")
	}
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 1000 {
		q.Limit = 1000
	}
	return q, nil
}

func checkDataPolicy(policy state.DataPolicy, req Request, q StructuredQuery) error {
	if policy.MaxLiveQueryTimeoutMs > 0 && req.TimeoutMs > policy.MaxLiveQueryTimeoutMs {
		return problem.BadRequest("timeout %dms exceeds tenant limit %dms", req.TimeoutMs, policy.MaxLiveQueryTimeoutMs)
	}
	if policy.MaxLiveQueryCostUnits > 0 && req.CostLimit > policy.MaxLiveQueryCostUnits {
		return problem.BadRequest("cost limit %d exceeds tenant limit %d", req.CostLimit, policy.MaxLiveQueryCostUnits)
	}
	if policy.MaxLiveQueryRows > 0 && q.Limit > policy.MaxLiveQueryRows {
		return problem.BadRequest("row limit %d exceeds tenant limit %d", q.Limit, policy.MaxLiveQueryRows)
	}
	return nil
}

func checkQueryPolicy(policy state.QueryPolicy, q StructuredQuery) error {
	if len(policy.AllowedTables) > 0 {
		allowed := false
		for _, t := range policy.AllowedTables {
			if t == q.Table {
				allowed = true
				break
			}
		}
		if !allowed {
			return problem.Forbidden("table %q is not allowed by the connection query policy", q.Table)
		}
	}
	if len(policy.AllowedColumnsByTable) > 0 && len(q.Columns) > 0 {
		allowedCols, ok := policy.AllowedColumnsByTable[q.Table]
		if !ok {
			allowedCols = policy.AllowedColumnsByTable[TableDefault]
		}
		if len(allowedCols) > 0 {
			allowedSet := map[string]bool{}
			for _, c := range allowedCols {
				allowedSet[c] = true
			}
			for _, c := range q.Columns {
				if !allowedSet[c] {
					return problem.Forbidden("column %q is not allowed for table %q", c, q.Table)
				}
			}
		}
	}
	return nil
}

func cacheKey(tenantID, connectionID string, q StructuredQuery) (string, error) {
	payload := map[string]any{
		"tenantId":     tenantID,
		"connectionId": connectionID,
		"query":        q,
	}
	canonical, err := canonicalize.JCS(payload)
	if err != nil {
		return "", problem.Internal("cache key: %s", err)
	}
	return canonicalize.HashBytes(canonical), nil
}

// projectRows renders canonical facts in the requested table shape, applies
// string-equality filters, projects columns, and truncates to the limit.
func projectRows(d *state.Data, tenantID string, q StructuredQuery) []map[string]any {
	facts := d.FactsForTenant(tenantID)
	var rows []map[string]any

	switch q.Table {
	case TableMetricsDaily:
		for _, f := range facts {
			rows = append(rows, map[string]any{
				"date":      f.Date,
				"metric_id": f.MetricID,
				"value":     f.Value,
				"domain":    f.Domain,
				"source":    f.Source,
			})
		}
	case TableCampaignPerf:
		type key struct{ date, source string }
		grouped := map[key]map[string]any{}
		var order []key
		for _, f := range facts {
			if f.Domain != "marketing" {
				continue
			}
			k := key{f.Date, f.Source}
			row, ok := grouped[k]
			if !ok {
				row = map[string]any{
					"date":     f.Date,
					"campaign": "campaign_" + f.Source,
					"channel":  f.Source,
					"spend":    0.0,
					"revenue":  0.0,
				}
				grouped[k] = row
				order = append(order, k)
			}
			switch f.MetricID {
			case "spend":
				row["spend"] = row["spend"].(float64) + f.Value
			case "revenue":
				row["revenue"] = row["revenue"].(float64) + f.Value
			}
		}
		sort.Slice(order, func(i, j int) bool {
			if order[i].date != order[j].date {
				return order[i].date < order[j].date
			}
			return order[i].source < order[j].source
		})
		for _, k := range order {
			row := grouped[k]
			spend := row["spend"].(float64)
			if spend > 0 {
				row["roas"] = row["revenue"].(float64) / spend
			} else {
				row["roas"] = 0.0
			}
			rows = append(rows, row)
		}
	case TableFinanceLedger:
		for _, f := range facts {
			if f.Domain != "finance" {
				continue
			}
			direction := "credit"
			if f.MetricID == "cash_out" {
				direction = "debit"
			}
			rows = append(rows, map[string]any{
				"date":      f.Date,
				"account":   f.MetricID,
				"amount":    f.Value,
				"direction": direction,
			})
		}
	case TableCRMPipeline:
		for _, f := range facts {
			if f.Domain != "sales" {
				continue
			}
			rows = append(rows, map[string]any{
				"date":      f.Date,
				"stage":     "open",
				"metric_id": f.MetricID,
				"value":     f.Value,
			})
		}
	default:
		for _, f := range facts {
			rows = append(rows, map[string]any{
				"date":      f.Date,
				"metric_id": f.MetricID,
				"value":     f.Value,
			})
		}
	}

	rows = applyFilters(rows, q.Filters)
	rows = projectColumns(rows, q.Columns)
	if len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}
	return rows
}

func applyFilters(rows []map[string]any, filters map[string]string) []map[string]any {
	if len(filters) == 0 {
		return rows
	}
	var out []map[string]any
	for _, row := range rows {
		match := true
		for col, want := range filters {
			if fmt.Sprint(row[col]) != want {
				match = false
				break
			}
		}
		if match {
			out = append(out, row)
		}
	}
	return out
}

func projectColumns(rows []map[string]any, columns []string) []map[string]any {
	if len(columns) == 0 {
		return rows
	}
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		projected := make(map[string]any, len(columns))
		for _, col := range columns {
			if v, ok := row[col]; ok {
				projected[col] = v
			}
		}
		out = append(out, projected)
	}
	return out
}

func numericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		if !math.IsInf(n, 0) && !math.IsNaN(n) {
			return n, true
		}
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
