// Package metrics aggregates canonical facts by grain and derives formula
// metrics. Passthrough metrics (`sum(x)`) are plain per-bucket sums;
// derived metrics are CEL expressions evaluated over the bucket's
// passthrough sums.
package metrics

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/loupelabs/loupe/core/pkg/problem"
	"github.com/loupelabs/loupe/core/pkg/state"
)

// Grains supported by QueryMetric.
const (
	GrainDay   = "day"
	GrainWeek  = "week"
	GrainMonth = "month"
)

const dateLayout = "2006-01-02"

// Query selects a metric series.
type Query struct {
	MetricID  string `json:"metricId"`
	Grain     string `json:"grain,omitempty"`
	StartDate string `json:"startDate,omitempty"`
	EndDate   string `json:"endDate,omitempty"`
}

// Point is one aggregated bucket.
type Point struct {
	Bucket string  `json:"bucket"`
	Value  float64 `json:"value"`
}

// Summary describes a series.
type Summary struct {
	Total   float64 `json:"total"`
	Average float64 `json:"average"`
	Max     float64 `json:"max"`
	Min     float64 `json:"min"`
}

// Series is the result of a metric query, ordered by bucket ascending.
type Series struct {
	MetricID string  `json:"metricId"`
	Grain    string  `json:"grain"`
	Points   []Point `json:"points"`
	Summary  Summary `json:"summary"`
}

// QueryMetric aggregates the tenant's canonical facts for one metric.
func QueryMetric(st *state.Store, tenantID string, q Query) (*Series, error) {
	var series *Series
	err := st.View(func(d *state.Data) error {
		s, err := QueryMetricData(d, tenantID, q)
		if err != nil {
			return err
		}
		series = s
		return nil
	})
	return series, err
}

// QueryMetricData is QueryMetric against an already-locked container. It
// exists so orchestrators holding the write lock can read consistently.
func QueryMetricData(d *state.Data, tenantID string, q Query) (*Series, error) {
	if q.MetricID == "" {
		return nil, problem.BadRequest("metricId is required")
	}
	if q.Grain == "" {
		q.Grain = GrainDay
	}
	switch q.Grain {
	case GrainDay, GrainWeek, GrainMonth:
	default:
		return nil, problem.BadRequest("unknown grain %q", q.Grain)
	}

	defs := d.MetricDefs[tenantID]
	def, ok := findDef(defs, q.MetricID)
	if !ok {
		return nil, problem.NotFound("unknown metric %q", q.MetricID)
	}

	// Per-bucket sums of every passthrough metric; derived formulas read
	// from these.
	sums := make(map[string]map[string]float64) // bucket -> metricId -> sum
	for _, f := range d.FactsForTenant(tenantID) {
		if !inRange(f.Date, q.StartDate, q.EndDate) {
			continue
		}
		bucket := bucketFor(f.Date, q.Grain)
		if sums[bucket] == nil {
			sums[bucket] = make(map[string]float64)
		}
		sums[bucket][f.MetricID] += f.Value
	}

	buckets := make([]string, 0, len(sums))
	for b := range sums {
		buckets = append(buckets, b)
	}
	sort.Strings(buckets)

	points := make([]Point, 0, len(buckets))
	if base, passthrough := passthroughField(def.Formula); passthrough {
		for _, b := range buckets {
			if v, ok := sums[b][base]; ok {
				points = append(points, Point{Bucket: b, Value: v})
			}
		}
	} else {
		prg, err := compileFormula(def.Formula, metricIDs(defs))
		if err != nil {
			return nil, problem.Internal("metric formula %q: %s", def.Formula, err)
		}
		for _, b := range buckets {
			points = append(points, Point{Bucket: b, Value: evalFormula(prg, defs, sums[b], def.Fallback)})
		}
	}

	return &Series{
		MetricID: q.MetricID,
		Grain:    q.Grain,
		Points:   points,
		Summary:  summarize(points),
	}, nil
}

func findDef(defs []state.MetricDef, id string) (state.MetricDef, bool) {
	for _, def := range defs {
		if def.ID == id {
			return def, true
		}
	}
	return state.MetricDef{}, false
}

func metricIDs(defs []state.MetricDef) []string {
	out := make([]string, 0, len(defs))
	for _, def := range defs {
		if _, ok := passthroughField(def.Formula); ok {
			out = append(out, def.ID)
		}
	}
	return out
}

// passthroughField extracts x from "sum(x)".
func passthroughField(formula string) (string, bool) {
	f := strings.TrimSpace(formula)
	if strings.HasPrefix(f, "sum(") && strings.HasSuffix(f, ")") {
		return strings.TrimSpace(f[4 : len(f)-1]), true
	}
	return "", false
}

func inRange(date, start, end string) bool {
	if start != "" && date < start {
		return false
	}
	if end != "" && date > end {
		return false
	}
	return true
}

// bucketFor maps an ISO date into its grain bucket: the date itself,
// the ISO Monday of its week, or the yyyy-mm month prefix.
func bucketFor(date, grain string) string {
	switch grain {
	case GrainWeek:
		t, err := time.Parse(dateLayout, date)
		if err != nil {
			return date
		}
		offset := (int(t.Weekday()) + 6) % 7 // Monday=0
		return t.AddDate(0, 0, -offset).Format(dateLayout)
	case GrainMonth:
		if len(date) >= 7 {
			return date[:7]
		}
		return date
	default:
		return date
	}
}

func summarize(points []Point) Summary {
	if len(points) == 0 {
		return Summary{}
	}
	total := 0.0
	max := points[0].Value
	min := points[0].Value
	for _, p := range points {
		total += p.Value
		if p.Value > max {
			max = p.Value
		}
		if p.Value < min {
			min = p.Value
		}
	}
	return Summary{
		Total:   round3(total),
		Average: round3(total / float64(len(points))),
		Max:     round3(max),
		Min:     round3(min),
	}
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
