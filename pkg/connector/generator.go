package connector

import (
	"hash/fnv"
	"math/rand"
	"strings"
	"time"

	"github.com/loupelabs/loupe/core/pkg/state"
)

const dateLayout = "2006-01-02"

// valueRange bounds generated sample values per metric.
type valueRange struct {
	min, max float64
}

var rangesByMetric = map[string]valueRange{
	"revenue":        {500, 5000},
	"spend":          {100, 2000},
	"cash_in":        {1000, 10000},
	"cash_out":       {800, 8000},
	"pipeline_value": {5000, 50000},
	"deals_won":      {0, 10},
	"deals_total":    {5, 30},
}

var defaultRange = valueRange{10, 1000}

// GeneratePeriod produces one canonical fact per (day, passthrough metric
// in domain) for the closed period ending at endDate. Values are seeded on
// the fact tuple, so regeneration is exact.
func GeneratePeriod(tenantID, sourceType, domain string, defs []state.MetricDef, endDate time.Time, periodDays int, runID string) []*state.CanonicalFact {
	if periodDays < 1 {
		periodDays = 1
	}
	var facts []*state.CanonicalFact
	extractedAt := endDate
	for i := periodDays - 1; i >= 0; i-- {
		date := endDate.AddDate(0, 0, -i).Format(dateLayout)
		for _, def := range defs {
			if def.Domain != domain {
				continue
			}
			base, ok := passthroughField(def.Formula)
			if !ok || base != def.ID {
				continue
			}
			facts = append(facts, &state.CanonicalFact{
				ID:       state.NewID("fact"),
				TenantID: tenantID,
				Domain:   domain,
				MetricID: def.ID,
				Date:     date,
				Value:    sampleValue(tenantID, sourceType, domain, date, def.ID),
				Source:   sourceType,
				Lineage: state.Lineage{
					Provider:       sourceType,
					ConnectorRunID: runID,
					ExtractedAt:    extractedAt,
				},
			})
		}
	}
	return facts
}

// sampleValue derives a stable pseudo-random value from the fact tuple.
func sampleValue(tenantID, sourceType, domain, date, metricID string) float64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.Join([]string{tenantID, sourceType, domain, date, metricID}, "|")))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))

	r, ok := rangesByMetric[metricID]
	if !ok {
		r = defaultRange
	}
	v := r.min + rng.Float64()*(r.max-r.min)
	// Two decimal places keeps the generated ledgers readable.
	return float64(int(v*100)) / 100
}

func passthroughField(formula string) (string, bool) {
	f := strings.TrimSpace(formula)
	if strings.HasPrefix(f, "sum(") && strings.HasSuffix(f, ")") {
		return strings.TrimSpace(f[4 : len(f)-1]), true
	}
	return "", false
}
