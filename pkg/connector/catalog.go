// Package connector simulates external data sources. Connectors never
// perform network I/O; they are deterministic period generators keyed on
// (tenant, source, domain, date, metric), so repeated syncs of the same
// period regenerate identical facts and dedupe to zero inserts.
package connector

// CatalogEntry describes one supported source type.
type CatalogEntry struct {
	SourceType string   `json:"sourceType"`
	Family     string   `json:"family"`
	Domains    []string `json:"domains"`
	Modes      []string `json:"modes"`
}

// catalog is the static source catalog.
var catalog = []CatalogEntry{
	{SourceType: "google_ads", Family: "ads", Domains: []string{"marketing"}, Modes: []string{"ingest", "hybrid"}},
	{SourceType: "facebook_ads", Family: "ads", Domains: []string{"marketing"}, Modes: []string{"ingest", "hybrid"}},
	{SourceType: "quickbooks", Family: "accounting", Domains: []string{"finance"}, Modes: []string{"ingest", "hybrid"}},
	{SourceType: "stripe", Family: "payments", Domains: []string{"finance"}, Modes: []string{"ingest", "live", "hybrid"}},
	{SourceType: "hubspot", Family: "crm", Domains: []string{"sales"}, Modes: []string{"ingest", "hybrid"}},
	{SourceType: "bigquery", Family: "warehouse", Domains: []string{"marketing", "finance", "sales"}, Modes: []string{"ingest", "live", "hybrid"}},
	{SourceType: "snowflake", Family: "warehouse", Domains: []string{"marketing", "finance", "sales"}, Modes: []string{"live", "hybrid"}},
}

// Catalog returns the static source catalog.
func Catalog() []CatalogEntry {
	out := make([]CatalogEntry, len(catalog))
	copy(out, catalog)
	return out
}

// Lookup returns the catalog entry for a source type.
func Lookup(sourceType string) (CatalogEntry, bool) {
	for _, e := range catalog {
		if e.SourceType == sourceType {
			return e, true
		}
	}
	return CatalogEntry{}, false
}

// SupportsMode reports whether the source type supports the mode.
func (e CatalogEntry) SupportsMode(mode string) bool {
	for _, m := range e.Modes {
		if m == mode {
			return true
		}
	}
	return false
}

// SupportsDomain reports whether the source type covers the domain.
func (e CatalogEntry) SupportsDomain(domain string) bool {
	for _, d := range e.Domains {
		if d == domain {
			return true
		}
	}
	return false
}
