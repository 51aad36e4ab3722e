package state

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a collision-resistant id of the form "prefix_<32 hex>".
// The hex portion is the 128-bit random payload of a v4 UUID.
func NewID(prefix string) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + "_" + raw
}

// FactKey builds the idempotency key for a canonical fact. Two facts with
// the same key are the same observation.
func FactKey(tenantID, date, domain, metricID, source string) string {
	return strings.Join([]string{tenantID, date, domain, metricID, source}, "|")
}

// HealthKey builds the provider-health map key.
func HealthKey(tenantID, provider string) string {
	return tenantID + "|" + provider
}
