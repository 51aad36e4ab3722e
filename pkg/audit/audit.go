// Package audit records the append-only, tenant-scoped event stream.
// Every mutating core invocation is recorded; reads are filtered by tenant
// and an optional since-timestamp.
package audit

import (
	"time"

	"github.com/loupelabs/loupe/core/pkg/auth"
	"github.com/loupelabs/loupe/core/pkg/problem"
	"github.com/loupelabs/loupe/core/pkg/state"
)

// Record appends an audit event for the acting tenant/user.
func Record(d *state.Data, ac *auth.Context, now time.Time, action string, details map[string]any) *state.AuditEvent {
	evt := &state.AuditEvent{
		ID:       state.NewID("audit"),
		At:       now,
		TenantID: ac.TenantID,
		ActorID:  ac.UserID,
		Action:   action,
		Details:  details,
	}
	d.AuditEvents = append(d.AuditEvents, evt)
	return evt
}

// Query returns the tenant's audit events at or after since (zero value
// means all). Requests for another tenant's stream are rejected.
func Query(st *state.Store, ac *auth.Context, tenantID string, since time.Time) ([]*state.AuditEvent, error) {
	if tenantID == "" {
		tenantID = ac.TenantID
	}
	if tenantID != ac.TenantID {
		return nil, problem.Forbidden("cross-tenant audit access denied")
	}
	var out []*state.AuditEvent
	err := st.View(func(d *state.Data) error {
		for _, evt := range d.AuditEvents {
			if evt.TenantID != tenantID {
				continue
			}
			if !since.IsZero() && evt.At.Before(since) {
				continue
			}
			out = append(out, evt)
		}
		return nil
	})
	return out, err
}
