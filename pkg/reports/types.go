package reports

import (
	"time"

	"github.com/loupelabs/loupe/core/pkg/audit"
	"github.com/loupelabs/loupe/core/pkg/auth"
	"github.com/loupelabs/loupe/core/pkg/metrics"
	"github.com/loupelabs/loupe/core/pkg/problem"
	"github.com/loupelabs/loupe/core/pkg/state"
)

// Report type presets, seeded per tenant on first use.
var typePresets = []state.ReportType{
	{
		Name:            "Weekly Business Review",
		Sections:        []string{"kpi_snapshot", "latest_insight", "recommended_actions"},
		DefaultChannels: []string{ChannelEmail, ChannelSlack},
		DefaultFormat:   "pdf",
		Schedule:        "weekly",
	},
	{
		Name:            "Monthly Finance Summary",
		Sections:        []string{"kpi_snapshot", "cash_position", "latest_insight"},
		DefaultChannels: []string{ChannelEmail},
		DefaultFormat:   "html",
		Schedule:        "monthly",
	},
}

// EnsureTypes seeds the preset report types for a tenant if it has none.
func EnsureTypes(d *state.Data, tenantID string, now time.Time) {
	if len(d.ReportTypesForTenant(tenantID)) > 0 {
		return
	}
	for _, preset := range typePresets {
		rt := preset
		rt.ID = state.NewID("rtype")
		rt.TenantID = tenantID
		rt.DeliveryTemplates = map[string]string{
			ChannelEmail:    DefaultTemplates[ChannelEmail],
			ChannelSlack:    DefaultTemplates[ChannelSlack],
			ChannelTelegram: DefaultTemplates[ChannelTelegram],
		}
		rt.CreatedAt = now
		rt.UpdatedAt = now
		d.ReportTypes = append(d.ReportTypes, &rt)
	}
}

// ListTypes returns the tenant's report types, seeding presets on first
// use.
func ListTypes(st *state.Store, ac *auth.Context) ([]*state.ReportType, error) {
	var out []*state.ReportType
	err := st.Update(func(d *state.Data) error {
		if d.TenantByID(ac.TenantID) == nil {
			return problem.NotFound("unknown tenant %q", ac.TenantID)
		}
		EnsureTypes(d, ac.TenantID, st.Now())
		out = d.ReportTypesForTenant(ac.TenantID)
		return nil
	})
	return out, err
}

// TypeRequest creates or patches a report type. Zero-valued fields are
// left unchanged on patch.
type TypeRequest struct {
	Name              string            `json:"name,omitempty"`
	Sections          []string          `json:"sections,omitempty"`
	DefaultChannels   []string          `json:"defaultChannels,omitempty"`
	DefaultFormat     string            `json:"defaultFormat,omitempty"`
	Schedule          string            `json:"schedule,omitempty"`
	DeliveryTemplates map[string]string `json:"deliveryTemplates,omitempty"`
}

// CreateType adds a report type.
func CreateType(st *state.Store, ac *auth.Context, req TypeRequest) (*state.ReportType, error) {
	if req.Name == "" {
		return nil, problem.BadRequest("name is required")
	}
	format := req.DefaultFormat
	if format == "" {
		format = "pdf"
	}
	if format != "pdf" && format != "html" {
		return nil, problem.BadRequest("defaultFormat must be pdf or html")
	}
	var rt *state.ReportType
	err := st.Update(func(d *state.Data) error {
		if d.TenantByID(ac.TenantID) == nil {
			return problem.NotFound("unknown tenant %q", ac.TenantID)
		}
		now := st.Now()
		templates := req.DeliveryTemplates
		if templates == nil {
			templates = map[string]string{}
		}
		for channel, tpl := range DefaultTemplates {
			if templates[channel] == "" {
				templates[channel] = tpl
			}
		}
		rt = &state.ReportType{
			ID:                state.NewID("rtype"),
			TenantID:          ac.TenantID,
			Name:              req.Name,
			Sections:          req.Sections,
			DefaultChannels:   req.DefaultChannels,
			DefaultFormat:     format,
			Schedule:          req.Schedule,
			DeliveryTemplates: templates,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		d.ReportTypes = append(d.ReportTypes, rt)
		audit.Record(d, ac, now, "reports.type.create", map[string]any{"reportTypeId": rt.ID})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rt, nil
}

// PatchType updates the provided fields of a report type.
func PatchType(st *state.Store, ac *auth.Context, typeID string, req TypeRequest) (*state.ReportType, error) {
	if req.DefaultFormat != "" && req.DefaultFormat != "pdf" && req.DefaultFormat != "html" {
		return nil, problem.BadRequest("defaultFormat must be pdf or html")
	}
	var rt *state.ReportType
	err := st.Update(func(d *state.Data) error {
		rt = d.ReportTypeByID(ac.TenantID, typeID)
		if rt == nil {
			return problem.NotFound("unknown report type %q", typeID)
		}
		if req.Name != "" {
			rt.Name = req.Name
		}
		if req.Sections != nil {
			rt.Sections = req.Sections
		}
		if req.DefaultChannels != nil {
			rt.DefaultChannels = req.DefaultChannels
		}
		if req.DefaultFormat != "" {
			rt.DefaultFormat = req.DefaultFormat
		}
		if req.Schedule != "" {
			rt.Schedule = req.Schedule
		}
		if req.DeliveryTemplates != nil {
			if rt.DeliveryTemplates == nil {
				rt.DeliveryTemplates = map[string]string{}
			}
			for channel, tpl := range req.DeliveryTemplates {
				rt.DeliveryTemplates[channel] = tpl
			}
		}
		rt.UpdatedAt = st.Now()
		audit.Record(d, ac, rt.UpdatedAt, "reports.type.patch", map[string]any{"reportTypeId": rt.ID})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rt, nil
}

// TypePreview is a rendered report body that was not persisted.
type TypePreview struct {
	Title     string   `json:"title"`
	Format    string   `json:"format"`
	MetricIDs []string `json:"metricIds"`
	Summary   string   `json:"summary"`
	Body      string   `json:"body"`
}

// PreviewType renders the report a type would currently produce without
// persisting anything.
func PreviewType(st *state.Store, ac *auth.Context, typeID string) (*TypePreview, error) {
	var preview *TypePreview
	err := st.View(func(d *state.Data) error {
		rt := d.ReportTypeByID(ac.TenantID, typeID)
		if rt == nil {
			return problem.NotFound("unknown report type %q", typeID)
		}
		insight := d.LatestInsight(ac.TenantID)
		body, summary := renderBody(d, ac.TenantID, rt.Name, defaultMetricIDs, metrics.GrainWeek, insight)
		preview = &TypePreview{
			Title:     rt.Name,
			Format:    rt.DefaultFormat,
			MetricIDs: defaultMetricIDs,
			Summary:   summary,
			Body:      body,
		}
		return nil
	})
	return preview, err
}

// ChannelPreview shows what one channel's message would look like and
// whether delivery would currently succeed.
type ChannelPreview struct {
	Channel string `json:"channel"`
	Ready   bool   `json:"ready"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message"`
}

// DeliveryPreviewType renders every default channel's message for a
// report type without creating channel events.
func DeliveryPreviewType(st *state.Store, ac *auth.Context, typeID string) ([]ChannelPreview, error) {
	var previews []ChannelPreview
	err := st.View(func(d *state.Data) error {
		rt := d.ReportTypeByID(ac.TenantID, typeID)
		if rt == nil {
			return problem.NotFound("unknown report type %q", typeID)
		}
		channels := rt.DefaultChannels
		if len(channels) == 0 {
			channels = []string{ChannelEmail}
		}
		insight := d.LatestInsight(ac.TenantID)
		_, summary := renderBody(d, ac.TenantID, rt.Name, defaultMetricIDs, metrics.GrainWeek, insight)
		report := &state.Report{Title: rt.Name, Summary: summary}
		for _, channel := range channels {
			tpl := rt.DeliveryTemplates[channel]
			if tpl == "" {
				tpl = DefaultTemplates[channel]
			}
			ctx := TemplateContext(ac.TenantID, channel, report, insight, nil)
			ready, reason := Readiness(d.Settings[ac.TenantID], channel)
			previews = append(previews, ChannelPreview{
				Channel: channel,
				Ready:   ready,
				Reason:  reason,
				Message: RenderTemplate(tpl, ctx),
			})
		}
		return nil
	})
	return previews, err
}
