// Package reports builds deterministic markdown reports from canonical
// facts and delivers them over external channels with per-channel
// templates, readiness checks and bounded retries.
package reports

import (
	"fmt"
	"strings"
	"time"

	"github.com/loupelabs/loupe/core/pkg/audit"
	"github.com/loupelabs/loupe/core/pkg/auth"
	"github.com/loupelabs/loupe/core/pkg/metrics"
	"github.com/loupelabs/loupe/core/pkg/problem"
	"github.com/loupelabs/loupe/core/pkg/state"
)

var defaultMetricIDs = []string{"revenue", "profit", "spend"}

// GenerateRequest configures one report build, optionally with delivery.
type GenerateRequest struct {
	Title                  string            `json:"title,omitempty"`
	MetricIDs              []string          `json:"metricIds,omitempty"`
	Grain                  string            `json:"grain,omitempty"`
	Format                 string            `json:"format,omitempty"`
	Channels               []string          `json:"channels,omitempty"`
	ChannelTemplates       map[string]string `json:"channelTemplates,omitempty"`
	ChannelTemplateContext map[string]string `json:"channelTemplateContext,omitempty"`
	ForceFailChannels      []string          `json:"forceFailChannels,omitempty"`
}

// GenerateResult is a built report plus any delivery attempts made for it.
type GenerateResult struct {
	Report         *state.Report         `json:"report"`
	DeliveryEvents []*state.ChannelEvent `json:"deliveryEvents,omitempty"`
}

// Generate builds a report for the tenant in the auth context and
// attempts delivery on each requested channel.
func Generate(st *state.Store, ac *auth.Context, req GenerateRequest) (*GenerateResult, error) {
	var result *GenerateResult
	err := st.Update(func(d *state.Data) error {
		if d.TenantByID(ac.TenantID) == nil {
			return problem.NotFound("unknown tenant %q", ac.TenantID)
		}
		r, err := GenerateData(d, st.Now(), ac.TenantID, req)
		if err != nil {
			return err
		}
		result = r
		audit.Record(d, ac, st.Now(), "reports.generate", map[string]any{
			"reportId": r.Report.ID,
			"channels": req.Channels,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GenerateData is Generate against an already-locked container, for the
// analysis-run orchestrator and the skill runtime.
func GenerateData(d *state.Data, now time.Time, tenantID string, req GenerateRequest) (*GenerateResult, error) {
	metricIDs := req.MetricIDs
	if len(metricIDs) == 0 {
		metricIDs = defaultMetricIDs
	}
	grain := req.Grain
	if grain == "" {
		grain = metrics.GrainWeek
	}
	format := req.Format
	if format == "" {
		format = "markdown"
	}
	switch format {
	case "pdf", "html", "markdown":
	default:
		return nil, problem.BadRequest("unknown report format %q", format)
	}
	title := req.Title
	if title == "" {
		title = "Business report"
	}

	insight := d.LatestInsight(tenantID)
	body, summary := renderBody(d, tenantID, title, metricIDs, grain, insight)

	report := &state.Report{
		ID:        state.NewID("rep"),
		TenantID:  tenantID,
		Title:     title,
		Format:    format,
		Summary:   summary,
		MetricIDs: metricIDs,
		Body:      body,
		CreatedAt: now,
	}
	d.Reports = append(d.Reports, report)

	result := &GenerateResult{Report: report}
	for _, channel := range req.Channels {
		event := notifyReportDelivery(d, now, tenantID, report, insight, deliveryOptions{
			Channel:   channel,
			Template:  req.ChannelTemplates[channel],
			Context:   req.ChannelTemplateContext,
			ForceFail: containsString(req.ForceFailChannels, channel),
		})
		result.DeliveryEvents = append(result.DeliveryEvents, event)
	}
	return result, nil
}

// SkillAdapter returns the report hook the skill runtime injects.
func SkillAdapter() func(d *state.Data, now time.Time, tenantID, title, summary string, metricIDs []string) (string, error) {
	return func(d *state.Data, now time.Time, tenantID, title, summary string, metricIDs []string) (string, error) {
		result, err := GenerateData(d, now, tenantID, GenerateRequest{Title: title, MetricIDs: metricIDs})
		if err != nil {
			return "", err
		}
		if summary != "" {
			result.Report.Summary = summary
		}
		return result.Report.ID, nil
	}
}

// renderBody produces the deterministic markdown document: a KPI snapshot
// per metric and a block for the latest insight when one exists.
func renderBody(d *state.Data, tenantID, title string, metricIDs []string, grain string, insight *state.Insight) (body, summary string) {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", title)
	b.WriteString("## KPI Snapshot\n\n")

	var summaryParts []string
	for _, metricID := range metricIDs {
		series, err := metrics.QueryMetricData(d, tenantID, metrics.Query{MetricID: metricID, Grain: grain})
		if err != nil {
			fmt.Fprintf(&b, "- %s: unavailable\n", metricID)
			continue
		}
		fmt.Fprintf(&b, "- %s: total=%g, avg=%g\n", metricID, series.Summary.Total, series.Summary.Average)
		summaryParts = append(summaryParts, fmt.Sprintf("%s %g", metricID, series.Summary.Total))
	}

	if insight != nil {
		b.WriteString("\n## Latest Insight\n\n")
		fmt.Fprintf(&b, "%s\n\n", insight.Summary)
		fmt.Fprintf(&b, "- confidence: %g\n", insight.Confidence)
		fmt.Fprintf(&b, "- recommended actions: %d\n", len(insight.ActionIDs))
	}

	summary = strings.Join(summaryParts, ", ")
	if summary == "" {
		summary = "no data"
	}
	return b.String(), summary
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
