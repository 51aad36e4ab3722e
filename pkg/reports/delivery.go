package reports

import (
	"fmt"
	"strings"
	"time"

	"github.com/loupelabs/loupe/core/pkg/audit"
	"github.com/loupelabs/loupe/core/pkg/auth"
	"github.com/loupelabs/loupe/core/pkg/problem"
	"github.com/loupelabs/loupe/core/pkg/state"
)

const defaultMaxAttempts = 3

// Delivery channels.
const (
	ChannelEmail    = "email"
	ChannelSlack    = "slack"
	ChannelTelegram = "telegram"
)

// Readiness failure reasons.
const (
	ReasonSettingsMissing     = "channel_settings_missing"
	ReasonSlackDisabled       = "slack_disabled"
	ReasonSlackWebhookMissing = "slack_webhook_missing"
	ReasonTelegramDisabled    = "telegram_disabled"
	ReasonTelegramBotMissing  = "telegram_bot_token_missing"
	ReasonTelegramChatMissing = "telegram_chat_id_missing"
	ReasonUnsupportedChannel  = "unsupported_channel"
	ReasonDeliveryFailed      = "delivery_failed"
)

// DefaultTemplates are the per-channel message templates used when a
// report type or request supplies none.
var DefaultTemplates = map[string]string{
	ChannelSlack:    "[{{channel}}] {{reportTitle}} | {{reportSummary}} | confidence={{confidence}}",
	ChannelTelegram: "[{{channel}}] {{reportTitle}} | {{reportSummary}}",
	ChannelEmail:    "Subject: {{reportTitle}}\n\n{{reportSummary}}\n\nTenant: {{tenantId}}\nConfidence: {{confidence}}\nActions: {{actionsCount}}",
}

// Readiness decides whether a channel can be delivered to. Email needs
// no configuration; slack and telegram need explicit settings.
func Readiness(settings *state.TenantSettings, channel string) (bool, string) {
	switch channel {
	case ChannelEmail:
		return true, ""
	case ChannelSlack:
		if settings == nil {
			return false, ReasonSettingsMissing
		}
		cfg := settings.Channels.Slack
		if !cfg.Enabled {
			return false, ReasonSlackDisabled
		}
		if cfg.WebhookRef == "" {
			return false, ReasonSlackWebhookMissing
		}
		return true, ""
	case ChannelTelegram:
		if settings == nil {
			return false, ReasonSettingsMissing
		}
		cfg := settings.Channels.Telegram
		if !cfg.Enabled {
			return false, ReasonTelegramDisabled
		}
		if cfg.BotTokenRef == "" {
			return false, ReasonTelegramBotMissing
		}
		if cfg.ChatID == "" {
			return false, ReasonTelegramChatMissing
		}
		return true, ""
	default:
		return false, ReasonUnsupportedChannel
	}
}

// RenderTemplate substitutes {{name}} placeholders. Unknown placeholders
// are left in place so a bad template is visible in the output.
func RenderTemplate(tpl string, ctx map[string]string) string {
	out := tpl
	for name, value := range ctx {
		out = strings.ReplaceAll(out, "{{"+name+"}}", value)
	}
	return out
}

// TemplateContext builds the standard substitution set for a report.
func TemplateContext(tenantID, channel string, report *state.Report, insight *state.Insight, extra map[string]string) map[string]string {
	ctx := map[string]string{
		"reportTitle":   report.Title,
		"reportSummary": report.Summary,
		"tenantId":      tenantID,
		"channel":       channel,
		"runId":         "",
		"insightId":     "",
		"confidence":    "",
		"actionsCount":  "0",
	}
	if insight != nil {
		ctx["insightId"] = insight.ID
		ctx["confidence"] = fmt.Sprintf("%g", insight.Confidence)
		ctx["actionsCount"] = fmt.Sprintf("%d", len(insight.ActionIDs))
	}
	for name, value := range extra {
		ctx[name] = value
	}
	return ctx
}

type deliveryOptions struct {
	Channel   string
	Template  string
	Context   map[string]string
	ForceFail bool
}

// notifyReportDelivery makes the first delivery attempt for one channel
// and records it as a channel event.
func notifyReportDelivery(d *state.Data, now time.Time, tenantID string, report *state.Report, insight *state.Insight, opts deliveryOptions) *state.ChannelEvent {
	tpl := opts.Template
	if tpl == "" {
		tpl = DefaultTemplates[opts.Channel]
	}
	ctx := TemplateContext(tenantID, opts.Channel, report, insight, opts.Context)
	message := RenderTemplate(tpl, ctx)

	event := &state.ChannelEvent{
		ID:           state.NewID("chev"),
		TenantID:     tenantID,
		Channel:      opts.Channel,
		EventType:    "report_delivery",
		AttemptCount: 1,
		MaxAttempts:  defaultMaxAttempts,
		Payload: state.ChannelPayload{
			ReportID: report.ID,
			Title:    report.Title,
			Summary:  report.Summary,
			Message:  message,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	ready, reason := Readiness(d.Settings[tenantID], opts.Channel)
	switch {
	case ready && !opts.ForceFail:
		event.Status = "delivered"
		event.ResponseMetadata = map[string]any{"deliveredAt": now}
	default:
		event.Status = "failed"
		if event.AttemptCount >= event.MaxAttempts {
			event.Status = "failed_permanent"
		}
		if reason == "" {
			reason = ReasonDeliveryFailed
		}
		event.LastError = reason
	}

	d.ChannelEvents = append(d.ChannelEvents, event)
	return event
}

// DeliverReport attempts delivery of an existing report on each channel,
// using the caller's templates where provided. One channel event is
// recorded per channel.
func DeliverReport(d *state.Data, now time.Time, tenantID string, report *state.Report, insight *state.Insight, channels []string, templates map[string]string, templateContext map[string]string) []*state.ChannelEvent {
	var events []*state.ChannelEvent
	for _, channel := range channels {
		events = append(events, notifyReportDelivery(d, now, tenantID, report, insight, deliveryOptions{
			Channel:  channel,
			Template: templates[channel],
			Context:  templateContext,
		}))
	}
	return events
}

// RetryRequest controls one retry attempt.
type RetryRequest struct {
	ForceFail bool `json:"forceFail,omitempty"`
}

// RetryChannelEvent re-attempts a failed delivery. Permanent failures
// stay permanent; delivered events are not retryable.
func RetryChannelEvent(st *state.Store, ac *auth.Context, eventID string, req RetryRequest) (*state.ChannelEvent, error) {
	var event *state.ChannelEvent
	err := st.Update(func(d *state.Data) error {
		event = d.ChannelEventByID(ac.TenantID, eventID)
		if event == nil {
			return problem.NotFound("unknown channel event %q", eventID)
		}
		if event.Status == "delivered" {
			return problem.BadRequest("channel event %q is already delivered", eventID)
		}
		now := st.Now()
		if event.Status == "failed_permanent" {
			event.UpdatedAt = now
			audit.Record(d, ac, now, "channels.event.retry", map[string]any{
				"channelEventId": event.ID,
				"status":         event.Status,
			})
			return nil
		}

		event.AttemptCount++
		ready, reason := Readiness(d.Settings[ac.TenantID], event.Channel)
		switch {
		case ready && !req.ForceFail:
			event.Status = "delivered"
			event.LastError = ""
			event.ResponseMetadata = map[string]any{"deliveredAt": now}
		default:
			event.Status = "failed"
			if event.AttemptCount >= event.MaxAttempts {
				event.Status = "failed_permanent"
			}
			if reason == "" {
				reason = ReasonDeliveryFailed
			}
			event.LastError = reason
		}
		event.UpdatedAt = now
		audit.Record(d, ac, now, "channels.event.retry", map[string]any{
			"channelEventId": event.ID,
			"status":         event.Status,
			"attemptCount":   event.AttemptCount,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return event, nil
}

// ListEvents returns the tenant's channel events.
func ListEvents(st *state.Store, ac *auth.Context) ([]*state.ChannelEvent, error) {
	var out []*state.ChannelEvent
	err := st.View(func(d *state.Data) error {
		out = d.ChannelEventsForTenant(ac.TenantID)
		return nil
	})
	return out, err
}
