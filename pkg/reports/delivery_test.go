package reports

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loupelabs/loupe/core/pkg/problem"
	"github.com/loupelabs/loupe/core/pkg/state"
)

func enableTelegram(t *testing.T, st *state.Store) {
	t.Helper()
	require.NoError(t, st.Update(func(d *state.Data) error {
		d.Settings["t1"] = &state.TenantSettings{
			TenantID: "t1",
			Channels: state.ChannelSettings{
				Telegram: state.ChannelConfig{Enabled: true, BotTokenRef: "secret_bot", ChatID: "chat-42"},
			},
		}
		return nil
	}))
}

func TestReadiness(t *testing.T) {
	cases := []struct {
		name     string
		settings *state.TenantSettings
		channel  string
		ready    bool
		reason   string
	}{
		{"email needs nothing", nil, ChannelEmail, true, ""},
		{"slack without settings", nil, ChannelSlack, false, ReasonSettingsMissing},
		{"slack disabled", &state.TenantSettings{}, ChannelSlack, false, ReasonSlackDisabled},
		{"slack without webhook", &state.TenantSettings{
			Channels: state.ChannelSettings{Slack: state.ChannelConfig{Enabled: true}},
		}, ChannelSlack, false, ReasonSlackWebhookMissing},
		{"slack configured", &state.TenantSettings{
			Channels: state.ChannelSettings{Slack: state.ChannelConfig{Enabled: true, WebhookRef: "secret_hook"}},
		}, ChannelSlack, true, ""},
		{"telegram without settings", nil, ChannelTelegram, false, ReasonSettingsMissing},
		{"telegram disabled", &state.TenantSettings{}, ChannelTelegram, false, ReasonTelegramDisabled},
		{"telegram without bot token", &state.TenantSettings{
			Channels: state.ChannelSettings{Telegram: state.ChannelConfig{Enabled: true}},
		}, ChannelTelegram, false, ReasonTelegramBotMissing},
		{"telegram without chat id", &state.TenantSettings{
			Channels: state.ChannelSettings{Telegram: state.ChannelConfig{Enabled: true, BotTokenRef: "secret_bot"}},
		}, ChannelTelegram, false, ReasonTelegramChatMissing},
		{"telegram configured", &state.TenantSettings{
			Channels: state.ChannelSettings{Telegram: state.ChannelConfig{Enabled: true, BotTokenRef: "secret_bot", ChatID: "chat-42"}},
		}, ChannelTelegram, true, ""},
		{"unknown channel", nil, "pager", false, ReasonUnsupportedChannel},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ready, reason := Readiness(tc.settings, tc.channel)
			assert.Equal(t, tc.ready, ready)
			assert.Equal(t, tc.reason, reason)
		})
	}
}

func TestRenderTemplate(t *testing.T) {
	out := RenderTemplate("{{reportTitle}} for {{tenantId}} ({{ghost}})", map[string]string{
		"reportTitle": "Weekly Review",
		"tenantId":    "t1",
	})
	assert.Equal(t, "Weekly Review for t1 ({{ghost}})", out, "unknown placeholders stay visible")
}

func TestTemplateContext(t *testing.T) {
	report := &state.Report{Title: "Weekly Review", Summary: "revenue 300"}

	ctx := TemplateContext("t1", ChannelSlack, report, nil, nil)
	assert.Equal(t, "", ctx["confidence"])
	assert.Equal(t, "0", ctx["actionsCount"])

	insight := &state.Insight{ID: "ins_1", Confidence: 0.72, ActionIDs: []string{"act_1"}}
	ctx = TemplateContext("t1", ChannelSlack, report, insight, map[string]string{"runId": "arun_1"})
	assert.Equal(t, "ins_1", ctx["insightId"])
	assert.Equal(t, "0.72", ctx["confidence"])
	assert.Equal(t, "1", ctx["actionsCount"])
	assert.Equal(t, "arun_1", ctx["runId"])
}

func TestGenerateDeliversEmail(t *testing.T) {
	st, ac := newStore(t)

	result, err := Generate(st, ac, GenerateRequest{Channels: []string{ChannelEmail}})
	require.NoError(t, err)
	require.Len(t, result.DeliveryEvents, 1)

	event := result.DeliveryEvents[0]
	assert.Equal(t, "delivered", event.Status)
	assert.Equal(t, 1, event.AttemptCount)
	assert.Equal(t, 3, event.MaxAttempts)
	assert.Equal(t, "report_delivery", event.EventType)
	assert.Equal(t, result.Report.ID, event.Payload.ReportID)
	assert.Contains(t, event.Payload.Message, "Subject: Business report")
}

func TestGenerateUnconfiguredChannelFails(t *testing.T) {
	st, ac := newStore(t)

	result, err := Generate(st, ac, GenerateRequest{Channels: []string{ChannelSlack}})
	require.NoError(t, err)
	require.Len(t, result.DeliveryEvents, 1)
	assert.Equal(t, "failed", result.DeliveryEvents[0].Status)
	assert.Equal(t, ReasonSettingsMissing, result.DeliveryEvents[0].LastError)
}

func TestRetryAfterFixingChannel(t *testing.T) {
	st, ac := newStore(t)

	result, err := Generate(st, ac, GenerateRequest{Channels: []string{ChannelTelegram}})
	require.NoError(t, err)
	event := result.DeliveryEvents[0]
	require.Equal(t, "failed", event.Status)
	require.Equal(t, ReasonSettingsMissing, event.LastError)

	enableTelegram(t, st)

	retried, err := RetryChannelEvent(st, ac, event.ID, RetryRequest{})
	require.NoError(t, err)
	assert.Equal(t, "delivered", retried.Status)
	assert.Equal(t, 2, retried.AttemptCount)
	assert.Empty(t, retried.LastError)

	// Delivered events are terminal.
	_, err = RetryChannelEvent(st, ac, event.ID, RetryRequest{})
	assert.True(t, problem.IsKind(err, problem.KindBadRequest))
}

func TestRetryExhaustionIsPermanent(t *testing.T) {
	st, ac := newStore(t)
	enableTelegram(t, st)

	result, err := Generate(st, ac, GenerateRequest{
		Channels:          []string{ChannelTelegram},
		ForceFailChannels: []string{ChannelTelegram},
	})
	require.NoError(t, err)
	event := result.DeliveryEvents[0]
	require.Equal(t, "failed", event.Status)
	require.Equal(t, ReasonDeliveryFailed, event.LastError)

	second, err := RetryChannelEvent(st, ac, event.ID, RetryRequest{ForceFail: true})
	require.NoError(t, err)
	assert.Equal(t, "failed", second.Status)
	assert.Equal(t, 2, second.AttemptCount)

	third, err := RetryChannelEvent(st, ac, event.ID, RetryRequest{ForceFail: true})
	require.NoError(t, err)
	assert.Equal(t, "failed_permanent", third.Status)
	assert.Equal(t, 3, third.AttemptCount)

	// A permanent failure never retries again, even when the channel works.
	fourth, err := RetryChannelEvent(st, ac, event.ID, RetryRequest{})
	require.NoError(t, err)
	assert.Equal(t, "failed_permanent", fourth.Status)
	assert.Equal(t, 3, fourth.AttemptCount, "attempt count is not bumped")
}

func TestRetryValidation(t *testing.T) {
	st, ac := newStore(t)
	_, err := RetryChannelEvent(st, ac, "chev_ghost", RetryRequest{})
	assert.True(t, problem.IsKind(err, problem.KindNotFound))
}

func TestChannelTemplateOverrides(t *testing.T) {
	st, ac := newStore(t)

	result, err := Generate(st, ac, GenerateRequest{
		Title:    "Weekly Review",
		Channels: []string{ChannelEmail},
		ChannelTemplates: map[string]string{
			ChannelEmail: "{{reportTitle}} sent by {{sender}}",
		},
		ChannelTemplateContext: map[string]string{"sender": "ops-bot"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Weekly Review sent by ops-bot", result.DeliveryEvents[0].Payload.Message)
}

func TestDeliverReportRecordsPerChannel(t *testing.T) {
	st, ac := newStore(t)
	enableTelegram(t, st)

	result, err := Generate(st, ac, GenerateRequest{Title: "Weekly Review"})
	require.NoError(t, err)

	require.NoError(t, st.Update(func(d *state.Data) error {
		events := DeliverReport(d, testClock, "t1", result.Report, nil,
			[]string{ChannelEmail, ChannelTelegram, ChannelSlack}, map[string]string{}, nil)
		require.Len(t, events, 3)
		assert.Equal(t, "delivered", events[0].Status)
		assert.Equal(t, "delivered", events[1].Status)
		assert.Equal(t, "failed", events[2].Status)
		return nil
	}))

	events, err := ListEvents(st, ac)
	require.NoError(t, err)
	assert.Len(t, events, 3)
}
