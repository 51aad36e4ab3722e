// Package state holds the tenant-partitioned data model for the control
// plane and the process-wide store that guards it. Every entity belongs to
// exactly one tenant; cross-entity references are by id and are resolved
// through the store.
package state

import "time"

// TenantStatus represents the lifecycle status of a tenant.
type TenantStatus string

const (
	TenantActive    TenantStatus = "active"
	TenantSuspended TenantStatus = "suspended"
)

// ModelConfig controls model provider selection for a tenant.
type ModelConfig struct {
	Mode                    string   `json:"mode"` // "managed" | "byo"
	DefaultProvider         string   `json:"defaultProvider,omitempty"`
	FailoverChain           []string `json:"failoverChain,omitempty"`
	ByoProviders            []string `json:"byoProviders,omitempty"`
	ProviderCooldownMinutes int      `json:"providerCooldownMinutes"`
}

// AutonomyPolicy governs what recommended actions may do without a human.
type AutonomyPolicy struct {
	AutonomyMode        string   `json:"autonomyMode"` // "policy-gated" | "manual"
	AutopilotEnabled    bool     `json:"autopilotEnabled"`
	ConfidenceThreshold float64  `json:"confidenceThreshold"`
	ActionAllowlist     []string `json:"actionAllowlist,omitempty"`
	HighImpactActions   []string `json:"highImpactActions,omitempty"`
	BudgetGuardrailUsd  float64  `json:"budgetGuardrailUsd"`
	KillSwitch          bool     `json:"killSwitch"`
}

// DataPolicy bounds live query execution for a tenant.
type DataPolicy struct {
	MaxLiveQueryRows      int `json:"maxLiveQueryRows"`
	MaxLiveQueryTimeoutMs int `json:"maxLiveQueryTimeoutMs"`
	MaxLiveQueryCostUnits int `json:"maxLiveQueryCostUnits"`
}

// Tenant is the top-level isolation unit.
type Tenant struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Status         TenantStatus      `json:"status"`
	BlueprintID    string            `json:"blueprintId"`
	Branding       map[string]string `json:"branding,omitempty"`
	TrainingOptIn  bool              `json:"trainingOptIn"`
	ModelConfig    ModelConfig       `json:"modelConfig"`
	AutonomyPolicy AutonomyPolicy    `json:"autonomyPolicy"`
	DataPolicy     DataPolicy        `json:"dataPolicy"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// MetricDef defines a metric within a tenant's blueprint.
type MetricDef struct {
	ID       string  `json:"id"`
	Formula  string  `json:"formula"`
	Grain    string  `json:"grain"`
	Domain   string  `json:"domain"`
	Fallback float64 `json:"fallback,omitempty"`
}

// Lineage records where a canonical fact came from.
type Lineage struct {
	Provider       string    `json:"provider"`
	ConnectorRunID string    `json:"connectorRunId"`
	ExtractedAt    time.Time `json:"extractedAt"`
}

// CanonicalFact is the normalized, tenant-scoped measurement record.
// The tuple (tenantId, date, domain, metricId, source) is unique.
type CanonicalFact struct {
	ID       string  `json:"id"`
	TenantID string  `json:"tenantId"`
	Domain   string  `json:"domain"`
	MetricID string  `json:"metricId"`
	Date     string  `json:"date"` // ISO yyyy-mm-dd
	Value    float64 `json:"value"`
	Source   string  `json:"source"`
	Lineage  Lineage `json:"lineage"`
}

// SyncPolicy controls sync cadence and freshness for a source connection.
type SyncPolicy struct {
	IntervalMinutes   int `json:"intervalMinutes"`
	BackfillDays      int `json:"backfillDays"`
	FreshnessSlaHours int `json:"freshnessSlaHours"`
}

// QualityPolicy gates model runs behind sync quality.
type QualityPolicy struct {
	MinQualityScore float64 `json:"minQualityScore"`
	BlockModelRun   bool    `json:"blockModelRun"`
}

// QueryPolicy restricts what a live connection may read.
type QueryPolicy struct {
	AllowedTables         []string            `json:"allowedTables,omitempty"`
	AllowedColumnsByTable map[string][]string `json:"allowedColumnsByTable,omitempty"`
}

// ConnectionMetadata carries operator-facing connection settings.
type ConnectionMetadata struct {
	Label          string         `json:"label,omitempty"`
	Owner          string         `json:"owner,omitempty"`
	QualityChecks  []string       `json:"qualityChecks,omitempty"`
	ExtractionSpec map[string]any `json:"extractionSpec,omitempty"`
}

// Checkpoint tracks ingestion progress for a connection.
type Checkpoint struct {
	Cursor    string    `json:"cursor,omitempty"` // latest ingested date
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// SourceConnection is a configured link to an external business data source.
type SourceConnection struct {
	ID            string             `json:"id"`
	TenantID      string             `json:"tenantId"`
	SourceType    string             `json:"sourceType"`
	Mode          string             `json:"mode"` // "ingest" | "live" | "hybrid"
	AuthRef       string             `json:"authRef,omitempty"`
	Status        string             `json:"status"` // "active" | "error"
	SyncPolicy    SyncPolicy         `json:"syncPolicy"`
	QualityPolicy QualityPolicy      `json:"qualityPolicy"`
	QueryPolicy   QueryPolicy        `json:"queryPolicy"`
	Metadata      ConnectionMetadata `json:"metadata"`
	Checkpoint    Checkpoint         `json:"checkpoint"`
	CreatedAt     time.Time          `json:"createdAt"`
	UpdatedAt     time.Time          `json:"updatedAt"`
}

// QualityCheck is the outcome of one sync quality check.
type QualityCheck struct {
	Name   string `json:"name"`
	Status string `json:"status"` // "pass" | "warn" | "fail"
	Detail string `json:"detail,omitempty"`
}

// SyncDiagnostics summarizes one sync attempt.
type SyncDiagnostics struct {
	GeneratedRecords int            `json:"generatedRecords"`
	InsertedRecords  int            `json:"insertedRecords"`
	QualityScore     float64        `json:"qualityScore"`
	Retries          int            `json:"retries"`
	QualityPassed    bool           `json:"qualityPassed"`
	QualityChecks    []QualityCheck `json:"qualityChecks,omitempty"`
}

// SourceRun records one sync execution of a source connection.
type SourceRun struct {
	ID           string          `json:"id"`
	ConnectionID string          `json:"connectionId"`
	TenantID     string          `json:"tenantId"`
	Status       string          `json:"status"` // "success" | "error"
	Diagnostics  SyncDiagnostics `json:"diagnostics"`
	Checkpoint   Checkpoint      `json:"checkpoint"`
	StartedAt    time.Time       `json:"startedAt"`
	FinishedAt   time.Time       `json:"finishedAt"`
}

// SecretDescriptor is what the store keeps about a credential. The
// plaintext never reaches the store; only the fingerprint does.
type SecretDescriptor struct {
	Fingerprint    string    `json:"fingerprint"`
	HasCredentials bool      `json:"hasCredentials"`
	CreatedAt      time.Time `json:"createdAt"`
}

// MaterializationRun records one materialization of live query results
// into canonical facts.
type MaterializationRun struct {
	ID              string    `json:"id"`
	TenantID        string    `json:"tenantId"`
	SourceResultID  string    `json:"sourceResultId"`
	DatasetName     string    `json:"datasetName"`
	InsertedRecords int       `json:"insertedRecords"`
	TotalRows       int       `json:"totalRows"`
	CreatedAt       time.Time `json:"createdAt"`
}

// ProviderHealth tracks failover state for one (tenant, provider) pair.
// A provider is cooling down iff CooldownUntil is after now.
type ProviderHealth struct {
	TenantID      string    `json:"tenantId"`
	Provider      string    `json:"provider"`
	FailCount     int       `json:"failCount"`
	SuccessCount  int       `json:"successCount"`
	LastError     string    `json:"lastError,omitempty"`
	CooldownUntil time.Time `json:"cooldownUntil,omitempty"`
}

// FailoverEvent is one entry in a model run's provider trace.
type FailoverEvent struct {
	Provider string `json:"provider"`
	Reason   string `json:"reason"` // "skipped_cooldown" | "failed"
}

// ProviderTrace records the consulted provider chain for a model run.
type ProviderTrace struct {
	Chain         []string        `json:"chain"`
	FailoverTrace []FailoverEvent `json:"failoverTrace,omitempty"`
}

// ModelRun records one execution of the model runner.
type ModelRun struct {
	ID              string        `json:"id"`
	TenantID        string        `json:"tenantId"`
	Objective       string        `json:"objective"` // "forecast" | "anomaly"
	Provider        string        `json:"provider"`
	ProviderTrace   ProviderTrace `json:"providerTrace"`
	MetricID        string        `json:"metricId"`
	Status          string        `json:"status"` // "completed" | "completed_with_warnings"
	QualityWarnings []string      `json:"qualityWarnings,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
}

// ForecastPoint is one projected value in a forecast.
type ForecastPoint struct {
	Step  int     `json:"step"`
	Value float64 `json:"value"`
}

// Forecast is the forecast artifact of a model run.
type Forecast struct {
	Points []ForecastPoint `json:"points"`
}

// AnomalyPoint is one detected outlier.
type AnomalyPoint struct {
	Date   string  `json:"date"`
	Value  float64 `json:"value"`
	ZScore float64 `json:"zScore"`
}

// Insight is the synthesized result of a model run.
type Insight struct {
	ID              string         `json:"id"`
	TenantID        string         `json:"tenantId"`
	ModelRunID      string         `json:"modelRunId"`
	Severity        string         `json:"severity"` // "low" | "medium" | "high"
	Confidence      float64        `json:"confidence"`
	Objective       string         `json:"objective"`
	MetricID        string         `json:"metricId"`
	Summary         string         `json:"summary"`
	Forecast        *Forecast      `json:"forecast,omitempty"`
	Anomalies       []AnomalyPoint `json:"anomalies,omitempty"`
	ActionIDs       []string       `json:"actionIds,omitempty"`
	QualityWarnings []string       `json:"qualityWarnings,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
}

// RecommendedAction is a policy-evaluated action proposed by an insight.
type RecommendedAction struct {
	ID                       string    `json:"id"`
	TenantID                 string    `json:"tenantId"`
	InsightID                string    `json:"insightId"`
	ActionType               string    `json:"actionType"`
	TargetSystem             string    `json:"targetSystem"`
	RequiresApproval         bool      `json:"requiresApproval"`
	PolicyDecision           string    `json:"policyDecision"` // "allow" | "review" | "deny"
	PolicyReason             string    `json:"policyReason"`
	Confidence               float64   `json:"confidence"`
	EstimatedBudgetImpactUsd float64   `json:"estimatedBudgetImpactUsd"`
	ExecutionState           string    `json:"executionState"` // "executed" | "pending" | "rejected"
	CreatedAt                time.Time `json:"createdAt"`
}

// ActionApproval records a human decision on a pending action.
type ActionApproval struct {
	ID       string    `json:"id"`
	TenantID string    `json:"tenantId"`
	ActionID string    `json:"actionId"`
	Decision string    `json:"decision"` // "approve" | "reject"
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// SkillTriggers declares when a skill should route.
type SkillTriggers struct {
	Intents  []string `json:"intents"`
	Channels []string `json:"channels,omitempty"`
}

// SkillTool declares one tool a skill may request.
type SkillTool struct {
	ID    string `json:"id"`
	Allow bool   `json:"allow"`
}

// SkillGuardrails are the pre-execution limits of a skill.
type SkillGuardrails struct {
	ConfidenceMin      float64  `json:"confidenceMin"`
	HumanApprovalFor   []string `json:"humanApprovalFor,omitempty"`
	BudgetCapUsd       float64  `json:"budgetCapUsd"`
	TokenBudget        int      `json:"tokenBudget"`
	TimeBudgetMs       int      `json:"timeBudgetMs"`
	ContextTokenBudget int      `json:"contextTokenBudget"`
	KillSwitch         bool     `json:"killSwitch"`
}

// SkillPrompts carries prompt material for model-backed steps.
type SkillPrompts struct {
	System string `json:"system"`
}

// SkillManifest is the declarative definition of a skill pack.
type SkillManifest struct {
	ID          string          `json:"id"`
	Version     string          `json:"version"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Triggers    SkillTriggers   `json:"triggers"`
	Tools       []SkillTool     `json:"tools"`
	Guardrails  SkillGuardrails `json:"guardrails"`
	Prompts     SkillPrompts    `json:"prompts"`
	Schedules   []string        `json:"schedules,omitempty"`
	RiskLevel   string          `json:"riskLevel"` // "low" | "medium" | "high"
}

// InstalledSkill is a signed manifest installed for a tenant. At most one
// install per (tenant, baseId) is active at a time.
type InstalledSkill struct {
	InstallID   string        `json:"installId"`
	ID          string        `json:"id"` // "{baseId}@{version}"
	BaseID      string        `json:"baseId"`
	Version     string        `json:"version"`
	TenantID    string        `json:"tenantId"`
	Manifest    SkillManifest `json:"manifest"`
	Signature   string        `json:"signature"`
	Active      bool          `json:"active"`
	Precedence  string        `json:"precedence"` // "workspace" | "local" | "bundled"
	InstalledAt time.Time     `json:"installedAt"`
}

// SkillDraft is an in-progress manifest not yet published.
type SkillDraft struct {
	ID        string        `json:"id"`
	TenantID  string        `json:"tenantId"`
	Manifest  SkillManifest `json:"manifest"`
	Status    string        `json:"status"` // "draft" | "published"
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// SkillToolTrace records which tools were requested, allowed and executed.
type SkillToolTrace struct {
	Requested             []string `json:"requested,omitempty"`
	Allowed               []string `json:"allowed,omitempty"`
	DeterministicExecuted []string `json:"deterministicExecuted,omitempty"`
}

// SkillTrace is the execution trace of a skill run.
type SkillTrace struct {
	Routing    string         `json:"routing"`
	Tools      SkillToolTrace `json:"tools"`
	Guardrails []QualityCheck `json:"guardrails,omitempty"`
}

// SkillArtifacts references everything a skill run produced.
type SkillArtifacts struct {
	DeterministicOutputs map[string]any `json:"deterministicOutputs,omitempty"`
	ModelRunID           string         `json:"model,omitempty"`
	ModelRunIDs          []string       `json:"models,omitempty"`
	ReportID             string         `json:"report,omitempty"`
	ReportIDs            []string       `json:"reports,omitempty"`
}

// SkillRun records one execution of a skill pack.
type SkillRun struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenantId"`
	SkillID        string         `json:"skillId"`
	BaseID         string         `json:"baseId"`
	Channel        string         `json:"channel,omitempty"`
	Intent         string         `json:"intent,omitempty"`
	Status         string         `json:"status"` // "completed" | "completed_with_warning"
	Confidence     float64        `json:"confidence"`
	Artifacts      SkillArtifacts `json:"artifacts"`
	Trace          SkillTrace     `json:"trace"`
	ReasoningHints []string       `json:"reasoningHints,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// Report is a generated analytics report.
type Report struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	Title     string    `json:"title"`
	Format    string    `json:"format"` // "pdf" | "html" | "markdown"
	Summary   string    `json:"summary"`
	MetricIDs []string  `json:"metricIds"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

// ReportType is a reusable report configuration.
type ReportType struct {
	ID                string            `json:"id"`
	TenantID          string            `json:"tenantId"`
	Name              string            `json:"name"`
	Sections          []string          `json:"sections,omitempty"`
	DefaultChannels   []string          `json:"defaultChannels,omitempty"`
	DefaultFormat     string            `json:"defaultFormat"` // "pdf" | "html"
	Schedule          string            `json:"schedule,omitempty"`
	DeliveryTemplates map[string]string `json:"deliveryTemplates,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

// ReportSchedule fires report generation on a fixed interval.
type ReportSchedule struct {
	ID              string     `json:"id"`
	TenantID        string     `json:"tenantId"`
	Name            string     `json:"name"`
	MetricIDs       []string   `json:"metricIds,omitempty"`
	Channels        []string   `json:"channels,omitempty"`
	Format          string     `json:"format,omitempty"`
	IntervalMinutes int        `json:"intervalMinutes"`
	Active          bool       `json:"active"`
	LastRunAt       *time.Time `json:"lastRunAt,omitempty"`
	NextRunAt       time.Time  `json:"nextRunAt"`
	CreatedAt       time.Time  `json:"createdAt"`
}

// ChannelPayload is what a delivery attempt carries.
type ChannelPayload struct {
	ReportID string `json:"reportId,omitempty"`
	Title    string `json:"title,omitempty"`
	Summary  string `json:"summary,omitempty"`
	Message  string `json:"message,omitempty"`
}

// ChannelEvent records a delivery attempt on an external channel.
type ChannelEvent struct {
	ID               string         `json:"id"`
	TenantID         string         `json:"tenantId"`
	Channel          string         `json:"channel"`   // "email" | "slack" | "telegram"
	EventType        string         `json:"eventType"` // e.g. "report_delivery"
	Status           string         `json:"status"`    // "delivered" | "failed" | "failed_permanent"
	AttemptCount     int            `json:"attemptCount"`
	MaxAttempts      int            `json:"maxAttempts"`
	LastError        string         `json:"lastError,omitempty"`
	Payload          ChannelPayload `json:"payload"`
	ResponseMetadata map[string]any `json:"responseMetadata,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// AnalysisStep is one step of an analysis run.
type AnalysisStep struct {
	Name   string `json:"name"`   // "source" | "model" | "skill" | "report" | "delivery"
	Status string `json:"status"` // "pending" | "running" | "done" | "error"
	Detail string `json:"detail,omitempty"`
}

// AnalysisArtifacts references what an analysis run produced.
type AnalysisArtifacts struct {
	InsightID       string   `json:"insightId,omitempty"`
	ReportID        string   `json:"reportId,omitempty"`
	ChannelEventIDs []string `json:"channelEventIds,omitempty"`
}

// TimelineEntry is one totally-ordered event in an analysis run timeline.
type TimelineEntry struct {
	At      time.Time `json:"at"`
	Step    string    `json:"step"`
	Message string    `json:"message"`
}

// AnalysisRun composes source sync, quality gate, model, skill, report and
// delivery into one orchestrated execution.
type AnalysisRun struct {
	ID                 string            `json:"id"`
	TenantID           string            `json:"tenantId"`
	Status             string            `json:"status"` // "draft" | "running" | "completed" | "failed"
	SourceConnectionID string            `json:"sourceConnectionId"`
	ModelProfileID     string            `json:"modelProfileId"`
	ReportTypeID       string            `json:"reportTypeId"`
	SkillID            string            `json:"skillId,omitempty"`
	Channels           []string          `json:"channels,omitempty"`
	Steps              []AnalysisStep    `json:"steps"`
	Artifacts          AnalysisArtifacts `json:"artifacts"`
	Timeline           []TimelineEntry   `json:"timeline,omitempty"`
	CreatedAt          time.Time         `json:"createdAt"`
	UpdatedAt          time.Time         `json:"updatedAt"`
}

// AuditEvent is one append-only audit record.
type AuditEvent struct {
	ID       string         `json:"id"`
	At       time.Time      `json:"at"`
	TenantID string         `json:"tenantId"`
	ActorID  string         `json:"actorId"`
	Action   string         `json:"action"`
	Details  map[string]any `json:"details,omitempty"`
}

// ChannelConfig configures one delivery channel for a tenant.
type ChannelConfig struct {
	Enabled     bool   `json:"enabled"`
	WebhookRef  string `json:"webhookRef,omitempty"`
	BotTokenRef string `json:"botTokenRef,omitempty"`
	ChatID      string `json:"chatId,omitempty"`
}

// ChannelSettings holds per-channel configuration.
type ChannelSettings struct {
	Email    ChannelConfig `json:"email"`
	Slack    ChannelConfig `json:"slack"`
	Telegram ChannelConfig `json:"telegram"`
}

// ModelPreferences selects the default model behavior for a tenant.
type ModelPreferences struct {
	DefaultProvider  string `json:"defaultProvider,omitempty"`
	DefaultProfileID string `json:"defaultProfileId,omitempty"`
}

// TrainingSettings controls whether tenant data may be used for training.
type TrainingSettings struct {
	OptIn bool `json:"optIn"`
}

// TenantSettings is the stored portion of tenant configuration. Policies
// are not stored here; they are projected from the tenant's autonomy
// policy on read so there is a single source of truth.
type TenantSettings struct {
	TenantID         string           `json:"tenantId"`
	General          map[string]any   `json:"general,omitempty"`
	ModelPreferences ModelPreferences `json:"modelPreferences"`
	Training         TrainingSettings `json:"training"`
	Channels         ChannelSettings  `json:"channels"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

// ModelProfile is a reusable model run configuration.
type ModelProfile struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenantId"`
	Name           string    `json:"name"`
	Objective      string    `json:"objective"` // "forecast" | "anomaly"
	TargetMetricID string    `json:"targetMetricId"`
	HorizonDays    int       `json:"horizonDays"`
	Provider       string    `json:"provider,omitempty"`
	Active         bool      `json:"active"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}
