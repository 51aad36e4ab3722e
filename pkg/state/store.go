package state

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Data is the process-wide container of all tenant-partitioned entities.
// It is never accessed directly by callers; all access goes through
// Store.Update / Store.View so mutations and persistence are serialized.
type Data struct {
	Tenants             map[string]*Tenant          `json:"tenants"`
	MetricDefs          map[string][]MetricDef      `json:"metricDefs"`
	Facts               []*CanonicalFact            `json:"facts"`
	FactKeys            map[string]string           `json:"factKeys"` // idempotency tuple -> fact id
	Connections         []*SourceConnection         `json:"connections"`
	SourceRuns          []*SourceRun                `json:"sourceRuns"`
	Secrets             map[string]*SecretDescriptor `json:"secrets"` // authRef -> descriptor
	MaterializationRuns []*MaterializationRun       `json:"materializationRuns"`
	ProviderHealth      map[string]*ProviderHealth  `json:"providerHealth"` // tenant|provider
	ModelRuns           []*ModelRun                 `json:"modelRuns"`
	Insights            []*Insight                  `json:"insights"`
	Actions             []*RecommendedAction        `json:"actions"`
	Approvals           []*ActionApproval           `json:"approvals"`
	Skills              []*InstalledSkill           `json:"skills"`
	SkillDrafts         []*SkillDraft               `json:"skillDrafts"`
	SkillRuns           []*SkillRun                 `json:"skillRuns"`
	Reports             []*Report                   `json:"reports"`
	ReportTypes         []*ReportType               `json:"reportTypes"`
	Schedules           []*ReportSchedule           `json:"schedules"`
	ChannelEvents       []*ChannelEvent             `json:"channelEvents"`
	AnalysisRuns        []*AnalysisRun              `json:"analysisRuns"`
	AuditEvents         []*AuditEvent               `json:"auditEvents"`
	Settings            map[string]*TenantSettings  `json:"settings"`
	ModelProfiles       []*ModelProfile             `json:"modelProfiles"`
	ConsumedTicks       map[string]bool             `json:"consumedTicks"` // scheduleId|nextRunAt
}

// NewData returns an empty, fully initialized container.
func NewData() *Data {
	return &Data{
		Tenants:        make(map[string]*Tenant),
		MetricDefs:     make(map[string][]MetricDef),
		FactKeys:       make(map[string]string),
		Secrets:        make(map[string]*SecretDescriptor),
		ProviderHealth: make(map[string]*ProviderHealth),
		Settings:       make(map[string]*TenantSettings),
		ConsumedTicks:  make(map[string]bool),
	}
}

// normalize restores nil maps after a snapshot load.
func (d *Data) normalize() {
	if d.Tenants == nil {
		d.Tenants = make(map[string]*Tenant)
	}
	if d.MetricDefs == nil {
		d.MetricDefs = make(map[string][]MetricDef)
	}
	if d.FactKeys == nil {
		d.FactKeys = make(map[string]string)
	}
	if d.Secrets == nil {
		d.Secrets = make(map[string]*SecretDescriptor)
	}
	if d.ProviderHealth == nil {
		d.ProviderHealth = make(map[string]*ProviderHealth)
	}
	if d.Settings == nil {
		d.Settings = make(map[string]*TenantSettings)
	}
	if d.ConsumedTicks == nil {
		d.ConsumedTicks = make(map[string]bool)
	}
	// Rebuild the dedup index if a hand-edited snapshot dropped it.
	if len(d.FactKeys) == 0 && len(d.Facts) > 0 {
		for _, f := range d.Facts {
			d.FactKeys[FactKey(f.TenantID, f.Date, f.Domain, f.MetricID, f.Source)] = f.ID
		}
	}
}

// Snapshot is the serializable projection of Data handed to the
// persistence port. Saves happen under the store's write lock, so the
// pointer is safe to marshal synchronously.
type Snapshot = Data

// Persister is the pluggable persistence port. Save is called
// synchronously after every mutation while the write lock is held.
type Persister interface {
	Init() error
	Load() (*Snapshot, error) // nil, nil when no snapshot exists
	Save(*Snapshot) error
}

// Store serializes all access to Data and drives the persistence port.
type Store struct {
	mu        sync.RWMutex
	data      *Data
	persister Persister
	logger    *slog.Logger
	clock     func() time.Time
}

// NewStore creates a store with an empty container.
func NewStore(p Persister, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		data:      NewData(),
		persister: p,
		logger:    logger.With("component", "state"),
		clock:     time.Now,
	}
}

// WithClock overrides the clock for testing.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// Now returns the store's current time.
func (s *Store) Now() time.Time {
	return s.clock()
}

// Hydrate loads the persisted snapshot, if any. Returns true when a
// snapshot was found.
func (s *Store) Hydrate() (bool, error) {
	if s.persister == nil {
		return false, nil
	}
	if err := s.persister.Init(); err != nil {
		return false, err
	}
	snap, err := s.persister.Load()
	if err != nil {
		return false, err
	}
	if snap == nil {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snap.normalize()
	s.data = snap
	return true, nil
}

// Update runs fn under the write lock and persists the resulting snapshot
// before releasing it. If fn fails, nothing is persisted.
func (s *Store) Update(fn func(*Data) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := fn(s.data); err != nil {
		return err
	}
	if s.persister != nil {
		if err := s.persister.Save(s.data); err != nil {
			s.logger.Error("snapshot save failed", "error", err)
		}
	}
	return nil
}

// View runs fn under the read lock. fn must not mutate Data.
func (s *Store) View(fn func(*Data) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.data)
}

// Close persists a final snapshot.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.persister == nil {
		return nil
	}
	return s.persister.Save(s.data)
}

// --- Lookup and mutation helpers. Callers hold the store lock via
// --- Update/View; these are plain methods on the container.

// TenantByID returns the tenant or nil.
func (d *Data) TenantByID(id string) *Tenant {
	return d.Tenants[id]
}

// TenantList returns tenants ordered by creation time.
func (d *Data) TenantList() []*Tenant {
	out := make([]*Tenant, 0, len(d.Tenants))
	for _, t := range d.Tenants {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// InsertFact appends a canonical fact unless its idempotency tuple is
// already present. Returns true when the fact was inserted.
func (d *Data) InsertFact(f *CanonicalFact) bool {
	key := FactKey(f.TenantID, f.Date, f.Domain, f.MetricID, f.Source)
	if _, dup := d.FactKeys[key]; dup {
		return false
	}
	d.FactKeys[key] = f.ID
	d.Facts = append(d.Facts, f)
	return true
}

// FactsForTenant returns all facts owned by the tenant.
func (d *Data) FactsForTenant(tenantID string) []*CanonicalFact {
	var out []*CanonicalFact
	for _, f := range d.Facts {
		if f.TenantID == tenantID {
			out = append(out, f)
		}
	}
	return out
}

// ConnectionByID returns the connection if it belongs to the tenant.
func (d *Data) ConnectionByID(tenantID, id string) *SourceConnection {
	for _, c := range d.Connections {
		if c.ID == id && c.TenantID == tenantID {
			return c
		}
	}
	return nil
}

// ConnectionsForTenant returns the tenant's connections in insertion order.
func (d *Data) ConnectionsForTenant(tenantID string) []*SourceConnection {
	var out []*SourceConnection
	for _, c := range d.Connections {
		if c.TenantID == tenantID {
			out = append(out, c)
		}
	}
	return out
}

// RunsForConnection returns sync runs for a connection, newest last.
func (d *Data) RunsForConnection(connectionID string) []*SourceRun {
	var out []*SourceRun
	for _, r := range d.SourceRuns {
		if r.ConnectionID == connectionID {
			out = append(out, r)
		}
	}
	return out
}

// LatestRunForConnection returns the most recent sync run or nil.
func (d *Data) LatestRunForConnection(connectionID string) *SourceRun {
	var latest *SourceRun
	for _, r := range d.SourceRuns {
		if r.ConnectionID != connectionID {
			continue
		}
		if latest == nil || r.FinishedAt.After(latest.FinishedAt) {
			latest = r
		}
	}
	return latest
}

// HealthFor returns the provider health entry, creating it when absent.
func (d *Data) HealthFor(tenantID, provider string) *ProviderHealth {
	key := HealthKey(tenantID, provider)
	h, ok := d.ProviderHealth[key]
	if !ok {
		h = &ProviderHealth{TenantID: tenantID, Provider: provider}
		d.ProviderHealth[key] = h
	}
	return h
}

// InsightByID returns the insight if it belongs to the tenant.
func (d *Data) InsightByID(tenantID, id string) *Insight {
	for _, in := range d.Insights {
		if in.ID == id && in.TenantID == tenantID {
			return in
		}
	}
	return nil
}

// LatestInsight returns the most recent insight for the tenant or nil.
func (d *Data) LatestInsight(tenantID string) *Insight {
	for i := len(d.Insights) - 1; i >= 0; i-- {
		if d.Insights[i].TenantID == tenantID {
			return d.Insights[i]
		}
	}
	return nil
}

// ActionByID returns the action if it belongs to the tenant.
func (d *Data) ActionByID(tenantID, id string) *RecommendedAction {
	for _, a := range d.Actions {
		if a.ID == id && a.TenantID == tenantID {
			return a
		}
	}
	return nil
}

// ActionsForInsight returns the actions proposed by an insight.
func (d *Data) ActionsForInsight(insightID string) []*RecommendedAction {
	var out []*RecommendedAction
	for _, a := range d.Actions {
		if a.InsightID == insightID {
			out = append(out, a)
		}
	}
	return out
}

// PendingActions returns the tenant's actions awaiting approval.
func (d *Data) PendingActions(tenantID string) []*RecommendedAction {
	var out []*RecommendedAction
	for _, a := range d.Actions {
		if a.TenantID == tenantID && a.ExecutionState == "pending" {
			out = append(out, a)
		}
	}
	return out
}

// SkillsForTenant returns the tenant's installed skills in install order.
func (d *Data) SkillsForTenant(tenantID string) []*InstalledSkill {
	var out []*InstalledSkill
	for _, s := range d.Skills {
		if s.TenantID == tenantID {
			out = append(out, s)
		}
	}
	return out
}

// SkillDraftByID returns the draft if it belongs to the tenant.
func (d *Data) SkillDraftByID(tenantID, id string) *SkillDraft {
	for _, dr := range d.SkillDrafts {
		if dr.ID == id && dr.TenantID == tenantID {
			return dr
		}
	}
	return nil
}

// ReportByID returns the report if it belongs to the tenant.
func (d *Data) ReportByID(tenantID, id string) *Report {
	for _, r := range d.Reports {
		if r.ID == id && r.TenantID == tenantID {
			return r
		}
	}
	return nil
}

// ReportTypeByID returns the report type if it belongs to the tenant.
func (d *Data) ReportTypeByID(tenantID, id string) *ReportType {
	for _, rt := range d.ReportTypes {
		if rt.ID == id && rt.TenantID == tenantID {
			return rt
		}
	}
	return nil
}

// ReportTypesForTenant returns the tenant's report types.
func (d *Data) ReportTypesForTenant(tenantID string) []*ReportType {
	var out []*ReportType
	for _, rt := range d.ReportTypes {
		if rt.TenantID == tenantID {
			out = append(out, rt)
		}
	}
	return out
}

// ModelProfileByID returns the profile if it belongs to the tenant.
func (d *Data) ModelProfileByID(tenantID, id string) *ModelProfile {
	for _, p := range d.ModelProfiles {
		if p.ID == id && p.TenantID == tenantID {
			return p
		}
	}
	return nil
}

// ModelProfilesForTenant returns the tenant's model profiles.
func (d *Data) ModelProfilesForTenant(tenantID string) []*ModelProfile {
	var out []*ModelProfile
	for _, p := range d.ModelProfiles {
		if p.TenantID == tenantID {
			out = append(out, p)
		}
	}
	return out
}

// ChannelEventByID returns the event if it belongs to the tenant.
func (d *Data) ChannelEventByID(tenantID, id string) *ChannelEvent {
	for _, e := range d.ChannelEvents {
		if e.ID == id && e.TenantID == tenantID {
			return e
		}
	}
	return nil
}

// ChannelEventsForTenant returns the tenant's channel events.
func (d *Data) ChannelEventsForTenant(tenantID string) []*ChannelEvent {
	var out []*ChannelEvent
	for _, e := range d.ChannelEvents {
		if e.TenantID == tenantID {
			out = append(out, e)
		}
	}
	return out
}

// AnalysisRunByID returns the run if it belongs to the tenant.
func (d *Data) AnalysisRunByID(tenantID, id string) *AnalysisRun {
	for _, r := range d.AnalysisRuns {
		if r.ID == id && r.TenantID == tenantID {
			return r
		}
	}
	return nil
}

// AnalysisRunsForTenant returns the tenant's analysis runs.
func (d *Data) AnalysisRunsForTenant(tenantID string) []*AnalysisRun {
	var out []*AnalysisRun
	for _, r := range d.AnalysisRuns {
		if r.TenantID == tenantID {
			out = append(out, r)
		}
	}
	return out
}

// SchedulesDue returns active schedules whose next fire time is not after now.
func (d *Data) SchedulesDue(now time.Time) []*ReportSchedule {
	var out []*ReportSchedule
	for _, sc := range d.Schedules {
		if sc.Active && !sc.NextRunAt.After(now) {
			out = append(out, sc)
		}
	}
	return out
}

// ConsumeTick marks a (schedule, tick) pair as consumed. Returns false if
// the pair was already consumed, guaranteeing exactly-once firing.
func (d *Data) ConsumeTick(key string) bool {
	if d.ConsumedTicks[key] {
		return false
	}
	d.ConsumedTicks[key] = true
	return true
}
