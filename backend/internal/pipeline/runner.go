package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"act-placemat/backend/internal/discovery"
	"act-placemat/backend/internal/identity"
	"act-placemat/backend/internal/linking"
	"act-placemat/backend/internal/scoring"
	"act-placemat/backend/pkg/config"
	"act-placemat/backend/pkg/logger"
)

// ErrRunInProgress is returned when RunOnce is called while a run is active
var ErrRunInProgress = errors.New("pipeline run already in progress")

// Graph is the system of record a run reads entities from and writes
// identities, connections and relation fields to.
type Graph interface {
	linking.SystemOfRecord
	scoring.AttributeSource
	scoring.MetricsSource
	identity.IdentityStore
	ListEntities(ctx context.Context, kinds ...identity.EntityKind) ([]discovery.Entity, error)
	SyncIdentityEntity(ctx context.Context, ident identity.CanonicalIdentity) error
	RecordConnection(ctx context.Context, conn discovery.Connection) error
	RecordInteraction(ctx context.Context, entityID, messageID string, at time.Time) error
}

// Snapshot is the local identity snapshot and run history
type Snapshot interface {
	LoadIdentities(ctx context.Context) ([]identity.CanonicalIdentity, error)
	SaveRun(ctx context.Context, id string, startedAt, finishedAt time.Time, summary any) error
	LastRunStart(ctx context.Context) (*time.Time, error)
}

// Enricher fills missing record fields before resolution
type Enricher interface {
	EnrichAll(ctx context.Context, records []identity.RawRecord, maxConcurrency int) []identity.RawRecord
}

// Deps are the collaborators of a Runner. Graph and Resolver are required.
// Linker should be the service every other relation writer in the process
// uses; when nil the runner builds its own.
type Deps struct {
	Graph    Graph
	Resolver *identity.Resolver
	Linker   *linking.Service
	Sources  map[identity.SourceKind]identity.SourceAdapter
	Corpus   discovery.TextCorpus
	Enricher Enricher
	Snapshot Snapshot
}

// Runner executes fetch, enrich, resolve, discover, link and score as one run
type Runner struct {
	deps     Deps
	settings config.Pipeline
	engine   *discovery.Engine
	linker   *linking.Service
	scorer   *scoring.Scorer
	logger   *zap.Logger
	now      func() time.Time

	running sync.Mutex
	mu      sync.Mutex
	lastRun *time.Time
	loaded  bool
}

// Summary reports what one run did
type Summary struct {
	RunID            string                `json:"runId"`
	StartedAt        time.Time             `json:"startedAt"`
	FinishedAt       time.Time             `json:"finishedAt"`
	DryRun           bool                  `json:"dryRun"`
	Fetched          map[string]int        `json:"fetched"`
	SourceErrors     map[string]string     `json:"sourceErrors,omitempty"`
	Resolve          identity.ResolveStats `json:"resolve"`
	IdentitiesSynced int                   `json:"identitiesSynced"`
	Anchors          int                   `json:"anchors"`
	Connections      int                   `json:"connections"`
	DiscoveryErrors  int                   `json:"discoveryErrors"`
	Link             linking.BatchResult   `json:"link"`
	Scores           []scoring.ScoreResult `json:"scores"`
}

// NewRunner creates a pipeline runner
func NewRunner(deps Deps, settings config.Pipeline) *Runner {
	linker := deps.Linker
	if linker == nil {
		linker = linking.NewService(deps.Graph)
	}
	return &Runner{
		deps:     deps,
		settings: settings,
		engine:   discovery.NewEngine(),
		linker:   linker,
		scorer:   scoring.NewScorer(deps.Graph, deps.Graph),
		logger:   logger.Named("pipeline"),
		now:      time.Now,
	}
}

// LastRun returns the start time of the last completed run
func (r *Runner) LastRun() *time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastRun
}

// RunOnce performs a full run. Per-item failures are counted in the summary;
// an error is returned only when the run could not proceed.
func (r *Runner) RunOnce(ctx context.Context) (Summary, error) {
	if !r.running.TryLock() {
		return Summary{}, ErrRunInProgress
	}
	defer r.running.Unlock()

	started := r.now()
	summary := Summary{
		RunID:     uuid.New().String(),
		StartedAt: started,
		DryRun:    r.settings.DryRun,
		Fetched:   map[string]int{},
	}
	log := r.logger.With(zap.String("run_id", summary.RunID))
	log.Info("Pipeline run started", zap.Bool("dry_run", summary.DryRun))

	if err := r.loadSnapshot(ctx); err != nil {
		return summary, err
	}

	records := r.fetch(ctx, &summary, log)
	if r.deps.Enricher != nil && len(records) > 0 {
		records = r.deps.Enricher.EnrichAll(ctx, records, r.settings.MaxConcurrency)
	}

	results, stats := r.deps.Resolver.ResolveAll(ctx, records, r.settings.MaxConcurrency)
	summary.Resolve = stats
	summary.IdentitiesSynced = r.syncIdentities(ctx, results, log)

	entities, err := r.deps.Graph.ListEntities(ctx)
	if err != nil {
		return summary, fmt.Errorf("failed to list entities: %w", err)
	}
	anchors := filterKinds(entities, r.anchorKinds())
	summary.Anchors = len(anchors)

	src := discovery.EvidenceSource{Entities: entities}
	if r.deps.Corpus != nil {
		src.Corpus = newRecordingCorpus(r.deps.Corpus, r.deps.Graph, anchors)
	}
	discovered := r.engine.DiscoverAll(ctx, anchors, src, discovery.Options{
		Now:            started,
		WindowDays:     r.settings.MentionWindowDays,
		MaxConcurrency: r.settings.MaxConcurrency,
	})
	var conns []discovery.Connection
	for _, res := range discovered {
		if res.Err != nil {
			summary.DiscoveryErrors++
			continue
		}
		conns = append(conns, res.Connections...)
	}
	summary.Connections = len(conns)

	summary.Link = r.linker.LinkAll(ctx, conns, LinkOptions(r.settings))
	r.recordConnections(ctx, conns, summary.Link.PerItemResults, log)

	ids := make([]string, len(anchors))
	for i, a := range anchors {
		ids[i] = a.ID
	}
	summary.Scores = r.scorer.ScoreAll(ctx, ids, scoring.Options{
		StrictAutonomy: r.settings.StrictAutonomy,
		Now:            started,
		MaxConcurrency: r.settings.MaxConcurrency,
	})

	summary.FinishedAt = r.now()
	if r.deps.Snapshot != nil {
		if err := r.deps.Snapshot.SaveRun(ctx, summary.RunID, summary.StartedAt, summary.FinishedAt, summary); err != nil {
			log.Warn("Failed to store run summary", zap.Error(err))
		}
	}

	r.mu.Lock()
	r.lastRun = &started
	r.mu.Unlock()

	log.Info("Pipeline run finished",
		zap.Int("records", stats.Processed),
		zap.Int("identities_created", stats.Created),
		zap.Int("connections", summary.Connections),
		zap.Int("linked", summary.Link.Linked),
		zap.Int("link_errors", summary.Link.Errors),
		zap.Duration("duration", summary.FinishedAt.Sub(started)))
	return summary, nil
}

// loadSnapshot fills an empty resolver index and the last run time from
// run history, once per process
func (r *Runner) loadSnapshot(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loaded || r.deps.Snapshot == nil {
		r.loaded = true
		return nil
	}
	if r.deps.Resolver.Index().Len() == 0 {
		identities, err := r.deps.Snapshot.LoadIdentities(ctx)
		if err != nil {
			return fmt.Errorf("failed to load identity snapshot: %w", err)
		}
		if err := r.deps.Resolver.Index().Load(identities); err != nil {
			return fmt.Errorf("failed to index identity snapshot: %w", err)
		}
	}
	if r.lastRun == nil {
		last, err := r.deps.Snapshot.LastRunStart(ctx)
		if err != nil {
			return fmt.Errorf("failed to read run history: %w", err)
		}
		r.lastRun = last
	}
	r.loaded = true
	return nil
}

// fetch pulls records from every configured source. A failing source is
// reported and the run continues with the others.
func (r *Runner) fetch(ctx context.Context, summary *Summary, log *zap.Logger) []identity.RawRecord {
	since := r.LastRun()
	var records []identity.RawRecord
	for _, name := range r.settings.Sources {
		kind := identity.SourceKind(name)
		adapter, ok := r.deps.Sources[kind]
		if !ok {
			log.Warn("No adapter configured for source", zap.String("source", name))
			continue
		}
		recs, err := adapter.FetchRecords(ctx, kind, since)
		if err != nil {
			if summary.SourceErrors == nil {
				summary.SourceErrors = map[string]string{}
			}
			summary.SourceErrors[name] = err.Error()
			log.Error("Source fetch failed", zap.String("source", name), zap.Error(err))
			continue
		}
		summary.Fetched[name] = len(recs)
		records = append(records, recs...)
	}
	return records
}

// syncIdentities mirrors identities created or changed in this run into the
// graph, so discovery sees them as entities. A re-ingested record counts as a
// change when it merged new fields or completed a save that failed earlier.
func (r *Runner) syncIdentities(ctx context.Context, results []identity.ResolveResult, log *zap.Logger) int {
	changed := map[string]bool{}
	for _, res := range results {
		if res.Error != "" || res.Outcome.CanonicalID == "" {
			continue
		}
		if !res.Outcome.Unchanged || len(res.Outcome.MergedFields) > 0 || res.Outcome.Saved {
			changed[res.Outcome.CanonicalID] = true
		}
	}
	ids := make([]string, 0, len(changed))
	for id := range changed {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	synced := 0
	for _, id := range ids {
		ident, ok := r.deps.Resolver.Index().Get(id)
		if !ok {
			continue
		}
		if err := r.deps.Graph.SaveIdentity(ctx, ident); err != nil {
			log.Warn("Failed to mirror identity", zap.String("canonical_id", id), zap.Error(err))
			continue
		}
		if err := r.deps.Graph.SyncIdentityEntity(ctx, ident); err != nil {
			log.Warn("Failed to sync identity entity", zap.String("canonical_id", id), zap.Error(err))
			continue
		}
		synced++
	}
	return synced
}

// recordConnections stores every discovered candidate with the time it was
// written to a relation field, if it was.
func (r *Runner) recordConnections(ctx context.Context, conns []discovery.Connection, outcomes []linking.LinkOutcome, log *zap.Logger) {
	for i, conn := range conns {
		if i < len(outcomes) && outcomes[i].LinkedAt != nil {
			conn.LinkedAt = outcomes[i].LinkedAt
		}
		if err := r.deps.Graph.RecordConnection(ctx, conn); err != nil {
			log.Warn("Failed to record connection",
				zap.String("source", conn.SourceEntityID),
				zap.String("target", conn.TargetEntityID),
				zap.Error(err))
		}
	}
}

func (r *Runner) anchorKinds() []identity.EntityKind {
	kinds := make([]identity.EntityKind, 0, len(r.settings.EntityKinds))
	for _, k := range r.settings.EntityKinds {
		kinds = append(kinds, identity.EntityKind(k))
	}
	return kinds
}

// LinkOptions converts pipeline settings to linking options
func LinkOptions(p config.Pipeline) linking.Options {
	fields := make(map[discovery.ConnectionType]string, len(p.RelationFields))
	for t, f := range p.RelationFields {
		fields[discovery.ConnectionType(t)] = f
	}
	return linking.Options{
		DryRun:              p.DryRun,
		ConfidenceThreshold: p.ConfidenceThreshold,
		RelationField:       p.RelationField,
		RelationFields:      fields,
		MaxConcurrency:      p.MaxConcurrency,
	}
}

func filterKinds(entities []discovery.Entity, kinds []identity.EntityKind) []discovery.Entity {
	if len(kinds) == 0 {
		return entities
	}
	out := make([]discovery.Entity, 0, len(entities))
	for _, e := range entities {
		for _, k := range kinds {
			if e.Kind == k {
				out = append(out, e)
				break
			}
		}
	}
	return out
}
