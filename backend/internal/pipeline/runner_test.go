package pipeline

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"act-placemat/backend/internal/discovery"
	"act-placemat/backend/internal/identity"
	"act-placemat/backend/internal/linking"
	"act-placemat/backend/internal/scoring"
	"act-placemat/backend/pkg/config"
	apperrors "act-placemat/backend/pkg/errors"
)

var runTime = time.Date(2026, 6, 1, 6, 0, 0, 0, time.UTC)

type fakeGraph struct {
	mu           sync.Mutex
	entities     map[string]discovery.Entity
	relations    map[string][]string
	attrs        map[string]scoring.EntityAttributes
	identities   map[string]identity.CanonicalIdentity
	connections  []discovery.Connection
	interactions map[string]int
	placeholders map[string]bool
	synced       []string
	writes       int
}

func newFakeGraph(entities ...discovery.Entity) *fakeGraph {
	g := &fakeGraph{
		entities:     map[string]discovery.Entity{},
		relations:    map[string][]string{},
		attrs:        map[string]scoring.EntityAttributes{},
		identities:   map[string]identity.CanonicalIdentity{},
		interactions: map[string]int{},
		placeholders: map[string]bool{},
	}
	for _, e := range entities {
		g.entities[e.ID] = e
	}
	return g
}

func (g *fakeGraph) GetRelationships(ctx context.Context, entityID, field string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.entities[entityID]; !ok {
		return nil, apperrors.NewEntityNotFound(entityID)
	}
	return append([]string{}, g.relations[entityID+"|"+field]...), nil
}

func (g *fakeGraph) SetRelationships(ctx context.Context, entityID, field string, ids []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.writes++
	g.relations[entityID+"|"+field] = append([]string{}, ids...)
	return nil
}

func (g *fakeGraph) GetEntityAttributes(ctx context.Context, entityID string) (scoring.EntityAttributes, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if a, ok := g.attrs[entityID]; ok {
		return a, nil
	}
	return scoring.EntityAttributes{EntityID: entityID}, nil
}

func (g *fakeGraph) GetEntityMetrics(ctx context.Context, entityID string, since time.Time) (scoring.Metrics, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	count := 0
	for key, ids := range g.relations {
		if strings.HasPrefix(key, entityID+"|") {
			count += len(ids)
		}
	}
	return scoring.Metrics{ConnectionCount: count, RecentInteractions: g.interactions[entityID]}, nil
}

func (g *fakeGraph) SaveIdentity(ctx context.Context, ident identity.CanonicalIdentity) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.identities[ident.CanonicalID] = ident
	return nil
}

func (g *fakeGraph) ListEntities(ctx context.Context, kinds ...identity.EntityKind) ([]discovery.Entity, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]discovery.Entity, 0, len(g.entities))
	for _, e := range g.entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (g *fakeGraph) SyncIdentityEntity(ctx context.Context, ident identity.CanonicalIdentity) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := ident.EntityID()
	e, ok := g.entities[id]
	if !ok || g.placeholders[id] {
		e = discovery.Entity{ID: id, Kind: ident.Kind, Name: ident.PrimaryDisplayName}
		g.placeholders[id] = true
	}
	e.Aliases = ident.AlternateNames
	for _, m := range ident.Emails {
		if !contains(e.Emails, m) {
			e.Emails = append(e.Emails, m)
		}
	}
	g.entities[id] = e
	if id != ident.CanonicalID && g.placeholders[ident.CanonicalID] {
		delete(g.entities, ident.CanonicalID)
		delete(g.placeholders, ident.CanonicalID)
	}
	g.synced = append(g.synced, id)
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (g *fakeGraph) RecordConnection(ctx context.Context, conn discovery.Connection) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.connections = append(g.connections, conn)
	return nil
}

func (g *fakeGraph) RecordInteraction(ctx context.Context, entityID, messageID string, at time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.interactions[entityID]++
	return nil
}

type fakeSource struct {
	records map[identity.SourceKind][]identity.RawRecord
	since   map[identity.SourceKind]*time.Time
	err     error
}

func (s *fakeSource) FetchRecords(ctx context.Context, kind identity.SourceKind, since *time.Time) ([]identity.RawRecord, error) {
	if s.since == nil {
		s.since = map[identity.SourceKind]*time.Time{}
	}
	s.since[kind] = since
	if s.err != nil {
		return nil, s.err
	}
	return s.records[kind], nil
}

type fakeCorpus struct {
	byQuery map[string][]discovery.Message
}

func (c *fakeCorpus) Search(ctx context.Context, query string, windowDays int) ([]discovery.Message, error) {
	return c.byQuery[query], nil
}

type fakeSnapshot struct {
	identities []identity.CanonicalIdentity
	runs       []Summary
	lastStart  *time.Time
}

func (s *fakeSnapshot) LoadIdentities(ctx context.Context) ([]identity.CanonicalIdentity, error) {
	return s.identities, nil
}

func (s *fakeSnapshot) SaveRun(ctx context.Context, id string, startedAt, finishedAt time.Time, summary any) error {
	s.runs = append(s.runs, summary.(Summary))
	return nil
}

func (s *fakeSnapshot) LastRunStart(ctx context.Context) (*time.Time, error) {
	return s.lastStart, nil
}

func projects() []discovery.Entity {
	return []discovery.Entity{
		{ID: "proj-a", Kind: identity.KindProject, Name: "Justice Hub", Tags: []string{"Youth Justice"}},
		{ID: "proj-b", Kind: identity.KindProject, Name: "Goods", Tags: []string{"youth justice"}},
	}
}

func contactSource() *fakeSource {
	return &fakeSource{records: map[identity.SourceKind][]identity.RawRecord{
		identity.SourceLinkedIn: {{SourceKind: identity.SourceLinkedIn, SourceID: "li-1", DisplayName: "Emma Rodriguez", Emails: []string{"e.rodriguez@seedhouse.org"}}},
		identity.SourceGmail:    {{SourceKind: identity.SourceGmail, SourceID: "gm-1", Emails: []string{"E.Rodriguez@SeedHouse.org"}}},
	}}
}

func newTestRunner(g *fakeGraph, deps Deps, settings config.Pipeline) *Runner {
	deps.Graph = g
	if deps.Resolver == nil {
		deps.Resolver = identity.NewResolver(identity.NewIndex(), identity.WithClock(func() time.Time { return runTime }))
	}
	r := NewRunner(deps, settings)
	r.now = func() time.Time { return runTime }
	return r
}

func TestRunOnce_EndToEnd(t *testing.T) {
	g := newFakeGraph(projects()...)
	src := contactSource()
	corpus := &fakeCorpus{byQuery: map[string][]discovery.Message{
		"Justice Hub": {
			{ID: "m1", Body: "Justice Hub planning", Participants: []string{"e.rodriguez@seedhouse.org"}, Timestamp: runTime.AddDate(0, 0, -3)},
			{ID: "m2", Body: "Justice Hub follow-up", Participants: []string{"e.rodriguez@seedhouse.org"}, Timestamp: runTime.AddDate(0, 0, -10)},
		},
	}}
	snap := &fakeSnapshot{}

	r := newTestRunner(g, Deps{
		Sources:  map[identity.SourceKind]identity.SourceAdapter{identity.SourceLinkedIn: src, identity.SourceGmail: src},
		Corpus:   corpus,
		Snapshot: snap,
	}, config.DefaultPipeline())

	summary, err := r.RunOnce(context.Background())
	require.NoError(t, err)

	// one person across two sources
	assert.Equal(t, map[string]int{"linkedin": 1, "gmail": 1}, summary.Fetched)
	assert.Equal(t, 1, summary.Resolve.Created)
	assert.Equal(t, 1, summary.Resolve.Matched)
	assert.Equal(t, 1, summary.IdentitiesSynced)
	assert.Len(t, g.identities, 1)

	// two project anchors: theme links both ways, the 2-message mention is
	// below threshold
	assert.Equal(t, 2, summary.Anchors)
	assert.Equal(t, 3, summary.Connections)
	assert.Equal(t, 2, summary.Link.Linked)
	assert.Equal(t, 1, summary.Link.Skipped)
	assert.Equal(t, []string{"proj-b"}, g.relations["proj-a|Related Projects"])
	assert.Equal(t, []string{"proj-a"}, g.relations["proj-b|Related Projects"])

	require.Len(t, g.connections, 3)
	linkedAt := 0
	for _, c := range g.connections {
		if c.LinkedAt != nil {
			linkedAt++
		}
	}
	assert.Equal(t, 2, linkedAt)

	assert.Equal(t, 2, g.interactions["proj-a"])
	require.Len(t, summary.Scores, 2)
	for _, s := range summary.Scores {
		require.NotNil(t, s.Score)
		assert.GreaterOrEqual(t, s.Score.OverallScore, 0.0)
		assert.LessOrEqual(t, s.Score.OverallScore, 100.0)
	}

	require.Len(t, snap.runs, 1)
	assert.Equal(t, summary.RunID, snap.runs[0].RunID)
	require.NotNil(t, r.LastRun())
}

func TestRunOnce_SecondRunIsIdempotent(t *testing.T) {
	g := newFakeGraph(projects()...)
	src := contactSource()
	r := newTestRunner(g, Deps{
		Sources: map[identity.SourceKind]identity.SourceAdapter{identity.SourceLinkedIn: src, identity.SourceGmail: src},
	}, config.DefaultPipeline())

	_, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	writes := g.writes

	summary, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Resolve.Unchanged)
	assert.Equal(t, 0, summary.IdentitiesSynced)
	assert.Equal(t, 0, summary.Link.Linked)
	assert.Equal(t, 2, summary.Link.Duplicates)
	assert.Equal(t, writes, g.writes)
}

func TestRunOnce_DryRunWritesNoRelations(t *testing.T) {
	g := newFakeGraph(projects()...)
	settings := config.DefaultPipeline()
	settings.DryRun = true
	r := newTestRunner(g, Deps{}, settings)

	summary, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, summary.DryRun)
	assert.Equal(t, 2, summary.Link.Linked)
	assert.Equal(t, 0, g.writes)
	for _, c := range g.connections {
		assert.Nil(t, c.LinkedAt)
	}
}

func TestRunOnce_SourceFailureDoesNotStopRun(t *testing.T) {
	g := newFakeGraph(projects()...)
	broken := &fakeSource{err: apperrors.NewSourceUnavailable("supabase", "fetch linkedin", errors.New("connection refused"))}
	r := newTestRunner(g, Deps{
		Sources: map[identity.SourceKind]identity.SourceAdapter{identity.SourceLinkedIn: broken, identity.SourceGmail: contactSource()},
	}, config.DefaultPipeline())

	summary, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Contains(t, summary.SourceErrors, "linkedin")
	assert.Equal(t, 1, summary.Fetched["gmail"])
	assert.Equal(t, 1, summary.Resolve.Created)
	assert.Equal(t, 2, summary.Link.Linked)
}

func TestRunOnce_LoadsSnapshotIntoEmptyIndex(t *testing.T) {
	g := newFakeGraph(projects()...)
	existing := identity.CanonicalIdentity{
		CanonicalID:        "known-id",
		Kind:               identity.KindPerson,
		PrimaryDisplayName: "Emma Rodriguez",
		Emails:             []string{"e.rodriguez@seedhouse.org"},
		SourceLinks: []identity.SourceLink{
			{SourceKind: identity.SourceLinkedIn, SourceID: "li-1", LinkedAt: runTime, MatchConfidence: 1},
		},
		CreatedAt: runTime,
		UpdatedAt: runTime,
	}
	src := contactSource()
	r := newTestRunner(g, Deps{
		Sources:  map[identity.SourceKind]identity.SourceAdapter{identity.SourceLinkedIn: src, identity.SourceGmail: src},
		Snapshot: &fakeSnapshot{identities: []identity.CanonicalIdentity{existing}},
	}, config.DefaultPipeline())

	summary, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Resolve.Created)
	assert.Equal(t, 1, summary.Resolve.Unchanged)
	assert.Equal(t, 1, summary.Resolve.Matched)
	assert.Contains(t, g.identities, "known-id")
}

func TestRunOnce_ReingestedRecordWithNewEmailIsSynced(t *testing.T) {
	g := newFakeGraph(projects()...)
	src := contactSource()
	r := newTestRunner(g, Deps{
		Sources: map[identity.SourceKind]identity.SourceAdapter{identity.SourceLinkedIn: src, identity.SourceGmail: src},
	}, config.DefaultPipeline())

	first, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, first.IdentitiesSynced)

	src.records[identity.SourceLinkedIn][0].Emails = append(src.records[identity.SourceLinkedIn][0].Emails, "emma@justicehub.org.au")
	second, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, second.Resolve.Unchanged)
	assert.Equal(t, 1, second.IdentitiesSynced)

	require.Len(t, g.identities, 1)
	for id, ident := range g.identities {
		assert.Contains(t, ident.Emails, "emma@justicehub.org.au")
		assert.Contains(t, g.entities[id].Emails, "emma@justicehub.org.au")
	}
}

func TestRunOnce_NotionPersonAndContactBecomeOneEntity(t *testing.T) {
	notionEmma := discovery.Entity{ID: "person-emma", Kind: identity.KindPerson, Name: "Emma Rodriguez", Emails: []string{"e.rodriguez@seedhouse.org"}}
	g := newFakeGraph(append(projects(), notionEmma)...)
	src := &fakeSource{records: map[identity.SourceKind][]identity.RawRecord{
		identity.SourceNotionPerson: {{SourceKind: identity.SourceNotionPerson, SourceID: "person-emma", DisplayName: "Emma Rodriguez", Emails: []string{"e.rodriguez@seedhouse.org"}}},
		identity.SourceLinkedIn:     {{SourceKind: identity.SourceLinkedIn, SourceID: "li-1", DisplayName: "Emma R.", Emails: []string{"E.Rodriguez@SeedHouse.org", "emma.r@gmail.com"}}},
	}}
	r := newTestRunner(g, Deps{
		Sources: map[identity.SourceKind]identity.SourceAdapter{identity.SourceNotionPerson: src, identity.SourceLinkedIn: src},
	}, config.DefaultPipeline())

	summary, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Resolve.Created)
	assert.Equal(t, 1, summary.Resolve.Matched)
	assert.Equal(t, 1, summary.IdentitiesSynced)
	assert.Equal(t, []string{"person-emma"}, g.synced)

	people := 0
	for _, e := range g.entities {
		if e.Kind == identity.KindPerson {
			people++
		}
	}
	assert.Equal(t, 1, people)
	assert.Equal(t, "Emma Rodriguez", g.entities["person-emma"].Name)
	assert.ElementsMatch(t, []string{"e.rodriguez@seedhouse.org", "emma.r@gmail.com"}, g.entities["person-emma"].Emails)
}

func TestRunOnce_LateNotionRecordReplacesPlaceholder(t *testing.T) {
	notionEmma := discovery.Entity{ID: "person-emma", Kind: identity.KindPerson, Name: "Emma Rodriguez"}
	g := newFakeGraph(append(projects(), notionEmma)...)
	src := contactSource()
	r := newTestRunner(g, Deps{
		Sources: map[identity.SourceKind]identity.SourceAdapter{
			identity.SourceLinkedIn:     src,
			identity.SourceGmail:        src,
			identity.SourceNotionPerson: src,
		},
	}, config.DefaultPipeline())

	_, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, g.identities, 1)
	var canonicalID string
	for id := range g.identities {
		canonicalID = id
	}
	assert.Contains(t, g.entities, canonicalID)

	src.records[identity.SourceNotionPerson] = []identity.RawRecord{
		{SourceKind: identity.SourceNotionPerson, SourceID: "person-emma", DisplayName: "Emma Rodriguez", Emails: []string{"e.rodriguez@seedhouse.org"}},
	}
	summary, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.IdentitiesSynced)
	assert.NotContains(t, g.entities, canonicalID)
	assert.Contains(t, g.entities["person-emma"].Emails, "e.rodriguez@seedhouse.org")
}

func TestRunOnce_LastRunSeededFromHistory(t *testing.T) {
	g := newFakeGraph(projects()...)
	src := contactSource()
	previous := runTime.Add(-24 * time.Hour)
	r := newTestRunner(g, Deps{
		Sources:  map[identity.SourceKind]identity.SourceAdapter{identity.SourceLinkedIn: src, identity.SourceGmail: src},
		Snapshot: &fakeSnapshot{lastStart: &previous},
	}, config.DefaultPipeline())

	_, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	require.NotNil(t, src.since[identity.SourceLinkedIn])
	assert.True(t, src.since[identity.SourceLinkedIn].Equal(previous))

	_, err = r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, src.since[identity.SourceGmail].Equal(runTime))
}

func TestNewRunner_UsesSharedLinker(t *testing.T) {
	g := newFakeGraph(projects()...)
	shared := linking.NewService(g)
	r := newTestRunner(g, Deps{Linker: shared}, config.DefaultPipeline())
	assert.Same(t, shared, r.linker)

	own := newTestRunner(g, Deps{}, config.DefaultPipeline())
	assert.NotNil(t, own.linker)
	assert.NotSame(t, shared, own.linker)
}

func TestRunOnce_RejectsConcurrentRun(t *testing.T) {
	r := newTestRunner(newFakeGraph(), Deps{}, config.DefaultPipeline())
	r.running.Lock()
	defer r.running.Unlock()

	_, err := r.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrRunInProgress)
}

func TestRecordingCorpus_RecordsEachMessageOnce(t *testing.T) {
	g := newFakeGraph()
	inner := &fakeCorpus{byQuery: map[string][]discovery.Message{
		"Justice Hub": {{ID: "m1", Timestamp: runTime}, {ID: "m2", Timestamp: runTime}},
	}}
	c := newRecordingCorpus(inner, g, projects())

	for i := 0; i < 2; i++ {
		msgs, err := c.Search(context.Background(), "Justice Hub", 30)
		require.NoError(t, err)
		assert.Len(t, msgs, 2)
	}
	_, err := c.Search(context.Background(), "Someone Else", 30)
	require.NoError(t, err)

	assert.Equal(t, 2, g.interactions["proj-a"])
	assert.Equal(t, 0, g.interactions["proj-b"])
}

func TestNewScheduler(t *testing.T) {
	r := newTestRunner(newFakeGraph(), Deps{}, config.DefaultPipeline())

	_, err := NewScheduler(r, "not a schedule", time.Minute)
	assert.Error(t, err)

	s, err := NewScheduler(r, "0 6 * * *", time.Minute)
	require.NoError(t, err)
	s.Start()
	next := s.NextRun()
	<-s.Stop().Done()

	assert.False(t, next.IsZero())
	assert.Equal(t, 6, next.Hour())
	assert.Equal(t, 0, next.Minute())
}
