package linking

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"act-placemat/backend/internal/discovery"
	apperrors "act-placemat/backend/pkg/errors"
)

type fakeSoR struct {
	mu        sync.Mutex
	relations map[string][]string
	sets      int
	failGet   map[string]bool
	missing   map[string]bool
	block     chan struct{} // when set, GetRelationships waits on it
	entered   chan struct{}
}

func newFakeSoR() *fakeSoR {
	return &fakeSoR{relations: make(map[string][]string), failGet: make(map[string]bool), missing: make(map[string]bool)}
}

func (f *fakeSoR) GetRelationships(ctx context.Context, entityID, field string) ([]string, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failGet[entityID] {
		return nil, fmt.Errorf("503 from notion")
	}
	if f.missing[entityID] {
		return nil, apperrors.NewEntityNotFound(entityID)
	}
	return append([]string(nil), f.relations[entityID+"|"+field]...), nil
}

func (f *fakeSoR) SetRelationships(ctx context.Context, entityID, field string, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets++
	f.relations[entityID+"|"+field] = append([]string(nil), ids...)
	return nil
}

func (f *fakeSoR) get(entityID, field string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.relations[entityID+"|"+field]
}

func candidate(source, target string, confidence float64) discovery.Connection {
	return discovery.Connection{
		SourceEntityID: source,
		TargetEntityID: target,
		Type:           discovery.TypeThemeBased,
		Confidence:     confidence,
		Evidence:       []string{"shared theme: Youth Justice"},
		DiscoveredAt:   time.Now(),
	}
}

const field = "Related Projects"

func TestLink_DuplicateLeavesListUnchanged(t *testing.T) {
	sor := newFakeSoR()
	sor.relations["proj-a|"+field] = []string{"proj-b"}
	svc := NewService(sor)

	out, err := svc.Link(context.Background(), candidate("proj-a", "proj-b", 0.8), Options{RelationField: field})
	require.NoError(t, err)
	assert.False(t, out.Linked)
	assert.True(t, out.Duplicate)
	assert.Equal(t, []string{"proj-b"}, sor.get("proj-a", field))
	assert.Equal(t, 0, sor.sets)
}

func TestLink_BelowThresholdSkipsWithoutWrite(t *testing.T) {
	sor := newFakeSoR()
	svc := NewService(sor)

	out, err := svc.Link(context.Background(), candidate("proj-a", "proj-b", 0.5), Options{ConfidenceThreshold: 0.7, RelationField: field})
	require.NoError(t, err)
	assert.False(t, out.Linked)
	assert.True(t, out.Skipped)
	assert.Equal(t, 0, sor.sets)
}

func TestLink_AppendsAndIsIdempotent(t *testing.T) {
	sor := newFakeSoR()
	sor.relations["proj-a|"+field] = []string{"proj-x"}
	svc := NewService(sor)
	conn := candidate("proj-a", "proj-b", 0.8)

	first, err := svc.Link(context.Background(), conn, Options{RelationField: field})
	require.NoError(t, err)
	assert.True(t, first.Linked)
	require.NotNil(t, first.LinkedAt)

	second, err := svc.Link(context.Background(), conn, Options{RelationField: field})
	require.NoError(t, err)
	assert.False(t, second.Linked)
	assert.True(t, second.Duplicate)

	assert.Equal(t, []string{"proj-x", "proj-b"}, sor.get("proj-a", field))
	assert.Equal(t, 1, sor.sets)
}

func TestLink_DryRunWritesNothing(t *testing.T) {
	sor := newFakeSoR()
	svc := NewService(sor)

	out, err := svc.Link(context.Background(), candidate("proj-a", "proj-b", 0.9), Options{DryRun: true})
	require.NoError(t, err)
	assert.True(t, out.Linked)
	assert.True(t, out.DryRun)
	assert.Nil(t, out.LinkedAt)
	assert.Equal(t, 0, sor.sets)
}

func TestLink_PerTypeRelationFields(t *testing.T) {
	sor := newFakeSoR()
	svc := NewService(sor)
	opts := Options{
		RelationField: field,
		RelationFields: map[discovery.ConnectionType]string{
			discovery.TypeEmailMention: "Mentioned With",
		},
	}

	theme := candidate("proj-a", "proj-b", 0.8)
	mention := candidate("proj-a", "proj-b", 0.95)
	mention.Type = discovery.TypeEmailMention
	mention.Evidence = []string{"mentioned together in 12 messages"}

	first, err := svc.Link(context.Background(), theme, opts)
	require.NoError(t, err)
	second, err := svc.Link(context.Background(), mention, opts)
	require.NoError(t, err)

	assert.True(t, first.Linked)
	assert.True(t, second.Linked)
	assert.Equal(t, "Mentioned With", second.RelationField)
	assert.Equal(t, []string{"proj-b"}, sor.get("proj-a", field))
	assert.Equal(t, []string{"proj-b"}, sor.get("proj-a", "Mentioned With"))
}

func TestLink_SourceUnavailableIsError(t *testing.T) {
	sor := newFakeSoR()
	sor.failGet["proj-a"] = true
	svc := NewService(sor)

	out, err := svc.Link(context.Background(), candidate("proj-a", "proj-b", 0.9), Options{})
	require.Error(t, err)
	assert.True(t, apperrors.IsSourceUnavailable(err))
	assert.True(t, apperrors.IsRetryable(err))
	assert.NotEmpty(t, out.Error)
}

func TestLink_MissingEntityIsNotRetryable(t *testing.T) {
	sor := newFakeSoR()
	sor.missing["proj-gone"] = true
	svc := NewService(sor)

	out, err := svc.Link(context.Background(), candidate("proj-gone", "proj-b", 0.9), Options{})
	require.Error(t, err)
	var notFound *apperrors.ErrEntityNotFound
	assert.ErrorAs(t, err, &notFound)
	assert.False(t, apperrors.IsSourceUnavailable(err))
	assert.False(t, apperrors.IsRetryable(err))
	assert.NotEmpty(t, out.Error)
}

func TestLink_InvalidConnection(t *testing.T) {
	svc := NewService(newFakeSoR())
	conn := candidate("proj-a", "proj-b", 0.9)
	conn.Evidence = nil

	_, err := svc.Link(context.Background(), conn, Options{})
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeLink))
}

func TestLinkAll_ConcurrentSameSourceLosesNothing(t *testing.T) {
	sor := newFakeSoR()
	svc := NewService(sor)

	var conns []discovery.Connection
	for i := 0; i < 30; i++ {
		conns = append(conns, candidate("proj-a", fmt.Sprintf("proj-%02d", i), 0.8))
	}
	res := svc.LinkAll(context.Background(), conns, Options{RelationField: field, MaxConcurrency: 8})

	assert.Equal(t, 30, res.Attempted)
	assert.Equal(t, 30, res.Linked)
	assert.Len(t, sor.get("proj-a", field), 30)
}

func TestLink_CallersSharingServiceKeepBothLinks(t *testing.T) {
	sor := newFakeSoR()
	sor.relations["proj-a|"+field] = []string{"proj-x"}
	sor.entered = make(chan struct{}, 2)
	sor.block = make(chan struct{})
	svc := NewService(sor)

	var wg sync.WaitGroup
	for _, target := range []string{"proj-b", "proj-c"} {
		wg.Add(1)
		go func(target string) {
			defer wg.Done()
			_, err := svc.Link(context.Background(), candidate("proj-a", target, 0.9), Options{RelationField: field})
			assert.NoError(t, err)
		}(target)
	}

	<-sor.entered
	select {
	case <-sor.entered:
		t.Fatal("second caller read the relation field while the first held proj-a")
	case <-time.After(50 * time.Millisecond):
	}
	close(sor.block)
	wg.Wait()

	got := sor.get("proj-a", field)
	require.Len(t, got, 3)
	assert.Equal(t, "proj-x", got[0])
	assert.ElementsMatch(t, []string{"proj-x", "proj-b", "proj-c"}, got)
}

func TestLinkAll_OneFailureDoesNotAbort(t *testing.T) {
	sor := newFakeSoR()
	sor.failGet["proj-bad"] = true
	svc := NewService(sor)

	conns := []discovery.Connection{
		candidate("proj-a", "proj-b", 0.8),
		candidate("proj-bad", "proj-b", 0.8),
		candidate("proj-c", "proj-d", 0.8),
		candidate("proj-e", "proj-f", 0.8),
	}
	res := svc.LinkAll(context.Background(), conns, Options{RelationField: field})

	assert.Equal(t, 4, res.Attempted)
	assert.Equal(t, 3, res.Linked)
	assert.Equal(t, 1, res.Errors)
	require.Len(t, res.PerItemResults, 4)
	assert.NotEmpty(t, res.PerItemResults[1].Error)
	assert.True(t, res.PerItemResults[2].Linked)
	assert.False(t, res.Cancelled)
}

func TestLinkAll_Totals(t *testing.T) {
	sor := newFakeSoR()
	sor.relations["proj-a|"+field] = []string{"proj-b"}
	svc := NewService(sor)

	res := svc.LinkAll(context.Background(), []discovery.Connection{
		candidate("proj-a", "proj-b", 0.9),
		candidate("proj-a", "proj-c", 0.4),
		candidate("proj-a", "proj-d", 0.7),
	}, Options{RelationField: field, ConfidenceThreshold: 0.7})

	assert.Equal(t, 3, res.Attempted)
	assert.Equal(t, 1, res.Duplicates)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, res.Linked)
}

func TestLinkAll_DryRunReportsRepeatsAsDuplicate(t *testing.T) {
	sor := newFakeSoR()
	svc := NewService(sor)

	res := svc.LinkAll(context.Background(), []discovery.Connection{
		candidate("proj-a", "proj-b", 0.9),
		candidate("proj-a", "proj-b", 0.8),
	}, Options{DryRun: true, MaxConcurrency: 1})

	assert.Equal(t, 1, res.Linked)
	assert.Equal(t, 1, res.Duplicates)
	assert.Equal(t, 0, sor.sets)
}

func TestLinkAll_CancellationStopsNewItems(t *testing.T) {
	sor := newFakeSoR()
	sor.block = make(chan struct{})
	sor.entered = make(chan struct{}, 10)
	svc := NewService(sor)

	ctx, cancel := context.WithCancel(context.Background())
	conns := []discovery.Connection{
		candidate("proj-a", "proj-b", 0.9),
		candidate("proj-c", "proj-d", 0.9),
		candidate("proj-e", "proj-f", 0.9),
	}

	done := make(chan BatchResult)
	go func() {
		done <- svc.LinkAll(ctx, conns, Options{RelationField: field, MaxConcurrency: 1})
	}()

	// first item is in flight; cancel, then let it finish
	<-sor.entered
	cancel()
	close(sor.block)

	var res BatchResult
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("LinkAll did not return after cancellation")
	}

	assert.True(t, res.Cancelled)
	assert.Equal(t, 1, res.Attempted)
	assert.Equal(t, 1, res.Linked)
	assert.Equal(t, 2, res.NotAttempted)
	assert.True(t, res.PerItemResults[0].Linked)
	assert.True(t, res.PerItemResults[1].NotAttempted)
	assert.Equal(t, []string{"proj-b"}, sor.get("proj-a", field))
}
