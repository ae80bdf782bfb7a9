package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"act-placemat/backend/internal/discovery"
	"act-placemat/backend/internal/identity"
	"act-placemat/backend/internal/linking"
	apperrors "act-placemat/backend/pkg/errors"
)

var (
	_ identity.IdentityStore = (*SQLiteStore)(nil)
	_ linking.SystemOfRecord = (*SQLiteStore)(nil)
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "placemat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testIdentity(id string, refs ...string) identity.CanonicalIdentity {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	ident := identity.CanonicalIdentity{
		CanonicalID:        id,
		Kind:               identity.KindPerson,
		PrimaryDisplayName: "Emma Rodriguez",
		Emails:             []string{"e.rodriguez@seedhouse.org"},
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	for _, ref := range refs {
		ident.SourceLinks = append(ident.SourceLinks, identity.SourceLink{
			SourceKind: identity.SourceLinkedIn, SourceID: ref, LinkedAt: now, MatchConfidence: 1,
		})
	}
	return ident
}

func TestSQLiteStore_IdentityRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ident := testIdentity("id-1", "li-1")
	require.NoError(t, s.SaveIdentity(ctx, ident))

	ident.Positions = []string{"Director"}
	ident.SourceLinks = append(ident.SourceLinks, identity.SourceLink{
		SourceKind: identity.SourceGmail, SourceID: "gm-1", LinkedAt: ident.CreatedAt, MatchConfidence: 1,
	})
	require.NoError(t, s.SaveIdentity(ctx, ident))

	all, err := s.LoadIdentities(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, []string{"Director"}, all[0].Positions)
	assert.Len(t, all[0].SourceLinks, 2)

	// the snapshot loads straight into a resolver index
	ix := identity.NewIndex()
	require.NoError(t, ix.Load(all))
	got, ok := ix.Lookup(identity.SourceRef{Kind: identity.SourceGmail, ID: "gm-1"})
	assert.True(t, ok)
	assert.Equal(t, "id-1", got)
}

func TestSQLiteStore_RejectsSecondClaim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveIdentity(ctx, testIdentity("id-1", "li-1")))
	err := s.SaveIdentity(ctx, testIdentity("id-2", "li-1"))
	require.Error(t, err)

	all, err := s.LoadIdentities(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSQLiteStore_Relationships(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetRelationships(ctx, "proj-a", "Related Projects")
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeGraph))

	require.NoError(t, s.EnsureEntity(ctx, "proj-a"))
	ids, err := s.GetRelationships(ctx, "proj-a", "Related Projects")
	require.NoError(t, err)
	assert.Empty(t, ids)

	require.NoError(t, s.SetRelationships(ctx, "proj-a", "Related Projects", []string{"proj-c", "proj-b", "proj-c"}))
	ids, err = s.GetRelationships(ctx, "proj-a", "Related Projects")
	require.NoError(t, err)
	assert.Equal(t, []string{"proj-c", "proj-b"}, ids)

	other, err := s.GetRelationships(ctx, "proj-a", "People")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestSQLiteStore_BacksLinkingService(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureEntity(ctx, "proj-a"))

	svc := linking.NewService(s)
	conn := linkingConnection("proj-a", "proj-b")

	first, err := svc.Link(ctx, conn, linking.Options{})
	require.NoError(t, err)
	assert.True(t, first.Linked)

	second, err := svc.Link(ctx, conn, linking.Options{})
	require.NoError(t, err)
	assert.True(t, second.Duplicate)

	ids, err := s.GetRelationships(ctx, "proj-a", "Related Projects")
	require.NoError(t, err)
	assert.Equal(t, []string{"proj-b"}, ids)
}

func TestSQLiteStore_Runs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 5, 1, 6, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveRun(ctx, "run-1", start, start.Add(time.Minute), map[string]int{"linked": 3}))
	require.NoError(t, s.SaveRun(ctx, "run-2", start.Add(24*time.Hour), start.Add(25*time.Hour), map[string]int{"linked": 0}))

	runs, err := s.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].ID)
	assert.JSONEq(t, `{"linked": 3}`, string(runs[1].Summary))

	last, err := s.LastRunStart(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.True(t, last.Equal(start.Add(24*time.Hour)))
}

func TestSQLiteStore_LastRunStartEmpty(t *testing.T) {
	last, err := newTestStore(t).LastRunStart(context.Background())
	require.NoError(t, err)
	assert.Nil(t, last)
}

func linkingConnection(source, target string) discovery.Connection {
	return discovery.Connection{
		SourceEntityID: source,
		TargetEntityID: target,
		Type:           discovery.TypeThemeBased,
		Confidence:     0.8,
		Evidence:       []string{"shared theme: Youth Justice"},
		DiscoveredAt:   time.Date(2026, 5, 1, 6, 0, 0, 0, time.UTC),
	}
}
