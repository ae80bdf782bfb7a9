package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"act-placemat/backend/internal/identity"
)

func TestScoreContact_RecentCommissioner(t *testing.T) {
	connected := now.AddDate(0, 0, -30)
	got := ScoreContact(ContactProfile{
		CanonicalID:   "c-1",
		Name:          "Natalie Lewis",
		Titles:        []string{"Commissioner for Children and Young People"},
		Organizations: []string{"Youth Justice Commission"},
		HasEmail:      true,
		HasLinkedIn:   true,
		ConnectedAt:   &connected,
	}, now)

	assert.Equal(t, 45.0, got.Relevance)
	assert.Equal(t, 30.0, got.Influence)
	assert.Equal(t, 85.0, got.Accessibility)
	assert.Equal(t, 70.0, got.Timing)
	assert.Equal(t, 20.0, got.StrategicValue)
	assert.Equal(t, 0.0, got.Risk)
	assert.InDelta(t, 50.5, got.Composite, 1e-9)
	assert.Equal(t, TierNetwork, got.Tier)
	assert.Equal(t, CategoryConvincible, got.Category)
	assert.Equal(t, "Direct Contact", got.Pathway)
	assert.InDelta(t, 85, got.SuccessProbability, 1e-9)
	assert.Equal(t, "Short-term (1-2 months)", got.TimingRecommendation)
}

func TestScoreContact_GovernmentAdvisorIsGatekeeper(t *testing.T) {
	got := ScoreContact(ContactProfile{
		CanonicalID:   "c-2",
		Titles:        []string{"Senior Policy Advisor"},
		Organizations: []string{"Department of Premier and Cabinet, Queensland Government"},
	}, now)

	assert.Equal(t, 10.0, got.Relevance)
	assert.Equal(t, 100.0, got.Influence)
	assert.Equal(t, 40.0, got.Accessibility)
	assert.Equal(t, 60.0, got.Timing)
	assert.Equal(t, 10.0, got.Risk)
	assert.InDelta(t, 45, got.Composite, 1e-9)
	assert.Equal(t, TierLongTerm, got.Tier)
	assert.Equal(t, CategoryGatekeeper, got.Category)
	assert.Equal(t, "Formal Request", got.Pathway)
	assert.InDelta(t, 190.0/3, got.SuccessProbability, 1e-9)
}

func TestScoreContact_TermsMatchWholeWords(t *testing.T) {
	// "campaign" must not count as "mp", nor "manager" inside "management"
	got := ScoreContact(ContactProfile{Titles: []string{"Campaign Management"}}, now)
	assert.Equal(t, 0.0, got.Influence)

	partisan := ScoreContact(ContactProfile{Titles: []string{"Senator"}, Organizations: []string{"Australian Greens"}}, now)
	assert.Equal(t, 20.0, partisan.Risk)
	assert.Equal(t, 30.0, partisan.Influence)
}

func TestScoreContact_Bounds(t *testing.T) {
	connected := now
	loaded := ContactProfile{
		Titles: []string{"Minister, Chair, CEO, Chief Commissioner, Professor and Dean, Director-General, Senior Lead Editor, Founder, Columnist"},
		Organizations: []string{
			"Government Department of Youth Justice, Juvenile Justice, Children's Court, Legal Aid, Human Rights",
			"ABC Media University Research Institute Foundation Liberal Labor",
		},
		HasEmail:    true,
		HasLinkedIn: true,
		ConnectedAt: &connected,
	}
	for _, p := range []ContactProfile{{}, loaded} {
		got := ScoreContact(p, now)
		for _, v := range []float64{got.Relevance, got.Influence, got.Accessibility, got.Timing, got.StrategicValue, got.Risk, got.Composite} {
			assert.GreaterOrEqual(t, v, 0.0)
			assert.LessOrEqual(t, v, 100.0)
		}
		assert.LessOrEqual(t, got.SuccessProbability, 95.0)
	}
}

func TestProfileFromIdentity(t *testing.T) {
	early := now.AddDate(-2, 0, 0)
	late := now.AddDate(0, -1, 0)
	p := ProfileFromIdentity(identity.CanonicalIdentity{
		CanonicalID:         "c-3",
		PrimaryDisplayName:  "Emma Rodriguez",
		Emails:              []string{"e.rodriguez@seedhouse.org"},
		Positions:           []string{"Director"},
		CompanyAffiliations: []string{"Seed House"},
		SourceLinks: []identity.SourceLink{
			{SourceKind: identity.SourceGmail, SourceID: "gm-1", LinkedAt: late},
			{SourceKind: identity.SourceLinkedIn, SourceID: "li-2", LinkedAt: late},
			{SourceKind: identity.SourceLinkedIn, SourceID: "li-1", LinkedAt: early},
		},
	})

	assert.True(t, p.HasEmail)
	assert.True(t, p.HasLinkedIn)
	require.NotNil(t, p.ConnectedAt)
	assert.Equal(t, early, *p.ConnectedAt)
	assert.Equal(t, []string{"Director"}, p.Titles)
	assert.Equal(t, []string{"Seed House"}, p.Organizations)
}

func TestRankContacts(t *testing.T) {
	ranked := RankContacts([]identity.CanonicalIdentity{
		{CanonicalID: "p-2", Kind: identity.KindPerson},
		{CanonicalID: "org-1", Kind: identity.KindOrganization, Positions: []string{"CEO"}},
		{CanonicalID: "p-1", Kind: identity.KindPerson},
		{CanonicalID: "p-3", Kind: identity.KindPerson, Positions: []string{"Director"}, Emails: []string{"d@goods.org"}},
	}, now)

	require.Len(t, ranked, 3)
	assert.Equal(t, "p-3", ranked[0].CanonicalID)
	assert.Equal(t, "p-1", ranked[1].CanonicalID)
	assert.Equal(t, "p-2", ranked[2].CanonicalID)
	assert.Greater(t, ranked[0].Composite, ranked[1].Composite)
}
