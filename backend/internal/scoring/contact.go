package scoring

import (
	"math"
	"sort"
	"strings"
	"time"
	"unicode"

	"act-placemat/backend/internal/identity"
)

// ContactTier is the engagement priority band of a contact
type ContactTier string

const (
	TierImmediate   ContactTier = "Tier 1: Immediate Priority"
	TierInfluencers ContactTier = "Tier 2: Important Influencers"
	TierNetwork     ContactTier = "Tier 3: Network Builders"
	TierLongTerm    ContactTier = "Tier 4: Long-term Cultivation"
)

// ContactCategory is the strategic role a contact plays
type ContactCategory string

const (
	CategoryChampion    ContactCategory = "Champions"
	CategoryGatekeeper  ContactCategory = "Gatekeepers"
	CategoryAmplifier   ContactCategory = "Amplifiers"
	CategoryValidator   ContactCategory = "Validators"
	CategoryBlocker     ContactCategory = "Blockers"
	CategoryConvincible ContactCategory = "Convincibles"
)

// Weights of the composite contact priority
const (
	RelevanceWeight     = 0.30
	InfluenceWeight     = 0.25
	AccessibilityWeight = 0.20
	TimingWeight        = 0.15
	StrategicWeight     = 0.10

	// RecentConnection is how long a LinkedIn connection counts as new
	RecentConnection = 365 * 24 * time.Hour
)

var (
	highRelevanceTerms = []string{
		"youth justice", "juvenile justice", "youth detention", "young offenders",
		"children's court", "youth advocacy", "juvenile reform", "youth crime",
		"detention centre", "first nations youth", "indigenous youth",
		"children's ground", "youth at risk", "young people in custody",
	}
	mediumRelevanceTerms = []string{
		"criminal justice", "justice reform", "social justice", "human rights",
		"child protection", "social work", "community services", "legal aid",
		"indigenous affairs", "first nations", "aboriginal", "torres strait",
		"disadvantaged youth", "at-risk youth", "youth services",
	}
	lowRelevanceTerms = []string{
		"policy", "government", "public service", "research", "academic",
		"social impact", "community", "nonprofit", "philanthropy",
		"media", "journalism", "education", "health",
	}
	relevantOrgTerms = []string{"children's ground", "justice", "youth", "juvenile"}

	highInfluenceTitles = []string{
		"minister", "secretary", "director-general", "ceo", "chair",
		"commissioner", "chief", "president", "premier", "mp",
		"senator", "judge", "magistrate", "professor", "dean",
	}
	mediumInfluenceTitles = []string{
		"director", "manager", "head of", "principal", "coordinator",
		"senior", "lead", "executive", "advisor", "consultant",
		"journalist", "editor", "producer", "researcher",
	}

	// checked in order, the first sector named by an organisation wins
	sectors = []struct {
		name       string
		multiplier float64
	}{
		{"government", 3.0},
		{"media", 2.5},
		{"academic", 2.0},
		{"nonprofit", 1.8},
		{"legal", 2.2},
		{"health", 1.5},
		{"corporate", 1.3},
	}

	mediaOrgTerms      = []string{"abc", "sbs", "guardian", "age", "smh", "four corners", "60 minutes"}
	governmentOrgTerms = []string{"minister", "department", "government", "public service"}
	academicOrgTerms   = []string{"university", "professor", "research", "institute"}
	accessibleOrgTerms = []string{"abc", "sbs", "university", "foundation", "nonprofit"}
	partisanOrgTerms   = []string{"liberal", "labor", "greens"}
	strategicTitles    = []string{
		"founder", "ceo", "director", "minister", "professor",
		"editor", "columnist", "commissioner", "chair",
	}
)

// ContactProfile is what a contact's priority is computed from
type ContactProfile struct {
	CanonicalID   string
	Name          string
	Titles        []string
	Organizations []string
	HasEmail      bool
	HasLinkedIn   bool
	ConnectedAt   *time.Time // first LinkedIn link, nil when none
}

// ProfileFromIdentity derives a contact profile from a canonical identity
func ProfileFromIdentity(ident identity.CanonicalIdentity) ContactProfile {
	p := ContactProfile{
		CanonicalID:   ident.CanonicalID,
		Name:          ident.PrimaryDisplayName,
		Titles:        ident.Positions,
		Organizations: ident.CompanyAffiliations,
		HasEmail:      len(ident.Emails) > 0,
	}
	for _, l := range ident.SourceLinks {
		if l.SourceKind != identity.SourceLinkedIn {
			continue
		}
		p.HasLinkedIn = true
		if at := l.LinkedAt; !at.IsZero() && (p.ConnectedAt == nil || at.Before(*p.ConnectedAt)) {
			p.ConnectedAt = &at
		}
	}
	return p
}

// ContactPriority is a derived engagement ranking for one contact
type ContactPriority struct {
	CanonicalID          string          `json:"canonicalId"`
	Name                 string          `json:"name"`
	Relevance            float64         `json:"relevance"`
	Influence            float64         `json:"influence"`
	Accessibility        float64         `json:"accessibility"`
	Timing               float64         `json:"timing"`
	StrategicValue       float64         `json:"strategicValue"`
	Risk                 float64         `json:"risk"`
	Composite            float64         `json:"composite"`
	Tier                 ContactTier     `json:"tier"`
	Category             ContactCategory `json:"category"`
	Pathway              string          `json:"pathway"`
	SuccessProbability   float64         `json:"successProbability"`
	TimingRecommendation string          `json:"timingRecommendation"`
}

// ScoreContact computes the weighted contact priority. Every dimension is
// within [0, 100]; it is pure and never fails.
func ScoreContact(p ContactProfile, now time.Time) ContactPriority {
	titles := normalizeText(strings.Join(p.Titles, " "))
	orgs := normalizeText(strings.Join(p.Organizations, " "))
	sector, multiplier := orgSector(orgs)

	out := ContactPriority{
		CanonicalID:    p.CanonicalID,
		Name:           p.Name,
		Relevance:      relevance(titles, orgs),
		Influence:      influence(titles, orgs, multiplier),
		Accessibility:  accessibility(p, orgs, sector),
		Timing:         timing(p, sector, now),
		StrategicValue: math.Min(100, 20*float64(countTerms(titles, strategicTitles))),
		Risk:           risk(titles, orgs),
	}
	out.Composite = clamp(out.Relevance*RelevanceWeight+
		out.Influence*InfluenceWeight+
		out.Accessibility*AccessibilityWeight+
		out.Timing*TimingWeight+
		out.StrategicValue*StrategicWeight, 0, 100)

	out.Tier = contactTier(out.Composite)
	out.Category = contactCategory(out)
	out.Pathway = contactPathway(out)
	out.SuccessProbability = math.Min((out.Accessibility+out.Timing+(100-out.Risk))/3, 95)
	switch {
	case out.Timing >= 80:
		out.TimingRecommendation = "Immediate (1-2 weeks)"
	case out.Timing >= 60:
		out.TimingRecommendation = "Short-term (1-2 months)"
	default:
		out.TimingRecommendation = "Long-term (3-6 months)"
	}
	return out
}

// RankContacts scores every person identity, highest composite first. Ties
// are ordered by canonical id.
func RankContacts(identities []identity.CanonicalIdentity, now time.Time) []ContactPriority {
	out := make([]ContactPriority, 0, len(identities))
	for _, ident := range identities {
		if ident.Kind != identity.KindPerson {
			continue
		}
		out = append(out, ScoreContact(ProfileFromIdentity(ident), now))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Composite != out[j].Composite {
			return out[i].Composite > out[j].Composite
		}
		return out[i].CanonicalID < out[j].CanonicalID
	})
	return out
}

func relevance(titles, orgs string) float64 {
	text := titles + " " + orgs
	score := 25*float64(countTerms(text, highRelevanceTerms)) +
		10*float64(countTerms(text, mediumRelevanceTerms)) +
		5*float64(countTerms(text, lowRelevanceTerms))
	if countTerms(orgs, relevantOrgTerms) > 0 {
		score += 20
	}
	return math.Min(score, 100)
}

func influence(titles, orgs string, multiplier float64) float64 {
	score := 30*float64(countTerms(titles, highInfluenceTitles)) +
		15*float64(countTerms(titles, mediumInfluenceTitles))
	score *= multiplier
	if countTerms(orgs, mediaOrgTerms) > 0 {
		score += 25
	}
	if countTerms(orgs, governmentOrgTerms) > 0 {
		score += 20
	}
	if countTerms(orgs, academicOrgTerms) > 0 {
		score += 15
	}
	return math.Min(score, 100)
}

func accessibility(p ContactProfile, orgs, sector string) float64 {
	score := 50.0
	if p.HasEmail {
		score += 20
	}
	if p.HasLinkedIn {
		score += 15
	}
	if countTerms(orgs, accessibleOrgTerms) > 0 {
		score += 10
	}
	switch sector {
	case "media":
		score += 15
	case "government":
		score -= 10
	}
	return clamp(score, 0, 100)
}

func timing(p ContactProfile, sector string, now time.Time) float64 {
	score := 60.0
	if sector == "media" {
		score += 15
	}
	if p.ConnectedAt != nil && now.Sub(*p.ConnectedAt) <= RecentConnection {
		score += 10
	}
	return math.Min(score, 100)
}

func risk(titles, orgs string) float64 {
	score := 0.0
	if countTerms(orgs, partisanOrgTerms) > 0 {
		score += 20
	}
	if containsTerm(orgs, "government") && !containsTerm(titles, "minister") {
		score += 10
	}
	return math.Min(score, 100)
}

func contactTier(composite float64) ContactTier {
	switch {
	case composite >= 80:
		return TierImmediate
	case composite >= 65:
		return TierInfluencers
	case composite >= 50:
		return TierNetwork
	}
	return TierLongTerm
}

func contactCategory(c ContactPriority) ContactCategory {
	switch {
	case c.Relevance >= 70 && c.Influence >= 60:
		return CategoryChampion
	case c.Influence >= 70:
		return CategoryGatekeeper
	case c.Accessibility >= 70 && c.Influence >= 50:
		return CategoryAmplifier
	case c.Relevance >= 60:
		return CategoryValidator
	case c.Accessibility <= 40 || c.Risk >= 60:
		return CategoryBlocker
	}
	return CategoryConvincible
}

func contactPathway(c ContactPriority) string {
	switch {
	case c.Accessibility >= 80:
		return "Direct Contact"
	case c.Accessibility >= 60:
		return "Social Media Engagement"
	case c.Influence >= 70:
		return "Formal Request"
	}
	return "Warm Introduction"
}

func orgSector(orgs string) (string, float64) {
	for _, s := range sectors {
		if containsTerm(orgs, s.name) {
			return s.name, s.multiplier
		}
	}
	return "", 1
}

// normalizeText lowercases and reduces every run of characters other than
// letters and digits to one space, so terms match on word boundaries only
func normalizeText(s string) string {
	return strings.Join(strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}), " ")
}

func containsTerm(text, term string) bool {
	term = normalizeText(term)
	if text == "" || term == "" {
		return false
	}
	return strings.Contains(" "+text+" ", " "+term+" ")
}

func countTerms(text string, terms []string) int {
	n := 0
	for _, t := range terms {
		if containsTerm(text, t) {
			n++
		}
	}
	return n
}
