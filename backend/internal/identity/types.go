package identity

import (
	"context"
	"encoding/json"
	"time"

	"act-placemat/backend/internal/constants"
)

// ============================================================================
// Source records
// ============================================================================

// SourceKind discriminates where a RawRecord came from
type SourceKind string

const (
	SourceLinkedIn      SourceKind = constants.SourceLinkedIn
	SourceGmail         SourceKind = constants.SourceGmail
	SourceNotionPerson  SourceKind = constants.SourceNotionPerson
	SourceNotionOrg     SourceKind = constants.SourceNotionOrg
	SourceNotionProject SourceKind = constants.SourceNotionProject
)

// SourceKinds lists every known source kind
var SourceKinds = []SourceKind{
	SourceLinkedIn, SourceGmail, SourceNotionPerson, SourceNotionOrg, SourceNotionProject,
}

// EntityKind is the real-world kind a canonical identity represents
type EntityKind string

const (
	KindPerson       EntityKind = "person"
	KindOrganization EntityKind = "organization"
	KindProject      EntityKind = "project"
)

// EntityKind maps a source to the kind of entity its records describe. The
// second value is false for unknown source kinds.
func (k SourceKind) EntityKind() (EntityKind, bool) {
	switch k {
	case SourceLinkedIn, SourceGmail, SourceNotionPerson:
		return KindPerson, true
	case SourceNotionOrg:
		return KindOrganization, true
	case SourceNotionProject:
		return KindProject, true
	}
	return "", false
}

// Valid reports whether k is a known source kind
func (k SourceKind) Valid() bool {
	_, ok := k.EntityKind()
	return ok
}

// Notion reports whether records of this kind are entities already present
// in the graph
func (k SourceKind) Notion() bool {
	return k == SourceNotionPerson || k == SourceNotionOrg || k == SourceNotionProject
}

// RawRecord is one source-tagged bag of identifying fields
type RawRecord struct {
	SourceKind  SourceKind      `json:"source_kind"`
	SourceID    string          `json:"source_id"`
	DisplayName string          `json:"display_name"`
	Emails      []string        `json:"emails,omitempty"`
	Company     string          `json:"company,omitempty"`
	Position    string          `json:"position,omitempty"`
	References  []string        `json:"references,omitempty"` // project / organisation ids the record points at
	RawPayload  json.RawMessage `json:"raw_payload,omitempty"`
}

// Ref returns the (kind, id) pair that may be claimed by one identity only
func (r RawRecord) Ref() SourceRef {
	return SourceRef{Kind: r.SourceKind, ID: r.SourceID}
}

// SourceRef identifies a record within its source
type SourceRef struct {
	Kind SourceKind `json:"source_kind"`
	ID   string     `json:"source_id"`
}

func (r SourceRef) String() string {
	return string(r.Kind) + ":" + r.ID
}

// SourceAdapter pulls raw identifying records from one upstream system
type SourceAdapter interface {
	FetchRecords(ctx context.Context, kind SourceKind, since *time.Time) ([]RawRecord, error)
}

// ============================================================================
// Canonical graph
// ============================================================================

// SourceLink records that a source record was resolved to an identity
type SourceLink struct {
	SourceKind      SourceKind `json:"source_kind"`
	SourceID        string     `json:"source_id"`
	LinkedAt        time.Time  `json:"linked_at"`
	MatchConfidence float64    `json:"match_confidence"`
}

// CanonicalIdentity is the resolved real-world person, organization or project
type CanonicalIdentity struct {
	CanonicalID         string       `json:"canonical_id"`
	Kind                EntityKind   `json:"kind"`
	PrimaryDisplayName  string       `json:"primary_display_name"`
	AlternateNames      []string     `json:"alternate_names,omitempty"`
	Emails              []string     `json:"emails"`
	CompanyAffiliations []string     `json:"company_affiliations"`
	Positions           []string     `json:"positions,omitempty"`
	References          []string     `json:"references,omitempty"`
	SourceLinks         []SourceLink `json:"source_links"`
	CreatedAt           time.Time    `json:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at"`
}

// Clone returns a deep copy safe to hand out of the index
func (c *CanonicalIdentity) Clone() CanonicalIdentity {
	out := *c
	out.AlternateNames = append([]string(nil), c.AlternateNames...)
	out.Emails = append([]string(nil), c.Emails...)
	out.CompanyAffiliations = append([]string(nil), c.CompanyAffiliations...)
	out.Positions = append([]string(nil), c.Positions...)
	out.References = append([]string(nil), c.References...)
	out.SourceLinks = append([]SourceLink(nil), c.SourceLinks...)
	return out
}

// EntityID is the graph entity that represents the identity: the first
// Notion record resolved to it, or the canonical id when no Notion record
// has been.
func (c *CanonicalIdentity) EntityID() string {
	for _, l := range c.SourceLinks {
		if l.SourceKind.Notion() {
			return l.SourceID
		}
	}
	return c.CanonicalID
}

// HasSource reports whether ref is among the identity's source links
func (c *CanonicalIdentity) HasSource(ref SourceRef) bool {
	for _, l := range c.SourceLinks {
		if l.SourceKind == ref.Kind && l.SourceID == ref.ID {
			return true
		}
	}
	return false
}

// IdentityStore persists identities after they change
type IdentityStore interface {
	SaveIdentity(ctx context.Context, identity CanonicalIdentity) error
}

// ============================================================================
// Resolution results
// ============================================================================

// MatchRule names the tier that produced a resolution
type MatchRule string

const (
	RuleSourceID      MatchRule = "source-id"
	RuleEmail         MatchRule = "email"
	RuleNameCompany   MatchRule = "name-company"
	RuleNameReference MatchRule = "name-reference"
	RuleNew           MatchRule = "new"
)

// Confidence per rule
const (
	ConfidenceExact         = 1.0
	ConfidenceNameCompany   = 0.85
	ConfidenceNameReference = 0.6
)

// ResolutionOutcome is the result of resolving one record
type ResolutionOutcome struct {
	CanonicalID  string    `json:"canonical_id,omitempty"`
	Created      bool      `json:"created"`
	Unchanged    bool      `json:"unchanged"`       // re-ingestion of an already claimed record
	Saved        bool      `json:"saved,omitempty"` // identity written to the store by this call
	Confidence   float64   `json:"confidence"`
	Rule         MatchRule `json:"rule"`
	MergedFields []string  `json:"merged_fields,omitempty"`
	Candidates   []string  `json:"candidates,omitempty"` // set when the match was ambiguous
	Source       SourceRef `json:"source"`
}

// Ambiguous reports whether the record needs manual disambiguation
func (o ResolutionOutcome) Ambiguous() bool {
	return len(o.Candidates) > 1
}
