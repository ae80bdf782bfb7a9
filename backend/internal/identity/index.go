package identity

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "act-placemat/backend/pkg/errors"
)

// Index owns the canonical identities (the arena) and the lookup tables that
// point into it. It is the only mutable shared state of the resolver; every
// match-and-commit happens under its write lock.
type Index struct {
	mu         sync.RWMutex
	identities map[string]*CanonicalIdentity
	bySource   map[SourceRef]string
	byEmail    map[string][]string
	byName     map[string][]string        // kind|normalized name -> ids
	companies  map[string]map[string]bool // id -> normalized companies
	unsaved    map[string]bool            // ids whose last save failed
}

// NewIndex creates an empty index
func NewIndex() *Index {
	return &Index{
		identities: make(map[string]*CanonicalIdentity),
		bySource:   make(map[SourceRef]string),
		byEmail:    make(map[string][]string),
		byName:     make(map[string][]string),
		companies:  make(map[string]map[string]bool),
		unsaved:    make(map[string]bool),
	}
}

// Load restores persisted identities. A source record claimed by two
// identities in the snapshot is rejected.
func (ix *Index) Load(identities []CanonicalIdentity) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	for i := range identities {
		ident := identities[i].Clone()
		if ident.CanonicalID == "" {
			return fmt.Errorf("identity without canonical id in snapshot")
		}
		for _, l := range ident.SourceLinks {
			ref := SourceRef{Kind: l.SourceKind, ID: l.SourceID}
			if owner, ok := ix.bySource[ref]; ok && owner != ident.CanonicalID {
				return fmt.Errorf("source %s claimed by %s and %s", ref, owner, ident.CanonicalID)
			}
			ix.bySource[ref] = ident.CanonicalID
		}
		ix.identities[ident.CanonicalID] = &ident
		ix.reindexLocked(&ident)
	}
	return nil
}

// Get returns a copy of the identity with the given id
func (ix *Index) Get(id string) (CanonicalIdentity, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	ident, ok := ix.identities[id]
	if !ok {
		return CanonicalIdentity{}, false
	}
	return ident.Clone(), true
}

// Lookup returns the canonical id that claimed a source record
func (ix *Index) Lookup(ref SourceRef) (string, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	id, ok := ix.bySource[ref]
	return id, ok
}

// All returns copies of every identity ordered by canonical id
func (ix *Index) All() []CanonicalIdentity {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]CanonicalIdentity, 0, len(ix.identities))
	for _, ident := range ix.identities {
		out = append(out, ident.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CanonicalID < out[j].CanonicalID })
	return out
}

// Len returns the number of canonical identities
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.identities)
}

// Unsaved reports whether the last attempt to persist id failed
func (ix *Index) Unsaved(id string) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.unsaved[id]
}

func (ix *Index) setUnsaved(id string, unsaved bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if unsaved {
		ix.unsaved[id] = true
		return
	}
	delete(ix.unsaved, id)
}

// apply matches rec against the index and commits the merge or creation in
// one critical section. It returns the outcome and a copy of the identity
// that changed (nil when nothing changed).
func (ix *Index) apply(rec RawRecord, key NormalizedKey, now time.Time, newID func() string) (ResolutionOutcome, *CanonicalIdentity, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ref := rec.Ref()
	out := ResolutionOutcome{Source: ref}

	// re-ingestion: the record already belongs to an identity
	if id, ok := ix.bySource[ref]; ok {
		ident := ix.identities[id]
		merged := ix.mergeLocked(ident, rec, key, ConfidenceExact, now, false)
		out.CanonicalID = id
		out.Unchanged = true
		out.Confidence = ConfidenceExact
		out.Rule = RuleSourceID
		out.MergedFields = merged
		return out, ix.changed(ident, merged), nil
	}

	tiers := []struct {
		rule       MatchRule
		confidence float64
		find       func() []string
	}{
		{RuleEmail, ConfidenceExact, func() []string { return ix.emailMatchesLocked(key) }},
		{RuleNameCompany, ConfidenceNameCompany, func() []string { return ix.nameCompanyMatchesLocked(key) }},
		{RuleNameReference, ConfidenceNameReference, func() []string { return ix.nameReferenceMatchesLocked(key) }},
	}

	for _, tier := range tiers {
		ids := tier.find()
		switch {
		case len(ids) == 1:
			ident := ix.identities[ids[0]]
			merged := ix.mergeLocked(ident, rec, key, tier.confidence, now, true)
			out.CanonicalID = ident.CanonicalID
			out.Confidence = tier.confidence
			out.Rule = tier.rule
			out.MergedFields = merged
			return out, ix.changed(ident, merged), nil
		case len(ids) > 1:
			out.Rule = tier.rule
			out.Confidence = tier.confidence
			out.Candidates = ids
			return out, nil, apperrors.NewAmbiguousMatch(string(ref.Kind), ref.ID, string(tier.rule), ids)
		}
	}

	ident := &CanonicalIdentity{
		CanonicalID: newID(),
		Kind:        key.Kind,
		CreatedAt:   now,
	}
	ix.identities[ident.CanonicalID] = ident
	ix.companies[ident.CanonicalID] = make(map[string]bool)
	merged := ix.mergeLocked(ident, rec, key, ConfidenceExact, now, true)

	out.CanonicalID = ident.CanonicalID
	out.Created = true
	out.Confidence = ConfidenceExact
	out.Rule = RuleNew
	out.MergedFields = merged
	snapshot := ident.Clone()
	return out, &snapshot, nil
}

func (ix *Index) changed(ident *CanonicalIdentity, merged []string) *CanonicalIdentity {
	if len(merged) == 0 {
		return nil
	}
	snapshot := ident.Clone()
	return &snapshot
}

func (ix *Index) emailMatchesLocked(key NormalizedKey) []string {
	set := make(map[string]bool)
	for _, email := range key.Emails {
		for _, id := range ix.byEmail[email] {
			if ix.identities[id].Kind == key.Kind {
				set[id] = true
			}
		}
	}
	return sortedKeys(set)
}

func (ix *Index) nameCompanyMatchesLocked(key NormalizedKey) []string {
	if key.Name == "" || key.Company == "" {
		return nil
	}
	set := make(map[string]bool)
	for _, id := range ix.byName[nameKey(key.Kind, key.Name)] {
		if ix.companies[id][key.Company] {
			set[id] = true
		}
	}
	return sortedKeys(set)
}

func (ix *Index) nameReferenceMatchesLocked(key NormalizedKey) []string {
	if key.Name == "" || len(key.References) == 0 {
		return nil
	}
	set := make(map[string]bool)
	for _, id := range ix.byName[nameKey(key.Kind, key.Name)] {
		if sharesAny(ix.identities[id].References, key.References) {
			set[id] = true
		}
	}
	return sortedKeys(set)
}

// mergeLocked unions the record into ident and returns the names of the
// fields that changed. Existing values are never replaced; conflicting
// companies are kept side by side.
func (ix *Index) mergeLocked(ident *CanonicalIdentity, rec RawRecord, key NormalizedKey, confidence float64, now time.Time, addLink bool) []string {
	var merged []string
	id := ident.CanonicalID

	display := strings.Join(strings.Fields(rec.DisplayName), " ")
	if display == "" && rec.SourceKind == SourceGmail && len(key.Emails) > 0 {
		display = DisplayNameFromEmail(key.Emails[0])
	}
	if key.Name != "" {
		switch {
		case ident.PrimaryDisplayName == "":
			ident.PrimaryDisplayName = display
			merged = append(merged, "primary_display_name")
			ix.addNameLocked(ident, key.Name)
		case !ix.hasNameLocked(ident, key.Name):
			ident.AlternateNames = append(ident.AlternateNames, display)
			merged = append(merged, "alternate_names")
			ix.addNameLocked(ident, key.Name)
		}
	}

	emailsChanged := false
	for _, email := range key.Emails {
		if contains(ident.Emails, email) {
			continue
		}
		// an address owned by another identity stays there
		if owners := ix.byEmail[email]; len(owners) > 0 {
			continue
		}
		ident.Emails = append(ident.Emails, email)
		ix.byEmail[email] = append(ix.byEmail[email], id)
		emailsChanged = true
	}
	if emailsChanged {
		merged = append(merged, "emails")
	}

	if company := strings.TrimSpace(rec.Company); company != "" && key.Company != "" && !ix.companies[id][key.Company] {
		ident.CompanyAffiliations = append(ident.CompanyAffiliations, company)
		ix.companies[id][key.Company] = true
		merged = append(merged, "company_affiliations")
	}

	if position := strings.TrimSpace(rec.Position); position != "" && !containsFold(ident.Positions, position) {
		ident.Positions = append(ident.Positions, position)
		merged = append(merged, "positions")
	}

	refsChanged := false
	for _, ref := range key.References {
		if !contains(ident.References, ref) {
			ident.References = append(ident.References, ref)
			refsChanged = true
		}
	}
	if refsChanged {
		sort.Strings(ident.References)
		merged = append(merged, "references")
	}

	if addLink {
		ident.SourceLinks = append(ident.SourceLinks, SourceLink{
			SourceKind:      rec.SourceKind,
			SourceID:        rec.SourceID,
			LinkedAt:        now,
			MatchConfidence: confidence,
		})
		ix.bySource[rec.Ref()] = id
		merged = append(merged, "source_links")
	}

	if len(merged) > 0 {
		ident.UpdatedAt = now
	}
	return merged
}

// reindexLocked rebuilds lookup entries for a loaded identity
func (ix *Index) reindexLocked(ident *CanonicalIdentity) {
	id := ident.CanonicalID
	if ix.companies[id] == nil {
		ix.companies[id] = make(map[string]bool)
	}
	for _, email := range ident.Emails {
		if norm, ok := NormalizeEmail(email); ok && !contains(ix.byEmail[norm], id) {
			ix.byEmail[norm] = append(ix.byEmail[norm], id)
		}
	}
	for _, name := range append([]string{ident.PrimaryDisplayName}, ident.AlternateNames...) {
		if n := NormalizeName(name); n != "" {
			ix.addNameLocked(ident, n)
		}
	}
	for _, company := range ident.CompanyAffiliations {
		if c := NormalizeCompany(company); c != "" {
			ix.companies[id][c] = true
		}
	}
}

func (ix *Index) hasNameLocked(ident *CanonicalIdentity, name string) bool {
	return contains(ix.byName[nameKey(ident.Kind, name)], ident.CanonicalID)
}

func (ix *Index) addNameLocked(ident *CanonicalIdentity, name string) {
	k := nameKey(ident.Kind, name)
	if !contains(ix.byName[k], ident.CanonicalID) {
		ix.byName[k] = append(ix.byName[k], ident.CanonicalID)
	}
}

func nameKey(kind EntityKind, name string) string {
	return string(kind) + "|" + name
}

func sortedKeys(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sharesAny(a, b []string) bool {
	for _, x := range a {
		if contains(b, x) {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
