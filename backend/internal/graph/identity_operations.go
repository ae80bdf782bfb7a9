package graph

import (
	"context"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"act-placemat/backend/internal/identity"
)

// ============================================================================
// Canonical Identity Operations
// ============================================================================

// SaveIdentity writes a canonical identity and the source records resolved
// to it. Source links are only ever added.
func (r *Repository) SaveIdentity(ctx context.Context, ident identity.CanonicalIdentity) error {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	links := make([]map[string]interface{}, 0, len(ident.SourceLinks))
	for _, l := range ident.SourceLinks {
		links = append(links, map[string]interface{}{
			"kind":       string(l.SourceKind),
			"source_id":  l.SourceID,
			"linked_at":  l.LinkedAt.UTC().Format(time.RFC3339),
			"confidence": l.MatchConfidence,
		})
	}

	query := `
		MERGE (i:Identity {canonical_id: $canonicalID})
		ON CREATE SET i.created_at = datetime($createdAt)
		SET i.kind = $kind,
		    i.primary_display_name = $primaryDisplayName,
		    i.alternate_names = $alternateNames,
		    i.emails = $emails,
		    i.company_affiliations = $companies,
		    i.positions = $positions,
		    i.reference_ids = $references,
		    i.updated_at = datetime($updatedAt)
		WITH i
		UNWIND $links AS link
		MERGE (s:SourceRecord {kind: link.kind, source_id: link.source_id})
		MERGE (s)-[rel:RESOLVES_TO]->(i)
		ON CREATE SET rel.linked_at = datetime(link.linked_at),
		              rel.confidence = link.confidence
	`

	createdAt := ident.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	updatedAt := ident.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}

	_, err := session.Run(ctx, query, map[string]interface{}{
		"canonicalID":        ident.CanonicalID,
		"kind":               string(ident.Kind),
		"primaryDisplayName": ident.PrimaryDisplayName,
		"alternateNames":     nonNil(ident.AlternateNames),
		"emails":             nonNil(ident.Emails),
		"companies":          nonNil(ident.CompanyAffiliations),
		"positions":          nonNil(ident.Positions),
		"references":         nonNil(ident.References),
		"createdAt":          createdAt.UTC().Format(time.RFC3339),
		"updatedAt":          updatedAt.UTC().Format(time.RFC3339),
		"links":              links,
	})
	if err != nil {
		return unavailable("save identity", err)
	}

	r.logger.Debug("Identity saved",
		zap.String("canonical_id", ident.CanonicalID),
		zap.Int("source_links", len(links)))
	return nil
}

// LoadIdentities reads every canonical identity with its source links
func (r *Repository) LoadIdentities(ctx context.Context) ([]identity.CanonicalIdentity, error) {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	query := `
		MATCH (i:Identity)
		OPTIONAL MATCH (s:SourceRecord)-[rel:RESOLVES_TO]->(i)
		WITH i, s, rel ORDER BY rel.linked_at
		RETURN i.canonical_id AS canonical_id,
		       i.kind AS kind,
		       i.primary_display_name AS primary_display_name,
		       i.alternate_names AS alternate_names,
		       i.emails AS emails,
		       i.company_affiliations AS company_affiliations,
		       i.positions AS positions,
		       i.reference_ids AS reference_ids,
		       i.created_at AS created_at,
		       i.updated_at AS updated_at,
		       collect({kind: s.kind, source_id: s.source_id, linked_at: rel.linked_at, confidence: rel.confidence}) AS links
		ORDER BY canonical_id
	`

	result, err := session.Run(ctx, query, nil)
	if err != nil {
		return nil, unavailable("load identities", err)
	}

	identities := []identity.CanonicalIdentity{}
	for result.Next(ctx) {
		record := result.Record()
		ident := identity.CanonicalIdentity{
			CanonicalID:         getStringFromRecord(record, "canonical_id"),
			Kind:                identity.EntityKind(getStringFromRecord(record, "kind")),
			PrimaryDisplayName:  getStringFromRecord(record, "primary_display_name"),
			AlternateNames:      getStringSliceFromRecord(record, "alternate_names"),
			Emails:              getStringSliceFromRecord(record, "emails"),
			CompanyAffiliations: getStringSliceFromRecord(record, "company_affiliations"),
			Positions:           getStringSliceFromRecord(record, "positions"),
			References:          getStringSliceFromRecord(record, "reference_ids"),
			CreatedAt:           getTimeFromRecord(record, "created_at"),
			UpdatedAt:           getTimeFromRecord(record, "updated_at"),
		}
		for _, l := range getMapSliceFromRecord(record, "links") {
			sourceID := getStringFromMap(l, "source_id", "")
			if sourceID == "" {
				continue
			}
			ident.SourceLinks = append(ident.SourceLinks, identity.SourceLink{
				SourceKind:      identity.SourceKind(getStringFromMap(l, "kind", "")),
				SourceID:        sourceID,
				LinkedAt:        getTimeFromMap(l, "linked_at"),
				MatchConfidence: getFloat64FromMap(l, "confidence", 0),
			})
		}
		identities = append(identities, ident)
	}
	if err := result.Err(); err != nil {
		return nil, unavailable("load identities", err)
	}

	r.logger.Info("Loaded canonical identities", zap.Int("count", len(identities)))
	return identities, nil
}

// SyncIdentityEntity mirrors a canonical identity onto the entity that
// represents it. When a Notion record resolved to the identity, that Notion
// entity gains the identity's emails and aliases and keeps its own name and
// kind. Otherwise a placeholder entity keyed by the canonical id is written.
// A placeholder left from before the Notion record was resolved has its
// incoming relations moved to the Notion entity and is then removed.
func (r *Repository) SyncIdentityEntity(ctx context.Context, ident identity.CanonicalIdentity) error {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	query := `
		MERGE (e:Entity {id: $entityID})
		ON CREATE SET e.created_at = datetime(), e.origin = 'identity'
		SET e.kind = CASE WHEN e.origin = 'identity' THEN $kind ELSE e.kind END,
		    e.name = CASE WHEN e.origin = 'identity' THEN $name ELSE e.name END,
		    e.aliases = [a IN coalesce(e.aliases, []) WHERE NOT a IN $aliases] + $aliases,
		    e.emails = [m IN coalesce(e.emails, []) WHERE NOT m IN $emails] + $emails
		WITH e
		MATCH (i:Identity {canonical_id: $canonicalID})
		MERGE (e)-[:IDENTIFIED_AS]->(i)
		WITH e
		OPTIONAL MATCH (stale:Entity {id: $canonicalID, origin: 'identity'})
		WHERE $canonicalID <> $entityID
		CALL {
			WITH e, stale
			MATCH (src:Entity)-[old:RELATED]->(stale)
			MERGE (src)-[moved:RELATED {field: old.field}]->(e)
			ON CREATE SET moved.position = old.position
		}
		DETACH DELETE stale
	`

	_, err := session.Run(ctx, query, map[string]interface{}{
		"entityID":    ident.EntityID(),
		"canonicalID": ident.CanonicalID,
		"kind":        string(ident.Kind),
		"name":        ident.PrimaryDisplayName,
		"aliases":     nonNil(ident.AlternateNames),
		"emails":      nonNil(ident.Emails),
	})
	if err != nil {
		return unavailable("sync identity entity", err)
	}
	return nil
}
