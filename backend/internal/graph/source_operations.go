package graph

import (
	"context"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"act-placemat/backend/internal/identity"
	apperrors "act-placemat/backend/pkg/errors"
)

// ============================================================================
// Notion Source Operations
// ============================================================================

// FetchRecords reads Notion people, organisations and projects already held
// as entities and returns them as raw records for resolution. Entities
// created by identity sync are skipped. A person's company is the name of
// the first organisation it relates to.
func (r *Repository) FetchRecords(ctx context.Context, kind identity.SourceKind, since *time.Time) ([]identity.RawRecord, error) {
	if !kind.Notion() {
		return nil, apperrors.NewUnsupportedSource("neo4j", string(kind))
	}
	entityKind, _ := kind.EntityKind()

	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	query := `
		MATCH (e:Entity {kind: $kind})
		WHERE e.origin IS NULL
		  AND ($since IS NULL OR e.last_updated_at IS NULL OR e.last_updated_at >= datetime($since))
		OPTIONAL MATCH (e)-[rel:RELATED]->(t:Entity)
		WITH e, rel, t ORDER BY rel.position
		WITH e,
		     collect(DISTINCT t.id) AS references,
		     [x IN collect(CASE WHEN t.kind = $orgKind THEN t.name END) WHERE x IS NOT NULL] AS orgs
		RETURN e.id AS id,
		       e.name AS name,
		       e.emails AS emails,
		       references,
		       orgs
		ORDER BY id
	`

	result, err := session.Run(ctx, query, map[string]interface{}{
		"kind":    string(entityKind),
		"orgKind": string(identity.KindOrganization),
		"since":   timeParam(since),
	})
	if err != nil {
		return nil, unavailable("fetch "+string(kind), err)
	}

	records := []identity.RawRecord{}
	for result.Next(ctx) {
		record := result.Record()
		rec := identity.RawRecord{
			SourceKind:  kind,
			SourceID:    getStringFromRecord(record, "id"),
			DisplayName: getStringFromRecord(record, "name"),
			Emails:      getStringSliceFromRecord(record, "emails"),
			References:  getStringSliceFromRecord(record, "references"),
		}
		if orgs := getStringSliceFromRecord(record, "orgs"); len(orgs) > 0 && entityKind == identity.KindPerson {
			rec.Company = orgs[0]
		}
		records = append(records, rec)
	}
	if err := result.Err(); err != nil {
		return nil, unavailable("fetch "+string(kind), err)
	}

	r.logger.Info("Fetched Notion records",
		zap.String("source", string(kind)),
		zap.Int("count", len(records)))
	return records, nil
}
