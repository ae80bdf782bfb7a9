package graph

import (
	"context"
	"errors"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"act-placemat/backend/internal/discovery"
	apperrors "act-placemat/backend/pkg/errors"
)

// ============================================================================
// Relation Field Operations
// ============================================================================

// GetRelationships returns the ids in an entity's relation field, in the
// order they were written.
func (r *Repository) GetRelationships(ctx context.Context, entityID, field string) ([]string, error) {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	query := `
		MATCH (s:Entity {id: $id})
		OPTIONAL MATCH (s)-[rel:RELATED {field: $field}]->(t:Entity)
		RETURN s.id AS source, t.id AS target
		ORDER BY rel.position
	`

	result, err := session.Run(ctx, query, map[string]interface{}{
		"id":    entityID,
		"field": field,
	})
	if err != nil {
		return nil, unavailable("get relationships", err)
	}

	found := false
	ids := []string{}
	for result.Next(ctx) {
		found = true
		if target := getStringFromRecord(result.Record(), "target"); target != "" {
			ids = append(ids, target)
		}
	}
	if err := result.Err(); err != nil {
		return nil, unavailable("get relationships", err)
	}
	if !found {
		return nil, apperrors.NewEntityNotFound(entityID)
	}
	return ids, nil
}

// SetRelationships replaces an entity's relation field with ids in one
// transaction. Unknown targets are created as bare entity nodes.
func (r *Repository) SetRelationships(ctx context.Context, entityID, field string, ids []string) error {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	params := map[string]interface{}{
		"id":    entityID,
		"field": field,
		"ids":   nonNil(ids),
	}

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `MATCH (s:Entity {id: $id}) RETURN s.id AS id`, params)
		if err != nil {
			return nil, err
		}
		if !res.Next(ctx) {
			if err := res.Err(); err != nil {
				return nil, err
			}
			return nil, apperrors.NewEntityNotFound(entityID)
		}

		if _, err := tx.Run(ctx, `
			MATCH (s:Entity {id: $id})-[old:RELATED {field: $field}]->(t:Entity)
			WHERE NOT t.id IN $ids
			DELETE old
		`, params); err != nil {
			return nil, err
		}

		_, err = tx.Run(ctx, `
			MATCH (s:Entity {id: $id})
			UNWIND range(0, size($ids) - 1) AS i
			MERGE (t:Entity {id: $ids[i]})
			MERGE (s)-[rel:RELATED {field: $field}]->(t)
			ON CREATE SET rel.added_at = datetime()
			SET rel.position = i
		`, params)
		return nil, err
	})
	if err != nil {
		var notFound *apperrors.ErrEntityNotFound
		if errors.As(err, &notFound) {
			return notFound
		}
		return unavailable("set relationships", err)
	}

	r.logger.Debug("Relation field written",
		zap.String("entity_id", entityID),
		zap.String("field", field),
		zap.Int("count", len(ids)))
	return nil
}

// ============================================================================
// Discovered Connections
// ============================================================================

// RecordConnection stores a discovered connection. Re-recording the same
// (source, target, type) updates confidence and evidence and keeps the
// earliest linked time.
func (r *Repository) RecordConnection(ctx context.Context, conn discovery.Connection) error {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	query := `
		MERGE (s:Entity {id: $source})
		MERGE (t:Entity {id: $target})
		MERGE (s)-[c:CANDIDATE {type: $type}]->(t)
		ON CREATE SET c.discovered_at = datetime($discoveredAt)
		SET c.confidence = $confidence,
		    c.evidence = $evidence,
		    c.linked_at = CASE
		        WHEN c.linked_at IS NOT NULL THEN c.linked_at
		        WHEN $linkedAt IS NULL THEN null
		        ELSE datetime($linkedAt)
		    END
	`

	discoveredAt := conn.DiscoveredAt
	if discoveredAt.IsZero() {
		discoveredAt = time.Now()
	}
	_, err := session.Run(ctx, query, map[string]interface{}{
		"source":       conn.SourceEntityID,
		"target":       conn.TargetEntityID,
		"type":         string(conn.Type),
		"confidence":   conn.Confidence,
		"evidence":     nonNil(conn.Evidence),
		"discoveredAt": discoveredAt.UTC().Format(time.RFC3339),
		"linkedAt":     timeParam(conn.LinkedAt),
	})
	if err != nil {
		return unavailable("record connection", err)
	}
	return nil
}

// ListConnections returns the stored connections from an entity, ordered by
// target then type.
func (r *Repository) ListConnections(ctx context.Context, entityID string) ([]discovery.Connection, error) {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	query := `
		MATCH (s:Entity {id: $id})-[c:CANDIDATE]->(t:Entity)
		RETURN t.id AS target,
		       c.type AS type,
		       c.confidence AS confidence,
		       c.evidence AS evidence,
		       c.discovered_at AS discovered_at,
		       c.linked_at AS linked_at
		ORDER BY target, type
	`

	result, err := session.Run(ctx, query, map[string]interface{}{"id": entityID})
	if err != nil {
		return nil, unavailable("list connections", err)
	}

	conns := []discovery.Connection{}
	for result.Next(ctx) {
		record := result.Record()
		conns = append(conns, discovery.Connection{
			SourceEntityID: entityID,
			TargetEntityID: getStringFromRecord(record, "target"),
			Type:           discovery.ConnectionType(getStringFromRecord(record, "type")),
			Confidence:     getFloat64FromRecord(record, "confidence"),
			Evidence:       getStringSliceFromRecord(record, "evidence"),
			DiscoveredAt:   getTimeFromRecord(record, "discovered_at"),
			LinkedAt:       getTimePtrFromRecord(record, "linked_at"),
		})
	}
	if err := result.Err(); err != nil {
		return nil, unavailable("list connections", err)
	}
	return conns, nil
}
