package graph

import (
	"context"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"act-placemat/backend/internal/discovery"
	"act-placemat/backend/internal/identity"
	"act-placemat/backend/internal/scoring"
	apperrors "act-placemat/backend/pkg/errors"
)

// ============================================================================
// Entity Operations
// ============================================================================

// UpsertEntity creates or updates an entity node
func (r *Repository) UpsertEntity(ctx context.Context, e EntityRecord) error {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	query := `
		MERGE (e:Entity {id: $id})
		ON CREATE SET e.created_at = datetime()
		SET e.kind = $kind,
		    e.name = $name,
		    e.aliases = $aliases,
		    e.emails = $emails,
		    e.tags = $tags,
		    e.budget = $budget,
		    e.actual_revenue = $actualRevenue,
		    e.status = $status,
		    e.stage_override = $stageOverride,
		    e.lead_assigned = $leadAssigned,
		    e.last_updated_at = CASE WHEN $lastUpdatedAt IS NULL THEN null ELSE datetime($lastUpdatedAt) END,
		    e.required_fields = $requiredFields,
		    e.present_fields = $presentFields
	`

	_, err := session.Run(ctx, query, map[string]interface{}{
		"id":             e.ID,
		"kind":           string(e.Kind),
		"name":           e.Name,
		"aliases":        nonNil(e.Aliases),
		"emails":         nonNil(e.Emails),
		"tags":           nonNil(e.Tags),
		"budget":         e.Budget,
		"actualRevenue":  e.ActualRevenue,
		"status":         e.Status,
		"stageOverride":  e.StageOverride,
		"leadAssigned":   boolParam(e.LeadAssigned),
		"lastUpdatedAt":  timeParam(e.LastUpdatedAt),
		"requiredFields": nonNil(e.RequiredFields),
		"presentFields":  nonNil(e.PresentFields),
	})
	if err != nil {
		return unavailable("upsert entity", err)
	}

	r.logger.Debug("Entity upserted",
		zap.String("entity_id", e.ID),
		zap.String("kind", string(e.Kind)))
	return nil
}

// ListEntities returns entities of the given kinds (all kinds when empty)
// together with their relation fields.
func (r *Repository) ListEntities(ctx context.Context, kinds ...identity.EntityKind) ([]discovery.Entity, error) {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	kindParams := make([]string, 0, len(kinds))
	for _, k := range kinds {
		kindParams = append(kindParams, string(k))
	}

	query := `
		MATCH (e:Entity)
		WHERE size($kinds) = 0 OR e.kind IN $kinds
		OPTIONAL MATCH (e)-[rel:RELATED]->(t:Entity)
		WITH e, rel, t ORDER BY rel.position
		RETURN e.id AS id,
		       e.kind AS kind,
		       e.name AS name,
		       e.aliases AS aliases,
		       e.emails AS emails,
		       e.tags AS tags,
		       collect({field: rel.field, target: t.id}) AS related
		ORDER BY id
	`

	result, err := session.Run(ctx, query, map[string]interface{}{"kinds": kindParams})
	if err != nil {
		return nil, unavailable("list entities", err)
	}

	entities := []discovery.Entity{}
	for result.Next(ctx) {
		record := result.Record()
		e := discovery.Entity{
			ID:      getStringFromRecord(record, "id"),
			Kind:    identity.EntityKind(getStringFromRecord(record, "kind")),
			Name:    getStringFromRecord(record, "name"),
			Aliases: getStringSliceFromRecord(record, "aliases"),
			Emails:  getStringSliceFromRecord(record, "emails"),
			Tags:    getStringSliceFromRecord(record, "tags"),
		}
		for _, rel := range getMapSliceFromRecord(record, "related") {
			field := getStringFromMap(rel, "field", "")
			target := getStringFromMap(rel, "target", "")
			if field == "" || target == "" {
				continue
			}
			if e.Related == nil {
				e.Related = make(map[string][]string)
			}
			e.Related[field] = append(e.Related[field], target)
		}
		entities = append(entities, e)
	}
	if err := result.Err(); err != nil {
		return nil, unavailable("list entities", err)
	}
	return entities, nil
}

// GetEntityAttributes reads the scoring inputs of an entity
func (r *Repository) GetEntityAttributes(ctx context.Context, entityID string) (scoring.EntityAttributes, error) {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	query := `
		MATCH (e:Entity {id: $id})
		RETURN e.id AS id,
		       e.budget AS budget,
		       e.actual_revenue AS actual_revenue,
		       e.tags AS tags,
		       e.last_updated_at AS last_updated_at,
		       e.lead_assigned AS lead_assigned,
		       e.status AS status,
		       e.stage_override AS stage_override,
		       e.required_fields AS required_fields,
		       e.present_fields AS present_fields
	`

	result, err := session.Run(ctx, query, map[string]interface{}{"id": entityID})
	if err != nil {
		return scoring.EntityAttributes{}, unavailable("get entity attributes", err)
	}
	if !result.Next(ctx) {
		if err := result.Err(); err != nil {
			return scoring.EntityAttributes{}, unavailable("get entity attributes", err)
		}
		return scoring.EntityAttributes{}, apperrors.NewEntityNotFound(entityID)
	}

	record := result.Record()
	attrs := scoring.EntityAttributes{
		EntityID:            getStringFromRecord(record, "id"),
		Budget:              getFloat64FromRecord(record, "budget"),
		ActualRevenue:       getFloat64FromRecord(record, "actual_revenue"),
		Tags:                getStringSliceFromRecord(record, "tags"),
		LastUpdatedAt:       getTimePtrFromRecord(record, "last_updated_at"),
		LeadAssigned:        getBoolPtrFromRecord(record, "lead_assigned"),
		Status:              getStringFromRecord(record, "status"),
		ManualStageOverride: getStringFromRecord(record, "stage_override"),
	}
	required := getStringSliceFromRecord(record, "required_fields")
	present := getStringSliceFromRecord(record, "present_fields")
	if len(required) > 0 {
		attrs.RequiredFields = make(map[string]bool, len(required))
		for _, f := range required {
			attrs.RequiredFields[f] = false
		}
		for _, f := range present {
			if _, ok := attrs.RequiredFields[f]; ok {
				attrs.RequiredFields[f] = true
			}
		}
	}
	return attrs, nil
}

// GetEntityMetrics counts distinct related entities in either direction and
// interactions about the entity since the given time.
func (r *Repository) GetEntityMetrics(ctx context.Context, entityID string, since time.Time) (scoring.Metrics, error) {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	query := `
		MATCH (e:Entity {id: $id})
		OPTIONAL MATCH (e)-[:RELATED]-(o:Entity)
		WITH e, count(DISTINCT o) AS connections
		OPTIONAL MATCH (i:Interaction)-[:ABOUT]->(e)
		WHERE i.timestamp >= datetime($since)
		RETURN connections, count(DISTINCT i) AS recent
	`

	result, err := session.Run(ctx, query, map[string]interface{}{
		"id":    entityID,
		"since": since.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return scoring.Metrics{}, unavailable("get entity metrics", err)
	}
	if !result.Next(ctx) {
		if err := result.Err(); err != nil {
			return scoring.Metrics{}, unavailable("get entity metrics", err)
		}
		return scoring.Metrics{}, apperrors.NewEntityNotFound(entityID)
	}

	record := result.Record()
	return scoring.Metrics{
		ConnectionCount:    getIntFromRecord(record, "connections"),
		RecentInteractions: getIntFromRecord(record, "recent"),
	}, nil
}

// RecordInteraction notes that a message concerned an entity. Recording the
// same message twice is a no-op.
func (r *Repository) RecordInteraction(ctx context.Context, entityID, messageID string, at time.Time) error {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	query := `
		MATCH (e:Entity {id: $entityID})
		MERGE (i:Interaction {id: $messageID})
		ON CREATE SET i.timestamp = datetime($timestamp)
		MERGE (i)-[:ABOUT]->(e)
	`

	_, err := session.Run(ctx, query, map[string]interface{}{
		"entityID":  entityID,
		"messageID": messageID,
		"timestamp": at.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return unavailable("record interaction", err)
	}
	return nil
}
