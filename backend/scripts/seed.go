package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"act-placemat/backend/internal/constants"
	"act-placemat/backend/internal/graph"
	"act-placemat/backend/internal/identity"
	"act-placemat/backend/pkg/config"
	"act-placemat/backend/pkg/logger"
)

func main() {
	reset := flag.Bool("reset", false, "Delete all nodes before seeding")
	flag.Parse()

	// Initialize logger
	if err := logger.Init("development"); err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	log := logger.Get()
	log.Info("Starting database seeding...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration", zap.Error(err))
	}

	ctx := context.Background()
	driver, err := graph.Connect(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPassword)
	if err != nil {
		log.Fatal("Failed to connect to Neo4j", zap.Error(err))
	}
	defer driver.Close(ctx)

	if *reset {
		log.Warn("Reset requested, deleting all data")
		if err := deleteAllData(ctx, driver, log); err != nil {
			log.Fatal("Failed to reset database", zap.Error(err))
		}
	}

	repo := graph.NewRepository(driver)
	if err := repo.EnsureSchema(ctx); err != nil {
		log.Fatal("Failed to create constraints", zap.Error(err))
	}

	for _, e := range demoEntities() {
		if err := repo.UpsertEntity(ctx, e); err != nil {
			log.Fatal("Failed to upsert entity", zap.String("entity_id", e.ID), zap.Error(err))
		}
	}

	// Pre-existing relation so the first pipeline run reports a duplicate
	if err := repo.SetRelationships(ctx, "proj-justice-hub", constants.DefaultRelationField, []string{"proj-goods"}); err != nil {
		log.Fatal("Failed to seed relation field", zap.Error(err))
	}

	log.Info("Database seeding completed successfully",
		zap.Int("entities", len(demoEntities())))
}

func demoEntities() []graph.EntityRecord {
	yes, no := true, false
	updated := time.Now().AddDate(0, 0, -3)
	stale := time.Now().AddDate(0, -4, 0)
	required := []string{"Description", "Lead", "Budget", "Themes"}

	return []graph.EntityRecord{
		{
			ID:             "proj-justice-hub",
			Kind:           identity.KindProject,
			Name:           "Justice Hub",
			Aliases:        []string{"JusticeHub"},
			Tags:           []string{"Youth Justice", "Community Led"},
			Budget:         120000,
			ActualRevenue:  102000,
			Status:         "Active",
			LeadAssigned:   &no,
			LastUpdatedAt:  &updated,
			RequiredFields: required,
			PresentFields:  []string{"Description", "Budget", "Themes"},
		},
		{
			ID:             "proj-goods",
			Kind:           identity.KindProject,
			Name:           "Goods",
			Tags:           []string{"Youth Justice", "Economic Freedom"},
			Budget:         80000,
			ActualRevenue:  30000,
			Status:         "Active",
			LeadAssigned:   &yes,
			LastUpdatedAt:  &updated,
			RequiredFields: required,
			PresentFields:  required,
		},
		{
			ID:             "proj-empathy-ledger",
			Kind:           identity.KindProject,
			Name:           "Empathy Ledger",
			Tags:           []string{"Storytelling"},
			Budget:         0,
			Status:         "Ideation",
			LastUpdatedAt:  &stale,
			RequiredFields: required,
			PresentFields:  []string{"Description"},
		},
		{
			ID:      "org-seed-house",
			Kind:    identity.KindOrganization,
			Name:    "Seed House",
			Aliases: []string{"SeedHouse"},
			Emails:  []string{"hello@seedhouse.org"},
			Tags:    []string{"Community Led"},
		},
		{
			ID:     "org-orange-sky",
			Kind:   identity.KindOrganization,
			Name:   "Orange Sky",
			Emails: []string{"team@orangesky.org.au"},
			Tags:   []string{"Economic Freedom"},
		},
		{
			ID:     "person-emma-rodriguez",
			Kind:   identity.KindPerson,
			Name:   "Emma Rodriguez",
			Emails: []string{"e.rodriguez@seedhouse.org"},
		},
	}
}

// deleteAllData deletes all nodes and relationships from Neo4j
func deleteAllData(ctx context.Context, driver neo4j.DriverWithContext, log *zap.Logger) error {
	session := driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.Run(ctx, `MATCH (n) DETACH DELETE n`, nil)
	if err != nil {
		return fmt.Errorf("failed to delete all data: %w", err)
	}

	log.Info("All nodes and relationships deleted")
	return nil
}
