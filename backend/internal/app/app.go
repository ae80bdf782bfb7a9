package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"act-placemat/backend/internal/adapter"
	"act-placemat/backend/internal/discovery"
	"act-placemat/backend/internal/graph"
	"act-placemat/backend/internal/identity"
	"act-placemat/backend/internal/linking"
	"act-placemat/backend/internal/pipeline"
	"act-placemat/backend/internal/store"
	"act-placemat/backend/pkg/config"
	"act-placemat/backend/pkg/logger"
)

// App holds the wired components shared by the server and the CLI
type App struct {
	Config   *config.Config
	Graph    *graph.Repository
	Store    *store.SQLiteStore
	Resolver *identity.Resolver
	Linker   *linking.Service
	Sources  map[identity.SourceKind]identity.SourceAdapter
	Corpus   discovery.TextCorpus
	Runner   *pipeline.Runner

	closers []func()
	logger  *zap.Logger
}

// New connects to Neo4j, opens the identity snapshot and, when configured,
// Supabase and the research endpoint. Notion records are read from the
// entities already in Neo4j.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{
		Config:  cfg,
		Sources: map[identity.SourceKind]identity.SourceAdapter{},
		logger:  logger.Named("app"),
	}

	driver, err := graph.Connect(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPassword)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { driver.Close(context.Background()) })
	a.Graph = graph.NewRepository(driver)
	if err := a.Graph.EnsureSchema(ctx); err != nil {
		a.Close()
		return nil, err
	}
	// one linker so every relation-field writer shares its per-entity locks
	a.Linker = linking.NewService(a.Graph)
	a.Sources[identity.SourceNotionPerson] = a.Graph
	a.Sources[identity.SourceNotionOrg] = a.Graph
	a.Sources[identity.SourceNotionProject] = a.Graph

	a.Store, err = store.NewSQLiteStore(cfg.SQLitePath)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, func() { a.Store.Close() })

	identities, err := a.Store.LoadIdentities(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	index := identity.NewIndex()
	if err := index.Load(identities); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to index identity snapshot: %w", err)
	}
	a.Resolver = identity.NewResolver(index, identity.WithStore(a.Store))

	if cfg.SupabaseDSN != "" {
		pool, err := adapter.ConnectSupabase(ctx, cfg.SupabaseDSN)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, pool.Close)
		source := adapter.NewSupabaseSource(pool)
		a.Sources[identity.SourceLinkedIn] = source
		a.Sources[identity.SourceGmail] = source
		a.Corpus = adapter.NewMailCorpus(pool)
	} else {
		a.logger.Warn("SUPABASE_DB_URL not set, contact sources and mail corpus disabled")
	}

	deps := pipeline.Deps{
		Graph:    a.Graph,
		Resolver: a.Resolver,
		Linker:   a.Linker,
		Sources:  a.Sources,
		Corpus:   a.Corpus,
		Snapshot: a.Store,
	}
	if cfg.EnrichmentEnabled() {
		deps.Enricher = adapter.NewResearcher(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel)
	} else {
		a.logger.Info("No research API key, enrichment disabled")
	}
	a.Runner = pipeline.NewRunner(deps, cfg.Pipeline)

	a.logger.Info("Application wired",
		zap.Int("identities", index.Len()),
		zap.Int("sources", len(a.Sources)),
		zap.Bool("enrichment", cfg.EnrichmentEnabled()))
	return a, nil
}

// Close releases connections in reverse order of opening
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
