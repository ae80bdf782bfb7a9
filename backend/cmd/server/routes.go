package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"act-placemat/backend/internal/discovery"
	"act-placemat/backend/internal/identity"
	"act-placemat/backend/internal/linking"
	"act-placemat/backend/internal/pipeline"
	"act-placemat/backend/internal/scoring"
	"act-placemat/backend/internal/store"
	"act-placemat/backend/pkg/config"
	apperrors "act-placemat/backend/pkg/errors"
)

type entityStore interface {
	ListEntities(ctx context.Context, kinds ...identity.EntityKind) ([]discovery.Entity, error)
	ListConnections(ctx context.Context, entityID string) ([]discovery.Connection, error)
}

type pipelineRunner interface {
	RunOnce(ctx context.Context) (pipeline.Summary, error)
}

type runHistory interface {
	ListRuns(ctx context.Context, limit int) ([]store.RunRecord, error)
}

// api holds the collaborators behind the HTTP routes
type api struct {
	resolver *identity.Resolver
	entities entityStore
	sor      linking.SystemOfRecord
	attrs    scoring.AttributeSource
	metrics  scoring.MetricsSource
	corpus   discovery.TextCorpus
	runner   pipelineRunner
	runs     runHistory
	settings config.Pipeline

	// linker is shared with the pipeline runner so both serialize writes
	// to the same entity; built from sor when nil
	linker *linking.Service

	engine *discovery.Engine
	scorer *scoring.Scorer
	log    *zap.Logger
}

func newRouter(a *api, log *zap.Logger) *gin.Engine {
	a.log = log
	a.engine = discovery.NewEngine()
	if a.linker == nil {
		a.linker = linking.NewService(a.sor)
	}
	a.scorer = scoring.NewScorer(a.attrs, a.metrics)

	router := gin.New()
	router.Use(ginLogger(log))
	router.Use(gin.Recovery())

	// CORS middleware
	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// API routes
	r := router.Group("/api")
	{
		r.POST("/resolve", a.resolve)
		r.GET("/identities", a.listIdentities)
		r.GET("/identities/:id", a.getIdentity)
		r.GET("/contacts/priorities", a.contactPriorities)

		r.GET("/entities", a.listEntities)
		r.GET("/entities/:id/connections", a.discover)
		r.GET("/entities/:id/candidates", a.candidates)
		r.GET("/entities/:id/score", a.score)

		r.POST("/link", a.link)
		r.POST("/scores", a.scoreAll)

		r.POST("/pipeline/run", a.runPipeline)
		r.GET("/pipeline/runs", a.listRuns)
	}

	return router
}

func (a *api) resolve(c *gin.Context) {
	var rec identity.RawRecord
	if err := c.ShouldBindJSON(&rec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	outcome, err := a.resolver.Resolve(c.Request.Context(), rec)
	if err != nil {
		var invalid *identity.ErrInvalidRecord
		switch {
		case errors.As(err, &invalid):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case apperrors.IsAmbiguousMatch(err):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "outcome": outcome})
		default:
			a.log.Error("Failed to resolve record", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to resolve record"})
		}
		return
	}
	c.JSON(http.StatusOK, outcome)
}

func (a *api) listIdentities(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"identities": a.resolver.Index().All()})
}

func (a *api) getIdentity(c *gin.Context) {
	ident, ok := a.resolver.Index().Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Identity not found"})
		return
	}
	c.JSON(http.StatusOK, ident)
}

// contactPriorities ranks resolved people for outreach. tier filters on the
// tier number (1 to 4) and limit caps the list.
func (a *api) contactPriorities(c *gin.Context) {
	ranked := scoring.RankContacts(a.resolver.Index().All(), time.Now())
	if tier := c.Query("tier"); tier != "" {
		prefix := "Tier " + tier + ":"
		filtered := ranked[:0]
		for _, p := range ranked {
			if strings.HasPrefix(string(p.Tier), prefix) {
				filtered = append(filtered, p)
			}
		}
		ranked = filtered
	}
	if limit, err := strconv.Atoi(c.Query("limit")); err == nil && limit > 0 && limit < len(ranked) {
		ranked = ranked[:limit]
	}
	c.JSON(http.StatusOK, gin.H{"contacts": ranked})
}

func (a *api) listEntities(c *gin.Context) {
	var kinds []identity.EntityKind
	if k := c.Query("kind"); k != "" {
		kinds = append(kinds, identity.EntityKind(k))
	}
	entities, err := a.entities.ListEntities(c.Request.Context(), kinds...)
	if err != nil {
		a.log.Error("Failed to list entities", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entities": entities})
}

// discover answers with an empty connections list when nothing was found
// and with an error and 502 when evidence could not be gathered.
func (a *api) discover(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	entities, err := a.entities.ListEntities(ctx)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"anchorId": id, "error": err.Error()})
		return
	}
	anchor, ok := findEntity(entities, id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"anchorId": id, "error": "Entity not found"})
		return
	}

	opts := discovery.Options{WindowDays: a.settings.MentionWindowDays}
	if w, err := strconv.Atoi(c.Query("window")); err == nil && w > 0 {
		opts.WindowDays = w
	}
	for _, s := range strings.Split(c.Query("strategy"), ",") {
		if s = strings.TrimSpace(s); s != "" {
			opts.Strategies = append(opts.Strategies, discovery.Strategy(s))
		}
	}

	conns, err := a.engine.Discover(ctx, anchor, discovery.EvidenceSource{Entities: entities, Corpus: a.corpus}, opts)
	if err != nil {
		a.log.Warn("Discovery failed", zap.String("anchor", id), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"anchorId": id, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"anchorId": id, "connections": conns})
}

func (a *api) candidates(c *gin.Context) {
	conns, err := a.entities.ListConnections(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"connections": conns})
}

func (a *api) link(c *gin.Context) {
	var req struct {
		Connections         []discovery.Connection `json:"connections" binding:"required,min=1"`
		DryRun              *bool                  `json:"dryRun"`
		ConfidenceThreshold *float64               `json:"confidenceThreshold"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	opts := pipeline.LinkOptions(a.settings)
	if req.DryRun != nil {
		opts.DryRun = *req.DryRun
	}
	if req.ConfidenceThreshold != nil {
		if *req.ConfidenceThreshold < 0 || *req.ConfidenceThreshold > 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "confidenceThreshold must be within [0, 1]"})
			return
		}
		opts.ConfidenceThreshold = *req.ConfidenceThreshold
	}

	c.JSON(http.StatusOK, a.linker.LinkAll(c.Request.Context(), req.Connections, opts))
}

func (a *api) score(c *gin.Context) {
	hs, err := a.scorer.ScoreEntity(c.Request.Context(), c.Param("id"), a.scoringOptions())
	if err != nil {
		var notFound *apperrors.ErrEntityNotFound
		if errors.As(err, &notFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Entity not found"})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, hs)
}

func (a *api) scoreAll(c *gin.Context) {
	var req struct {
		EntityIDs []string `json:"entityIds" binding:"required,min=1"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"scores": a.scorer.ScoreAll(c.Request.Context(), req.EntityIDs, a.scoringOptions())})
}

func (a *api) runPipeline(c *gin.Context) {
	summary, err := a.runner.RunOnce(c.Request.Context())
	if errors.Is(err, pipeline.ErrRunInProgress) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		a.log.Error("Pipeline run failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "summary": summary})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (a *api) listRuns(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	runs, err := a.runs.ListRuns(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (a *api) scoringOptions() scoring.Options {
	return scoring.Options{
		StrictAutonomy: a.settings.StrictAutonomy,
		Now:            time.Now(),
		MaxConcurrency: a.settings.MaxConcurrency,
	}
}

func findEntity(entities []discovery.Entity, id string) (discovery.Entity, bool) {
	for _, e := range entities {
		if e.ID == id {
			return e, true
		}
	}
	return discovery.Entity{}, false
}
