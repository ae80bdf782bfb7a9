package scoring

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"act-placemat/backend/internal/constants"
	apperrors "act-placemat/backend/pkg/errors"
	"act-placemat/backend/pkg/logger"
)

// AttributeSource reads the scoring inputs of one entity
type AttributeSource interface {
	GetEntityAttributes(ctx context.Context, entityID string) (EntityAttributes, error)
}

// MetricsSource counts an entity's connections and its interactions since a
// point in time.
type MetricsSource interface {
	GetEntityMetrics(ctx context.Context, entityID string, since time.Time) (Metrics, error)
}

// RecentWindow bounds "recent interactions"
const RecentWindow = 30 * 24 * time.Hour

// Scorer computes health scores from the system of record
type Scorer struct {
	attrs   AttributeSource
	metrics MetricsSource
	logger  *zap.Logger
}

// NewScorer creates a scorer
func NewScorer(attrs AttributeSource, metrics MetricsSource) *Scorer {
	return &Scorer{
		attrs:   attrs,
		metrics: metrics,
		logger:  logger.Named("scoring"),
	}
}

// ScoreEntity reads an entity's attributes and metrics and scores it
func (s *Scorer) ScoreEntity(ctx context.Context, entityID string, opts Options) (HealthScore, error) {
	if err := ctx.Err(); err != nil {
		return HealthScore{}, apperrors.NewContextCancelled("score", err)
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
		opts.Now = now
	}

	attrs, err := s.attrs.GetEntityAttributes(ctx, entityID)
	if err != nil {
		return HealthScore{}, fmt.Errorf("failed to read attributes of %s: %w", entityID, err)
	}
	if attrs.EntityID == "" {
		attrs.EntityID = entityID
	}
	metrics, err := s.metrics.GetEntityMetrics(ctx, entityID, now.Add(-RecentWindow))
	if err != nil {
		return HealthScore{}, fmt.Errorf("failed to read metrics of %s: %w", entityID, err)
	}

	score := Score(attrs, metrics, opts)
	s.logger.Debug("Scored entity",
		zap.String("entity_id", entityID),
		zap.Float64("overall", score.OverallScore),
		zap.String("stage", string(score.StageLabel)))
	return score, nil
}

// ScoreResult is one entry of a ScoreAll run
type ScoreResult struct {
	EntityID string       `json:"entityId"`
	Score    *HealthScore `json:"score,omitempty"`
	Error    string       `json:"error,omitempty"`
}

// ScoreAll scores entities with bounded concurrency. Results keep input
// order and a failure on one entity does not stop the others.
func (s *Scorer) ScoreAll(ctx context.Context, entityIDs []string, opts Options) []ScoreResult {
	limit := opts.MaxConcurrency
	if limit <= 0 {
		limit = constants.DefaultMaxConcurrency
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	results := make([]ScoreResult, len(entityIDs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, id := range entityIDs {
		i, id := i, id
		g.Go(func() error {
			results[i].EntityID = id
			score, err := s.ScoreEntity(gctx, id, opts)
			if err != nil {
				results[i].Error = err.Error()
				s.logger.Warn("Failed to score entity", zap.String("entity_id", id), zap.Error(err))
				return nil
			}
			results[i].Score = &score
			return nil
		})
	}
	_ = g.Wait()
	return results
}
