package discovery

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"act-placemat/backend/internal/constants"
	apperrors "act-placemat/backend/pkg/errors"
	"act-placemat/backend/pkg/logger"
)

// Engine runs the discovery strategies. It holds no state between calls.
type Engine struct {
	logger *zap.Logger
}

// NewEngine creates a discovery engine
func NewEngine() *Engine {
	return &Engine{logger: logger.Named("discovery")}
}

// Discover proposes connections from anchor to the other known entities. A
// corpus failure is returned as an error; finding nothing yields an empty,
// non-nil slice. Output is ordered by target id then type.
func (e *Engine) Discover(ctx context.Context, anchor Entity, src EvidenceSource, opts Options) ([]Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.NewContextCancelled("discover", err)
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	windowDays := opts.WindowDays
	if windowDays <= 0 {
		windowDays = constants.DefaultMentionWindowDays
	}

	var candidates []Connection
	if opts.enabled(StrategyRelation) {
		candidates = append(candidates, relationConnections(anchor, now)...)
	}
	if opts.enabled(StrategyTheme) {
		candidates = append(candidates, themeConnections(anchor, src.Entities, now)...)
	}
	if opts.enabled(StrategyMention) {
		if src.Corpus == nil {
			e.logger.Debug("No text corpus configured, skipping mention matching", zap.String("anchor", anchor.ID))
		} else {
			found, err := mentionConnections(ctx, anchor, src.Entities, src.Corpus, windowDays, now)
			if err != nil {
				return nil, err
			}
			candidates = append(candidates, found...)
		}
	}

	out := make([]Connection, 0, len(candidates))
	for _, c := range candidates {
		if err := c.Validate(); err != nil {
			e.logger.Warn("Dropping invalid connection", zap.Error(err))
			continue
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].TargetEntityID != out[j].TargetEntityID {
			return out[i].TargetEntityID < out[j].TargetEntityID
		}
		return out[i].Type < out[j].Type
	})

	e.logger.Debug("Discovered connections",
		zap.String("anchor", anchor.ID),
		zap.Int("count", len(out)))
	return out, nil
}

// DiscoverAll runs Discover for every anchor with bounded concurrency. A
// failing anchor is reported in its result and does not stop the others.
func (e *Engine) DiscoverAll(ctx context.Context, anchors []Entity, src EvidenceSource, opts Options) []AnchorResult {
	limit := opts.MaxConcurrency
	if limit <= 0 {
		limit = constants.DefaultMaxConcurrency
	}
	results := make([]AnchorResult, len(anchors))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i := range anchors {
		i := i
		g.Go(func() error {
			conns, err := e.Discover(gctx, anchors[i], src, opts)
			results[i] = AnchorResult{AnchorID: anchors[i].ID, Connections: conns, Err: err}
			if err != nil {
				results[i].Error = err.Error()
				e.logger.Warn("Discovery failed for anchor",
					zap.String("anchor", anchors[i].ID),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}
