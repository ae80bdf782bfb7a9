package linking

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"act-placemat/backend/internal/constants"
	"act-placemat/backend/internal/discovery"
	"act-placemat/backend/internal/keylock"
	apperrors "act-placemat/backend/pkg/errors"
	"act-placemat/backend/pkg/logger"
)

// Service writes discovered connections into the system of record. Writes
// for the same source entity are serialized; existing relations are never
// removed.
type Service struct {
	sor    SystemOfRecord
	locks  *keylock.Map
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates a linking service over sor
func NewService(sor SystemOfRecord) *Service {
	return &Service{
		sor:    sor,
		locks:  keylock.New(),
		logger: logger.Named("linking"),
		now:    time.Now,
	}
}

// plan remembers additions made by a dry-run batch so that a repeated
// candidate reports duplicate.
type plan struct {
	mu    sync.Mutex
	added map[string]map[string]bool
}

func newPlan() *plan {
	return &plan{added: make(map[string]map[string]bool)}
}

func (p *plan) has(source, field, target string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.added[source+"|"+field][target]
}

func (p *plan) add(source, field, target string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := source + "|" + field
	if p.added[k] == nil {
		p.added[k] = make(map[string]bool)
	}
	p.added[k][target] = true
}

// Link adds conn's target to the source entity's relation field. It reports
// a duplicate when the target is already present and skips candidates below
// the confidence threshold. An unreachable system of record is an error.
func (s *Service) Link(ctx context.Context, conn discovery.Connection, opts Options) (LinkOutcome, error) {
	return s.link(ctx, conn, opts, nil)
}

func (s *Service) link(ctx context.Context, conn discovery.Connection, opts Options, dry *plan) (LinkOutcome, error) {
	field := relationField(conn.Type, opts)
	out := LinkOutcome{
		SourceEntityID: conn.SourceEntityID,
		TargetEntityID: conn.TargetEntityID,
		ConnectionType: conn.Type,
		RelationField:  field,
		DryRun:         opts.DryRun,
	}
	if err := conn.Validate(); err != nil {
		out.Error = err.Error()
		return out, err
	}
	if err := ctx.Err(); err != nil {
		err = apperrors.NewContextCancelled("link", err)
		out.Error = err.Error()
		return out, err
	}

	unlock := s.locks.Lock(conn.SourceEntityID)
	defer unlock()

	current, err := s.sor.GetRelationships(ctx, conn.SourceEntityID, field)
	if err != nil {
		err = sourceError("get relationships", err)
		out.Error = err.Error()
		return out, err
	}

	if contains(current, conn.TargetEntityID) || (dry != nil && dry.has(conn.SourceEntityID, field, conn.TargetEntityID)) {
		out.Duplicate = true
		s.logger.Debug("Relation already present",
			zap.String("source", conn.SourceEntityID),
			zap.String("target", conn.TargetEntityID),
			zap.String("field", field))
		return out, nil
	}

	threshold := opts.ConfidenceThreshold
	if threshold <= 0 {
		threshold = constants.DefaultConfidenceThreshold
	}
	if conn.Confidence < threshold {
		out.Skipped = true
		s.logger.Debug("Below confidence threshold",
			zap.String("source", conn.SourceEntityID),
			zap.String("target", conn.TargetEntityID),
			zap.Float64("confidence", conn.Confidence),
			zap.Float64("threshold", threshold))
		return out, nil
	}

	if opts.DryRun {
		if dry != nil {
			dry.add(conn.SourceEntityID, field, conn.TargetEntityID)
		}
		out.Linked = true
		s.logger.Info("Dry run: would link",
			zap.String("source", conn.SourceEntityID),
			zap.String("target", conn.TargetEntityID),
			zap.String("field", field))
		return out, nil
	}

	updated := make([]string, 0, len(current)+1)
	updated = append(updated, current...)
	updated = append(updated, conn.TargetEntityID)
	if err := s.sor.SetRelationships(ctx, conn.SourceEntityID, field, updated); err != nil {
		err = sourceError("set relationships", err)
		out.Error = err.Error()
		return out, err
	}

	linkedAt := s.now()
	out.Linked = true
	out.LinkedAt = &linkedAt
	s.logger.Info("Linked entities",
		zap.String("source", conn.SourceEntityID),
		zap.String("target", conn.TargetEntityID),
		zap.String("type", string(conn.Type)),
		zap.String("field", field),
		zap.Float64("confidence", conn.Confidence))
	return out, nil
}

// LinkAll links a batch with bounded concurrency. Item failures are recorded
// and never abort the batch. Once ctx is cancelled no new item starts; items
// already running finish and are counted.
func (s *Service) LinkAll(ctx context.Context, conns []discovery.Connection, opts Options) BatchResult {
	limit := opts.MaxConcurrency
	if limit <= 0 {
		limit = constants.DefaultMaxConcurrency
	}

	var dry *plan
	if opts.DryRun {
		dry = newPlan()
	}
	results := make([]LinkOutcome, len(conns))
	started := make([]bool, len(conns))

	var g errgroup.Group
	g.SetLimit(limit)
	for i := range conns {
		if ctx.Err() != nil {
			break
		}
		i := i
		g.Go(func() error {
			// cancelled while waiting for a slot
			if ctx.Err() != nil {
				return nil
			}
			started[i] = true
			out, _ := s.link(context.WithoutCancel(ctx), conns[i], opts, dry)
			results[i] = out
			return nil
		})
	}
	_ = g.Wait()

	batch := BatchResult{PerItemResults: results, Cancelled: ctx.Err() != nil}
	for i, out := range results {
		if !started[i] {
			results[i] = LinkOutcome{
				SourceEntityID: conns[i].SourceEntityID,
				TargetEntityID: conns[i].TargetEntityID,
				ConnectionType: conns[i].Type,
				RelationField:  relationField(conns[i].Type, opts),
				DryRun:         opts.DryRun,
				NotAttempted:   true,
			}
			batch.NotAttempted++
			continue
		}
		batch.Attempted++
		switch {
		case out.Error != "":
			batch.Errors++
		case out.Duplicate:
			batch.Duplicates++
		case out.Skipped:
			batch.Skipped++
		case out.Linked:
			batch.Linked++
		}
	}

	s.logger.Info("Link batch finished",
		zap.Int("attempted", batch.Attempted),
		zap.Int("linked", batch.Linked),
		zap.Int("duplicates", batch.Duplicates),
		zap.Int("skipped", batch.Skipped),
		zap.Int("errors", batch.Errors),
		zap.Int("not_attempted", batch.NotAttempted),
		zap.Bool("cancelled", batch.Cancelled),
		zap.Bool("dry_run", opts.DryRun))
	return batch
}

func relationField(t discovery.ConnectionType, opts Options) string {
	if f := opts.RelationFields[t]; f != "" {
		return f
	}
	if opts.RelationField != "" {
		return opts.RelationField
	}
	return constants.DefaultRelationField
}

func sourceError(op string, err error) error {
	var notFound *apperrors.ErrEntityNotFound
	if apperrors.IsSourceUnavailable(err) || errors.As(err, &notFound) {
		return err
	}
	return apperrors.NewSourceUnavailable("system of record", op, err)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
