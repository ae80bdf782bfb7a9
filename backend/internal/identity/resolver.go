package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"act-placemat/backend/internal/constants"
	"act-placemat/backend/internal/keylock"
	apperrors "act-placemat/backend/pkg/errors"
	"act-placemat/backend/pkg/logger"
)

// ErrInvalidRecord is returned for records the resolver cannot place
type ErrInvalidRecord struct {
	Source SourceRef
	Reason string
}

func (e *ErrInvalidRecord) Error() string {
	return fmt.Sprintf("invalid record %s: %s", e.Source, e.Reason)
}

// Resolver assigns canonical identities to raw records
type Resolver struct {
	index  *Index
	store  IdentityStore
	locks  *keylock.Map
	logger *zap.Logger
	now    func() time.Time
	newID  func() string
}

// Option configures a Resolver
type Option func(*Resolver)

// WithStore persists every identity the resolver creates or changes
func WithStore(store IdentityStore) Option {
	return func(r *Resolver) { r.store = store }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// WithIDGenerator overrides canonical id generation
func WithIDGenerator(newID func() string) Option {
	return func(r *Resolver) { r.newID = newID }
}

// NewResolver creates a resolver over index. A nil index starts empty.
func NewResolver(index *Index, opts ...Option) *Resolver {
	if index == nil {
		index = NewIndex()
	}
	r := &Resolver{
		index:  index,
		locks:  keylock.New(),
		logger: logger.Named("resolver"),
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Index exposes the resolver's identity index
func (r *Resolver) Index() *Index {
	return r.index
}

// Resolve finds or creates the canonical identity for rec. Ambiguous matches
// return *errors.ErrAmbiguousMatch together with the candidate ids on the
// outcome; nothing is created or merged in that case.
func (r *Resolver) Resolve(ctx context.Context, rec RawRecord) (ResolutionOutcome, error) {
	if err := ctx.Err(); err != nil {
		return ResolutionOutcome{Source: rec.Ref()}, apperrors.NewContextCancelled("resolve", err)
	}
	if !rec.SourceKind.Valid() {
		return ResolutionOutcome{Source: rec.Ref()}, &ErrInvalidRecord{Source: rec.Ref(), Reason: "unknown source kind"}
	}
	if rec.SourceID == "" {
		return ResolutionOutcome{Source: rec.Ref()}, &ErrInvalidRecord{Source: rec.Ref(), Reason: "empty source id"}
	}

	unlock := r.locks.Lock(rec.Ref().String())
	defer unlock()

	key := Normalize(rec)
	for _, d := range key.Defects {
		r.logger.Debug("Dropped malformed field",
			zap.String("source", rec.Ref().String()),
			zap.String("field", d.Field),
			zap.String("value", d.Value))
	}

	outcome, changed, err := r.index.apply(rec, key, r.now(), r.newID)
	if err != nil {
		r.logger.Warn("Ambiguous match, record left unresolved",
			zap.String("source", rec.Ref().String()),
			zap.String("rule", string(outcome.Rule)),
			zap.Strings("candidates", outcome.Candidates))
		return outcome, err
	}

	if r.store != nil && (changed != nil || r.index.Unsaved(outcome.CanonicalID)) {
		if err := r.persist(ctx, outcome.CanonicalID); err != nil {
			return outcome, fmt.Errorf("failed to persist identity %s: %w", outcome.CanonicalID, err)
		}
		outcome.Saved = true
	}

	r.logger.Debug("Resolved record",
		zap.String("source", rec.Ref().String()),
		zap.String("canonical_id", outcome.CanonicalID),
		zap.String("rule", string(outcome.Rule)),
		zap.Float64("confidence", outcome.Confidence),
		zap.Bool("created", outcome.Created))
	return outcome, nil
}

// persist writes the current indexed state of id. Saves of one identity are
// serialized and each writes what the index holds at that moment, so the last
// save to land always carries every merge before it. A failed save leaves the
// identity marked unsaved and the next resolve touching it retries.
func (r *Resolver) persist(ctx context.Context, id string) error {
	unlock := r.locks.Lock("canonical:" + id)
	defer unlock()

	ident, ok := r.index.Get(id)
	if !ok {
		return nil
	}
	if err := r.store.SaveIdentity(ctx, ident); err != nil {
		r.index.setUnsaved(id, true)
		return err
	}
	r.index.setUnsaved(id, false)
	return nil
}

// ResolveResult pairs one record's outcome with its error
type ResolveResult struct {
	Outcome ResolutionOutcome `json:"outcome"`
	Error   string            `json:"error,omitempty"`
}

// ResolveStats summarises a batch
type ResolveStats struct {
	Processed int `json:"processed"`
	Created   int `json:"created"`
	Matched   int `json:"matched"`
	Unchanged int `json:"unchanged"`
	Ambiguous int `json:"ambiguous"`
	Errors    int `json:"errors"`
}

// ResolveAll resolves a batch with bounded concurrency. One failing record
// never aborts the others; results keep input order.
func (r *Resolver) ResolveAll(ctx context.Context, records []RawRecord, maxConcurrency int) ([]ResolveResult, ResolveStats) {
	if maxConcurrency <= 0 {
		maxConcurrency = constants.DefaultMaxConcurrency
	}
	results := make([]ResolveResult, len(records))
	errs := make([]error, len(records))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrency)
	for i := range records {
		i := i
		g.Go(func() error {
			outcome, err := r.Resolve(gctx, records[i])
			results[i].Outcome = outcome
			errs[i] = err
			return nil
		})
	}
	_ = g.Wait()

	var stats ResolveStats
	for i, res := range results {
		stats.Processed++
		err := errs[i]
		switch {
		case err != nil && apperrors.IsAmbiguousMatch(err):
			stats.Ambiguous++
			results[i].Error = err.Error()
		case err != nil:
			stats.Errors++
			results[i].Error = err.Error()
		case res.Outcome.Created:
			stats.Created++
		case res.Outcome.Unchanged:
			stats.Unchanged++
		default:
			stats.Matched++
		}
	}

	r.logger.Info("Resolved batch",
		zap.Int("processed", stats.Processed),
		zap.Int("created", stats.Created),
		zap.Int("matched", stats.Matched),
		zap.Int("unchanged", stats.Unchanged),
		zap.Int("ambiguous", stats.Ambiguous),
		zap.Int("errors", stats.Errors))
	return results, stats
}
