package linking

import (
	"context"
	"time"

	"act-placemat/backend/internal/discovery"
)

// SystemOfRecord stores relationship lists per entity and relation field
type SystemOfRecord interface {
	GetRelationships(ctx context.Context, entityID, field string) ([]string, error)
	SetRelationships(ctx context.Context, entityID, field string, ids []string) error
}

// Options controls a link call or batch
type Options struct {
	DryRun              bool
	ConfidenceThreshold float64                             // 0 uses the default
	RelationField       string                              // field used when no per-type field is set
	RelationFields      map[discovery.ConnectionType]string // per connection type
	MaxConcurrency      int
}

// LinkOutcome reports what happened to one candidate. Duplicate and skipped
// are outcomes, not errors.
type LinkOutcome struct {
	SourceEntityID string                   `json:"sourceEntityId"`
	TargetEntityID string                   `json:"targetEntityId"`
	ConnectionType discovery.ConnectionType `json:"connectionType"`
	RelationField  string                   `json:"relationField"`
	Linked         bool                     `json:"linked"`
	Duplicate      bool                     `json:"duplicate"`
	Skipped        bool                     `json:"skipped"`
	DryRun         bool                     `json:"dryRun,omitempty"`
	LinkedAt       *time.Time               `json:"linkedAt,omitempty"`
	Error          string                   `json:"error,omitempty"`
	NotAttempted   bool                     `json:"notAttempted,omitempty"`
}

// BatchResult aggregates a LinkAll run. Per-item results keep input order.
type BatchResult struct {
	Attempted      int           `json:"attempted"`
	Linked         int           `json:"linked"`
	Duplicates     int           `json:"duplicates"`
	Skipped        int           `json:"skipped"`
	Errors         int           `json:"errors"`
	NotAttempted   int           `json:"notAttempted"`
	Cancelled      bool          `json:"cancelled"`
	PerItemResults []LinkOutcome `json:"perItemResults"`
}
