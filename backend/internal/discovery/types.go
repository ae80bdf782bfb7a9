package discovery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"act-placemat/backend/internal/identity"
	apperrors "act-placemat/backend/pkg/errors"
)

// ConnectionType names the strategy that proposed a connection
type ConnectionType string

const (
	TypeThemeBased       ConnectionType = "theme-based"
	TypeEmailMention     ConnectionType = "email-mention"
	TypeExplicitRelation ConnectionType = "explicit-relation"
)

// Valid reports whether t is a known connection type
func (t ConnectionType) Valid() bool {
	switch t {
	case TypeThemeBased, TypeEmailMention, TypeExplicitRelation:
		return true
	}
	return false
}

// Connection is a scored, evidenced relationship candidate between two
// canonical entities.
type Connection struct {
	SourceEntityID string         `json:"sourceEntityId"`
	TargetEntityID string         `json:"targetEntityId"`
	Type           ConnectionType `json:"connectionType"`
	Confidence     float64        `json:"confidence"`
	Evidence       []string       `json:"evidence"`
	DiscoveredAt   time.Time      `json:"discoveredAt"`
	LinkedAt       *time.Time     `json:"linkedAt"`
}

// Validate rejects connections that must never leave the engine
func (c Connection) Validate() error {
	switch {
	case c.SourceEntityID == "" || c.TargetEntityID == "":
		return apperrors.NewInvalidConnection(c.SourceEntityID, c.TargetEntityID, "missing entity id")
	case c.SourceEntityID == c.TargetEntityID:
		return apperrors.NewInvalidConnection(c.SourceEntityID, c.TargetEntityID, "self connection")
	case !c.Type.Valid():
		return apperrors.NewInvalidConnection(c.SourceEntityID, c.TargetEntityID, fmt.Sprintf("unknown type %q", c.Type))
	case c.Confidence <= 0 || c.Confidence > 1:
		return apperrors.NewInvalidConnection(c.SourceEntityID, c.TargetEntityID, fmt.Sprintf("confidence %.2f out of range", c.Confidence))
	}
	for _, e := range c.Evidence {
		if strings.TrimSpace(e) != "" {
			return nil
		}
	}
	return apperrors.NewInvalidConnection(c.SourceEntityID, c.TargetEntityID, "no evidence")
}

// Entity is the view of a canonical entity the strategies work on
type Entity struct {
	ID      string              `json:"id"`
	Kind    identity.EntityKind `json:"kind"`
	Name    string              `json:"name"`
	Aliases []string            `json:"aliases,omitempty"`
	Emails  []string            `json:"emails,omitempty"`
	Tags    []string            `json:"tags,omitempty"`
	Related map[string][]string `json:"related,omitempty"` // relation field -> entity ids
}

// Names returns the name and aliases
func (e Entity) Names() []string {
	out := make([]string, 0, 1+len(e.Aliases))
	if e.Name != "" {
		out = append(out, e.Name)
	}
	return append(out, e.Aliases...)
}

// Message is one corpus item. Body may be HTML when IsHTML is set.
type Message struct {
	ID           string    `json:"id"`
	Body         string    `json:"body"`
	IsHTML       bool      `json:"isHtml"`
	Participants []string  `json:"participants"`
	Timestamp    time.Time `json:"timestamp"`
}

// TextCorpus searches a bounded, time-windowed message store
type TextCorpus interface {
	Search(ctx context.Context, query string, windowDays int) ([]Message, error)
}

// EvidenceSource is everything a discovery run may look at
type EvidenceSource struct {
	Entities []Entity
	Corpus   TextCorpus
}

// Strategy selects one discovery technique
type Strategy string

const (
	StrategyTheme    Strategy = "theme"
	StrategyMention  Strategy = "mention"
	StrategyRelation Strategy = "relation"
)

// Options tunes a discovery run
type Options struct {
	Now            time.Time
	WindowDays     int
	Strategies     []Strategy // empty runs all
	MaxConcurrency int
}

func (o Options) enabled(s Strategy) bool {
	if len(o.Strategies) == 0 {
		return true
	}
	for _, v := range o.Strategies {
		if v == s {
			return true
		}
	}
	return false
}

// AnchorResult is the outcome of discovery for one anchor in a batch
type AnchorResult struct {
	AnchorID    string       `json:"anchorId"`
	Connections []Connection `json:"connections"`
	Error       string       `json:"error,omitempty"`
	Err         error        `json:"-"`
}
