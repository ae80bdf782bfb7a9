package graph

import (
	"time"

	"act-placemat/backend/internal/identity"
)

// EntityRecord is an entity node as written by the seed script and the
// Notion sync. Required and present fields feed data completeness.
type EntityRecord struct {
	ID             string              `json:"id"`
	Kind           identity.EntityKind `json:"kind"`
	Name           string              `json:"name"`
	Aliases        []string            `json:"aliases,omitempty"`
	Emails         []string            `json:"emails,omitempty"`
	Tags           []string            `json:"tags,omitempty"`
	Budget         float64             `json:"budget"`
	ActualRevenue  float64             `json:"actual_revenue"`
	Status         string              `json:"status,omitempty"`
	StageOverride  string              `json:"stage_override,omitempty"`
	LeadAssigned   *bool               `json:"lead_assigned,omitempty"`
	LastUpdatedAt  *time.Time          `json:"last_updated_at,omitempty"`
	RequiredFields []string            `json:"required_fields,omitempty"`
	PresentFields  []string            `json:"present_fields,omitempty"`
}
