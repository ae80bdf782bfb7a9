package scoring

import (
	"math"
	"strings"
	"time"
)

// Stage is the lifecycle label derived from the overall score
type Stage string

const (
	StageLaunch   Stage = "Launch"
	StageOrbit    Stage = "Orbit"
	StageCruising Stage = "Cruising"
	StageLanded   Stage = "Landed"
	StageObsolete Stage = "Obsolete"
)

// Weights and point ceilings of the composite score
const (
	FundingWeight         = 0.30
	MaxCompletenessPoints = 10
	LowContactThreshold   = 5
)

// EntityAttributes are the fields the score is computed from. Missing
// values are zero or nil; nothing here is ever rejected.
type EntityAttributes struct {
	EntityID            string          `json:"entityId"`
	Budget              float64         `json:"budget"`
	ActualRevenue       float64         `json:"actualRevenue"`
	Tags                []string        `json:"tags,omitempty"`
	LastUpdatedAt       *time.Time      `json:"lastUpdatedAt,omitempty"`
	LeadAssigned        *bool           `json:"leadAssigned,omitempty"` // nil when unknown
	Status              string          `json:"status,omitempty"`
	ManualStageOverride string          `json:"manualStageOverride,omitempty"`
	RequiredFields      map[string]bool `json:"requiredFields,omitempty"` // field -> present
}

// Metrics are counts gathered from the relationship graph
type Metrics struct {
	ConnectionCount    int `json:"connectionCount"`
	RecentInteractions int `json:"recentInteractions"`
}

// Options tunes scoring
type Options struct {
	// StrictAutonomy keeps an entity with an unknown lead out of the top
	// autonomy tier. By default a missing lead counts as no lead.
	StrictAutonomy bool
	Now            time.Time
	MaxConcurrency int
}

// Dimensions are the per-dimension values behind the overall score
type Dimensions struct {
	FundingPercent   float64 `json:"fundingPercent"`
	Funding          float64 `json:"funding"`
	People           float64 `json:"people"`
	Autonomy         float64 `json:"autonomy"`
	Momentum         float64 `json:"momentum"`
	DataCompleteness float64 `json:"dataCompleteness"`
}

// HealthScore is a derived snapshot and never a source of truth
type HealthScore struct {
	EntityID     string     `json:"entityId,omitempty"`
	OverallScore float64    `json:"overallScore"`
	Dimensions   Dimensions `json:"dimensions"`
	StageLabel   Stage      `json:"stageLabel"`
	Overridden   bool       `json:"stageOverridden,omitempty"`
	ComputedAt   time.Time  `json:"computedAt"`
}

// Score computes the composite health score. It is pure and never fails.
func Score(attrs EntityAttributes, metrics Metrics, opts Options) HealthScore {
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}

	pct := FundingPercent(attrs.Budget, attrs.ActualRevenue)
	dims := Dimensions{
		FundingPercent:   pct,
		Funding:          pct * FundingWeight,
		People:           PeoplePoints(metrics.ConnectionCount),
		Autonomy:         AutonomyPoints(attrs.LeadAssigned, metrics, pct, opts.StrictAutonomy),
		Momentum:         Momentum(attrs.LastUpdatedAt, now),
		DataCompleteness: CompletenessPoints(attrs.RequiredFields),
	}

	overall := clamp(dims.Funding+dims.People+dims.Autonomy+dims.DataCompleteness, 0, 100)
	stage, overridden := InferStage(overall, attrs.Status, attrs.ManualStageOverride)

	return HealthScore{
		EntityID:     attrs.EntityID,
		OverallScore: overall,
		Dimensions:   dims,
		StageLabel:   stage,
		Overridden:   overridden,
		ComputedAt:   now,
	}
}

// FundingPercent is revenue as a share of budget, capped at 100. A budget of
// zero or less yields 0.
func FundingPercent(budget, revenue float64) float64 {
	if !finite(budget) || !finite(revenue) || budget <= 0 || revenue <= 0 {
		return 0
	}
	return math.Min(100, revenue/budget*100)
}

// PeoplePoints maps a connection count to relationship density points
func PeoplePoints(connections int) float64 {
	switch {
	case connections >= 31:
		return 20
	case connections >= 16:
		return 15
	case connections >= 6:
		return 10
	}
	return 0
}

// AutonomyPoints scores decision autonomy from lead assignment, recent
// contact and funding.
func AutonomyPoints(leadAssigned *bool, metrics Metrics, fundingPercent float64, strict bool) float64 {
	noLead := leadAssigned == nil || !*leadAssigned
	if strict {
		noLead = leadAssigned != nil && !*leadAssigned
	}
	lowContact := metrics.RecentInteractions < LowContactThreshold

	switch {
	case noLead && lowContact && fundingPercent >= 80:
		return 20
	case fundingPercent >= 50 && metrics.ConnectionCount >= 16:
		return 15
	case fundingPercent > 0:
		return 10
	}
	return 0
}

// CompletenessPoints is present/total scaled to 10. No required fields
// scores 0.
func CompletenessPoints(fields map[string]bool) float64 {
	if len(fields) == 0 {
		return 0
	}
	present := 0
	for _, ok := range fields {
		if ok {
			present++
		}
	}
	return float64(present) / float64(len(fields)) * MaxCompletenessPoints
}

// Momentum rates how recently the entity was touched, 0 to 100
func Momentum(lastUpdated *time.Time, now time.Time) float64 {
	if lastUpdated == nil || lastUpdated.IsZero() {
		return 0
	}
	age := now.Sub(*lastUpdated)
	day := 24 * time.Hour
	switch {
	case age <= 7*day:
		return 100
	case age <= 30*day:
		return 75
	case age <= 90*day:
		return 50
	case age <= 180*day:
		return 25
	}
	return 0
}

// InferStage derives the lifecycle label. A manual override always wins;
// the second value reports whether it was used.
func InferStage(score float64, status, override string) (Stage, bool) {
	if o := strings.TrimSpace(override); o != "" {
		return Stage(o), true
	}
	status = strings.ToLower(strings.TrimSpace(status))
	switch {
	case score >= 85 || status == "transferred":
		return StageObsolete, false
	case score >= 75 || status == "sunsetting":
		return StageLanded, false
	case score >= 60:
		return StageCruising, false
	case score >= 40:
		return StageOrbit, false
	}
	return StageLaunch, false
}

func clamp(v, lo, hi float64) float64 {
	if !finite(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
