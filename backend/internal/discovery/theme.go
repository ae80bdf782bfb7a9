package discovery

import (
	"strings"
	"time"

	"act-placemat/backend/internal/identity"
)

// Theme confidences
const (
	ConfidenceOneTheme   = 0.7
	ConfidenceManyThemes = 0.8
)

// themeConnections proposes project to project connections from shared tags.
// Tags compare case-insensitively; evidence keeps the anchor's spelling.
func themeConnections(anchor Entity, others []Entity, now time.Time) []Connection {
	if anchor.Kind != identity.KindProject || len(anchor.Tags) == 0 {
		return nil
	}

	var out []Connection
	for _, other := range others {
		if other.ID == anchor.ID || other.Kind != identity.KindProject {
			continue
		}
		theirs := make(map[string]bool, len(other.Tags))
		for _, t := range other.Tags {
			theirs[tagKey(t)] = true
		}

		var evidence []string
		seen := make(map[string]bool)
		for _, t := range anchor.Tags {
			k := tagKey(t)
			if k == "" || seen[k] || !theirs[k] {
				continue
			}
			seen[k] = true
			evidence = append(evidence, "shared theme: "+strings.TrimSpace(t))
		}
		if len(evidence) == 0 {
			continue
		}

		confidence := ConfidenceOneTheme
		if len(evidence) >= 2 {
			confidence = ConfidenceManyThemes
		}
		out = append(out, Connection{
			SourceEntityID: anchor.ID,
			TargetEntityID: other.ID,
			Type:           TypeThemeBased,
			Confidence:     confidence,
			Evidence:       evidence,
			DiscoveredAt:   now,
		})
	}
	return out
}

func tagKey(t string) string {
	return strings.ToLower(strings.Join(strings.Fields(t), " "))
}
