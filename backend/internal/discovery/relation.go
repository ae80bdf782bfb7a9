package discovery

import (
	"sort"
	"strings"
	"time"
)

// ConfidenceExplicit is used for relations already recorded by a person
const ConfidenceExplicit = 1.0

// relationConnections turns the anchor's relation properties into
// explicit-relation connections, one per target with one evidence line per
// field naming it.
func relationConnections(anchor Entity, now time.Time) []Connection {
	if len(anchor.Related) == 0 {
		return nil
	}

	fields := make([]string, 0, len(anchor.Related))
	for f := range anchor.Related {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	evidence := make(map[string][]string)
	var targets []string
	for _, field := range fields {
		for _, id := range anchor.Related[field] {
			id = strings.TrimSpace(id)
			if id == "" || id == anchor.ID {
				continue
			}
			if _, ok := evidence[id]; !ok {
				targets = append(targets, id)
			}
			line := "explicit relation: " + field
			if !containsString(evidence[id], line) {
				evidence[id] = append(evidence[id], line)
			}
		}
	}

	out := make([]Connection, 0, len(targets))
	for _, id := range targets {
		out = append(out, Connection{
			SourceEntityID: anchor.ID,
			TargetEntityID: id,
			Type:           TypeExplicitRelation,
			Confidence:     ConfidenceExplicit,
			Evidence:       evidence[id],
			DiscoveredAt:   now,
		})
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
