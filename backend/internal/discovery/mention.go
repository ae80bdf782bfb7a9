package discovery

import (
	"context"
	"fmt"
	"time"

	"act-placemat/backend/internal/identity"
	apperrors "act-placemat/backend/pkg/errors"
)

// MentionConfidence maps a co-mention count to a confidence. Counts below two
// are noise and return 0.
func MentionConfidence(count int) float64 {
	switch {
	case count >= 10:
		return 0.95
	case count >= 5:
		return 0.75
	case count >= 2:
		return 0.55
	}
	return 0
}

// mentionConnections counts, per known entity, the windowed messages about
// the anchor that also mention it by name or address.
func mentionConnections(ctx context.Context, anchor Entity, others []Entity, corpus TextCorpus, windowDays int, now time.Time) ([]Connection, error) {
	if anchor.Name == "" {
		return nil, nil
	}
	messages, err := corpus.Search(ctx, anchor.Name, windowDays)
	if err != nil {
		if apperrors.IsSourceUnavailable(err) {
			return nil, err
		}
		return nil, apperrors.NewSourceUnavailable("text corpus", "search", err)
	}

	cutoff := now.AddDate(0, 0, -windowDays)
	type prepared struct {
		text         string
		participants map[string]bool
	}
	var inWindow []prepared
	for _, m := range messages {
		if m.Timestamp.Before(cutoff) || m.Timestamp.After(now) {
			continue
		}
		p := prepared{text: messageText(m), participants: make(map[string]bool)}
		for _, addr := range m.Participants {
			for _, email := range identity.ParseAddressList(addr) {
				p.participants[email] = true
			}
		}
		inWindow = append(inWindow, p)
	}
	if len(inWindow) == 0 {
		return nil, nil
	}

	var out []Connection
	for _, other := range others {
		if other.ID == anchor.ID {
			continue
		}
		names := other.Names()
		var emails []string
		for _, e := range other.Emails {
			if norm, ok := identity.NormalizeEmail(e); ok {
				emails = append(emails, norm)
			}
		}

		count := 0
		for _, m := range inWindow {
			if mentions(m.text, names) || anyParticipant(m.participants, emails) {
				count++
			}
		}
		confidence := MentionConfidence(count)
		if confidence == 0 {
			continue
		}
		out = append(out, Connection{
			SourceEntityID: anchor.ID,
			TargetEntityID: other.ID,
			Type:           TypeEmailMention,
			Confidence:     confidence,
			Evidence:       []string{fmt.Sprintf("mentioned together in %d messages", count)},
			DiscoveredAt:   now,
		})
	}
	return out, nil
}

func anyParticipant(participants map[string]bool, emails []string) bool {
	for _, e := range emails {
		if participants[e] {
			return true
		}
	}
	return false
}
