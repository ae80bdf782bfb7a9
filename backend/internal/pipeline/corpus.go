package pipeline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"act-placemat/backend/internal/discovery"
	"act-placemat/backend/internal/identity"
	"act-placemat/backend/pkg/logger"
)

type interactionRecorder interface {
	RecordInteraction(ctx context.Context, entityID, messageID string, at time.Time) error
}

// recordingCorpus passes searches through and records every message found
// for an anchor as an interaction with it. Scoring reads those back as
// recent contact.
type recordingCorpus struct {
	inner    discovery.TextCorpus
	recorder interactionRecorder
	byName   map[string][]string
	logger   *zap.Logger

	mu   sync.Mutex
	seen map[string]bool
}

func newRecordingCorpus(inner discovery.TextCorpus, recorder interactionRecorder, anchors []discovery.Entity) *recordingCorpus {
	byName := make(map[string][]string, len(anchors))
	for _, a := range anchors {
		key := identity.Fold(a.Name)
		if key != "" {
			byName[key] = append(byName[key], a.ID)
		}
	}
	return &recordingCorpus{
		inner:    inner,
		recorder: recorder,
		byName:   byName,
		logger:   logger.Named("pipeline"),
		seen:     map[string]bool{},
	}
}

func (c *recordingCorpus) Search(ctx context.Context, query string, windowDays int) ([]discovery.Message, error) {
	msgs, err := c.inner.Search(ctx, query, windowDays)
	if err != nil {
		return nil, err
	}
	for _, id := range c.byName[identity.Fold(query)] {
		for _, m := range msgs {
			if !c.first(id, m.ID) {
				continue
			}
			if err := c.recorder.RecordInteraction(ctx, id, m.ID, m.Timestamp); err != nil {
				c.logger.Warn("Failed to record interaction",
					zap.String("entity_id", id),
					zap.String("message_id", m.ID),
					zap.Error(err))
			}
		}
	}
	return msgs, nil
}

func (c *recordingCorpus) first(entityID, messageID string) bool {
	key := entityID + "|" + messageID
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seen[key] {
		return false
	}
	c.seen[key] = true
	return true
}
