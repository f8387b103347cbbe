// Package events defines the domain events Reviewdeck publishes and selects
// the bus implementation behind them.
package events

import (
	"fmt"
	"strings"

	"github.com/reviewdeck/reviewdeck/internal/common/config"
	"github.com/reviewdeck/reviewdeck/internal/common/logger"
	"github.com/reviewdeck/reviewdeck/internal/events/bus"
)

// Subjects carried on the bus. The notify hub subscribes to both and routes
// on the user_id field in the event data.
const (
	SubjectRepoStatusChanged = "repo.status_changed"
	SubjectReviewCompleted   = "review.completed"
)

const source = "reviewdeck"

// NewRepoStatusChanged builds the event published whenever a connected
// repository transitions status (analyzing, interview, active, paused).
func NewRepoStatusChanged(userID, repoSlug, status string) *bus.Event {
	return bus.NewEvent(SubjectRepoStatusChanged, source, map[string]interface{}{
		"user_id":   userID,
		"repo_slug": repoSlug,
		"status":    status,
	})
}

// NewReviewCompleted builds the event published after a review is posted.
func NewReviewCompleted(userID, repoSlug string, prNumber, commentCount int, prTitle string) *bus.Event {
	return bus.NewEvent(SubjectReviewCompleted, source, map[string]interface{}{
		"user_id":       userID,
		"repo_slug":     repoSlug,
		"pr_number":     prNumber,
		"pr_title":      prTitle,
		"comment_count": commentCount,
	})
}

// ProvidedBus wraps the active event bus implementation.
type ProvidedBus struct {
	Bus    bus.EventBus
	Memory *bus.MemoryEventBus
	NATS   *bus.NATSEventBus
}

// Provide builds the configured event bus: NATS when a URL is set, otherwise
// the in-memory bus.
func Provide(cfg *config.Config, log *logger.Logger) (*ProvidedBus, func() error, error) {
	if strings.TrimSpace(cfg.NATS.URL) != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
		}
		cleanup := func() error {
			natsBus.Close()
			return nil
		}
		return &ProvidedBus{Bus: natsBus, NATS: natsBus}, cleanup, nil
	}

	memBus := bus.NewMemoryEventBus(log)
	return &ProvidedBus{Bus: memBus, Memory: memBus}, func() error { return nil }, nil
}
