package service

import (
	"time"

	"leadflow/internal/models"

	"github.com/google/uuid"
)

func newBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now(),
	}
}

// overfetchLimit scales the matcher fetch by the paid quantity so enrichment
// and delivery have material to dedupe and filter from, with a floor for
// small orders.
func overfetchLimit(quantity, multiplier, floor int) int {
	limit := quantity * multiplier
	if limit < floor {
		limit = floor
	}
	return limit
}
