package api

import (
	"github.com/welldanyogia/teamchat-events/internal/events"
)

// RegisterRequest represents the request body for registering an event queue.
// Form submissions carry event_types and narrow as JSON encoded strings.
type RegisterRequest struct {
	EventTypes        []string   `json:"event_types" validate:"omitempty,max=16,dive,required"`
	Narrow            [][]string `json:"narrow" validate:"omitempty,max=16,dive,len=2"`
	AllPublicStreams  *bool      `json:"all_public_streams"`
	ApplyMarkdown     bool       `json:"apply_markdown"`
	QueueLifespanSecs int        `json:"queue_lifespan_secs" validate:"min=0"`
	ClientName        string     `json:"client_name" validate:"max=64"`
}

// GetEventsResponse represents one long-poll result
type GetEventsResponse struct {
	QueueID     events.QueueID `json:"queue_id"`
	Events      []events.Event `json:"events"`
	LastEventID int64          `json:"last_event_id"`
	Status      string         `json:"status"`
}

// DeleteQueueResponse represents the response for deregistering a queue
type DeleteQueueResponse struct {
	Message string `json:"message"`
}
