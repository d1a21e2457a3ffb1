package events

import "errors"

var (
	// ErrQueueNotFound is returned for unknown, expired or deregistered queues.
	// Clients recover by registering a new queue and reloading the snapshot.
	ErrQueueNotFound = errors.New("event queue not found")

	// ErrQueueAccessDenied is returned when a queue exists but belongs to another user.
	// Transports must render it exactly like ErrQueueNotFound.
	ErrQueueAccessDenied = errors.New("event queue belongs to another user")

	// ErrInvalidCursor is returned when last_event_id is negative or ahead of the queue.
	ErrInvalidCursor = errors.New("invalid last_event_id")

	// ErrRegistryClosed is returned by Register once the registry has been
	// drained for shutdown.
	ErrRegistryClosed = errors.New("event registry is shutting down")

	// ErrInvalidFilter is returned when event_types or narrow cannot be parsed.
	ErrInvalidFilter = errors.New("invalid event filter")
)
