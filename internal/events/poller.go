package events

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/welldanyogia/teamchat-events/internal/metrics"
)

// PollStatus is the terminal state of one long-poll request.
type PollStatus string

const (
	PollEventsAvailable PollStatus = "events_available"
	PollTimedOut        PollStatus = "timed_out"
	PollQueueExpired    PollStatus = "queue_expired"
)

// PollRequest is one long-poll read.
type PollRequest struct {
	QueueID     QueueID
	LastEventID int64
	DontBlock   bool
}

// PollResult carries the events delivered by a poll and the cursor for the next one.
type PollResult struct {
	QueueID     QueueID
	Events      []Event
	LastEventID int64
	Status      PollStatus
}

// PollerConfig holds long-poll settings.
type PollerConfig struct {
	Timeout  time.Duration // maximum time a request stays parked
	MaxBatch int
}

// DefaultPollerConfig returns the default long-poll settings.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		Timeout:  90 * time.Second,
		MaxBatch: DefaultMaxBatch,
	}
}

// Poller serves long-poll reads against the registry.
type Poller struct {
	registry *Registry
	config   PollerConfig
	logger   *slog.Logger
}

// NewPoller creates a poller.
func NewPoller(registry *Registry, config PollerConfig, logger *slog.Logger) *Poller {
	if config.Timeout < 0 {
		config.Timeout = 0
	}
	if config.MaxBatch <= 0 {
		config.MaxBatch = DefaultMaxBatch
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		registry: registry,
		config:   config,
		logger:   logger.With("component", "event_poller"),
	}
}

// Poll waits for events after req.LastEventID on a queue owned by userID.
//
// Timing out is a normal outcome: the result is empty and the cursor unchanged.
// A missing, expired or foreign queue yields a PollQueueExpired result together
// with ErrQueueNotFound or ErrQueueAccessDenied; callers must not distinguish
// the two to the client. Cancellation of ctx returns ctx.Err().
func (p *Poller) Poll(ctx context.Context, userID int64, req PollRequest) (*PollResult, error) {
	expired := &PollResult{
		QueueID:     req.QueueID,
		Events:      []Event{},
		LastEventID: req.LastEventID,
		Status:      PollQueueExpired,
	}

	q, err := p.registry.LookupForUser(req.QueueID, userID)
	if err != nil {
		metrics.EventPolls.WithLabelValues(string(PollQueueExpired)).Inc()
		return expired, err
	}

	wait := p.config.Timeout
	if req.DontBlock {
		wait = 0
	}

	start := time.Now()
	found, err := q.ReadSince(ctx, req.LastEventID, wait, p.config.MaxBatch)
	metrics.EventPollWait.Observe(time.Since(start).Seconds())

	switch {
	case errors.Is(err, ErrQueueNotFound):
		metrics.EventPolls.WithLabelValues(string(PollQueueExpired)).Inc()
		return expired, err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		metrics.EventPolls.WithLabelValues("cancelled").Inc()
		return nil, err
	case err != nil:
		metrics.EventPolls.WithLabelValues("rejected").Inc()
		return nil, err
	}

	result := &PollResult{
		QueueID:     req.QueueID,
		Events:      found,
		LastEventID: req.LastEventID,
		Status:      PollTimedOut,
	}
	if len(found) > 0 {
		result.LastEventID = found[len(found)-1].ID
		result.Status = PollEventsAvailable
	}
	metrics.EventPolls.WithLabelValues(string(result.Status)).Inc()

	return result, nil
}
