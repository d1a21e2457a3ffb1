package events

import (
	"log/slog"

	"github.com/welldanyogia/teamchat-events/internal/metrics"
)

// TargetKind selects how a Target resolves to queues.
type TargetKind int

const (
	TargetUsers TargetKind = iota + 1
	TargetRealm
	TargetStream
)

// Target identifies the audience of a published event.
type Target struct {
	Kind     TargetKind
	UserIDs  []int64
	RealmID  int64
	StreamID int64
	// Public stream events also reach realm queues registered with
	// all_public_streams, subscribed or not.
	Public bool
}

// ToUsers targets every queue of the given users.
func ToUsers(userIDs ...int64) Target {
	return Target{Kind: TargetUsers, UserIDs: userIDs}
}

// ToRealm targets every queue in a realm.
func ToRealm(realmID int64) Target {
	return Target{Kind: TargetRealm, RealmID: realmID}
}

// ToStream targets the subscribers of a stream.
func ToStream(realmID, streamID int64, subscribers []int64, public bool) Target {
	return Target{
		Kind:     TargetStream,
		UserIDs:  subscribers,
		RealmID:  realmID,
		StreamID: streamID,
		Public:   public,
	}
}

// Dispatcher fans events out to the queues interested in them.
// It is the only ingress into the event core for the rest of the system.
type Dispatcher struct {
	registry *Registry
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher over registry.
func NewDispatcher(registry *Registry, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry: registry,
		logger:   logger.With("component", "event_dispatcher"),
	}
}

// Publish appends event to every live queue selected by target whose filter
// accepts it, and returns how many queues received it. Queues that expire
// concurrently are skipped; publishing never fails the caller.
//
// Appends happen synchronously, so successive Publish calls from one goroutine
// land in every queue in call order.
func (d *Dispatcher) Publish(event Event, target Target) int {
	if event.Payload == nil {
		d.logger.Warn("dropping event without payload")
		return 0
	}
	eventType := event.Type()
	metrics.EventsPublished.WithLabelValues(eventType).Inc()

	delivered := 0
	for _, q := range d.resolve(target) {
		if !q.filter.Accepts(event) {
			continue
		}

		out := event
		out.ID = 0
		if specific, ok := event.Payload.(queueSpecific); ok {
			out.Payload = specific.forQueue(q)
		}
		if q.append(out) {
			delivered++
		}
	}

	metrics.EventsDelivered.WithLabelValues(eventType).Add(float64(delivered))
	d.logger.Debug("event dispatched",
		"event_type", eventType,
		"state_version", event.StateVersion,
		"queues", delivered)

	return delivered
}

// resolve returns the distinct queues a target addresses.
func (d *Dispatcher) resolve(target Target) []*EventQueue {
	switch target.Kind {
	case TargetUsers:
		return d.registry.QueuesForUsers(target.UserIDs)
	case TargetRealm:
		return d.registry.QueuesForRealm(target.RealmID)
	case TargetStream:
		queues := d.registry.QueuesForUsers(target.UserIDs)
		if !target.Public {
			return queues
		}
		seen := make(map[QueueID]struct{}, len(queues))
		for _, q := range queues {
			seen[q.id] = struct{}{}
		}
		for _, q := range d.registry.QueuesForRealm(target.RealmID) {
			if _, dup := seen[q.id]; dup || !q.filter.AllPublicStreams {
				continue
			}
			seen[q.id] = struct{}{}
			queues = append(queues, q)
		}
		return queues
	default:
		d.logger.Warn("unknown event target", "kind", int(target.Kind))
		return nil
	}
}
