package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/welldanyogia/teamchat-events/internal/events"
	"github.com/welldanyogia/teamchat-events/internal/state"
)

// ErrSnapshotFailed wraps failures computing the snapshot after the queue was
// allocated. The queue is removed before it is returned.
var ErrSnapshotFailed = errors.New("snapshot failed")

// Options is one client's registration request.
type Options struct {
	EventTypes []string // nil: every type
	Narrow     []events.NarrowTerm

	// AllPublicStreams falls back to the user's profile default when nil.
	AllPublicStreams *bool
	ApplyMarkdown    bool
	ClientName       string
	Lifespan         time.Duration // 0: registry default
}

// Registrar registers event queues together with their initial snapshot.
type Registrar struct {
	store    state.Store
	registry *events.Registry
	logger   *slog.Logger
	now      func() time.Time
}

// NewRegistrar creates a registrar.
func NewRegistrar(store state.Store, registry *events.Registry, logger *slog.Logger) *Registrar {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registrar{
		store:    store,
		registry: registry,
		logger:   logger.With("component", "registrar"),
		now:      time.Now,
	}
}

// Register allocates a queue for userID and returns it with a snapshot.
//
// The queue is registered pending before the snapshot is read, so it buffers
// every event dispatched meanwhile; activation at the snapshot's version then
// drops the buffered events the snapshot already reflects. Nothing is lost in
// between and nothing is applied twice.
func (r *Registrar) Register(ctx context.Context, userID int64, opts Options) (*Snapshot, error) {
	filter := events.Filter{
		EventTypes:    opts.EventTypes,
		Narrow:        opts.Narrow,
		ApplyMarkdown: opts.ApplyMarkdown,
		ClientName:    opts.ClientName,
	}
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	var user *state.User
	err := r.store.View(ctx, func(rd state.Reader) error {
		var err error
		user, err = rd.User(userID)
		if err != nil {
			return err
		}
		filter, err = applyDefaults(rd, user, filter, opts.AllPublicStreams)
		return err
	})
	if err != nil {
		return nil, err
	}

	q, err := r.registry.Register(user.ID, user.RealmID, filter, opts.Lifespan)
	if err != nil {
		return nil, err
	}

	var snap *Snapshot
	err = r.store.View(ctx, func(rd state.Reader) error {
		var err error
		snap, err = Build(rd, user.ID, filter, r.now())
		return err
	})
	if err != nil {
		r.registry.Abort(q)
		r.logger.Error("snapshot failed, queue aborted",
			"user_id", user.ID,
			"queue_id", string(q.ID()),
			"error", err)
		return nil, fmt.Errorf("%w: %w", ErrSnapshotFailed, err)
	}

	kept := q.Activate(snap.StateVersion)
	snap.QueueID = q.ID()
	snap.LastEventID = 0

	r.logger.Info("event queue registered",
		"user_id", user.ID,
		"queue_id", string(q.ID()),
		"client", filter.ClientName,
		"state_version", snap.StateVersion,
		"buffered_events", kept,
		"lifespan", q.Lifespan().String())

	return snap, nil
}

// applyDefaults fills in the user's default narrow and all_public_streams.
func applyDefaults(rd state.Reader, user *state.User, filter events.Filter, allPublic *bool) (events.Filter, error) {
	if allPublic != nil {
		filter.AllPublicStreams = *allPublic
	} else {
		filter.AllPublicStreams = user.DefaultAllPublicStreams
	}

	if len(filter.Narrow) == 0 && user.DefaultEventsRegisterStreamID != 0 {
		stream, err := rd.Stream(user.DefaultEventsRegisterStreamID)
		switch {
		case errors.Is(err, state.ErrNotFound):
		case err != nil:
			return filter, err
		default:
			filter.Narrow = []events.NarrowTerm{{Operator: events.NarrowStream, Operand: stream.Name}}
		}
	}
	return filter, nil
}
