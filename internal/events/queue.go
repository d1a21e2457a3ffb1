package events

import (
	"context"
	"sort"
	"sync"
	"time"
)

// DefaultMaxBatch caps the number of events returned by one read.
const DefaultMaxBatch = 1000

type queueState int

const (
	// queuePending buffers events until the registration snapshot is known.
	queuePending queueState = iota
	queueActive
	queueClosed
)

// EventQueue is the ordered buffer of pending events for one client session.
//
// Producers append under the queue lock and never wait; a reader that finds
// nothing parks on the current notify channel, which append closes and
// replaces, so every waiter of this queue (and only this queue) wakes.
type EventQueue struct {
	id        QueueID
	ownerID   int64
	realmID   int64
	filter    Filter
	createdAt time.Time
	lifespan  time.Duration
	now       func() time.Time

	mu           sync.Mutex
	state        queueState
	events       []Event
	pending      []Event
	floor        int64 // state version reflected by the registration snapshot
	lastEventID  int64
	lastAccessed time.Time
	readers      int
	notify       chan struct{}
}

func newEventQueue(id QueueID, ownerID, realmID int64, filter Filter, lifespan time.Duration, now func() time.Time) *EventQueue {
	created := now()
	return &EventQueue{
		id:           id,
		ownerID:      ownerID,
		realmID:      realmID,
		filter:       filter,
		createdAt:    created,
		lifespan:     lifespan,
		now:          now,
		state:        queuePending,
		lastAccessed: created,
		notify:       make(chan struct{}),
	}
}

// ID returns the queue identifier.
func (q *EventQueue) ID() QueueID { return q.id }

// OwnerID returns the id of the user the queue belongs to.
func (q *EventQueue) OwnerID() int64 { return q.ownerID }

// RealmID returns the realm of the owner.
func (q *EventQueue) RealmID() int64 { return q.realmID }

// Filter returns the delivery scope the queue was registered with.
func (q *EventQueue) Filter() Filter { return q.filter }

// CreatedAt returns the registration time.
func (q *EventQueue) CreatedAt() time.Time { return q.createdAt }

// Lifespan returns how long the queue may stay idle before it is reclaimed.
func (q *EventQueue) Lifespan() time.Duration { return q.lifespan }

// LastEventID returns the id of the newest event ever appended.
func (q *EventQueue) LastEventID() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastEventID
}

// LastAccessed returns the last time a reader touched the queue.
func (q *EventQueue) LastAccessed() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastAccessed
}

// Len returns the number of stored, unpruned events.
func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// IsClosed reports whether the queue was deregistered or expired.
func (q *EventQueue) IsClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state == queueClosed
}

// Touch marks the queue as accessed now.
func (q *EventQueue) Touch() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state != queueClosed {
		q.lastAccessed = q.now()
	}
}

// append stores an event that already passed the queue's filter.
// It returns false when the queue is closed. Events whose state change is at
// or below the snapshot version given to Activate are accepted but dropped.
func (q *EventQueue) append(e Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	switch q.state {
	case queueClosed:
		return false
	case queuePending:
		q.pending = append(q.pending, e)
		return true
	}

	if q.coveredLocked(e) {
		return true
	}

	q.storeLocked(e)
	q.wakeLocked()
	return true
}

// Activate ends the pending phase. Buffered events whose state change is
// already contained in a snapshot taken at version are dropped; the rest get
// ids in arrival order. The same version keeps filtering later appends, since
// a change committed before the snapshot may be published after activation.
// It returns the number of buffered events kept.
func (q *EventQueue) Activate(version int64) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.state != queuePending {
		return 0
	}

	q.floor = version
	kept := 0
	for _, e := range q.pending {
		if q.coveredLocked(e) {
			continue
		}
		q.storeLocked(e)
		kept++
	}
	q.pending = nil
	q.state = queueActive
	if kept > 0 {
		q.wakeLocked()
	}
	return kept
}

// ReadSince returns the stored events with id > cursor, oldest first, at most
// maxBatch of them. When none are available it waits up to maxWait for an
// append; maxWait <= 0 never waits. Timeouts return an empty slice and no
// error, cancellation returns ctx.Err(), and a queue closed before or during
// the wait returns ErrQueueNotFound.
//
// Events with id <= cursor have been acknowledged and are pruned.
func (q *EventQueue) ReadSince(ctx context.Context, cursor int64, maxWait time.Duration, maxBatch int) ([]Event, error) {
	if maxBatch <= 0 {
		maxBatch = DefaultMaxBatch
	}

	q.mu.Lock()
	if q.state == queueClosed {
		q.mu.Unlock()
		return nil, ErrQueueNotFound
	}
	if cursor < 0 || cursor > q.lastEventID {
		q.mu.Unlock()
		return nil, ErrInvalidCursor
	}
	q.pruneLocked(cursor)
	q.lastAccessed = q.now()
	found := q.collectLocked(cursor, maxBatch)
	if len(found) > 0 || maxWait <= 0 {
		q.mu.Unlock()
		return found, nil
	}
	q.readers++
	notify := q.notify
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.readers--
		if q.state != queueClosed {
			q.lastAccessed = q.now()
		}
		q.mu.Unlock()
	}()

	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	for {
		select {
		case <-notify:
		case <-timer.C:
			return []Event{}, nil
		case <-ctx.Done():
			return []Event{}, ctx.Err()
		}

		q.mu.Lock()
		if q.state == queueClosed {
			q.mu.Unlock()
			return nil, ErrQueueNotFound
		}
		found = q.collectLocked(cursor, maxBatch)
		notify = q.notify
		q.mu.Unlock()

		if len(found) > 0 {
			return found, nil
		}
	}
}

// Close releases every parked reader and drops stored events.
// Appends after Close are ignored.
func (q *EventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closeLocked()
}

// expireIfIdle closes the queue when its idle deadline has strictly passed and
// no reader is parked on it. It reports whether the queue is closed afterwards.
func (q *EventQueue) expireIfIdle(now time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.state == queueClosed {
		return true
	}
	if q.readers > 0 {
		return false
	}
	if !q.lastAccessed.Add(q.lifespan).Before(now) {
		return false
	}
	q.closeLocked()
	return true
}

// coveredLocked reports whether the registration snapshot already reflects e.
// Events without a state version are never covered.
func (q *EventQueue) coveredLocked(e Event) bool {
	return e.StateVersion > 0 && e.StateVersion <= q.floor
}

// storeLocked assigns the next id. Must be called with lock held.
func (q *EventQueue) storeLocked(e Event) {
	q.lastEventID++
	e.ID = q.lastEventID
	q.events = append(q.events, e)
}

// wakeLocked releases every reader parked on the current notify channel.
// Must be called with lock held.
func (q *EventQueue) wakeLocked() {
	close(q.notify)
	q.notify = make(chan struct{})
}

func (q *EventQueue) closeLocked() {
	if q.state == queueClosed {
		return
	}
	q.state = queueClosed
	q.events = nil
	q.pending = nil
	close(q.notify)
}

// pruneLocked drops acknowledged events. Must be called with lock held.
func (q *EventQueue) pruneLocked(cursor int64) {
	idx := q.firstAfterLocked(cursor)
	if idx == 0 {
		return
	}
	q.events = append(q.events[:0:0], q.events[idx:]...)
}

// collectLocked copies up to limit events with id > cursor. Must be called with lock held.
func (q *EventQueue) collectLocked(cursor int64, limit int) []Event {
	idx := q.firstAfterLocked(cursor)
	end := len(q.events)
	if end-idx > limit {
		end = idx + limit
	}
	out := make([]Event, end-idx)
	copy(out, q.events[idx:end])
	return out
}

func (q *EventQueue) firstAfterLocked(cursor int64) int {
	return sort.Search(len(q.events), func(i int) bool {
		return q.events[i].ID > cursor
	})
}
