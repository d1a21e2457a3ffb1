package events

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/welldanyogia/teamchat-events/internal/metrics"
)

// queueIDBytes is the entropy of a queue id.
const queueIDBytes = 32

// Queue removal reasons, used as metric labels.
const (
	RemovedDeregistered = "deregistered"
	RemovedExpired      = "expired"
	RemovedEvicted      = "evicted"
	RemovedAborted      = "aborted"
	RemovedShutdown     = "shutdown"
)

// RegistryConfig holds queue lifecycle settings.
type RegistryConfig struct {
	DefaultLifespan  time.Duration // used when a client asks for 0
	MaxLifespan      time.Duration // longer requests are clamped
	MaxQueuesPerUser int           // oldest idle queue is evicted beyond this
	Now              func() time.Time
}

// DefaultRegistryConfig returns the default queue lifecycle settings.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		DefaultLifespan:  10 * time.Minute,
		MaxLifespan:      7 * 24 * time.Hour,
		MaxQueuesPerUser: 20,
		Now:              time.Now,
	}
}

// Registry is the process-wide table of live event queues.
// The maps are guarded by mu; queue contents are guarded by each queue's own
// lock. Lock order is registry then queue, never the reverse.
type Registry struct {
	mu      sync.RWMutex
	queues  map[QueueID]*EventQueue
	byUser  map[int64]map[QueueID]*EventQueue
	byRealm map[int64]map[QueueID]*EventQueue
	closed  bool

	config RegistryConfig
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(config RegistryConfig, logger *slog.Logger) *Registry {
	defaults := DefaultRegistryConfig()
	if config.DefaultLifespan <= 0 {
		config.DefaultLifespan = defaults.DefaultLifespan
	}
	if config.MaxLifespan <= 0 {
		config.MaxLifespan = defaults.MaxLifespan
	}
	if config.MaxLifespan < config.DefaultLifespan {
		config.MaxLifespan = config.DefaultLifespan
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Registry{
		queues:  make(map[QueueID]*EventQueue),
		byUser:  make(map[int64]map[QueueID]*EventQueue),
		byRealm: make(map[int64]map[QueueID]*EventQueue),
		config:  config,
		logger:  logger.With("component", "event_registry"),
	}
}

// Register allocates a pending queue for ownerID and indexes it.
// The queue buffers dispatched events until Activate is called.
// A zero lifespan selects the default; longer than the maximum is clamped.
// After DeregisterAll it fails with ErrRegistryClosed.
func (r *Registry) Register(ownerID, realmID int64, filter Filter, lifespan time.Duration) (*EventQueue, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	switch {
	case lifespan <= 0:
		lifespan = r.config.DefaultLifespan
	case lifespan > r.config.MaxLifespan:
		lifespan = r.config.MaxLifespan
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}

	var id QueueID
	for {
		candidate, err := newQueueID()
		if err != nil {
			return nil, fmt.Errorf("generate queue id: %w", err)
		}
		if _, taken := r.queues[candidate]; !taken {
			id = candidate
			break
		}
	}

	if limit := r.config.MaxQueuesPerUser; limit > 0 {
		for len(r.byUser[ownerID]) >= limit {
			oldest := oldestQueue(r.byUser[ownerID])
			oldest.Close()
			r.removeLocked(oldest)
			metrics.EventQueuesRemoved.WithLabelValues(RemovedEvicted).Inc()
			r.logger.Info("evicted event queue over per-user limit",
				"user_id", ownerID,
				"queue_id", string(oldest.id),
				"max_queues", limit)
		}
	}

	q := newEventQueue(id, ownerID, realmID, filter, lifespan, r.config.Now)
	r.queues[id] = q
	if r.byUser[ownerID] == nil {
		r.byUser[ownerID] = make(map[QueueID]*EventQueue)
	}
	r.byUser[ownerID][id] = q
	if r.byRealm[realmID] == nil {
		r.byRealm[realmID] = make(map[QueueID]*EventQueue)
	}
	r.byRealm[realmID][id] = q

	metrics.EventQueuesRegistered.Inc()
	metrics.EventQueuesActive.Set(float64(len(r.queues)))

	return q, nil
}

// Lookup returns a live queue. Unknown ids and queues past their idle deadline
// yield ErrQueueNotFound.
func (r *Registry) Lookup(id QueueID) (*EventQueue, error) {
	r.mu.RLock()
	q, ok := r.queues[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrQueueNotFound
	}

	if q.expireIfIdle(r.config.Now()) {
		r.remove(q, RemovedExpired)
		return nil, ErrQueueNotFound
	}
	return q, nil
}

// LookupForUser is Lookup restricted to queues owned by userID.
func (r *Registry) LookupForUser(id QueueID, userID int64) (*EventQueue, error) {
	q, err := r.Lookup(id)
	if err != nil {
		return nil, err
	}
	if q.ownerID != userID {
		return nil, ErrQueueAccessDenied
	}
	return q, nil
}

// Deregister closes and removes a queue, waking its readers.
func (r *Registry) Deregister(id QueueID) error {
	r.mu.RLock()
	q, ok := r.queues[id]
	r.mu.RUnlock()
	if !ok {
		return ErrQueueNotFound
	}

	q.Close()
	r.remove(q, RemovedDeregistered)
	return nil
}

// DeregisterForUser is Deregister restricted to queues owned by userID.
func (r *Registry) DeregisterForUser(id QueueID, userID int64) error {
	r.mu.RLock()
	q, ok := r.queues[id]
	r.mu.RUnlock()
	if !ok {
		return ErrQueueNotFound
	}
	if q.ownerID != userID {
		return ErrQueueAccessDenied
	}
	return r.Deregister(id)
}

// Abort removes a queue whose registration failed after allocation.
func (r *Registry) Abort(q *EventQueue) {
	q.Close()
	r.remove(q, RemovedAborted)
}

// DeregisterAll closes and removes every queue, releasing parked readers,
// and refuses further registrations. It returns the number removed.
func (r *Registry) DeregisterAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true

	removed := 0
	for _, q := range r.queues {
		q.Close()
		if r.removeLocked(q) {
			removed++
		}
	}
	metrics.EventQueuesRemoved.WithLabelValues(RemovedShutdown).Add(float64(removed))
	return removed
}

// Sweep removes every queue whose last access plus lifespan is before now.
// Queues with a parked reader are kept. It returns the number removed.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for _, q := range r.queues {
		if q.expireIfIdle(now) {
			r.removeLocked(q)
			removed++
		}
	}

	if removed > 0 {
		metrics.EventQueuesRemoved.WithLabelValues(RemovedExpired).Add(float64(removed))
		r.logger.Info("swept idle event queues", "removed", removed, "remaining", len(r.queues))
	}
	return removed
}

// StartSweeper runs Sweep every interval in a background goroutine.
// Returns a stop function to terminate it.
func (r *Registry) StartSweeper(interval time.Duration) (stop func()) {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	var once sync.Once

	go func() {
		for {
			select {
			case <-ticker.C:
				r.Sweep(r.config.Now())
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() {
		once.Do(func() { close(done) })
	}
}

// QueuesForUsers returns the live queues owned by any of userIDs.
// Repeated user ids contribute their queues once.
func (r *Registry) QueuesForUsers(userIDs []int64) []*EventQueue {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*EventQueue
	seen := make(map[int64]struct{}, len(userIDs))
	for _, userID := range userIDs {
		if _, dup := seen[userID]; dup {
			continue
		}
		seen[userID] = struct{}{}
		for _, q := range r.byUser[userID] {
			out = append(out, q)
		}
	}
	return out
}

// QueuesForRealm returns the live queues of every user in realmID.
func (r *Registry) QueuesForRealm(realmID int64) []*EventQueue {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*EventQueue, 0, len(r.byRealm[realmID]))
	for _, q := range r.byRealm[realmID] {
		out = append(out, q)
	}
	return out
}

// Len returns the number of live queues.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.queues)
}

// CountForUser returns the number of live queues owned by userID.
func (r *Registry) CountForUser(userID int64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID])
}

func (r *Registry) remove(q *EventQueue, reason string) {
	r.mu.Lock()
	removed := r.removeLocked(q)
	r.mu.Unlock()

	if removed {
		metrics.EventQueuesRemoved.WithLabelValues(reason).Inc()
	}
}

// removeLocked drops q from every index if it is still the registered queue
// for its id. Must be called with lock held.
func (r *Registry) removeLocked(q *EventQueue) bool {
	if current, ok := r.queues[q.id]; !ok || current != q {
		return false
	}
	delete(r.queues, q.id)

	if userQueues, ok := r.byUser[q.ownerID]; ok {
		delete(userQueues, q.id)
		if len(userQueues) == 0 {
			delete(r.byUser, q.ownerID)
		}
	}
	if realmQueues, ok := r.byRealm[q.realmID]; ok {
		delete(realmQueues, q.id)
		if len(realmQueues) == 0 {
			delete(r.byRealm, q.realmID)
		}
	}

	metrics.EventQueuesActive.Set(float64(len(r.queues)))
	return true
}

// oldestQueue returns the least recently accessed queue.
func oldestQueue(queues map[QueueID]*EventQueue) *EventQueue {
	list := make([]*EventQueue, 0, len(queues))
	for _, q := range queues {
		list = append(list, q)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].LastAccessed().Before(list[j].LastAccessed())
	})
	return list[0]
}

func newQueueID() (QueueID, error) {
	buf := make([]byte, queueIDBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return QueueID(hex.EncodeToString(buf)), nil
}
