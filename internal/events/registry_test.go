package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pgregory.net/rapid"
)

func newTestRegistry(clock *fakeClock) *Registry {
	config := DefaultRegistryConfig()
	if clock != nil {
		config.Now = clock.Now
	}
	return NewRegistry(config, nil)
}

// testingT is satisfied by both *testing.T and *rapid.T.
type testingT interface {
	Helper()
	Fatalf(format string, args ...interface{})
}

func mustRegister(t testingT, r *Registry, ownerID, realmID int64, filter Filter) *EventQueue {
	t.Helper()
	q, err := r.Register(ownerID, realmID, filter, 0)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	q.Activate(0)
	return q
}

// Every registration yields a distinct, hard-to-guess id.
func TestProperty_RegisterIssuesUniqueIDs(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 50).Draw(t, "queues")
		r := NewRegistry(RegistryConfig{MaxQueuesPerUser: 0}, nil)

		seen := make(map[QueueID]bool, n)
		for i := 0; i < n; i++ {
			q, err := r.Register(int64(i%5), 1, Filter{}, 0)
			if err != nil {
				t.Fatalf("Register: %v", err)
			}
			if seen[q.ID()] {
				t.Fatalf("duplicate queue id %s", q.ID())
			}
			if len(q.ID()) != queueIDBytes*2 {
				t.Fatalf("queue id %q has unexpected length", q.ID())
			}
			seen[q.ID()] = true
		}
		if r.Len() != n {
			t.Fatalf("expected %d queues, got %d", n, r.Len())
		}
	})
}

func TestRegistry_RegisterRejectsUnknownEventType(t *testing.T) {
	r := newTestRegistry(nil)
	_, err := r.Register(1, 1, Filter{EventTypes: []string{"message", "bogus"}}, 0)
	if !errors.Is(err, ErrInvalidFilter) {
		t.Fatalf("expected ErrInvalidFilter, got %v", err)
	}
	if r.Len() != 0 {
		t.Fatal("rejected registration must not leave a queue behind")
	}
}

func TestRegistry_RegisterClampsLifespan(t *testing.T) {
	r := NewRegistry(RegistryConfig{DefaultLifespan: time.Minute, MaxLifespan: time.Hour}, nil)

	q, _ := r.Register(1, 1, Filter{}, 0)
	if q.Lifespan() != time.Minute {
		t.Errorf("expected default lifespan, got %s", q.Lifespan())
	}
	q, _ = r.Register(1, 1, Filter{}, 48*time.Hour)
	if q.Lifespan() != time.Hour {
		t.Errorf("expected clamped lifespan, got %s", q.Lifespan())
	}
}

func TestRegistry_LookupForUserDeniesOtherUsers(t *testing.T) {
	r := newTestRegistry(nil)
	q := mustRegister(t, r, 7, 1, Filter{})

	if _, err := r.LookupForUser(q.ID(), 8); !errors.Is(err, ErrQueueAccessDenied) {
		t.Fatalf("expected ErrQueueAccessDenied, got %v", err)
	}
	if _, err := r.LookupForUser("missing", 7); !errors.Is(err, ErrQueueNotFound) {
		t.Fatalf("expected ErrQueueNotFound, got %v", err)
	}
	got, err := r.LookupForUser(q.ID(), 7)
	if err != nil || got != q {
		t.Fatalf("owner lookup failed: %v", err)
	}
}

func TestRegistry_DeregisterWakesReaderAndForgetsQueue(t *testing.T) {
	r := newTestRegistry(nil)
	q := mustRegister(t, r, 1, 1, Filter{})

	done := make(chan error, 1)
	go func() {
		_, err := q.ReadSince(context.Background(), 0, 5*time.Second, 0)
		done <- err
	}()
	waitForReaders(t, q, 1)

	if err := r.DeregisterForUser(q.ID(), 2); !errors.Is(err, ErrQueueAccessDenied) {
		t.Fatalf("foreign deregister: expected ErrQueueAccessDenied, got %v", err)
	}
	if err := r.DeregisterForUser(q.ID(), 1); err != nil {
		t.Fatalf("Deregister: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, ErrQueueNotFound) {
			t.Fatalf("expected ErrQueueNotFound, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("deregister did not wake the parked reader")
	}

	if _, err := r.Lookup(q.ID()); !errors.Is(err, ErrQueueNotFound) {
		t.Fatalf("deregistered queue still resolvable: %v", err)
	}
	if err := r.Deregister(q.ID()); !errors.Is(err, ErrQueueNotFound) {
		t.Fatalf("second deregister: expected ErrQueueNotFound, got %v", err)
	}
}

func TestRegistry_DeregisterAllReleasesEveryReader(t *testing.T) {
	r := newTestRegistry(nil)
	a := mustRegister(t, r, 1, 1, Filter{})
	b := mustRegister(t, r, 2, 2, Filter{})

	done := make(chan error, 1)
	go func() {
		_, err := b.ReadSince(context.Background(), 0, 5*time.Second, 0)
		done <- err
	}()
	waitForReaders(t, b, 1)

	if n := r.DeregisterAll(); n != 2 {
		t.Fatalf("expected 2 queues removed, got %d", n)
	}
	select {
	case err := <-done:
		if !errors.Is(err, ErrQueueNotFound) {
			t.Fatalf("expected ErrQueueNotFound, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("parked reader not released")
	}
	if r.Len() != 0 || !a.IsClosed() {
		t.Fatalf("queues left: %d, first closed: %v", r.Len(), a.IsClosed())
	}
}

func TestRegistry_RegisterFailsAfterDeregisterAll(t *testing.T) {
	r := newTestRegistry(nil)
	mustRegister(t, r, 1, 1, Filter{})
	r.DeregisterAll()

	q, err := r.Register(1, 1, Filter{}, 0)
	if !errors.Is(err, ErrRegistryClosed) || q != nil {
		t.Fatalf("expected ErrRegistryClosed, got %v %v", q, err)
	}
	if r.Len() != 0 {
		t.Fatalf("closed registry holds %d queues", r.Len())
	}
}

// A queue last read at T with lifespan L survives a sweep at T+L-1s and is
// gone after a sweep past T+L.
func TestRegistry_SweepRemovesOnlyExpiredQueues(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(RegistryConfig{DefaultLifespan: 10 * time.Minute, Now: clock.Now}, nil)

	stale := mustRegister(t, r, 1, 1, Filter{})
	clock.Advance(5 * time.Minute)
	fresh := mustRegister(t, r, 2, 1, Filter{})

	clock.Advance(5*time.Minute - time.Second)
	if n := r.Sweep(clock.Now()); n != 0 {
		t.Fatalf("sweep one second before expiry removed %d queues", n)
	}

	clock.Advance(2 * time.Second)
	if n := r.Sweep(clock.Now()); n != 1 {
		t.Fatalf("expected 1 queue swept, got %d", n)
	}
	if !stale.IsClosed() {
		t.Error("swept queue must be closed")
	}
	if _, err := r.Lookup(fresh.ID()); err != nil {
		t.Errorf("fresh queue lost: %v", err)
	}
	if r.CountForUser(1) != 0 {
		t.Error("user index still holds the swept queue")
	}
}

func TestRegistry_ReadsKeepQueueAlive(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(RegistryConfig{DefaultLifespan: time.Minute, Now: clock.Now}, nil)
	q := mustRegister(t, r, 1, 1, Filter{})

	for i := 0; i < 5; i++ {
		clock.Advance(50 * time.Second)
		if _, err := q.ReadSince(context.Background(), 0, 0, 0); err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		r.Sweep(clock.Now())
	}
	if q.IsClosed() {
		t.Fatal("regularly read queue was swept")
	}
}

func TestRegistry_LookupExpiresLazily(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(RegistryConfig{DefaultLifespan: time.Minute, Now: clock.Now}, nil)
	q := mustRegister(t, r, 1, 1, Filter{})

	clock.Advance(2 * time.Minute)
	if _, err := r.Lookup(q.ID()); !errors.Is(err, ErrQueueNotFound) {
		t.Fatalf("expected ErrQueueNotFound for idle queue, got %v", err)
	}
	if r.Len() != 0 {
		t.Fatal("lazily expired queue still registered")
	}
}

func TestRegistry_EvictsLeastRecentlyUsedOverLimit(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(RegistryConfig{MaxQueuesPerUser: 2, Now: clock.Now}, nil)

	first := mustRegister(t, r, 1, 1, Filter{})
	clock.Advance(time.Second)
	second := mustRegister(t, r, 1, 1, Filter{})
	clock.Advance(time.Second)
	first.Touch()
	clock.Advance(time.Second)
	third := mustRegister(t, r, 1, 1, Filter{})

	if r.CountForUser(1) != 2 {
		t.Fatalf("expected 2 queues for user, got %d", r.CountForUser(1))
	}
	if !second.IsClosed() {
		t.Error("least recently used queue was not evicted")
	}
	for _, q := range []*EventQueue{first, third} {
		if _, err := r.Lookup(q.ID()); err != nil {
			t.Errorf("queue %s should survive: %v", q.ID(), err)
		}
	}

	other := mustRegister(t, r, 2, 1, Filter{})
	if other.IsClosed() || r.CountForUser(2) != 1 {
		t.Error("limit must apply per user")
	}
}

func TestRegistry_AbortRemovesPendingQueue(t *testing.T) {
	r := newTestRegistry(nil)
	q, err := r.Register(1, 1, Filter{}, 0)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	r.Abort(q)

	if r.Len() != 0 || !q.IsClosed() {
		t.Fatal("aborted queue still live")
	}
}

func TestRegistry_StartSweeperStops(t *testing.T) {
	r := NewRegistry(RegistryConfig{DefaultLifespan: time.Millisecond}, nil)
	q := mustRegister(t, r, 1, 1, Filter{})

	stop := r.StartSweeper(5 * time.Millisecond)
	defer stop()

	deadline := time.Now().Add(2 * time.Second)
	for !q.IsClosed() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !q.IsClosed() {
		t.Fatal("sweeper did not remove the idle queue")
	}
	stop()
	stop()
}

func TestRegistry_ConcurrentRegisterAndDeregister(t *testing.T) {
	r := NewRegistry(RegistryConfig{MaxQueuesPerUser: 3}, nil)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(user int64) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				q, err := r.Register(user, 1, Filter{}, 0)
				if err != nil {
					t.Errorf("Register: %v", err)
					return
				}
				q.Activate(0)
				if i%2 == 0 {
					_ = r.Deregister(q.ID())
				}
			}
		}(int64(w % 4))
	}
	wg.Wait()

	for user := int64(0); user < 4; user++ {
		if n := r.CountForUser(user); n > 3 {
			t.Errorf("user %d holds %d queues, limit is 3", user, n)
		}
	}
	if len(r.QueuesForRealm(1)) != r.Len() {
		t.Error("realm index out of sync with queue table")
	}
}
