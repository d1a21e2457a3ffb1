package state

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pgregory.net/rapid"
)

type fixture struct {
	store   *MemoryStore
	realm   *Realm
	alice   *User
	bob     *User
	carol   *User
	general *Stream
	secret  *Stream
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{store: NewMemoryStore()}

	f.realm = &Realm{Name: "Acme", AllowMessageEditing: true, MessageContentEditLimitSeconds: 600}
	mustDo(t, f.store.CreateRealm(ctx, f.realm))

	f.general = &Stream{RealmID: f.realm.ID, Name: "general"}
	f.secret = &Stream{RealmID: f.realm.ID, Name: "secret", InviteOnly: true}
	mustDo(t, f.store.CreateStream(ctx, f.general))
	mustDo(t, f.store.CreateStream(ctx, f.secret))

	f.alice = &User{RealmID: f.realm.ID, Email: "alice@acme.test", FullName: "Alice"}
	f.bob = &User{RealmID: f.realm.ID, Email: "bob@acme.test", FullName: "Bob"}
	f.carol = &User{RealmID: f.realm.ID, Email: "carol@acme.test", FullName: "Carol"}
	for _, u := range []*User{f.alice, f.bob, f.carol} {
		mustDo(t, f.store.CreateUser(ctx, u))
	}

	_, err := f.store.Subscribe(ctx, f.alice.ID, []int64{f.general.ID, f.secret.ID})
	mustDo(t, err)
	_, err = f.store.Subscribe(ctx, f.bob.ID, []int64{f.general.ID})
	mustDo(t, err)
	return f
}

func mustDo(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func (f *fixture) send(t *testing.T, sender *User, stream *Stream, topic string) *MessageResult {
	t.Helper()
	res, err := f.store.InsertMessage(context.Background(), NewMessage{
		RealmID:       f.realm.ID,
		SenderID:      sender.ID,
		RecipientType: RecipientStream,
		StreamID:      stream.ID,
		Subject:       topic,
		Content:       "hello",
	})
	mustDo(t, err)
	return res
}

func TestMemoryStore_CreateUserDefaultsPointer(t *testing.T) {
	f := newFixture(t)
	if f.alice.Pointer != -1 {
		t.Fatalf("expected pointer -1, got %d", f.alice.Pointer)
	}

	dup := &User{RealmID: f.realm.ID, Email: "ALICE@acme.test"}
	if err := f.store.CreateUser(context.Background(), dup); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists for duplicate email, got %v", err)
	}
}

func TestMemoryStore_InsertStreamMessageDeliversToSubscribers(t *testing.T) {
	f := newFixture(t)
	res := f.send(t, f.carol, f.general, "lunch")

	got := map[int64][]string{}
	for _, r := range res.Recipients {
		got[r.UserID] = r.Flags
	}
	if len(got) != 3 {
		t.Fatalf("expected sender and two subscribers, got %v", got)
	}
	if flags := got[f.carol.ID]; len(flags) != 1 || flags[0] != FlagRead {
		t.Errorf("sender must get the read flag, got %v", flags)
	}
	if flags := got[f.bob.ID]; len(flags) != 0 {
		t.Errorf("recipient must start unread, got %v", flags)
	}
	if !res.Changed || res.Version == 0 {
		t.Errorf("expected a committed mutation, got %+v", res.Mutation)
	}
}

func TestMemoryStore_InsertMessageValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []NewMessage{
		{RealmID: f.realm.ID, SenderID: f.alice.ID, RecipientType: RecipientStream, StreamID: f.general.ID, Content: "no topic"},
		{RealmID: f.realm.ID, SenderID: f.alice.ID, RecipientType: RecipientPrivate, Content: "nobody"},
		{RealmID: f.realm.ID, SenderID: f.alice.ID, RecipientType: "broadcast", Content: "x"},
		{RealmID: f.realm.ID, SenderID: f.alice.ID, RecipientType: RecipientStream, StreamID: f.general.ID, Subject: "t", Content: "  "},
	}
	for i, msg := range cases {
		if _, err := f.store.InsertMessage(ctx, msg); !errors.Is(err, ErrInvalidMessage) {
			t.Errorf("case %d: expected ErrInvalidMessage, got %v", i, err)
		}
	}

	_, err := f.store.InsertMessage(ctx, NewMessage{
		RealmID: f.realm.ID, SenderID: f.alice.ID, RecipientType: RecipientPrivate,
		RecipientIDs: []int64{999}, Content: "hi",
	})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown recipient: expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_UpdatePointer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.send(t, f.alice, f.general, "a")
	second := f.send(t, f.alice, f.general, "b")
	foreign := f.send(t, f.alice, f.secret, "c")

	m, err := f.store.UpdatePointer(ctx, f.bob.ID, second.Message.ID)
	mustDo(t, err)
	if !m.Changed {
		t.Fatal("advancing pointer must change state")
	}

	back, err := f.store.UpdatePointer(ctx, f.bob.ID, first.Message.ID)
	mustDo(t, err)
	if back.Changed || back.Version != m.Version {
		t.Fatalf("moving pointer back must be a no-op, got %+v", back)
	}

	if _, err := f.store.UpdatePointer(ctx, f.bob.ID, foreign.Message.ID); !errors.Is(err, ErrInvalidMessageID) {
		t.Fatalf("pointer to an unreceived message: expected ErrInvalidMessageID, got %v", err)
	}

	f.store.View(ctx, func(r Reader) error {
		u, _ := r.User(f.bob.ID)
		if u.Pointer != second.Message.ID {
			t.Errorf("expected pointer %d, got %d", second.Message.ID, u.Pointer)
		}
		return nil
	})
}

func TestMemoryStore_UpdatePresenceRejectsUnknownStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.store.UpdatePresence(ctx, f.alice.ID, "website", "away", time.Now()); !errors.Is(err, ErrInvalidPresence) {
		t.Fatalf("expected ErrInvalidPresence, got %v", err)
	}
	_, err := f.store.UpdatePresence(ctx, f.alice.ID, "website", PresenceIdle, time.Now())
	mustDo(t, err)

	f.store.View(ctx, func(r Reader) error {
		presences, _ := r.RealmPresences(f.realm.ID)
		if len(presences) != 1 || presences[0].Email != f.alice.Email || presences[0].Status != PresenceIdle {
			t.Errorf("unexpected presences %+v", presences)
		}
		return nil
	})
}

func TestMemoryStore_SubscribeReportsOnlyChanges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	change, err := f.store.Subscribe(ctx, f.bob.ID, []int64{f.general.ID, f.secret.ID, f.secret.ID})
	mustDo(t, err)
	if len(change.Streams) != 1 || change.Streams[0].ID != f.secret.ID {
		t.Fatalf("expected only the new stream, got %+v", change.Streams)
	}

	change, err = f.store.Unsubscribe(ctx, f.carol.ID, []int64{f.general.ID})
	mustDo(t, err)
	if change.Changed || len(change.Streams) != 0 {
		t.Fatalf("unsubscribing a non-subscriber must be a no-op, got %+v", change)
	}

	change, err = f.store.Unsubscribe(ctx, f.bob.ID, []int64{f.general.ID})
	mustDo(t, err)
	if !change.Changed {
		t.Fatal("unsubscribe did not change state")
	}

	f.store.View(ctx, func(r Reader) error {
		subs, _ := r.Subscriptions(f.bob.ID)
		if len(subs) != 2 || subs[0].Active || !subs[1].Active {
			t.Errorf("unexpected subscriptions %+v", subs)
		}
		return nil
	})

	if _, err := f.store.Subscribe(ctx, f.bob.ID, []int64{404}); !errors.Is(err, ErrStreamNotFound) {
		t.Fatalf("expected ErrStreamNotFound, got %v", err)
	}
}

func TestMemoryStore_UpdateRealm(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	change, err := f.store.UpdateRealm(ctx, f.realm.ID, RealmPropertyMessageContentEditLimitSeconds, float64(120))
	mustDo(t, err)
	if !change.Changed || change.Value != 120 {
		t.Fatalf("unexpected change %+v", change)
	}

	same, err := f.store.UpdateRealm(ctx, f.realm.ID, RealmPropertyAllowMessageEditing, true)
	mustDo(t, err)
	if same.Changed {
		t.Fatal("setting an unchanged value must not bump the version")
	}

	invalid := []struct {
		property string
		value    interface{}
	}{
		{"color", "red"},
		{RealmPropertyInviteRequired, "yes"},
		{RealmPropertyName, ""},
		{RealmPropertyMessageContentEditLimitSeconds, 1.5},
	}
	for _, tt := range invalid {
		if _, err := f.store.UpdateRealm(ctx, f.realm.ID, tt.property, tt.value); !errors.Is(err, ErrInvalidRealmProperty) {
			t.Errorf("%s=%v: expected ErrInvalidRealmProperty, got %v", tt.property, tt.value, err)
		}
	}
}

func TestMemoryStore_MaxMessageID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.store.View(ctx, func(r Reader) error {
		id, _ := r.MaxMessageID(MessageQuery{UserID: f.carol.ID, RealmID: f.realm.ID})
		if id != -1 {
			t.Errorf("expected -1 before any message, got %d", id)
		}
		return nil
	})

	onGeneral := f.send(t, f.alice, f.general, "lunch")
	onSecret := f.send(t, f.alice, f.secret, "plans")

	f.store.View(ctx, func(r Reader) error {
		checks := []struct {
			name  string
			query MessageQuery
			want  int64
		}{
			{"received", MessageQuery{UserID: f.alice.ID, RealmID: f.realm.ID}, onSecret.Message.ID},
			{"narrowed to stream", MessageQuery{UserID: f.alice.ID, RealmID: f.realm.ID, StreamID: f.general.ID}, onGeneral.Message.ID},
			{"topic", MessageQuery{UserID: f.alice.ID, RealmID: f.realm.ID, Topic: "LUNCH"}, onGeneral.Message.ID},
			{"not received", MessageQuery{UserID: f.carol.ID, RealmID: f.realm.ID}, -1},
			{"public streams", MessageQuery{UserID: f.carol.ID, RealmID: f.realm.ID, IncludePublicStreams: true}, onGeneral.Message.ID},
			{"private only", MessageQuery{UserID: f.alice.ID, RealmID: f.realm.ID, PrivateOnly: true}, -1},
		}
		for _, c := range checks {
			got, err := r.MaxMessageID(c.query)
			if err != nil {
				t.Fatalf("%s: %v", c.name, err)
			}
			if got != c.want {
				t.Errorf("%s: expected %d, got %d", c.name, c.want, got)
			}
		}
		return nil
	})
}

// Every committed mutation advances the version by exactly one; no-ops leave it alone.
func TestProperty_VersionAdvancesPerCommittedMutation(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		store := NewMemoryStore()
		realm := &Realm{Name: "r"}
		store.CreateRealm(ctx, realm)
		user := &User{RealmID: realm.ID, Email: "u@r.test"}
		store.CreateUser(ctx, user)
		stream := &Stream{RealmID: realm.ID, Name: "s"}
		store.CreateStream(ctx, stream)

		version := func() int64 {
			var v int64
			store.View(ctx, func(r Reader) error { v = r.Version(); return nil })
			return v
		}

		ops := rapid.SliceOfN(rapid.IntRange(0, 3), 1, 30).Draw(t, "ops")
		for _, op := range ops {
			before := version()
			var m Mutation
			switch op {
			case 0:
				c, err := store.Subscribe(ctx, user.ID, []int64{stream.ID})
				if err != nil {
					t.Fatalf("subscribe: %v", err)
				}
				m = c.Mutation
			case 1:
				c, err := store.Unsubscribe(ctx, user.ID, []int64{stream.ID})
				if err != nil {
					t.Fatalf("unsubscribe: %v", err)
				}
				m = c.Mutation
			case 2:
				res, err := store.InsertMessage(ctx, NewMessage{
					RealmID: realm.ID, SenderID: user.ID, RecipientType: RecipientStream,
					StreamID: stream.ID, Subject: "t", Content: "c",
				})
				if err != nil {
					t.Fatalf("insert: %v", err)
				}
				m = res.Mutation
			case 3:
				var err error
				m, err = store.UpdatePresence(ctx, user.ID, "web", PresenceActive, time.Now())
				if err != nil {
					t.Fatalf("presence: %v", err)
				}
			}

			after := version()
			if m.Changed && (after != before+1 || m.Version != after) {
				t.Fatalf("op %d: committed at %d, version %d -> %d", op, m.Version, before, after)
			}
			if !m.Changed && (after != before || m.Version != before) {
				t.Fatalf("op %d: no-op moved version %d -> %d", op, before, after)
			}
		}
	})
}

func TestMemoryStore_ViewIsConsistentUnderWrites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			f.send(t, f.alice, f.general, "load")
		}
	}()

	for i := 0; i < 50; i++ {
		f.store.View(ctx, func(r Reader) error {
			v1 := r.Version()
			max1, _ := r.MaxMessageID(MessageQuery{UserID: f.alice.ID, RealmID: f.realm.ID})
			time.Sleep(100 * time.Microsecond)
			max2, _ := r.MaxMessageID(MessageQuery{UserID: f.alice.ID, RealmID: f.realm.ID})
			if r.Version() != v1 || max1 != max2 {
				t.Errorf("view changed underneath: version %d->%d, max %d->%d", v1, r.Version(), max1, max2)
			}
			return nil
		})
	}
	wg.Wait()
}

func TestMemoryStore_ViewHonoursCancelledContext(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := store.View(ctx, func(Reader) error { called = true; return nil })
	if !errors.Is(err, context.Canceled) || called {
		t.Fatalf("expected cancellation before fn runs, got %v (called=%v)", err, called)
	}
}
