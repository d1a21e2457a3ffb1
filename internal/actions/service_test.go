package actions

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/welldanyogia/teamchat-events/internal/events"
	"github.com/welldanyogia/teamchat-events/internal/state"
	"pgregory.net/rapid"
)

type fixture struct {
	store    *state.MemoryStore
	registry *events.Registry
	service  *Service

	realm, other      *state.Realm
	alice, bob, carol *state.User
	outsider          *state.User
	general, secret   *state.Stream
}

// testingT is satisfied by both *testing.T and *rapid.T.
type testingT interface {
	Helper()
	Fatalf(format string, args ...interface{})
}

func newFixture(t testingT) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{store: state.NewMemoryStore()}
	f.registry = events.NewRegistry(events.DefaultRegistryConfig(), nil)
	f.service = NewService(ServiceConfig{
		Store:     f.store,
		Publisher: events.NewDispatcher(f.registry, nil),
		Now:       func() time.Time { return time.Unix(1700000000, 0) },
	})

	f.realm = &state.Realm{Name: "Acme"}
	f.other = &state.Realm{Name: "Globex"}
	must(t, f.store.CreateRealm(ctx, f.realm))
	must(t, f.store.CreateRealm(ctx, f.other))

	f.general = &state.Stream{RealmID: f.realm.ID, Name: "general"}
	f.secret = &state.Stream{RealmID: f.realm.ID, Name: "secret", InviteOnly: true}
	must(t, f.store.CreateStream(ctx, f.general))
	must(t, f.store.CreateStream(ctx, f.secret))

	f.alice = &state.User{RealmID: f.realm.ID, Email: "alice@acme.test", FullName: "Alice", IsAdmin: true}
	f.bob = &state.User{RealmID: f.realm.ID, Email: "bob@acme.test", FullName: "Bob"}
	f.carol = &state.User{RealmID: f.realm.ID, Email: "carol@acme.test", FullName: "Carol"}
	f.outsider = &state.User{RealmID: f.other.ID, Email: "olga@globex.test", FullName: "Olga"}
	for _, u := range []*state.User{f.alice, f.bob, f.carol, f.outsider} {
		must(t, f.store.CreateUser(ctx, u))
	}

	_, err := f.store.Subscribe(ctx, f.alice.ID, []int64{f.general.ID})
	must(t, err)
	_, err = f.store.Subscribe(ctx, f.bob.ID, []int64{f.general.ID, f.secret.ID})
	must(t, err)
	return f
}

func must(t testingT, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// open registers an already active queue for user.
func (f *fixture) open(t testingT, user *state.User, filter events.Filter) *events.EventQueue {
	t.Helper()
	q, err := f.registry.Register(user.ID, user.RealmID, filter, 0)
	must(t, err)
	q.Activate(0)
	return q
}

func read(t testingT, q *events.EventQueue) []events.Event {
	t.Helper()
	evs, err := q.ReadSince(context.Background(), 0, 0, 100)
	must(t, err)
	return evs
}

func onlyMessage(t testingT, q *events.EventQueue) events.MessageEvent {
	t.Helper()
	evs := read(t, q)
	if len(evs) != 1 {
		t.Fatalf("expected one event, got %d", len(evs))
	}
	msg, ok := evs[0].Payload.(events.MessageEvent)
	if !ok {
		t.Fatalf("expected a message event, got %T", evs[0].Payload)
	}
	return msg
}

func TestSendMessage_StreamReachesSubscribersOnly(t *testing.T) {
	f := newFixture(t)
	aliceQ := f.open(t, f.alice, events.Filter{ApplyMarkdown: true})
	bobQ := f.open(t, f.bob, events.Filter{})
	carolQ := f.open(t, f.carol, events.Filter{})

	resp, err := f.service.SendMessage(context.Background(), f.alice.ID, SendMessageRequest{
		Type:    "stream",
		To:      []string{"general"},
		Topic:   "lunch",
		Content: "**pizza**",
	})
	must(t, err)

	mine := onlyMessage(t, aliceQ)
	if mine.Message.ID != resp.ID || mine.Message.DisplayRecipient != "general" {
		t.Errorf("unexpected message %+v", mine.Message)
	}
	if !reflect.DeepEqual(mine.Flags, []string{events.MessageFlagRead}) {
		t.Errorf("sender should see the read flag, got %v", mine.Flags)
	}
	if mine.Message.ContentType != events.ContentTypeHTML || mine.Message.Content != "<p><strong>pizza</strong></p>" {
		t.Errorf("expected rendered content, got %q (%s)", mine.Message.Content, mine.Message.ContentType)
	}

	theirs := onlyMessage(t, bobQ)
	if len(theirs.Flags) != 0 {
		t.Errorf("recipient flags should be empty, got %v", theirs.Flags)
	}
	if theirs.Message.Content != "**pizza**" || theirs.Message.ContentType != events.ContentTypeMarkdown {
		t.Errorf("expected raw content, got %q", theirs.Message.Content)
	}

	if n := len(read(t, carolQ)); n != 0 {
		t.Errorf("non-subscriber received %d events", n)
	}
}

func TestSendMessage_AllPublicStreams(t *testing.T) {
	f := newFixture(t)
	carolQ := f.open(t, f.carol, events.Filter{AllPublicStreams: true})

	_, err := f.service.SendMessage(context.Background(), f.alice.ID, SendMessageRequest{
		Type: "stream", To: []string{"general"}, Topic: "t", Content: "public",
	})
	must(t, err)
	_, err = f.service.SendMessage(context.Background(), f.bob.ID, SendMessageRequest{
		Type: "stream", To: []string{"secret"}, Topic: "t", Content: "private",
	})
	must(t, err)

	msg := onlyMessage(t, carolQ)
	if msg.Message.Content != "public" {
		t.Errorf("all_public_streams must not leak invite-only traffic, got %q", msg.Message.Content)
	}
}

func TestSendMessage_InviteOnlyStreamIsHiddenFromNonSubscribers(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.SendMessage(context.Background(), f.carol.ID, SendMessageRequest{
		Type: "stream", To: []string{"secret"}, Topic: "t", Content: "hi",
	})
	if !errors.Is(err, state.ErrStreamNotFound) {
		t.Fatalf("expected stream not found, got %v", err)
	}
}

func TestSendMessage_Private(t *testing.T) {
	f := newFixture(t)
	bobQ := f.open(t, f.bob, events.Filter{})
	carolQ := f.open(t, f.carol, events.Filter{})

	_, err := f.service.SendMessage(context.Background(), f.carol.ID, SendMessageRequest{
		Type:    "private",
		To:      []string{"bob@acme.test", "carol@acme.test"},
		Content: "psst",
	})
	must(t, err)

	msg := onlyMessage(t, bobQ)
	want := []events.PrivateRecipient{
		{ID: f.bob.ID, Email: f.bob.Email, FullName: "Bob"},
		{ID: f.carol.ID, Email: f.carol.Email, FullName: "Carol"},
	}
	if !reflect.DeepEqual(msg.Message.DisplayRecipient, want) {
		t.Errorf("unexpected recipients %+v", msg.Message.DisplayRecipient)
	}
	if len(read(t, carolQ)) != 1 {
		t.Error("sender should receive their own private message")
	}

	_, err = f.service.SendMessage(context.Background(), f.carol.ID, SendMessageRequest{
		Type: "private", To: []string{"olga@globex.test"}, Content: "hi",
	})
	if !errors.Is(err, state.ErrUserNotFound) {
		t.Fatalf("users of other realms must not resolve, got %v", err)
	}
}

func TestUpdatePointer_PublishesOnlyAdvances(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.service.SendMessage(ctx, f.alice.ID, SendMessageRequest{Type: "stream", To: []string{"general"}, Topic: "t", Content: "1"})
	must(t, err)
	second, err := f.service.SendMessage(ctx, f.alice.ID, SendMessageRequest{Type: "stream", To: []string{"general"}, Topic: "t", Content: "2"})
	must(t, err)

	q := f.open(t, f.bob, events.Filter{EventTypes: []string{events.EventTypePointer}})

	must(t, f.service.UpdatePointer(ctx, f.bob.ID, second.ID))
	must(t, f.service.UpdatePointer(ctx, f.bob.ID, first.ID))

	evs := read(t, q)
	if len(evs) != 1 || evs[0].Payload != (events.PointerEvent{Pointer: second.ID}) {
		t.Fatalf("expected one pointer event, got %+v", evs)
	}
	if p, _ := f.service.Pointer(ctx, f.bob.ID); p != second.ID {
		t.Errorf("pointer moved backwards to %d", p)
	}

	if err := f.service.UpdatePointer(ctx, f.bob.ID, second.ID+100); !errors.Is(err, state.ErrInvalidMessageID) {
		t.Errorf("expected invalid message id, got %v", err)
	}
}

func TestUpdatePresence_ReachesWholeRealm(t *testing.T) {
	f := newFixture(t)
	carolQ := f.open(t, f.carol, events.Filter{})
	olgaQ := f.open(t, f.outsider, events.Filter{})

	must(t, f.service.UpdatePresence(context.Background(), f.bob.ID, PresenceRequest{Status: "idle", Client: "website"}))

	evs := read(t, carolQ)
	if len(evs) != 1 {
		t.Fatalf("expected one presence event, got %d", len(evs))
	}
	p := evs[0].Payload.(events.PresenceEvent)
	if p.Email != f.bob.Email || p.Presence["website"].Status != "idle" {
		t.Errorf("unexpected presence %+v", p)
	}
	if len(read(t, olgaQ)) != 0 {
		t.Error("presence leaked to another realm")
	}

	err := f.service.UpdatePresence(context.Background(), f.bob.ID, PresenceRequest{Status: "away", Client: "website"})
	if !errors.Is(err, state.ErrInvalidPresence) {
		t.Errorf("expected invalid presence, got %v", err)
	}
}

func TestSubscriptions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := f.open(t, f.carol, events.Filter{EventTypes: []string{events.EventTypeSubscription}})

	resp, err := f.service.Subscribe(ctx, f.carol.ID, []string{"general"})
	must(t, err)
	if !reflect.DeepEqual(resp.Changed, []string{"general"}) {
		t.Errorf("unexpected change %v", resp.Changed)
	}
	resp, err = f.service.Subscribe(ctx, f.carol.ID, []string{"general"})
	must(t, err)
	if len(resp.Changed) != 0 {
		t.Errorf("repeat subscribe changed %v", resp.Changed)
	}

	_, err = f.service.Subscribe(ctx, f.carol.ID, []string{"secret"})
	if !errors.Is(err, ErrStreamAccessDenied) {
		t.Errorf("expected access denied, got %v", err)
	}
	_, err = f.service.Subscribe(ctx, f.carol.ID, []string{"nope"})
	if !errors.Is(err, state.ErrStreamNotFound) {
		t.Errorf("expected stream not found, got %v", err)
	}

	_, err = f.service.Unsubscribe(ctx, f.carol.ID, []string{"general"})
	must(t, err)

	evs := read(t, q)
	if len(evs) != 2 {
		t.Fatalf("expected add and remove, got %d events", len(evs))
	}
	add := evs[0].Payload.(events.SubscriptionEvent)
	remove := evs[1].Payload.(events.SubscriptionEvent)
	if add.Op != events.OpAdd || remove.Op != events.OpRemove || add.Subscriptions[0].Name != "general" {
		t.Errorf("unexpected events %+v %+v", add, remove)
	}
}

func TestUpdateRealm(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := f.open(t, f.bob, events.Filter{EventTypes: []string{events.EventTypeRealm}})

	err := f.service.UpdateRealm(ctx, f.bob.ID, RealmUpdateRequest{Property: "name", Value: "Evil"})
	if !errors.Is(err, ErrNotRealmAdmin) {
		t.Fatalf("expected admin check, got %v", err)
	}

	must(t, f.service.UpdateRealm(ctx, f.alice.ID, RealmUpdateRequest{Property: "name", Value: "Acme Corp"}))
	must(t, f.service.UpdateRealm(ctx, f.alice.ID, RealmUpdateRequest{Property: "name", Value: "Acme Corp"}))

	evs := read(t, q)
	if len(evs) != 1 {
		t.Fatalf("expected one realm event, got %d", len(evs))
	}
	if got := evs[0].Payload.(events.RealmEvent); got.Property != "name" || got.Value != "Acme Corp" {
		t.Errorf("unexpected realm event %+v", got)
	}

	err = f.service.UpdateRealm(ctx, f.alice.ID, RealmUpdateRequest{Property: "colour", Value: "red"})
	if !errors.Is(err, state.ErrInvalidRealmProperty) {
		t.Errorf("expected invalid property, got %v", err)
	}
}

// Every published event carries the version its mutation committed at, so
// versions seen by one queue only ever grow.
func TestProperty_PublishedVersionsIncrease(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		f := newFixture(rt)
		ctx := context.Background()
		q := f.open(rt, f.bob, events.Filter{})

		steps := rapid.IntRange(1, 30).Draw(rt, "steps")
		var lastID int64
		for i := 0; i < steps; i++ {
			switch rapid.IntRange(0, 2).Draw(rt, "action") {
			case 0:
				resp, err := f.service.SendMessage(ctx, f.alice.ID, SendMessageRequest{
					Type: "stream", To: []string{"general"}, Topic: "t", Content: "x",
				})
				if err != nil {
					rt.Fatalf("send: %v", err)
				}
				lastID = resp.ID
			case 1:
				if lastID > 0 {
					if err := f.service.UpdatePointer(ctx, f.bob.ID, lastID); err != nil {
						rt.Fatalf("pointer: %v", err)
					}
				}
			case 2:
				status := rapid.SampledFrom([]string{"active", "idle"}).Draw(rt, "status")
				if err := f.service.UpdatePresence(ctx, f.carol.ID, PresenceRequest{Status: status, Client: "web"}); err != nil {
					rt.Fatalf("presence: %v", err)
				}
			}
		}

		var prev int64
		for _, e := range read(rt, q) {
			if e.StateVersion <= prev {
				rt.Fatalf("version %d after %d", e.StateVersion, prev)
			}
			prev = e.StateVersion
		}
	})
}
