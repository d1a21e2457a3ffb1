package state

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store. A single RWMutex makes every mutation
// atomic and every View consistent.
type MemoryStore struct {
	mu      sync.RWMutex
	version int64

	realms        map[int64]*Realm
	users         map[int64]*User
	streams       map[int64]*Stream
	subscriptions map[int64]map[int64]*Subscription // user -> stream
	messages      []Message                         // ascending id
	userMessages  map[int64]map[int64]*UserMessage  // user -> message
	presences     map[int64]map[string]*Presence    // user -> client

	lastRealmID   int64
	lastUserID    int64
	lastStreamID  int64
	lastMessageID int64

	now func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		realms:        make(map[int64]*Realm),
		users:         make(map[int64]*User),
		streams:       make(map[int64]*Stream),
		subscriptions: make(map[int64]map[int64]*Subscription),
		userMessages:  make(map[int64]map[int64]*UserMessage),
		presences:     make(map[int64]map[string]*Presence),
		now:           time.Now,
	}
}

// View runs fn under the read lock.
func (s *MemoryStore) View(ctx context.Context, fn func(Reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(memoryView{s})
}

// InsertMessage stores a message and delivers it to the stream's active
// subscribers, or to the private recipients, plus the sender.
func (s *MemoryStore) InsertMessage(ctx context.Context, msg NewMessage) (*MessageResult, error) {
	if err := ValidateNewMessage(msg); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sender, ok := s.users[msg.SenderID]
	if !ok || sender.RealmID != msg.RealmID {
		return nil, ErrUserNotFound
	}

	recipients := []int64{sender.ID}
	switch msg.RecipientType {
	case RecipientStream:
		stream, ok := s.streams[msg.StreamID]
		if !ok || stream.RealmID != msg.RealmID {
			return nil, ErrStreamNotFound
		}
		recipients = append(recipients, s.activeSubscribersLocked(stream.ID)...)
	case RecipientPrivate:
		for _, id := range msg.RecipientIDs {
			u, ok := s.users[id]
			if !ok || u.RealmID != msg.RealmID {
				return nil, fmt.Errorf("%w: recipient %d", ErrUserNotFound, id)
			}
		}
		recipients = append(recipients, msg.RecipientIDs...)
		msg.StreamID = 0
	}
	recipients = uniqueIDs(recipients)

	sentAt := msg.SentAt
	if sentAt.IsZero() {
		sentAt = s.now()
	}

	s.lastMessageID++
	stored := Message{
		ID:              s.lastMessageID,
		RealmID:         msg.RealmID,
		SenderID:        msg.SenderID,
		RecipientType:   msg.RecipientType,
		StreamID:        msg.StreamID,
		Subject:         msg.Subject,
		Content:         msg.Content,
		RenderedContent: msg.RenderedContent,
		SentAt:          sentAt,
	}
	s.messages = append(s.messages, stored)

	delivered := make([]UserMessage, 0, len(recipients))
	for _, userID := range recipients {
		um := UserMessage{UserID: userID, MessageID: stored.ID, Flags: []string{}}
		if userID == sender.ID {
			um.Flags = []string{FlagRead}
		}
		if s.userMessages[userID] == nil {
			s.userMessages[userID] = make(map[int64]*UserMessage)
		}
		row := um
		s.userMessages[userID][stored.ID] = &row
		delivered = append(delivered, um)
	}

	s.version++
	return &MessageResult{
		Mutation:   Mutation{Version: s.version, Changed: true},
		Message:    stored,
		Recipients: delivered,
	}, nil
}

// UpdatePointer advances the user's read pointer. Moving it backwards or to
// its current value is a successful no-op.
func (s *MemoryStore) UpdatePointer(ctx context.Context, userID, pointer int64) (Mutation, error) {
	if err := ctx.Err(); err != nil {
		return Mutation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return Mutation{}, ErrUserNotFound
	}
	if pointer <= user.Pointer {
		return Mutation{Version: s.version}, nil
	}
	if _, ok := s.userMessages[userID][pointer]; !ok {
		return Mutation{}, ErrInvalidMessageID
	}

	user.Pointer = pointer
	s.version++
	return Mutation{Version: s.version, Changed: true}, nil
}

// UpdatePresence records the user's status on one client.
func (s *MemoryStore) UpdatePresence(ctx context.Context, userID int64, client, status string, at time.Time) (Mutation, error) {
	if err := ValidatePresenceStatus(status); err != nil {
		return Mutation{}, err
	}
	if err := ctx.Err(); err != nil {
		return Mutation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return Mutation{}, ErrUserNotFound
	}
	if s.presences[userID] == nil {
		s.presences[userID] = make(map[string]*Presence)
	}
	s.presences[userID][client] = &Presence{
		UserID:    userID,
		Email:     user.Email,
		Client:    client,
		Status:    status,
		UpdatedAt: at,
	}

	s.version++
	return Mutation{Version: s.version, Changed: true}, nil
}

// Subscribe activates the user's subscriptions to the given streams.
func (s *MemoryStore) Subscribe(ctx context.Context, userID int64, streamIDs []int64) (*SubscriptionChange, error) {
	return s.setSubscriptions(ctx, userID, streamIDs, true)
}

// Unsubscribe deactivates the user's subscriptions to the given streams.
func (s *MemoryStore) Unsubscribe(ctx context.Context, userID int64, streamIDs []int64) (*SubscriptionChange, error) {
	return s.setSubscriptions(ctx, userID, streamIDs, false)
}

func (s *MemoryStore) setSubscriptions(ctx context.Context, userID int64, streamIDs []int64, active bool) (*SubscriptionChange, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}

	ids := uniqueIDs(streamIDs)
	for _, id := range ids {
		stream, ok := s.streams[id]
		if !ok || stream.RealmID != user.RealmID {
			return nil, fmt.Errorf("%w: %d", ErrStreamNotFound, id)
		}
	}

	change := &SubscriptionChange{Streams: []Stream{}}
	for _, id := range ids {
		current := s.subscriptions[userID][id]
		if current == nil && !active {
			continue
		}
		if current != nil && current.Active == active {
			continue
		}
		if s.subscriptions[userID] == nil {
			s.subscriptions[userID] = make(map[int64]*Subscription)
		}
		s.subscriptions[userID][id] = &Subscription{UserID: userID, StreamID: id, Active: active}
		change.Streams = append(change.Streams, *s.streams[id])
	}

	if len(change.Streams) > 0 {
		s.version++
		change.Changed = true
	}
	change.Version = s.version
	return change, nil
}

// UpdateRealm sets one realm property.
func (s *MemoryStore) UpdateRealm(ctx context.Context, realmID int64, property string, value interface{}) (*RealmChange, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	realm, ok := s.realms[realmID]
	if !ok {
		return nil, ErrRealmNotFound
	}

	updated := *realm
	normalised, changed, err := applyRealmProperty(&updated, property, value)
	if err != nil {
		return nil, err
	}

	change := &RealmChange{Property: property, Value: normalised}
	if changed {
		*realm = updated
		s.version++
		change.Changed = true
	}
	change.Version = s.version
	return change, nil
}

// CreateRealm inserts a realm, assigning its id when zero.
func (s *MemoryStore) CreateRealm(ctx context.Context, realm *Realm) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if realm.ID == 0 {
		realm.ID = s.lastRealmID + 1
	}
	if _, exists := s.realms[realm.ID]; exists {
		return fmt.Errorf("realm %d: %w", realm.ID, ErrAlreadyExists)
	}
	if realm.ID > s.lastRealmID {
		s.lastRealmID = realm.ID
	}

	stored := *realm
	s.realms[realm.ID] = &stored
	s.version++
	return nil
}

// CreateUser inserts a user, assigning its id when zero. A zero pointer is
// stored as -1 (nothing read yet).
func (s *MemoryStore) CreateUser(ctx context.Context, user *User) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.realms[user.RealmID]; !ok {
		return ErrRealmNotFound
	}
	for _, existing := range s.users {
		if existing.RealmID == user.RealmID && strings.EqualFold(existing.Email, user.Email) {
			return fmt.Errorf("user %s: %w", user.Email, ErrAlreadyExists)
		}
	}
	if user.DefaultEventsRegisterStreamID != 0 {
		if _, ok := s.streams[user.DefaultEventsRegisterStreamID]; !ok {
			return ErrStreamNotFound
		}
	}
	if user.ID == 0 {
		user.ID = s.lastUserID + 1
	}
	if _, exists := s.users[user.ID]; exists {
		return fmt.Errorf("user %d: %w", user.ID, ErrAlreadyExists)
	}
	if user.ID > s.lastUserID {
		s.lastUserID = user.ID
	}
	if user.Pointer == 0 {
		user.Pointer = -1
	}

	stored := *user
	s.users[user.ID] = &stored
	s.version++
	return nil
}

// CreateStream inserts a stream, assigning its id when zero.
func (s *MemoryStore) CreateStream(ctx context.Context, stream *Stream) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.realms[stream.RealmID]; !ok {
		return ErrRealmNotFound
	}
	for _, existing := range s.streams {
		if existing.RealmID == stream.RealmID && strings.EqualFold(existing.Name, stream.Name) {
			return fmt.Errorf("stream %s: %w", stream.Name, ErrAlreadyExists)
		}
	}
	if stream.ID == 0 {
		stream.ID = s.lastStreamID + 1
	}
	if _, exists := s.streams[stream.ID]; exists {
		return fmt.Errorf("stream %d: %w", stream.ID, ErrAlreadyExists)
	}
	if stream.ID > s.lastStreamID {
		s.lastStreamID = stream.ID
	}

	stored := *stream
	s.streams[stream.ID] = &stored
	s.version++
	return nil
}

// activeSubscribersLocked returns subscriber ids in ascending order. Must be
// called with lock held.
func (s *MemoryStore) activeSubscribersLocked(streamID int64) []int64 {
	var ids []int64
	for userID, subs := range s.subscriptions {
		if sub, ok := subs[streamID]; ok && sub.Active {
			ids = append(ids, userID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// memoryView reads a MemoryStore whose read lock is held by View.
type memoryView struct {
	s *MemoryStore
}

func (v memoryView) Version() int64 { return v.s.version }

func (v memoryView) User(id int64) (*User, error) {
	u, ok := v.s.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	out := *u
	return &out, nil
}

func (v memoryView) UserByEmail(realmID int64, email string) (*User, error) {
	for _, u := range v.s.users {
		if u.RealmID == realmID && strings.EqualFold(u.Email, email) {
			out := *u
			return &out, nil
		}
	}
	return nil, ErrUserNotFound
}

func (v memoryView) Realm(id int64) (*Realm, error) {
	r, ok := v.s.realms[id]
	if !ok {
		return nil, ErrRealmNotFound
	}
	out := *r
	return &out, nil
}

func (v memoryView) Stream(id int64) (*Stream, error) {
	st, ok := v.s.streams[id]
	if !ok {
		return nil, ErrStreamNotFound
	}
	out := *st
	return &out, nil
}

func (v memoryView) StreamByName(realmID int64, name string) (*Stream, error) {
	for _, st := range v.s.streams {
		if st.RealmID == realmID && strings.EqualFold(st.Name, name) {
			out := *st
			return &out, nil
		}
	}
	return nil, ErrStreamNotFound
}

func (v memoryView) RealmStreams(realmID int64) ([]Stream, error) {
	out := []Stream{}
	for _, st := range v.s.streams {
		if st.RealmID == realmID {
			out = append(out, *st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (v memoryView) Subscriptions(userID int64) ([]Subscription, error) {
	out := []Subscription{}
	for _, sub := range v.s.subscriptions[userID] {
		out = append(out, *sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StreamID < out[j].StreamID })
	return out, nil
}

func (v memoryView) RealmPresences(realmID int64) ([]Presence, error) {
	out := []Presence{}
	for userID, clients := range v.s.presences {
		u, ok := v.s.users[userID]
		if !ok || u.RealmID != realmID {
			continue
		}
		for _, p := range clients {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].Client < out[j].Client
	})
	return out, nil
}

func (v memoryView) MaxMessageID(q MessageQuery) (int64, error) {
	received := v.s.userMessages[q.UserID]
	for i := len(v.s.messages) - 1; i >= 0; i-- {
		m := &v.s.messages[i]
		if q.RealmID != 0 && m.RealmID != q.RealmID {
			continue
		}
		if _, ok := received[m.ID]; !ok && !(q.IncludePublicStreams && v.onPublicStream(m)) {
			continue
		}
		if q.PrivateOnly && m.RecipientType != RecipientPrivate {
			continue
		}
		if q.StreamID != 0 && m.StreamID != q.StreamID {
			continue
		}
		if q.Topic != "" && (m.RecipientType != RecipientStream || !strings.EqualFold(m.Subject, q.Topic)) {
			continue
		}
		if q.SenderID != 0 && m.SenderID != q.SenderID {
			continue
		}
		return m.ID, nil
	}
	return -1, nil
}

func (v memoryView) HasUserMessage(userID, messageID int64) (bool, error) {
	_, ok := v.s.userMessages[userID][messageID]
	return ok, nil
}

func (v memoryView) onPublicStream(m *Message) bool {
	if m.RecipientType != RecipientStream {
		return false
	}
	st, ok := v.s.streams[m.StreamID]
	return ok && !st.InviteOnly
}
