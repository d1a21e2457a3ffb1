// Package actions implements the state-changing operations of the chat
// backend. Each action commits its change to the state store and then
// publishes exactly one event, stamped with the version it committed at.
package actions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/welldanyogia/teamchat-events/internal/events"
	"github.com/welldanyogia/teamchat-events/internal/metrics"
	"github.com/welldanyogia/teamchat-events/internal/sanitizer"
	"github.com/welldanyogia/teamchat-events/internal/snapshot"
	"github.com/welldanyogia/teamchat-events/internal/state"
)

// Service errors
var (
	ErrStreamAccessDenied = errors.New("stream access denied")
	ErrNotRealmAdmin      = errors.New("realm administrator required")
	ErrValidationFailed   = errors.New("validation failed")
)

// Error codes for API responses
const (
	CodeValidationError    = "VALIDATION_ERROR"
	CodeStreamNotFound     = "STREAM_NOT_FOUND"
	CodeUserNotFound       = "USER_NOT_FOUND"
	CodeInvalidMessageID   = "INVALID_MESSAGE_ID"
	CodeInvalidPresence    = "INVALID_PRESENCE"
	CodeInvalidProperty    = "INVALID_REALM_PROPERTY"
	CodeForbidden          = "FORBIDDEN"
	CodeInternalError      = "INTERNAL_ERROR"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeInvalidRequestBody = "INVALID_REQUEST"
)

// Publisher is the event ingress the service writes to.
type Publisher interface {
	Publish(event events.Event, target events.Target) int
}

// Service mutates chat state and reports every change to the event core.
type Service struct {
	store     state.Store
	publisher Publisher
	renderer  sanitizer.MessageRenderer
	logger    *slog.Logger
	now       func() time.Time
}

// ServiceConfig contains configuration for the actions Service
type ServiceConfig struct {
	Store     state.Store
	Publisher Publisher
	Renderer  sanitizer.MessageRenderer // default: markdown with the UGC policy
	Logger    *slog.Logger
	Now       func() time.Time
}

// NewService creates a new actions Service instance
func NewService(cfg ServiceConfig) *Service {
	if cfg.Renderer == nil {
		cfg.Renderer = sanitizer.NewMarkdownRenderer()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Service{
		store:     cfg.Store,
		publisher: cfg.Publisher,
		renderer:  cfg.Renderer,
		logger:    cfg.Logger.With("component", "actions"),
		now:       cfg.Now,
	}
}

// SendMessage stores a stream or private message and publishes it to every
// recipient's queues. Stream messages on public streams also reach queues
// registered with all_public_streams.
func (s *Service) SendMessage(ctx context.Context, senderID int64, req SendMessageRequest) (*SendMessageResponse, error) {
	var (
		sender     *state.User
		stream     *state.Stream
		recipients []state.User
	)
	err := s.store.View(ctx, func(r state.Reader) error {
		var err error
		sender, err = r.User(senderID)
		if err != nil {
			return err
		}
		switch req.Type {
		case events.RecipientStream:
			stream, err = s.resolveStream(r, sender, req.To)
			return err
		case events.RecipientPrivate:
			recipients, err = resolveRecipients(r, sender, req.To)
			return err
		default:
			return fmt.Errorf("%w: unknown message type %q", ErrValidationFailed, req.Type)
		}
	})
	if err != nil {
		s.countMutation("send_message", err)
		return nil, err
	}

	msg := state.NewMessage{
		RealmID:         sender.RealmID,
		SenderID:        sender.ID,
		RecipientType:   req.Type,
		Subject:         strings.TrimSpace(req.Topic),
		Content:         req.Content,
		RenderedContent: s.renderer.Render(req.Content),
		SentAt:          s.now(),
	}
	if stream != nil {
		msg.StreamID = stream.ID
	}
	for _, u := range recipients {
		msg.RecipientIDs = append(msg.RecipientIDs, u.ID)
	}

	res, err := s.store.InsertMessage(ctx, msg)
	s.countMutation("send_message", err)
	if err != nil {
		return nil, err
	}

	payload := events.MessageEvent{
		Message: events.Message{
			ID:              res.Message.ID,
			Type:            res.Message.RecipientType,
			SenderID:        sender.ID,
			SenderEmail:     sender.Email,
			SenderFullName:  sender.FullName,
			StreamID:        res.Message.StreamID,
			Subject:         res.Message.Subject,
			Timestamp:       res.Message.SentAt.Unix(),
			RawContent:      res.Message.Content,
			RenderedContent: res.Message.RenderedContent,
		},
		UserFlags: make(map[int64][]string, len(res.Recipients)),
	}
	userIDs := make([]int64, 0, len(res.Recipients))
	for _, um := range res.Recipients {
		userIDs = append(userIDs, um.UserID)
		payload.UserFlags[um.UserID] = um.Flags
	}

	var target events.Target
	if stream != nil {
		payload.Message.DisplayRecipient = stream.Name
		target = events.ToStream(sender.RealmID, stream.ID, userIDs, !stream.InviteOnly)
	} else {
		payload.Message.DisplayRecipient = displayRecipients(*sender, recipients)
		target = events.ToUsers(userIDs...)
	}

	delivered := s.publisher.Publish(events.NewEvent(payload, res.Version), target)

	s.logger.Info("message sent",
		"message_id", res.Message.ID,
		"sender_id", sender.ID,
		"type", req.Type,
		"recipients", len(userIDs),
		"queues", delivered)

	return &SendMessageResponse{ID: res.Message.ID}, nil
}

// Pointer returns the user's read pointer, or -1 when it was never set.
func (s *Service) Pointer(ctx context.Context, userID int64) (int64, error) {
	var pointer int64
	err := s.store.View(ctx, func(r state.Reader) error {
		user, err := r.User(userID)
		if err != nil {
			return err
		}
		pointer = user.Pointer
		return nil
	})
	return pointer, err
}

// UpdatePointer advances the user's read pointer. Only an actual advance is
// published; moving backwards succeeds silently.
func (s *Service) UpdatePointer(ctx context.Context, userID, pointer int64) error {
	m, err := s.store.UpdatePointer(ctx, userID, pointer)
	s.countMutation("update_pointer", err)
	if err != nil {
		return err
	}
	if !m.Changed {
		return nil
	}

	s.publisher.Publish(events.NewEvent(events.PointerEvent{Pointer: pointer}, m.Version), events.ToUsers(userID))
	s.logger.Debug("pointer updated", "user_id", userID, "pointer", pointer)
	return nil
}

// UpdatePresence records the user's status on one client and tells the realm.
func (s *Service) UpdatePresence(ctx context.Context, userID int64, req PresenceRequest) error {
	var user *state.User
	err := s.store.View(ctx, func(r state.Reader) error {
		var err error
		user, err = r.User(userID)
		return err
	})
	if err != nil {
		return err
	}

	at := s.now()
	m, err := s.store.UpdatePresence(ctx, userID, req.Client, req.Status, at)
	s.countMutation("update_presence", err)
	if err != nil {
		return err
	}

	payload := events.PresenceEvent{
		UserID:          user.ID,
		Email:           user.Email,
		ServerTimestamp: float64(at.UnixNano()) / 1e9,
		Presence: map[string]events.ClientPresence{
			req.Client: {Status: req.Status, Timestamp: at.Unix(), Client: req.Client},
		},
	}
	s.publisher.Publish(events.NewEvent(payload, m.Version), events.ToRealm(user.RealmID))
	return nil
}

// Subscribe adds the user to the named streams. Invite-only streams require a
// realm administrator.
func (s *Service) Subscribe(ctx context.Context, userID int64, streamNames []string) (*SubscriptionResponse, error) {
	return s.changeSubscriptions(ctx, userID, streamNames, true)
}

// Unsubscribe removes the user from the named streams.
func (s *Service) Unsubscribe(ctx context.Context, userID int64, streamNames []string) (*SubscriptionResponse, error) {
	return s.changeSubscriptions(ctx, userID, streamNames, false)
}

func (s *Service) changeSubscriptions(ctx context.Context, userID int64, streamNames []string, subscribe bool) (*SubscriptionResponse, error) {
	action, op := "unsubscribe", events.OpRemove
	if subscribe {
		action, op = "subscribe", events.OpAdd
	}

	var ids []int64
	err := s.store.View(ctx, func(r state.Reader) error {
		user, err := r.User(userID)
		if err != nil {
			return err
		}
		for _, name := range streamNames {
			stream, err := r.StreamByName(user.RealmID, strings.TrimSpace(name))
			if err != nil {
				return fmt.Errorf("%q: %w", name, err)
			}
			if subscribe && stream.InviteOnly && !user.IsAdmin {
				return fmt.Errorf("%w: %q", ErrStreamAccessDenied, stream.Name)
			}
			ids = append(ids, stream.ID)
		}
		return nil
	})
	if err != nil {
		s.countMutation(action, err)
		return nil, err
	}

	var change *state.SubscriptionChange
	if subscribe {
		change, err = s.store.Subscribe(ctx, userID, ids)
	} else {
		change, err = s.store.Unsubscribe(ctx, userID, ids)
	}
	s.countMutation(action, err)
	if err != nil {
		return nil, err
	}

	resp := &SubscriptionResponse{Changed: []string{}}
	if !change.Changed {
		return resp, nil
	}

	infos := make([]events.StreamInfo, 0, len(change.Streams))
	for _, st := range change.Streams {
		infos = append(infos, snapshot.StreamInfo(st))
		resp.Changed = append(resp.Changed, st.Name)
	}
	payload := events.SubscriptionEvent{Op: op, Subscriptions: infos}
	s.publisher.Publish(events.NewEvent(payload, change.Version), events.ToUsers(userID))

	s.logger.Info("subscriptions changed", "user_id", userID, "op", op, "streams", resp.Changed)
	return resp, nil
}

// UpdateRealm sets one realm property. Only realm administrators may do so.
func (s *Service) UpdateRealm(ctx context.Context, userID int64, req RealmUpdateRequest) error {
	var user *state.User
	err := s.store.View(ctx, func(r state.Reader) error {
		var err error
		user, err = r.User(userID)
		return err
	})
	if err != nil {
		return err
	}
	if !user.IsAdmin {
		s.countMutation("update_realm", ErrNotRealmAdmin)
		return ErrNotRealmAdmin
	}

	change, err := s.store.UpdateRealm(ctx, user.RealmID, req.Property, req.Value)
	s.countMutation("update_realm", err)
	if err != nil {
		return err
	}
	if !change.Changed {
		return nil
	}

	payload := events.RealmEvent{Op: events.OpUpdate, Property: change.Property, Value: change.Value}
	s.publisher.Publish(events.NewEvent(payload, change.Version), events.ToRealm(user.RealmID))

	s.logger.Info("realm updated", "realm_id", user.RealmID, "property", change.Property, "by", userID)
	return nil
}

// resolveStream finds the target stream by name. Senders who are not
// subscribed to an invite-only stream cannot tell it exists.
func (s *Service) resolveStream(r state.Reader, sender *state.User, to []string) (*state.Stream, error) {
	if len(to) != 1 {
		return nil, fmt.Errorf("%w: stream messages need exactly one stream", ErrValidationFailed)
	}
	stream, err := r.StreamByName(sender.RealmID, strings.TrimSpace(to[0]))
	if err != nil {
		return nil, err
	}
	if !stream.InviteOnly {
		return stream, nil
	}

	subs, err := r.Subscriptions(sender.ID)
	if err != nil {
		return nil, err
	}
	for _, sub := range subs {
		if sub.StreamID == stream.ID && sub.Active {
			return stream, nil
		}
	}
	return nil, state.ErrStreamNotFound
}

// resolveRecipients maps emails to realm members, dropping the sender and duplicates.
func resolveRecipients(r state.Reader, sender *state.User, emails []string) ([]state.User, error) {
	seen := map[int64]bool{sender.ID: true}
	out := []state.User{}
	for _, email := range emails {
		u, err := r.UserByEmail(sender.RealmID, strings.TrimSpace(email))
		if err != nil {
			return nil, fmt.Errorf("%q: %w", email, err)
		}
		if seen[u.ID] {
			continue
		}
		seen[u.ID] = true
		out = append(out, *u)
	}
	if len(out) == 0 {
		// a note to self
		out = append(out, *sender)
	}
	return out, nil
}

func displayRecipients(sender state.User, recipients []state.User) []events.PrivateRecipient {
	all := append([]state.User{sender}, recipients...)
	seen := make(map[int64]bool, len(all))
	out := make([]events.PrivateRecipient, 0, len(all))
	for _, u := range all {
		if seen[u.ID] {
			continue
		}
		seen[u.ID] = true
		out = append(out, events.PrivateRecipient{ID: u.ID, Email: u.Email, FullName: u.FullName})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Service) countMutation(action string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.StateMutations.WithLabelValues(action, result).Inc()
}
