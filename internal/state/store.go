// Package state holds the chat domain state the event core snapshots and
// reports changes to: realms, users, streams, subscriptions, messages, pointers
// and presence.
//
// Every mutation commits atomically and advances a single store-wide version.
// Events produced by a mutation carry that version, and a snapshot taken
// through View reports the version it reflects, so a queue registered around a
// snapshot can tell which events the snapshot already contains.
package state

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"
)

// Reader is a read-consistent view of the state at one version.
type Reader interface {
	Version() int64

	User(id int64) (*User, error)
	UserByEmail(realmID int64, email string) (*User, error)
	Realm(id int64) (*Realm, error)
	Stream(id int64) (*Stream, error)
	StreamByName(realmID int64, name string) (*Stream, error)
	RealmStreams(realmID int64) ([]Stream, error)

	// Subscriptions returns every subscription row of the user, active or not.
	Subscriptions(userID int64) ([]Subscription, error)
	RealmPresences(realmID int64) ([]Presence, error)

	// MaxMessageID returns the newest message id matching q, or -1.
	MaxMessageID(q MessageQuery) (int64, error)
	HasUserMessage(userID, messageID int64) (bool, error)
}

// Store is the mutable state. Implementations must be safe for concurrent use.
type Store interface {
	// View runs fn against a read-consistent view. The Reader must not be
	// retained after fn returns.
	View(ctx context.Context, fn func(Reader) error) error

	InsertMessage(ctx context.Context, msg NewMessage) (*MessageResult, error)
	UpdatePointer(ctx context.Context, userID, pointer int64) (Mutation, error)
	UpdatePresence(ctx context.Context, userID int64, client, status string, at time.Time) (Mutation, error)
	Subscribe(ctx context.Context, userID int64, streamIDs []int64) (*SubscriptionChange, error)
	Unsubscribe(ctx context.Context, userID int64, streamIDs []int64) (*SubscriptionChange, error)
	UpdateRealm(ctx context.Context, realmID int64, property string, value interface{}) (*RealmChange, error)

	CreateRealm(ctx context.Context, realm *Realm) error
	CreateUser(ctx context.Context, user *User) error
	CreateStream(ctx context.Context, stream *Stream) error
}

// Mutation reports the outcome of a state change. Version is the version the
// change committed at, or the current version when nothing changed.
type Mutation struct {
	Version int64
	Changed bool
}

// NewMessage is the input of InsertMessage.
type NewMessage struct {
	RealmID         int64
	SenderID        int64
	RecipientType   string
	StreamID        int64
	RecipientIDs    []int64 // private messages only; the sender is added
	Subject         string
	Content         string
	RenderedContent string
	SentAt          time.Time
}

// MessageResult is a stored message together with the users who received it.
type MessageResult struct {
	Mutation
	Message    Message
	Recipients []UserMessage
}

// SubscriptionChange lists the streams whose subscription state actually changed.
type SubscriptionChange struct {
	Mutation
	Streams []Stream
}

// RealmChange carries the normalised value a realm property was set to.
type RealmChange struct {
	Mutation
	Property string
	Value    interface{}
}

// MessageQuery selects the messages visible to a user. Zero fields do not restrict.
type MessageQuery struct {
	UserID   int64
	RealmID  int64
	StreamID int64
	Topic    string
	SenderID int64

	PrivateOnly bool

	// IncludePublicStreams also counts messages on public streams of the
	// realm the user never received.
	IncludePublicStreams bool
}

// Realm properties accepted by UpdateRealm
const (
	RealmPropertyName                           = "name"
	RealmPropertyInviteRequired                 = "invite_required"
	RealmPropertyInviteByAdminsOnly             = "invite_by_admins_only"
	RealmPropertyCreateStreamByAdminsOnly       = "create_stream_by_admins_only"
	RealmPropertyAllowMessageEditing            = "allow_message_editing"
	RealmPropertyMessageContentEditLimitSeconds = "message_content_edit_limit_seconds"
	RealmPropertyRestrictedToDomain             = "restricted_to_domain"
)

// ValidatePresenceStatus rejects statuses other than active and idle.
func ValidatePresenceStatus(status string) error {
	switch status {
	case PresenceActive, PresenceIdle:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidPresence, status)
	}
}

// ValidateNewMessage checks the shape of a message before it is stored.
func ValidateNewMessage(msg NewMessage) error {
	switch msg.RecipientType {
	case RecipientStream:
		if msg.StreamID == 0 {
			return fmt.Errorf("%w: stream message without stream", ErrInvalidMessage)
		}
		if strings.TrimSpace(msg.Subject) == "" {
			return fmt.Errorf("%w: missing topic", ErrInvalidMessage)
		}
	case RecipientPrivate:
		if len(msg.RecipientIDs) == 0 {
			return fmt.Errorf("%w: private message without recipients", ErrInvalidMessage)
		}
	default:
		return fmt.Errorf("%w: unknown recipient type %q", ErrInvalidMessage, msg.RecipientType)
	}
	if strings.TrimSpace(msg.Content) == "" {
		return fmt.Errorf("%w: empty content", ErrInvalidMessage)
	}
	return nil
}

// applyRealmProperty sets property on r from a loosely typed value (as decoded
// from JSON) and returns the normalised value and whether r changed.
func applyRealmProperty(r *Realm, property string, value interface{}) (interface{}, bool, error) {
	switch property {
	case RealmPropertyName:
		name, ok := value.(string)
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, false, fmt.Errorf("%w: %s must be a non-empty string", ErrInvalidRealmProperty, property)
		}
		changed := r.Name != name
		r.Name = name
		return name, changed, nil

	case RealmPropertyMessageContentEditLimitSeconds:
		limit, ok := toInt(value)
		if !ok || limit < 0 {
			return nil, false, fmt.Errorf("%w: %s must be a non-negative integer", ErrInvalidRealmProperty, property)
		}
		changed := r.MessageContentEditLimitSeconds != limit
		r.MessageContentEditLimitSeconds = limit
		return limit, changed, nil
	}

	field := realmFlag(r, property)
	if field == nil {
		return nil, false, fmt.Errorf("%w: unknown property %q", ErrInvalidRealmProperty, property)
	}
	flag, ok := value.(bool)
	if !ok {
		return nil, false, fmt.Errorf("%w: %s must be a boolean", ErrInvalidRealmProperty, property)
	}
	changed := *field != flag
	*field = flag
	return flag, changed, nil
}

func realmFlag(r *Realm, property string) *bool {
	switch property {
	case RealmPropertyInviteRequired:
		return &r.InviteRequired
	case RealmPropertyInviteByAdminsOnly:
		return &r.InviteByAdminsOnly
	case RealmPropertyCreateStreamByAdminsOnly:
		return &r.CreateStreamByAdminsOnly
	case RealmPropertyAllowMessageEditing:
		return &r.AllowMessageEditing
	case RealmPropertyRestrictedToDomain:
		return &r.RestrictedToDomain
	default:
		return nil
	}
}

func toInt(value interface{}) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		if v != math.Trunc(v) || v > math.MaxInt32 {
			return 0, false
		}
		return int(v), true
	default:
		return 0, false
	}
}

// uniqueIDs drops duplicates and zeros, keeping first-seen order.
func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id == 0 {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
