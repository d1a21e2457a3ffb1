package state

import "time"

// Realm represents an organization in the database
type Realm struct {
	ID                             int64  `db:"id"`
	Name                           string `db:"name"`
	Domain                         string `db:"domain"`
	InviteRequired                 bool   `db:"invite_required"`
	InviteByAdminsOnly             bool   `db:"invite_by_admins_only"`
	CreateStreamByAdminsOnly       bool   `db:"create_stream_by_admins_only"`
	AllowMessageEditing            bool   `db:"allow_message_editing"`
	MessageContentEditLimitSeconds int    `db:"message_content_edit_limit_seconds"`
	RestrictedToDomain             bool   `db:"restricted_to_domain"`
}

// User represents a realm member in the database
type User struct {
	ID       int64  `db:"id"`
	RealmID  int64  `db:"realm_id"`
	Email    string `db:"email"`
	FullName string `db:"full_name"`
	IsAdmin  bool   `db:"is_admin"`

	// Pointer is the id of the last message the user has read, -1 before the first.
	Pointer int64 `db:"pointer"`

	// DefaultEventsRegisterStreamID narrows new queues when the client sends no narrow. 0 means none.
	DefaultEventsRegisterStreamID int64 `db:"default_events_register_stream_id"`
	DefaultAllPublicStreams       bool  `db:"default_all_public_streams"`
}

// Stream represents a channel in the database
type Stream struct {
	ID          int64  `db:"id"`
	RealmID     int64  `db:"realm_id"`
	Name        string `db:"name"`
	Description string `db:"description"`
	InviteOnly  bool   `db:"invite_only"`
}

// Subscription links a user to a stream. Inactive rows remember past subscriptions.
type Subscription struct {
	UserID   int64 `db:"user_id"`
	StreamID int64 `db:"stream_id"`
	Active   bool  `db:"active"`
}

// Message represents a stored chat message
type Message struct {
	ID              int64     `db:"id"`
	RealmID         int64     `db:"realm_id"`
	SenderID        int64     `db:"sender_id"`
	RecipientType   string    `db:"recipient_type"`
	StreamID        int64     `db:"stream_id"`
	Subject         string    `db:"subject"`
	Content         string    `db:"content"`
	RenderedContent string    `db:"rendered_content"`
	SentAt          time.Time `db:"sent_at"`
}

// UserMessage records that a user received a message
type UserMessage struct {
	UserID    int64    `db:"user_id"`
	MessageID int64    `db:"message_id"`
	Flags     []string `db:"flags"`
}

// Presence is the last reported status of a user on one client
type Presence struct {
	UserID    int64     `db:"user_id"`
	Email     string    `db:"email"`
	Client    string    `db:"client"`
	Status    string    `db:"status"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Recipient types
const (
	RecipientStream  = "stream"
	RecipientPrivate = "private"
)

// Presence statuses
const (
	PresenceActive = "active"
	PresenceIdle   = "idle"
)

// FlagRead marks a message as read for one user.
const FlagRead = "read"
