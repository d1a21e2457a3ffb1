package events

// Event type constants
const (
	EventTypeMessage      = "message"
	EventTypePointer      = "pointer"
	EventTypePresence     = "presence"
	EventTypeSubscription = "subscription"
	EventTypeRealm        = "realm"
	EventTypeHeartbeat    = "heartbeat"
)

// KnownEventTypes lists every type a queue may ask for in its allow-list.
var KnownEventTypes = []string{
	EventTypeMessage,
	EventTypePointer,
	EventTypePresence,
	EventTypeSubscription,
	EventTypeRealm,
	EventTypeHeartbeat,
}

// Message recipient types
const (
	RecipientStream  = "stream"
	RecipientPrivate = "private"
)

// Message content types
const (
	ContentTypeHTML     = "text/html"
	ContentTypeMarkdown = "text/x-markdown"
)

// Subscription and realm operations
const (
	OpAdd    = "add"
	OpRemove = "remove"
	OpUpdate = "update"
)

// MessageFlagRead marks a message the user has already seen (their own messages).
const MessageFlagRead = "read"

// PrivateRecipient is one participant of a private message.
type PrivateRecipient struct {
	ID       int64  `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
}

// Message is the client view of a chat message.
type Message struct {
	ID             int64  `json:"id"`
	Type           string `json:"type"`
	SenderID       int64  `json:"sender_id"`
	SenderEmail    string `json:"sender_email"`
	SenderFullName string `json:"sender_full_name"`
	StreamID       int64  `json:"stream_id,omitempty"`
	// DisplayRecipient is the stream name for stream messages and the
	// participant list for private messages.
	DisplayRecipient interface{} `json:"display_recipient"`
	Subject          string      `json:"subject"`
	Content          string      `json:"content"`
	ContentType      string      `json:"content_type"`
	Timestamp        int64       `json:"timestamp"`

	RawContent      string `json:"-"`
	RenderedContent string `json:"-"`
}

// StreamName returns the stream a stream message was sent to, or "".
func (m *Message) StreamName() string {
	if m.Type != RecipientStream {
		return ""
	}
	name, _ := m.DisplayRecipient.(string)
	return name
}

// MessageEvent announces a new message.
type MessageEvent struct {
	Message Message  `json:"message"`
	Flags   []string `json:"flags"`

	// UserFlags holds per-recipient flags; each queue sees only its owner's.
	UserFlags map[int64][]string `json:"-"`
}

func (MessageEvent) EventType() string { return EventTypeMessage }

// forQueue picks the content flavour the queue asked for and the owner's flags.
func (e MessageEvent) forQueue(q *EventQueue) Payload {
	out := e
	out.UserFlags = nil
	if q.filter.ApplyMarkdown {
		out.Message.Content = e.Message.RenderedContent
		out.Message.ContentType = ContentTypeHTML
	} else {
		out.Message.Content = e.Message.RawContent
		out.Message.ContentType = ContentTypeMarkdown
	}
	out.Flags = []string{}
	if flags, ok := e.UserFlags[q.ownerID]; ok {
		out.Flags = append(out.Flags, flags...)
	}
	return out
}

// PointerEvent reports that the user's read pointer advanced.
type PointerEvent struct {
	Pointer int64 `json:"pointer"`
}

func (PointerEvent) EventType() string { return EventTypePointer }

// ClientPresence is the presence of one user on one client.
type ClientPresence struct {
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
	Client    string `json:"client"`
}

// PresenceEvent reports a presence change of a realm member.
type PresenceEvent struct {
	UserID          int64                     `json:"user_id"`
	Email           string                    `json:"email"`
	ServerTimestamp float64                   `json:"server_timestamp"`
	Presence        map[string]ClientPresence `json:"presence"`
}

func (PresenceEvent) EventType() string { return EventTypePresence }

// StreamInfo describes a stream in subscription events.
type StreamInfo struct {
	StreamID    int64  `json:"stream_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	InviteOnly  bool   `json:"invite_only"`
}

// SubscriptionEvent reports the user joining or leaving streams.
type SubscriptionEvent struct {
	Op            string       `json:"op"`
	Subscriptions []StreamInfo `json:"subscriptions"`
}

func (SubscriptionEvent) EventType() string { return EventTypeSubscription }

// RealmEvent reports a realm setting change.
type RealmEvent struct {
	Op       string      `json:"op"`
	Property string      `json:"property"`
	Value    interface{} `json:"value"`
}

func (RealmEvent) EventType() string { return EventTypeRealm }

// HeartbeatEvent keeps streaming connections alive.
type HeartbeatEvent struct{}

func (HeartbeatEvent) EventType() string { return EventTypeHeartbeat }
