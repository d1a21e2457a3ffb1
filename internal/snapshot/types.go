// Package snapshot builds the initial state a client loads when it registers an
// event queue, and performs registration so that the snapshot and the queue
// together miss no state change.
package snapshot

import (
	"github.com/welldanyogia/teamchat-events/internal/events"
)

// Snapshot is the registration response. Sections are present only when the
// queue's event types include the type that keeps them up to date.
type Snapshot struct {
	QueueID         events.QueueID `json:"queue_id"`
	LastEventID     int64          `json:"last_event_id"`
	ServerTimestamp float64        `json:"server_timestamp"`
	StateVersion    int64          `json:"state_version"`

	*MessageSection
	*PointerSection
	*SubscriptionSection
	*PresenceSection
	*RealmSection
}

// MessageSection is kept current by message events.
type MessageSection struct {
	// MaxMessageID is the newest message the queue's scope covers, or -1.
	MaxMessageID int64 `json:"max_message_id"`
}

// PointerSection is kept current by pointer events.
type PointerSection struct {
	Pointer int64 `json:"pointer"`
}

// SubscriptionSection is kept current by subscription events.
type SubscriptionSection struct {
	Subscriptions   []events.StreamInfo `json:"subscriptions"`
	Unsubscribed    []events.StreamInfo `json:"unsubscribed"`
	NeverSubscribed []events.StreamInfo `json:"never_subscribed"`
}

// PresenceSection is kept current by presence events. Keyed by email, then client.
type PresenceSection struct {
	Presences map[string]map[string]events.ClientPresence `json:"presences"`
}

// RealmSection is kept current by realm events.
type RealmSection struct {
	RealmName                           string `json:"realm_name"`
	RealmInviteRequired                 bool   `json:"realm_invite_required"`
	RealmInviteByAdminsOnly             bool   `json:"realm_invite_by_admins_only"`
	RealmCreateStreamByAdminsOnly       bool   `json:"realm_create_stream_by_admins_only"`
	RealmAllowMessageEditing            bool   `json:"realm_allow_message_editing"`
	RealmMessageContentEditLimitSeconds int    `json:"realm_message_content_edit_limit_seconds"`
	RealmRestrictedToDomain             bool   `json:"realm_restricted_to_domain"`
}
