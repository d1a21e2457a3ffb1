package snapshot

import (
	"errors"
	"fmt"
	"time"

	"github.com/welldanyogia/teamchat-events/internal/events"
	"github.com/welldanyogia/teamchat-events/internal/state"
)

// Build computes the snapshot for userID under filter from a consistent view.
// StateVersion is the view's version: every state change with a higher version
// is not reflected and must reach the client as an event.
func Build(r state.Reader, userID int64, filter events.Filter, now time.Time) (*Snapshot, error) {
	user, err := r.User(userID)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}

	snap := &Snapshot{
		ServerTimestamp: float64(now.UnixNano()) / 1e9,
		StateVersion:    r.Version(),
	}

	wantMessages := filter.WantsType(events.EventTypeMessage)
	wantPointer := filter.WantsType(events.EventTypePointer)

	if wantMessages || wantPointer {
		maxID, err := maxMessageID(r, user, filter)
		if err != nil {
			return nil, err
		}
		if wantMessages {
			snap.MessageSection = &MessageSection{MaxMessageID: maxID}
		}
		if wantPointer {
			pointer := user.Pointer
			if pointer == -1 && maxID != -1 {
				pointer = maxID
			}
			snap.PointerSection = &PointerSection{Pointer: pointer}
		}
	}

	if filter.WantsType(events.EventTypeSubscription) {
		section, err := subscriptions(r, user)
		if err != nil {
			return nil, err
		}
		snap.SubscriptionSection = section
	}

	if filter.WantsType(events.EventTypePresence) {
		section, err := presences(r, user.RealmID)
		if err != nil {
			return nil, err
		}
		snap.PresenceSection = section
	}

	if filter.WantsType(events.EventTypeRealm) {
		realm, err := r.Realm(user.RealmID)
		if err != nil {
			return nil, fmt.Errorf("load realm: %w", err)
		}
		snap.RealmSection = &RealmSection{
			RealmName:                           realm.Name,
			RealmInviteRequired:                 realm.InviteRequired,
			RealmInviteByAdminsOnly:             realm.InviteByAdminsOnly,
			RealmCreateStreamByAdminsOnly:       realm.CreateStreamByAdminsOnly,
			RealmAllowMessageEditing:            realm.AllowMessageEditing,
			RealmMessageContentEditLimitSeconds: realm.MessageContentEditLimitSeconds,
			RealmRestrictedToDomain:             realm.RestrictedToDomain,
		}
	}

	return snap, nil
}

// maxMessageID translates the narrow into a message query. A narrow naming a
// stream or sender that does not exist matches nothing.
func maxMessageID(r state.Reader, user *state.User, filter events.Filter) (int64, error) {
	q := state.MessageQuery{
		UserID:               user.ID,
		RealmID:              user.RealmID,
		IncludePublicStreams: filter.AllPublicStreams,
	}

	for _, term := range filter.Narrow {
		switch term.Operator {
		case events.NarrowStream:
			stream, err := r.StreamByName(user.RealmID, term.Operand)
			if errors.Is(err, state.ErrNotFound) {
				return -1, nil
			}
			if err != nil {
				return 0, err
			}
			if q.StreamID != 0 && q.StreamID != stream.ID {
				return -1, nil
			}
			q.StreamID = stream.ID
		case events.NarrowTopic:
			q.Topic = term.Operand
		case events.NarrowSender:
			sender, err := r.UserByEmail(user.RealmID, term.Operand)
			if errors.Is(err, state.ErrNotFound) {
				return -1, nil
			}
			if err != nil {
				return 0, err
			}
			q.SenderID = sender.ID
		case events.NarrowIs:
			q.PrivateOnly = true
		}
	}

	if q.PrivateOnly && (q.StreamID != 0 || q.Topic != "") {
		return -1, nil
	}

	maxID, err := r.MaxMessageID(q)
	if err != nil {
		return 0, fmt.Errorf("max message id: %w", err)
	}
	return maxID, nil
}

func subscriptions(r state.Reader, user *state.User) (*SubscriptionSection, error) {
	subs, err := r.Subscriptions(user.ID)
	if err != nil {
		return nil, fmt.Errorf("load subscriptions: %w", err)
	}
	streams, err := r.RealmStreams(user.RealmID)
	if err != nil {
		return nil, fmt.Errorf("load streams: %w", err)
	}

	byID := make(map[int64]state.Stream, len(streams))
	for _, st := range streams {
		byID[st.ID] = st
	}

	section := &SubscriptionSection{
		Subscriptions:   []events.StreamInfo{},
		Unsubscribed:    []events.StreamInfo{},
		NeverSubscribed: []events.StreamInfo{},
	}
	seen := make(map[int64]bool, len(subs))
	for _, sub := range subs {
		st, ok := byID[sub.StreamID]
		if !ok {
			continue
		}
		seen[sub.StreamID] = true
		if sub.Active {
			section.Subscriptions = append(section.Subscriptions, StreamInfo(st))
		} else {
			section.Unsubscribed = append(section.Unsubscribed, StreamInfo(st))
		}
	}
	for _, st := range streams {
		if !seen[st.ID] && !st.InviteOnly {
			section.NeverSubscribed = append(section.NeverSubscribed, StreamInfo(st))
		}
	}
	return section, nil
}

func presences(r state.Reader, realmID int64) (*PresenceSection, error) {
	list, err := r.RealmPresences(realmID)
	if err != nil {
		return nil, fmt.Errorf("load presences: %w", err)
	}

	section := &PresenceSection{Presences: make(map[string]map[string]events.ClientPresence)}
	for _, p := range list {
		clients := section.Presences[p.Email]
		if clients == nil {
			clients = make(map[string]events.ClientPresence)
			section.Presences[p.Email] = clients
		}
		clients[p.Client] = events.ClientPresence{
			Status:    p.Status,
			Timestamp: p.UpdatedAt.Unix(),
			Client:    p.Client,
		}
	}
	return section, nil
}

// StreamInfo converts a stored stream to its client form.
func StreamInfo(st state.Stream) events.StreamInfo {
	return events.StreamInfo{
		StreamID:    st.ID,
		Name:        st.Name,
		Description: st.Description,
		InviteOnly:  st.InviteOnly,
	}
}
