package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"

	"github.com/welldanyogia/teamchat-events/internal/metrics"
)

const (
	// Every write transaction bumps the version first. The row lock serialises
	// writers, so commit order equals version order.
	bumpVersionQuery    = `UPDATE state_version SET version = version + 1 WHERE id = 1 RETURNING version`
	currentVersionQuery = `SELECT version FROM state_version WHERE id = 1`

	uniqueViolation = "23505"
)

// realmColumns maps updatable realm properties to their columns.
var realmColumns = map[string]string{
	RealmPropertyName:                           "name",
	RealmPropertyInviteRequired:                 "invite_required",
	RealmPropertyInviteByAdminsOnly:             "invite_by_admins_only",
	RealmPropertyCreateStreamByAdminsOnly:       "create_stream_by_admins_only",
	RealmPropertyAllowMessageEditing:            "allow_message_editing",
	RealmPropertyMessageContentEditLimitSeconds: "message_content_edit_limit_seconds",
	RealmPropertyRestrictedToDomain:             "restricted_to_domain",
}

// PostgresStore is a Store backed by PostgreSQL. Mutations run on the pgx pool;
// views run on sqlx in a read-only repeatable-read transaction so every query
// of one view sees the same snapshot.
type PostgresStore struct {
	pool *pgxpool.Pool
	db   *sqlx.DB
}

// NewPostgresStore creates a new PostgresStore instance
func NewPostgresStore(pool *pgxpool.Pool, db *sqlx.DB) *PostgresStore {
	return &PostgresStore{pool: pool, db: db}
}

// View runs fn inside a READ ONLY REPEATABLE READ transaction.
func (s *PostgresStore) View(ctx context.Context, fn func(Reader) error) error {
	defer metrics.TimeQuery("state_view")()

	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return fmt.Errorf("begin view: %w", err)
	}
	defer tx.Rollback()

	view := &postgresView{ctx: ctx, tx: tx}
	if err := tx.GetContext(ctx, &view.version, currentVersionQuery); err != nil {
		return fmt.Errorf("read state version: %w", err)
	}
	return fn(view)
}

// write runs fn in a transaction holding the version lock. When fn reports no
// change the transaction is rolled back and the current version returned.
func (s *PostgresStore) write(ctx context.Context, fn func(tx pgx.Tx) (bool, error)) (Mutation, error) {
	defer metrics.TimeQuery("state_write")()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return Mutation{}, fmt.Errorf("begin write: %w", err)
	}
	defer tx.Rollback(ctx)

	var version int64
	if err := tx.QueryRow(ctx, bumpVersionQuery).Scan(&version); err != nil {
		return Mutation{}, fmt.Errorf("bump state version: %w", err)
	}

	changed, err := fn(tx)
	if err != nil {
		return Mutation{}, err
	}
	if !changed {
		return Mutation{Version: version - 1}, nil
	}

	if err := tx.Commit(ctx); err != nil {
		return Mutation{}, fmt.Errorf("commit: %w", err)
	}
	return Mutation{Version: version, Changed: true}, nil
}

// InsertMessage stores a message and its per-user rows.
func (s *PostgresStore) InsertMessage(ctx context.Context, msg NewMessage) (*MessageResult, error) {
	if err := ValidateNewMessage(msg); err != nil {
		return nil, err
	}

	result := &MessageResult{}
	mutation, err := s.write(ctx, func(tx pgx.Tx) (bool, error) {
		if err := requireUserInRealm(ctx, tx, msg.SenderID, msg.RealmID); err != nil {
			return false, err
		}

		recipients := []int64{msg.SenderID}
		var streamID *int64
		switch msg.RecipientType {
		case RecipientStream:
			subscribers, err := streamSubscribers(ctx, tx, msg.StreamID, msg.RealmID)
			if err != nil {
				return false, err
			}
			recipients = append(recipients, subscribers...)
			streamID = &msg.StreamID
		case RecipientPrivate:
			ids := uniqueIDs(msg.RecipientIDs)
			var found int
			err := tx.QueryRow(ctx,
				`SELECT COUNT(*) FROM users WHERE id = ANY($1) AND realm_id = $2`,
				ids, msg.RealmID,
			).Scan(&found)
			if err != nil {
				return false, err
			}
			if found != len(ids) {
				return false, fmt.Errorf("%w: unknown private recipient", ErrUserNotFound)
			}
			recipients = append(recipients, ids...)
		}
		recipients = uniqueIDs(recipients)

		sentAt := msg.SentAt
		if sentAt.IsZero() {
			sentAt = time.Now().UTC()
		}

		stored := Message{
			RealmID:         msg.RealmID,
			SenderID:        msg.SenderID,
			RecipientType:   msg.RecipientType,
			Subject:         msg.Subject,
			Content:         msg.Content,
			RenderedContent: msg.RenderedContent,
			SentAt:          sentAt,
		}
		if streamID != nil {
			stored.StreamID = *streamID
		}

		query := `
			INSERT INTO messages (realm_id, sender_id, recipient_type, stream_id, subject, content, rendered_content, sent_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id
		`
		err := tx.QueryRow(ctx, query,
			stored.RealmID,
			stored.SenderID,
			stored.RecipientType,
			streamID,
			stored.Subject,
			stored.Content,
			stored.RenderedContent,
			stored.SentAt,
		).Scan(&stored.ID)
		if err != nil {
			return false, fmt.Errorf("insert message: %w", err)
		}

		rows := make([][]interface{}, 0, len(recipients))
		delivered := make([]UserMessage, 0, len(recipients))
		for _, userID := range recipients {
			flags := []string{}
			if userID == msg.SenderID {
				flags = []string{FlagRead}
			}
			rows = append(rows, []interface{}{userID, stored.ID, flags})
			delivered = append(delivered, UserMessage{UserID: userID, MessageID: stored.ID, Flags: flags})
		}
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"user_messages"},
			[]string{"user_id", "message_id", "flags"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return false, fmt.Errorf("insert user messages: %w", err)
		}

		result.Message = stored
		result.Recipients = delivered
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	result.Mutation = mutation
	return result, nil
}

// UpdatePointer advances the user's read pointer.
func (s *PostgresStore) UpdatePointer(ctx context.Context, userID, pointer int64) (Mutation, error) {
	return s.write(ctx, func(tx pgx.Tx) (bool, error) {
		var current int64
		err := tx.QueryRow(ctx, `SELECT pointer FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&current)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return false, ErrUserNotFound
			}
			return false, err
		}
		if pointer <= current {
			return false, nil
		}

		var received bool
		err = tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM user_messages WHERE user_id = $1 AND message_id = $2)`,
			userID, pointer,
		).Scan(&received)
		if err != nil {
			return false, err
		}
		if !received {
			return false, ErrInvalidMessageID
		}

		_, err = tx.Exec(ctx, `UPDATE users SET pointer = $1 WHERE id = $2`, pointer, userID)
		return err == nil, err
	})
}

// UpdatePresence upserts the user's status on one client.
func (s *PostgresStore) UpdatePresence(ctx context.Context, userID int64, client, status string, at time.Time) (Mutation, error) {
	if err := ValidatePresenceStatus(status); err != nil {
		return Mutation{}, err
	}
	return s.write(ctx, func(tx pgx.Tx) (bool, error) {
		query := `
			INSERT INTO presences (user_id, client, status, updated_at)
			SELECT id, $2, $3, $4 FROM users WHERE id = $1
			ON CONFLICT (user_id, client) DO UPDATE
			SET status = EXCLUDED.status, updated_at = EXCLUDED.updated_at
		`
		tag, err := tx.Exec(ctx, query, userID, client, status, at)
		if err != nil {
			return false, err
		}
		if tag.RowsAffected() == 0 {
			return false, ErrUserNotFound
		}
		return true, nil
	})
}

// Subscribe activates subscriptions.
func (s *PostgresStore) Subscribe(ctx context.Context, userID int64, streamIDs []int64) (*SubscriptionChange, error) {
	return s.setSubscriptions(ctx, userID, streamIDs, true)
}

// Unsubscribe deactivates subscriptions.
func (s *PostgresStore) Unsubscribe(ctx context.Context, userID int64, streamIDs []int64) (*SubscriptionChange, error) {
	return s.setSubscriptions(ctx, userID, streamIDs, false)
}

func (s *PostgresStore) setSubscriptions(ctx context.Context, userID int64, streamIDs []int64, active bool) (*SubscriptionChange, error) {
	change := &SubscriptionChange{Streams: []Stream{}}
	mutation, err := s.write(ctx, func(tx pgx.Tx) (bool, error) {
		var realmID int64
		if err := tx.QueryRow(ctx, `SELECT realm_id FROM users WHERE id = $1`, userID).Scan(&realmID); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return false, ErrUserNotFound
			}
			return false, err
		}

		ids := uniqueIDs(streamIDs)
		streams, err := loadStreams(ctx, tx, ids, realmID)
		if err != nil {
			return false, err
		}

		subscribeQuery := `
			INSERT INTO subscriptions (user_id, stream_id, active)
			VALUES ($1, $2, true)
			ON CONFLICT (user_id, stream_id) DO UPDATE SET active = true
			WHERE subscriptions.active = false
		`
		unsubscribeQuery := `UPDATE subscriptions SET active = false WHERE user_id = $1 AND stream_id = $2 AND active`
		query := unsubscribeQuery
		if active {
			query = subscribeQuery
		}

		for _, id := range ids {
			tag, err := tx.Exec(ctx, query, userID, id)
			if err != nil {
				return false, err
			}
			if tag.RowsAffected() > 0 {
				change.Streams = append(change.Streams, streams[id])
			}
		}
		return len(change.Streams) > 0, nil
	})
	if err != nil {
		return nil, err
	}

	change.Mutation = mutation
	return change, nil
}

// UpdateRealm sets one realm property.
func (s *PostgresStore) UpdateRealm(ctx context.Context, realmID int64, property string, value interface{}) (*RealmChange, error) {
	column, ok := realmColumns[property]
	if !ok {
		return nil, fmt.Errorf("%w: unknown property %q", ErrInvalidRealmProperty, property)
	}

	change := &RealmChange{Property: property}
	mutation, err := s.write(ctx, func(tx pgx.Tx) (bool, error) {
		realm := &Realm{}
		query := `
			SELECT id, name, domain, invite_required, invite_by_admins_only, create_stream_by_admins_only,
			       allow_message_editing, message_content_edit_limit_seconds, restricted_to_domain
			FROM realms
			WHERE id = $1
			FOR UPDATE
		`
		err := tx.QueryRow(ctx, query, realmID).Scan(
			&realm.ID,
			&realm.Name,
			&realm.Domain,
			&realm.InviteRequired,
			&realm.InviteByAdminsOnly,
			&realm.CreateStreamByAdminsOnly,
			&realm.AllowMessageEditing,
			&realm.MessageContentEditLimitSeconds,
			&realm.RestrictedToDomain,
		)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return false, ErrRealmNotFound
			}
			return false, err
		}

		normalised, changed, err := applyRealmProperty(realm, property, value)
		if err != nil {
			return false, err
		}
		change.Value = normalised
		if !changed {
			return false, nil
		}

		_, err = tx.Exec(ctx, fmt.Sprintf(`UPDATE realms SET %s = $1 WHERE id = $2`, column), normalised, realmID)
		return err == nil, err
	})
	if err != nil {
		return nil, err
	}

	change.Mutation = mutation
	return change, nil
}

// CreateRealm inserts a realm. The id is assigned by the database.
func (s *PostgresStore) CreateRealm(ctx context.Context, realm *Realm) error {
	_, err := s.write(ctx, func(tx pgx.Tx) (bool, error) {
		query := `
			INSERT INTO realms (name, domain, invite_required, invite_by_admins_only, create_stream_by_admins_only,
			                    allow_message_editing, message_content_edit_limit_seconds, restricted_to_domain)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id
		`
		err := tx.QueryRow(ctx, query,
			realm.Name,
			realm.Domain,
			realm.InviteRequired,
			realm.InviteByAdminsOnly,
			realm.CreateStreamByAdminsOnly,
			realm.AllowMessageEditing,
			realm.MessageContentEditLimitSeconds,
			realm.RestrictedToDomain,
		).Scan(&realm.ID)
		return err == nil, mapUniqueViolation(err, "realm "+realm.Name)
	})
	return err
}

// CreateUser inserts a user. The id is assigned by the database.
func (s *PostgresStore) CreateUser(ctx context.Context, user *User) error {
	if user.Pointer == 0 {
		user.Pointer = -1
	}
	var defaultStream *int64
	if user.DefaultEventsRegisterStreamID != 0 {
		defaultStream = &user.DefaultEventsRegisterStreamID
	}

	_, err := s.write(ctx, func(tx pgx.Tx) (bool, error) {
		query := `
			INSERT INTO users (realm_id, email, full_name, is_admin, pointer,
			                   default_events_register_stream_id, default_all_public_streams)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id
		`
		err := tx.QueryRow(ctx, query,
			user.RealmID,
			user.Email,
			user.FullName,
			user.IsAdmin,
			user.Pointer,
			defaultStream,
			user.DefaultAllPublicStreams,
		).Scan(&user.ID)
		return err == nil, mapUniqueViolation(err, "user "+user.Email)
	})
	return err
}

// CreateStream inserts a stream. The id is assigned by the database.
func (s *PostgresStore) CreateStream(ctx context.Context, stream *Stream) error {
	_, err := s.write(ctx, func(tx pgx.Tx) (bool, error) {
		query := `
			INSERT INTO streams (realm_id, name, description, invite_only)
			VALUES ($1, $2, $3, $4)
			RETURNING id
		`
		err := tx.QueryRow(ctx, query,
			stream.RealmID,
			stream.Name,
			stream.Description,
			stream.InviteOnly,
		).Scan(&stream.ID)
		return err == nil, mapUniqueViolation(err, "stream "+stream.Name)
	})
	return err
}

func requireUserInRealm(ctx context.Context, tx pgx.Tx, userID, realmID int64) error {
	var exists bool
	err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE id = $1 AND realm_id = $2)`,
		userID, realmID,
	).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return ErrUserNotFound
	}
	return nil
}

func streamSubscribers(ctx context.Context, tx pgx.Tx, streamID, realmID int64) ([]int64, error) {
	var exists bool
	err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM streams WHERE id = $1 AND realm_id = $2)`,
		streamID, realmID,
	).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrStreamNotFound
	}

	rows, err := tx.Query(ctx,
		`SELECT user_id FROM subscriptions WHERE stream_id = $1 AND active ORDER BY user_id`,
		streamID,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

func loadStreams(ctx context.Context, tx pgx.Tx, ids []int64, realmID int64) (map[int64]Stream, error) {
	rows, err := tx.Query(ctx,
		`SELECT id, realm_id, name, description, invite_only FROM streams WHERE id = ANY($1)`,
		ids,
	)
	if err != nil {
		return nil, err
	}
	list, err := pgx.CollectRows(rows, pgx.RowToStructByPos[Stream])
	if err != nil {
		return nil, err
	}

	streams := make(map[int64]Stream, len(list))
	for _, st := range list {
		if st.RealmID == realmID {
			streams[st.ID] = st
		}
	}
	for _, id := range ids {
		if _, ok := streams[id]; !ok {
			return nil, fmt.Errorf("%w: %d", ErrStreamNotFound, id)
		}
	}
	return streams, nil
}

func mapUniqueViolation(err error, what string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", what, ErrAlreadyExists)
	}
	return err
}

// postgresView reads inside the repeatable-read transaction opened by View.
type postgresView struct {
	ctx     context.Context
	tx      *sqlx.Tx
	version int64
}

const userColumns = `
	id, realm_id, email, full_name, is_admin, pointer,
	COALESCE(default_events_register_stream_id, 0) AS default_events_register_stream_id,
	default_all_public_streams
`

func (v *postgresView) Version() int64 { return v.version }

func (v *postgresView) User(id int64) (*User, error) {
	user := &User{}
	err := v.tx.GetContext(v.ctx, user, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err, ErrUserNotFound)
	}
	return user, nil
}

func (v *postgresView) UserByEmail(realmID int64, email string) (*User, error) {
	user := &User{}
	err := v.tx.GetContext(v.ctx, user,
		`SELECT `+userColumns+` FROM users WHERE realm_id = $1 AND LOWER(email) = LOWER($2)`,
		realmID, email,
	)
	if err != nil {
		return nil, notFound(err, ErrUserNotFound)
	}
	return user, nil
}

func (v *postgresView) Realm(id int64) (*Realm, error) {
	realm := &Realm{}
	query := `
		SELECT id, name, domain, invite_required, invite_by_admins_only, create_stream_by_admins_only,
		       allow_message_editing, message_content_edit_limit_seconds, restricted_to_domain
		FROM realms
		WHERE id = $1
	`
	err := v.tx.GetContext(v.ctx, realm, query, id)
	if err != nil {
		return nil, notFound(err, ErrRealmNotFound)
	}
	return realm, nil
}

func (v *postgresView) Stream(id int64) (*Stream, error) {
	stream := &Stream{}
	err := v.tx.GetContext(v.ctx, stream,
		`SELECT id, realm_id, name, description, invite_only FROM streams WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err, ErrStreamNotFound)
	}
	return stream, nil
}

func (v *postgresView) StreamByName(realmID int64, name string) (*Stream, error) {
	stream := &Stream{}
	err := v.tx.GetContext(v.ctx, stream,
		`SELECT id, realm_id, name, description, invite_only FROM streams WHERE realm_id = $1 AND LOWER(name) = LOWER($2)`,
		realmID, name,
	)
	if err != nil {
		return nil, notFound(err, ErrStreamNotFound)
	}
	return stream, nil
}

func (v *postgresView) RealmStreams(realmID int64) ([]Stream, error) {
	streams := []Stream{}
	err := v.tx.SelectContext(v.ctx, &streams,
		`SELECT id, realm_id, name, description, invite_only FROM streams WHERE realm_id = $1 ORDER BY id`,
		realmID,
	)
	return streams, err
}

func (v *postgresView) Subscriptions(userID int64) ([]Subscription, error) {
	subs := []Subscription{}
	err := v.tx.SelectContext(v.ctx, &subs,
		`SELECT user_id, stream_id, active FROM subscriptions WHERE user_id = $1 ORDER BY stream_id`,
		userID,
	)
	return subs, err
}

func (v *postgresView) RealmPresences(realmID int64) ([]Presence, error) {
	presences := []Presence{}
	query := `
		SELECT p.user_id, u.email, p.client, p.status, p.updated_at
		FROM presences p
		JOIN users u ON u.id = p.user_id
		WHERE u.realm_id = $1
		ORDER BY p.user_id, p.client
	`
	err := v.tx.SelectContext(v.ctx, &presences, query, realmID)
	return presences, err
}

func (v *postgresView) MaxMessageID(q MessageQuery) (int64, error) {
	visible := `EXISTS (SELECT 1 FROM user_messages um WHERE um.user_id = $1 AND um.message_id = m.id)`
	if q.IncludePublicStreams {
		visible = `(` + visible + ` OR (m.recipient_type = 'stream' AND EXISTS (
			SELECT 1 FROM streams s WHERE s.id = m.stream_id AND NOT s.invite_only)))`
	}

	conditions := []string{visible}
	args := []interface{}{q.UserID}
	argIdx := 2

	if q.RealmID != 0 {
		conditions = append(conditions, fmt.Sprintf("m.realm_id = $%d", argIdx))
		args = append(args, q.RealmID)
		argIdx++
	}
	if q.PrivateOnly {
		conditions = append(conditions, "m.recipient_type = 'private'")
	}
	if q.StreamID != 0 {
		conditions = append(conditions, fmt.Sprintf("m.stream_id = $%d", argIdx))
		args = append(args, q.StreamID)
		argIdx++
	}
	if q.Topic != "" {
		conditions = append(conditions, fmt.Sprintf("m.recipient_type = 'stream' AND LOWER(m.subject) = LOWER($%d)", argIdx))
		args = append(args, q.Topic)
		argIdx++
	}
	if q.SenderID != 0 {
		conditions = append(conditions, fmt.Sprintf("m.sender_id = $%d", argIdx))
		args = append(args, q.SenderID)
	}

	query := `SELECT COALESCE(MAX(m.id), -1) FROM messages m WHERE ` + strings.Join(conditions, " AND ")

	var maxID int64
	if err := v.tx.GetContext(v.ctx, &maxID, query, args...); err != nil {
		return 0, err
	}
	return maxID, nil
}

func (v *postgresView) HasUserMessage(userID, messageID int64) (bool, error) {
	var exists bool
	err := v.tx.GetContext(v.ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM user_messages WHERE user_id = $1 AND message_id = $2)`,
		userID, messageID,
	)
	return exists, err
}

func notFound(err, sentinel error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return sentinel
	}
	return err
}
