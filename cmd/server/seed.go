package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/welldanyogia/teamchat-events/internal/state"
)

// seedFile describes realms, streams and users to create at startup.
// Entries that already exist are left alone, so a seed can be reapplied.
type seedFile struct {
	Realms []seedRealm `json:"realms"`
}

type seedRealm struct {
	ID      int64        `json:"id"`
	Name    string       `json:"name"`
	Domain  string       `json:"domain"`
	Streams []seedStream `json:"streams"`
	Users   []seedUser   `json:"users"`
}

type seedStream struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	InviteOnly  bool   `json:"invite_only"`
}

type seedUser struct {
	Email         string   `json:"email"`
	FullName      string   `json:"full_name"`
	IsAdmin       bool     `json:"is_admin"`
	Subscriptions []string `json:"subscriptions"`
}

func seedFromFile(ctx context.Context, store state.Store, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var seed seedFile
	if err := json.Unmarshal(raw, &seed); err != nil {
		return fmt.Errorf("parse seed: %w", err)
	}
	return applySeed(ctx, store, seed)
}

func applySeed(ctx context.Context, store state.Store, seed seedFile) error {
	for _, sr := range seed.Realms {
		realm := &state.Realm{ID: sr.ID, Name: sr.Name, Domain: sr.Domain}
		if err := store.CreateRealm(ctx, realm); err != nil && !errors.Is(err, state.ErrAlreadyExists) {
			return fmt.Errorf("realm %s: %w", sr.Name, err)
		}

		streamIDs := make(map[string]int64, len(sr.Streams))
		for _, ss := range sr.Streams {
			stream := &state.Stream{RealmID: realm.ID, Name: ss.Name, Description: ss.Description, InviteOnly: ss.InviteOnly}
			id, err := createOrFind(ctx, store, store.CreateStream, stream, &stream.ID, func(r state.Reader) (int64, error) {
				existing, err := r.StreamByName(realm.ID, ss.Name)
				if err != nil {
					return 0, err
				}
				return existing.ID, nil
			})
			if err != nil {
				return fmt.Errorf("stream %s: %w", ss.Name, err)
			}
			streamIDs[ss.Name] = id
		}

		for _, su := range sr.Users {
			user := &state.User{RealmID: realm.ID, Email: su.Email, FullName: su.FullName, IsAdmin: su.IsAdmin}
			userID, err := createOrFind(ctx, store, store.CreateUser, user, &user.ID, func(r state.Reader) (int64, error) {
				existing, err := r.UserByEmail(realm.ID, su.Email)
				if err != nil {
					return 0, err
				}
				return existing.ID, nil
			})
			if err != nil {
				return fmt.Errorf("user %s: %w", su.Email, err)
			}

			var subs []int64
			for _, name := range su.Subscriptions {
				id, ok := streamIDs[name]
				if !ok {
					return fmt.Errorf("user %s: unknown stream %q", su.Email, name)
				}
				subs = append(subs, id)
			}
			if len(subs) > 0 {
				if _, err := store.Subscribe(ctx, userID, subs); err != nil {
					return fmt.Errorf("subscribe %s: %w", su.Email, err)
				}
			}
		}
	}
	return nil
}

// createOrFind creates a row, or resolves the id of the one already stored.
func createOrFind[T any](ctx context.Context, store state.Store, create func(context.Context, *T) error, row *T, id *int64, find func(state.Reader) (int64, error)) (int64, error) {
	err := create(ctx, row)
	if err == nil {
		return *id, nil
	}
	if !errors.Is(err, state.ErrAlreadyExists) {
		return 0, err
	}

	var existing int64
	err = store.View(ctx, func(r state.Reader) error {
		var err error
		existing, err = find(r)
		return err
	})
	return existing, err
}
