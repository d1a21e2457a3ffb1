package state

import (
	"errors"
	"fmt"
)

// State store errors
var (
	ErrNotFound       = errors.New("not found")
	ErrUserNotFound   = fmt.Errorf("user %w", ErrNotFound)
	ErrRealmNotFound  = fmt.Errorf("realm %w", ErrNotFound)
	ErrStreamNotFound = fmt.Errorf("stream %w", ErrNotFound)

	ErrInvalidMessageID     = errors.New("invalid message ID")
	ErrInvalidPresence      = errors.New("invalid presence status")
	ErrInvalidRealmProperty = errors.New("invalid realm property")
	ErrInvalidMessage       = errors.New("invalid message")
	ErrAlreadyExists        = errors.New("already exists")
)
