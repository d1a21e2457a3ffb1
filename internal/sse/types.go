// Package sse streams an event queue to the browser over Server-Sent Events,
// as an alternative to long-polling the same queue.
package sse

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/welldanyogia/teamchat-events/internal/events"
)

// Config holds SSE server configuration.
type Config struct {
	HeartbeatInterval     time.Duration // Default: 30 seconds
	ConnectionTimeout     time.Duration // Default: 1 hour
	MaxConnectionsPerUser int           // Default: 5
	MaxBatch              int           // events per write, Default: events.DefaultMaxBatch
}

// DefaultConfig returns the default SSE configuration.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:     30 * time.Second,
		ConnectionTimeout:     1 * time.Hour,
		MaxConnectionsPerUser: 5,
		MaxBatch:              events.DefaultMaxBatch,
	}
}

// CloseReason tells a stream why the server ended it.
type CloseReason string

const (
	CloseConnectionLimit CloseReason = "connection_limit"
	CloseShutdown        CloseReason = "shutdown"
)

// Connection represents an active SSE connection. Only the handler goroutine
// serving it writes to the client; everyone else can only ask it to stop.
type Connection struct {
	ID        string
	UserID    int64
	QueueID   events.QueueID
	CreatedAt time.Time

	done      chan struct{}
	closeOnce sync.Once
	reason    CloseReason
}

// NewConnection creates a new SSE connection.
func NewConnection(userID int64, queueID events.QueueID) *Connection {
	return &Connection{
		ID:        uuid.New().String(),
		UserID:    userID,
		QueueID:   queueID,
		CreatedAt: time.Now(),
		done:      make(chan struct{}),
	}
}

// Close asks the stream to end. The first reason wins.
func (c *Connection) Close(reason CloseReason) {
	c.closeOnce.Do(func() {
		c.reason = reason
		close(c.done)
	})
}

// Done is closed once Close has been called.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Reason returns why the connection was closed, or "" while it is open.
func (c *Connection) Reason() CloseReason {
	select {
	case <-c.done:
		return c.reason
	default:
		return ""
	}
}

// IsClosed returns true if the connection is closed.
func (c *Connection) IsClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
