package sse

import (
	"testing"
	"time"

	"pgregory.net/rapid"
)

func newTestConnection(userID int64, created time.Time) *Connection {
	conn := NewConnection(userID, "q")
	conn.CreatedAt = created
	return conn
}

// Adding past the per-user limit closes the oldest connections, never more
// than needed, and never touches other users.
func TestProperty_ConnectionLimitManagement(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		limit := rapid.IntRange(1, 6).Draw(t, "limit")
		adds := rapid.IntRange(1, 20).Draw(t, "adds")

		cm := NewConnectionManager(Config{MaxConnectionsPerUser: limit})
		bystander := newTestConnection(99, time.Unix(0, 0))
		cm.AddConnection(bystander)

		base := time.Unix(1000, 0)
		var all []*Connection
		for i := 0; i < adds; i++ {
			conn := newTestConnection(1, base.Add(time.Duration(i)*time.Second))
			evicted := cm.AddConnection(conn)
			all = append(all, conn)

			if cm.CountConnections(1) > limit {
				t.Fatalf("user has %d connections, limit %d", cm.CountConnections(1), limit)
			}
			wantEvicted := 0
			if i >= limit {
				wantEvicted = 1
			}
			if len(evicted) != wantEvicted {
				t.Fatalf("add %d evicted %d connections", i, len(evicted))
			}
			if wantEvicted == 1 && evicted[0] != all[i-limit] {
				t.Fatalf("add %d evicted a connection other than the oldest", i)
			}
		}

		for i, conn := range all {
			shouldBeOpen := i >= adds-limit
			if conn.IsClosed() == shouldBeOpen {
				t.Fatalf("connection %d closed=%v", i, conn.IsClosed())
			}
			if !shouldBeOpen && conn.Reason() != CloseConnectionLimit {
				t.Fatalf("connection %d closed for %q", i, conn.Reason())
			}
		}
		if bystander.IsClosed() || cm.CountConnections(99) != 1 {
			t.Fatal("another user's connection was affected")
		}
	})
}

func TestConnectionManager_RemoveAndCloseAll(t *testing.T) {
	cm := NewConnectionManager(Config{MaxConnectionsPerUser: 1})

	first := newTestConnection(1, time.Unix(1, 0))
	second := newTestConnection(1, time.Unix(2, 0))
	cm.AddConnection(first)
	cm.AddConnection(second)

	// the evicted handler removing itself must not drop its replacement
	cm.RemoveConnection(first)
	if cm.CountConnections(1) != 1 {
		t.Fatalf("expected the replacement to stay, got %d", cm.CountConnections(1))
	}

	other := newTestConnection(2, time.Unix(3, 0))
	cm.AddConnection(other)
	if cm.TotalConnections() != 2 {
		t.Fatalf("expected 2 connections, got %d", cm.TotalConnections())
	}

	if n := cm.CloseAll(CloseShutdown); n != 2 {
		t.Errorf("closed %d connections", n)
	}
	if second.Reason() != CloseShutdown || other.Reason() != CloseShutdown {
		t.Errorf("unexpected reasons %q %q", second.Reason(), other.Reason())
	}
	if cm.TotalConnections() != 0 {
		t.Errorf("connections left after CloseAll: %d", cm.TotalConnections())
	}
}

func TestConnection_FirstCloseReasonWins(t *testing.T) {
	conn := NewConnection(1, "q")
	if conn.Reason() != "" || conn.IsClosed() {
		t.Fatal("new connection must be open")
	}
	conn.Close(CloseConnectionLimit)
	conn.Close(CloseShutdown)
	if conn.Reason() != CloseConnectionLimit {
		t.Errorf("expected connection_limit, got %q", conn.Reason())
	}
	select {
	case <-conn.Done():
	default:
		t.Error("Done must be closed")
	}
}

func TestFormatSSEEvent(t *testing.T) {
	if got := FormatSSEEvent(3, "pointer", []byte(`{"pointer":7}`)); got != "id: 3\nevent: pointer\ndata: {\"pointer\":7}\n\n" {
		t.Errorf("unexpected frame %q", got)
	}
	if got := FormatSSEEvent(0, "heartbeat", []byte(`{}`)); got != "event: heartbeat\ndata: {}\n\n" {
		t.Errorf("unexpected id-less frame %q", got)
	}
}
