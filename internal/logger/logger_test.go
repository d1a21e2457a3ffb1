package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"pgregory.net/rapid"
)

func newBufferLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{ReplaceAttr: sanitizeAttributes}))
}

func TestSanitizeAttributes_RedactsAndMasks(t *testing.T) {
	var buf bytes.Buffer
	log := newBufferLogger(&buf)

	queueID := "0123456789abcdef0123456789abcdef"
	log.Info("poll",
		"queue_id", queueID,
		"access_token", "eyJhbGciOi",
		"query", "queue_id="+queueID+"&last_event_id=4&token=abc",
		"user_id", 42)

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON log line: %v", err)
	}

	if entry["queue_id"] != "012345***" {
		t.Errorf("queue_id not masked: %v", entry["queue_id"])
	}
	if entry["access_token"] != "[REDACTED]" {
		t.Errorf("token not redacted: %v", entry["access_token"])
	}
	query := entry["query"].(string)
	if strings.Contains(query, queueID) || strings.Contains(query, "abc") {
		t.Errorf("query leaks secrets: %s", query)
	}
	if !strings.Contains(query, "last_event_id=4") {
		t.Errorf("query lost harmless parameters: %s", query)
	}
	if entry["user_id"] != float64(42) {
		t.Errorf("user_id altered: %v", entry["user_id"])
	}
}

// A masked queue id never contains more than the prefix of the original.
func TestProperty_MaskQueueIDNeverLeaks(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		id := rapid.StringMatching(`[0-9a-f]{0,64}`).Draw(t, "id")
		masked := MaskQueueID(id)

		if id == "" {
			if masked != "" {
				t.Fatalf("empty id masked to %q", masked)
			}
			return
		}
		if len(id) > queueIDPrefix && strings.Contains(masked, id) {
			t.Fatalf("masked value %q contains the id", masked)
		}
		if !strings.HasSuffix(masked, "***") {
			t.Fatalf("masked value %q lacks marker", masked)
		}
	})
}

func TestNew_LevelFiltering(t *testing.T) {
	log := New(Config{Level: "warn", Format: "json", Output: "stderr"})
	if log.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("info should be disabled at warn level")
	}
	if !log.Enabled(context.Background(), slog.LevelError) {
		t.Error("error should be enabled at warn level")
	}
}
