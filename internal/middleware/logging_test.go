package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	chimw "github.com/go-chi/chi/v5/middleware"
)

func TestLoggingMiddleware_RecordsUserAndMasksQueueID(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	tokenService := newTestTokenService()
	token, err := tokenService.GenerateAccessToken(42, 1, "u@x.test")
	if err != nil {
		t.Fatal(err)
	}

	handler := chimw.RequestID(StructuredLogger(log)(NewAuthMiddleware(tokenService).Authenticate(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))))

	queueID := strings.Repeat("ab", 32)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/events?queue_id="+queueID+"&last_event_id=3", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v: %s", err, buf.String())
	}
	if entry["user_id"] != float64(42) || entry["status"] != float64(200) {
		t.Errorf("unexpected entry %v", entry)
	}
	if id, _ := entry["correlation_id"].(string); id == "" {
		t.Errorf("missing correlation id in %v", entry)
	}
	if strings.Contains(buf.String(), queueID) {
		t.Error("queue id leaked into the request log")
	}
}

func TestLoggingMiddleware_RejectedRequestHasNoUser(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := StructuredLogger(log)(NewAuthMiddleware(newTestTokenService()).Authenticate(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/register", nil))

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if _, ok := entry["user_id"]; ok || entry["level"] != "WARN" {
		t.Errorf("unexpected entry %v", entry)
	}
}
