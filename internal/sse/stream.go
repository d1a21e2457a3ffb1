package sse

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/welldanyogia/teamchat-events/internal/events"
)

// Event names of the frames the server emits besides queue events
const (
	FrameConnected       = "connected"
	FrameQueueExpired    = "queue_expired"
	FrameConnectionLimit = "connection_limit"
)

// streamWriter writes SSE frames and flushes after each batch.
type streamWriter struct {
	w       io.Writer
	flusher http.Flusher
}

// writeEvents writes queue events with their ids so a reconnecting client
// resumes through Last-Event-ID.
func (s *streamWriter) writeEvents(evs []events.Event) error {
	for _, e := range evs {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprint(s.w, FormatSSEEvent(e.ID, e.Type(), data)); err != nil {
			return err
		}
	}
	s.flusher.Flush()
	return nil
}

// writeHeartbeat writes an id-less heartbeat frame.
func (s *streamWriter) writeHeartbeat() error {
	return s.writeControl(events.EventTypeHeartbeat, map[string]string{"type": events.EventTypeHeartbeat})
}

// writeControl writes an id-less frame that is not part of the queue.
func (s *streamWriter) writeControl(name string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprint(s.w, FormatSSEEvent(0, name, data)); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// FormatSSEEvent formats one SSE message. A zero id is omitted.
// Format: id: <id>\nevent: <type>\ndata: <json>\n\n
func FormatSSEEvent(id int64, eventType string, data []byte) string {
	if id == 0 {
		return fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, data)
	}
	return fmt.Sprintf("id: %d\nevent: %s\ndata: %s\n\n", id, eventType, data)
}
