// Package middleware provides HTTP middleware for the event API: bearer
// authentication, structured request logging and rate limiting.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/welldanyogia/teamchat-events/internal/logger"
)

// longPollThreshold separates parked long-poll requests from regular traffic.
const longPollThreshold = 10 * time.Second

type requestLogKey struct{}

// requestLog collects fields that inner middleware learn after the request
// logger has wrapped the request.
type requestLog struct {
	userID atomic.Int64
}

// annotateRequestLog records the authenticated user for the request log line.
func annotateRequestLog(ctx context.Context, userID int64) {
	if rl, ok := ctx.Value(requestLogKey{}).(*requestLog); ok {
		rl.userID.Store(userID)
	}
}

// LoggingMiddleware provides structured JSON logging for HTTP requests
type LoggingMiddleware struct {
	logger *slog.Logger
}

// NewLoggingMiddleware creates a new LoggingMiddleware instance
func NewLoggingMiddleware(log *slog.Logger) *LoggingMiddleware {
	if log == nil {
		log = slog.Default()
	}
	return &LoggingMiddleware{logger: log.With("component", "http")}
}

// Handler logs one line per request. Queue ids in the query are masked, and
// long-polls that simply waited out their timeout are logged at debug level.
func (m *LoggingMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())

		fields := &requestLog{}
		ctx := logger.SetCorrelationID(r.Context(), requestID)
		ctx = context.WithValue(ctx, requestLogKey{}, fields)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		duration := time.Since(start)
		status := ww.Status()
		attrs := []any{
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("query", logger.MaskQuery(r.URL.RawQuery)),
			slog.Int("status", status),
			slog.Int("bytes", ww.BytesWritten()),
			slog.Duration("duration", duration),
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("user_agent", r.UserAgent()),
		}
		if userID := fields.userID.Load(); userID > 0 {
			attrs = append(attrs, slog.Int64("user_id", userID))
		}
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			attrs = append(attrs, slog.String("x_forwarded_for", xff))
		}

		log := logger.WithCorrelationID(ctx, m.logger)
		switch {
		case status >= 500:
			log.Error("HTTP request completed with server error", attrs...)
		case status >= 400:
			log.Warn("HTTP request completed with client error", attrs...)
		case duration >= longPollThreshold:
			log.Debug("HTTP request completed", attrs...)
		default:
			log.Info("HTTP request completed", attrs...)
		}
	})
}

// StructuredLogger returns a chi-compatible logger that uses slog
func StructuredLogger(log *slog.Logger) func(next http.Handler) http.Handler {
	return NewLoggingMiddleware(log).Handler
}
