package yuri

import (
	"context"
	"log/slog"
	"time"
)

// AccessLogger writes one structured line per completed exchange.
// It uses slog.LogAttrs for low-allocation logging on the hot path.
type AccessLogger struct {
	logger *slog.Logger
}

// AccessLogEntry contains all fields for a single access log record.
type AccessLogEntry struct {
	// Timestamp when the request was captured.
	Timestamp time.Time

	// ID is the exchange id.
	ID string

	// Method is the HTTP method.
	Method string

	// URL is the request URL after rewriting.
	URL string

	// StatusCode is the response status; 502 when the upstream failed.
	StatusCode int

	// Duration from capture to response.
	Duration time.Duration

	// RequestBytes and ResponseBytes are the buffered body sizes.
	RequestBytes  int
	ResponseBytes int
}

// NewAccessLogger creates a new AccessLogger that writes to the given slog.Logger.
// For best performance, pass a logger configured with slog.NewJSONHandler.
func NewAccessLogger(logger *slog.Logger) *AccessLogger {
	return &AccessLogger{logger: logger}
}

// Log writes an access log entry.
func (al *AccessLogger) Log(e AccessLogEntry) {
	attrs := make([]slog.Attr, 0, 8)

	attrs = append(attrs,
		slog.Time("timestamp", e.Timestamp),
		slog.String("id", e.ID),
		slog.String("method", e.Method),
		slog.String("url", e.URL),
		slog.Int("status", e.StatusCode),
		slog.Duration("duration", e.Duration),
	)

	if e.RequestBytes > 0 {
		attrs = append(attrs, slog.Int("request_bytes", e.RequestBytes))
	}
	if e.ResponseBytes > 0 {
		attrs = append(attrs, slog.Int("response_bytes", e.ResponseBytes))
	}

	al.logger.LogAttrs(context.Background(), slog.LevelInfo, "access", attrs...)
}
