package httpapi

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
)

// requestLogger logs one line per request. The wrapped writer keeps
// http.Hijacker and http.Flusher so /ws and /api/events still work.
func requestLogger(logger *slog.Logger, next http.Handler) http.Handler {
	return handlers.CustomLoggingHandler(io.Discard, next, func(_ io.Writer, p handlers.LogFormatterParams) {
		level := slog.LevelInfo
		if p.StatusCode >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		logger.Log(p.Request.Context(), level, "http request",
			"method", p.Request.Method,
			"path", p.URL.Path,
			"status", p.StatusCode,
			"size", p.Size,
			"duration_ms", time.Since(p.TimeStamp).Milliseconds(),
			"remote", p.Request.RemoteAddr,
		)
	})
}

// recoveryLogger adapts slog to handlers.RecoveryHandlerLogger.
type recoveryLogger struct {
	logger *slog.Logger
}

func (l recoveryLogger) Println(v ...interface{}) {
	l.logger.Error("http handler panicked", "panic", fmt.Sprint(v...))
}

func recoverer(logger *slog.Logger, next http.Handler) http.Handler {
	return handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{logger: logger}),
	)(next)
}

// cors lets the listed browser origins call the API. With no origins
// configured the handler is returned unchanged.
func cors(origins []string, next http.Handler) http.Handler {
	if len(origins) == 0 {
		return next
	}
	return handlers.CORS(
		handlers.AllowedOrigins(origins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)(next)
}
