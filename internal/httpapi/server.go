package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"coldroom-server/internal/config"
)

// NewServer wraps handler with panic recovery, CORS and request logging.
// No write timeout is set: /ws and /api/events hold connections open.
func NewServer(cfg config.Config, handler http.Handler, logger *slog.Logger) *http.Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "http")

	h := recoverer(logger, handler)
	h = cors(cfg.CORSOrigins, h)
	h = requestLogger(logger, h)

	return &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
}
