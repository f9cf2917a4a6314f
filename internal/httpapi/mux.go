package httpapi

import (
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"coldroom-server/internal/broadcast"
	"coldroom-server/internal/metrics"
)

const sseHeartbeat = 15 * time.Second

// MuxDeps are the shared pieces the infrastructure routes need.
type MuxDeps struct {
	DB             *sql.DB
	Hub            *broadcast.Hub
	Metrics        *metrics.Metrics
	AllowedOrigins []string
	Logger         *slog.Logger
	Now            func() time.Time
}

// NewMux registers health probes, the push channels and /metrics. Feature
// routes are added to the returned mux by their own packages.
func NewMux(deps MuxDeps) *http.ServeMux {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	registerHealthcheck(mux, deps.DB, logger, deps.Now)

	if deps.Hub != nil {
		mux.Handle("GET /ws", deps.Metrics.WrapHandler("/ws",
			broadcast.NewWSHandler(deps.Hub, deps.AllowedOrigins, logger)))
		mux.Handle("GET /api/events", deps.Metrics.WrapHandler("/api/events",
			broadcast.NewSSEHandler(deps.Hub, sseHeartbeat, logger)))
	}
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics.Handler())
	}
	return mux
}
