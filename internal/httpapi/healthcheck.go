package httpapi

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"coldroom-server/internal/utils"
)

type liveness struct {
	OK bool   `json:"ok"`
	TS string `json:"ts"`
}

type healthchecker interface {
	handleHealthz(w http.ResponseWriter, r *http.Request)
	handleLiveness(w http.ResponseWriter, r *http.Request)
}

type healthcheckerImpl struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

func NewHealthchecker(db *sql.DB, logger *slog.Logger, now func() time.Time) healthchecker {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &healthcheckerImpl{db: db, logger: logger, now: now}
}

// handleHealthz is the readiness probe: it fails when the store does.
func (h *healthcheckerImpl) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	var ok int
	if err := h.db.QueryRowContext(ctx, `SELECT 1`).Scan(&ok); err != nil {
		h.logger.Error("failed to check database connectivity", "error", err)
		utils.WriteError(w, http.StatusServiceUnavailable, "StoreUnavailable", "failed to check database connectivity")
		return
	}
	utils.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleLiveness reports the process is up. It never touches the store.
func (h *healthcheckerImpl) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	utils.WriteJSON(w, http.StatusOK, liveness{
		OK: true,
		TS: h.now().UTC().Format(time.RFC3339Nano),
	})
}

func registerHealthcheck(mux *http.ServeMux, db *sql.DB, logger *slog.Logger, now func() time.Time) {
	healthchecker := NewHealthchecker(db, logger, now)
	mux.HandleFunc("GET /healthz", healthchecker.handleHealthz)
	mux.HandleFunc("GET /api/health", healthchecker.handleLiveness)
}
