package readings

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"

	"coldroom-server/internal/broadcast"
	"coldroom-server/internal/config"
	"coldroom-server/internal/metrics"
	"coldroom-server/internal/modules/readings/classify"
	"coldroom-server/internal/modules/readings/controller"
	"coldroom-server/internal/modules/readings/ingest"
	"coldroom-server/internal/modules/readings/repository"
	"coldroom-server/internal/modules/readings/roomview"
)

// Feature holds the pieces other subsystems need after registration.
type Feature struct {
	Repository  repository.ReadingRepository
	Coordinator *ingest.Coordinator
	View        *roomview.View
}

// RegisterFeature builds the readings pipeline, seeds the live room view from
// the store and mounts the HTTP routes. The view follows hub until the hub
// is closed.
func RegisterFeature(ctx context.Context, mux *http.ServeMux, db *sql.DB, hub *broadcast.Hub, cfg config.Config, logger *slog.Logger, m *metrics.Metrics) (*Feature, error) {
	repo := repository.NewRepository(db, repository.Options{
		Timeout:      cfg.PersistTimeout,
		RetryBackoff: cfg.PersistRetryBackoff,
		Logger:       logger,
		Metrics:      m,
	})

	coordinator := ingest.NewCoordinator(repo, hub, ingest.Options{
		Thresholds: classify.Thresholds{
			TempMin:     cfg.TempMinC,
			TempMax:     cfg.TempMaxC,
			HumidityMin: cfg.HumidityMinPct,
			HumidityMax: cfg.HumidityMaxPct,
		},
		Logger:  logger,
		Metrics: m,
	})

	// Subscribe before loading so nothing committed in between is missed;
	// Apply discards whichever copy is stale.
	sub := hub.Subscribe("roomview")
	latest, err := repo.LatestPerRoom(ctx)
	if err != nil {
		sub.Close()
		return nil, err
	}
	view := roomview.Fold(nil, latest)
	go view.Follow(sub.Events())
	logger.Info("room view seeded", "rooms", view.Len())

	controller.NewReadingsController(coordinator, repo, view, controller.Options{
		DefaultLimit: cfg.HistoryDefaultLimit,
		Logger:       logger,
		Metrics:      m,
	}).RegisterRoutes(mux)

	return &Feature{Repository: repo, Coordinator: coordinator, View: view}, nil
}
