package controller

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"coldroom-server/internal/metrics"
	"coldroom-server/internal/modules/readings/repository"
	"coldroom-server/internal/modules/readings/roomview"
	"coldroom-server/internal/modules/readings/types"
)

// Ingester is the synchronous entry into the ingestion pipeline.
type Ingester interface {
	Ingest(ctx context.Context, payload []byte, origin types.Origin) (types.StoredReading, error)
}

type ReadingsController interface {
	RegisterRoutes(mux *http.ServeMux)
}

type Options struct {
	DefaultLimit int
	// MaxBodyBytes caps a submission body; defaults to 64 KiB.
	MaxBodyBytes int64
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
	Now          func() time.Time
}

type readingsControllerImpl struct {
	ingester     Ingester
	reader       repository.Reader
	view         *roomview.View
	defaultLimit int
	maxBodyBytes int64
	logger       *slog.Logger
	metrics      *metrics.Metrics
	now          func() time.Time
}

// NewReadingsController wires the submission, history and room endpoints.
// With a nil view, /api/rooms is computed from the store on each request.
func NewReadingsController(ingester Ingester, reader repository.Reader, view *roomview.View, opts Options) ReadingsController {
	c := &readingsControllerImpl{
		ingester:     ingester,
		reader:       reader,
		view:         view,
		defaultLimit: opts.DefaultLimit,
		maxBodyBytes: opts.MaxBodyBytes,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		now:          opts.Now,
	}
	if c.defaultLimit <= 0 || c.defaultLimit > repository.MaxLimit {
		c.defaultLimit = defaultLimit
	}
	if c.maxBodyBytes <= 0 {
		c.maxBodyBytes = 64 << 10
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "readings-api")
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

func (c *readingsControllerImpl) RegisterRoutes(mux *http.ServeMux) {
	c.handle(mux, "POST /api/readings", c.handleCreate)
	c.handle(mux, "GET /api/readings", c.handleList)
	c.handle(mux, "GET /api/rooms", c.handleRooms)

	// Routes used by the first generation of field clients.
	c.handle(mux, "POST /api/lecturas", c.handleCreate)
	c.handle(mux, "GET /api/lecturas", c.handleList)
}

func (c *readingsControllerImpl) handle(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.Handle(pattern, c.metrics.WrapHandler(pattern, h))
}
