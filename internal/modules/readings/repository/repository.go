package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"coldroom-server/internal/metrics"
	"coldroom-server/internal/modules/readings/types"
)

//go:embed sql/insert-reading.sql
var insertReadingSQL string

//go:embed sql/query-readings.sql
var queryReadingsSQL string

//go:embed sql/query-readings-by-sensor.sql
var queryReadingsBySensorSQL string

//go:embed sql/latest-per-room.sql
var latestPerRoomSQL string

// MaxLimit caps the number of rows a single Query returns.
const MaxLimit = 500

// ErrStoreUnavailable wraps every failure to reach or write the store.
var ErrStoreUnavailable = errors.New("store unavailable")

// Instants are stored fixed-width so that text order equals time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type Filter struct {
	SensorID *int64
}

// Reader is the read-only half used by the history and room endpoints.
type Reader interface {
	Query(ctx context.Context, filter Filter, limit int) ([]types.StoredReading, error)
	LatestPerRoom(ctx context.Context) ([]types.StoredReading, error)
}

type ReadingRepository interface {
	Reader
	Persist(ctx context.Context, r types.ClassifiedReading, onCommit func(types.StoredReading)) (types.StoredReading, error)
}

type Options struct {
	// Timeout bounds every store round trip.
	Timeout time.Duration
	// RetryBackoff is the pause before the single persist retry.
	RetryBackoff time.Duration
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
	// Now stamps persisted_at; defaults to time.Now.
	Now func() time.Time
}

type repositoryImpl struct {
	db      *sql.DB
	timeout time.Duration
	backoff time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	// writeMu spans one insert attempt and its commit callback, never the
	// retry backoff.
	writeMu sync.Mutex
}

func NewRepository(db *sql.DB, opts Options) ReadingRepository {
	r := &repositoryImpl{
		db:      db,
		timeout: opts.Timeout,
		backoff: opts.RetryBackoff,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		now:     opts.Now,
	}
	if r.timeout <= 0 {
		r.timeout = 5 * time.Second
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "readings-repository")
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Persist appends r and returns it with its id and persistence instant.
// The write is detached from ctx cancellation: once started it runs to
// completion or failure. A failed attempt is retried once. onCommit, when
// set, sees readings in commit order and must not block.
func (r *repositoryImpl) Persist(ctx context.Context, reading types.ClassifiedReading, onCommit func(types.StoredReading)) (types.StoredReading, error) {
	start := time.Now()
	defer func() { r.metrics.PersistDuration(time.Since(start)) }()

	stored := types.StoredReading{ClassifiedReading: reading}
	stored.CapturedAt = reading.CapturedAt.UTC()

	err := r.withRetry(context.WithoutCancel(ctx), func(attemptCtx context.Context) error {
		r.writeMu.Lock()
		defer r.writeMu.Unlock()

		stored.PersistedAt = r.now().UTC()
		err := r.db.QueryRowContext(attemptCtx, insertReadingSQL,
			reading.RoomID,
			reading.SensorID,
			reading.TemperatureC,
			reading.HumidityPct,
			string(reading.Origin),
			string(reading.Status),
			stored.CapturedAt.Format(timeLayout),
			stored.PersistedAt.Format(timeLayout),
		).Scan(&stored.ID)
		if err == nil && onCommit != nil {
			onCommit(stored)
		}
		return err
	})
	if err != nil {
		return types.StoredReading{}, err
	}
	return stored, nil
}

// withRetry runs fn at most twice, each attempt under its own timeout.
func (r *repositoryImpl) withRetry(ctx context.Context, fn func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= 2; attempt++ {
		if attempt == 2 {
			r.metrics.PersistRetry()
			r.logger.Warn("persist failed, retrying once", "error", err, "backoff", r.backoff)
			if r.backoff > 0 {
				time.Sleep(r.backoff)
			}
		}
		attemptCtx, cancel := context.WithTimeout(ctx, r.timeout)
		err = fn(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: persist: %v", ErrStoreUnavailable, err)
}

// Query returns readings newest capture first. limit is clamped to
// [1, MaxLimit].
func (r *repositoryImpl) Query(ctx context.Context, filter Filter, limit int) ([]types.StoredReading, error) {
	limit = ClampLimit(limit)

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var (
		rows *sql.Rows
		err  error
	)
	if filter.SensorID != nil {
		rows, err = r.db.QueryContext(ctx, queryReadingsBySensorSQL, *filter.SensorID, limit)
	} else {
		rows, err = r.db.QueryContext(ctx, queryReadingsSQL, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: query: %v", ErrStoreUnavailable, err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			r.logger.Error("close readings rows", "error", err)
		}
	}()

	out, err := scanReadings(rows)
	if err != nil {
		return nil, fmt.Errorf("%w: scan: %v", ErrStoreUnavailable, err)
	}
	return out, nil
}

// LatestPerRoom returns the most recently captured reading of every room.
// Readings without a room are grouped by sensor, as the room view keys them.
func (r *repositoryImpl) LatestPerRoom(ctx context.Context) ([]types.StoredReading, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, latestPerRoomSQL)
	if err != nil {
		return nil, fmt.Errorf("%w: latest per room: %v", ErrStoreUnavailable, err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			r.logger.Error("close latest rows", "error", err)
		}
	}()

	out, err := scanReadings(rows)
	if err != nil {
		return nil, fmt.Errorf("%w: scan: %v", ErrStoreUnavailable, err)
	}
	return out, nil
}

func ClampLimit(limit int) int {
	switch {
	case limit < 1:
		return 1
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}

func scanReadings(rows *sql.Rows) ([]types.StoredReading, error) {
	out := []types.StoredReading{}
	for rows.Next() {
		var (
			rec                     types.StoredReading
			origin, status          string
			capturedAt, persistedAt string
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.RoomID,
			&rec.SensorID,
			&rec.TemperatureC,
			&rec.HumidityPct,
			&origin,
			&status,
			&capturedAt,
			&persistedAt,
		); err != nil {
			return nil, err
		}
		rec.Origin = types.Origin(origin)
		rec.Status = types.Status(status)

		var err error
		if rec.CapturedAt, err = parseInstant(capturedAt); err != nil {
			return nil, err
		}
		if rec.PersistedAt, err = parseInstant(persistedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func parseInstant(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		var err2 error
		t, err2 = time.Parse(time.RFC3339Nano, s)
		if err2 != nil {
			return time.Time{}, fmt.Errorf("parse timestamp %q: %w; RFC3339Nano: %w", s, err, err2)
		}
	}
	return t.UTC(), nil
}
