// Package ingest runs one reading through normalize, classify, persist and
// broadcast. Both the MQTT subscriber and the HTTP submission endpoint feed
// the same Coordinator.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"coldroom-server/internal/metrics"
	"coldroom-server/internal/modules/readings/classify"
	"coldroom-server/internal/modules/readings/normalize"
	"coldroom-server/internal/modules/readings/types"
)

// Stage is a step of the per-message state machine.
type Stage string

const (
	StageReceived   Stage = "RECEIVED"
	StageNormalized Stage = "NORMALIZED"
	StageClassified Stage = "CLASSIFIED"
	StagePersisted  Stage = "PERSISTED"
	StageBroadcast  Stage = "BROADCAST"
	StageRejected   Stage = "REJECTED"
)

// Persister stores a reading and calls onCommit in commit order, before
// the next reading can commit.
type Persister interface {
	Persist(ctx context.Context, r types.ClassifiedReading, onCommit func(types.StoredReading)) (types.StoredReading, error)
}

type Broadcaster interface {
	Broadcast(r types.StoredReading)
}

type Options struct {
	Thresholds classify.Thresholds
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	// Now is the normalization clock; defaults to time.Now.
	Now func() time.Time
}

type Coordinator struct {
	persister   Persister
	broadcaster Broadcaster
	thresholds  classify.Thresholds
	logger      *slog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
}

func NewCoordinator(p Persister, b Broadcaster, opts Options) *Coordinator {
	c := &Coordinator{
		persister:   p,
		broadcaster: b,
		thresholds:  opts.Thresholds,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		now:         opts.Now,
	}
	if c.thresholds == (classify.Thresholds{}) {
		c.thresholds = classify.DefaultThresholds
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "ingest")
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Ingest decodes payload and runs it through the pipeline.
func (c *Coordinator) Ingest(ctx context.Context, payload []byte, origin types.Origin) (types.StoredReading, error) {
	c.stage(ctx, StageReceived, origin, "size", len(payload))
	raw, err := normalize.DecodeRaw(payload)
	if err != nil {
		return types.StoredReading{}, c.reject(ctx, origin, metrics.OutcomeRejectedInput, err)
	}
	return c.process(ctx, raw, origin)
}

// IngestRaw runs an already decoded payload through the pipeline.
func (c *Coordinator) IngestRaw(ctx context.Context, raw types.RawReading, origin types.Origin) (types.StoredReading, error) {
	c.stage(ctx, StageReceived, origin)
	return c.process(ctx, raw, origin)
}

func (c *Coordinator) process(ctx context.Context, raw types.RawReading, origin types.Origin) (types.StoredReading, error) {
	canonical, err := normalize.Normalize(raw, origin, c.now())
	if err != nil {
		return types.StoredReading{}, c.reject(ctx, origin, metrics.OutcomeRejectedInput, err)
	}
	c.stage(ctx, StageNormalized, origin, "room_id", canonical.RoomID, "sensor_id", canonical.SensorID)

	classified := c.thresholds.Classify(canonical)
	c.stage(ctx, StageClassified, origin, "status", classified.Status)

	// The broadcast rides the commit so hub order equals commit order.
	stored, err := c.persister.Persist(ctx, classified, c.broadcaster.Broadcast)
	if err != nil {
		return types.StoredReading{}, c.reject(ctx, origin, metrics.OutcomeRejectedStore, err)
	}

	c.stage(ctx, StagePersisted, origin, "id", stored.ID)
	c.stage(ctx, StageBroadcast, origin, "id", stored.ID)
	c.metrics.Reading(string(origin), metrics.OutcomePersisted)
	return stored, nil
}

func (c *Coordinator) reject(ctx context.Context, origin types.Origin, outcome string, err error) error {
	c.metrics.Reading(string(origin), outcome)
	level := slog.LevelInfo
	if outcome == metrics.OutcomeRejectedStore {
		level = slog.LevelError
	}
	c.logger.Log(ctx, level, "reading rejected",
		"stage", StageRejected, "origin", origin, "outcome", outcome, "error", err)
	return err
}

func (c *Coordinator) stage(ctx context.Context, s Stage, origin types.Origin, attrs ...any) {
	if !c.logger.Enabled(ctx, slog.LevelDebug) {
		return
	}
	c.logger.DebugContext(ctx, "reading stage", append([]any{"stage", s, "origin", origin}, attrs...)...)
}
