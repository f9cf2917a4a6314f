package app

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"coldroom-server/internal/broadcast"
	"coldroom-server/internal/config"
	"coldroom-server/internal/db"
	"coldroom-server/internal/httpapi"
	"coldroom-server/internal/metrics"
	"coldroom-server/internal/migrate"
	"coldroom-server/internal/modules/readings"
	"coldroom-server/internal/modules/readings/types"
	"coldroom-server/internal/mqtt"
)

// Run starts the pipeline and blocks until ctx is cancelled or the HTTP
// server fails. If ready is non-nil it receives the bound listen address
// once the server accepts connections.
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger, ready chan<- string) error {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("config loaded",
		"appEnv", cfg.AppEnv,
		"logLevel", cfg.LogLevel.String(),
		"httpAddr", cfg.HTTPAddr,
		"sqliteDriver", cfg.SQLiteDriver,
		"sqlitePath", cfg.SQLitePath,
		"sqliteMaxOpenConns", cfg.SQLiteMaxOpenConns,
		"sqliteMaxIdleConns", cfg.SQLiteMaxIdleConns,
		"sqliteConnMaxLifetime", cfg.SQLiteConnMaxLifetime,
		"mqttEnabled", cfg.MQTTEnabled,
		"mqttBroker", cfg.MQTTBroker,
		"mqttPort", cfg.MQTTPort,
		"mqttTopic", cfg.MQTTTopic,
		"persistTimeout", cfg.PersistTimeout,
		"broadcastQueueSize", cfg.BroadcastQueueSize,
		"kafkaBrokers", cfg.KafkaBrokers,
	)

	dbConn, err := db.Open(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(dbConn); closeErr != nil {
			logger.Error("db close", "error", closeErr)
		}
	}()

	applied, err := migrate.Run(ctx, dbConn, logger)
	if err != nil {
		return err
	}
	logger.Info("database ready", "migrationsApplied", len(applied))

	m := metrics.New()
	hub := broadcast.NewHub(cfg.BroadcastQueueSize, logger, m)
	defer hub.Close()

	mux := httpapi.NewMux(httpapi.MuxDeps{
		DB:             dbConn,
		Hub:            hub,
		Metrics:        m,
		AllowedOrigins: cfg.CORSOrigins,
		Logger:         logger,
	})
	feature, err := readings.RegisterFeature(ctx, mux, dbConn, hub, cfg, logger, m)
	if err != nil {
		return err
	}

	mirrorCtx, stopMirror := context.WithCancel(context.Background())
	defer stopMirror()
	var mirror *broadcast.KafkaMirror
	mirrorDone := make(chan struct{})
	if len(cfg.KafkaBrokers) > 0 {
		mirror = broadcast.NewKafkaMirror(hub, broadcast.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic), logger)
		go func() {
			defer close(mirrorDone)
			mirror.Run(mirrorCtx)
		}()
		logger.Info("kafka mirror started", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	} else {
		close(mirrorDone)
	}

	var subscriber *mqtt.Subscriber
	if cfg.MQTTEnabled {
		// The handler must be set before Connect: the broker may deliver
		// right after CONNACK.
		subscriber = mqtt.NewSubscriber(cfg, logger)
		subscriber.SetMessageHandler(func(ctx context.Context, _ string, payload []byte) error {
			_, err := feature.Coordinator.Ingest(ctx, payload, types.OriginMQTT)
			return err
		})

		// A broker outage must not keep the HTTP side down; the client keeps
		// retrying in the background.
		connectCtx, connectCancel := context.WithTimeout(ctx, 5*time.Second)
		err = subscriber.Connect(connectCtx)
		connectCancel()
		if err != nil {
			logger.Warn("mqtt connection failed (continuing, will retry)", "error", err)
		}
	}

	srv := httpapi.NewServer(cfg, mux, logger)
	// Push channels end when the hub closes, which lets Shutdown finish.
	srv.RegisterOnShutdown(hub.Close)

	ln, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		if subscriber != nil {
			subscriber.Disconnect()
		}
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()
	if ready != nil {
		ready <- ln.Addr().String()
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Disconnect returns once running handlers are done with the store.
	if subscriber != nil {
		logger.Info("mqtt disconnecting")
		subscriber.Disconnect()
	}

	if serveErr == nil {
		logger.Info("http shutting down")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown", "error", err)
		}
		serveErr = <-errCh
	}

	hub.Close()
	stopMirror()
	<-mirrorDone
	if mirror != nil {
		if err := mirror.Close(); err != nil {
			logger.Warn("kafka mirror close", "error", err)
		}
	}

	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return serveErr
	}
	return ctx.Err()
}
