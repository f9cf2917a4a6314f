package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/stretchr/testify/require"

	"coldroom-server/internal/config"
)

type storedReading struct {
	ID       int64   `json:"id"`
	RoomID   int64   `json:"room_id"`
	SensorID int64   `json:"sensor_id"`
	Temp     float64 `json:"temperature_c"`
	Origin   string  `json:"origin"`
	Status   string  `json:"status"`
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func startBroker(t *testing.T) (*mochi.Server, int) {
	t.Helper()
	port := freePort(t)
	server := mochi.New(&mochi.Options{InlineClient: true})
	require.NoError(t, server.AddHook(&auth.AllowHook{}, nil))
	require.NoError(t, server.AddListener(listeners.NewTCP(listeners.Config{
		Type:    "tcp",
		ID:      "app",
		Address: "127.0.0.1:" + strconv.Itoa(port),
	})))
	require.NoError(t, server.Serve())
	t.Cleanup(func() { _ = server.Close() })
	return server, port
}

func testConfig(t *testing.T) config.Config {
	return config.Config{
		AppEnv:              "dev",
		LogLevel:            slog.LevelDebug,
		HTTPAddr:            "127.0.0.1:0",
		SQLiteDriver:        "sqlite3",
		SQLitePath:          filepath.Join(t.TempDir(), "coldroom.db"),
		SQLiteMaxOpenConns:  4,
		SQLiteMaxIdleConns:  2,
		MQTTTopic:           "cuartos_frios/lecturas",
		PersistTimeout:      2 * time.Second,
		PersistRetryBackoff: 10 * time.Millisecond,
		BroadcastQueueSize:  16,
		HistoryDefaultLimit: 50,
		TempMinC:            -40,
		TempMaxC:            80,
		HumidityMinPct:      0,
		HumidityMaxPct:      100,
	}
}

type runningApp struct {
	base string
	stop func() error
}

func startApp(t *testing.T, cfg config.Config) *runningApp {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() { done <- Run(ctx, cfg, logger, ready) }()

	var (
		once    sync.Once
		stopErr error
	)
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case stopErr = <-done:
			case <-time.After(15 * time.Second):
				stopErr = errors.New("app did not stop")
			}
		})
		return stopErr
	}

	select {
	case addr := <-ready:
		t.Cleanup(func() { _ = stop() })
		return &runningApp{base: "http://" + addr, stop: stop}
	case err := <-done:
		cancel()
		t.Fatalf("app exited early: %v", err)
	case <-time.After(10 * time.Second):
		cancel()
		t.Fatal("app never became ready")
	}
	return nil
}

func fetchHistory(base string) ([]storedReading, error) {
	resp, err := http.Get(base + "/api/readings")
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var body struct {
		OK   bool            `json:"ok"`
		Data []storedReading `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

func history(t *testing.T, base string) []storedReading {
	t.Helper()
	got, err := fetchHistory(base)
	require.NoError(t, err)
	return got
}

func TestRun_HTTPIngestAndShutdown(t *testing.T) {
	cfg := testConfig(t)
	app := startApp(t, cfg)
	base := app.base

	resp, err := http.Post(base+"/api/readings", "application/json",
		bytes.NewBufferString(`{"room_id":1,"sensor_id":7,"temperature_c":3.5,"humidity_pct":80}`))
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	got := history(t, base)
	require.Len(t, got, 1)
	require.Equal(t, int64(7), got[0].SensorID)
	require.Equal(t, "HTTP", got[0].Origin)
	require.Equal(t, "NORMAL", got[0].Status)

	resp, err = http.Get(base + "/api/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.ErrorIs(t, app.stop(), context.Canceled)
}

func TestRun_MQTTIngest(t *testing.T) {
	broker, port := startBroker(t)

	cfg := testConfig(t)
	cfg.MQTTEnabled = true
	cfg.MQTTBroker = "127.0.0.1"
	cfg.MQTTPort = port
	base := startApp(t, cfg).base

	payload := []byte(`{"cuarto_id":2,"sensor_id":9,"temperatura_c":120,"humedad_pct":50}`)
	require.Eventually(t, func() bool {
		// Retried until the subscription made in the on-connect callback is live.
		_ = broker.Publish(cfg.MQTTTopic, payload, false, 1)
		time.Sleep(50 * time.Millisecond)
		got, err := fetchHistory(base)
		return err == nil && len(got) > 0
	}, 10*time.Second, 100*time.Millisecond)

	got := history(t, base)
	require.Equal(t, int64(2), got[0].RoomID)
	require.Equal(t, "MQTT", got[0].Origin)
	require.Equal(t, "SUSPECT", got[0].Status)
}

func TestRun_StartsWithoutBroker(t *testing.T) {
	cfg := testConfig(t)
	cfg.MQTTEnabled = true
	cfg.MQTTBroker = "127.0.0.1"
	cfg.MQTTPort = freePort(t)

	base := startApp(t, cfg).base

	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRun_InvalidListenAddress(t *testing.T) {
	cfg := testConfig(t)
	cfg.HTTPAddr = "256.0.0.1:bad"

	err := Run(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	require.Error(t, err)
}
