package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/gorilla/websocket"

	"coldroom-server/internal/config"
	"coldroom-server/internal/db"
	"coldroom-server/internal/migrate"
	"coldroom-server/internal/modules/readings/roomview"
	"coldroom-server/internal/mqtt"
)

const usage = `usage: %s <command>
  migrate         apply pending schema migrations
  watch [url]     print the live room view of a running server (default http://localhost:3000)
  simulate [rooms] [interval]
                  publish synthetic cold-room readings over MQTT (default 3 rooms every 5s)
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, usage, os.Args[0])
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch os.Args[1] {
	case "migrate":
		if err := runMigrate(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
			os.Exit(1)
		}
	case "watch":
		base := "http://localhost:3000"
		if len(os.Args) > 2 {
			base = os.Args[2]
		}
		if err := watch(ctx, base, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "watch: %v\n", err)
			os.Exit(1)
		}
	case "simulate":
		if err := runSimulate(ctx, os.Args[2:]); err != nil && !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "simulate: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}
}

func runMigrate(ctx context.Context) error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))

	conn, err := db.Open(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(conn); closeErr != nil {
			logger.Error("db close", "err", closeErr)
		}
	}()

	applied, err := migrate.Run(ctx, conn, logger)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		fmt.Println("database is up to date")
		return nil
	}
	fmt.Printf("migrations applied: %s\n", strings.Join(applied, ", "))
	return nil
}

// watch seeds a room view from the latest readings, then applies every
// pushed reading and reprints the table.
func watch(ctx context.Context, base string, out io.Writer) error {
	view, err := seedView(ctx, base)
	if err != nil {
		return err
	}
	printCards(out, roomview.RenderAll(view, time.Now()))

	wsURL, err := pushURL(base)
	if err != nil {
		return err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}
	defer func() { _ = conn.Close() }()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		var frame struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read frame: %w", err)
		}
		if frame.Event != "new-reading" {
			continue
		}
		r, err := roomview.DecodeEvent(frame.Data)
		if err != nil {
			return err
		}
		if view.Apply(r) {
			printCards(out, roomview.RenderAll(view, time.Now()))
		}
	}
}

func seedView(ctx context.Context, base string) (*roomview.View, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+"/api/readings?limit=500", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("load history: status %d", resp.StatusCode)
	}

	var body struct {
		Data []json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	view := roomview.NewView()
	for _, raw := range body.Data {
		r, err := roomview.DecodeEvent(raw)
		if err != nil {
			return nil, err
		}
		view.Apply(r)
	}
	return view, nil
}

func pushURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", base, err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/ws"
	return u.String(), nil
}

func printCards(out io.Writer, cards []roomview.Card) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tSENSOR\tTEMP °C\tHUMIDITY %\tSTATUS\tORIGIN\tAGE")
	for _, c := range cards {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			c.Key, c.SensorID, c.Temperature, c.Humidity, c.Status, c.Origin, c.Age)
	}
	_ = tw.Flush()
	fmt.Fprintln(out)
}

type telemetryPublisher interface {
	Publish(t mqtt.Telemetry) error
}

func runSimulate(ctx context.Context, args []string) error {
	rooms, interval := 3, 5*time.Second
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid rooms %q", args[0])
		}
		rooms = n
	}
	if len(args) > 1 {
		d, err := time.ParseDuration(args[1])
		if err != nil || d <= 0 {
			return fmt.Errorf("invalid interval %q", args[1])
		}
		interval = d
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))

	pub := mqtt.NewPublisher(cfg, logger)
	defer pub.Disconnect()

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = pub.Connect(connectCtx)
	cancel()
	if err != nil {
		return err
	}

	rng := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0))
	return simulate(ctx, pub, rooms, interval, rng, logger)
}

// simulate publishes one reading per room every interval. Temperatures
// drift around -18 °C; now and then a sensor glitches far out of range.
func simulate(ctx context.Context, pub telemetryPublisher, rooms int, interval time.Duration, rng *rand.Rand, logger *slog.Logger) error {
	temps := make([]float64, rooms)
	for i := range temps {
		temps[i] = -18
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for i := range temps {
				temps[i] = math.Max(-25, math.Min(-10, temps[i]+rng.NormFloat64()*0.3))
				t := mqtt.Telemetry{
					RoomID:       int64(i + 1),
					SensorID:     int64((i+1)*100 + 1),
					TemperatureC: math.Round(temps[i]*100) / 100,
					HumidityPct:  math.Round((70+rng.Float64()*25)*100) / 100,
					CapturedAt:   time.Now().UTC(),
				}
				if rng.IntN(100) == 0 {
					t.TemperatureC = 99.9
				}
				if err := pub.Publish(t); err != nil {
					logger.Warn("publish failed", "room_id", t.RoomID, "error", err)
				}
			}
		}
	}
}
