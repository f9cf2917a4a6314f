package httpapi

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	_ "github.com/mattn/go-sqlite3"

	"coldroom-server/internal/broadcast"
	"coldroom-server/internal/config"
	"coldroom-server/internal/metrics"
	"coldroom-server/internal/modules/readings/types"
)

var fixedNow = time.Date(2024, 5, 1, 12, 30, 0, 123000000, time.FixedZone("X", 2*3600))

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// lockedBuffer is written by server goroutines and read by the test.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// waitForLog polls because the request line is written after the response.
func (b *lockedBuffer) waitForLog(t *testing.T, substrs ...string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		logs := b.String()
		found := true
		for _, s := range substrs {
			if !strings.Contains(logs, s) {
				found = false
			}
		}
		if found {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected log to contain %q, got %s", substrs, logs)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type testEnv struct {
	ts      *httptest.Server
	hub     *broadcast.Hub
	metrics *metrics.Metrics
	logs    *lockedBuffer
}

func newTestEnv(t *testing.T, db *sql.DB, extra func(mux *http.ServeMux)) *testEnv {
	t.Helper()

	logs := &lockedBuffer{}
	logger := slog.New(slog.NewJSONHandler(logs, nil))
	m := metrics.New()
	hub := broadcast.NewHub(8, logger, m)
	t.Cleanup(hub.Close)

	mux := NewMux(MuxDeps{
		DB:      db,
		Hub:     hub,
		Metrics: m,
		Logger:  logger,
		Now:     func() time.Time { return fixedNow },
	})
	if extra != nil {
		extra(mux)
	}

	cfg := config.Config{HTTPAddr: ":0", CORSOrigins: []string{"http://localhost:5173"}}
	srv := NewServer(cfg, mux, logger)
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)

	return &testEnv{ts: ts, hub: hub, metrics: m, logs: logs}
}

func mustGetJSON[T any](t *testing.T, client *http.Client, url string, out *T) *http.Response {
	t.Helper()

	resp, err := client.Get(url)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	return resp
}

func TestLiveness(t *testing.T) {
	env := newTestEnv(t, openDB(t), nil)

	var body struct {
		OK bool   `json:"ok"`
		TS string `json:"ts"`
	}
	resp := mustGetJSON(t, env.ts.Client(), env.ts.URL+"/api/health", &body)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
	if !body.OK {
		t.Fatalf("expected ok=true")
	}
	if want := "2024-05-01T10:30:00.123Z"; body.TS != want {
		t.Fatalf("expected ts %q, got %q", want, body.TS)
	}
}

func TestLiveness_DoesNotDependOnStore(t *testing.T) {
	db := openDB(t)
	_ = db.Close()
	env := newTestEnv(t, db, nil)

	var body map[string]any
	resp := mustGetJSON(t, env.ts.Client(), env.ts.URL+"/api/health", &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, openDB(t), nil)

	var body map[string]string
	resp := mustGetJSON(t, env.ts.Client(), env.ts.URL+"/healthz", &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
	if body["status"] != "ok" {
		t.Fatalf("expected status ok, got %v", body)
	}
}

func TestHealthz_StoreDown(t *testing.T) {
	db := openDB(t)
	_ = db.Close()
	env := newTestEnv(t, db, nil)

	var body map[string]any
	resp := mustGetJSON(t, env.ts.Client(), env.ts.URL+"/healthz", &body)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", resp.StatusCode)
	}
	if body["ok"] != false || body["code"] != "StoreUnavailable" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestRequestsAreLogged(t *testing.T) {
	env := newTestEnv(t, openDB(t), nil)

	var body map[string]any
	mustGetJSON(t, env.ts.Client(), env.ts.URL+"/api/health", &body)

	env.logs.waitForLog(t, `"msg":"http request"`, `"path":"/api/health"`, `"status":200`)
}

func TestPanicsAreRecovered(t *testing.T) {
	env := newTestEnv(t, openDB(t), func(mux *http.ServeMux) {
		mux.HandleFunc("GET /boom", func(http.ResponseWriter, *http.Request) { panic("boom") })
	})

	resp, err := env.ts.Client().Get(env.ts.URL + "/boom")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", resp.StatusCode)
	}
	env.logs.waitForLog(t, "http handler panicked", "boom")
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t, openDB(t), nil)

	tests := []struct {
		name   string
		origin string
		want   string
	}{
		{name: "allowed origin", origin: "http://localhost:5173", want: "http://localhost:5173"},
		{name: "unknown origin", origin: "http://evil.example", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodOptions, env.ts.URL+"/api/health", nil)
			if err != nil {
				t.Fatalf("new request: %v", err)
			}
			req.Header.Set("Origin", tt.origin)
			req.Header.Set("Access-Control-Request-Method", http.MethodPost)
			req.Header.Set("Access-Control-Request-Headers", "Content-Type")

			resp, err := env.ts.Client().Do(req)
			if err != nil {
				t.Fatalf("do: %v", err)
			}
			_ = resp.Body.Close()

			if got := resp.Header.Get("Access-Control-Allow-Origin"); got != tt.want {
				t.Fatalf("expected Access-Control-Allow-Origin %q, got %q", tt.want, got)
			}
		})
	}
}

func TestWebSocketThroughMiddleware(t *testing.T) {
	env := newTestEnv(t, openDB(t), nil)

	url := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close() }()

	deadline := time.Now().Add(2 * time.Second)
	for env.hub.Len() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("observer never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	env.hub.Broadcast(types.StoredReading{ID: 9})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame broadcast.Frame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if frame.Event != broadcast.EventNewReading || frame.Data.ID != 9 {
		t.Fatalf("unexpected frame %+v", frame)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, openDB(t), nil)

	resp, err := env.ts.Client().Get(env.ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "coldroom_observers") {
		t.Fatalf("expected coldroom metrics in exposition")
	}
}
