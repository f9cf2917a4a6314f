//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/gorilla/websocket"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const repoRootRel = ".."   // relative to ./e2e
const mainPkgRel = "./cmd" // main.go lives in cmd/

const topic = "cuartos_frios/lecturas"

type frame struct {
	Event string `json:"event"`
	Data  struct {
		ID       int64  `json:"id"`
		RoomID   int64  `json:"room_id"`
		SensorID int64  `json:"sensor_id"`
		Origin   string `json:"origin"`
		Status   string `json:"status"`
	} `json:"data"`
}

func TestSmoke_MQTTToPushChannel(t *testing.T) {
	repoRoot := repoRootPath(t)
	brokerHost, brokerPort := startMosquitto(t)

	bin := buildBinary(t, repoRoot)
	addr := pickFreeAddr(t)

	cmd := exec.Command(bin)
	cmd.Env = append(os.Environ(),
		"APP_ENV=dev",
		"LOG_LEVEL=info",
		"HTTP_ADDR="+addr,
		"SQLITE_DRIVER=sqlite3",
		"SQLITE_PATH="+filepath.Join(t.TempDir(), "coldroom.db"),
		"MQTT_ENABLED=true",
		"MQTT_BROKER="+brokerHost,
		"MQTT_PORT="+brokerPort.Port(),
		"MQTT_TOPIC="+topic,
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
	})

	client := &http.Client{Timeout: 2 * time.Second}
	waitForOK(t, client, "http://"+addr+"/healthz", 10*time.Second)

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	defer ws.Close()

	publisher := connectPublisher(t, brokerHost, brokerPort.Port())
	payload := `{"cuarto_id":3,"sensor_id":11,"temperatura_c":-2.5,"humedad_pct":88,"tomado_en_utc":"2024-05-01T10:00:00Z"}`

	// The server subscribes in its on-connect callback; publish until a frame arrives.
	got := make(chan frame, 1)
	go func() {
		var f frame
		_ = ws.SetReadDeadline(time.Now().Add(15 * time.Second))
		if err := ws.ReadJSON(&f); err == nil {
			got <- f
		}
		close(got)
	}()

	var f frame
	var ok bool
	deadline := time.After(15 * time.Second)
publish:
	for {
		publisher.Publish(topic, 1, false, payload).WaitTimeout(2 * time.Second)
		select {
		case f, ok = <-got:
			break publish
		case <-deadline:
			t.Fatal("no push frame received")
		case <-time.After(500 * time.Millisecond):
		}
	}
	if !ok {
		t.Fatal("push channel closed without a frame")
	}
	if f.Event != "new-reading" || f.Data.RoomID != 3 || f.Data.SensorID != 11 || f.Data.Origin != "MQTT" {
		t.Fatalf("unexpected frame %+v", f)
	}

	// HTTP path
	resp, err := client.Post("http://"+addr+"/api/readings", "application/json",
		bytes.NewBufferString(`{"room_id":3,"sensor_id":12,"temperature_c":95,"humidity_pct":40}`))
	if err != nil {
		t.Fatalf("POST /api/readings: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status=%d want=%d", resp.StatusCode, http.StatusCreated)
	}

	resp, err = client.Get("http://" + addr + "/api/readings?sensor_id=12")
	if err != nil {
		t.Fatalf("GET /api/readings: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		OK   bool              `json:"ok"`
		Data []json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if len(body.Data) != 1 || !strings.Contains(string(body.Data[0]), `"SUSPECT"`) {
		t.Fatalf("unexpected history %s", body.Data)
	}

	stopServer(t, cmd)
}

func startMosquitto(t *testing.T) (string, nat.Port) {
	t.Helper()
	ctx := context.Background()

	req := tc.ContainerRequest{
		Image:        "eclipse-mosquitto:2",
		ExposedPorts: []string{"1883/tcp"},
		// The image ships a config that allows anonymous clients.
		Cmd: []string{"mosquitto", "-c", "/mosquitto-no-auth.conf"},
		HostConfigModifier: func(hc *container.HostConfig) {
			hc.AutoRemove = true
		},
		WaitingFor: wait.ForListeningPort("1883/tcp").WithStartupTimeout(30 * time.Second),
	}

	c, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("start mosquitto container: %v", err)
	}
	t.Cleanup(func() {
		_ = c.Terminate(ctx)
	})

	host, err := c.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := c.MappedPort(ctx, "1883/tcp")
	if err != nil {
		t.Fatalf("mapped port: %v", err)
	}
	return host, port
}

func connectPublisher(t *testing.T, host, port string) paho.Client {
	t.Helper()

	opts := paho.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%s", host, port)).
		SetClientID("coldroom-e2e-publisher")
	c := paho.NewClient(opts)
	token := c.Connect()
	if !token.WaitTimeout(10*time.Second) || token.Error() != nil {
		t.Fatalf("publisher connect: %v", token.Error())
	}
	t.Cleanup(func() { c.Disconnect(250) })
	return c
}

func repoRootPath(t *testing.T) string {
	t.Helper()

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}

	repo := filepath.Clean(filepath.Join(wd, repoRootRel))
	if _, err := os.Stat(filepath.Join(repo, "go.mod")); err != nil {
		t.Fatalf("repo root %q does not contain go.mod: %v", repo, err)
	}

	return repo
}

func buildBinary(t *testing.T, repoRoot string) string {
	t.Helper()

	tmp := t.TempDir()
	out := filepath.Join(tmp, "coldroom-server")

	build := exec.Command("go", "build", "-o", out, mainPkgRel)
	build.Dir = repoRoot
	build.Env = os.Environ()

	b, err := build.CombinedOutput()
	if err != nil {
		t.Fatalf("go build failed: %v\n%s", err, string(b))
	}

	return out
}

func pickFreeAddr(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen :0: %v", err)
	}
	defer ln.Close()

	return ln.Addr().String()
}

func waitForOK(t *testing.T, client *http.Client, url string, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := client.Get(url)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("server not healthy after %s: %s", timeout, url)
}

func stopServer(t *testing.T, cmd *exec.Cmd) {
	t.Helper()

	_ = cmd.Process.Signal(syscall.SIGTERM)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		t.Fatalf("server did not exit in time")
	case err := <-done:
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				t.Fatalf("server exited non-zero: %v", err)
			}
			t.Fatalf("server wait error: %v", err)
		}
	}
}
