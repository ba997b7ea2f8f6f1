package influxdb_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/panduza/panduza-core/internal/infopack"
	"github.com/panduza/panduza-core/internal/infrastructure/config"
	"github.com/panduza/panduza-core/internal/infrastructure/influxdb"
)

// fakeServer answers pings and records written line protocol.
type fakeServer struct {
	*httptest.Server
	mu    sync.Mutex
	lines []string
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	s := &fakeServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ping":
			w.WriteHeader(http.StatusNoContent)
		case "/api/v2/write":
			body, _ := io.ReadAll(r.Body)
			s.mu.Lock()
			s.lines = append(s.lines, strings.Split(strings.TrimSpace(string(body)), "\n")...)
			s.mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *fakeServer) written() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

func testConfig(url string) config.InfluxDBConfig {
	return config.InfluxDBConfig{
		Enabled:       true,
		URL:           url,
		Token:         "test-token",
		Org:           "panduza",
		Bucket:        "panduza",
		BatchSize:     10,
		FlushInterval: 1,
	}
}

func TestConnect(t *testing.T) {
	srv := newFakeServer(t)

	client, err := influxdb.Connect(testConfig(srv.URL), "bench")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	if !client.IsConnected() {
		t.Error("IsConnected() = false after Connect()")
	}
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}

func TestConnect_Errors(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	if _, err := influxdb.Connect(cfg, "bench"); !errors.Is(err, influxdb.ErrConnectionFailed) {
		t.Errorf("Connect(unreachable) error = %v, want ErrConnectionFailed", err)
	}

	cfg.Enabled = false
	if _, err := influxdb.Connect(cfg, "bench"); !errors.Is(err, influxdb.ErrDisabled) {
		t.Errorf("Connect(disabled) error = %v, want ErrDisabled", err)
	}
}

func TestClient_Sink(t *testing.T) {
	srv := newFakeServer(t)
	client, err := influxdb.Connect(testConfig(srv.URL), "bench")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	var sink infopack.Sink = client
	sink.OnState("psu", "Running")
	sink.OnAlert("psu", infopack.Alert{Message: "mount: no port", Timestamp: time.Now().UnixMilli()})
	client.Flush()

	lines := srv.written()
	var gotState, gotAlert bool
	for _, l := range lines {
		if !strings.Contains(l, "instance=psu") || !strings.Contains(l, "platform=bench") {
			continue
		}
		switch {
		case strings.HasPrefix(l, "instance_state,") && strings.Contains(l, `state="Running"`):
			gotState = true
		case strings.HasPrefix(l, "instance_alert,") && strings.Contains(l, `message="mount: no port"`):
			gotAlert = true
		}
	}
	if !gotState || !gotAlert {
		t.Errorf("written lines = %q, want a state and an alert point", lines)
	}
}

func TestClose(t *testing.T) {
	srv := newFakeServer(t)
	client, err := influxdb.Connect(testConfig(srv.URL), "bench")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if err := client.HealthCheck(context.Background()); !errors.Is(err, influxdb.ErrNotConnected) {
		t.Errorf("HealthCheck() after Close error = %v, want ErrNotConnected", err)
	}

	// Writes after Close are dropped.
	client.WriteState("psu", "Stopped", time.Now())
	client.Flush()
}
