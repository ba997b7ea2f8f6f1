package mqtt

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/panduza/panduza-core/internal/errkind"
)

// testConfig returns a valid configuration. Tests that connect need a broker
// at 127.0.0.1:1883 and live in integration_test.go.
func testConfig() Config {
	return Config{
		Host:       "127.0.0.1",
		Port:       1883,
		ClientID:   "panduza-test",
		RetryDelay: time.Second,
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing host", mutate: func(c *Config) { c.Host = "" }, wantErr: true},
		{name: "port zero", mutate: func(c *Config) { c.Port = 0 }, wantErr: true},
		{name: "port too large", mutate: func(c *Config) { c.Port = 70000 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, errkind.ErrBadSettings) {
				t.Errorf("Validate() error = %v, want BadSettings kind", err)
			}
		})
	}
}

func TestConnectInvalidConfig(t *testing.T) {
	_, err := Connect(Config{Port: 1883})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Connect() error = %v, want ErrInvalidConfig", err)
	}
}

func TestBuildClientOptions(t *testing.T) {
	cfg := testConfig()
	cfg.Username = "lab"
	cfg.Password = "secret"
	cfg.Namespace = "bench"
	cfg = cfg.withDefaults()

	opts := buildClientOptions(cfg)
	configureLWT(opts, cfg)

	if len(opts.Servers) != 1 || opts.Servers[0].String() != "tcp://127.0.0.1:1883" {
		t.Errorf("Servers = %v, want [tcp://127.0.0.1:1883]", opts.Servers)
	}
	if opts.ClientID != "panduza-test" {
		t.Errorf("ClientID = %q, want panduza-test", opts.ClientID)
	}
	if opts.Username != "lab" || opts.Password != "secret" {
		t.Errorf("credentials = %q/%q, want lab/secret", opts.Username, opts.Password)
	}
	if opts.KeepAlive != int64(DefaultKeepAlive/time.Second) {
		t.Errorf("KeepAlive = %d, want 5", opts.KeepAlive)
	}
	if opts.MaxReconnectInterval != time.Second {
		t.Errorf("MaxReconnectInterval = %v, want 1s", opts.MaxReconnectInterval)
	}
	if !opts.AutoReconnect || opts.ConnectRetry {
		t.Errorf("AutoReconnect = %v, ConnectRetry = %v, want true, false", opts.AutoReconnect, opts.ConnectRetry)
	}
	if opts.WillTopic != "bench/_/platform/att" || !opts.WillRetained || opts.WillQos != 1 {
		t.Errorf("will = %q retained=%v qos=%d", opts.WillTopic, opts.WillRetained, opts.WillQos)
	}
	if !strings.Contains(string(opts.WillPayload), `"status":"offline"`) {
		t.Errorf("WillPayload = %s", opts.WillPayload)
	}
}

func TestBuildClientOptionsAnonymous(t *testing.T) {
	cfg := testConfig()
	cfg.TLS = true
	opts := buildClientOptions(cfg.withDefaults())

	if opts.Username != "" {
		t.Errorf("Username = %q, want anonymous", opts.Username)
	}
	if opts.Servers[0].Scheme != "ssl" {
		t.Errorf("scheme = %q, want ssl", opts.Servers[0].Scheme)
	}
	if opts.TLSConfig == nil {
		t.Error("TLSConfig = nil with TLS enabled")
	}
}

func TestNewClientID(t *testing.T) {
	a, b := NewClientID("panduza"), NewClientID("panduza")
	if !strings.HasPrefix(a, "panduza-") || len(a) != len("panduza-")+8 {
		t.Errorf("NewClientID() = %q", a)
	}
	if a == b {
		t.Errorf("NewClientID() returned %q twice", a)
	}
}

func TestTopics(t *testing.T) {
	if got := (Topics{}).PlatformStatus(); got != "/_/platform/att" {
		t.Errorf("PlatformStatus() = %q, want /_/platform/att", got)
	}
	if got := (Topics{Namespace: "lab"}).PlatformStatus(); got != "lab/_/platform/att" {
		t.Errorf("PlatformStatus() = %q, want lab/_/platform/att", got)
	}
}

type recordingObserver struct {
	mu   sync.Mutex
	errs []error
}

func (o *recordingObserver) ObservePublish(_ string, err error) {
	o.mu.Lock()
	o.errs = append(o.errs, err)
	o.mu.Unlock()
}

func TestPublishValidation(t *testing.T) {
	c := &Client{}
	obs := &recordingObserver{}
	c.SetObserver(obs)

	tests := []struct {
		name    string
		topic   string
		payload []byte
		qos     byte
		wantErr error
	}{
		{name: "empty topic", topic: "", qos: 1, wantErr: ErrInvalidTopic},
		{name: "invalid qos", topic: "/a/att", qos: 3, wantErr: ErrInvalidQoS},
		{name: "payload too large", topic: "/a/att", payload: make([]byte, maxPayloadSize+1), qos: 1, wantErr: ErrPublishFailed},
		{name: "retained command", topic: "/a/cmd", qos: 1, wantErr: ErrRetainedCommand},
		{name: "not connected", topic: "/a/att", qos: 1, wantErr: ErrNotConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Publish(tt.topic, tt.payload, tt.qos, true)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Publish() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if len(obs.errs) != len(tests) {
		t.Errorf("observer saw %d publishes, want %d", len(obs.errs), len(tests))
	}
	for _, err := range []error{ErrPublishFailed, ErrRetainedCommand} {
		if !errors.Is(err, errkind.ErrPublish) {
			t.Errorf("%v does not carry the Publish kind", err)
		}
	}
}

func TestSubscribeValidation(t *testing.T) {
	c := &Client{}
	noop := func(string, []byte) error { return nil }

	if err := c.Subscribe("", 0, noop); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Subscribe(empty) error = %v, want ErrInvalidTopic", err)
	}
	if err := c.Subscribe("/a/cmd", 3, noop); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("Subscribe(qos 3) error = %v, want ErrInvalidQoS", err)
	}
	if err := c.Subscribe("/a/cmd", 0, nil); !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("Subscribe(nil handler) error = %v, want ErrSubscribeFailed", err)
	}
	if err := c.Subscribe("/a/cmd", 0, noop); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Subscribe(disconnected) error = %v, want ErrNotConnected", err)
	}
	if c.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d, want 0", c.SubscriptionCount())
	}
	if err := c.Unsubscribe(""); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Unsubscribe(empty) error = %v, want ErrInvalidTopic", err)
	}
}

func TestHealthCheckDisconnected(t *testing.T) {
	c := &Client{}
	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck() error = %v, want Canceled", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close() on unconnected client error = %v", err)
	}
}

type mockLogger struct {
	mu     sync.Mutex
	errors []string
	warns  []string
}

func (l *mockLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	l.errors = append(l.errors, msg)
	l.mu.Unlock()
}

func (l *mockLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	l.warns = append(l.warns, msg)
	l.mu.Unlock()
}

func TestDeliverRecoversPanics(t *testing.T) {
	logger := &mockLogger{}

	deliver(logger, func(string, []byte) error { panic("boom") }, "/a/cmd", nil)
	deliver(logger, func(string, []byte) error { return errors.New("bad") }, "/a/cmd", nil)
	deliver(nil, func(string, []byte) error { panic("no logger") }, "/a/cmd", nil)

	if len(logger.errors) != 1 {
		t.Errorf("errors logged = %v, want one panic", logger.errors)
	}
	if len(logger.warns) != 1 {
		t.Errorf("warnings logged = %v, want one handler error", logger.warns)
	}
}

func TestRouteTable(t *testing.T) {
	var routes routeTable
	noop := func(string, []byte) error { return nil }

	if routes.len() != 0 || routes.has("/a/cmd") {
		t.Fatal("zero routeTable is not empty")
	}
	routes.put(route{pattern: "/b/cmd", qos: 0, handler: noop})
	routes.put(route{pattern: "/a/cmd", qos: 1, handler: noop})
	routes.put(route{pattern: "/a/cmd", qos: 2, handler: noop})

	snap := routes.snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot() = %d routes, want 2", len(snap))
	}
	if snap[0].pattern != "/a/cmd" || snap[0].qos != 2 {
		t.Errorf("snapshot()[0] = %s qos %d, want /a/cmd qos 2", snap[0].pattern, snap[0].qos)
	}

	routes.drop("/a/cmd")
	if routes.has("/a/cmd") || !routes.has("/b/cmd") {
		t.Errorf("after drop: has(/a/cmd) = %v, has(/b/cmd) = %v", routes.has("/a/cmd"), routes.has("/b/cmd"))
	}
}

func TestStatusPayload(t *testing.T) {
	got := string(statusPayload("online", "bench-1", ""))
	if !strings.Contains(got, `"status":"online"`) || !strings.Contains(got, `"client_id":"bench-1"`) {
		t.Errorf("statusPayload() = %s", got)
	}
	if strings.Contains(got, "reason") {
		t.Errorf("statusPayload() = %s, want no reason field", got)
	}
}
