// Package connection reads and writes the connection-info file shared by the platform
// and every bench tool: where the broker is, how the platform is named and
// which optional services it runs.
//
// The file is JSON; comments and trailing commas are tolerated.
//
//	{
//	  "broker":   { "addr": "192.168.1.42", "port": 1883 },
//	  "platform": { "name": "bench1" },
//	  "credentials": { "user": "lab", "pass": "..." },
//	  "services": { "retry_delay": 1, "enable_plbd": true }
//	}
package connection

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/tidwall/jsonc"

	"github.com/panduza/panduza-core/internal/errkind"
)

// Defaults applied to optional sections.
const (
	DefaultPlatformName = "default_name"
	DefaultRetryDelay   = 1
)

// Broker location written by Default.
const (
	DefaultBrokerAddr = "127.0.0.1"
	DefaultBrokerPort = 1883
)

// filePerm keeps the broker password readable by its owner only.
const filePerm = 0o600

var (
	// ErrMandatoryFieldMissing is returned when broker, broker.addr or broker.port is absent.
	ErrMandatoryFieldMissing = fmt.Errorf("connection: mandatory field missing: %w", errkind.ErrBadSettings)

	// ErrInvalid is returned for a document that is not a JSON object of the expected shape.
	ErrInvalid = fmt.Errorf("connection: invalid document: %w", errkind.ErrBadSettings)
)

// Info is the parsed connection-info file.
type Info struct {
	Broker      Broker      `json:"broker"`
	Platform    Platform    `json:"platform"`
	Credentials Credentials `json:"credentials"`
	Services    Services    `json:"services"`
}

// Broker locates the MQTT broker.
type Broker struct {
	Addr string `json:"addr"`
	Port int    `json:"port"`
}

// Platform names this platform on the bench.
type Platform struct {
	Name string `json:"name"`
}

// Credentials are forwarded to the broker. Empty means anonymous.
type Credentials struct {
	User string `json:"user,omitempty"`
	Pass string `json:"pass,omitempty"`
}

// Anonymous reports whether no user is configured.
func (c Credentials) Anonymous() bool {
	return c.User == ""
}

// Services toggles optional platform services.
type Services struct {
	// RetryDelay is the broker reconnect delay in seconds.
	RetryDelay int `json:"retry_delay"`

	// EnablePLBD turns on local broker discovery.
	EnablePLBD bool `json:"enable_plbd"`
}

// RetryDelay returns the reconnect delay as a duration.
func (i *Info) RetryDelay() time.Duration {
	return time.Duration(i.Services.RetryDelay) * time.Second
}

// raw mirrors Info with pointers so absent fields can be told apart.
type raw struct {
	Broker *struct {
		Addr *string `json:"addr"`
		Port *int    `json:"port"`
	} `json:"broker"`
	Platform *struct {
		Name *string `json:"name"`
	} `json:"platform"`
	Credentials *Credentials `json:"credentials"`
	Services    *struct {
		RetryDelay *int  `json:"retry_delay"`
		EnablePLBD *bool `json:"enable_plbd"`
	} `json:"services"`
}

// Parse decodes a connection-info document and applies defaults.
//
// Returns:
//   - *Info: The parsed document
//   - error: ErrMandatoryFieldMissing naming the missing field, or ErrInvalid
func Parse(data []byte) (*Info, error) {
	var r raw
	if err := json.Unmarshal(jsonc.ToJSON(data), &r); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	if r.Broker == nil {
		return nil, fmt.Errorf("%w: broker section", ErrMandatoryFieldMissing)
	}
	if r.Broker.Addr == nil || *r.Broker.Addr == "" {
		return nil, fmt.Errorf("%w: broker.addr", ErrMandatoryFieldMissing)
	}
	if r.Broker.Port == nil {
		return nil, fmt.Errorf("%w: broker.port", ErrMandatoryFieldMissing)
	}
	if *r.Broker.Port < 1 || *r.Broker.Port > 65535 {
		return nil, fmt.Errorf("%w: broker.port %d out of range", ErrInvalid, *r.Broker.Port)
	}

	info := &Info{
		Broker:   Broker{Addr: *r.Broker.Addr, Port: *r.Broker.Port},
		Platform: Platform{Name: DefaultPlatformName},
		Services: Services{RetryDelay: DefaultRetryDelay},
	}
	if r.Platform != nil && r.Platform.Name != nil && *r.Platform.Name != "" {
		info.Platform.Name = *r.Platform.Name
	}
	if r.Credentials != nil {
		info.Credentials = *r.Credentials
	}
	if r.Services != nil {
		if r.Services.RetryDelay != nil {
			if *r.Services.RetryDelay < 0 {
				return nil, fmt.Errorf("%w: services.retry_delay must not be negative", ErrInvalid)
			}
			info.Services.RetryDelay = *r.Services.RetryDelay
		}
		if r.Services.EnablePLBD != nil {
			info.Services.EnablePLBD = *r.Services.EnablePLBD
		}
	}
	return info, nil
}

// Default returns the document describing a broker on the local host with
// every optional section at its default.
func Default() *Info {
	return &Info{
		Broker:   Broker{Addr: DefaultBrokerAddr, Port: DefaultBrokerPort},
		Platform: Platform{Name: DefaultPlatformName},
		Services: Services{RetryDelay: DefaultRetryDelay},
	}
}

// Marshal encodes info as an indented document that Parse reads back to the
// same value. Empty optional fields are written with their defaults.
//
// Returns:
//   - []byte: The document, newline terminated
//   - error: ErrMandatoryFieldMissing or ErrInvalid for an unusable broker
func Marshal(info *Info) ([]byte, error) {
	if info == nil || info.Broker.Addr == "" {
		return nil, fmt.Errorf("%w: broker.addr", ErrMandatoryFieldMissing)
	}
	if info.Broker.Port < 1 || info.Broker.Port > 65535 {
		return nil, fmt.Errorf("%w: broker.port %d out of range", ErrInvalid, info.Broker.Port)
	}
	if info.Services.RetryDelay < 0 {
		return nil, fmt.Errorf("%w: services.retry_delay must not be negative", ErrInvalid)
	}

	out := *info
	if out.Platform.Name == "" {
		out.Platform.Name = DefaultPlatformName
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return append(data, '\n'), nil
}

// Save writes info to path, or to DefaultPath when path is empty. The file
// is replaced atomically and created readable by its owner only.
func Save(path string, info *Info) error {
	if path == "" {
		path = DefaultPath()
	}
	data, err := Marshal(info)
	if err != nil {
		return fmt.Errorf("connection file %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("connection file %s: %w: %w", path, errkind.ErrIO, err)
	}
	tmp, err := os.CreateTemp(dir, ".connection-*.json")
	if err != nil {
		return fmt.Errorf("connection file %s: %w: %w", path, errkind.ErrIO, err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // gone after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck // the write error is reported
		return fmt.Errorf("connection file %s: %w: %w", path, errkind.ErrIO, err)
	}
	if err := tmp.Chmod(filePerm); err != nil {
		tmp.Close() //nolint:errcheck // the chmod error is reported
		return fmt.Errorf("connection file %s: %w: %w", path, errkind.ErrIO, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("connection file %s: %w: %w", path, errkind.ErrIO, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("connection file %s: %w: %w", path, errkind.ErrIO, err)
	}
	return nil
}

// Load reads and parses the file at path, or at DefaultPath when path is empty.
func Load(path string) (*Info, error) {
	if path == "" {
		path = DefaultPath()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("connection file %s: %w: %w", path, errkind.ErrBadSettings, err)
		}
		return nil, fmt.Errorf("connection file %s: %w: %w", path, errkind.ErrIO, err)
	}
	info, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("connection file %s: %w", path, err)
	}
	return info, nil
}

// DefaultPath returns /etc/panduza/connection.json on unix-like systems and
// <public user dir>/panduza/connection.json elsewhere.
func DefaultPath() string {
	return defaultPath(runtime.GOOS, os.Getenv("PUBLIC"))
}

func defaultPath(goos, public string) string {
	switch goos {
	case "windows":
		if public == "" {
			public = `C:\Users\Public`
		}
		return filepath.Join(public, "panduza", "connection.json")
	default:
		return "/etc/panduza/connection.json"
	}
}
