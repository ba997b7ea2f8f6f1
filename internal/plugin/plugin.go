// Package plugin loads driver plugins and registers their producers with
// the factory.
//
// A plugin is a Go plugin (go build -buildmode=plugin) exporting
//
//	func PluginEntryPoint() (*plugin.Descriptor, error)
//
// The lowercase alias plugin_entry_point is looked up when the exported
// name is absent.
package plugin

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	goplugin "plugin"

	"github.com/panduza/panduza-core/internal/errkind"
	"github.com/panduza/panduza-core/internal/factory"
)

// Entry symbols, in lookup order.
const (
	EntrySymbol      = "PluginEntryPoint"
	EntrySymbolAlias = "plugin_entry_point"
)

// Extensions scanned in plugin directories.
var Extensions = []string{".so", ".dylib", ".dll"}

var (
	// ErrNoEntryPoint is returned when a plugin exports neither entry symbol.
	ErrNoEntryPoint = fmt.Errorf("plugin: entry point not found: %w", errkind.ErrPlugin)

	// ErrBadEntryPoint is returned when the entry symbol has the wrong type.
	ErrBadEntryPoint = fmt.Errorf("plugin: entry point has the wrong signature: %w", errkind.ErrPlugin)

	// ErrOpen is returned when the shared object cannot be loaded.
	ErrOpen = fmt.Errorf("plugin: cannot open: %w", errkind.ErrPlugin)

	// ErrInit is returned when the entry point itself fails.
	ErrInit = fmt.Errorf("plugin: initialisation failed: %w", errkind.ErrPlugin)
)

// Descriptor is what a plugin entry point returns.
type Descriptor struct {
	Name      string
	Version   string
	Producers []factory.Producer
}

// Refs lists the producer references the plugin contributes.
func (d *Descriptor) Refs() []string {
	refs := make([]string, 0, len(d.Producers))
	for _, p := range d.Producers {
		refs = append(refs, factory.Ref(p))
	}
	return refs
}

// EntryPoint is the signature of the exported entry symbol.
type EntryPoint = func() (*Descriptor, error)

// Symbols resolves exported symbols of an opened plugin. *plugin.Plugin
// satisfies it.
type Symbols interface {
	Lookup(name string) (goplugin.Symbol, error)
}

// Opener opens the shared object at path.
type Opener func(path string) (Symbols, error)

func openGoPlugin(path string) (Symbols, error) {
	p, err := goplugin.Open(path)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Logger defines the logging interface for the loader.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any) {}
func (noopLogger) Warn(string, ...any) {}

// Loaded records one plugin registered with the factory.
type Loaded struct {
	Path       string
	Descriptor *Descriptor
}

// Loader scans plugin directories.
//
// A plugin that cannot be used is skipped with a warning, unless its base
// name is listed as required, in which case loading stops with an error.
type Loader struct {
	factory  *factory.Factory
	open     Opener
	required map[string]bool
	logger   Logger
}

// NewLoader creates a loader registering into f.
//
// Parameters:
//   - f: Factory receiving the plugin producers
//   - required: Base names of plugins whose failure aborts loading
func NewLoader(f *factory.Factory, required []string) *Loader {
	req := make(map[string]bool, len(required))
	for _, name := range required {
		req[name] = true
	}
	return &Loader{factory: f, open: openGoPlugin, required: req, logger: noopLogger{}}
}

// SetOpener replaces the shared-object opener. Used by tests.
func (l *Loader) SetOpener(o Opener) {
	l.open = o
}

// SetLogger sets the logger.
func (l *Loader) SetLogger(logger Logger) {
	l.logger = logger
}

// LoadDirs loads every plugin file found directly in dirs. Missing
// directories are skipped.
//
// Returns:
//   - []Loaded: Plugins whose producers were registered
//   - error: The first failure of a required plugin, or a required plugin never found
func (l *Loader) LoadDirs(dirs []string) ([]Loaded, error) {
	var loaded []Loaded
	found := make(map[string]bool)

	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				l.logger.Warn("plugin directory not found", "dir", dir)
				continue
			}
			return loaded, fmt.Errorf("plugin: reading %s: %w: %w", dir, errkind.ErrIO, err)
		}

		for _, e := range entries {
			if e.IsDir() || !slices.Contains(Extensions, strings.ToLower(filepath.Ext(e.Name()))) {
				continue
			}
			path := filepath.Join(dir, e.Name())
			found[e.Name()] = true

			desc, err := l.Load(path)
			if err != nil {
				if l.required[e.Name()] {
					return loaded, err
				}
				l.logger.Warn("skipping plugin", "path", path, "error", err)
				continue
			}
			loaded = append(loaded, Loaded{Path: path, Descriptor: desc})
		}
	}

	for name := range l.required {
		if !found[name] {
			return loaded, fmt.Errorf("%w: required plugin %s not found", ErrOpen, name)
		}
	}
	return loaded, nil
}

// Load opens one plugin and registers its producers.
func (l *Loader) Load(path string) (*Descriptor, error) {
	syms, err := l.open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrOpen, path, err)
	}

	sym, err := syms.Lookup(EntrySymbol)
	if err != nil {
		sym, err = syms.Lookup(EntrySymbolAlias)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoEntryPoint, path)
	}

	entry, ok := sym.(EntryPoint)
	if !ok {
		if p, isPtr := sym.(*EntryPoint); isPtr && p != nil {
			entry, ok = *p, true
		}
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s: %T", ErrBadEntryPoint, path, sym)
	}

	desc, err := entry()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInit, path, err)
	}
	if desc == nil {
		return nil, fmt.Errorf("%w: %s: nil descriptor", ErrInit, path)
	}

	for _, p := range desc.Producers {
		if err := l.factory.Register(p); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInit, path, err)
		}
	}

	l.logger.Info("plugin loaded", "path", path, "name", desc.Name, "producers", desc.Refs())
	return desc, nil
}
