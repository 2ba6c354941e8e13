package quota

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/jonboulle/clockwork"
)

// DefaultReferenceTimezone is where day boundaries are evaluated.
const DefaultReferenceTimezone = "America/Toronto"

// DefaultLockTimeout bounds cross-process lock acquisition.
const DefaultLockTimeout = 10 * time.Second

// Registry maps provider names to their governors. Governors are created
// lazily on first use and retained for the process lifetime; the registry is
// the only way to obtain one, so composition code passes it to call sites
// instead of relying on hidden globals.
type Registry struct {
	dir         string
	limits      map[string]Limits
	loc         *time.Location
	clock       clockwork.Clock
	lockTimeout time.Duration
	log         *slog.Logger

	mu        sync.Mutex
	governors map[string]*Governor
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithClock sets the clock used by all governors.
func WithClock(c clockwork.Clock) RegistryOption {
	return func(r *Registry) { r.clock = c }
}

// WithLocation overrides the reference timezone for day boundaries.
func WithLocation(loc *time.Location) RegistryOption {
	return func(r *Registry) { r.loc = loc }
}

// WithLockTimeout bounds cross-process lock acquisition.
func WithLockTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) { r.lockTimeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.log = l }
}

// NewRegistry creates a registry persisting state under dir, with per-provider
// limits. Providers absent from the limits table are unlimited.
func NewRegistry(dir string, limits map[string]Limits, opts ...RegistryOption) (*Registry, error) {
	if dir == "" {
		return nil, fmt.Errorf("state directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating quota state directory: %w", err)
	}

	r := &Registry{
		dir:         dir,
		limits:      limits,
		clock:       clockwork.NewRealClock(),
		lockTimeout: DefaultLockTimeout,
		log:         slog.Default(),
		governors:   make(map[string]*Governor),
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.loc == nil {
		loc, err := time.LoadLocation(DefaultReferenceTimezone)
		if err != nil {
			return nil, fmt.Errorf("loading reference timezone: %w", err)
		}
		r.loc = loc
	}

	return r, nil
}

// Governor returns the governor for the provider, creating it on first use.
func (r *Registry) Governor(provider string) *Governor {
	r.mu.Lock()
	defer r.mu.Unlock()

	if g, ok := r.governors[provider]; ok {
		return g
	}

	statePath := filepath.Join(r.dir, provider+".json")
	g := &Governor{
		provider:    provider,
		limits:      r.limits[provider],
		statePath:   statePath,
		fileLock:    flock.New(statePath + ".lock"),
		loc:         r.loc,
		clock:       r.clock,
		lockTimeout: r.lockTimeout,
		log:         r.log,
	}
	r.governors[provider] = g
	return g
}

// Providers returns the configured provider names, sorted.
func (r *Registry) Providers() []string {
	names := make([]string, 0, len(r.limits))
	for name := range r.limits {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot reads the counters for one configured provider.
func (r *Registry) Snapshot(ctx context.Context, provider string) (Snapshot, error) {
	if _, ok := r.limits[provider]; !ok {
		return Snapshot{}, fmt.Errorf("unknown quota provider %q", provider)
	}
	return r.Governor(provider).Snapshot(ctx)
}
