package device

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Logger defines the logging interface used by the Registry.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Registry caches the module inventory in memory in front of a Repository.
//
// The cache is populated on startup via RefreshCache() and kept in sync
// by Observe.
//
// All public methods are thread-safe.
type Registry struct {
	repo    Repository
	cache   map[string]Module // by serial
	cacheMu sync.RWMutex
	logger  Logger

	// now is replaceable in tests.
	now func() time.Time
}

// NewRegistry creates a new module registry.
func NewRegistry(repo Repository) *Registry {
	return &Registry{
		repo:   repo,
		cache:  make(map[string]Module),
		logger: noopLogger{},
		now:    time.Now,
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	r.logger = logger
}

// RefreshCache reloads all modules from the repository into the cache.
func (r *Registry) RefreshCache(ctx context.Context) error {
	modules, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading modules: %w", err)
	}

	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	r.cache = make(map[string]Module, len(modules))
	for _, m := range modules {
		r.cache[m.Serial] = m
	}

	r.logger.Info("module cache refreshed", "count", len(modules))
	return nil
}

// Observe records that m was identified just now.
//
// New modules get FirstSeen set; known modules keep theirs. An address
// change is logged because it usually means a DHCP lease moved.
//
// Returns:
//   - bool: true if the module was not in the inventory before
//   - error: ErrInvalidModule or a storage failure
func (r *Registry) Observe(ctx context.Context, m Module) (bool, error) {
	if err := m.Validate(); err != nil {
		return false, err
	}

	now := r.now().UTC()
	m.LastSeen = now

	r.cacheMu.RLock()
	prev, known := r.cache[m.Serial]
	r.cacheMu.RUnlock()

	if !known {
		stored, err := r.repo.Get(ctx, m.Serial)
		switch {
		case err == nil:
			prev, known = *stored, true
		case !errors.Is(err, ErrModuleNotFound):
			return false, err
		}
	}

	if known {
		m.FirstSeen = prev.FirstSeen
		if m.HostName == "" {
			m.HostName = prev.HostName
		}
		if prev.Address != m.Address {
			r.logger.Warn("module address changed",
				"serial", m.Serial, "old", prev.Address, "new", m.Address)
		}
	} else {
		m.FirstSeen = now
	}

	if err := r.repo.Upsert(ctx, &m); err != nil {
		return false, err
	}

	r.cacheMu.Lock()
	r.cache[m.Serial] = m
	r.cacheMu.Unlock()

	if !known {
		r.logger.Info("new module recorded", "serial", m.Serial, "address", m.Address)
	}
	return !known, nil
}

// Get returns a module by serial number.
func (r *Registry) Get(ctx context.Context, serial string) (*Module, error) {
	r.cacheMu.RLock()
	cached, ok := r.cache[serial]
	r.cacheMu.RUnlock()
	if ok {
		return &cached, nil
	}

	m, err := r.repo.Get(ctx, serial)
	if err != nil {
		return nil, err
	}

	r.cacheMu.Lock()
	r.cache[serial] = *m
	r.cacheMu.Unlock()

	return m, nil
}

// List returns all cached modules, most recently seen first.
func (r *Registry) List() []Module {
	r.cacheMu.RLock()
	modules := make([]Module, 0, len(r.cache))
	for _, m := range r.cache {
		modules = append(modules, m)
	}
	r.cacheMu.RUnlock()

	sort.Slice(modules, func(i, j int) bool {
		if !modules[i].LastSeen.Equal(modules[j].LastSeen) {
			return modules[i].LastSeen.After(modules[j].LastSeen)
		}
		return modules[i].Serial < modules[j].Serial
	})
	return modules
}

// Count returns the number of cached modules.
func (r *Registry) Count() int {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	return len(r.cache)
}
