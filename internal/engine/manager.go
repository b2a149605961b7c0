// Package engine holds the synthesis backends and the registry that
// selects among them by explicit priority order.
package engine

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/loqalabs/loqa-tts-streamer/internal/config"
	"github.com/loqalabs/loqa-tts-streamer/internal/protocol"
)

type registered struct {
	engine   Engine
	priority int

	mu        sync.Mutex
	healthy   bool
	lastError string
	errors    int
}

// EngineStatus is reported through the admin API.
type EngineStatus struct {
	Name      string `json:"name"`
	Priority  int    `json:"priority"`
	Healthy   bool   `json:"healthy"`
	LastError string `json:"last_error,omitempty"`
	Errors    int    `json:"error_count"`
}

// Manager is the registry of synthesis backends. Selection walks the
// priority order and takes the first engine whose Validate accepts the
// requested configuration.
type Manager struct {
	logger  *slog.Logger
	mu      sync.Mutex
	entries []*registered
}

func NewManager(logger *slog.Logger) *Manager {
	return &Manager{logger: logger.With(slog.String("component", "engine-manager"))}
}

// NewManagerFromConfig builds the manager with the configured primary
// backend and optional fallback.
func NewManagerFromConfig(cfg config.EngineConfig, logger *slog.Logger) (*Manager, error) {
	m := NewManager(logger)

	primary, err := buildEngine(cfg.Mode, cfg)
	if err != nil {
		return nil, fmt.Errorf("build %s engine: %w", cfg.Mode, err)
	}
	m.Register(primary, 0)

	if cfg.Fallback != "" && cfg.Fallback != cfg.Mode {
		fallback, err := buildEngine(cfg.Fallback, cfg)
		if err != nil {
			return nil, fmt.Errorf("build %s fallback engine: %w", cfg.Fallback, err)
		}
		m.Register(fallback, 1)
	}
	return m, nil
}

// DefaultSynthesisConfig derives the per-session defaults handed to new
// connections from the configured engine backend.
func DefaultSynthesisConfig(cfg config.EngineConfig) protocol.SynthesisConfig {
	return protocol.SynthesisConfig{
		Voice:      cfg.Voice,
		Language:   cfg.Language,
		Format:     cfg.Format,
		SampleRate: cfg.SampleRate,
		Channels:   cfg.Channels,
		Speed:      cfg.Speed,
		ChunkBytes: cfg.ChunkBytes,
	}
}

func buildEngine(mode string, cfg config.EngineConfig) (Engine, error) {
	switch mode {
	case "mock":
		return NewMock(cfg), nil
	case "exec":
		return NewExec(cfg)
	default:
		return nil, fmt.Errorf("unknown engine mode %q", mode)
	}
}

// Register adds an engine at the given priority; lower runs first.
func (m *Manager) Register(e Engine, priority int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, &registered{engine: e, priority: priority, healthy: true})
	sort.SliceStable(m.entries, func(i, j int) bool {
		return m.entries[i].priority < m.entries[j].priority
	})
	m.logger.Info("engine registered",
		slog.String("engine", e.Name()),
		slog.Int("priority", priority))
}

// Primary returns the most preferred healthy engine that validates the
// config.
func (m *Manager) Primary(cfg protocol.SynthesisConfig) (Engine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entry := range m.entries {
		if entry.engine.Validate(cfg) {
			return entry.engine, nil
		}
	}
	return nil, ErrNoEngine
}

// Fallback returns the next engine after the named one that validates the
// config, or nil when none is configured or compatible. At most one
// fallback attempt is made per task.
func (m *Manager) Fallback(cfg protocol.SynthesisConfig, exclude string) Engine {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entry := range m.entries {
		if entry.engine.Name() == exclude {
			continue
		}
		if entry.engine.Validate(cfg) {
			return entry.engine
		}
	}
	return nil
}

// RecordFailure marks the named engine unhealthy for status reporting.
// Selection still considers it: a single fault must not hide a backend
// that recovers.
func (m *Manager) RecordFailure(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entry := range m.entries {
		if entry.engine.Name() != name {
			continue
		}
		entry.mu.Lock()
		entry.healthy = false
		entry.lastError = err.Error()
		entry.errors++
		entry.mu.Unlock()
		return
	}
}

// RecordSuccess restores the named engine's healthy flag.
func (m *Manager) RecordSuccess(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entry := range m.entries {
		if entry.engine.Name() != name {
			continue
		}
		entry.mu.Lock()
		entry.healthy = true
		entry.mu.Unlock()
		return
	}
}

// Languages is the union across registered engines.
func (m *Manager) Languages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]struct{})
	var out []string
	for _, entry := range m.entries {
		for _, lang := range entry.engine.Languages() {
			if _, ok := seen[lang]; ok {
				continue
			}
			seen[lang] = struct{}{}
			out = append(out, lang)
		}
	}
	sort.Strings(out)
	return out
}

// Voices is the union across registered engines.
func (m *Manager) Voices() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]struct{})
	var out []string
	for _, entry := range m.entries {
		for _, voice := range entry.engine.Voices() {
			if _, ok := seen[voice]; ok {
				continue
			}
			seen[voice] = struct{}{}
			out = append(out, voice)
		}
	}
	sort.Strings(out)
	return out
}

// Status snapshots all registered engines for the admin API.
func (m *Manager) Status() []EngineStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EngineStatus, 0, len(m.entries))
	for _, entry := range m.entries {
		entry.mu.Lock()
		out = append(out, EngineStatus{
			Name:      entry.engine.Name(),
			Priority:  entry.priority,
			Healthy:   entry.healthy,
			LastError: entry.lastError,
			Errors:    entry.errors,
		})
		entry.mu.Unlock()
	}
	return out
}
