// Package session tracks per-connection state: admission under an
// address quota, activity-based reaping, and the synthesis configuration
// snapshotted into each task.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-tts-streamer/internal/config"
	"github.com/loqalabs/loqa-tts-streamer/internal/protocol"
)

var (
	ErrQuotaExceeded = errors.New("maximum sessions per address exceeded")
	ErrNotFound      = errors.New("session not found")
)

// Interrupter is the slice of the task queue the registry needs when a
// session closes: no task may outlive its session.
type Interrupter interface {
	InterruptSession(sessionID, reason string) int
}

// Session holds per-connection state. Config is replaced wholesale by
// UpdateConfig; tasks carry their own frozen copies.
type Session struct {
	ID           string
	Address      string
	Config       protocol.SynthesisConfig
	CreatedAt    time.Time
	LastActivity time.Time

	TotalRequests      int64
	TotalAudioBytes    int64
	TotalSynthesisTime time.Duration

	// closer signals the owning connection to shut down. The connection
	// owns its own lifetime; the registry only asks.
	closer func(reason string)
}

// Info is the read-only view returned by List and the admin API.
type Info struct {
	ID                   string                   `json:"session_id"`
	Address              string                   `json:"address"`
	Config               protocol.SynthesisConfig `json:"config"`
	CreatedAt            time.Time                `json:"created_at"`
	LastActivity         time.Time                `json:"last_activity"`
	TotalRequests        int64                    `json:"total_requests"`
	TotalAudioBytes      int64                    `json:"total_audio_bytes"`
	TotalSynthesisTimeMS float64                  `json:"total_synthesis_time_ms"`
}

// Registry is the session table, indexed by id and by source address. Both
// indices mutate together under one mutex.
type Registry struct {
	cfg    config.WebSocketConfig
	logger *slog.Logger
	queue  Interrupter

	mu        sync.Mutex
	byID      map[string]*Session
	byAddress map[string]map[string]struct{}

	created int64
	closed  int64
	reaped  int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	clock  func() time.Time

	createdCtr metric.Int64Counter
	reapedCtr  metric.Int64Counter
}

func NewRegistry(parent context.Context, cfg config.WebSocketConfig, queue Interrupter, logger *slog.Logger) *Registry {
	ctx, cancel := context.WithCancel(parent)
	r := &Registry{
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "session-registry")),
		queue:     queue,
		byID:      make(map[string]*Session),
		byAddress: make(map[string]map[string]struct{}),
		ctx:       ctx,
		cancel:    cancel,
		clock:     time.Now,
	}
	if err := r.initMetrics(); err != nil {
		r.logger.Warn("failed to initialize session metrics", slogError(err))
	}
	return r
}

// Start launches the idle reaper.
func (r *Registry) Start() error {
	if r.cfg.ReapIntervalSec <= 0 {
		return errors.New("session reap interval must be positive")
	}
	r.wg.Add(1)
	go r.runReaper()
	r.logger.Info("session registry started",
		slog.Int("max_sessions_per_ip", r.cfg.MaxSessionsPerIP),
		slog.Int("session_timeout_sec", r.cfg.SessionTimeoutSec))
	return nil
}

// Close stops the reaper and closes every remaining session.
func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()
	for _, info := range r.List(false) {
		r.CloseSession(info.ID, "system_shutdown")
	}
}

// Create admits a new session for the given address. Fails without side
// effects when the address already holds its quota.
func (r *Registry) Create(address string, cfg protocol.SynthesisConfig, closer func(reason string)) (*Session, error) {
	r.mu.Lock()
	if len(r.byAddress[address]) >= r.cfg.MaxSessionsPerIP {
		r.mu.Unlock()
		return nil, ErrQuotaExceeded
	}

	now := r.clock()
	s := &Session{
		ID:           uuid.NewString(),
		Address:      address,
		Config:       cfg,
		CreatedAt:    now,
		LastActivity: now,
		closer:       closer,
	}
	r.byID[s.ID] = s
	if r.byAddress[address] == nil {
		r.byAddress[address] = make(map[string]struct{})
	}
	r.byAddress[address][s.ID] = struct{}{}
	r.created++
	total := len(r.byID)
	r.mu.Unlock()

	if r.createdCtr != nil {
		r.createdCtr.Add(context.Background(), 1)
	}
	r.logger.Info("session created",
		slog.String("session_id", s.ID),
		slog.String("address", address),
		slog.Int("total", total))
	return s, nil
}

// Get looks a session up by id and refreshes its activity timestamp.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	s.LastActivity = r.clock()
	return s, true
}

// Config returns the session's current synthesis configuration.
func (r *Registry) Config(id string) (protocol.SynthesisConfig, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return protocol.SynthesisConfig{}, false
	}
	s.LastActivity = r.clock()
	return s.Config, true
}

// UpdateConfig replaces the session config atomically. Task snapshots taken
// earlier are unaffected.
func (r *Registry) UpdateConfig(id string, cfg protocol.SynthesisConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return ErrNotFound
	}
	s.Config = cfg
	s.LastActivity = r.clock()
	return nil
}

// RecordActivity accumulates per-session synthesis stats.
func (r *Registry) RecordActivity(id string, audioBytes int64, synthesisTime time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return
	}
	s.TotalRequests++
	s.TotalAudioBytes += audioBytes
	s.TotalSynthesisTime += synthesisTime
	s.LastActivity = r.clock()
}

// CloseSession removes the session from both indices, interrupts its
// tasks, and signals the owning connection. Closing an unknown or
// already-closed id is a no-op: teardown races the reaper.
func (r *Registry) CloseSession(id, reason string) {
	r.mu.Lock()
	s, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byID, id)
	if addrs := r.byAddress[s.Address]; addrs != nil {
		delete(addrs, id)
		if len(addrs) == 0 {
			delete(r.byAddress, s.Address)
		}
	}
	r.closed++
	duration := r.clock().Sub(s.CreatedAt)
	r.mu.Unlock()

	if r.queue != nil {
		r.queue.InterruptSession(id, reason)
	}
	if s.closer != nil {
		s.closer(reason)
	}
	r.logger.Info("session closed",
		slog.String("session_id", id),
		slog.String("reason", reason),
		slog.Duration("duration", duration))
}

// List enumerates sessions for status reporting. With activeOnly set, only
// sessions inside the idle timeout are returned.
func (r *Registry) List(activeOnly bool) []Info {
	timeout := time.Duration(r.cfg.SessionTimeoutSec) * time.Second

	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock()
	infos := make([]Info, 0, len(r.byID))
	for _, s := range r.byID {
		if activeOnly && now.Sub(s.LastActivity) > timeout {
			continue
		}
		infos = append(infos, Info{
			ID:                   s.ID,
			Address:              s.Address,
			Config:               s.Config,
			CreatedAt:            s.CreatedAt,
			LastActivity:         s.LastActivity,
			TotalRequests:        s.TotalRequests,
			TotalAudioBytes:      s.TotalAudioBytes,
			TotalSynthesisTimeMS: float64(s.TotalSynthesisTime) / float64(time.Millisecond),
		})
	}
	return infos
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// CountForAddress reports how many sessions an address currently holds.
func (r *Registry) CountForAddress(address string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byAddress[address])
}

func (r *Registry) runReaper() {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Duration(r.cfg.ReapIntervalSec) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.reapIdle()
		}
	}
}

// reapIdle closes sessions idle past the configured timeout. The close path
// is the same one connection teardown uses, so the queue cascade holds.
func (r *Registry) reapIdle() {
	timeout := time.Duration(r.cfg.SessionTimeoutSec) * time.Second

	r.mu.Lock()
	now := r.clock()
	var expired []string
	for id, s := range r.byID {
		if now.Sub(s.LastActivity) > timeout {
			expired = append(expired, id)
		}
	}
	r.mu.Unlock()

	for _, id := range expired {
		r.CloseSession(id, "timeout")
	}
	if len(expired) > 0 {
		r.mu.Lock()
		r.reaped += int64(len(expired))
		r.mu.Unlock()
		if r.reapedCtr != nil {
			r.reapedCtr.Add(context.Background(), int64(len(expired)))
		}
		r.logger.Info("reaped idle sessions", slog.Int("count", len(expired)))
	}
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-tts-streamer/session")

	var err error
	if r.createdCtr, err = meter.Int64Counter("tts.sessions.created",
		metric.WithDescription("Sessions admitted")); err != nil {
		return err
	}
	if r.reapedCtr, err = meter.Int64Counter("tts.sessions.reaped",
		metric.WithDescription("Sessions closed by the idle reaper")); err != nil {
		return err
	}

	active, err := meter.Int64ObservableGauge("tts.sessions.active",
		metric.WithDescription("Live sessions"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(active, int64(r.Count()))
		return nil
	}, active)
	return err
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
