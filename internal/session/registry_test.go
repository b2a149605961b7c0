package session

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-tts-streamer/internal/config"
	"github.com/loqalabs/loqa-tts-streamer/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeQueue struct {
	calls map[string]int
}

func (f *fakeQueue) InterruptSession(sessionID, reason string) int {
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[sessionID]++
	return 1
}

func testWSConfig() config.WebSocketConfig {
	return config.WebSocketConfig{
		MaxSessionsPerIP:  2,
		SessionTimeoutSec: 300,
		ReapIntervalSec:   60,
	}
}

func newRegistry(t *testing.T, cfg config.WebSocketConfig) (*Registry, *fakeQueue) {
	t.Helper()
	q := &fakeQueue{}
	r := NewRegistry(context.Background(), cfg, q, newLogger())
	t.Cleanup(r.Close)
	return r, q
}

func TestQuotaEnforcement(t *testing.T) {
	r, _ := newRegistry(t, testWSConfig())

	a, err := r.Create("10.0.0.1", protocol.SynthesisConfig{}, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := r.Create("10.0.0.1", protocol.SynthesisConfig{}, nil); err != nil {
		t.Fatalf("create second: %v", err)
	}
	if _, err := r.Create("10.0.0.1", protocol.SynthesisConfig{}, nil); err != ErrQuotaExceeded {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	// Another address is unaffected.
	if _, err := r.Create("10.0.0.2", protocol.SynthesisConfig{}, nil); err != nil {
		t.Fatalf("other address rejected: %v", err)
	}

	// Closing releases the quota slot.
	r.CloseSession(a.ID, "test")
	if _, err := r.Create("10.0.0.1", protocol.SynthesisConfig{}, nil); err != nil {
		t.Fatalf("create after close: %v", err)
	}
}

func TestGetRefreshesActivity(t *testing.T) {
	r, _ := newRegistry(t, testWSConfig())
	s, err := r.Create("10.0.0.1", protocol.SynthesisConfig{}, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	past := time.Now().Add(-time.Hour)
	r.clock = func() time.Time { return past }
	r.mu.Lock()
	r.byID[s.ID].LastActivity = past
	r.mu.Unlock()

	r.clock = time.Now
	if _, ok := r.Get(s.ID); !ok {
		t.Fatal("expected session")
	}
	infos := r.List(true)
	if len(infos) != 1 {
		t.Fatalf("expected 1 active session, got %d", len(infos))
	}
	if time.Since(infos[0].LastActivity) > time.Minute {
		t.Fatal("get did not refresh activity")
	}
}

func TestUpdateConfig(t *testing.T) {
	r, _ := newRegistry(t, testWSConfig())
	s, err := r.Create("10.0.0.1", protocol.SynthesisConfig{Voice: "es-0"}, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := r.UpdateConfig(s.ID, protocol.SynthesisConfig{Voice: "en-1"}); err != nil {
		t.Fatalf("update config: %v", err)
	}
	cfg, ok := r.Config(s.ID)
	if !ok || cfg.Voice != "en-1" {
		t.Fatalf("config not replaced: %+v", cfg)
	}
	if err := r.UpdateConfig("absent", protocol.SynthesisConfig{}); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCloseSessionCascadesAndIsIdempotent(t *testing.T) {
	r, q := newRegistry(t, testWSConfig())

	closedReason := ""
	s, err := r.Create("10.0.0.1", protocol.SynthesisConfig{}, func(reason string) { closedReason = reason })
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	r.CloseSession(s.ID, "user_request")
	if q.calls[s.ID] != 1 {
		t.Fatalf("expected queue interrupt, got %d", q.calls[s.ID])
	}
	if closedReason != "user_request" {
		t.Fatalf("connection not signalled, reason %q", closedReason)
	}
	if _, ok := r.Get(s.ID); ok {
		t.Fatal("session still present after close")
	}

	// Second close races the reaper in production; must be a no-op.
	r.CloseSession(s.ID, "timeout")
	if q.calls[s.ID] != 1 {
		t.Fatalf("idempotent close re-interrupted: %d", q.calls[s.ID])
	}
}

func TestRecordActivity(t *testing.T) {
	r, _ := newRegistry(t, testWSConfig())
	s, _ := r.Create("10.0.0.1", protocol.SynthesisConfig{}, nil)

	r.RecordActivity(s.ID, 4096, 150*time.Millisecond)
	r.RecordActivity(s.ID, 1024, 50*time.Millisecond)

	infos := r.List(false)
	if len(infos) != 1 {
		t.Fatalf("expected 1 session, got %d", len(infos))
	}
	if infos[0].TotalRequests != 2 || infos[0].TotalAudioBytes != 5120 {
		t.Fatalf("stats wrong: %+v", infos[0])
	}
	if infos[0].TotalSynthesisTimeMS != 200 {
		t.Fatalf("synthesis time wrong: %v", infos[0].TotalSynthesisTimeMS)
	}
}

func TestIdleReaping(t *testing.T) {
	cfg := testWSConfig()
	cfg.SessionTimeoutSec = 60
	r, q := newRegistry(t, cfg)

	idle, _ := r.Create("10.0.0.1", protocol.SynthesisConfig{}, nil)
	busy, _ := r.Create("10.0.0.2", protocol.SynthesisConfig{}, nil)

	r.mu.Lock()
	r.byID[idle.ID].LastActivity = time.Now().Add(-2 * time.Minute)
	r.mu.Unlock()

	r.reapIdle()

	if _, ok := r.Get(idle.ID); ok {
		t.Fatal("idle session survived the reaper")
	}
	if _, ok := r.Get(busy.ID); !ok {
		t.Fatal("active session reaped")
	}
	if q.calls[idle.ID] != 1 {
		t.Fatal("reaper did not interrupt the session's tasks")
	}
}
