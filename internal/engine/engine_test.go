package engine

import (
	"context"
	"errors"
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

func testEngineConfig() config.EngineConfig {
	return config.EngineConfig{
		Mode:            "mock",
		Voice:           "es-0",
		Language:        "es",
		Format:          "wav",
		SampleRate:      22050,
		Channels:        1,
		Speed:           1.0,
		ChunkDurationMS: 1,
		ChunkBytes:      64,
	}
}

func drain(t *testing.T, chunks <-chan AudioChunk, errs <-chan error) ([]AudioChunk, error) {
	t.Helper()
	var got []AudioChunk
	var firstErr error
	for chunks != nil || errs != nil {
		select {
		case c, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			got = append(got, c)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if firstErr == nil {
				firstErr = err
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out draining engine output")
		}
	}
	return got, firstErr
}

func TestMockProducesFiniteStream(t *testing.T) {
	e := NewMock(testEngineConfig())
	chunks, errs := e.SynthesizeStreaming(context.Background(), "hola que tal, esto es una prueba de voz", protocol.SynthesisConfig{
		Language: "es", SampleRate: 22050, Format: "wav", ChunkBytes: 32,
	})
	got, err := drain(t, chunks, errs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) == 0 {
		t.Fatal("expected chunks")
	}
	for i, c := range got {
		if c.Index != i {
			t.Fatalf("chunk %d has index %d", i, c.Index)
		}
		if len(c.Data) != 32 {
			t.Fatalf("chunk %d has %d bytes", i, len(c.Data))
		}
		if c.TotalChunks != len(got) {
			t.Fatalf("chunk %d reports %d total, stream had %d", i, c.TotalChunks, len(got))
		}
	}
}

func TestMockStopsOnCancel(t *testing.T) {
	cfg := testEngineConfig()
	cfg.ChunkDurationMS = 20
	e := NewMock(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	chunks, errs := e.SynthesizeStreaming(ctx, "texto bastante largo para producir varios fragmentos de audio en la prueba", protocol.SynthesisConfig{})

	// Take one chunk, then cancel mid-stream.
	select {
	case <-chunks:
	case <-time.After(time.Second):
		t.Fatal("no first chunk")
	}
	cancel()

	got, err := drain(t, chunks, errs)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(got) > 2 {
		t.Fatalf("engine kept producing after cancel: %d extra chunks", len(got))
	}
}

func TestMockValidate(t *testing.T) {
	e := NewMock(testEngineConfig())
	if !e.Validate(protocol.SynthesisConfig{Language: "es"}) {
		t.Fatal("expected configured language accepted")
	}
	if !e.Validate(protocol.SynthesisConfig{}) {
		t.Fatal("expected empty language accepted")
	}
	if e.Validate(protocol.SynthesisConfig{Language: "fr"}) {
		t.Fatal("expected unknown language rejected")
	}
}

func TestManagerSelection(t *testing.T) {
	m := NewManager(newLogger())
	es := NewMock(testEngineConfig())
	enCfg := testEngineConfig()
	enCfg.Language = "en"
	enCfg.Voice = "en-0"
	en := NewMock(enCfg)

	m.Register(en, 1)
	m.Register(es, 0)

	got, err := m.Primary(protocol.SynthesisConfig{Language: "es"})
	if err != nil {
		t.Fatalf("primary: %v", err)
	}
	if got != es {
		t.Fatal("expected priority 0 engine selected")
	}

	if _, err := m.Primary(protocol.SynthesisConfig{Language: "fr"}); err != ErrNoEngine {
		t.Fatalf("expected ErrNoEngine, got %v", err)
	}
}

func TestManagerFallbackSkipsFailedEngine(t *testing.T) {
	m := NewManager(newLogger())
	first := NewMock(testEngineConfig())
	secondCfg := testEngineConfig()
	second := NewMock(secondCfg)
	m.Register(first, 0)
	m.Register(second, 1)

	fb := m.Fallback(protocol.SynthesisConfig{Language: "es"}, first.Name())
	if fb == nil {
		t.Fatal("expected a fallback engine")
	}

	// Single engine registered: no fallback exists.
	single := NewManager(newLogger())
	single.Register(NewMock(testEngineConfig()), 0)
	if fb := single.Fallback(protocol.SynthesisConfig{}, "mock"); fb != nil {
		t.Fatalf("expected no fallback, got %s", fb.Name())
	}
}

func TestManagerHealthTracking(t *testing.T) {
	m := NewManager(newLogger())
	m.Register(NewMock(testEngineConfig()), 0)

	m.RecordFailure("mock", errors.New("model crashed"))
	st := m.Status()
	if len(st) != 1 || st[0].Healthy || st[0].Errors != 1 {
		t.Fatalf("unexpected status %+v", st)
	}

	m.RecordSuccess("mock")
	if st := m.Status(); !st[0].Healthy {
		t.Fatal("expected healthy after success")
	}
}

func TestNewManagerFromConfig(t *testing.T) {
	cfg := testEngineConfig()
	cfg.Fallback = ""
	m, err := NewManagerFromConfig(cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(m.Status()) != 1 {
		t.Fatalf("expected 1 engine, got %d", len(m.Status()))
	}
	if langs := m.Languages(); len(langs) == 0 {
		t.Fatal("expected languages reported")
	}
}
