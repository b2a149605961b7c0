package engine

import (
	"context"
	"time"

	"github.com/loqalabs/loqa-tts-streamer/internal/config"
	"github.com/loqalabs/loqa-tts-streamer/internal/protocol"
)

// mockEngine produces silence chunks paced at the configured chunk
// duration. It stands in for a real acoustic model in tests and when no
// backend is configured.
type mockEngine struct {
	cfg config.EngineConfig
	// pace of zero emits chunks as fast as the consumer drains them;
	// tests use that to avoid wall-clock waits.
	pace time.Duration
}

func NewMock(cfg config.EngineConfig) Engine {
	return &mockEngine{
		cfg:  cfg,
		pace: time.Duration(cfg.ChunkDurationMS) * time.Millisecond,
	}
}

func (m *mockEngine) Name() string { return "mock" }

func (m *mockEngine) Languages() []string {
	if m.cfg.Language != "" {
		return []string{m.cfg.Language, "en"}
	}
	return []string{"en"}
}

func (m *mockEngine) Voices() []string {
	if m.cfg.Voice != "" {
		return []string{m.cfg.Voice}
	}
	return []string{"mock-0"}
}

// Validate accepts any language the mock claims plus anything unset.
func (m *mockEngine) Validate(cfg protocol.SynthesisConfig) bool {
	if cfg.Language == "" {
		return true
	}
	for _, lang := range m.Languages() {
		if lang == cfg.Language {
			return true
		}
	}
	return false
}

func (m *mockEngine) SynthesizeStreaming(ctx context.Context, text string, cfg protocol.SynthesisConfig) (<-chan AudioChunk, <-chan error) {
	chunks := make(chan AudioChunk)
	errs := make(chan error, 1)

	chunkBytes := cfg.ChunkBytes
	if chunkBytes <= 0 {
		chunkBytes = m.cfg.ChunkBytes
	}
	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = m.cfg.SampleRate
	}
	format := cfg.Format
	if format == "" {
		format = m.cfg.Format
	}

	// Rough stand-in for synthesis output volume: one chunk per 16 runes.
	total := (len([]rune(text)) + 15) / 16
	if total < 1 {
		total = 1
	}

	go func() {
		defer close(chunks)
		defer close(errs)
		for i := 0; i < total; i++ {
			if m.pace > 0 {
				select {
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				case <-time.After(m.pace):
				}
			}
			chunk := AudioChunk{
				Data:        make([]byte, chunkBytes),
				Index:       i,
				TotalChunks: total,
				Format:      format,
				SampleRate:  sampleRate,
				DurationMS:  float64(m.cfg.ChunkDurationMS),
			}
			select {
			case chunks <- chunk:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()
	return chunks, errs
}
