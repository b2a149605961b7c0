package engine

import (
	"context"
	"errors"

	"github.com/loqalabs/loqa-tts-streamer/internal/protocol"
)

var (
	ErrEmptyText     = errors.New("text must not be empty")
	ErrEngineFailure = errors.New("synthesis engine failure")
	ErrNoEngine      = errors.New("no engine accepts the requested configuration")
)

// AudioChunk is one unit of synthesized audio with its metadata.
type AudioChunk struct {
	Data        []byte
	Index       int
	TotalChunks int
	Format      string
	SampleRate  int
	DurationMS  float64
}

// Engine is the contract for producing an audio chunk stream from text.
// The chunk sequence is finite and not restartable; cancellation is
// injected through ctx and observed between chunk productions.
type Engine interface {
	Name() string
	SynthesizeStreaming(ctx context.Context, text string, cfg protocol.SynthesisConfig) (<-chan AudioChunk, <-chan error)
	Validate(cfg protocol.SynthesisConfig) bool
	Languages() []string
	Voices() []string
}
