package engine

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/loqa-tts-streamer/internal/config"
	"github.com/loqalabs/loqa-tts-streamer/internal/protocol"
)

// execEngine shells out to an external synthesizer: one JSON request on
// stdin, one JSON chunk per stdout line with base64 PCM.
type execEngine struct {
	cmd []string
	cfg config.EngineConfig
	mu  sync.Mutex
}

type execRequest struct {
	Text       string  `json:"text"`
	Voice      string  `json:"voice"`
	Language   string  `json:"language"`
	Format     string  `json:"format"`
	SampleRate int     `json:"sample_rate"`
	Channels   int     `json:"channels"`
	Speed      float64 `json:"speed"`
	ChunkBytes int     `json:"chunk_bytes"`
}

type execResponse struct {
	PCMBase64  string  `json:"pcm_base64"`
	DurationMS float64 `json:"duration_ms"`
	Final      bool    `json:"final"`
}

func NewExec(cfg config.EngineConfig) (Engine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse engine command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("engine command empty")
	}
	return &execEngine{cmd: args, cfg: cfg}, nil
}

func (e *execEngine) Name() string { return "exec" }

func (e *execEngine) Languages() []string {
	if e.cfg.Language != "" {
		return []string{e.cfg.Language}
	}
	return nil
}

func (e *execEngine) Voices() []string {
	if e.cfg.Voice != "" {
		return []string{e.cfg.Voice}
	}
	return nil
}

// Validate restricts the exec backend to its configured language; the
// subprocess has exactly one model loaded.
func (e *execEngine) Validate(cfg protocol.SynthesisConfig) bool {
	return cfg.Language == "" || e.cfg.Language == "" || cfg.Language == e.cfg.Language
}

func (e *execEngine) SynthesizeStreaming(ctx context.Context, text string, cfg protocol.SynthesisConfig) (<-chan AudioChunk, <-chan error) {
	e.mu.Lock()
	chunks := make(chan AudioChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		defer e.mu.Unlock()

		sampleRate := cfg.SampleRate
		if sampleRate <= 0 {
			sampleRate = e.cfg.SampleRate
		}
		format := cfg.Format
		if format == "" {
			format = e.cfg.Format
		}
		reqPayload := execRequest{
			Text:       text,
			Voice:      cfg.Voice,
			Language:   cfg.Language,
			Format:     format,
			SampleRate: sampleRate,
			Channels:   cfg.Channels,
			Speed:      cfg.Speed,
			ChunkBytes: cfg.ChunkBytes,
		}
		data, err := json.Marshal(reqPayload)
		if err != nil {
			errs <- err
			return
		}

		base := e.cmd[0]
		args := append([]string{}, e.cmd[1:]...)
		cmd := exec.CommandContext(ctx, base, args...)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			errs <- err
			return
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			errs <- err
			return
		}
		if err := cmd.Start(); err != nil {
			errs <- err
			return
		}

		if _, err := stdin.Write(data); err != nil {
			errs <- err
			cmd.Wait()
			return
		}
		stdin.Close()

		scanner := bufio.NewScanner(stdout)
		index := 0
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var resp execResponse
			if err := json.Unmarshal(line, &resp); err != nil {
				errs <- err
				cmd.Wait()
				return
			}
			pcm, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
			if err != nil {
				errs <- err
				cmd.Wait()
				return
			}
			chunk := AudioChunk{
				Data:       pcm,
				Index:      index,
				Format:     format,
				SampleRate: sampleRate,
				DurationMS: resp.DurationMS,
			}
			select {
			case chunks <- chunk:
			case <-ctx.Done():
				errs <- ctx.Err()
				cmd.Wait()
				return
			}
			index++
		}
		if err := cmd.Wait(); err != nil {
			errs <- err
			return
		}
		if scanErr := scanner.Err(); scanErr != nil {
			errs <- scanErr
		}
	}()
	return chunks, errs
}
