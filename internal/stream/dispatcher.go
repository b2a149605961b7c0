// Package stream runs the synthesis loop: one task at a time is pulled from
// the queue, driven through an engine, and its audio chunks are forwarded to
// the owning connection. Cancellation is observed at every chunk boundary.
package stream

import (
	"context"
	"encoding/hex"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-tts-streamer/internal/bus"
	"github.com/loqalabs/loqa-tts-streamer/internal/config"
	"github.com/loqalabs/loqa-tts-streamer/internal/engine"
	"github.com/loqalabs/loqa-tts-streamer/internal/eventstore"
	"github.com/loqalabs/loqa-tts-streamer/internal/protocol"
	"github.com/loqalabs/loqa-tts-streamer/internal/queue"
	"github.com/loqalabs/loqa-tts-streamer/internal/session"
)

var errInterrupted = errors.New("task interrupted")

// Dispatcher owns the single execution slot. Only one synthesis runs at a
// time; ordering and preemption decisions belong to the queue.
type Dispatcher struct {
	cfg      config.QueueConfig
	queue    *queue.TaskQueue
	engines  *engine.Manager
	sessions *session.Registry
	bus      *bus.Client
	events   *eventstore.Store
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	clock  func() time.Time

	synthesisHist metric.Float64Histogram
	interruptHist metric.Float64Histogram
}

func NewDispatcher(parent context.Context, cfg config.QueueConfig, q *queue.TaskQueue, engines *engine.Manager, sessions *session.Registry, busClient *bus.Client, events *eventstore.Store, logger *slog.Logger) *Dispatcher {
	ctx, cancel := context.WithCancel(parent)
	d := &Dispatcher{
		cfg:      cfg,
		queue:    q,
		engines:  engines,
		sessions: sessions,
		bus:      busClient,
		events:   events,
		logger:   logger.With(slog.String("component", "dispatcher")),
		ctx:      ctx,
		cancel:   cancel,
		clock:    time.Now,
	}
	if err := d.initMetrics(); err != nil {
		d.logger.Warn("failed to initialize dispatcher metrics", slogError(err))
	}
	return d
}

func (d *Dispatcher) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-tts-streamer/stream")

	var err error
	if d.synthesisHist, err = meter.Float64Histogram("tts.synthesis.duration_ms",
		metric.WithDescription("Wall-clock synthesis time per completed task")); err != nil {
		return err
	}
	d.interruptHist, err = meter.Float64Histogram("tts.interrupt.latency_ms",
		metric.WithDescription("Time from cancel flag to the execution loop stopping"))
	return err
}

func (d *Dispatcher) Start() error {
	if d.cfg.WaitTimeoutMS <= 0 {
		return errors.New("dispatcher wait timeout must be positive")
	}
	d.wg.Add(1)
	go d.run()
	d.logger.Info("dispatcher started",
		slog.Int("wait_timeout_ms", d.cfg.WaitTimeoutMS),
		slog.Int("synthesis_timeout_ms", d.cfg.SynthesisTimeoutMS))
	return nil
}

func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	waitTimeout := time.Duration(d.cfg.WaitTimeoutMS) * time.Millisecond

	for {
		task, err := d.queue.WaitForTask(d.ctx, waitTimeout)
		if err != nil {
			return
		}
		if task == nil {
			continue
		}
		d.execute(task)
	}
}

// execute drives one task through an engine. The cancellation handle is
// registered in the queue's current slot before any audio moves, so an
// interrupt arriving at any point thereafter reaches the running synthesis.
func (d *Dispatcher) execute(task *queue.Task) {
	ctx, cancel := context.WithTimeout(d.ctx, time.Duration(d.cfg.SynthesisTimeoutMS)*time.Millisecond)
	defer cancel()

	if !d.queue.SetCurrent(task, cancel) {
		d.logger.Debug("task cancelled before execution",
			slog.String("task_id", task.ID),
			slog.String("reason", task.CancelReason()))
		return
	}
	defer d.queue.ClearCurrent(task.ID)

	eng, err := d.engines.Primary(task.Config)
	if err != nil {
		d.failTask(task, err)
		return
	}

	d.sendToTask(task, protocol.TypeSynthesisStart, protocol.SynthesisStart{
		Text:     task.Text,
		Priority: task.Priority,
		TaskID:   task.ID,
	})

	start := d.clock()
	chunksSent, audioBytes, err := d.stream(ctx, eng, task)
	if err != nil && !errors.Is(err, errInterrupted) && !task.Cancelled() {
		d.engines.RecordFailure(eng.Name(), err)
		if fb := d.engines.Fallback(task.Config, eng.Name()); fb != nil {
			d.logger.Warn("primary engine failed, retrying with fallback",
				slog.String("engine", eng.Name()),
				slog.String("fallback", fb.Name()),
				slogError(err))
			eng = fb
			chunksSent, audioBytes, err = d.stream(ctx, fb, task)
		}
	}

	elapsed := d.clock().Sub(start)
	switch {
	case errors.Is(err, errInterrupted) || task.Cancelled():
		d.finishInterrupted(task, audioBytes, elapsed)
	case err != nil:
		d.engines.RecordFailure(eng.Name(), err)
		d.failTask(task, err)
	default:
		d.engines.RecordSuccess(eng.Name())
		d.finishCompleted(task, eng.Name(), chunksSent, audioBytes, elapsed)
	}
}

// stream forwards the engine's chunks to the task's sink. The cancellation
// flag is checked before each forward so no audio crosses the wire after an
// interrupt is acknowledged.
func (d *Dispatcher) stream(ctx context.Context, eng engine.Engine, task *queue.Task) (int, int64, error) {
	chunks, errs := eng.SynthesizeStreaming(ctx, task.Text, task.Config)

	sent := 0
	var audioBytes int64
	// Engines may park a failure in errs and close both channels together.
	// The loop must drain errs even after chunks closes or that failure is
	// lost and the task would report completion.
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if task.Cancelled() {
				return sent, audioBytes, errInterrupted
			}
			msg, err := protocol.NewMessage(protocol.TypeAudioChunk, task.SessionID, protocol.AudioChunkMessage{
				Data:        hex.EncodeToString(chunk.Data),
				Index:       chunk.Index,
				TotalChunks: chunk.TotalChunks,
				Format:      chunk.Format,
				SampleRate:  chunk.SampleRate,
				DurationMS:  chunk.DurationMS,
				SizeBytes:   len(chunk.Data),
			})
			if err != nil {
				return sent, audioBytes, err
			}
			if err := task.Sink.Send(msg); err != nil {
				task.Cancel("connection_lost")
				return sent, audioBytes, errInterrupted
			}
			sent++
			audioBytes += int64(len(chunk.Data))
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return sent, audioBytes, err
			}
		case <-ctx.Done():
			if task.Cancelled() {
				return sent, audioBytes, errInterrupted
			}
			return sent, audioBytes, ctx.Err()
		}
	}
	return sent, audioBytes, nil
}

func (d *Dispatcher) finishCompleted(task *queue.Task, engineName string, chunks int, audioBytes int64, elapsed time.Duration) {
	d.sendToTask(task, protocol.TypeSynthesisComplete, protocol.SynthesisComplete{
		Text:            task.Text,
		TotalChunks:     chunks,
		SynthesisTimeMS: float64(elapsed.Microseconds()) / 1000.0,
		AudioBytes:      audioBytes,
		Engine:          engineName,
	})

	d.queue.RecordCompleted()
	d.sessions.RecordActivity(task.SessionID, audioBytes, elapsed)
	if d.synthesisHist != nil {
		d.synthesisHist.Record(context.Background(), float64(elapsed.Microseconds())/1000.0)
	}
	d.bus.PublishTaskEvent(protocol.SubjectTaskCompleted, protocol.TaskEvent{
		TaskID:     task.ID,
		SessionID:  task.SessionID,
		Priority:   task.Priority,
		AudioBytes: audioBytes,
		Timestamp:  d.clock(),
	})
	if err := d.events.AppendEvent(d.ctx, eventstore.Event{
		SessionID:  task.SessionID,
		TaskID:     task.ID,
		Type:       eventstore.EventSynthesisCompleted,
		Priority:   task.Priority.String(),
		AudioBytes: audioBytes,
		LatencyMS:  float64(elapsed.Microseconds()) / 1000.0,
	}); err != nil {
		d.logger.Warn("failed to record completion event", slogError(err))
	}

	d.logger.Info("synthesis complete",
		slog.String("task_id", task.ID),
		slog.String("session_id", task.SessionID),
		slog.Int("chunks", chunks),
		slog.Int64("audio_bytes", audioBytes),
		slog.Duration("elapsed", elapsed))
}

// finishInterrupted retires a cancelled task. A client-requested interrupt
// is answered by the connection handler, which knows the full count across
// pending tasks; every other cancellation (preemption, admin, reaper) gets
// its terminal message here.
func (d *Dispatcher) finishInterrupted(task *queue.Task, audioBytes int64, elapsed time.Duration) {
	latency := 0.0
	if at := task.CancelledAt(); !at.IsZero() {
		latency = float64(d.clock().Sub(at).Microseconds()) / 1000.0
	}
	if d.interruptHist != nil {
		d.interruptHist.Record(context.Background(), latency)
	}
	if task.CancelReason() != "user_interrupt" {
		d.sendToTask(task, protocol.TypeInterrupted, protocol.Interrupted{
			InterruptedTasks: 1,
			LatencyMS:        latency,
		})
	}

	d.sessions.RecordActivity(task.SessionID, audioBytes, elapsed)
	d.bus.PublishTaskEvent(protocol.SubjectTaskInterrupted, protocol.TaskEvent{
		TaskID:     task.ID,
		SessionID:  task.SessionID,
		Priority:   task.Priority,
		Reason:     task.CancelReason(),
		AudioBytes: audioBytes,
		Timestamp:  d.clock(),
	})
	if err := d.events.AppendEvent(d.ctx, eventstore.Event{
		SessionID:  task.SessionID,
		TaskID:     task.ID,
		Type:       eventstore.EventInterrupted,
		Priority:   task.Priority.String(),
		AudioBytes: audioBytes,
	}); err != nil {
		d.logger.Warn("failed to record interruption event", slogError(err))
	}

	d.logger.Info("synthesis interrupted",
		slog.String("task_id", task.ID),
		slog.String("session_id", task.SessionID),
		slog.String("reason", task.CancelReason()))
}

func (d *Dispatcher) failTask(task *queue.Task, cause error) {
	d.sendToTask(task, protocol.TypeSynthesisError, protocol.SynthesisError{
		Error:  cause.Error(),
		TaskID: task.ID,
	})
	d.bus.PublishTaskEvent(protocol.SubjectTaskFailed, protocol.TaskEvent{
		TaskID:    task.ID,
		SessionID: task.SessionID,
		Priority:  task.Priority,
		Reason:    cause.Error(),
		Timestamp: d.clock(),
	})
	if err := d.events.AppendEvent(d.ctx, eventstore.Event{
		SessionID: task.SessionID,
		TaskID:    task.ID,
		Type:      eventstore.EventSynthesisFailed,
		Priority:  task.Priority.String(),
	}); err != nil {
		d.logger.Warn("failed to record failure event", slogError(err))
	}

	d.logger.Error("synthesis failed",
		slog.String("task_id", task.ID),
		slog.String("session_id", task.SessionID),
		slogError(cause))
}

func (d *Dispatcher) sendToTask(task *queue.Task, msgType string, payload any) {
	msg, err := protocol.NewMessage(msgType, task.SessionID, payload)
	if err != nil {
		d.logger.Warn("failed to encode message", slog.String("type", msgType), slogError(err))
		return
	}
	if err := task.Sink.Send(msg); err != nil {
		task.Cancel("connection_lost")
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
