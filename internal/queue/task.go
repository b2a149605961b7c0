package queue

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-tts-streamer/internal/protocol"
)

// Sink receives protocol messages produced on behalf of a task. The
// websocket connection that owns the task's session implements it.
type Sink interface {
	Send(msg protocol.Message) error
}

// Task is a single synthesis request. Config is a snapshot taken at
// creation; later session config updates do not touch it.
type Task struct {
	ID        string
	SessionID string
	Text      string
	Priority  protocol.Priority
	Config    protocol.SynthesisConfig
	CreatedAt time.Time
	Sink      Sink

	EnqueuedAt time.Time

	seq         uint64
	cancelled   atomic.Bool
	reason      atomic.Value // string
	cancelledAt atomic.Value // time.Time
}

// NewTask builds a task with a fresh id. The sequence number is assigned on
// enqueue to make the heap order total.
func NewTask(sessionID, text string, priority protocol.Priority, cfg protocol.SynthesisConfig, sink Sink) *Task {
	return &Task{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Text:      text,
		Priority:  priority,
		Config:    cfg,
		CreatedAt: time.Now(),
		Sink:      sink,
	}
}

// Cancel marks the task so the execution loop stops at the next chunk
// boundary. Safe to call from any goroutine, any number of times.
func (t *Task) Cancel(reason string) {
	if t.cancelled.CompareAndSwap(false, true) {
		t.reason.Store(reason)
		t.cancelledAt.Store(time.Now())
	}
}

func (t *Task) Cancelled() bool {
	return t.cancelled.Load()
}

// CancelReason returns the reason recorded by the first Cancel call.
func (t *Task) CancelReason() string {
	if r, ok := t.reason.Load().(string); ok {
		return r
	}
	return ""
}

// CancelledAt returns when the first Cancel call landed, for measuring
// cancellation latency. Zero for a live task.
func (t *Task) CancelledAt() time.Time {
	if ts, ok := t.cancelledAt.Load().(time.Time); ok {
		return ts
	}
	return time.Time{}
}

func (t *Task) Age(now time.Time) time.Duration {
	return now.Sub(t.CreatedAt)
}

// less orders by priority first, creation time second, then the enqueue
// sequence number so the order is total even for same-instant tasks.
func (t *Task) less(other *Task) bool {
	if t.Priority != other.Priority {
		return t.Priority < other.Priority
	}
	if !t.CreatedAt.Equal(other.CreatedAt) {
		return t.CreatedAt.Before(other.CreatedAt)
	}
	return t.seq < other.seq
}
