package queue

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-tts-streamer/internal/config"
	"github.com/loqalabs/loqa-tts-streamer/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recordingSink struct {
	mu   sync.Mutex
	msgs []protocol.Message
}

func (s *recordingSink) Send(msg protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *recordingSink) messages() []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

func testQueueConfig() config.QueueConfig {
	return config.QueueConfig{
		MaxSize:            1000,
		MaxTaskAgeSec:      300,
		SweepIntervalSec:   30,
		WaitTimeoutMS:      100,
		SynthesisTimeoutMS: 5000,
	}
}

func newQueue(t *testing.T, cfg config.QueueConfig) *TaskQueue {
	t.Helper()
	q := New(context.Background(), cfg, newLogger())
	t.Cleanup(q.Close)
	return q
}

func mustEnqueue(t *testing.T, q *TaskQueue, task *Task) {
	t.Helper()
	if err := q.Enqueue(task); err != nil {
		t.Fatalf("enqueue %s: %v", task.ID, err)
	}
}

func task(sessionID, text string, p protocol.Priority) *Task {
	return NewTask(sessionID, text, p, protocol.SynthesisConfig{}, nil)
}

func TestPriorityOrdering(t *testing.T) {
	q := newQueue(t, testQueueConfig())

	normal := task("s1", "later", protocol.PriorityNormal)
	critical := task("s1", "first", protocol.PriorityCritical)
	high := task("s1", "second", protocol.PriorityHigh)

	mustEnqueue(t, q, normal)
	mustEnqueue(t, q, critical)
	mustEnqueue(t, q, high)

	for i, want := range []*Task{critical, high, normal} {
		got := q.Dequeue()
		if got == nil || got.ID != want.ID {
			t.Fatalf("dequeue %d: expected %s, got %+v", i, want.Text, got)
		}
	}
}

func TestFIFOTieBreak(t *testing.T) {
	q := newQueue(t, testQueueConfig())

	first := task("s1", "a", protocol.PriorityNormal)
	second := task("s1", "b", protocol.PriorityNormal)
	second.CreatedAt = first.CreatedAt.Add(time.Millisecond)

	mustEnqueue(t, q, second)
	mustEnqueue(t, q, first)

	if got := q.Dequeue(); got.ID != first.ID {
		t.Fatalf("expected first task out, got %q", got.Text)
	}
	if got := q.Dequeue(); got.ID != second.ID {
		t.Fatalf("expected second task out, got %q", got.Text)
	}
}

func TestEqualTimestampsUseEnqueueOrder(t *testing.T) {
	q := newQueue(t, testQueueConfig())

	now := time.Now()
	var tasks []*Task
	for i := 0; i < 5; i++ {
		tk := task("s1", "t", protocol.PriorityNormal)
		tk.CreatedAt = now
		tasks = append(tasks, tk)
		mustEnqueue(t, q, tk)
	}
	for i, want := range tasks {
		if got := q.Dequeue(); got.ID != want.ID {
			t.Fatalf("position %d: wrong task", i)
		}
	}
}

func TestCapacityRejection(t *testing.T) {
	cfg := testQueueConfig()
	cfg.MaxSize = 2
	q := newQueue(t, cfg)

	mustEnqueue(t, q, task("s1", "a", protocol.PriorityNormal))
	mustEnqueue(t, q, task("s1", "b", protocol.PriorityNormal))

	if err := q.Enqueue(task("s1", "c", protocol.PriorityNormal)); err != ErrQueueFull {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if q.Len() != 2 {
		t.Fatalf("queue length changed on rejected enqueue: %d", q.Len())
	}
}

func TestDequeueSkipsCancelled(t *testing.T) {
	q := newQueue(t, testQueueConfig())

	doomed := task("s1", "doomed", protocol.PriorityCritical)
	alive := task("s2", "alive", protocol.PriorityNormal)
	mustEnqueue(t, q, doomed)
	mustEnqueue(t, q, alive)
	doomed.Cancel("test")

	if got := q.Dequeue(); got == nil || got.ID != alive.ID {
		t.Fatalf("expected cancelled task skipped, got %+v", got)
	}
	if got := q.Dequeue(); got != nil {
		t.Fatalf("expected empty queue, got %+v", got)
	}
}

func TestInterruptSession(t *testing.T) {
	q := newQueue(t, testQueueConfig())

	mine := task("s1", "mine", protocol.PriorityNormal)
	other := task("s2", "other", protocol.PriorityNormal)
	running := task("s1", "running", protocol.PriorityNormal)
	mustEnqueue(t, q, mine)
	mustEnqueue(t, q, other)

	cancelled := false
	if !q.SetCurrent(running, func() { cancelled = true }) {
		t.Fatal("set current failed")
	}

	count := q.InterruptSession("s1", "user_request")
	if count != 2 {
		t.Fatalf("expected 2 tasks affected, got %d", count)
	}
	if !cancelled || !running.Cancelled() {
		t.Fatal("expected current task cancelled")
	}
	if !mine.Cancelled() {
		t.Fatal("expected pending task cancelled")
	}
	if q.Current() != nil {
		t.Fatal("expected current slot cleared")
	}
	if got := q.Dequeue(); got == nil || got.ID != other.ID {
		t.Fatalf("expected other session's task to survive, got %+v", got)
	}
}

func TestInterruptSessionNoMatches(t *testing.T) {
	q := newQueue(t, testQueueConfig())
	mustEnqueue(t, q, task("s1", "a", protocol.PriorityNormal))

	if count := q.InterruptSession("absent", "user_request"); count != 0 {
		t.Fatalf("expected 0, got %d", count)
	}
	if q.Len() != 1 {
		t.Fatalf("unrelated task removed")
	}
}

func TestInterruptAll(t *testing.T) {
	q := newQueue(t, testQueueConfig())

	mustEnqueue(t, q, task("s1", "a", protocol.PriorityNormal))
	mustEnqueue(t, q, task("s2", "b", protocol.PriorityHigh))
	running := task("s3", "c", protocol.PriorityNormal)
	q.SetCurrent(running, func() {})

	if count := q.InterruptAll("shutdown"); count != 3 {
		t.Fatalf("expected 3 tasks affected, got %d", count)
	}
	if q.Len() != 0 {
		t.Fatalf("queue not empty after interrupt all: %d", q.Len())
	}
	if q.Current() != nil {
		t.Fatal("current slot not cleared")
	}
}

func TestPreemption(t *testing.T) {
	q := newQueue(t, testQueueConfig())

	running := task("s1", "a", protocol.PriorityNormal)
	cancelled := false
	q.SetCurrent(running, func() { cancelled = true })

	urgent := task("s2", "b", protocol.PriorityCritical)
	mustEnqueue(t, q, urgent)

	if !cancelled || !running.Cancelled() {
		t.Fatal("expected critical enqueue to preempt normal current task")
	}
	if running.CancelReason() != "priority_override" {
		t.Fatalf("unexpected cancel reason %q", running.CancelReason())
	}
	if got := q.Dequeue(); got == nil || got.ID != urgent.ID {
		t.Fatalf("expected urgent task pending, got %+v", got)
	}
}

func TestNoPreemptionForEqualPriority(t *testing.T) {
	q := newQueue(t, testQueueConfig())

	running := task("s1", "a", protocol.PriorityHigh)
	q.SetCurrent(running, func() { t.Fatal("equal priority must not preempt") })

	mustEnqueue(t, q, task("s2", "b", protocol.PriorityHigh))
	if running.Cancelled() {
		t.Fatal("running task cancelled by equal-priority arrival")
	}
}

func TestNoPreemptionByNormal(t *testing.T) {
	q := newQueue(t, testQueueConfig())

	running := task("s1", "a", protocol.PriorityNormal)
	q.SetCurrent(running, func() { t.Fatal("normal priority must not preempt") })
	mustEnqueue(t, q, task("s2", "b", protocol.PriorityNormal))
	if running.Cancelled() {
		t.Fatal("running task cancelled by normal-priority arrival")
	}
}

func TestSetCurrentRefusesCancelledTask(t *testing.T) {
	q := newQueue(t, testQueueConfig())
	tk := task("s1", "a", protocol.PriorityNormal)
	tk.Cancel("race")
	if q.SetCurrent(tk, func() {}) {
		t.Fatal("expected SetCurrent to refuse a cancelled task")
	}
	if q.Current() != nil {
		t.Fatal("cancelled task occupies the current slot")
	}
}

func TestClearCurrentIsOwnerOnly(t *testing.T) {
	q := newQueue(t, testQueueConfig())
	first := task("s1", "a", protocol.PriorityNormal)
	q.SetCurrent(first, func() {})
	second := task("s2", "b", protocol.PriorityNormal)
	q.SetCurrent(second, func() {})

	// The stale owner's completion path must not release the new owner.
	q.ClearCurrent(first.ID)
	if cur := q.Current(); cur == nil || cur.ID != second.ID {
		t.Fatalf("current slot lost to stale clear: %+v", cur)
	}
	q.ClearCurrent(second.ID)
	if q.Current() != nil {
		t.Fatal("owner clear did not release the slot")
	}
}

func TestWaitForTaskTimeout(t *testing.T) {
	q := newQueue(t, testQueueConfig())

	start := time.Now()
	got, err := q.WaitForTask(context.Background(), 20*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected timeout, got task %+v", got)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatal("returned before timeout")
	}
}

func TestWaitForTaskWakesOnEnqueue(t *testing.T) {
	q := newQueue(t, testQueueConfig())

	tk := task("s1", "a", protocol.PriorityNormal)
	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = q.Enqueue(tk)
	}()

	got, err := q.WaitForTask(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil || got.ID != tk.ID {
		t.Fatalf("expected enqueued task, got %+v", got)
	}
}

func TestExpirySweep(t *testing.T) {
	cfg := testQueueConfig()
	cfg.MaxTaskAgeSec = 60
	q := newQueue(t, cfg)

	old := task("s1", "old", protocol.PriorityNormal)
	fresh := task("s1", "fresh", protocol.PriorityNormal)
	mustEnqueue(t, q, old)
	mustEnqueue(t, q, fresh)
	old.CreatedAt = time.Now().Add(-2 * time.Minute)

	running := task("s2", "running", protocol.PriorityNormal)
	running.CreatedAt = time.Now().Add(-time.Hour)
	q.SetCurrent(running, func() { t.Fatal("sweep must not touch current task") })

	q.sweepExpired()

	if q.Len() != 1 {
		t.Fatalf("expected 1 pending after sweep, got %d", q.Len())
	}
	if got := q.Dequeue(); got.ID != fresh.ID {
		t.Fatalf("wrong survivor %q", got.Text)
	}
	if running.Cancelled() {
		t.Fatal("current task cancelled by sweep")
	}
}

func TestExpirySweepNotifiesSink(t *testing.T) {
	cfg := testQueueConfig()
	cfg.MaxTaskAgeSec = 60
	q := newQueue(t, cfg)

	sink := &recordingSink{}
	old := NewTask("s1", "old", protocol.PriorityNormal, protocol.SynthesisConfig{}, sink)
	mustEnqueue(t, q, old)
	old.CreatedAt = time.Now().Add(-2 * time.Minute)

	q.sweepExpired()

	if !old.Cancelled() || old.CancelReason() != "expired" {
		t.Fatalf("expected expired cancellation, got cancelled=%v reason=%q", old.Cancelled(), old.CancelReason())
	}
	msgs := sink.messages()
	if len(msgs) != 1 || msgs[0].Type != protocol.TypeSynthesisError {
		t.Fatalf("expected one synthesis_error for the expired task, got %+v", msgs)
	}
	var payload protocol.SynthesisError
	if err := json.Unmarshal(msgs[0].Data, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.TaskID != old.ID {
		t.Fatalf("error attributed to task %q, want %q", payload.TaskID, old.ID)
	}
	if st := q.Status(); st.Expired != 1 {
		t.Fatalf("expected 1 expired in status, got %d", st.Expired)
	}
}

func TestConcurrentEnqueueSinglePreemption(t *testing.T) {
	q := newQueue(t, testQueueConfig())

	running := task("s0", "victim", protocol.PriorityNormal)
	cancels := 0
	q.SetCurrent(running, func() { cancels++ })

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			_ = q.Enqueue(task("s1", "urgent", protocol.PriorityCritical))
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}

	// The slot empties after the first preemption, so exactly one caller
	// can observe a current task to cancel.
	if cancels != 1 {
		t.Fatalf("expected exactly one preemption, got %d", cancels)
	}
}
