// Package queue admits, orders, preempts, and retires synthesis tasks. A
// single mutex guards both the pending heap and the currently executing
// slot, so preemption, completion, interruption, and expiry all pass
// through one linearizable decision point.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-tts-streamer/internal/config"
	"github.com/loqalabs/loqa-tts-streamer/internal/protocol"
)

var ErrQueueFull = errors.New("task queue is full")

type taskHeap []*Task

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return h[i].less(h[j]) }
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)         { *h = append(*h, x.(*Task)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	task := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return task
}

// Status is a point-in-time snapshot for status reporting.
type Status struct {
	Pending       int    `json:"pending"`
	MaxSize       int    `json:"max_size"`
	CurrentTaskID string `json:"current_task_id,omitempty"`
	Enqueued      int64  `json:"total_enqueued"`
	Completed     int64  `json:"total_completed"`
	Interrupted   int64  `json:"total_interrupted"`
	Expired       int64  `json:"total_expired"`
}

// TaskQueue is the capacity-bounded priority queue plus the single
// "current task" slot and its cancellation handle.
type TaskQueue struct {
	cfg    config.QueueConfig
	logger *slog.Logger

	mu            sync.Mutex
	pending       taskHeap
	current       *Task
	currentCancel context.CancelFunc
	nextSeq       uint64
	signal        chan struct{}

	enqueued    int64
	completed   int64
	interrupted int64
	expired     int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	clock  func() time.Time

	enqueuedCtr    metric.Int64Counter
	interruptedCtr metric.Int64Counter
	expiredCtr     metric.Int64Counter
	completedCtr   metric.Int64Counter
}

func New(parent context.Context, cfg config.QueueConfig, logger *slog.Logger) *TaskQueue {
	ctx, cancel := context.WithCancel(parent)
	q := &TaskQueue{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "task-queue")),
		signal: make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		clock:  time.Now,
	}
	if err := q.initMetrics(); err != nil {
		q.logger.Warn("failed to initialize queue metrics", slogError(err))
	}
	return q
}

// Start launches the expiry sweep. Failure here is fatal to the daemon; the
// server must not accept connections half-initialized.
func (q *TaskQueue) Start() error {
	if q.cfg.SweepIntervalSec <= 0 {
		return errors.New("queue sweep interval must be positive")
	}
	q.wg.Add(1)
	go q.runExpirySweep()
	q.logger.Info("task queue started",
		slog.Int("max_size", q.cfg.MaxSize),
		slog.Int("max_task_age_sec", q.cfg.MaxTaskAgeSec))
	return nil
}

// Close cancels the current task, clears the queue, and stops the sweeper.
func (q *TaskQueue) Close() {
	q.cancel()
	q.InterruptAll("system_shutdown")
	q.wg.Wait()
}

// Enqueue admits a task, preempting the current task when the newcomer is
// CRITICAL or HIGH and strictly more urgent. The capacity check, the
// preemption decision, and the insertion happen under one lock so two
// concurrent callers cannot both preempt the same current task.
func (q *TaskQueue) Enqueue(task *Task) error {
	q.mu.Lock()
	if len(q.pending) >= q.cfg.MaxSize {
		pending := len(q.pending)
		q.mu.Unlock()
		q.logger.Warn("queue full, task rejected",
			slog.Int("pending", pending),
			slog.String("session_id", task.SessionID))
		return ErrQueueFull
	}

	if q.current != nil && task.Priority <= protocol.PriorityHigh && task.Priority < q.current.Priority {
		q.logger.Info("preempting current task",
			slog.String("current_task_id", q.current.ID),
			slog.String("task_id", task.ID),
			slog.String("priority", task.Priority.String()))
		q.cancelCurrentLocked("priority_override")
	}

	task.seq = q.nextSeq
	q.nextSeq++
	task.EnqueuedAt = q.clock()
	heap.Push(&q.pending, task)
	q.enqueued++
	q.mu.Unlock()

	if q.enqueuedCtr != nil {
		q.enqueuedCtr.Add(context.Background(), 1)
	}
	q.notify()
	return nil
}

// Dequeue removes and returns the most urgent pending task, skipping any
// that were cancelled while queued. Returns nil when empty.
func (q *TaskQueue) Dequeue() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dequeueLocked()
}

func (q *TaskQueue) dequeueLocked() *Task {
	for len(q.pending) > 0 {
		task := heap.Pop(&q.pending).(*Task)
		if task.Cancelled() {
			continue
		}
		return task
	}
	return nil
}

// WaitForTask blocks until a task is available, the timeout elapses, or ctx
// is done. A nil task with a nil error means timeout.
func (q *TaskQueue) WaitForTask(ctx context.Context, timeout time.Duration) (*Task, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		if task := q.Dequeue(); task != nil {
			return task, nil
		}
		select {
		case <-q.signal:
		case <-deadline.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.ctx.Done():
			return nil, q.ctx.Err()
		}
	}
}

// InterruptSession removes every pending task owned by the session and
// cancels the current task when it belongs to the session. Returns the
// total number of tasks affected.
func (q *TaskQueue) InterruptSession(sessionID, reason string) int {
	q.mu.Lock()
	count := 0
	if q.current != nil && q.current.SessionID == sessionID {
		q.cancelCurrentLocked(reason)
		count++
	}
	count += q.removePendingLocked(func(t *Task) bool { return t.SessionID == sessionID })
	q.interrupted += int64(count)
	q.mu.Unlock()

	if count > 0 {
		if q.interruptedCtr != nil {
			q.interruptedCtr.Add(context.Background(), int64(count))
		}
		q.logger.Info("interrupted session tasks",
			slog.String("session_id", sessionID),
			slog.Int("count", count),
			slog.String("reason", reason))
	}
	return count
}

// InterruptAll cancels the current task and clears the pending set.
func (q *TaskQueue) InterruptAll(reason string) int {
	q.mu.Lock()
	count := 0
	if q.current != nil {
		q.cancelCurrentLocked(reason)
		count++
	}
	count += q.removePendingLocked(func(*Task) bool { return true })
	q.interrupted += int64(count)
	q.mu.Unlock()

	if count > 0 {
		if q.interruptedCtr != nil {
			q.interruptedCtr.Add(context.Background(), int64(count))
		}
		q.logger.Info("interrupted all tasks",
			slog.Int("count", count),
			slog.String("reason", reason))
	}
	return count
}

// SetCurrent records the executing task and its cancellation handle. It
// refuses cancelled tasks so an interrupt landing between dequeue and
// execution start cannot resurrect the task.
func (q *TaskQueue) SetCurrent(task *Task, cancel context.CancelFunc) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if task.Cancelled() {
		return false
	}
	q.current = task
	q.currentCancel = cancel
	return true
}

// ClearCurrent releases the slot only when the named task still owns it, so
// a preempted task's completion path cannot clobber its successor.
func (q *TaskQueue) ClearCurrent(taskID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current != nil && q.current.ID == taskID {
		q.current = nil
		q.currentCancel = nil
	}
}

// Current returns the executing task, or nil.
func (q *TaskQueue) Current() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current
}

// RecordCompleted feeds the completion counters.
func (q *TaskQueue) RecordCompleted() {
	q.mu.Lock()
	q.completed++
	q.mu.Unlock()
	if q.completedCtr != nil {
		q.completedCtr.Add(context.Background(), 1)
	}
}

// Len reports the number of pending tasks.
func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *TaskQueue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := Status{
		Pending:     len(q.pending),
		MaxSize:     q.cfg.MaxSize,
		Enqueued:    q.enqueued,
		Completed:   q.completed,
		Interrupted: q.interrupted,
		Expired:     q.expired,
	}
	if q.current != nil {
		st.CurrentTaskID = q.current.ID
	}
	return st
}

// cancelCurrentLocked flips the task's flag and fires the execution
// handle. Callers hold q.mu.
func (q *TaskQueue) cancelCurrentLocked(reason string) {
	q.current.Cancel(reason)
	if q.currentCancel != nil {
		q.currentCancel()
	}
	q.current = nil
	q.currentCancel = nil
}

// removePendingLocked drops every pending task matching the predicate and
// re-heapifies. Callers hold q.mu.
func (q *TaskQueue) removePendingLocked(match func(*Task) bool) int {
	removed := 0
	kept := q.pending[:0]
	for _, t := range q.pending {
		if match(t) {
			t.Cancel("removed_from_queue")
			removed++
			continue
		}
		kept = append(kept, t)
	}
	q.pending = kept
	if removed > 0 {
		heap.Init(&q.pending)
	}
	return removed
}

func (q *TaskQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *TaskQueue) runExpirySweep() {
	defer q.wg.Done()
	ticker := time.NewTicker(time.Duration(q.cfg.SweepIntervalSec) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			q.sweepExpired()
		}
	}
}

// sweepExpired removes pending tasks older than the configured max age. The
// current task is never touched here. An expired task still owes its
// session a terminal message, so each one gets a synthesis_error after the
// lock is released.
func (q *TaskQueue) sweepExpired() {
	maxAge := time.Duration(q.cfg.MaxTaskAgeSec) * time.Second
	now := q.clock()

	q.mu.Lock()
	var dropped []*Task
	kept := q.pending[:0]
	for _, t := range q.pending {
		if t.Age(now) > maxAge {
			t.Cancel("expired")
			dropped = append(dropped, t)
			continue
		}
		kept = append(kept, t)
	}
	q.pending = kept
	if len(dropped) > 0 {
		heap.Init(&q.pending)
	}
	q.expired += int64(len(dropped))
	q.mu.Unlock()

	if len(dropped) == 0 {
		return
	}
	if q.expiredCtr != nil {
		q.expiredCtr.Add(context.Background(), int64(len(dropped)))
	}
	for _, t := range dropped {
		if t.Sink == nil {
			continue
		}
		msg, err := protocol.NewMessage(protocol.TypeSynthesisError, t.SessionID, protocol.SynthesisError{
			Error:  "synthesis request expired in queue",
			TaskID: t.ID,
		})
		if err != nil {
			continue
		}
		if err := t.Sink.Send(msg); err != nil {
			q.logger.Debug("expired task sink unreachable",
				slog.String("task_id", t.ID),
				slogError(err))
		}
	}
	q.logger.Info("expired tasks removed", slog.Int("count", len(dropped)))
}

func (q *TaskQueue) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-tts-streamer/queue")

	var err error
	if q.enqueuedCtr, err = meter.Int64Counter("tts.queue.enqueued",
		metric.WithDescription("Tasks admitted to the queue")); err != nil {
		return err
	}
	if q.completedCtr, err = meter.Int64Counter("tts.queue.completed",
		metric.WithDescription("Tasks that ran to completion")); err != nil {
		return err
	}
	if q.interruptedCtr, err = meter.Int64Counter("tts.queue.interrupted",
		metric.WithDescription("Tasks cancelled before or during execution")); err != nil {
		return err
	}
	if q.expiredCtr, err = meter.Int64Counter("tts.queue.expired",
		metric.WithDescription("Pending tasks dropped by the age sweep")); err != nil {
		return err
	}

	depth, err := meter.Int64ObservableGauge("tts.queue.depth",
		metric.WithDescription("Pending tasks in the queue"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(depth, int64(q.Len()))
		return nil
	}, depth)
	return err
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
