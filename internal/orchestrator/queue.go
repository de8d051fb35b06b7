package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/lucasnoah/autopr/internal/pipeline"
)

var (
	ErrQueueFull   = errors.New("work queue is full")
	ErrQueueClosed = errors.New("work queue is closed")
)

// Processor handles one work item.
type Processor interface {
	Process(ctx context.Context, item *pipeline.WorkItem) (*Result, error)
}

// Queue is a bounded work queue drained by a fixed pool of workers.
type Queue struct {
	proc    Processor
	items   chan *pipeline.WorkItem
	workers int
	logger  *slog.Logger

	mu      sync.RWMutex
	running bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewQueue creates a queue holding up to size items for workers goroutines.
func NewQueue(proc Processor, workers, size int, logger *slog.Logger) *Queue {
	if workers < 1 {
		workers = 1
	}
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		proc:    proc,
		items:   make(chan *pipeline.WorkItem, size),
		workers: workers,
		logger:  logger,
	}
}

// Start launches the workers. Work runs under ctx.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return fmt.Errorf("queue is already running")
	}
	if q.closed {
		return ErrQueueClosed
	}
	ctx, q.cancel = context.WithCancel(ctx)
	q.running = true

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
	q.logger.Info("work queue started", "workers", q.workers, "capacity", cap(q.items))
	return nil
}

// Enqueue adds item without blocking.
func (q *Queue) Enqueue(item *pipeline.WorkItem) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.items <- item:
		q.logger.Debug("item enqueued", "issue_id", item.ID(), "action", item.Action, "depth", len(q.items))
		return nil
	default:
		return ErrQueueFull
	}
}

// Len returns the number of items waiting.
func (q *Queue) Len() int { return len(q.items) }

// Shutdown stops accepting work and waits for queued items to drain. When ctx
// expires first, in-flight work is cancelled and ctx's error returned.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.items)
	running := q.running
	q.mu.Unlock()

	if !running {
		return nil
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		q.logger.Info("work queue drained")
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		q.logger.Warn("work queue shutdown timed out, in-flight work cancelled")
		return ctx.Err()
	}
}

func (q *Queue) worker(ctx context.Context, n int) {
	defer q.wg.Done()
	for item := range q.items {
		if ctx.Err() != nil {
			q.logger.Warn("dropping item after cancellation", "issue_id", item.ID())
			continue
		}
		q.handle(ctx, n, item)
	}
}

func (q *Queue) handle(ctx context.Context, n int, item *pipeline.WorkItem) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("worker panic", "worker", n, "issue_id", item.ID(), "panic", r)
		}
	}()
	res, err := q.proc.Process(ctx, item)
	if err != nil {
		q.logger.Error("processing failed", "worker", n, "issue_id", item.ID(), "error", err)
		return
	}
	q.logger.Info("item processed", "worker", n, "issue_id", res.IssueID, "result", res.Action, "stage", res.Stage)
}
