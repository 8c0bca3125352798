// Package worker provides the bounded pool that offspring creation and
// evaluation work is dispatched through. Items are tagged with a type,
// priority, and optional dependencies; terminal status is reported
// asynchronously through a result callback with at-least-once semantics,
// so consumers must tolerate duplicate reports.
package worker

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrStopped is returned by Submit after the pool has been stopped.
var ErrStopped = errors.New("worker: pool stopped")

// Item is one unit of work. Run carries the actual work; Payload is opaque
// context echoed back in the Result.
type Item struct {
	ID        string
	Type      string
	Priority  int
	Payload   any
	DependsOn []string
	Run       func(ctx context.Context) error
}

// Result is the terminal status of one item.
type Result struct {
	ItemID  string
	Type    string
	Payload any
	Err     error
	Elapsed time.Duration
}

// Pool executes items with bounded concurrency in priority order.
type Pool struct {
	workers  int
	onResult func(Result)
	logger   *slog.Logger

	mu        sync.Mutex
	queue     itemHeap
	seq       int64
	completed map[string]struct{}
	inflight  int
	stopping  bool

	kick   chan struct{}
	doneCh chan struct{}
}

// NewPool creates a pool with the given worker count.
func NewPool(workers int, logger *slog.Logger) (*Pool, error) {
	if workers <= 0 {
		return nil, fmt.Errorf("worker: workers must be positive, got %d", workers)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		workers:   workers,
		logger:    logger.With("component", "worker-pool"),
		completed: make(map[string]struct{}),
		kick:      make(chan struct{}, 1),
		doneCh:    make(chan struct{}),
	}, nil
}

// SetResultFunc registers the terminal-status callback. Must be called
// before Start.
func (p *Pool) SetResultFunc(fn func(Result)) {
	p.onResult = fn
}

// Submit enqueues an item. Dispatch order is by priority (higher first),
// FIFO within a priority, holding back items whose dependencies have not
// completed.
func (p *Pool) Submit(item Item) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopping {
		return ErrStopped
	}
	p.seq++
	heap.Push(&p.queue, &queued{item: item, seq: p.seq})
	p.wake()
	return nil
}

// Start runs the dispatch loop until ctx is cancelled or Stop is called.
func (p *Pool) Start(ctx context.Context) {
	go p.dispatch(ctx)
}

// Stop refuses new submissions, lets in-flight and queued items finish,
// and returns once the pool is drained. Cancellation stays cooperative:
// no item is force-killed.
func (p *Pool) Stop() {
	p.mu.Lock()
	p.stopping = true
	p.wake()
	p.mu.Unlock()
	<-p.doneCh
}

func (p *Pool) dispatch(ctx context.Context) {
	defer close(p.doneCh)

	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	g.SetLimit(p.workers)

	ctxDone := ctx.Done()
	for {
		next, drained := p.takeReady()
		if next == nil {
			if drained {
				break
			}
			if p.failStalled() {
				continue
			}
			select {
			case <-ctxDone:
				ctxDone = nil
				p.mu.Lock()
				p.stopping = true
				p.wake()
				p.mu.Unlock()
			case <-p.kick:
			}
			continue
		}

		item := next.item
		g.Go(func() error {
			p.execute(gctx, item)
			return nil
		})
	}

	_ = g.Wait()
	p.logger.Info("worker pool drained")
}

// takeReady pops the highest-priority item whose dependencies have all
// completed. drained is true when the pool is stopping and nothing remains.
func (p *Pool) takeReady() (next *queued, drained bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.queue {
		if p.depsMetLocked(p.queue[i].item.DependsOn) {
			q := heap.Remove(&p.queue, i).(*queued)
			p.inflight++
			return q, false
		}
	}
	return nil, p.stopping && len(p.queue) == 0 && p.inflight == 0
}

// failStalled reports items that can never run because the pool is stopping
// and their dependencies will not complete. They get a terminal failure
// result so no item is ever left non-terminal.
func (p *Pool) failStalled() bool {
	p.mu.Lock()
	if !p.stopping || p.inflight > 0 || len(p.queue) == 0 {
		p.mu.Unlock()
		return false
	}
	stalled := make([]Item, 0, len(p.queue))
	for _, q := range p.queue {
		stalled = append(stalled, q.item)
	}
	p.queue = p.queue[:0]
	for _, it := range stalled {
		p.completed[it.ID] = struct{}{}
	}
	p.wake()
	p.mu.Unlock()

	for _, it := range stalled {
		p.logger.Warn("failing stalled item with unmet dependencies", "item", it.ID, "type", it.Type)
		if p.onResult != nil {
			p.onResult(Result{
				ItemID:  it.ID,
				Type:    it.Type,
				Payload: it.Payload,
				Err:     fmt.Errorf("worker: dependencies of %s did not complete before shutdown", it.ID),
			})
		}
	}
	return true
}

func (p *Pool) depsMetLocked(deps []string) bool {
	for _, d := range deps {
		if _, ok := p.completed[d]; !ok {
			return false
		}
	}
	return true
}

func (p *Pool) execute(ctx context.Context, item Item) {
	start := time.Now()

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("worker: item %s panicked: %v", item.ID, r)
			}
		}()
		err = item.Run(ctx)
	}()
	elapsed := time.Since(start)

	p.mu.Lock()
	p.completed[item.ID] = struct{}{}
	p.inflight--
	p.wake()
	p.mu.Unlock()

	if err != nil {
		p.logger.Warn("work item failed", "item", item.ID, "type", item.Type, "error", err, "elapsed", elapsed)
	} else {
		p.logger.Debug("work item completed", "item", item.ID, "type", item.Type, "elapsed", elapsed)
	}

	if p.onResult != nil {
		p.onResult(Result{
			ItemID:  item.ID,
			Type:    item.Type,
			Payload: item.Payload,
			Err:     err,
			Elapsed: elapsed,
		})
	}
}

func (p *Pool) wake() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// queued wraps an item with its submission sequence for stable ordering.
type queued struct {
	item Item
	seq  int64
}

type itemHeap []*queued

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].item.Priority != h[j].item.Priority {
		return h[i].item.Priority > h[j].item.Priority
	}
	return h[i].seq < h[j].seq
}
func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(*queued)) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}
