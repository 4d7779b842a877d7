package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrPoolClosed is returned by Submit after Drain or Stop has been called.
var ErrPoolClosed = errors.New("worker pool is closed")

// Task is one unit of work. ctx is cancelled when the pool is stopped.
type Task func(ctx context.Context) error

// Config sizes the pool.
type Config struct {
	Workers    int // fixed number of goroutines, at least 1
	MaxPending int // queued tasks allowed before Submit blocks; 0 means unbounded
}

// Handle tracks a submitted task.
type Handle struct {
	ID   uint64
	done chan struct{}
	err  error
}

// Done is closed when the task has returned.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the task's error. It is only meaningful after Done is closed.
func (h *Handle) Err() error {
	<-h.done
	return h.err
}

type job struct {
	task   Task
	handle *Handle
}

// Pool is a fixed-size worker pool with a FIFO queue.
type Pool struct {
	config Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []job
	busy   int
	closed bool
	nextID uint64

	// slots bounds the queue when MaxPending > 0
	slots chan struct{}

	onStateChange func(busy, queued int)
}

// NewPool starts config.Workers goroutines.
func NewPool(config Config, logger *slog.Logger) *Pool {
	if config.Workers < 1 {
		config.Workers = 1
	}
	if config.MaxPending < 0 {
		config.MaxPending = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		config: config,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
	p.cond = sync.NewCond(&p.mu)
	if config.MaxPending > 0 {
		p.slots = make(chan struct{}, config.MaxPending)
	}

	for i := 0; i < config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	logger.Debug("Worker pool started",
		slog.Int("workers", config.Workers),
		slog.Int("max_pending", config.MaxPending),
	)
	return p
}

// OnStateChange registers fn to receive busy and queued counts whenever they
// change. It must be called before the first Submit.
func (p *Pool) OnStateChange(fn func(busy, queued int)) {
	p.onStateChange = fn
}

// Submit queues task and returns its Handle. It only blocks when the queue
// is bounded and full, in which case ctx limits the wait.
func (p *Pool) Submit(ctx context.Context, task Task) (*Handle, error) {
	if p.slots != nil {
		select {
		case p.slots <- struct{}{}:
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for queue space: %w", ctx.Err())
		case <-p.ctx.Done():
			return nil, ErrPoolClosed
		}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.releaseSlot()
		return nil, ErrPoolClosed
	}
	p.nextID++
	h := &Handle{ID: p.nextID, done: make(chan struct{})}
	p.queue = append(p.queue, job{task: task, handle: h})
	busy, queued := p.busy, len(p.queue)
	p.cond.Signal()
	p.mu.Unlock()

	p.notify(busy, queued)
	return h, nil
}

// Busy returns the number of workers running a task.
func (p *Pool) Busy() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.busy
}

// Queued returns the number of tasks waiting for a worker.
func (p *Pool) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Workers returns the fixed worker count.
func (p *Pool) Workers() int {
	return p.config.Workers
}

// Drain stops accepting tasks and waits until every queued and running task
// has finished or ctx expires.
func (p *Pool) Drain(ctx context.Context) error {
	p.close()

	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop cancels the context given to tasks and waits for all workers to exit.
// Tasks still queued run with the cancelled context.
func (p *Pool) Stop() {
	p.close()
	p.cancel()
	p.wg.Wait()
}

func (p *Pool) close() {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
}

func (p *Pool) worker(workerID int) {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			p.logger.Debug("Worker stopped", slog.Int("worker_id", workerID))
			return
		}
		j := p.queue[0]
		p.queue[0] = job{}
		p.queue = p.queue[1:]
		p.busy++
		busy, queued := p.busy, len(p.queue)
		p.mu.Unlock()

		p.releaseSlot()
		p.notify(busy, queued)

		j.handle.err = p.run(j.task)
		close(j.handle.done)

		p.mu.Lock()
		p.busy--
		busy, queued = p.busy, len(p.queue)
		p.mu.Unlock()
		p.notify(busy, queued)

		if j.handle.err != nil {
			p.logger.Debug("Task finished with error",
				slog.Uint64("task_id", j.handle.ID),
				slog.Int("worker_id", workerID),
				slog.String("error", j.handle.err.Error()),
			)
		}
	}
}

func (p *Pool) run(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
			p.logger.Error("Worker task panicked", slog.Any("panic", r))
		}
	}()
	return task(p.ctx)
}

func (p *Pool) releaseSlot() {
	if p.slots != nil {
		<-p.slots
	}
}

func (p *Pool) notify(busy, queued int) {
	if p.onStateChange != nil {
		p.onStateChange(busy, queued)
	}
}
