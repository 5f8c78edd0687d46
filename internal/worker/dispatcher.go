package worker

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

var (
	ErrDispatcherBusy    = errors.New("dispatcher queue is full")
	ErrDispatcherStopped = errors.New("dispatcher stopped")
)

// DispatcherConfig sizes the pool and its queue.
type DispatcherConfig struct {
	MinWorkers  int
	MaxWorkers  int
	QueueSize   int
	IdleTimeout time.Duration
	// OnDrop is called for queued jobs that never reached a worker.
	OnDrop func(jobID string, err error)
	// OnDepth reports the queue length after each change.
	OnDepth func(n int)
}

// Dispatcher feeds submitted jobs to a bounded pool of pipeline workers.
type Dispatcher struct {
	pool     *jobChannelPool
	JobQueue chan Task // interface for outer jobs to get into the dispatcher
	cfg      DispatcherConfig

	cancel context.CancelFunc
	stopCh chan struct{}
	done   chan struct{}

	mu      sync.RWMutex
	stopped bool
}

func NewDispatcher(runner Runner, cfg DispatcherConfig) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		pool:     newJobChannelPool(ctx, cfg.MinWorkers, cfg.MaxWorkers, cfg.IdleTimeout, runner),
		JobQueue: make(chan Task, cfg.QueueSize),
		cfg:      cfg,
		cancel:   cancel,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}

	for i := 0; i < d.pool.min; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

// Submit enqueues jobID without blocking.
func (d *Dispatcher) Submit(jobID string) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return ErrDispatcherStopped
	}
	select {
	case d.JobQueue <- Task{Type: TaskTranscribe, JobID: jobID}:
		d.reportDepth()
		return nil
	default:
		return ErrDispatcherBusy
	}
}

// Pending reports how many jobs wait for a worker.
func (d *Dispatcher) Pending() int {
	return len(d.JobQueue)
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		select {
		case <-d.stopCh:
			return
		case task := <-d.JobQueue:
			d.reportDepth()
			workerChan, ok := d.pool.acquire()
			if !ok {
				d.drop(task, ErrDispatcherStopped)
				continue
			}
			debugLog("[dispatcher] assign job %s to worker-%d", task.JobID, d.pool.workerID(workerChan))
			workerChan <- task
		}
	}
}

func (d *Dispatcher) drop(task Task, err error) {
	if task.Type != TaskTranscribe {
		return
	}
	log.Printf("[dispatcher] job %s dropped: %v", task.JobID, err)
	if d.cfg.OnDrop != nil {
		d.cfg.OnDrop(task.JobID, err)
	}
}

func (d *Dispatcher) reportDepth() {
	if d.cfg.OnDepth != nil {
		d.cfg.OnDepth(len(d.JobQueue))
	}
}

// Stop refuses new work, fails queued jobs and waits for running ones. When
// ctx expires first, running jobs are cancelled and awaited.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	d.mu.Unlock()

	close(d.stopCh)
	d.pool.close()
	<-d.done

drain:
	for {
		select {
		case task := <-d.JobQueue:
			d.drop(task, ErrDispatcherStopped)
		default:
			break drain
		}
	}
	d.reportDepth()

	err := d.pool.wait(ctx)
	if err != nil {
		log.Printf("[dispatcher] shutdown deadline reached, cancelling running jobs")
		d.cancel()
		_ = d.pool.wait(context.Background())
	}
	d.cancel()
	return err
}
