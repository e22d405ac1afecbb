// Package worker runs dispatched call jobs on a bounded pool of goroutines
// and records their status.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/square-key-labs/strawgo-callagent/src/job"
	"github.com/square-key-labs/strawgo-callagent/src/logger"
	"github.com/square-key-labs/strawgo-callagent/src/metrics"
	"github.com/square-key-labs/strawgo-callagent/src/orchestrator"
)

var (
	// ErrQueueFull is returned when no more jobs can be queued
	ErrQueueFull = errors.New("job queue full")
	// ErrPoolClosed is returned after Shutdown
	ErrPoolClosed = errors.New("worker pool closed")
	// ErrRoomBusy is returned when the room already has a queued or running job
	ErrRoomBusy = errors.New("room already has an active job")
)

// StateQueued is recorded for jobs waiting for a worker
const StateQueued = "queued"

// Runner runs one job until its session is live or it is aborted
type Runner interface {
	Run(ctx context.Context, j job.Job) (*orchestrator.Result, error)
}

// Config holds configuration for the worker pool
type Config struct {
	Workers   int
	QueueSize int
	// ConnectAttempts is the number of tries for a job whose room connect fails
	ConnectAttempts int
	// RetryBaseDelay is doubled after every failed connect
	RetryBaseDelay time.Duration
	Store          Store
	Metrics        *metrics.JobMetrics
	Logger         *logger.Logger
}

// Pool runs jobs on a fixed number of workers
type Pool struct {
	runner  Runner
	config  Config
	store   Store
	metrics *metrics.JobMetrics
	log     *logger.Logger

	queue  chan job.Job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	closed  bool
	// active maps rooms to their queued or running job
	active map[string]string
}

// NewPool creates a worker pool. Call Start to begin processing.
func NewPool(runner Runner, config Config) *Pool {
	if config.Workers < 1 {
		config.Workers = 1
	}
	if config.QueueSize < 1 {
		config.QueueSize = 1
	}
	if config.ConnectAttempts < 1 {
		config.ConnectAttempts = 1
	}
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = 500 * time.Millisecond
	}
	if config.Store == nil {
		config.Store = NewMemoryStore()
	}
	log := config.Logger
	if log == nil {
		log = logger.WithPrefix("Worker")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		runner:  runner,
		config:  config,
		store:   config.Store,
		metrics: config.Metrics,
		log:     log,
		queue:   make(chan job.Job, config.QueueSize),
		active:  make(map[string]string),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the workers. It is safe to call more than once.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true

	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.work(i)
	}
	p.log.Info("Started %d workers (queue size %d)", p.config.Workers, p.config.QueueSize)
}

// Submit queues j. It never blocks. A room runs at most one job at a time.
func (p *Pool) Submit(ctx context.Context, j job.Job) error {
	status := job.NewStatus(j)
	status.States = []string{StateQueued}
	if err := p.store.Put(ctx, status); err != nil {
		p.log.Warn("Failed to store status of %s: %v", j.ID, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.fail(status, ErrPoolClosed.Error())
		return ErrPoolClosed
	}
	if owner, busy := p.active[j.RoomName]; busy {
		p.fail(status, fmt.Sprintf("%s: %s", ErrRoomBusy, owner))
		return ErrRoomBusy
	}

	select {
	case p.queue <- j:
		p.active[j.RoomName] = j.ID
		p.metrics.SetQueueDepth(len(p.queue))
		p.log.Debug("Queued %s for room %s", j.ID, j.RoomName)
		return nil
	default:
		p.fail(status, ErrQueueFull.Error())
		return ErrQueueFull
	}
}

// release frees j's room for new jobs
func (p *Pool) release(j job.Job) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active[j.RoomName] == j.ID {
		delete(p.active, j.RoomName)
	}
}

// Status returns the stored status of a job
func (p *Pool) Status(ctx context.Context, jobID string) (job.Status, error) {
	return p.store.Get(ctx, jobID)
}

// Shutdown stops accepting jobs, aborts the ones still queued and waits for
// live calls to end. When ctx expires first, live sessions are closed.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		p.log.Warn("Shutdown deadline reached, closing live sessions")
		err = ctx.Err()
	}
	p.cancel()
	<-done

	// Jobs left behind when the workers were never started
	for j := range p.queue {
		p.fail(job.NewStatus(j), "worker pool shutting down")
		p.release(j)
	}
	p.log.Info("All workers stopped")
	return err
}

func (p *Pool) closing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pool) work(id int) {
	defer p.wg.Done()
	for j := range p.queue {
		p.metrics.SetQueueDepth(len(p.queue))
		if p.closing() {
			p.fail(job.NewStatus(j), "worker pool shutting down")
			p.release(j)
			continue
		}
		p.process(j)
	}
	p.log.Debug("Worker %d stopped", id)
}

// process runs j and waits for its session to end
func (p *Pool) process(j job.Job) {
	defer p.release(j)
	log := p.log.With("job", j.ID).With("room", j.RoomName)
	status := job.NewStatus(j)
	p.put(status)
	p.metrics.JobStarted()
	log.Info("Job started")

	res, err := p.run(j, log)
	if res != nil {
		status.States = res.StateNames()
		if res.Reached(orchestrator.StateMetadataResolved) {
			intent := res.Intent
			status.Intent = &intent
		}
		status.EgressID = res.EgressID
		status.DialOutcome = res.DialOutcome
	}
	intent := "unknown"
	if status.Intent != nil {
		intent = string(status.Intent.Kind)
	}

	if err != nil {
		status.Outcome = job.Aborted
		status.Reason = err.Error()
		p.put(status)
		p.metrics.JobFinished(intent, job.Aborted.String())
		log.Warn("Job aborted: %v", err)
		return
	}
	p.put(status)

	if res == nil || res.Session == nil {
		status.Outcome = job.Completed
		p.put(status)
		p.metrics.JobFinished(intent, job.Completed.String())
		return
	}
	sess := res.Session
	select {
	case <-sess.Done():
		log.Info("Session ended")
	case <-p.ctx.Done():
		log.Info("Closing session for shutdown")
		sess.Close()
		<-sess.Done()
	}

	status.Outcome = job.Completed
	p.put(status)
	p.metrics.JobFinished(intent, job.Completed.String())
	log.Info("Job completed")
}

// run calls the runner, retrying room connect failures with exponential
// backoff
func (p *Pool) run(j job.Job, log *logger.Logger) (*orchestrator.Result, error) {
	delay := p.config.RetryBaseDelay
	for attempt := 1; ; attempt++ {
		res, err := p.runner.Run(p.ctx, j)
		if err == nil || !errors.Is(err, orchestrator.ErrConnect) {
			return res, err
		}
		if attempt >= p.config.ConnectAttempts {
			return res, fmt.Errorf("after %d attempts: %w", attempt, err)
		}

		log.Warn("Connect attempt %d failed, retrying in %s: %v", attempt, delay, err)
		select {
		case <-time.After(delay):
		case <-p.ctx.Done():
			return res, err
		}
		delay *= 2
	}
}

func (p *Pool) fail(status job.Status, reason string) {
	status.Outcome = job.Aborted
	status.Reason = reason
	p.put(status)
}

func (p *Pool) put(status job.Status) {
	status.UpdatedAt = time.Now().UTC()
	if err := p.store.Put(context.Background(), status); err != nil {
		p.log.Warn("Failed to store status of %s: %v", status.JobID, err)
	}
}
