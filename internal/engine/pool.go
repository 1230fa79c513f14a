// Package engine runs diagnosis jobs on a fixed pool of workers fed by a
// bounded FIFO queue, and keeps the table of jobs and their states.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xkilldash9x/logdiag/api/schemas"
	"github.com/xkilldash9x/logdiag/internal/config"
	"github.com/xkilldash9x/logdiag/internal/diagnosis"
	"github.com/xkilldash9x/logdiag/internal/discovery"
	"github.com/xkilldash9x/logdiag/internal/events"
	"github.com/xkilldash9x/logdiag/internal/observability"
)

const (
	defaultWorkers  = 4
	defaultCapacity = 100
	persistTimeout  = 10 * time.Second
)

// -- Interfaces for Dependency Inversion --

// Normalizer turns a raw entry into a ParsedLog.
type Normalizer interface {
	Parse(entry schemas.LogEntry) (*schemas.ParsedLog, error)
}

// GitProvider syncs the tracked repository and hands out snapshots.
type GitProvider interface {
	Sync(ctx context.Context, force bool) (*schemas.GitSnapshot, error)
	Snapshot() *schemas.GitSnapshot
}

// Discoverer selects the code context for a job.
type Discoverer interface {
	Discover(ctx context.Context, parsed *schemas.ParsedLog, snap *schemas.GitSnapshot, src discovery.FileSource) (*discovery.Outcome, error)
}

// Diagnoser produces the diagnosis itself.
type Diagnoser interface {
	Diagnose(ctx context.Context, in diagnosis.DiagnoseInput) (*schemas.DiagnosisResult, error)
}

// ReportSaver persists successful results.
type ReportSaver interface {
	Save(ctx context.Context, result *schemas.DiagnosisResult) error
}

// Dependencies are the stages a job flows through. Normalizer and Diagnoser
// are required; every other stage is skipped when nil.
type Dependencies struct {
	Normalizer Normalizer
	Git        GitProvider
	Source     discovery.FileSource
	Discovery  Discoverer

	// SourceAt binds discovery to the tree of the job's snapshot. Source is
	// used for jobs without a snapshot, or when SourceAt is nil.
	SourceAt func(snap *schemas.GitSnapshot) (discovery.FileSource, error)

	Diagnoser  Diagnoser
	Reports    ReportSaver

	// Events receives a CompletionEvent on EventsTopic for every terminal job.
	Events         events.Publisher
	EventsTopic    string
	PublishTimeout time.Duration

	Metrics   *observability.Metrics
	LoggerCfg config.LoggerConfig
}

type queueItem struct {
	id  string
	ctx context.Context
}

// Pool is the diagnosis worker pool.
type Pool struct {
	cfg    config.ServerConfig
	deps   Dependencies
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time

	table *jobTable
	queue chan queueItem
	wg    sync.WaitGroup
	quit  chan struct{}

	// mu guards stopped and the closing of queue against concurrent Submits.
	mu      sync.RWMutex
	stopped bool

	stateLock sync.Mutex
	isRunning bool
}

// NewPool validates deps and creates a pool. Workers start with Start.
func NewPool(cfg config.ServerConfig, deps Dependencies, logger *zap.Logger) (*Pool, error) {
	if deps.Normalizer == nil {
		return nil, errors.New("normalizer cannot be nil")
	}
	if deps.Diagnoser == nil {
		return nil, errors.New("diagnoser cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DiagnosisWorkerCount <= 0 {
		cfg.DiagnosisWorkerCount = defaultWorkers
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = defaultCapacity
	}

	p := &Pool{
		cfg:    cfg,
		deps:   deps,
		logger: logger.Named("engine"),
		tracer: observability.Tracer(),
		now:    time.Now,
		table:  newJobTable(),
		queue:  make(chan queueItem, cfg.QueueCapacity),
		quit:   make(chan struct{}),
	}
	if err := deps.Metrics.RegisterQueueDepth(p.QueueDepth); err != nil {
		p.logger.Warn("Queue depth gauge unavailable.", zap.Error(err))
	}
	return p, nil
}

// Start launches the workers and the housekeeping goroutines. Calling it
// twice is a no-op.
func (p *Pool) Start() {
	p.stateLock.Lock()
	defer p.stateLock.Unlock()
	if p.isRunning {
		p.logger.Warn("Pool.Start called, but the pool is already running.")
		return
	}
	p.isRunning = true

	p.logger.Info("Starting diagnosis worker pool.",
		zap.Int("workers", p.cfg.DiagnosisWorkerCount),
		zap.Int("queue_capacity", p.cfg.QueueCapacity))
	for i := 0; i < p.cfg.DiagnosisWorkerCount; i++ {
		p.wg.Add(1)
		go p.runWorker(i + 1)
	}
	if p.cfg.JobRetention > 0 {
		p.wg.Add(1)
		go p.runJanitor()
	}
	if p.cfg.QueueLogInterval > 0 {
		p.wg.Add(1)
		go p.runQueueLogger()
	}
}

// Submit queues a diagnosis of entry and returns the job id. It never blocks:
// a full queue yields ErrQueueFull. The job runs detached from ctx, keeping
// only its values.
func (p *Pool) Submit(ctx context.Context, entry schemas.LogEntry, opts schemas.JobOptions) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return "", ErrStopped
	}

	job := &schemas.DiagnosisJob{
		ID:          uuid.NewString(),
		LogEntry:    entry,
		Options:     opts,
		Status:      schemas.JobQueued,
		StatusTrace: []schemas.JobStatus{schemas.JobQueued},
		SubmittedAt: p.now().UTC(),
	}
	item := queueItem{id: job.ID, ctx: context.WithoutCancel(ctx)}
	admitted := p.table.admit(job, func() bool {
		select {
		case p.queue <- item:
			return true
		default:
			return false
		}
	})
	if !admitted {
		p.deps.Metrics.JobRejected(ctx)
		p.logger.Warn("Diagnosis queue full, rejecting job.", zap.Int("capacity", p.cfg.QueueCapacity))
		return "", ErrQueueFull
	}
	p.deps.Metrics.JobSubmitted(ctx)
	p.logger.Debug("Job queued.", zap.String("job_id", job.ID), zap.String("source", entry.Source))
	return job.ID, nil
}

// Status returns a copy of the job.
func (p *Pool) Status(id string) (schemas.DiagnosisJob, bool) {
	job, _, ok := p.table.get(id)
	return job, ok
}

// Wait blocks until the job is terminal or ctx ends. On ctx expiry the last
// seen state is returned with the context error.
func (p *Pool) Wait(ctx context.Context, id string) (schemas.DiagnosisJob, error) {
	job, done, ok := p.table.get(id)
	if !ok {
		return schemas.DiagnosisJob{}, ErrJobNotFound
	}
	if job.Status.IsTerminal() {
		return job, nil
	}
	select {
	case <-done:
	case <-ctx.Done():
		if latest, _, ok := p.table.get(id); ok {
			job = latest
		}
		return job, ctx.Err()
	}
	job, _, ok = p.table.get(id)
	if !ok {
		return schemas.DiagnosisJob{}, ErrJobNotFound
	}
	return job, nil
}

// List returns the jobs matching f, oldest submission first. A Limit keeps
// the most recent ones.
func (p *Pool) List(f Filter) []schemas.DiagnosisJob {
	return p.table.list(f)
}

// QueueDepth is the number of jobs waiting for a worker.
func (p *Pool) QueueDepth() int {
	return len(p.queue)
}

// Counts returns the number of queued and running jobs.
func (p *Pool) Counts() (queued, running int) {
	return p.table.counts()
}

// Stop refuses new submissions, lets the workers drain the queue and waits
// for them. Running jobs are never interrupted; ctx only bounds the wait.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.queue)
	close(p.quit)
	p.mu.Unlock()

	p.logger.Info("Stopping diagnosis pool, draining queued jobs.", zap.Int("queued", len(p.queue)))
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("Diagnosis pool stopped.")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop diagnosis pool: %w", ctx.Err())
	}
}

// runWorker processes jobs until the queue is closed and drained.
func (p *Pool) runWorker(workerID int) {
	defer p.wg.Done()
	logger := p.logger.With(zap.Int("worker_id", workerID))
	logger.Debug("Worker started.")
	for item := range p.queue {
		p.process(item, logger)
	}
	logger.Debug("Queue closed and drained, worker exiting.")
}

func (p *Pool) runJanitor() {
	defer p.wg.Done()
	interval := min(max(p.cfg.JobRetention/10, time.Second), time.Minute)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.quit:
			return
		case <-ticker.C:
			p.evictExpired()
		}
	}
}

func (p *Pool) evictExpired() {
	if n := p.table.evict(p.now().Add(-p.cfg.JobRetention)); n > 0 {
		p.logger.Debug("Evicted expired jobs.", zap.Int("count", n))
	}
}

func (p *Pool) runQueueLogger() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.QueueLogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.quit:
			return
		case <-ticker.C:
			queued, running := p.table.counts()
			p.logger.Info("Diagnosis queue status.",
				zap.Int("queued", queued),
				zap.Int("running", running),
				zap.Int("workers", p.cfg.DiagnosisWorkerCount))
		}
	}
}
