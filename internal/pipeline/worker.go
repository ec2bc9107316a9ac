package pipeline

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/snarg/custody-engine/internal/database"
)

// WorkerPool runs jobs through the orchestrator with bounded concurrency.
// One job occupies one worker for its full stage sequence.
type WorkerPool struct {
	orch      *Orchestrator
	jobs      chan database.JobRow
	workers   int
	log       zerolog.Logger
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	active    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

func NewWorkerPool(orch *Orchestrator, workers, queueSize int, log zerolog.Logger) *WorkerPool {
	if workers <= 0 {
		workers = 2
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		orch:    orch,
		jobs:    make(chan database.JobRow, queueSize),
		workers: workers,
		log:     log.With().Str("component", "worker_pool").Logger(),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (p *WorkerPool) Start() {
	p.log.Info().Int("workers", p.workers).Msg("starting worker pool")
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
}

// Stop closes the queue and waits for in-flight jobs to reach a durable
// state. Unstarted queued jobs stay pending in the store; they are picked
// up on the next start via ListResumableJobs.
func (p *WorkerPool) Stop() {
	close(p.jobs)
	p.wg.Wait()
	p.cancel()
	p.log.Info().
		Int64("completed", p.completed.Load()).
		Int64("failed", p.failed.Load()).
		Msg("worker pool stopped")
}

// Enqueue hands a job to the pool. Returns false when the queue is full;
// the job stays pending in the store for a later resume.
func (p *WorkerPool) Enqueue(job database.JobRow) bool {
	select {
	case p.jobs <- job:
		return true
	default:
		p.log.Warn().Str("job_id", job.ID.String()).Msg("queue full, job left pending")
		return false
	}
}

// Resume re-enqueues jobs a previous process left unfinished.
func (p *WorkerPool) Resume(ctx context.Context, store interface {
	ListResumableJobs(ctx context.Context) ([]database.JobRow, error)
}) error {
	jobs, err := store.ListResumableJobs(ctx)
	if err != nil {
		return err
	}
	for _, j := range jobs {
		if p.Enqueue(j) {
			p.log.Info().Str("job_id", j.ID.String()).Str("stage", j.Stage).Msg("resuming job")
		}
	}
	return nil
}

func (p *WorkerPool) run(id int) {
	defer p.wg.Done()
	log := p.log.With().Int("worker", id).Logger()
	for job := range p.jobs {
		p.active.Add(1)
		if err := p.orch.Run(p.ctx, &job); err != nil {
			p.failed.Add(1)
			log.Debug().Err(err).Str("job_id", job.ID.String()).Msg("job finished with error")
		} else {
			p.completed.Add(1)
		}
		p.active.Add(-1)
	}
}

func (p *WorkerPool) ActiveWorkers() int { return int(p.active.Load()) }
func (p *WorkerPool) QueueDepth() int    { return len(p.jobs) }
