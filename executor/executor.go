package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/sjy-dv/vforge/core"
	"github.com/sjy-dv/vforge/jobstore"
	"github.com/sjy-dv/vforge/resource"
)

const uncaughtPanicError = "uncaught panic error: %v"

var ErrShuttingDown = errors.New("executor shutting down")

// PipelineRunner runs one job's build pipeline to a terminal outcome.
type PipelineRunner interface {
	Run(ctx context.Context, job core.Job) (indexPath string, err error)
}

// Executor is a fixed-size worker pool over a bounded queue. Submit blocks
// when the queue is full, which is the backpressure signal to admission.
// Each worker runs a job's pipeline to its terminal state, writes the result
// into the job store and releases the job's memory reservation exactly once.
// A job failure is data, not a fault: it never takes a worker down.
type Executor struct {
	queue      chan core.Job
	store      jobstore.Store
	accountant *resource.Accountant
	runner     PipelineRunner

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func New(workers, queueDepth int, store jobstore.Store, accountant *resource.Accountant, runner PipelineRunner) *Executor {
	if workers <= 0 {
		workers = 1
	}
	if queueDepth < 0 {
		queueDepth = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Executor{
		queue:      make(chan core.Job, queueDepth),
		store:      store,
		accountant: accountant,
		runner:     runner,
		ctx:        ctx,
		cancel:     cancel,
	}
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.worker(i)
	}
	return e
}

// Submit hands an admitted job to the pool. It blocks the submitter only
// while the queue is full.
func (e *Executor) Submit(ctx context.Context, job core.Job) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrShuttingDown
	}
	e.mu.Unlock()
	select {
	case e.queue <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.ctx.Done():
		return ErrShuttingDown
	}
}

func (e *Executor) worker(id int) {
	defer e.wg.Done()
	for {
		select {
		case job, ok := <-e.queue:
			if !ok {
				return
			}
			log.Info().Str("job_id", job.ID).Int("worker", id).Msg("starting index build")
			e.runJob(job)
		case <-e.ctx.Done():
			return
		}
	}
}

func (e *Executor) runJob(job core.Job) {
	var indexPath string
	var runErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				runErr = fmt.Errorf(uncaughtPanicError, r)
				log.Error().Str("job_id", job.ID).
					Str("stack", string(debug.Stack())).Msgf(uncaughtPanicError, r)
			}
		}()
		indexPath, runErr = e.runner.Run(e.ctx, job)
	}()

	if runErr != nil {
		e.setTerminal(job.ID, core.JobFailed, "", runErr.Error())
	} else {
		e.setTerminal(job.ID, core.JobCompleted, indexPath, "")
	}
	// The single release per job, regardless of which stage failed.
	e.accountant.ReleaseAll(job.Reserved)
}

func (e *Executor) setTerminal(id string, status core.JobStatus, indexPath, errorMessage string) {
	err := e.store.SetTerminal(id, status, indexPath, errorMessage)
	switch {
	case err == nil:
		log.Info().Str("job_id", id).Str("status", string(status)).
			Str("index_path", indexPath).Str("error_message", errorMessage).
			Msg("job reached terminal state")
	case errors.Is(err, core.ErrNotFound):
		// Possible only when the store is configured to evict RUNNING jobs.
		log.Error().Str("job_id", id).Msg("job record evicted during execution")
	default:
		log.Error().Err(err).Str("job_id", id).Msg("terminal status write failed")
	}
}

// Shutdown stops accepting work, cancels in-flight pipelines and waits for
// the workers, bounded by ctx.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
