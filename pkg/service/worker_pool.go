package service

import (
	"context"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	"github.com/vijaythecoder/fintool-sub003/pkg/models"
)

var (
	// ErrBatchInFlight is returned when a batch is already queued or running.
	ErrBatchInFlight = errors.New("batch already in flight")
	// ErrRunnerStopped is returned by Submit after Stop.
	ErrRunnerStopped = errors.New("batch runner stopped")
)

// queueDepth is the number of queued batches allowed per worker.
const queueDepth = 8

// RunOutcome is the result of driving one batch.
type RunOutcome struct {
	BatchID string
	Batch   models.Batch
	Err     error
}

type runRequest struct {
	ctx     context.Context
	batchID string
	done    chan RunOutcome
}

// BatchRunner drives RunBatch for many batches in parallel. A batch is
// accepted at most once until its run finishes.
type BatchRunner struct {
	workflows *WorkflowService
	logger    Logger
	ctx       context.Context

	mu       sync.Mutex
	inFlight map[string]struct{}
	stopped  bool
	queue    chan runRequest
	wg       sync.WaitGroup
}

func NewBatchRunner(mainCtx context.Context, workflows *WorkflowService, logger Logger) *BatchRunner {
	return &BatchRunner{
		workflows: workflows,
		logger:    logger,
		ctx:       mainCtx,
		inFlight:  make(map[string]struct{}),
	}
}

// Start begins the runner with the specified number of workers.
func (r *BatchRunner) Start(workers int) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	r.mu.Lock()
	r.queue = make(chan runRequest, workers*queueDepth)
	r.mu.Unlock()
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
}

// Stop stops accepting batches and waits for queued ones to finish.
func (r *BatchRunner) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	if r.queue != nil {
		close(r.queue)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// Submit queues batchID. The returned channel receives exactly one outcome.
func (r *BatchRunner) Submit(ctx context.Context, batchID string) (<-chan RunOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped || r.queue == nil {
		return nil, ErrRunnerStopped
	}
	if _, exists := r.inFlight[batchID]; exists {
		return nil, errors.Wrapf(ErrBatchInFlight, "batch %s", batchID)
	}
	req := runRequest{ctx: ctx, batchID: batchID, done: make(chan RunOutcome, 1)}
	select {
	case r.queue <- req:
	default:
		return nil, errors.Errorf("batch runner queue is full, cannot accept batch %s", batchID)
	}
	r.inFlight[batchID] = struct{}{}
	r.logger.Infof("Queued batch %s", batchID)
	return req.done, nil
}

// InFlight reports whether batchID is queued or running.
func (r *BatchRunner) InFlight(batchID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.inFlight[batchID]
	return ok
}

func (r *BatchRunner) worker() {
	defer r.wg.Done()
	for req := range r.queue {
		r.run(req)
	}
}

func (r *BatchRunner) run(req runRequest) {
	// cancelled when either the caller or the runner context is done
	ctx, cancel := context.WithCancel(req.ctx)
	defer cancel()
	stop := context.AfterFunc(r.ctx, cancel)
	defer stop()

	outcome := RunOutcome{BatchID: req.batchID}
	if err := ctx.Err(); err != nil {
		outcome.Err = errors.Wrapf(err, "batch %s not started", req.batchID)
	} else {
		outcome.Batch, outcome.Err = r.workflows.RunBatch(ctx, req.batchID)
	}
	if outcome.Err != nil {
		r.logger.Errorf("Run of batch %s stopped: %v", req.batchID, outcome.Err)
	} else {
		r.logger.Infof("Run of batch %s ended %s at step %d", req.batchID, outcome.Batch.Status, outcome.Batch.CurrentStep)
	}

	r.mu.Lock()
	delete(r.inFlight, req.batchID)
	r.mu.Unlock()
	req.done <- outcome
}
