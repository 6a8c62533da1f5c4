package service

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/sony/gobreaker"
	"github.com/vijaythecoder/fintool-sub003/pkg/models"
)

//go:generate mockgen -destination=mocks/mock_executor.go -package=mocks github.com/vijaythecoder/fintool-sub003/pkg/service StepExecutor

// StepExecutor performs the work of one pipeline step for a batch.
type StepExecutor interface {
	Execute(ctx context.Context, in models.StepInput) (models.StepResult, error)
}

// StepExecutorFunc adapts a function to StepExecutor.
type StepExecutorFunc func(ctx context.Context, in models.StepInput) (models.StepResult, error)

func (f StepExecutorFunc) Execute(ctx context.Context, in models.StepInput) (models.StepResult, error) {
	return f(ctx, in)
}

const (
	// DefaultStepTimeout bounds a single executor call.
	DefaultStepTimeout = 60 * time.Second

	defaultBreakerFailures = 5
	defaultBreakerCooldown = 30 * time.Second
)

// guardedExecutor runs an executor with a timeout, panic recovery and a
// circuit breaker that opens after consecutive failures.
type guardedExecutor struct {
	step     models.Step
	executor StepExecutor
	breaker  *gobreaker.CircuitBreaker
	timeout  time.Duration
	logger   Logger
}

func newGuardedExecutor(step models.Step, executor StepExecutor, cfg Config, logger Logger) *guardedExecutor {
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = defaultBreakerFailures
	}
	cooldown := cfg.BreakerCooldown
	if cooldown <= 0 {
		cooldown = defaultBreakerCooldown
	}
	settings := gobreaker.Settings{
		Name:        fmt.Sprintf("step-%d", step),
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// caller cancellation says nothing about the executor's health
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warnf("Executor breaker %s changed from %s to %s", name, from, to)
		},
	}
	return &guardedExecutor{
		step:     step,
		executor: executor,
		breaker:  gobreaker.NewCircuitBreaker(settings),
		timeout:  cfg.StepTimeout,
		logger:   logger,
	}
}

type executorResult struct {
	res models.StepResult
	err error
}

// run returns the executor's result or an error describing why there is
// none: breaker open, timeout, cancellation, panic or a result for the
// wrong step.
func (g *guardedExecutor) run(ctx context.Context, in models.StepInput) (models.StepResult, error) {
	out, err := g.breaker.Execute(func() (interface{}, error) {
		return g.call(ctx, in)
	})
	if err != nil {
		return nil, err
	}
	return out.(models.StepResult), nil
}

func (g *guardedExecutor) call(ctx context.Context, in models.StepInput) (models.StepResult, error) {
	timeout := g.timeout
	if timeout <= 0 {
		timeout = DefaultStepTimeout
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resultCh := make(chan executorResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- executorResult{err: fmt.Errorf("executor panicked: %v", r)}
			}
		}()
		res, err := g.executor.Execute(timeoutCtx, in)
		resultCh <- executorResult{res: res, err: err}
	}()

	select {
	case r := <-resultCh:
		if r.err != nil {
			if errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				return nil, errors.Errorf("step %d timed out after %s: %v", g.step, timeout, r.err)
			}
			return nil, r.err
		}
		if r.res == nil {
			return nil, errors.New("executor returned no result")
		}
		if r.res.Step() != g.step {
			return nil, errors.Errorf("executor returned a result for step %d", r.res.Step())
		}
		return withElapsed(r.res, time.Since(start)), nil
	case <-timeoutCtx.Done():
		if errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
			return nil, errors.Errorf("step %d timed out after %s", g.step, timeout)
		}
		return nil, errors.Wrapf(timeoutCtx.Err(), "step %d cancelled", g.step)
	}
}

// withElapsed fills in the elapsed time when the executor left it unset.
func withElapsed(res models.StepResult, elapsed time.Duration) models.StepResult {
	switch r := res.(type) {
	case models.IngestionResult:
		if r.Elapsed == 0 {
			r.Elapsed = elapsed
		}
		return r
	case models.MatchResult:
		if r.Elapsed == 0 {
			r.Elapsed = elapsed
		}
		return r
	case models.SuggestionResult:
		if r.Elapsed == 0 {
			r.Elapsed = elapsed
		}
		return r
	default:
		return res
	}
}
