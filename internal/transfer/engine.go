package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"git.sr.ht/~spc/go-log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/time/rate"

	"github.com/Lkisever/tiny-sftp/internal/models"
	"github.com/Lkisever/tiny-sftp/internal/retry"
)

// AttemptRecorder receives every attempt as it finishes.
type AttemptRecorder interface {
	RecordAttempt(a Attempt) error
}

// Engine runs a batch of tasks strictly in order against one session.
//
// Each task goes through its own retry state machine (see Step). A task that
// exhausts its attempts is recorded and the batch moves on; only a lost
// session or cancellation stops the remaining tasks.
//
// An Engine holds no per-batch state and may be reused, but Run must not be
// called concurrently with the same Getter.
type Engine struct {
	policy   retry.Policy
	limiter  *rate.Limiter
	tracer   trace.Tracer
	recorder AttemptRecorder

	attemptCounter metric.Int64Counter
	resultCounter  metric.Int64Counter

	mkdirAll func(path string, perm os.FileMode) error
	sleep    func(ctx context.Context, d time.Duration) error
}

// Option configures an Engine.
type Option func(*Engine)

// WithRateLimit caps attempts per second across the batch. Zero or less
// disables the limit.
func WithRateLimit(perSecond float64) Option {
	return func(e *Engine) {
		if perSecond <= 0 {
			e.limiter = nil
			return
		}
		e.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
}

// WithTracer sets the tracer used for batch and task spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithMeter registers attempt and result counters on m.
func WithMeter(m metric.Meter) Option {
	return func(e *Engine) {
		if c, err := m.Int64Counter("tinysftp.transfer.attempts",
			metric.WithDescription("Get attempts by outcome")); err == nil {
			e.attemptCounter = c
		}
		if c, err := m.Int64Counter("tinysftp.transfer.results",
			metric.WithDescription("Finished tasks by status")); err == nil {
			e.resultCounter = c
		}
	}
}

// WithRecorder sends every finished attempt to r.
func WithRecorder(r AttemptRecorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithSleep replaces the backoff sleep. It must return ctx.Err() when ctx
// ends first.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) { e.sleep = fn }
}

// WithMkdirAll replaces os.MkdirAll for destination directories.
func WithMkdirAll(fn func(path string, perm os.FileMode) error) Option {
	return func(e *Engine) { e.mkdirAll = fn }
}

// NewEngine creates an Engine applying policy to every task.
func NewEngine(policy retry.Policy, opts ...Option) *Engine {
	e := &Engine{
		policy:         policy.Normalize(),
		tracer:         tracenoop.NewTracerProvider().Tracer(""),
		attemptCounter: metricnoop.Int64Counter{},
		resultCounter:  metricnoop.Int64Counter{},
		mkdirAll:       os.MkdirAll,
		sleep:          sleepCtx,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// With returns a copy of e with opts applied. The rate limiter is shared.
func (e *Engine) With(opts ...Option) *Engine {
	c := *e
	for _, opt := range opts {
		opt(&c)
	}
	return &c
}

// Policy returns the normalized retry policy.
func (e *Engine) Policy() retry.Policy {
	return e.policy
}

// Run executes tasks in order using getter and returns one Result per task.
//
// When ctx is cancelled no new task or attempt starts; the remaining tasks
// are reported as cancelled. When the session is lost, the task that hit it
// fails and every later task fails with zero attempts; Report.Fatal holds
// the cause.
func (e *Engine) Run(ctx context.Context, getter models.Getter, tasks []Task) Report {
	ctx, span := e.tracer.Start(ctx, "transfer.run",
		trace.WithAttributes(attribute.Int("task_count", len(tasks))))
	defer span.End()

	report := Report{Results: make([]Result, 0, len(tasks))}

	for i, task := range tasks {
		if err := ctx.Err(); err != nil {
			log.Warnf("[TRANSFER] Cancelled: %d of %d task(s) not started", len(tasks)-i, len(tasks))
			report.Results = append(report.Results, CancelAll(tasks[i:], err)...)
			break
		}

		res := e.runTask(ctx, getter, task, i)
		report.Results = append(report.Results, res)

		if res.Status == StatusCancelled {
			if rest := tasks[i+1:]; len(rest) > 0 {
				log.Warnf("[TRANSFER] Cancelled: %d of %d task(s) not started", len(rest), len(tasks))
				report.Results = append(report.Results, CancelAll(rest, res.Err)...)
			}
			break
		}

		if res.Status == StatusFailed && errors.Is(res.Err, models.ErrSessionLost) {
			report.Fatal = res.Err
			log.Errorf("[TRANSFER] Session lost at task %d of %d; failing %d remaining task(s)",
				i+1, len(tasks), len(tasks)-i-1)
			report.Results = append(report.Results, FailAll(tasks[i+1:], models.ErrSessionLost)...)
			break
		}
	}

	succeeded, failed, cancelled := report.Counts()
	span.SetAttributes(
		attribute.Int("succeeded", succeeded),
		attribute.Int("failed", failed),
		attribute.Int("cancelled", cancelled),
	)
	if report.Fatal != nil {
		span.RecordError(report.Fatal)
		span.SetStatus(codes.Error, "session lost")
	}
	return report
}

// runTask drives one task through its state machine.
func (e *Engine) runTask(ctx context.Context, getter models.Getter, task Task, index int) Result {
	ctx, span := e.tracer.Start(ctx, "transfer.task",
		trace.WithAttributes(
			attribute.Int("index", index),
			attribute.String("source", task.Source),
			attribute.String("destination", task.Destination),
		))
	defer span.End()

	st := Start()
	for !st.Done() {
		if err := e.wait(ctx); err != nil {
			return e.finish(ctx, span, Result{Task: task, Status: StatusCancelled, Attempts: st.Attempt - 1, Err: err})
		}

		started := time.Now()
		err := e.attempt(ctx, getter, task)
		cancelled := err != nil && ctx.Err() != nil

		a := Attempt{
			Task:     task,
			Number:   st.Attempt,
			Outcome:  outcomeOf(err),
			Err:      err,
			Duration: time.Since(started),
		}
		if cancelled {
			a.Outcome = OutcomeCancelled
		}
		e.record(ctx, a)

		if cancelled {
			return e.finish(ctx, span, Result{Task: task, Status: StatusCancelled, Attempts: st.Attempt, Err: ctx.Err()})
		}

		st = Step(st, err, e.policy)
		if st.Phase != PhaseAttempting {
			continue
		}

		delay := e.policy.DelayFor(st.Attempt - 1)
		log.Debugf("[TRANSFER] %s: attempt %d/%d failed: %v; retrying in %s",
			task, st.Attempt-1, e.policy.MaxAttempts, st.Err, delay)
		if err := e.sleep(ctx, delay); err != nil {
			return e.finish(ctx, span, Result{Task: task, Status: StatusCancelled, Attempts: st.Attempt - 1, Err: err})
		}
	}

	if st.Phase == PhaseSucceeded {
		return e.finish(ctx, span, Result{Task: task, Status: StatusSucceeded, Attempts: st.Attempt})
	}
	return e.finish(ctx, span, Result{Task: task, Status: StatusFailed, Attempts: st.Attempt, Err: st.Err})
}

// attempt ensures the destination directory exists and fetches the file.
func (e *Engine) attempt(ctx context.Context, getter models.Getter, task Task) error {
	dir := filepath.Dir(task.Destination)
	if err := e.mkdirAll(dir, 0o755); err != nil {
		return &models.TransferError{Kind: models.KindLocalWrite, Op: "mkdir", Path: dir, Err: err}
	}
	return getter.Get(ctx, task.Source, task.Destination)
}

// wait blocks until the next attempt may start. A limiter that would hold
// the attempt past ctx's deadline fails at once with context.DeadlineExceeded.
func (e *Engine) wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.limiter == nil {
		return nil
	}
	if err := e.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	return nil
}

func (e *Engine) record(ctx context.Context, a Attempt) {
	e.attemptCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", a.Outcome.String())))
	if e.recorder == nil {
		return
	}
	if err := e.recorder.RecordAttempt(a); err != nil {
		log.Warnf("[TRANSFER] Failed to record attempt %d of %s: %v", a.Number, a.Task, err)
	}
}

func (e *Engine) finish(ctx context.Context, span trace.Span, res Result) Result {
	e.resultCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", res.Status.String())))
	span.SetAttributes(
		attribute.String("status", res.Status.String()),
		attribute.Int("attempts", res.Attempts),
	)

	switch res.Status {
	case StatusSucceeded:
		log.Infof("[TRANSFER] OK %s (attempts: %d)", res.Task, res.Attempts)
		span.SetStatus(codes.Ok, "transferred")
	case StatusFailed:
		log.Errorf("[TRANSFER] FAILED %s after %d attempt(s): %v", res.Task, res.Attempts, res.Err)
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, "transfer failed")
	case StatusCancelled:
		log.Warnf("[TRANSFER] CANCELLED %s after %d attempt(s)", res.Task, res.Attempts)
		span.SetStatus(codes.Error, "cancelled")
	}
	return res
}

func outcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case retry.Classify(err) == retry.Transient:
		return OutcomeTransient
	default:
		return OutcomeTerminal
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
