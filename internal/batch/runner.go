package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"git.sr.ht/~spc/go-log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/Lkisever/tiny-sftp/internal/audit"
	"github.com/Lkisever/tiny-sftp/internal/models"
	"github.com/Lkisever/tiny-sftp/internal/transfer"
)

// Process exit codes.
const (
	ExitOK          = 0
	ExitPartial     = 1
	ExitUnreachable = 2
	ExitAuth        = 3
	ExitConnection  = 4
	ExitConfig      = 5
	ExitCancelled   = 130
)

// Runner executes one batch: validate the key, probe the host, open a
// session, run every task through the engine and close the session.
type Runner struct {
	prober    models.Prober
	connector models.Connector
	engine    *transfer.Engine

	host string
	port int

	tracer    trace.Tracer
	auditPath string
	newID     func() string
}

// Option configures a Runner.
type Option func(*Runner)

// WithTracer sets the tracer for the batch span.
func WithTracer(t trace.Tracer) Option {
	return func(r *Runner) { r.tracer = t }
}

// WithAuditPath enables the JSON-lines batch log under dir.
func WithAuditPath(dir string) Option {
	return func(r *Runner) { r.auditPath = dir }
}

// WithIDFunc replaces the batch ID generator.
func WithIDFunc(fn func() string) Option {
	return func(r *Runner) { r.newID = fn }
}

// NewRunner creates a Runner for the remote host:port.
func NewRunner(prober models.Prober, connector models.Connector, engine *transfer.Engine, host string, port int, opts ...Option) *Runner {
	r := &Runner{
		prober:    prober,
		connector: connector,
		engine:    engine,
		host:      host,
		port:      port,
		tracer:    tracenoop.NewTracerProvider().Tracer(""),
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes tasks and returns a report with exactly one result per task,
// in input order. It never panics on remote failures; every failure is in
// the report.
func (r *Runner) Run(ctx context.Context, tasks []transfer.Task) (report transfer.Report) {
	id := r.newID()
	remote := fmt.Sprintf("%s:%d", r.host, r.port)
	started := time.Now()

	ctx, span := r.tracer.Start(ctx, "batch.run",
		trace.WithAttributes(
			attribute.String("batch.id", id),
			attribute.String("remote", remote),
			attribute.Int("task_count", len(tasks)),
		))
	defer span.End()

	rec := r.openRecorder(id, remote, len(tasks))
	defer func() {
		report.ID = id
		if err := rec.Finish(report); err != nil {
			log.Errorf("[BATCH] Failed to write batch log: %v", err)
		}
		if err := rec.Close(); err != nil {
			log.Errorf("[BATCH] Failed to close batch log: %v", err)
		}
		r.summarize(span, report, time.Since(started))
	}()

	log.Infof("[BATCH] %s: %d task(s) against %s", id, len(tasks), remote)

	if err := ctx.Err(); err != nil {
		return abort(tasks, err)
	}

	if err := r.connector.Prepare(); err != nil {
		log.Errorf("[BATCH] Private key rejected: %v", err)
		return fail(tasks, err, err)
	}

	if err := r.prober.Probe(ctx, r.host, r.port); err != nil {
		if ctx.Err() != nil {
			return abort(tasks, ctx.Err())
		}
		log.Errorf("[BATCH] %v", err)
		return fail(tasks, models.ErrHostUnreachable, err)
	}

	sess, err := r.connector.Open(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return abort(tasks, ctx.Err())
		}
		log.Errorf("[BATCH] Failed to open session: %v", err)
		return fail(tasks, err, err)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			log.Warnf("[BATCH] Error closing session: %v", err)
		}
	}()

	return r.engine.With(transfer.WithRecorder(rec)).Run(ctx, sess, tasks)
}

func (r *Runner) openRecorder(id, remote string, tasks int) audit.BatchRecorder {
	if r.auditPath == "" {
		return audit.NopRecorder{}
	}
	rec, err := audit.NewRecorder(r.auditPath, id, remote, tasks)
	if err != nil {
		log.Warnf("[BATCH] Batch log disabled: %v", err)
		return audit.NopRecorder{}
	}
	log.Infof("[BATCH] Writing batch log to %s", rec.Path())
	return rec
}

func (r *Runner) summarize(span trace.Span, report transfer.Report, elapsed time.Duration) {
	succeeded, failed, cancelled := report.Counts()
	span.SetAttributes(
		attribute.Int("succeeded", succeeded),
		attribute.Int("failed", failed),
		attribute.Int("cancelled", cancelled),
	)

	if report.Fatal != nil {
		span.RecordError(report.Fatal)
		span.SetStatus(codes.Error, report.Fatal.Error())
		log.Errorf("[BATCH] %s finished in %s: %d succeeded, %d failed, %d cancelled (fatal: %v)",
			report.ID, elapsed.Round(time.Millisecond), succeeded, failed, cancelled, report.Fatal)
		return
	}
	if report.Succeeded() {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, "batch incomplete")
	}
	log.Infof("[BATCH] %s finished in %s: %d succeeded, %d failed, %d cancelled",
		report.ID, elapsed.Round(time.Millisecond), succeeded, failed, cancelled)
}

// fail reports every task failed with zero attempts. reason is what each
// task shows; cause is the full error kept in Report.Fatal.
func fail(tasks []transfer.Task, reason, cause error) transfer.Report {
	return transfer.Report{Results: transfer.FailAll(tasks, reason), Fatal: cause}
}

func abort(tasks []transfer.Task, err error) transfer.Report {
	log.Warnf("[BATCH] Cancelled before any transfer: %v", err)
	return transfer.Report{Results: transfer.CancelAll(tasks, err), Fatal: err}
}

// ExitCode maps a report to the process exit status.
func ExitCode(report transfer.Report) int {
	if report.Succeeded() {
		return ExitOK
	}

	switch err := report.Fatal; {
	case err == nil:
	case errors.Is(err, models.ErrHostUnreachable):
		return ExitUnreachable
	case errors.Is(err, models.ErrKeyLoad), errors.Is(err, models.ErrAuthentication):
		return ExitAuth
	case errors.Is(err, models.ErrConnection), errors.Is(err, models.ErrSessionLost):
		return ExitConnection
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ExitCancelled
	}

	if _, _, cancelled := report.Counts(); cancelled > 0 {
		return ExitCancelled
	}
	return ExitPartial
}
