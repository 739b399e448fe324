package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Span and metric attributes stay bounded: task kind, status, component and
// catalog source name. Game identifiers, task ids, paths and URLs go to logs only.

// Status values shared by the task, catalog and run metrics.
const (
	StatusSuccess   = "success"
	StatusError     = "error"
	StatusCancelled = "cancelled"
)

// InstrumentedFunc represents a function that can be instrumented.
type InstrumentedFunc func(ctx context.Context) error

// StatusOf maps an operation result onto a bounded status label.
func StatusOf(err error) string {
	switch {
	case err == nil:
		return StatusSuccess
	case errors.Is(err, context.Canceled):
		return StatusCancelled
	default:
		return StatusError
	}
}

// InstrumentOperation wraps fn in a span named operationName.
func (t *Telemetry) InstrumentOperation(ctx context.Context, operationName, component string, fn InstrumentedFunc) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	start := time.Now()
	ctx, span := t.tracer.Start(ctx, operationName)

	defer span.End()

	span.SetAttributes(
		attribute.String("component", component),
		attribute.String("operation", operationName),
	)

	err := fn(ctx)
	status := StatusOf(err)

	if status == StatusError {
		span.SetAttributes(attribute.Bool("error", true))
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		attribute.String("status", status),
		attribute.Float64("duration_seconds", time.Since(start).Seconds()),
	)

	return err
}

// InstrumentDBOperation instruments database operations.
func (t *Telemetry) InstrumentDBOperation(ctx context.Context, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()
	err := t.InstrumentOperation(ctx, "db_"+operation, "database", fn)

	t.RecordDBOperation(operation, StatusOf(err), time.Since(start))

	return err
}

// InstrumentTask instruments one download or delete task from RUNNING to its terminal state.
func (t *Telemetry) InstrumentTask(ctx context.Context, kind string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()

	t.addActiveTask(kind, 1)
	defer t.addActiveTask(kind, -1)

	err := t.InstrumentOperation(ctx, "task_"+kind, "tasks", fn)

	t.RecordTask(kind, StatusOf(err), time.Since(start))

	return err
}

// InstrumentCatalogFetch instruments one catalog source query.
func (t *Telemetry) InstrumentCatalogFetch(ctx context.Context, source string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	err := t.InstrumentOperation(ctx, "catalog_fetch", "repository", func(ctx context.Context) error {
		return fn(ctx)
	})

	t.RecordCatalogRefresh(source, StatusOf(err))

	return err
}
