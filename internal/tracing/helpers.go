package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DBOperation represents the type of MongoDB operation being traced.
type DBOperation string

const (
	// DBOperationFind represents a find query.
	DBOperationFind DBOperation = "find"
	// DBOperationInsert represents an insert.
	DBOperationInsert DBOperation = "insert"
	// DBOperationUpdate represents an update or upsert.
	DBOperationUpdate DBOperation = "update"
	// DBOperationFindAndModify represents an atomic find-and-modify.
	DBOperationFindAndModify DBOperation = "find_and_modify"
	// DBOperationIndex represents index creation.
	DBOperationIndex DBOperation = "create_indexes"
)

// StartDBSpan creates a new span for a MongoDB operation.
// Returns the new context and a function to end the span.
//
// Example usage:
//
//	ctx, endSpan := tracing.StartDBSpan(ctx, "messages", tracing.DBOperationInsert)
//	// ... perform database operation ...
//	endSpan(err)
func StartDBSpan(ctx context.Context, collection string, operation DBOperation) (context.Context, func(error)) {
	tracer := otel.Tracer("chronicle/db")

	spanName := string(operation)
	if collection != "" {
		spanName = spanName + " " + collection
	}

	ctx, span := tracer.Start(ctx, spanName,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "mongodb"),
			attribute.String("db.operation", string(operation)),
		),
	)

	if collection != "" {
		span.SetAttributes(attribute.String("db.mongodb.collection", collection))
	}

	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// StartSpan creates a new span for a general operation.
// Returns the new context and a function to end the span.
//
// Example usage:
//
//	ctx, endSpan := tracing.StartSpan(ctx, "process_backfill_page")
//	// ... perform operation ...
//	endSpan(err)
func StartSpan(ctx context.Context, name string) (context.Context, func(error)) {
	tracer := otel.Tracer("chronicle")

	ctx, span := tracer.Start(ctx, name)

	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// AddEvent adds an event to the current span.
func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetAttributes sets attributes on the current span.
func SetAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attrs...)
}
