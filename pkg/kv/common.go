package kv

import (
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "offline-sync"

var tracer = otel.Tracer(tracerName)

func addDBStatsToSpan(span trace.Span, system, statement, key string, duration time.Duration) {
	span.SetAttributes(
		attribute.String("db.system", system),
		attribute.String("db.statement", statement),
		attribute.String("kv.key", key),
		attribute.Float64("db.execution_time_ms", float64(duration.Milliseconds())),
	)
}
