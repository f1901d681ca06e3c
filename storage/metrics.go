package storage

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("todo-timer/storage")

// opMetrics captures per-operation observability: a span covering the store
// call and a structured log entry emitted on completion.
type opMetrics struct {
	logger *log.Logger
	op     string
	start  time.Time
	rows   int64
	span   trace.Span
}

func newOpMetrics(ctx context.Context, logger *log.Logger, op string) (*opMetrics, context.Context) {
	spanCtx, span := tracer.Start(ctx, op)
	return &opMetrics{
		logger: logger,
		op:     op,
		start:  time.Now(),
		span:   span,
	}, spanCtx
}

func (m *opMetrics) SetRows(count int64) {
	if m == nil {
		return
	}
	if count < 0 {
		count = 0
	}
	m.rows = count
}

func (m *opMetrics) Log(err error) {
	if m == nil {
		return
	}

	m.span.SetAttributes(
		attribute.String("db.operation", m.op),
		attribute.Int64("db.rows_affected", m.rows),
	)
	if err != nil {
		m.span.RecordError(err)
		m.span.SetStatus(codes.Error, err.Error())
	}
	m.span.End()

	if m.logger == nil {
		return
	}
	fields := log.Fields{
		"op":       m.op,
		"rows":     m.rows,
		"total_ms": durationToMillis(time.Since(m.start)),
	}
	if err != nil {
		fields["error"] = err.Error()
		m.logger.WithFields(fields).Warn("store.operation")
		return
	}
	m.logger.WithFields(fields).Debug("store.operation")
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
