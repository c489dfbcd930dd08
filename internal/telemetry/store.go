package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"stageline/internal/domain"
	"stageline/internal/store"
)

const storeScopeName = "stageline/store"

type instruments struct {
	tracer trace.Tracer
	ops    metric.Int64Counter
	dur    metric.Float64Histogram
	errs   metric.Int64Counter
}

func newInstruments() instruments {
	m := Meter(storeScopeName)
	ops, _ := m.Int64Counter("stageline.store.operations",
		metric.WithDescription("Store operations executed"),
	)
	dur, _ := m.Float64Histogram("stageline.store.operation.duration",
		metric.WithDescription("Store operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("stageline.store.errors",
		metric.WithDescription("Store operation errors"),
	)
	return instruments{tracer: Tracer(storeScopeName), ops: ops, dur: dur, errs: errs}
}

func (in instruments) op(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	all := append([]attribute.KeyValue{attribute.String("db.operation", name)}, attrs...)
	ctx, span := in.tracer.Start(ctx, "store."+name,
		trace.WithAttributes(all...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	in.ops.Add(ctx, 1, metric.WithAttributes(all...))
	return ctx, span, time.Now()
}

func (in instruments) done(ctx context.Context, span trace.Span, start time.Time, err error, attrs ...attribute.KeyValue) {
	in.dur.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attrs...))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		in.errs.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	span.End()
}

// InstrumentedStore decorates an EntityStore with a span and metrics per call.
type InstrumentedStore struct {
	inner store.EntityStore
	in    instruments
}

// WrapStore returns s unchanged when telemetry is disabled.
func WrapStore(s store.EntityStore, enabled bool) store.EntityStore {
	if !enabled {
		return s
	}
	return &InstrumentedStore{inner: s, in: newInstruments()}
}

func (s *InstrumentedStore) Update(ctx context.Context, table, id string, fields store.Fields) error {
	attrs := []attribute.KeyValue{
		attribute.String("db.table", table),
		attribute.String("stageline.entity.id", id),
		attribute.Int("stageline.update.count", len(fields)),
	}
	if st, ok := fields["stage_id"].(string); ok {
		attrs = append(attrs, attribute.String("stageline.stage", st))
	}
	ctx, span, t := s.in.op(ctx, "Update", attrs...)
	err := s.inner.Update(ctx, table, id, fields)
	s.in.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) Insert(ctx context.Context, table string, fields store.Fields) error {
	attrs := []attribute.KeyValue{attribute.String("db.table", table)}
	ctx, span, t := s.in.op(ctx, "Insert", attrs...)
	err := s.inner.Insert(ctx, table, fields)
	s.in.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) Query(ctx context.Context, table string, filters []store.Filter, order store.Ordering) ([]domain.Entity, error) {
	attrs := []attribute.KeyValue{
		attribute.String("db.table", table),
		attribute.Int("stageline.filter.count", len(filters)),
	}
	ctx, span, t := s.in.op(ctx, "Query", attrs...)
	rows, err := s.inner.Query(ctx, table, filters, order)
	span.SetAttributes(attribute.Int("stageline.row.count", len(rows)))
	s.in.done(ctx, span, t, err, attrs...)
	return rows, err
}

func (s *InstrumentedStore) Delete(ctx context.Context, table, id string) error {
	attrs := []attribute.KeyValue{
		attribute.String("db.table", table),
		attribute.String("stageline.entity.id", id),
	}
	ctx, span, t := s.in.op(ctx, "Delete", attrs...)
	err := s.inner.Delete(ctx, table, id)
	s.in.done(ctx, span, t, err, attrs...)
	return err
}

// InstrumentedHistory decorates a HistoryLog.
type InstrumentedHistory struct {
	inner store.HistoryLog
	in    instruments
}

func WrapHistory(h store.HistoryLog, enabled bool) store.HistoryLog {
	if !enabled {
		return h
	}
	return &InstrumentedHistory{inner: h, in: newInstruments()}
}

func (h *InstrumentedHistory) Append(ctx context.Context, table string, rec domain.TransitionRecord) error {
	attrs := []attribute.KeyValue{
		attribute.String("db.table", table),
		attribute.String("stageline.entity.id", rec.EntityID),
		attribute.String("stageline.stage.from", rec.FromStageID),
		attribute.String("stageline.stage.to", rec.ToStageID),
	}
	ctx, span, t := h.in.op(ctx, "Append", attrs...)
	err := h.inner.Append(ctx, table, rec)
	h.in.done(ctx, span, t, err, attrs...)
	return err
}
