package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"stageline/internal/config"
	"stageline/internal/domain"
	"stageline/internal/store"
)

type stubStore struct{ err error }

func (s stubStore) Update(context.Context, string, string, store.Fields) error { return s.err }
func (s stubStore) Insert(context.Context, string, store.Fields) error         { return s.err }
func (s stubStore) Delete(context.Context, string, string) error               { return s.err }
func (s stubStore) Query(context.Context, string, []store.Filter, store.Ordering) ([]domain.Entity, error) {
	return []domain.Entity{{ID: "a"}}, s.err
}

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return sr
}

func TestWrapStoreDisabledReturnsInner(t *testing.T) {
	inner := stubStore{}
	assert.Equal(t, store.EntityStore(inner), WrapStore(inner, false))
}

func TestInstrumentedStoreRecordsSpans(t *testing.T) {
	sr := recordSpans(t)
	s := WrapStore(stubStore{}, true)

	require.NoError(t, s.Update(context.Background(), store.TableTasks, "t1", store.Fields{"stage_id": "done"}))
	_, err := s.Query(context.Background(), store.TableTasks, nil, store.Ordering{})
	require.NoError(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "store.Update", spans[0].Name())
	assert.Equal(t, "store.Query", spans[1].Name())
	var sawStage bool
	for _, kv := range spans[0].Attributes() {
		if kv.Key == "stageline.stage" && kv.Value.AsString() == "done" {
			sawStage = true
		}
	}
	assert.True(t, sawStage)
}

func TestInstrumentedStoreMarksErrors(t *testing.T) {
	sr := recordSpans(t)
	s := WrapStore(stubStore{err: errors.New("boom")}, true)
	err := s.Delete(context.Background(), store.TableTasks, "t1")
	require.Error(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
}

func TestInstrumentedHistory(t *testing.T) {
	sr := recordSpans(t)
	h := WrapHistory(historyFunc(func(context.Context, string, domain.TransitionRecord) error { return nil }), true)
	require.NoError(t, h.Append(context.Background(), store.TableTransitions, domain.TransitionRecord{EntityID: "l1", FromStageID: "hot", ToStageID: "propuesta"}))
	require.Len(t, sr.Ended(), 1)
	assert.Equal(t, "store.Append", sr.Ended()[0].Name())
}

type historyFunc func(context.Context, string, domain.TransitionRecord) error

func (f historyFunc) Append(ctx context.Context, table string, rec domain.TransitionRecord) error {
	return f(ctx, table, rec)
}

func TestInitDisabledInstallsNoop(t *testing.T) {
	require.NoError(t, Init(context.Background(), config.TelemetryConfig{}, "test"))
	Shutdown(context.Background())
}
