package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/ajitpratap0/relay/pkg/config"
	"github.com/ajitpratap0/relay/pkg/errors"
)

func installRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp, err := newProvider(config.TracingConfig{ServiceName: "relay-test", SamplingRate: 1}, "test",
		sdktrace.WithSpanProcessor(recorder))
	require.NoError(t, err)

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return recorder
}

func TestInitDisabledIsNoop(t *testing.T) {
	shutdown, err := Init(config.TracingConfig{Enabled: false}, "test")
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestEndSpanRecordsErrorType(t *testing.T) {
	recorder := installRecorder(t)

	ctx, parent := StartSpan(context.Background(), "pipeline.start", PipelineAttr("p1"))
	_, child := StartSpan(ctx, "step.create_sink", StepAttr("create_sink"))
	EndSpan(child, errors.NameMismatch([]string{"a"}, []string{"b"}))
	EndSpan(parent, nil)

	spans := recorder.Ended()
	require.Len(t, spans, 2)

	assert.Equal(t, "step.create_sink", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, parent.SpanContext().SpanID(), spans[0].Parent().SpanID())

	var errType string
	for _, kv := range spans[0].Attributes() {
		if kv.Key == "error.type" {
			errType = kv.Value.AsString()
		}
	}
	assert.Equal(t, "name_mismatch", errType)
	assert.Equal(t, codes.Ok, spans[1].Status().Code)
}

func TestTracingMiddleware(t *testing.T) {
	recorder := installRecorder(t)

	handler := TracingMiddleware("relay")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/pipelines/p1/status", nil))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.Len(t, recorder.Ended(), 1)
	assert.Equal(t, "GET /pipelines/p1/status", recorder.Ended()[0].Name())
}
