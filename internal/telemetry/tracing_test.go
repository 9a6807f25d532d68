package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestInitTracerProviderLogsSpans(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	tp, err := InitTracerProvider(context.Background(), Config{ServiceName: "statcache-test", Version: "v0.0.1", LogSpans: true}, zap.New(core))
	require.NoError(t, err)
	defer func() { require.NoError(t, tp.Shutdown(context.Background())) }()

	_, span := tp.Tracer("test").Start(context.Background(), "refresh.GetOrRefresh")
	span.SetAttributes(attribute.String("statcache.key", "predlist:2025-04-01"))
	span.End()

	entries := logs.FilterMessage("span finished").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, "refresh.GetOrRefresh", fields["span"])
	require.Equal(t, "predlist:2025-04-01", fields["statcache.key"])
}

func TestInitTracerProviderSampleRatio(t *testing.T) {
	tp, err := InitTracerProvider(context.Background(), Config{SampleRatio: 0.5}, nil)
	require.NoError(t, err)
	require.NoError(t, tp.Shutdown(context.Background()))
}
