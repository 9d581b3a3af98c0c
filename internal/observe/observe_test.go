package observe

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"timeweave/internal/store"
)

func TestMultiFansOut(t *testing.T) {
	a, b := NewRecording(), NewRecording()
	sink := Multi(a, nil, b)
	sink.Record(context.Background(), Event{Kind: KindQuery, EntityID: "hamilton"})

	assert.Len(t, a.Events(), 1)
	assert.Len(t, b.Events(), 1)
	assert.IsType(t, nopSink{}, Multi())
	assert.Same(t, a, Multi(nil, a))
}

func TestRecordingOfKind(t *testing.T) {
	r := NewRecording()
	ctx := context.Background()
	r.Record(ctx, Event{Kind: KindQuery})
	r.Record(ctx, Event{Kind: KindUnjustifiedKnowledge, Information: "telegraph"})
	r.Record(ctx, Event{Kind: KindQuery})

	assert.Len(t, r.OfKind(KindQuery), 2)
	require.Len(t, r.OfKind(KindUnjustifiedKnowledge), 1)
	assert.Equal(t, "telegraph", r.OfKind(KindUnjustifiedKnowledge)[0].Information)
	r.Reset()
	assert.Empty(t, r.Events())
}

func TestZapSinkLevels(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	sink := NewZapSink(zap.New(core))
	ctx := context.Background()

	sink.Record(ctx, Event{Kind: KindElevation, EntityID: "madison", From: store.TensorOnly, To: store.Dialog})
	sink.Record(ctx, Event{Kind: KindUnjustifiedKnowledge, EntityID: "madison", Information: "telegraph"})

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zap.DebugLevel, entries[0].Level)
	assert.Equal(t, "dialog", entries[0].ContextMap()["to"])
	assert.Equal(t, zap.InfoLevel, entries[1].Level)
	assert.Equal(t, "telegraph", entries[1].ContextMap()["information"])
}

func TestPrometheusSinkCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg)
	ctx := context.Background()

	sink.Record(ctx, Event{Kind: KindElevation, From: store.TensorOnly, To: store.Graph, Duration: 20 * time.Millisecond})
	sink.Record(ctx, Event{Kind: KindUnjustifiedKnowledge})
	sink.Record(ctx, Event{Kind: KindUnjustifiedKnowledge})

	assert.Equal(t, 1.0, testutil.ToFloat64(sink.transitions.WithLabelValues("tensor_only", "graph")))
	assert.Equal(t, 2.0, testutil.ToFloat64(sink.unjustified))
	assert.Equal(t, 2.0, testutil.ToFloat64(sink.events.WithLabelValues("unjustified_knowledge")))
}
