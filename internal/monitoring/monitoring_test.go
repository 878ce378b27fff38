package monitoring

import (
	"fmt"
	"strings"
	"testing"

	"github.com/lumix-ai/lact/internal/learning"
	"github.com/lumix-ai/lact/internal/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
)

func TestCollectorRecordsEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCollector(reg)
	require.NoError(t, err)

	c.ChunkProcessed(0, 100, 2.5)
	c.ChunkProcessed(1, 50, 2.1)
	c.UpdateApplied(learning.UpdateStats{PreClipNorm: 3.5, PostClipNorm: 1, Clipped: true})
	c.UpdateApplied(learning.UpdateStats{PreClipNorm: 0.4, PostClipNorm: 0.4})
	c.LearningFailed(2, &learning.NumericalError{ChunkIndex: 2, Stage: "loss"})
	c.DocumentFinished(learning.LearningMetrics{LearningTimeSeconds: 1.5, WeightDeltaNorm: 0.02, Cancelled: true})

	assert.Equal(t, 2.0, testutil.ToFloat64(c.chunksProcessed))
	assert.Equal(t, 150.0, testutil.ToFloat64(c.tokensProcessed))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.clippedUpdates))
	assert.Equal(t, 0.4, testutil.ToFloat64(c.gradNorm))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.failures.WithLabelValues("numerical")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.documents.WithLabelValues("cancelled")))
	assert.Equal(t, 0.02, testutil.ToFloat64(c.weightDelta))

	families, err := reg.Gather()
	require.NoError(t, err)
	var lossSamples uint64
	for _, mf := range families {
		if mf.GetName() == "lact_chunk_loss" {
			lossSamples = mf.GetMetric()[0].GetHistogram().GetSampleCount()
		}
	}
	assert.Equal(t, uint64(2), lossSamples)
}

func TestCollectorDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewCollector(reg)
	require.NoError(t, err)
	_, err = NewCollector(reg)
	assert.Error(t, err)
}

func TestFailureKind(t *testing.T) {
	tests := []struct {
		err  error
		kind string
	}{
		{&learning.ChunkError{ChunkIndex: 1, Err: &learning.NumericalError{Stage: "grad_norm"}}, "numerical"},
		{fmt.Errorf("forward: %w", model.ErrResourceExhausted), "resource_exhausted"},
		{&learning.ConfigError{Field: "inner_lr"}, "config"},
		{learning.ErrChunkTooLarge, "input"},
		{fmt.Errorf("%w: 99", model.ErrTokenOutOfRange), "input"},
		{fmt.Errorf("disk on fire"), "other"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.kind, FailureKind(tt.err), tt.err.Error())
	}
}

func TestServerHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCollector(reg)
	require.NoError(t, err)
	c.ChunkProcessed(0, 10, 1.0)

	s := NewServer(Config{Path: "/metrics"}, reg)

	ctx := serve(s, "/metrics")
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.True(t, strings.Contains(string(ctx.Response.Body()), "lact_chunks_processed_total 1"))

	assert.Equal(t, "ok", string(serve(s, "/healthz").Response.Body()))
	assert.Equal(t, fasthttp.StatusNotFound, serve(s, "/nope").Response.StatusCode())
}

func serve(s *Server, path string) *fasthttp.RequestCtx {
	var req fasthttp.Request
	req.SetRequestURI(path)
	req.Header.SetHost("localhost")

	ctx := &fasthttp.RequestCtx{}
	ctx.Init(&req, nil, nil)
	s.Handler(ctx)
	return ctx
}

func TestServerStartRequiresAddr(t *testing.T) {
	s := NewServer(DefaultConfig(), prometheus.NewRegistry())
	assert.Error(t, s.Start())
}
