// internal/monitoring/collector.go
package monitoring

import (
	"errors"

	"github.com/lumix-ai/lact/internal/learning"
	"github.com/lumix-ai/lact/internal/model"
	"github.com/prometheus/client_golang/prometheus"
)

// Collector - Prometheus metrics for the learning loop. It is a
// learning.Observer, so it runs inline with every chunk.
type Collector struct {
	chunkLoss       prometheus.Histogram
	gradNorm        prometheus.Gauge
	clippedUpdates  prometheus.Counter
	chunksProcessed prometheus.Counter
	tokensProcessed prometheus.Counter
	failures        *prometheus.CounterVec
	documents       *prometheus.CounterVec
	learningSeconds prometheus.Histogram
	weightDelta     prometheus.Gauge
}

var _ learning.Observer = (*Collector)(nil)

func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		chunkLoss: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "lact",
			Name:      "chunk_loss",
			Help:      "Self-supervised loss of each processed chunk.",
			Buckets:   prometheus.LinearBuckets(0, 0.5, 20),
		}),
		gradNorm: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lact",
			Name:      "grad_norm",
			Help:      "Global gradient norm of the last update, before clipping.",
		}),
		clippedUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lact",
			Name:      "clipped_updates_total",
			Help:      "Updates whose gradient was rescaled to max_grad_norm.",
		}),
		chunksProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lact",
			Name:      "chunks_processed_total",
			Help:      "Chunks whose gradient was computed.",
		}),
		tokensProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lact",
			Name:      "tokens_processed_total",
			Help:      "Tokens seen by the learning loop.",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lact",
			Name:      "learning_failures_total",
			Help:      "Documents that stopped on an error, by kind.",
		}, []string{"kind"}),
		documents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lact",
			Name:      "documents_total",
			Help:      "Documents that finished learning, by outcome.",
		}, []string{"outcome"}),
		learningSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "lact",
			Name:      "learning_duration_seconds",
			Help:      "Wall time of one document learning pass.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		weightDelta: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lact",
			Name:      "weight_delta_norm",
			Help:      "Fast-weight change produced by the last document.",
		}),
	}

	for _, col := range []prometheus.Collector{
		c.chunkLoss, c.gradNorm, c.clippedUpdates, c.chunksProcessed, c.tokensProcessed,
		c.failures, c.documents, c.learningSeconds, c.weightDelta,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Collector) ChunkProcessed(_, tokens int, loss float64) {
	c.chunkLoss.Observe(loss)
	c.chunksProcessed.Inc()
	c.tokensProcessed.Add(float64(tokens))
}

func (c *Collector) UpdateApplied(stats learning.UpdateStats) {
	c.gradNorm.Set(stats.PreClipNorm)
	if stats.Clipped {
		c.clippedUpdates.Inc()
	}
}

func (c *Collector) LearningFailed(_ int, err error) {
	c.failures.WithLabelValues(FailureKind(err)).Inc()
}

func (c *Collector) DocumentFinished(metrics learning.LearningMetrics) {
	outcome := "completed"
	if metrics.Cancelled {
		outcome = "cancelled"
	}
	c.documents.WithLabelValues(outcome).Inc()
	c.learningSeconds.Observe(metrics.LearningTimeSeconds)
	c.weightDelta.Set(metrics.WeightDeltaNorm)
}

// FailureKind maps a learning error to a low-cardinality label.
func FailureKind(err error) string {
	switch {
	case errors.Is(err, learning.ErrNumerical):
		return "numerical"
	case errors.Is(err, model.ErrResourceExhausted):
		return "resource_exhausted"
	case errors.Is(err, learning.ErrInvalidConfig):
		return "config"
	case errors.Is(err, learning.ErrEmptyChunk),
		errors.Is(err, learning.ErrChunkTooLarge),
		errors.Is(err, learning.ErrChunkOrder),
		errors.Is(err, learning.ErrNoTargets),
		errors.Is(err, model.ErrTokenOutOfRange),
		errors.Is(err, model.ErrEmptyInput):
		return "input"
	}
	return "other"
}
