// internal/learning/trainer.go
package learning

import (
	"context"
	"math"
	"time"

	"github.com/lumix-ai/lact/internal/core"
	"github.com/lumix-ai/lact/internal/document"
	"github.com/lumix-ai/lact/internal/model"
	"github.com/rs/zerolog"
)

// Trainer - binds one model and one Config to an updater and a metrics
// tracker. Construction only wires components; no weights are touched.
type Trainer struct {
	model    model.Adaptable
	config   Config
	updater  *Updater
	metrics  *MetricsTracker
	observer Observer
	logger   zerolog.Logger
}

func NewTrainer(m model.Adaptable, config Config, opts ...Option) (*Trainer, error) {
	o := buildOptions("trainer", opts)

	updater, err := NewUpdater(m, config, WithLogger(*o.logger), WithObserver(o.observer))
	if err != nil {
		return nil, err
	}

	return &Trainer{
		model:    m,
		config:   config,
		updater:  updater,
		metrics:  NewMetricsTracker(),
		observer: o.observer,
		logger:   *o.logger,
	}, nil
}

func (t *Trainer) Config() Config {
	return t.config
}

func (t *Trainer) Updater() *Updater {
	return t.updater
}

func (t *Trainer) Metrics() *MetricsTracker {
	return t.metrics
}

func (t *Trainer) Model() model.Adaptable {
	return t.model
}

// Close releases the model for another session.
func (t *Trainer) Close() {
	t.updater.Close()
}

// Learn runs one document through the updater. It returns complete metrics
// on success or cancellation, and a *ChunkError on failure; fast weights then
// stay at the last applied update.
func (t *Trainer) Learn(ctx context.Context, chunks []document.Chunk, progress ProgressFunc) (LearningMetrics, error) {
	t.updater.Reset()
	t.metrics.Reset()

	layers := t.model.FastLayers()
	before := make([]*core.Tensor, len(layers))
	for i, layer := range layers {
		before[i] = layer.Weight()
	}

	t.logger.Info().Int("chunks", len(chunks)).Float64("inner_lr", t.config.InnerLR).Msg("learning document")
	start := time.Now()

	record := func(chunkIndex, totalChunks int, loss float64) error {
		t.metrics.RecordLoss(loss)
		if progress != nil {
			return progress(chunkIndex, totalChunks, loss)
		}
		return nil
	}

	summary, err := t.updater.ProcessDocument(ctx, chunks, record)
	elapsed := time.Since(start)
	if err != nil {
		return LearningMetrics{}, err
	}

	metrics := t.metrics.GetMetrics(Measurements{
		TokensProcessed:     summary.TokensProcessed,
		LearningTimeSeconds: elapsed.Seconds(),
		WeightDeltaNorm:     weightDelta(before, layers),
	})
	metrics.Cancelled = summary.Cancelled

	t.observer.DocumentFinished(metrics)
	t.logger.Info().
		Int("chunks_processed", metrics.ChunksProcessed).
		Int("tokens_processed", metrics.TokensProcessed).
		Float64("initial_loss", metrics.InitialLoss).
		Float64("final_loss", metrics.FinalLoss).
		Float64("weight_delta_norm", metrics.WeightDeltaNorm).
		Dur("elapsed", elapsed).
		Bool("cancelled", metrics.Cancelled).
		Msg("document learned")

	return metrics, nil
}

// sqrt(Σ ||W_after - W_before||²) over all fast layers
func weightDelta(before []*core.Tensor, layers []model.FastLayer) float64 {
	norm := 0.0
	for i, layer := range layers {
		after := layer.Weight()
		if err := after.AddScaledInPlace(-1, before[i]); err != nil {
			continue
		}
		norm = math.Hypot(norm, after.Norm())
	}
	return norm
}
