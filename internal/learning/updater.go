// internal/learning/updater.go
package learning

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/lumix-ai/lact/internal/core"
	"github.com/lumix-ai/lact/internal/document"
	"github.com/lumix-ai/lact/internal/model"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ProgressFunc is called after every applied chunk. Returning ErrCancelled
// (or an error wrapping it) stops the document cleanly; any other error
// aborts it.
type ProgressFunc func(chunkIndex, totalChunks int, loss float64) error

// UpdateStats describes one fast-weight update.
type UpdateStats struct {
	ChunkIndex   int
	PreClipNorm  float64
	PostClipNorm float64
	Clipped      bool
	Layers       int // layers that received a gradient
	Chunks       int // chunks folded into this update
}

// DocumentSummary - outcome of ProcessDocument. On failure it reflects the
// chunks applied before the failing one.
type DocumentSummary struct {
	InitialLoss     float64
	FinalLoss       float64
	TotalChunks     int
	ChunksProcessed int
	TokensProcessed int
	Cancelled       bool
	CancelCause     error
}

// Updater - Large-Chunk TTT engine. One forward pass, one gradient
// accumulation and one fast-weight update per chunk, in document order.
type Updater struct {
	model     model.Adaptable
	layers    []model.FastLayer
	config    Config
	objective Objective
	logger    zerolog.Logger
	observer  Observer
	release   func()
	running   atomic.Bool

	mu          sync.Mutex
	accumulated []*core.Tensor // nil entry = absent
	pending     int
	lastChunk   int
	lossHistory []float64
}

type Option func(*options)

type options struct {
	logger   *zerolog.Logger
	observer Observer
}

func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = &logger }
}

func WithObserver(observer Observer) Option {
	return func(o *options) { o.observer = observer }
}

func buildOptions(component string, opts []Option) options {
	o := options{observer: nopObserver{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		l := log.With().Str("component", component).Logger()
		o.logger = &l
	}
	if o.observer == nil {
		o.observer = nopObserver{}
	}
	return o
}

// NewUpdater binds the updater to m as its only writer. Close releases the
// binding.
func NewUpdater(m model.Adaptable, config Config, opts ...Option) (*Updater, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	objective, err := NewObjective(config)
	if err != nil {
		return nil, err
	}

	release, err := m.AcquireWriter()
	if err != nil {
		return nil, fmt.Errorf("bind model: %w", err)
	}

	o := buildOptions("lact", opts)
	layers := m.FastLayers()
	return &Updater{
		model:       m,
		layers:      layers,
		config:      config,
		objective:   objective,
		logger:      *o.logger,
		observer:    o.observer,
		release:     release,
		accumulated: make([]*core.Tensor, len(layers)),
	}, nil
}

func (u *Updater) Close() {
	u.release()
}

func (u *Updater) Config() Config {
	return u.config
}

func (u *Updater) Objective() Objective {
	return u.objective
}

// ProcessChunk runs one forward pass with the current fast weights and adds
// the loss gradient into the accumulated gradient. Fast weights are not
// touched.
func (u *Updater) ProcessChunk(tokenIDs []int) (float64, error) {
	u.mu.Lock()
	index := len(u.lossHistory)
	u.mu.Unlock()
	return u.processChunk(index, tokenIDs)
}

func (u *Updater) processChunk(index int, tokenIDs []int) (float64, error) {
	if len(tokenIDs) == 0 {
		return 0, ErrEmptyChunk
	}
	if len(tokenIDs) > u.config.ChunkSize {
		return 0, fmt.Errorf("%w: %d > %d", ErrChunkTooLarge, len(tokenIDs), u.config.ChunkSize)
	}

	inputs, targets := u.objective.Prepare(tokenIDs)
	pass, err := u.model.Forward(inputs)
	if err != nil {
		return 0, fmt.Errorf("forward: %w", err)
	}

	loss, dLogits, err := CrossEntropy(pass.Logits(), targets)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return 0, &NumericalError{ChunkIndex: index, Stage: "loss", Value: loss}
	}

	grads, err := pass.Backward(dLogits)
	if err != nil {
		return 0, fmt.Errorf("backward: %w", err)
	}
	if len(grads) != len(u.layers) {
		return 0, fmt.Errorf("backward returned %d gradients for %d fast layers", len(grads), len(u.layers))
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	for i, g := range grads {
		if g != nil && u.accumulated[i] != nil && !u.accumulated[i].SameShape(g) {
			return 0, fmt.Errorf("layer %s: %w", u.layers[i].Name(), core.ErrShapeMismatch)
		}
	}
	for i, g := range grads {
		switch {
		case g == nil:
		case u.accumulated[i] == nil:
			u.accumulated[i] = g.Clone()
		default:
			_ = u.accumulated[i].AddInPlace(g)
		}
	}
	u.pending++
	u.lastChunk = index
	u.lossHistory = append(u.lossHistory, loss)

	u.observer.ChunkProcessed(index, len(tokenIDs), loss)
	u.logger.Debug().Int("chunk_index", index).Int("tokens", len(tokenIDs)).Float64("loss", loss).Msg("chunk processed")
	return loss, nil
}

// ApplyUpdate clips the accumulated gradient by its global norm across all
// fast layers and takes one SGD step. This is the only place fast weights
// change. The accumulated gradient is cleared afterwards, also on failure.
func (u *Updater) ApplyUpdate() (UpdateStats, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.pending == 0 {
		return UpdateStats{}, ErrNoPendingGradient
	}
	defer u.clearLocked()

	stats := UpdateStats{ChunkIndex: u.lastChunk, Chunks: u.pending}
	for i, g := range u.accumulated {
		if g == nil {
			continue
		}
		if w := u.layers[i].Weight(); !w.SameShape(g) {
			return stats, fmt.Errorf("layer %s: gradient %v for weight %v: %w", u.layers[i].Name(), g.Shape, w.Shape, core.ErrShapeMismatch)
		}
		stats.Layers++
	}

	norm, clipped := core.ClipByGlobalNorm(u.accumulated, u.config.MaxGradNorm)
	stats.PreClipNorm = norm
	stats.Clipped = clipped
	if math.IsNaN(norm) || math.IsInf(norm, 0) {
		return stats, &NumericalError{ChunkIndex: u.lastChunk, Stage: "grad_norm", Value: norm}
	}
	stats.PostClipNorm = core.GlobalNorm(u.accumulated)

	for i, g := range u.accumulated {
		if g == nil {
			continue
		}
		if err := u.layers[i].Apply(g, u.config.InnerLR); err != nil {
			return stats, err
		}
	}

	u.observer.UpdateApplied(stats)
	u.logger.Debug().
		Int("chunk_index", stats.ChunkIndex).
		Float64("grad_norm", stats.PreClipNorm).
		Bool("clipped", stats.Clipped).
		Msg("fast weights updated")
	return stats, nil
}

func (u *Updater) clearLocked() {
	for i := range u.accumulated {
		u.accumulated[i] = nil
	}
	u.pending = 0
}

// ProcessDocument drives ProcessChunk and ApplyUpdate for every chunk in
// order. Chunk i+1 always sees the weights produced by chunk i. A failing
// chunk is never applied, so fast weights stay at the last good update.
// ctx is checked between chunks, like the progress callback.
func (u *Updater) ProcessDocument(ctx context.Context, chunks []document.Chunk, progress ProgressFunc) (DocumentSummary, error) {
	if !u.running.CompareAndSwap(false, true) {
		return DocumentSummary{}, ErrSessionBusy
	}
	defer u.running.Store(false)

	summary := DocumentSummary{TotalChunks: len(chunks)}
	for i, chunk := range chunks {
		if chunk.Index != i {
			return summary, &ChunkError{ChunkIndex: chunk.Index, Err: fmt.Errorf("%w: expected index %d", ErrChunkOrder, i)}
		}
	}

	for _, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			summary.Cancelled = true
			summary.CancelCause = err
			break
		}

		u.discardPending()

		loss, err := u.processChunk(chunk.Index, chunk.TokenIDs)
		if err != nil {
			return summary, u.fail(chunk.Index, err)
		}
		if _, err := u.ApplyUpdate(); err != nil {
			return summary, u.fail(chunk.Index, err)
		}

		if summary.ChunksProcessed == 0 {
			summary.InitialLoss = loss
		}
		summary.FinalLoss = loss
		summary.ChunksProcessed++
		summary.TokensProcessed += len(chunk.TokenIDs)

		if progress == nil {
			continue
		}
		if err := progress(chunk.Index, len(chunks), loss); err != nil {
			if errors.Is(err, ErrCancelled) {
				summary.Cancelled = true
				summary.CancelCause = err
				break
			}
			return summary, u.fail(chunk.Index, fmt.Errorf("progress callback: %w", err))
		}
	}

	if summary.Cancelled {
		u.logger.Info().
			Int("chunks_processed", summary.ChunksProcessed).
			Int("total_chunks", summary.TotalChunks).
			AnErr("cause", summary.CancelCause).
			Msg("document learning cancelled")
	}
	return summary, nil
}

func (u *Updater) fail(index int, err error) error {
	u.observer.LearningFailed(index, err)
	u.logger.Error().Err(err).Int("chunk_index", index).Msg("document learning failed")
	return &ChunkError{ChunkIndex: index, Err: err}
}

func (u *Updater) discardPending() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.pending > 0 {
		u.logger.Warn().Int("pending", u.pending).Msg("discarding gradient not applied before document chunk")
	}
	u.clearLocked()
}

// LossHistory returns a copy of all losses recorded since the last Reset.
func (u *Updater) LossHistory() []float64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]float64{}, u.lossHistory...)
}

// Reset clears accumulated gradients and loss history. Applied fast-weight
// updates are kept.
func (u *Updater) Reset() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.clearLocked()
	u.lossHistory = nil
}
