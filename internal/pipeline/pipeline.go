// internal/pipeline/pipeline.go
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lumix-ai/lact/internal/document"
	"github.com/lumix-ai/lact/internal/evaluation"
	"github.com/lumix-ai/lact/internal/learning"
	"github.com/lumix-ai/lact/internal/model"
	"github.com/lumix-ai/lact/internal/store"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Learning    learning.Config      `yaml:"learning"`
	Constraints document.Constraints `yaml:"constraints"`

	// how long a document (and its status) stays queryable
	DocumentTTL time.Duration `yaml:"document_ttl"`
}

func DefaultConfig() Config {
	return Config{
		Learning:    learning.DefaultConfig(),
		Constraints: document.DefaultConstraints(),
		DocumentTTL: time.Hour,
	}
}

func (c Config) Validate() error {
	if err := c.Learning.Validate(); err != nil {
		return err
	}
	if c.Constraints.ChunkSize <= 0 {
		return fmt.Errorf("%w: %d", document.ErrInvalidChunkSize, c.Constraints.ChunkSize)
	}
	if c.Constraints.ChunkSize > c.Learning.ChunkSize {
		return fmt.Errorf("constraints chunk_size %d exceeds learning chunk_size %d",
			c.Constraints.ChunkSize, c.Learning.ChunkSize)
	}
	return nil
}

// Request - an externally tokenized document, one token slice per page
type Request struct {
	Filename      string
	FileSizeBytes int64
	Pages         [][]int
}

// Result of one Learn call. Document is set whenever the request got past
// registration.
type Result struct {
	Document   *document.Document
	Metrics    learning.LearningMetrics
	RunID      string
	Comparison *evaluation.ComparisonResult
}

// RunRecorder persists run outcomes.
type RunRecorder interface {
	Save(ctx context.Context, run *store.Run) error
}

type Option func(*Pipeline)

func WithRecorder(r RunRecorder) Option {
	return func(p *Pipeline) { p.recorder = r }
}

func WithObserver(o learning.Observer) Option {
	return func(p *Pipeline) { p.observer = o }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// WithBaseModel enables a base vs learned comparison after each document.
// base must be an unadapted copy of the learning model.
func WithBaseModel(base model.Adaptable) Option {
	return func(p *Pipeline) { p.base = base }
}

// Pipeline - document lifecycle around one Trainer:
// pending -> extracting -> chunking -> learning -> ready | error.
// Documents are learned one at a time.
type Pipeline struct {
	config   Config
	trainer  *learning.Trainer
	registry *document.Registry
	recorder RunRecorder
	observer learning.Observer
	base     model.Adaptable
	logger   zerolog.Logger

	mu sync.Mutex
}

func New(m model.Adaptable, config Config, opts ...Option) (*Pipeline, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.DocumentTTL <= 0 {
		config.DocumentTTL = DefaultConfig().DocumentTTL
	}

	p := &Pipeline{
		config:   config,
		registry: document.NewRegistry(config.DocumentTTL, config.DocumentTTL/2),
		logger:   log.With().Str("component", "pipeline").Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}

	trainerOpts := []learning.Option{learning.WithLogger(p.logger)}
	if p.observer != nil {
		trainerOpts = append(trainerOpts, learning.WithObserver(p.observer))
	}
	trainer, err := learning.NewTrainer(m, config.Learning, trainerOpts...)
	if err != nil {
		return nil, err
	}
	p.trainer = trainer
	return p, nil
}

// Close releases the model.
func (p *Pipeline) Close() {
	p.trainer.Close()
}

func (p *Pipeline) Trainer() *learning.Trainer {
	return p.trainer
}

// Document looks up a registered document by ID.
func (p *Pipeline) Document(id string) (*document.Document, bool) {
	return p.registry.Get(id)
}

// Learn validates, chunks and learns one document. Validation and learning
// failures leave the document in the error state with a readable message and
// are returned as errors. Cancellation is not an error: the document becomes
// ready with the weights of the last applied chunk.
func (p *Pipeline) Learn(ctx context.Context, req Request, progress learning.ProgressFunc) (Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	doc := document.New(req.Filename, len(req.Pages))
	p.registry.Put(doc)
	result := Result{Document: doc}
	logger := p.logger.With().Str("document_id", doc.ID).Str("filename", req.Filename).Logger()
	started := time.Now()

	doc.SetStatus(document.StatusExtracting)
	tokenCount := 0
	for _, page := range req.Pages {
		tokenCount += len(page)
	}
	if err := p.config.Constraints.Validate(req.FileSizeBytes, len(req.Pages), tokenCount); err != nil {
		doc.Fail(err.Error())
		logger.Warn().Err(err).Msg("document rejected")
		result.RunID = p.record(ctx, doc, started, learning.LearningMetrics{}, err)
		return result, err
	}

	doc.SetStatus(document.StatusChunking)
	chunks, err := document.ChunkPages(req.Pages, p.config.Constraints.ChunkSize)
	if err != nil {
		doc.Fail(err.Error())
		result.RunID = p.record(ctx, doc, started, learning.LearningMetrics{}, err)
		return result, err
	}
	doc.SetChunks(chunks)
	logger.Info().Int("chunks", len(chunks)).Int("tokens", tokenCount).Msg("document chunked")

	doc.SetStatus(document.StatusLearning)
	metrics, err := p.trainer.Learn(ctx, chunks, progress)
	if err != nil {
		doc.Fail(FailureMessage(err))
		result.RunID = p.record(ctx, doc, started, metrics, err)
		return result, err
	}
	result.Metrics = metrics

	if p.base != nil && !metrics.Cancelled {
		cmp, err := evaluation.Compare(ctx, p.base, p.trainer.Model(), p.trainer.Updater().Objective(), chunks,
			evaluation.WithDocumentID(doc.ID), evaluation.WithLogger(logger))
		if err != nil {
			// the learned weights are still usable
			logger.Warn().Err(err).Msg("comparison failed")
		} else {
			result.Comparison = &cmp
		}
	}

	doc.SetStatus(document.StatusReady)
	result.RunID = p.record(ctx, doc, started, metrics, nil)
	return result, nil
}

// record writes the outcome to the ledger and returns the run ID, or "" when
// no recorder is configured or saving failed.
func (p *Pipeline) record(ctx context.Context, doc *document.Document, started time.Time,
	metrics learning.LearningMetrics, runErr error) string {

	if p.recorder == nil {
		return ""
	}

	run := &store.Run{
		DocumentID: doc.ID,
		Filename:   doc.Filename,
		Status:     store.RunCompleted,
		StartedAt:  started,
		FinishedAt: time.Now(),
		Metrics:    metrics,
	}
	switch {
	case runErr != nil:
		run.Status = store.RunFailed
		_, run.Error = doc.State()
	case metrics.Cancelled:
		run.Status = store.RunCancelled
	}

	// saved even when ctx is already cancelled
	if err := p.recorder.Save(context.WithoutCancel(ctx), run); err != nil {
		p.logger.Error().Err(err).Str("document_id", doc.ID).Msg("failed to record run")
		return ""
	}
	return run.ID
}

// FailureMessage turns a learning error into a message for the document
// owner.
func FailureMessage(err error) string {
	var chunkErr *learning.ChunkError
	where := ""
	if errors.As(err, &chunkErr) {
		where = fmt.Sprintf(" at chunk %d", chunkErr.ChunkIndex)
	}

	switch {
	case errors.Is(err, learning.ErrNumerical):
		return "learning diverged" + where + "; try a lower inner_lr"
	case learning.IsRetryable(err):
		return "not enough memory to learn" + where + "; retry with a smaller chunk_size"
	case errors.Is(err, model.ErrTokenOutOfRange):
		return "document contains tokens outside the model vocabulary" + where
	}
	return fmt.Sprintf("learning failed: %v", err)
}
