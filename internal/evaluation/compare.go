// internal/evaluation/compare.go
package evaluation

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/lumix-ai/lact/internal/document"
	"github.com/lumix-ai/lact/internal/learning"
	"github.com/lumix-ai/lact/internal/model"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ErrNothingToScore - no chunk of the document has a loss target
var ErrNothingToScore = errors.New("document has no scorable tokens")

// ComparisonResult - loss of the base and the document-adapted model on the
// same document
type ComparisonResult struct {
	DocumentID        string  `json:"document_id,omitempty"`
	BaseLoss          float64 `json:"base_loss"`
	LearnedLoss       float64 `json:"learned_loss"`
	BasePerplexity    float64 `json:"base_perplexity"`
	LearnedPerplexity float64 `json:"learned_perplexity"`

	// relative loss reduction, (base - learned) / base
	Improvement float64 `json:"improvement"`
}

type Option func(*options)

type options struct {
	documentID string
	logger     *zerolog.Logger
}

func WithDocumentID(id string) Option {
	return func(o *options) { o.documentID = id }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = &logger }
}

// Compare scores chunks under both models concurrently. Both passes are
// read-only, so learned may still be bound to an updater.
func Compare(ctx context.Context, base, learned model.Adaptable, objective learning.Objective,
	chunks []document.Chunk, opts ...Option) (ComparisonResult, error) {

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	logger := log.With().Str("component", "evaluation").Logger()
	if o.logger != nil {
		logger = *o.logger
	}

	var baseLoss, learnedLoss float64
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		baseLoss, err = DocumentLoss(gctx, base, objective, chunks)
		if err != nil {
			return fmt.Errorf("base model: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		learnedLoss, err = DocumentLoss(gctx, learned, objective, chunks)
		if err != nil {
			return fmt.Errorf("learned model: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return ComparisonResult{}, err
	}

	result := ComparisonResult{
		DocumentID:        o.documentID,
		BaseLoss:          baseLoss,
		LearnedLoss:       learnedLoss,
		BasePerplexity:    math.Exp(baseLoss),
		LearnedPerplexity: math.Exp(learnedLoss),
	}
	if baseLoss > 0 {
		result.Improvement = (baseLoss - learnedLoss) / baseLoss
	}

	logger.Info().
		Str("document_id", o.documentID).
		Float64("base_loss", baseLoss).
		Float64("learned_loss", learnedLoss).
		Float64("improvement", result.Improvement).
		Msg("comparison finished")
	return result, nil
}

// DocumentLoss - mean loss over every scored position of the document.
// Chunks are weighted by their number of targets; chunks without targets
// are skipped.
func DocumentLoss(ctx context.Context, m model.Adaptable, objective learning.Objective, chunks []document.Chunk) (float64, error) {
	total := 0.0
	scored := 0
	for _, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		n := countTargets(objective, chunk.TokenIDs)
		if n == 0 {
			continue
		}
		loss, err := learning.EvaluateLoss(m, objective, chunk.TokenIDs)
		if err != nil {
			return 0, fmt.Errorf("chunk %d: %w", chunk.Index, err)
		}
		total += loss * float64(n)
		scored += n
	}
	if scored == 0 {
		return 0, ErrNothingToScore
	}
	return total / float64(scored), nil
}

func countTargets(objective learning.Objective, tokenIDs []int) int {
	_, targets := objective.Prepare(tokenIDs)
	n := 0
	for _, t := range targets {
		if t != learning.IgnoreIndex {
			n++
		}
	}
	return n
}
