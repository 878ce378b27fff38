package evaluation

import (
	"context"
	"math"
	"testing"

	"github.com/lumix-ai/lact/internal/document"
	"github.com/lumix-ai/lact/internal/learning"
	"github.com/lumix-ai/lact/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newModel(t *testing.T) *model.TTTModel {
	t.Helper()
	m, err := model.NewTTTModel(model.Config{
		VocabSize:     16,
		HiddenSize:    8,
		NumFastLayers: 2,
		MaxSeqLength:  64,
		InitStd:       0.5,
		Seed:          11,
	})
	require.NoError(t, err)
	return m
}

func repeated(t *testing.T, times int) []document.Chunk {
	t.Helper()
	var tokens []int
	for i := 0; i < times; i++ {
		tokens = append(tokens, 1, 2, 3, 4, 5, 6, 7, 8)
	}
	chunks, err := document.ChunkTokens(tokens, 8)
	require.NoError(t, err)
	return chunks
}

func TestCompareIdenticalModels(t *testing.T) {
	m := newModel(t)
	obj, err := learning.NewObjective(learning.DefaultConfig())
	require.NoError(t, err)

	result, err := Compare(context.Background(), m, m.Clone(), obj, repeated(t, 2), WithDocumentID("doc-1"))
	require.NoError(t, err)
	assert.Equal(t, "doc-1", result.DocumentID)
	assert.InDelta(t, result.BaseLoss, result.LearnedLoss, 1e-12)
	assert.InDelta(t, 0, result.Improvement, 1e-12)
	assert.InDelta(t, math.Exp(result.BaseLoss), result.BasePerplexity, 1e-9)
}

func TestCompareAfterLearning(t *testing.T) {
	learned := newModel(t)
	base := learned.Clone()
	cfg := learning.Config{InnerLR: 0.2, ChunkSize: 8, MaxGradNorm: 1, LossType: learning.LossNextToken}
	chunks := repeated(t, 6)

	tr, err := learning.NewTrainer(learned, cfg)
	require.NoError(t, err)
	_, err = tr.Learn(context.Background(), chunks, nil)
	require.NoError(t, err)
	defer tr.Close()

	result, err := Compare(context.Background(), base, learned, tr.Updater().Objective(), chunks)
	require.NoError(t, err)
	assert.Less(t, result.LearnedLoss, result.BaseLoss)
	assert.Greater(t, result.Improvement, 0.0)
	assert.Less(t, result.LearnedPerplexity, result.BasePerplexity)
}

func TestDocumentLossWeightsByTargets(t *testing.T) {
	m := newModel(t)
	obj, err := learning.NewObjective(learning.DefaultConfig())
	require.NoError(t, err)

	long := []int{1, 2, 3, 4, 5}
	short := []int{6, 7}
	l1, err := learning.EvaluateLoss(m, obj, long)
	require.NoError(t, err)
	l2, err := learning.EvaluateLoss(m, obj, short)
	require.NoError(t, err)

	got, err := DocumentLoss(context.Background(), m, obj, []document.Chunk{
		{Index: 0, TokenIDs: long},
		{Index: 1, TokenIDs: short},
		{Index: 2, TokenIDs: []int{9}},
	})
	require.NoError(t, err)
	assert.InDelta(t, (4*l1+1*l2)/5, got, 1e-12)
}

func TestDocumentLossErrors(t *testing.T) {
	m := newModel(t)
	obj, err := learning.NewObjective(learning.DefaultConfig())
	require.NoError(t, err)

	_, err = DocumentLoss(context.Background(), m, obj, []document.Chunk{{TokenIDs: []int{3}}})
	assert.ErrorIs(t, err, ErrNothingToScore)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Compare(ctx, m, m, obj, repeated(t, 1))
	assert.ErrorIs(t, err, context.Canceled)

	_, err = DocumentLoss(context.Background(), m, obj, []document.Chunk{{TokenIDs: []int{1, 99}}})
	assert.ErrorIs(t, err, model.ErrTokenOutOfRange)
}
