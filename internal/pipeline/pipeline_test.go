package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/lumix-ai/lact/internal/document"
	"github.com/lumix-ai/lact/internal/learning"
	"github.com/lumix-ai/lact/internal/model"
	"github.com/lumix-ai/lact/internal/store"
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
		Seed:          5,
	})
	require.NoError(t, err)
	return m
}

func testConfig() Config {
	return Config{
		Learning: learning.Config{InnerLR: 0.2, ChunkSize: 8, MaxGradNorm: 1, LossType: learning.LossNextToken},
		Constraints: document.Constraints{
			MaxPages:      10,
			MaxFileSizeMB: 1,
			MaxTokens:     200,
			MinTokens:     8,
			ChunkSize:     8,
		},
		DocumentTTL: time.Minute,
	}
}

func pages(n int) [][]int {
	out := make([][]int, n)
	for i := range out {
		out[i] = []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	}
	return out
}

func openStore(t *testing.T) *store.RunStore {
	t.Helper()
	s, err := store.Open(store.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLearnReachesReady(t *testing.T) {
	m := newModel(t)
	runs := openStore(t)
	p, err := New(m, testConfig(), WithRecorder(runs), WithBaseModel(m.Clone()))
	require.NoError(t, err)
	defer p.Close()

	var seen []int
	res, err := p.Learn(context.Background(), Request{Filename: "notes.pdf", FileSizeBytes: 1024, Pages: pages(4)},
		func(idx, total int, _ float64) error {
			seen = append(seen, idx)
			assert.Equal(t, 5, total)
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, seen)

	status, msg := res.Document.State()
	assert.Equal(t, document.StatusReady, status)
	assert.Empty(t, msg)
	assert.Equal(t, 40, res.Document.TotalTokens)
	assert.Equal(t, 5, res.Metrics.ChunksProcessed)
	require.NotNil(t, res.Comparison)
	assert.Equal(t, res.Document.ID, res.Comparison.DocumentID)
	assert.Less(t, res.Comparison.LearnedLoss, res.Comparison.BaseLoss)

	doc, ok := p.Document(res.Document.ID)
	require.True(t, ok)
	assert.Same(t, res.Document, doc)

	run, err := runs.Get(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunCompleted, run.Status)
	assert.Equal(t, "notes.pdf", run.Filename)
	assert.Equal(t, res.Metrics.LossHistory, run.Metrics.LossHistory)
}

func TestLearnRejectsDocument(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		message string
	}{
		{"too large", Request{FileSizeBytes: 3 << 20, Pages: pages(1)}, "file size (3.00 MB) exceeds maximum (1 MB)"},
		{"too many pages", Request{Pages: pages(11)}, "page count (11) exceeds maximum (10)"},
		{"too few tokens", Request{Pages: [][]int{{1, 2, 3}}}, "token count (3) below minimum (8)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newModel(t)
			runs := openStore(t)
			p, err := New(m, testConfig(), WithRecorder(runs))
			require.NoError(t, err)
			defer p.Close()
			before := m.FastLayers()[0].Weight()

			res, err := p.Learn(context.Background(), tt.req, nil)
			assert.ErrorIs(t, err, document.ErrConstraintViolation)

			status, msg := res.Document.State()
			assert.Equal(t, document.StatusError, status)
			assert.Contains(t, msg, tt.message)
			assert.Equal(t, before.Data, m.FastLayers()[0].Weight().Data)

			run, err := runs.Get(context.Background(), res.RunID)
			require.NoError(t, err)
			assert.Equal(t, store.RunFailed, run.Status)
			assert.Contains(t, run.Error, tt.message)
		})
	}
}

func TestLearnFailureMovesDocumentToError(t *testing.T) {
	m := newModel(t)
	p, err := New(m, testConfig())
	require.NoError(t, err)
	defer p.Close()

	req := Request{Pages: [][]int{{1, 2, 3, 4, 5, 6, 7, 8}, {1, 2, 99, 4}}}
	res, err := p.Learn(context.Background(), req, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrTokenOutOfRange)
	assert.Empty(t, res.RunID)

	status, msg := res.Document.State()
	assert.Equal(t, document.StatusError, status)
	assert.Equal(t, "document contains tokens outside the model vocabulary at chunk 1", msg)
}

func TestLearnCancelled(t *testing.T) {
	m := newModel(t)
	runs := openStore(t)
	p, err := New(m, testConfig(), WithRecorder(runs), WithBaseModel(m.Clone()))
	require.NoError(t, err)
	defer p.Close()

	res, err := p.Learn(context.Background(), Request{Pages: pages(4)}, func(idx, _ int, _ float64) error {
		if idx == 2 {
			return learning.ErrCancelled
		}
		return nil
	})
	require.NoError(t, err)
	assert.True(t, res.Metrics.Cancelled)
	assert.Equal(t, 3, res.Metrics.ChunksProcessed)
	assert.Nil(t, res.Comparison)

	status, _ := res.Document.State()
	assert.Equal(t, document.StatusReady, status)

	run, err := runs.Get(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunCancelled, run.Status)
}

func TestPipelineKeepsModelBound(t *testing.T) {
	m := newModel(t)
	p, err := New(m, testConfig())
	require.NoError(t, err)

	_, err = New(m, testConfig())
	assert.ErrorIs(t, err, model.ErrModelBound)

	p.Close()
	p, err = New(m, testConfig())
	require.NoError(t, err)
	p.Close()
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := testConfig()
	cfg.Constraints.ChunkSize = 16
	assert.Error(t, cfg.Validate())

	cfg = testConfig()
	cfg.Learning.InnerLR = 0
	assert.ErrorIs(t, cfg.Validate(), learning.ErrInvalidConfig)
}

func TestFailureMessage(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&learning.ChunkError{ChunkIndex: 3, Err: &learning.NumericalError{ChunkIndex: 3, Stage: "loss", Value: math.NaN()}},
			"learning diverged at chunk 3; try a lower inner_lr"},
		{&learning.ChunkError{ChunkIndex: 0, Err: fmt.Errorf("forward: %w", model.ErrResourceExhausted)},
			"not enough memory to learn at chunk 0; retry with a smaller chunk_size"},
		{errors.New("disk full"), "learning failed: disk full"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FailureMessage(tt.err))
	}
}
