package learning

import (
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/lumix-ai/lact/internal/core"
	"github.com/lumix-ai/lact/internal/document"
	"github.com/lumix-ai/lact/internal/model"
	"github.com/stretchr/testify/require"
)

// scalarLayer - 1x1 fast weight
type scalarLayer struct {
	name string
	w    *core.Tensor
}

func newScalarLayer(name string, v float64) *scalarLayer {
	w := core.NewTensor(1, 1)
	w.Data[0] = v
	return &scalarLayer{name: name, w: w}
}

func (l *scalarLayer) Name() string         { return l.name }
func (l *scalarLayer) Weight() *core.Tensor { return l.w.Clone() }
func (l *scalarLayer) Apply(g *core.Tensor, lr float64) error {
	return l.w.AddScaledInPlace(-lr, g)
}

// scriptedModel produces a chosen next-token loss on every forward pass and
// fixed per-layer gradients. Tokens must be 0 or 1.
type scriptedModel struct {
	layers     []*scalarLayer
	losses     []float64
	grads      []float64
	forwardErr error

	mu    sync.Mutex
	calls int
	bound bool
}

func newScriptedModel(losses []float64, grads ...float64) *scriptedModel {
	m := &scriptedModel{losses: losses, grads: grads}
	for i := range grads {
		m.layers = append(m.layers, newScalarLayer("fast."+string(rune('a'+i)), 1))
	}
	return m
}

func (m *scriptedModel) FastLayers() []model.FastLayer {
	out := make([]model.FastLayer, len(m.layers))
	for i, l := range m.layers {
		out[i] = l
	}
	return out
}

func (m *scriptedModel) AcquireWriter() (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bound {
		return nil, model.ErrModelBound
	}
	m.bound = true
	return func() {
		m.mu.Lock()
		m.bound = false
		m.mu.Unlock()
	}, nil
}

func (m *scriptedModel) Forward(tokens []int) (model.Pass, error) {
	if m.forwardErr != nil {
		return nil, m.forwardErr
	}
	loss := m.losses[m.calls%len(m.losses)]
	m.calls++

	// log(1 + e^d) = loss when the wrong class leads by d
	d := math.Log(math.Expm1(loss))
	logits := core.NewTensor(len(tokens), 2)
	for t := 0; t+1 < len(tokens); t++ {
		row := logits.Row(t)
		target := tokens[t+1]
		if math.IsNaN(loss) {
			row[0], row[1] = math.NaN(), math.NaN()
			continue
		}
		row[target] = 0
		row[1-target] = d
	}

	grads := make([]*core.Tensor, len(m.grads))
	for i, g := range m.grads {
		grads[i] = core.NewTensor(1, 1)
		grads[i].Data[0] = g
	}
	return &scriptedPass{logits: logits, grads: grads}, nil
}

type scriptedPass struct {
	logits *core.Tensor
	grads  []*core.Tensor
}

func (p *scriptedPass) Logits() *core.Tensor { return p.logits }

func (p *scriptedPass) Backward(*core.Tensor) ([]*core.Tensor, error) {
	return p.grads, nil
}

func (m *scriptedModel) weights() []float64 {
	out := make([]float64, len(m.layers))
	for i, l := range m.layers {
		out[i] = l.w.Data[0]
	}
	return out
}

func binaryChunks(n int) []document.Chunk {
	chunks := make([]document.Chunk, n)
	for i := range chunks {
		chunks[i] = document.Chunk{Index: i, TokenIDs: []int{0, 1, 0, 1}, TokenCount: 4}
	}
	return chunks
}

func testConfig() Config {
	return Config{InnerLR: 0.01, ChunkSize: 2048, MaxGradNorm: 1.0, LossType: LossNextToken}
}

func newTTT(t *testing.T) *model.TTTModel {
	t.Helper()
	m, err := model.NewTTTModel(model.Config{
		VocabSize:     16,
		HiddenSize:    8,
		NumFastLayers: 2,
		MaxSeqLength:  64,
		InitStd:       0.5,
		Seed:          3,
	})
	require.NoError(t, err)
	return m
}

func tokenChunks(size int, tokens ...int) []document.Chunk {
	chunks, err := document.ChunkTokens(tokens, size)
	if err != nil {
		panic(err)
	}
	return chunks
}

func snapshot(m model.Adaptable) []*core.Tensor {
	var out []*core.Tensor
	for _, l := range m.FastLayers() {
		out = append(out, l.Weight())
	}
	return out
}

// recordingObserver keeps every event for assertions
type recordingObserver struct {
	chunks   []int
	updates  []UpdateStats
	failures []error
	finished []LearningMetrics
}

func (o *recordingObserver) ChunkProcessed(index, _ int, _ float64) {
	o.chunks = append(o.chunks, index)
}

func (o *recordingObserver) UpdateApplied(s UpdateStats) {
	o.updates = append(o.updates, s)
}

func (o *recordingObserver) LearningFailed(_ int, err error) {
	o.failures = append(o.failures, err)
}

func (o *recordingObserver) DocumentFinished(m LearningMetrics) {
	o.finished = append(o.finished, m)
}

var errBoom = errors.New("boom")
