// internal/model/ttt_model.go
package model

import (
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/lumix-ai/lact/internal/core"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

// Config - hyperparameters of the reference TTT model
type Config struct {
	VocabSize      int     `yaml:"vocab_size"`
	HiddenSize     int     `yaml:"hidden_size"`
	NumFastLayers  int     `yaml:"num_fast_layers"`
	MaxSeqLength   int     `yaml:"max_seq_length"`
	InitStd        float64 `yaml:"init_std"`
	FastInitStd    float64 `yaml:"fast_init_std"`
	Seed           int64   `yaml:"seed"`
	MemoryBudgetMB int     `yaml:"memory_budget_mb"` // 0 disables the check
}

func DefaultConfig() Config {
	return Config{
		VocabSize:      256,
		HiddenSize:     64,
		NumFastLayers:  2,
		MaxSeqLength:   4096,
		InitStd:        0.1,
		FastInitStd:    0,
		Seed:           42,
		MemoryBudgetMB: 512,
	}
}

func (c Config) Validate() error {
	switch {
	case c.VocabSize <= 0:
		return fmt.Errorf("vocab_size must be positive, got %d", c.VocabSize)
	case c.HiddenSize <= 0:
		return fmt.Errorf("hidden_size must be positive, got %d", c.HiddenSize)
	case c.NumFastLayers <= 0:
		return fmt.Errorf("num_fast_layers must be positive, got %d", c.NumFastLayers)
	case c.MaxSeqLength <= 0:
		return fmt.Errorf("max_seq_length must be positive, got %d", c.MaxSeqLength)
	case c.InitStd < 0 || c.FastInitStd < 0:
		return fmt.Errorf("init std must not be negative")
	case c.MemoryBudgetMB < 0:
		return fmt.Errorf("memory_budget_mb must not be negative, got %d", c.MemoryBudgetMB)
	}
	return nil
}

// TTTModel - frozen embedding, a stack of TTTLinear fast-weight layers and a
// frozen output projection:
//
//	H0 = E[tokens]
//	H  <- H + tanh(H Wᵀ)   for each fast layer
//	logits = H Uᵀ
type TTTModel struct {
	config    Config
	embedding *core.Tensor // [vocab, hidden]
	output    *core.Tensor // [vocab, hidden]
	layers    []*TTTLinear

	// mu orders inference reads against fast-weight writes
	mu     sync.RWMutex
	writer *semaphore.Weighted
}

// TTTLinear - one fast-weight layer, W is [hidden, hidden]
type TTTLinear struct {
	name   string
	weight *core.Tensor
	mu     *sync.RWMutex
}

func NewTTTModel(config Config) (*TTTModel, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid model config: %w", err)
	}

	rng := rand.New(rand.NewSource(config.Seed))
	m := &TTTModel{
		config:    config,
		embedding: randomTensor(rng, config.InitStd, config.VocabSize, config.HiddenSize),
		output:    randomTensor(rng, config.InitStd, config.VocabSize, config.HiddenSize),
		writer:    semaphore.NewWeighted(1),
	}

	m.layers = make([]*TTTLinear, config.NumFastLayers)
	for i := range m.layers {
		m.layers[i] = &TTTLinear{
			name:   fmt.Sprintf("ttt_linear.%d", i),
			weight: randomTensor(rng, config.FastInitStd, config.HiddenSize, config.HiddenSize),
			mu:     &m.mu,
		}
	}

	log.Debug().
		Int("vocab", config.VocabSize).
		Int("hidden", config.HiddenSize).
		Int("fast_layers", config.NumFastLayers).
		Msg("TTT model initialized")

	return m, nil
}

func randomTensor(rng *rand.Rand, std float64, shape ...int) *core.Tensor {
	t := core.NewTensor(shape...)
	if std == 0 {
		return t
	}
	for i := range t.Data {
		t.Data[i] = rng.NormFloat64() * std
	}
	return t
}

func (m *TTTModel) Config() Config {
	return m.config
}

func (m *TTTModel) FastLayers() []FastLayer {
	layers := make([]FastLayer, len(m.layers))
	for i, l := range m.layers {
		layers[i] = l
	}
	return layers
}

func (m *TTTModel) AcquireWriter() (func(), error) {
	if !m.writer.TryAcquire(1) {
		return nil, ErrModelBound
	}
	var once sync.Once
	return func() {
		once.Do(func() { m.writer.Release(1) })
	}, nil
}

// Clone deep-copies every weight. The clone has its own writer lease, which
// makes it usable as the unmodified base model for comparisons.
func (m *TTTModel) Clone() *TTTModel {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c := &TTTModel{
		config:    m.config,
		embedding: m.embedding.Clone(),
		output:    m.output.Clone(),
		writer:    semaphore.NewWeighted(1),
	}
	c.layers = make([]*TTTLinear, len(m.layers))
	for i, l := range m.layers {
		c.layers[i] = &TTTLinear{name: l.name, weight: l.weight.Clone(), mu: &c.mu}
	}
	return c
}

// EstimateActivationBytes - memory held by one forward+backward pass over n tokens
func (m *TTTModel) EstimateActivationBytes(n int) int64 {
	d := int64(m.config.HiddenSize)
	v := int64(m.config.VocabSize)
	l := int64(m.config.NumFastLayers)
	t := int64(n)

	// hidden inputs and activations per layer, final hidden, logits and their
	// gradient, weight copies and weight gradients
	floats := (2*l+1)*t*d + 2*t*v + 2*l*d*d + 2*t*d
	return floats * 8
}

func (m *TTTModel) Forward(tokenIDs []int) (Pass, error) {
	n := len(tokenIDs)
	if n == 0 {
		return nil, ErrEmptyInput
	}
	if n > m.config.MaxSeqLength {
		return nil, fmt.Errorf("%w: %d tokens exceeds max_seq_length %d", ErrResourceExhausted, n, m.config.MaxSeqLength)
	}
	if m.config.MemoryBudgetMB > 0 {
		need := m.EstimateActivationBytes(n)
		budget := int64(m.config.MemoryBudgetMB) * 1024 * 1024
		if need > budget {
			return nil, fmt.Errorf("%w: %d tokens need %d bytes, budget is %d", ErrResourceExhausted, n, need, budget)
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	hidden := core.NewTensor(n, m.config.HiddenSize)
	for t, id := range tokenIDs {
		if id < 0 || id >= m.config.VocabSize {
			return nil, fmt.Errorf("%w: %d at position %d", ErrTokenOutOfRange, id, t)
		}
		copy(hidden.Row(t), m.embedding.Row(id))
	}

	pass := &tttPass{
		output:  m.output,
		inputs:  make([]*core.Tensor, len(m.layers)),
		acts:    make([]*core.Tensor, len(m.layers)),
		weights: make([]*core.Tensor, len(m.layers)),
	}

	for i, layer := range m.layers {
		w := layer.weight.Clone()
		z, err := core.MatMulT(hidden, w)
		if err != nil {
			return nil, fmt.Errorf("layer %s: %w", layer.name, err)
		}
		for j, v := range z.Data {
			z.Data[j] = math.Tanh(v)
		}

		pass.inputs[i] = hidden
		pass.acts[i] = z
		pass.weights[i] = w

		next := hidden.Clone()
		if err := next.AddInPlace(z); err != nil {
			return nil, err
		}
		hidden = next
	}

	logits, err := core.MatMulT(hidden, m.output)
	if err != nil {
		return nil, fmt.Errorf("output projection: %w", err)
	}
	pass.logits = logits
	return pass, nil
}

type tttPass struct {
	output  *core.Tensor
	inputs  []*core.Tensor // H_l fed into layer l
	acts    []*core.Tensor // tanh(H_l W_lᵀ)
	weights []*core.Tensor // W_l as seen by this pass
	logits  *core.Tensor
}

func (p *tttPass) Logits() *core.Tensor {
	return p.logits
}

func (p *tttPass) Backward(dLogits *core.Tensor) ([]*core.Tensor, error) {
	if !dLogits.SameShape(p.logits) {
		return nil, fmt.Errorf("%w: dLogits %v, logits %v", core.ErrShapeMismatch, dLogits.Shape, p.logits.Shape)
	}

	// output is frozen, only the gradient flowing into H is needed
	dHidden, err := core.MatMul(dLogits, p.output)
	if err != nil {
		return nil, err
	}

	grads := make([]*core.Tensor, len(p.weights))
	for l := len(p.weights) - 1; l >= 0; l-- {
		a := p.acts[l]
		dz := core.NewTensor(a.Shape...)
		for j, v := range a.Data {
			dz.Data[j] = dHidden.Data[j] * (1 - v*v)
		}

		grads[l], err = core.TMatMul(dz, p.inputs[l])
		if err != nil {
			return nil, err
		}

		// residual path plus the path through W
		through, err := core.MatMul(dz, p.weights[l])
		if err != nil {
			return nil, err
		}
		if err := dHidden.AddInPlace(through); err != nil {
			return nil, err
		}
	}
	return grads, nil
}

func (l *TTTLinear) Name() string {
	return l.name
}

func (l *TTTLinear) Weight() *core.Tensor {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.weight.Clone()
}

func (l *TTTLinear) Apply(grad *core.Tensor, lr float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.weight.AddScaledInPlace(-lr, grad); err != nil {
		return fmt.Errorf("layer %s: %w", l.name, err)
	}
	return nil
}
