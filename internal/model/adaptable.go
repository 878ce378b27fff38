// internal/model/adaptable.go
package model

import (
	"errors"

	"github.com/lumix-ai/lact/internal/core"
)

var (
	// ErrResourceExhausted - the forward/backward pass for this input does not
	// fit the activation budget. Retry with a smaller chunk; inputs are never
	// truncated.
	ErrResourceExhausted = errors.New("insufficient memory for chunk")

	// ErrModelBound - the model already has an active writer.
	ErrModelBound = errors.New("model is already bound to an active training session")

	ErrEmptyInput      = errors.New("empty token sequence")
	ErrTokenOutOfRange = errors.New("token id out of vocabulary range")
)

// FastLayer - an adaptable layer owning exactly one fast-weight tensor.
type FastLayer interface {
	Name() string
	// Weight returns a copy of the current fast weight.
	Weight() *core.Tensor
	// Apply performs w <- w - lr*grad in place.
	Apply(grad *core.Tensor, lr float64) error
}

// Pass - result of one forward evaluation. Backward differentiates with respect
// to the fast weights only and returns one gradient per FastLayers() entry, in
// the same order; a nil entry means the layer did not contribute.
type Pass interface {
	// Logits are next-token logits, shaped [tokens, vocab].
	Logits() *core.Tensor
	Backward(dLogits *core.Tensor) ([]*core.Tensor, error)
}

// Adaptable - a model whose designated fast-weight layers may be mutated at
// test time. All other weights are frozen.
type Adaptable interface {
	// FastLayers is ordered and stable for the lifetime of the model.
	FastLayers() []FastLayer
	Forward(tokenIDs []int) (Pass, error)
	// AcquireWriter grants the single writer lease. A second call before the
	// returned release func runs fails with ErrModelBound.
	AcquireWriter() (release func(), err error)
}
