// internal/learning/errors.go
package learning

import (
	"errors"
	"fmt"

	"github.com/lumix-ai/lact/internal/model"
)

var (
	ErrInvalidConfig     = errors.New("invalid learning config")
	ErrNumerical         = errors.New("non-finite value in learning loop")
	ErrNoPendingGradient = errors.New("no processed chunk since last update")
	ErrEmptyChunk        = errors.New("empty chunk")
	ErrChunkTooLarge     = errors.New("chunk exceeds configured chunk_size")
	ErrChunkOrder        = errors.New("chunks out of document order")
	ErrNoTargets         = errors.New("chunk has no loss targets")
	ErrSessionBusy       = errors.New("updater is already processing a document")

	// ErrCancelled - returned from a ProgressFunc to stop after the current
	// chunk. Cancellation is reported in the summary, not as an error.
	ErrCancelled = errors.New("learning cancelled")
)

// ConfigError - rejected hyperparameter
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid learning config: %s %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return ErrInvalidConfig
}

// NumericalError - a non-finite loss or gradient norm
type NumericalError struct {
	ChunkIndex int
	Stage      string // "loss" or "grad_norm"
	Value      float64
}

func (e *NumericalError) Error() string {
	return fmt.Sprintf("non-finite %s (%v) at chunk %d", e.Stage, e.Value, e.ChunkIndex)
}

func (e *NumericalError) Unwrap() error {
	return ErrNumerical
}

// ChunkError attaches the failing chunk index to any error raised while a
// document is being processed.
type ChunkError struct {
	ChunkIndex int
	Err        error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("chunk %d: %v", e.ChunkIndex, e.Err)
}

func (e *ChunkError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the failure can be retried with smaller chunks.
func IsRetryable(err error) bool {
	return errors.Is(err, model.ErrResourceExhausted)
}
