// internal/learning/config.go
package learning

import (
	"math"
)

// LossType selects the self-supervised objective.
type LossType string

const (
	LossNextToken LossType = "next_token"
	LossMasked    LossType = "masked"
)

// Config - TTT hyperparameters, fixed for the lifetime of a session
type Config struct {
	InnerLR     float64  `yaml:"inner_lr"`
	ChunkSize   int      `yaml:"chunk_size"`
	MaxGradNorm float64  `yaml:"max_grad_norm"`
	LossType    LossType `yaml:"loss_type"`

	// masked objective only
	MaskEvery   int `yaml:"mask_every"`
	MaskTokenID int `yaml:"mask_token_id"`
}

func DefaultConfig() Config {
	return Config{
		InnerLR:     0.01,
		ChunkSize:   2048,
		MaxGradNorm: 1.0,
		LossType:    LossNextToken,
		MaskEvery:   4,
		MaskTokenID: 0,
	}
}

// Validate rejects out-of-range values. Nothing is clamped.
func (c Config) Validate() error {
	if !(c.InnerLR > 0) || math.IsInf(c.InnerLR, 0) {
		return &ConfigError{Field: "inner_lr", Reason: "must be a finite value > 0"}
	}
	if c.ChunkSize <= 0 {
		return &ConfigError{Field: "chunk_size", Reason: "must be > 0"}
	}
	if !(c.MaxGradNorm > 0) || math.IsInf(c.MaxGradNorm, 0) {
		return &ConfigError{Field: "max_grad_norm", Reason: "must be a finite value > 0"}
	}

	switch c.LossType {
	case LossNextToken:
	case LossMasked:
		if c.MaskEvery <= 0 {
			return &ConfigError{Field: "mask_every", Reason: "must be > 0 for masked loss"}
		}
		if c.MaskTokenID < 0 {
			return &ConfigError{Field: "mask_token_id", Reason: "must not be negative"}
		}
	default:
		return &ConfigError{Field: "loss_type", Reason: "must be next_token or masked, got " + string(c.LossType)}
	}
	return nil
}
