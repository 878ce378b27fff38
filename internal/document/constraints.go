// internal/document/constraints.go
package document

import (
	"errors"
	"fmt"
)

var ErrConstraintViolation = errors.New("document violates constraints")

// Constraints - limits an uploaded document must satisfy
type Constraints struct {
	MaxPages      int `yaml:"max_pages"`
	MaxFileSizeMB int `yaml:"max_file_size_mb"`
	MaxTokens     int `yaml:"max_tokens"`
	MinTokens     int `yaml:"min_tokens"`
	ChunkSize     int `yaml:"chunk_size"`
}

func DefaultConstraints() Constraints {
	return Constraints{
		MaxPages:      100,
		MaxFileSizeMB: 50,
		MaxTokens:     100_000,
		MinTokens:     500,
		ChunkSize:     2048,
	}
}

// Validate checks size, pages and token count, in that order. The returned
// error message is meant for the user.
func (c Constraints) Validate(fileSizeBytes int64, pageCount, tokenCount int) error {
	sizeMB := float64(fileSizeBytes) / (1024 * 1024)
	if sizeMB > float64(c.MaxFileSizeMB) {
		return fmt.Errorf("%w: file size (%.2f MB) exceeds maximum (%d MB)", ErrConstraintViolation, sizeMB, c.MaxFileSizeMB)
	}
	if pageCount > c.MaxPages {
		return fmt.Errorf("%w: page count (%d) exceeds maximum (%d)", ErrConstraintViolation, pageCount, c.MaxPages)
	}
	if tokenCount > c.MaxTokens {
		return fmt.Errorf("%w: token count (%d) exceeds maximum (%d)", ErrConstraintViolation, tokenCount, c.MaxTokens)
	}
	if tokenCount < c.MinTokens {
		return fmt.Errorf("%w: token count (%d) below minimum (%d)", ErrConstraintViolation, tokenCount, c.MinTokens)
	}
	return nil
}
