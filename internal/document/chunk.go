// internal/document/chunk.go
package document

import (
	"errors"
	"fmt"
)

var ErrInvalidChunkSize = errors.New("chunk size must be positive")

// Chunk - a fixed-size run of tokens in document order. Chunks are never
// modified after the chunker produces them.
type Chunk struct {
	Index      int    `json:"index"`
	Text       string `json:"text,omitempty"`
	TokenIDs   []int  `json:"token_ids"`
	TokenCount int    `json:"token_count"`
	StartPage  *int   `json:"start_page,omitempty"`
	EndPage    *int   `json:"end_page,omitempty"`
}

// ChunkTokens splits tokens into chunks of at most size tokens. The last
// chunk may be shorter.
func ChunkTokens(tokens []int, size int) ([]Chunk, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidChunkSize, size)
	}

	chunks := make([]Chunk, 0, (len(tokens)+size-1)/size)
	for start := 0; start < len(tokens); start += size {
		end := min(start+size, len(tokens))
		ids := append([]int(nil), tokens[start:end]...)
		chunks = append(chunks, Chunk{
			Index:      len(chunks),
			TokenIDs:   ids,
			TokenCount: len(ids),
		})
	}
	return chunks, nil
}

// ChunkPages concatenates per-page tokens and chunks them, recording the
// 1-based pages each chunk spans. Empty pages are skipped.
func ChunkPages(pages [][]int, size int) ([]Chunk, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidChunkSize, size)
	}

	var (
		chunks  []Chunk
		current []int
		first   int
		last    int
	)
	flush := func() {
		if len(current) == 0 {
			return
		}
		startPage, endPage := first, last
		chunks = append(chunks, Chunk{
			Index:      len(chunks),
			TokenIDs:   current,
			TokenCount: len(current),
			StartPage:  &startPage,
			EndPage:    &endPage,
		})
		current = nil
	}

	for p, page := range pages {
		pageNum := p + 1
		for len(page) > 0 {
			if len(current) == 0 {
				first = pageNum
			}
			take := min(size-len(current), len(page))
			current = append(current, page[:take]...)
			last = pageNum
			page = page[take:]
			if len(current) == size {
				flush()
			}
		}
	}
	flush()
	return chunks, nil
}

// TotalTokens sums TokenCount over chunks.
func TotalTokens(chunks []Chunk) int {
	total := 0
	for _, c := range chunks {
		total += c.TokenCount
	}
	return total
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
