// internal/document/document.go
package document

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status - processing state of an uploaded document
type Status string

const (
	StatusPending    Status = "pending"
	StatusExtracting Status = "extracting"
	StatusChunking   Status = "chunking"
	StatusLearning   Status = "learning"
	StatusReady      Status = "ready"
	StatusError      Status = "error"
)

// Terminal reports whether no further transition is expected.
func (s Status) Terminal() bool {
	return s == StatusReady || s == StatusError
}

// Document - an uploaded document and its chunked content
type Document struct {
	ID           string    `json:"id"`
	Filename     string    `json:"filename"`
	PageCount    int       `json:"page_count"`
	TotalTokens  int       `json:"total_tokens"`
	Chunks       []Chunk   `json:"chunks"`
	Status       Status    `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`

	mu sync.RWMutex
}

func New(filename string, pageCount int) *Document {
	now := time.Now()
	return &Document{
		ID:        uuid.NewString(),
		Filename:  filename,
		PageCount: pageCount,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (d *Document) SetStatus(s Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Status = s
	if s != StatusError {
		d.ErrorMessage = ""
	}
	d.UpdatedAt = time.Now()
}

// Fail moves the document to the error state with a human readable message.
func (d *Document) Fail(message string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Status = StatusError
	d.ErrorMessage = message
	d.UpdatedAt = time.Now()
}

func (d *Document) SetChunks(chunks []Chunk) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Chunks = chunks
	d.TotalTokens = TotalTokens(chunks)
	d.UpdatedAt = time.Now()
}

// State returns status and error message atomically.
func (d *Document) State() (Status, string) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.Status, d.ErrorMessage
}
