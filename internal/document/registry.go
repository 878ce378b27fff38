// internal/document/registry.go
package document

import (
	"time"

	"github.com/patrickmn/go-cache"
)

// Registry - in-memory documents, dropped after ttl. Learned weights live only
// as long as the document does, so nothing here is persisted.
type Registry struct {
	items *cache.Cache
}

func NewRegistry(ttl, cleanupInterval time.Duration) *Registry {
	return &Registry{items: cache.New(ttl, cleanupInterval)}
}

func (r *Registry) Put(doc *Document) {
	r.items.Set(doc.ID, doc, cache.DefaultExpiration)
}

func (r *Registry) Get(id string) (*Document, bool) {
	v, ok := r.items.Get(id)
	if !ok {
		return nil, false
	}
	return v.(*Document), true
}

func (r *Registry) Delete(id string) {
	r.items.Delete(id)
}

func (r *Registry) Len() int {
	return r.items.ItemCount()
}
