// Package inmemory provides a map-backed vector.Driver for local development
// and tests. Similarity queries are brute-force cosine scans.
package inmemory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/corridorhq/mnemo/pkg/vector"
)

// Driver implements vector.Driver using in-process maps keyed by collection.
type Driver struct {
	mu          sync.RWMutex
	collections map[string]map[string]vector.Document
}

// NewDriver creates an empty in-memory vector driver.
func NewDriver() *Driver {
	return &Driver{
		collections: make(map[string]map[string]vector.Document),
	}
}

func (d *Driver) collection(name string) map[string]vector.Document {
	col, ok := d.collections[name]
	if !ok {
		col = make(map[string]vector.Document)
		d.collections[name] = col
	}
	return col
}

// Upsert stores documents, replacing any existing document with the same ID.
func (d *Driver) Upsert(_ context.Context, collection string, docs []vector.Document) error {
	if len(docs) == 0 {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	col := d.collection(collection)
	for _, doc := range docs {
		col[doc.ID] = cloneDoc(doc)
	}
	return nil
}

// Query scans the collection and returns the topK documents by cosine
// similarity, restricted to documents matching the filter.
func (d *Driver) Query(_ context.Context, collection string, embedding []float32, topK int, filter map[string]any) ([]vector.QueryResult, error) {
	if topK <= 0 {
		topK = 10
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	var results []vector.QueryResult
	for _, doc := range d.collections[collection] {
		if !matchesFilter(doc.Metadata, filter) {
			continue
		}
		results = append(results, vector.QueryResult{
			Document: cloneDoc(doc),
			Score:    vector.Cosine(embedding, doc.Embedding),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// Get retrieves documents by their IDs, skipping missing ones.
func (d *Driver) Get(_ context.Context, collection string, ids []string) ([]vector.Document, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	col := d.collections[collection]
	docs := make([]vector.Document, 0, len(ids))
	for _, id := range ids {
		if doc, ok := col[id]; ok {
			docs = append(docs, cloneDoc(doc))
		}
	}
	return docs, nil
}

// Delete removes documents by their IDs.
func (d *Driver) Delete(_ context.Context, collection string, ids []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	col := d.collections[collection]
	for _, id := range ids {
		delete(col, id)
	}
	return nil
}

// SetMetadata merges the patch into a document's metadata.
func (d *Driver) SetMetadata(_ context.Context, collection string, id string, patch map[string]any) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	col := d.collections[collection]
	doc, ok := col[id]
	if !ok {
		return fmt.Errorf("%w: %s/%s", vector.ErrNotFound, collection, id)
	}

	if doc.Metadata == nil {
		doc.Metadata = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		doc.Metadata[k] = v
	}
	col[id] = doc
	return nil
}

// Scroll returns every document matching the filter.
func (d *Driver) Scroll(_ context.Context, collection string, filter map[string]any) ([]vector.Document, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var docs []vector.Document
	for _, doc := range d.collections[collection] {
		if matchesFilter(doc.Metadata, filter) {
			docs = append(docs, cloneDoc(doc))
		}
	}
	return docs, nil
}

// Close is a no-op for the in-memory driver.
func (d *Driver) Close() error {
	return nil
}

// cloneDoc copies a document so callers cannot mutate internal state.
func cloneDoc(doc vector.Document) vector.Document {
	out := doc
	if doc.Embedding != nil {
		out.Embedding = make([]float32, len(doc.Embedding))
		copy(out.Embedding, doc.Embedding)
	}
	if doc.Metadata != nil {
		out.Metadata = make(map[string]any, len(doc.Metadata))
		for k, v := range doc.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

func matchesFilter(metadata, filter map[string]any) bool {
	for k, want := range filter {
		got, ok := metadata[k]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}
