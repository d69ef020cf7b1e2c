// Package vector provides interfaces and implementations for vector storage and embedding.
//
// The episodic and semantic memory tiers are two named collections over one
// underlying driver. Drivers store documents with metadata, answer
// metadata-filtered similarity queries, and support in-place metadata
// patches so salience updates do not rewrite embeddings.
package vector

import "context"

// Collection names used by the memory tiers.
const (
	CollectionEpisodic = "episodic"
	CollectionSemantic = "semantic"
)

// Document represents a stored item with its embedding and metadata.
type Document struct {
	// ID is a unique identifier for the document (typically the fact id).
	ID string

	// Text is the document content. Kept alongside the embedding so recall
	// does not need a second store round-trip.
	Text string

	// Embedding is the vector representation of the document content.
	Embedding []float32

	// Metadata holds flat key/value fields (strings, numbers, bools).
	Metadata map[string]any
}

// QueryResult represents a search result with similarity score.
type QueryResult struct {
	Document

	// Score is the cosine similarity score (higher = more similar).
	Score float32
}

// Driver handles storage and retrieval of vector embeddings across named
// collections.
type Driver interface {
	// Upsert stores documents with their embeddings. A document with an
	// existing ID replaces the previous version.
	Upsert(ctx context.Context, collection string, docs []Document) error

	// Query finds the topK most similar documents to the given embedding.
	// A non-nil filter restricts results to documents whose metadata
	// matches every filter entry exactly.
	Query(ctx context.Context, collection string, embedding []float32, topK int, filter map[string]any) ([]QueryResult, error)

	// Get retrieves documents by their IDs. Missing IDs are skipped.
	Get(ctx context.Context, collection string, ids []string) ([]Document, error)

	// Delete removes documents by their IDs.
	Delete(ctx context.Context, collection string, ids []string) error

	// SetMetadata merges the patch into a document's metadata without
	// touching its embedding. Returns ErrNotFound for an unknown id.
	SetMetadata(ctx context.Context, collection string, id string, patch map[string]any) error

	// Scroll returns every document matching the filter, without ranking.
	// Used by maintenance passes (promotion scan, decay).
	Scroll(ctx context.Context, collection string, filter map[string]any) ([]Document, error)

	// Close releases any resources held by the driver.
	Close() error
}
