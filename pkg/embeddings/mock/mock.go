// Package mock provides a deterministic embedder for tests. Identical text
// always produces the identical unit vector, so cosine similarity of equal
// strings is exactly 1 and distinct strings land far apart with high
// probability.
package mock

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand"

	"github.com/corridorhq/mnemo/pkg/embeddings"
)

const defaultDimensions = 32

// Embedder is a hash-seeded pseudo-random embedder.
type Embedder struct {
	dimensions int
}

// NewEmbedder creates a mock embedder with the default dimensionality.
func NewEmbedder() *Embedder {
	return &Embedder{dimensions: defaultDimensions}
}

// NewEmbedderWithDimensions creates a mock embedder producing vectors of the
// given length.
func NewEmbedderWithDimensions(dims int) *Embedder {
	if dims <= 0 {
		dims = defaultDimensions
	}
	return &Embedder{dimensions: dims}
}

// Embed converts text into a deterministic unit vector.
func (e *Embedder) Embed(_ context.Context, text string) ([]float32, error) {
	h := fnv.New64a()
	h.Write([]byte(text))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))

	v := make([]float32, e.dimensions)
	var norm float64
	for i := range v {
		v[i] = float32(rng.NormFloat64())
		norm += float64(v[i]) * float64(v[i])
	}

	norm = math.Sqrt(norm)
	if norm == 0 {
		v[0] = 1
		return v, nil
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return v, nil
}

// Close is a no-op for the mock embedder.
func (e *Embedder) Close() error {
	return nil
}

// Ensure Embedder implements embeddings.Embedder
var _ embeddings.Embedder = (*Embedder)(nil)
