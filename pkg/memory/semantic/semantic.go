// Package semantic implements the semantic memory tier: durable facts with
// no session affinity and no expiry, created only by promotion out of the
// episodic tier.
package semantic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/corridorhq/mnemo/pkg/memory"
	"github.com/corridorhq/mnemo/pkg/vector"
)

// Result pairs a fact with its similarity score for a query.
type Result struct {
	Fact  memory.SemanticFact
	Score float32
}

// SearchOptions restrict a semantic similarity search.
type SearchOptions struct {
	// EntityID, when non-empty, limits results to facts tagged with the
	// canonical entity id.
	EntityID string

	// VerifiedOnly limits results to verified facts.
	VerifiedOnly bool
}

// Store persists semantic facts in the semantic collection of a vector
// driver.
type Store struct {
	driver vector.Driver
	logger *zap.Logger
}

// NewStore creates a semantic store over the given driver.
func NewStore(driver vector.Driver, logger *zap.Logger) *Store {
	return &Store{
		driver: driver,
		logger: logger,
	}
}

// Insert stores a promoted fact. The fact must carry an id, text, and an
// embedding.
func (s *Store) Insert(ctx context.Context, fact memory.SemanticFact) error {
	if err := validate(fact); err != nil {
		return err
	}

	if fact.CreatedAt.IsZero() {
		fact.CreatedAt = time.Now().UTC()
	}
	fact.Salience = memory.Clamp01(fact.Salience)

	doc, err := encode(fact)
	if err != nil {
		return err
	}

	if err := s.driver.Upsert(ctx, vector.CollectionSemantic, []vector.Document{doc}); err != nil {
		return fmt.Errorf("inserting semantic fact: %w", err)
	}

	s.logger.Debug("inserted semantic fact",
		zap.String("fact_id", fact.ID),
		zap.Float64("salience", fact.Salience),
	)
	return nil
}

// Search returns up to topK facts most similar to the embedding, subject to
// the options.
func (s *Store) Search(ctx context.Context, embedding []float32, topK int, opts SearchOptions) ([]Result, error) {
	filter := map[string]any{}
	if opts.VerifiedOnly {
		filter["verified"] = true
	}
	if len(filter) == 0 {
		filter = nil
	}

	fetch := topK
	if opts.EntityID != "" {
		// Entity tags live in a JSON blob the driver cannot filter on, so
		// overfetch and filter here.
		fetch = topK * 3
	}

	results, err := s.driver.Query(ctx, vector.CollectionSemantic, embedding, fetch, filter)
	if err != nil {
		return nil, fmt.Errorf("semantic search: %w", err)
	}

	out := make([]Result, 0, topK)
	for _, r := range results {
		fact, err := decode(r.Document)
		if err != nil {
			return nil, err
		}
		if opts.EntityID != "" && !hasEntity(fact, opts.EntityID) {
			continue
		}
		out = append(out, Result{Fact: fact, Score: r.Score})
		if len(out) == topK {
			break
		}
	}
	return out, nil
}

// Get retrieves one fact by id.
func (s *Store) Get(ctx context.Context, id string) (*memory.SemanticFact, error) {
	docs, err := s.driver.Get(ctx, vector.CollectionSemantic, []string{id})
	if err != nil {
		return nil, fmt.Errorf("fetching semantic fact: %w", err)
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("%w: semantic fact %s", memory.ErrNotFound, id)
	}

	fact, err := decode(docs[0])
	if err != nil {
		return nil, err
	}
	return &fact, nil
}

// AdjustSalience applies a batch of salience deltas, clamping each result.
// Citation deltas also bump the fact's citation count. Unknown ids are
// skipped.
func (s *Store) AdjustSalience(ctx context.Context, deltas map[string]float64, citations map[string]int) error {
	for id, delta := range deltas {
		fact, err := s.Get(ctx, id)
		if err != nil {
			if errors.Is(err, memory.ErrNotFound) {
				continue
			}
			return err
		}

		patch := map[string]any{
			"salience": memory.Clamp01(fact.Salience + delta),
		}
		if add := citations[id]; add > 0 {
			patch["citations"] = fact.Citations + add
		}

		if err := s.driver.SetMetadata(ctx, vector.CollectionSemantic, id, patch); err != nil {
			return fmt.Errorf("adjusting semantic salience: %w", err)
		}
	}
	return nil
}

// SetVerified marks a fact as human-verified.
func (s *Store) SetVerified(ctx context.Context, id string, verified bool) error {
	patch := map[string]any{"verified": verified}
	if err := s.driver.SetMetadata(ctx, vector.CollectionSemantic, id, patch); err != nil {
		return fmt.Errorf("setting semantic verified flag: %w", err)
	}
	return nil
}

// All returns every semantic fact.
func (s *Store) All(ctx context.Context) ([]memory.SemanticFact, error) {
	docs, err := s.driver.Scroll(ctx, vector.CollectionSemantic, nil)
	if err != nil {
		return nil, fmt.Errorf("scrolling semantic facts: %w", err)
	}

	facts := make([]memory.SemanticFact, 0, len(docs))
	for _, doc := range docs {
		fact, err := decode(doc)
		if err != nil {
			return nil, err
		}
		facts = append(facts, fact)
	}
	return facts, nil
}

// Delete removes facts by id.
func (s *Store) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.driver.Delete(ctx, vector.CollectionSemantic, ids); err != nil {
		return fmt.Errorf("deleting semantic facts: %w", err)
	}
	return nil
}

func hasEntity(fact memory.SemanticFact, canonicalID string) bool {
	for _, e := range fact.Entities {
		if e.CanonicalID == canonicalID {
			return true
		}
	}
	return false
}

func validate(fact memory.SemanticFact) error {
	switch {
	case fact.ID == "":
		return fmt.Errorf("%w: semantic fact missing id", memory.ErrValidation)
	case strings.TrimSpace(fact.Text) == "":
		return fmt.Errorf("%w: semantic fact missing text", memory.ErrValidation)
	case len(fact.Embedding) == 0:
		return fmt.Errorf("%w: semantic fact missing embedding", memory.ErrValidation)
	}
	return nil
}

func encode(fact memory.SemanticFact) (vector.Document, error) {
	metadata := map[string]any{
		"salience":   fact.Salience,
		"citations":  fact.Citations,
		"verified":   fact.Verified,
		"created_at": fact.CreatedAt.Format(time.RFC3339Nano),
	}

	if len(fact.Entities) > 0 {
		raw, err := json.Marshal(fact.Entities)
		if err != nil {
			return vector.Document{}, fmt.Errorf("encoding fact entities: %w", err)
		}
		metadata["entities"] = string(raw)
	}

	return vector.Document{
		ID:        fact.ID,
		Text:      fact.Text,
		Embedding: fact.Embedding,
		Metadata:  metadata,
	}, nil
}

func decode(doc vector.Document) (memory.SemanticFact, error) {
	fact := memory.SemanticFact{
		ID:        doc.ID,
		Text:      doc.Text,
		Embedding: doc.Embedding,
	}

	fact.Salience = metaFloat(doc.Metadata["salience"])
	fact.Citations = int(metaFloat(doc.Metadata["citations"]))
	fact.CreatedAt = metaTime(doc.Metadata["created_at"])
	if v, ok := doc.Metadata["verified"].(bool); ok {
		fact.Verified = v
	}

	if raw, ok := doc.Metadata["entities"].(string); ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &fact.Entities); err != nil {
			return memory.SemanticFact{}, fmt.Errorf("decoding fact entities: %w", err)
		}
	}
	return fact, nil
}

func metaFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	default:
		return 0
	}
}

func metaTime(v any) time.Time {
	s, ok := v.(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
