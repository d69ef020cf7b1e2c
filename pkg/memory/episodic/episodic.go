// Package episodic implements the episodic memory tier: session-tagged,
// salience-scored facts stored as one collection of the vector driver.
//
// Facts enter through the distiller, get reinforced or decayed by the
// salience tracker, and leave by promotion into the semantic tier or by TTL
// expiry. Write-time dedup keeps any one session free of near-duplicate
// facts above the similarity threshold.
package episodic

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

// Config holds configuration for the episodic store.
type Config struct {
	// DefaultTTL is the retention window stamped on facts inserted without
	// an explicit expiry; 0 means DefaultTTL.
	DefaultTTL time.Duration
}

// DefaultTTL is the retention window for episodic facts.
const DefaultTTL = 30 * 24 * time.Hour

// Result pairs a fact with its similarity score for a query.
type Result struct {
	Fact  memory.EpisodicFact
	Score float32
}

// SearchOptions restrict an episodic similarity search.
type SearchOptions struct {
	// SessionID, when non-empty, limits results to one session.
	SessionID string

	// MinSalience drops results scored below the floor.
	MinSalience float64
}

// Store persists episodic facts in the episodic collection of a vector
// driver.
type Store struct {
	driver vector.Driver
	logger *zap.Logger
	config Config
}

// NewStore creates an episodic store over the given driver.
func NewStore(driver vector.Driver, config Config, logger *zap.Logger) *Store {
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = DefaultTTL
	}
	return &Store{
		driver: driver,
		logger: logger,
		config: config,
	}
}

// Insert stores a new fact. Missing CreatedAt and ExpiresAt are stamped from
// the store's clock and default TTL. The fact must carry an id, text, a
// session id, and an embedding.
func (s *Store) Insert(ctx context.Context, fact memory.EpisodicFact) error {
	if err := validate(fact); err != nil {
		return err
	}

	if fact.CreatedAt.IsZero() {
		fact.CreatedAt = time.Now().UTC()
	}
	if fact.ExpiresAt.IsZero() {
		fact.ExpiresAt = fact.CreatedAt.Add(s.config.DefaultTTL)
	}
	fact.Salience = memory.Clamp01(fact.Salience)

	doc, err := encode(fact)
	if err != nil {
		return err
	}

	if err := s.driver.Upsert(ctx, vector.CollectionEpisodic, []vector.Document{doc}); err != nil {
		return fmt.Errorf("inserting episodic fact: %w", err)
	}

	s.logger.Debug("inserted episodic fact",
		zap.String("fact_id", fact.ID),
		zap.String("session_id", fact.SessionID),
		zap.Float64("salience", fact.Salience),
	)
	return nil
}

// MostSimilar returns the single closest fact within a session, or nil when
// the session has no facts. Used for write-time dedup.
func (s *Store) MostSimilar(ctx context.Context, sessionID string, embedding []float32) (*Result, error) {
	results, err := s.driver.Query(ctx, vector.CollectionEpisodic, embedding, 1,
		map[string]any{"session_id": sessionID})
	if err != nil {
		return nil, fmt.Errorf("episodic dedup query: %w", err)
	}
	if len(results) == 0 {
		return nil, nil
	}

	fact, err := decode(results[0].Document)
	if err != nil {
		return nil, err
	}
	return &Result{Fact: fact, Score: results[0].Score}, nil
}

// Search returns up to topK facts most similar to the embedding, subject to
// the options. Salience floors are applied after the similarity query, so
// the store overfetches to keep topK meaningful.
func (s *Store) Search(ctx context.Context, embedding []float32, topK int, opts SearchOptions) ([]Result, error) {
	var filter map[string]any
	if opts.SessionID != "" {
		filter = map[string]any{"session_id": opts.SessionID}
	}

	fetch := topK
	if opts.MinSalience > 0 {
		fetch = topK * 3
	}

	results, err := s.driver.Query(ctx, vector.CollectionEpisodic, embedding, fetch, filter)
	if err != nil {
		return nil, fmt.Errorf("episodic search: %w", err)
	}

	out := make([]Result, 0, topK)
	for _, r := range results {
		fact, err := decode(r.Document)
		if err != nil {
			return nil, err
		}
		if fact.Salience < opts.MinSalience {
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
func (s *Store) Get(ctx context.Context, id string) (*memory.EpisodicFact, error) {
	docs, err := s.driver.Get(ctx, vector.CollectionEpisodic, []string{id})
	if err != nil {
		return nil, fmt.Errorf("fetching episodic fact: %w", err)
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("%w: episodic fact %s", memory.ErrNotFound, id)
	}

	fact, err := decode(docs[0])
	if err != nil {
		return nil, err
	}
	return &fact, nil
}

// Reinforce bumps a fact's salience by delta (clamped) and pushes its expiry
// out to at least ttl from now. Used when a distilled statement duplicates an
// existing fact.
func (s *Store) Reinforce(ctx context.Context, id string, delta float64, ttl time.Duration) error {
	fact, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	patch := map[string]any{
		"salience": memory.Clamp01(fact.Salience + delta),
	}
	if ttl > 0 {
		if extended := time.Now().UTC().Add(ttl); extended.After(fact.ExpiresAt) {
			patch["expires_at"] = extended.Format(time.RFC3339Nano)
		}
	}

	if err := s.driver.SetMetadata(ctx, vector.CollectionEpisodic, id, patch); err != nil {
		return fmt.Errorf("reinforcing episodic fact: %w", err)
	}
	return nil
}

// AdjustSalience applies a batch of salience deltas, clamping each result.
// Citation deltas also bump the fact's citation count. Unknown ids are
// skipped; the first driver error aborts the batch.
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

		if err := s.driver.SetMetadata(ctx, vector.CollectionEpisodic, id, patch); err != nil {
			return fmt.Errorf("adjusting episodic salience: %w", err)
		}
	}
	return nil
}

// DecayAll multiplies every fact's salience by factor. Returns the number of
// facts touched.
func (s *Store) DecayAll(ctx context.Context, factor float64) (int, error) {
	facts, err := s.All(ctx)
	if err != nil {
		return 0, err
	}

	for _, fact := range facts {
		patch := map[string]any{
			"salience": memory.Clamp01(fact.Salience * factor),
		}
		if err := s.driver.SetMetadata(ctx, vector.CollectionEpisodic, fact.ID, patch); err != nil {
			return 0, fmt.Errorf("decaying episodic fact %s: %w", fact.ID, err)
		}
	}
	return len(facts), nil
}

// All returns every episodic fact. Used by the promotion scan and decay.
func (s *Store) All(ctx context.Context) ([]memory.EpisodicFact, error) {
	docs, err := s.driver.Scroll(ctx, vector.CollectionEpisodic, nil)
	if err != nil {
		return nil, fmt.Errorf("scrolling episodic facts: %w", err)
	}

	facts := make([]memory.EpisodicFact, 0, len(docs))
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
	if err := s.driver.Delete(ctx, vector.CollectionEpisodic, ids); err != nil {
		return fmt.Errorf("deleting episodic facts: %w", err)
	}
	return nil
}

// DeleteExpired removes every fact whose TTL has elapsed and returns the
// deleted facts so callers can emit expiry events.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) ([]memory.EpisodicFact, error) {
	facts, err := s.All(ctx)
	if err != nil {
		return nil, err
	}

	var expired []memory.EpisodicFact
	var ids []string
	for _, fact := range facts {
		if fact.Expired(now) {
			expired = append(expired, fact)
			ids = append(ids, fact.ID)
		}
	}

	if err := s.Delete(ctx, ids...); err != nil {
		return nil, err
	}
	return expired, nil
}

func validate(fact memory.EpisodicFact) error {
	switch {
	case fact.ID == "":
		return fmt.Errorf("%w: episodic fact missing id", memory.ErrValidation)
	case strings.TrimSpace(fact.Text) == "":
		return fmt.Errorf("%w: episodic fact missing text", memory.ErrValidation)
	case fact.SessionID == "":
		return fmt.Errorf("%w: episodic fact missing session id", memory.ErrValidation)
	case len(fact.Embedding) == 0:
		return fmt.Errorf("%w: episodic fact missing embedding", memory.ErrValidation)
	}
	return nil
}

func encode(fact memory.EpisodicFact) (vector.Document, error) {
	metadata := map[string]any{
		"session_id": fact.SessionID,
		"salience":   fact.Salience,
		"citations":  fact.Citations,
		"created_at": fact.CreatedAt.Format(time.RFC3339Nano),
		"expires_at": fact.ExpiresAt.Format(time.RFC3339Nano),
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

func decode(doc vector.Document) (memory.EpisodicFact, error) {
	fact := memory.EpisodicFact{
		ID:        doc.ID,
		Text:      doc.Text,
		Embedding: doc.Embedding,
	}

	if v, ok := doc.Metadata["session_id"].(string); ok {
		fact.SessionID = v
	}
	fact.Salience = metaFloat(doc.Metadata["salience"])
	fact.Citations = int(metaFloat(doc.Metadata["citations"]))
	fact.CreatedAt = metaTime(doc.Metadata["created_at"])
	fact.ExpiresAt = metaTime(doc.Metadata["expires_at"])

	if raw, ok := doc.Metadata["entities"].(string); ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &fact.Entities); err != nil {
			return memory.EpisodicFact{}, fmt.Errorf("decoding fact entities: %w", err)
		}
	}
	return fact, nil
}

// metaFloat tolerates the numeric types different drivers round-trip
// metadata through.
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
