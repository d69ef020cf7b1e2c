// Package recall orchestrates memory retrieval across the episodic and
// semantic tiers.
//
// Both tiers are queried concurrently, each under its own timeout. A failed
// or timed-out tier is logged and dropped; the orchestrator degrades to
// whatever the other tier returned rather than failing the recall. Results
// are merged, deduplicated by exact text (preferring the episodic copy, the
// freshest tier), optionally reranked, and cut to the requested size with
// tier provenance intact.
package recall

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/corridorhq/mnemo/pkg/embeddings"
	"github.com/corridorhq/mnemo/pkg/intent"
	"github.com/corridorhq/mnemo/pkg/llm"
	"github.com/corridorhq/mnemo/pkg/memory"
	"github.com/corridorhq/mnemo/pkg/memory/episodic"
	"github.com/corridorhq/mnemo/pkg/memory/semantic"
)

// Config holds configuration for the orchestrator.
type Config struct {
	// TierTimeout bounds each tier query; 0 means DefaultTierTimeout.
	TierTimeout time.Duration

	// Rerank enables LLM reranking of the merged candidate list. Requires
	// a reranker.
	Rerank bool

	// Profiles overrides the per-intent recall profiles; nil keeps the
	// defaults.
	Profiles map[intent.Intent]Profile
}

// DefaultTierTimeout bounds a single tier query.
const DefaultTierTimeout = 2 * time.Second

// Profile tunes recall for one intent.
type Profile struct {
	// EpisodicK and SemanticK are the per-tier candidate counts.
	EpisodicK int
	SemanticK int

	// MinSalience is the episodic salience floor.
	MinSalience float64

	// VerifiedOnly restricts the semantic tier to verified facts.
	VerifiedOnly bool
}

// defaultProfiles reflect how much each intent leans on durable versus
// session-scoped memory. Sanctions answers only cite verified facts.
var defaultProfiles = map[intent.Intent]Profile{
	intent.IntentComplianceQuery: {EpisodicK: 4, SemanticK: 6, MinSalience: 0.2},
	intent.IntentFactLookup:      {EpisodicK: 6, SemanticK: 4, MinSalience: 0.1},
	intent.IntentTariff:          {EpisodicK: 3, SemanticK: 7, MinSalience: 0.2},
	intent.IntentSanctions:       {EpisodicK: 2, SemanticK: 8, MinSalience: 0.3, VerifiedOnly: true},
	intent.IntentGeneral:         {EpisodicK: 5, SemanticK: 5},
}

// Request is one recall invocation. Intent and Entities are optional; when
// absent the orchestrator runs the extractor itself.
type Request struct {
	Query     string
	SessionID string

	// TopK caps the final merged result; 0 means the sum of the profile's
	// per-tier counts.
	TopK int

	// Intent, when non-empty, skips classification.
	Intent intent.Intent

	// Entities, when non-nil, skip extraction.
	Entities []memory.Entity
}

// Orchestrator coordinates multi-tier recall.
type Orchestrator struct {
	episodicStore *episodic.Store
	semanticStore *semantic.Store
	embedder      embeddings.Embedder
	extractor     *intent.Extractor
	reranker      llm.Reranker
	logger        *zap.Logger
	config        Config
}

// NewOrchestrator creates a recall orchestrator. The reranker may be nil,
// which disables reranking regardless of config.
func NewOrchestrator(
	episodicStore *episodic.Store,
	semanticStore *semantic.Store,
	embedder embeddings.Embedder,
	extractor *intent.Extractor,
	reranker llm.Reranker,
	config Config,
	logger *zap.Logger,
) *Orchestrator {
	if config.TierTimeout <= 0 {
		config.TierTimeout = DefaultTierTimeout
	}
	return &Orchestrator{
		episodicStore: episodicStore,
		semanticStore: semanticStore,
		embedder:      embedder,
		extractor:     extractor,
		reranker:      reranker,
		logger:        logger,
		config:        config,
	}
}

// Recall retrieves the memories most relevant to the query. Both tiers
// failing produces an empty result, not an error; only embedding the query
// can fail the call outright.
func (o *Orchestrator) Recall(ctx context.Context, req Request) ([]memory.RecalledMemory, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, fmt.Errorf("%w: empty recall query", memory.ErrValidation)
	}

	if req.Intent == "" {
		c, err := o.extractor.Classify(ctx, req.Query)
		if err != nil {
			return nil, err
		}
		req.Intent = c.Intent
	}
	if req.Entities == nil {
		entities, err := o.extractor.ExtractEntities(ctx, req.Query)
		if err != nil {
			return nil, err
		}
		req.Entities = entities
	}

	profile := o.profile(req.Intent)
	if req.TopK <= 0 {
		req.TopK = profile.EpisodicK + profile.SemanticK
	}

	embedding, err := o.embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("embedding recall query: %w", err)
	}

	var (
		wg      sync.WaitGroup
		emItems []memory.RecalledMemory
		smItems []memory.RecalledMemory
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		emItems = o.queryEpisodic(ctx, req, profile, embedding)
	}()
	go func() {
		defer wg.Done()
		smItems = o.querySemantic(ctx, req, profile, embedding)
	}()
	wg.Wait()

	merged := dedupByText(append(emItems, smItems...))

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Score > merged[j].Score
	})

	if o.config.Rerank && o.reranker != nil && len(merged) > 1 {
		merged = o.rerank(ctx, req.Query, merged)
	}

	if len(merged) > req.TopK {
		merged = merged[:req.TopK]
	}
	return merged, nil
}

func (o *Orchestrator) profile(in intent.Intent) Profile {
	if p, ok := o.config.Profiles[in]; ok {
		return p
	}
	if p, ok := defaultProfiles[in]; ok {
		return p
	}
	return defaultProfiles[intent.IntentGeneral]
}

// queryEpisodic runs the episodic tier under its own timeout. Failures
// degrade to an empty slice.
func (o *Orchestrator) queryEpisodic(ctx context.Context, req Request, profile Profile, embedding []float32) []memory.RecalledMemory {
	if profile.EpisodicK <= 0 {
		return nil
	}

	tierCtx, cancel := context.WithTimeout(ctx, o.config.TierTimeout)
	defer cancel()

	results, err := o.episodicStore.Search(tierCtx, embedding, profile.EpisodicK, episodic.SearchOptions{
		SessionID:   req.SessionID,
		MinSalience: profile.MinSalience,
	})
	if err != nil {
		o.logger.Warn("episodic tier degraded during recall",
			zap.String("session_id", req.SessionID),
			zap.Error(err),
		)
		return nil
	}

	items := make([]memory.RecalledMemory, 0, len(results))
	for _, r := range results {
		items = append(items, memory.RecalledMemory{
			ID:       r.Fact.ID,
			Text:     r.Fact.Text,
			Tier:     memory.TierEpisodic,
			Salience: r.Fact.Salience,
			Score:    r.Score,
			Entities: r.Fact.Entities,
		})
	}
	return items
}

// querySemantic runs the semantic tier under its own timeout. Failures
// degrade to an empty slice.
func (o *Orchestrator) querySemantic(ctx context.Context, req Request, profile Profile, embedding []float32) []memory.RecalledMemory {
	if profile.SemanticK <= 0 {
		return nil
	}

	tierCtx, cancel := context.WithTimeout(ctx, o.config.TierTimeout)
	defer cancel()

	opts := semantic.SearchOptions{VerifiedOnly: profile.VerifiedOnly}
	if len(req.Entities) == 1 {
		// A single-entity query is specific enough that entity-tag
		// filtering beats pure similarity.
		opts.EntityID = req.Entities[0].CanonicalID
	}

	results, err := o.semanticStore.Search(tierCtx, embedding, profile.SemanticK, opts)
	if err != nil {
		o.logger.Warn("semantic tier degraded during recall",
			zap.Error(err),
		)
		return nil
	}

	// An entity filter that matches nothing falls back to similarity so a
	// typo'd tag cannot blank the tier.
	if len(results) == 0 && opts.EntityID != "" {
		opts.EntityID = ""
		results, err = o.semanticStore.Search(tierCtx, embedding, profile.SemanticK, opts)
		if err != nil {
			o.logger.Warn("semantic tier degraded during recall",
				zap.Error(err),
			)
			return nil
		}
	}

	items := make([]memory.RecalledMemory, 0, len(results))
	for _, r := range results {
		items = append(items, memory.RecalledMemory{
			ID:       r.Fact.ID,
			Text:     r.Fact.Text,
			Tier:     memory.TierSemantic,
			Salience: r.Fact.Salience,
			Score:    r.Score,
			Entities: r.Fact.Entities,
		})
	}
	return items
}

// rerank asks the reranker to reorder the candidates. Failures keep the
// similarity order.
func (o *Orchestrator) rerank(ctx context.Context, query string, items []memory.RecalledMemory) []memory.RecalledMemory {
	texts := make([]string, len(items))
	for i, item := range items {
		texts[i] = item.Text
	}

	order, err := o.reranker.Rerank(ctx, query, texts)
	if err != nil || len(order) != len(items) {
		o.logger.Debug("rerank degraded to similarity order",
			zap.Error(err),
		)
		return items
	}

	out := make([]memory.RecalledMemory, 0, len(items))
	for _, idx := range order {
		if idx < 0 || idx >= len(items) {
			return items
		}
		out = append(out, items[idx])
	}
	return out
}

// dedupByText collapses items with identical normalized text. Episodic
// copies win over semantic ones: mid-promotion a fact may briefly exist in
// both tiers, and the episodic copy carries the session context.
func dedupByText(items []memory.RecalledMemory) []memory.RecalledMemory {
	byText := make(map[string]int, len(items))
	out := make([]memory.RecalledMemory, 0, len(items))

	for _, item := range items {
		key := strings.Join(strings.Fields(strings.ToLower(item.Text)), " ")
		if at, ok := byText[key]; ok {
			if out[at].Tier == memory.TierSemantic && item.Tier == memory.TierEpisodic {
				out[at] = item
			}
			continue
		}
		byText[key] = len(out)
		out = append(out, item)
	}
	return out
}
