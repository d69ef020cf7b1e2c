// Package intent classifies recall queries and extracts typed entities from
// them.
//
// Classification is rule-first: keyword and pattern rules cover the common
// compliance-domain intents cheaply and deterministically. An optional LLM
// fallback refines low-confidence results; fallback failures degrade to the
// rule result and never surface to callers. Results are cached with a TTL
// keyed by the normalized query.
package intent

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"
	"go.uber.org/zap"

	"github.com/corridorhq/mnemo/pkg/llm"
	"github.com/corridorhq/mnemo/pkg/memory"
)

// Intent labels a recall query's purpose.
type Intent string

const (
	IntentComplianceQuery Intent = "compliance_query"
	IntentFactLookup      Intent = "fact_lookup"
	IntentTariff          Intent = "tariff"
	IntentSanctions       Intent = "sanctions"
	IntentGeneral         Intent = "general"
)

// Classification is the result of classifying one query.
type Classification struct {
	Intent     Intent  `json:"intent"`
	Confidence float64 `json:"confidence"`
}

// Config holds configuration for the extractor.
type Config struct {
	// CacheTTL bounds how long a cached classification is served; 0 means
	// DefaultCacheTTL.
	CacheTTL time.Duration

	// CacheMaxEntries caps the classification cache; 0 means
	// DefaultCacheMaxEntries.
	CacheMaxEntries int64

	// LLMFallback enables the completer refinement for low-confidence rule
	// results. Requires a completer.
	LLMFallback bool
}

// Defaults applied for zero-value config fields.
const (
	DefaultCacheTTL        = 10 * time.Minute
	DefaultCacheMaxEntries = 4096

	// fallbackThreshold is the rule confidence below which the LLM
	// fallback is consulted.
	fallbackThreshold = 0.7
)

// Extractor classifies queries and extracts entities.
type Extractor struct {
	completer llm.Completer
	cache     *ristretto.Cache
	logger    *zap.Logger
	config    Config
}

// NewExtractor creates an extractor. The completer may be nil, which
// disables the LLM fallback regardless of config.
func NewExtractor(config Config, completer llm.Completer, logger *zap.Logger) (*Extractor, error) {
	if config.CacheTTL <= 0 {
		config.CacheTTL = DefaultCacheTTL
	}
	if config.CacheMaxEntries <= 0 {
		config.CacheMaxEntries = DefaultCacheMaxEntries
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: config.CacheMaxEntries * 10,
		MaxCost:     config.CacheMaxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}

	return &Extractor{
		completer: completer,
		cache:     cache,
		logger:    logger,
		config:    config,
	}, nil
}

// Classify returns the intent of a query. Blank queries classify as general
// with zero confidence.
func (e *Extractor) Classify(ctx context.Context, query string) (Classification, error) {
	normalized := normalize(query)
	if normalized == "" {
		return Classification{Intent: IntentGeneral, Confidence: 0}, nil
	}

	if cached, ok := e.cache.Get(normalized); ok {
		if c, ok := cached.(Classification); ok {
			return c, nil
		}
	}

	c := classifyByRules(normalized)

	if e.config.LLMFallback && e.completer != nil && c.Confidence < fallbackThreshold {
		if refined, ok := e.refine(ctx, query); ok {
			c = refined
		}
	}

	e.cache.SetWithTTL(normalized, c, 1, e.config.CacheTTL)
	return c, nil
}

// ExtractEntities returns the typed entities found in a query, deduplicated
// by canonical id. The rule recognizers run first; when the LLM fallback is
// enabled the completer adds open-ended entities (organizations, products)
// the rules cannot see. A fallback failure keeps the rule results.
func (e *Extractor) ExtractEntities(ctx context.Context, query string) ([]memory.Entity, error) {
	entities := extractByRules(query)

	if e.config.LLMFallback && e.completer != nil {
		if open, ok := e.openEntities(ctx, query); ok {
			entities = append(entities, open...)
		}
	}

	return memory.DedupEntities(entities), nil
}

// Close releases the classification cache.
func (e *Extractor) Close() error {
	e.cache.Close()
	return nil
}

// refine asks the completer to pick an intent label. Any failure, including
// an unrecognized label, keeps the rule result.
func (e *Extractor) refine(ctx context.Context, query string) (Classification, bool) {
	prompt := "Classify the intent of this trade-compliance query. Respond with exactly one of: " +
		"compliance_query, fact_lookup, tariff, sanctions, general.\n\nQuery: " + query
	resp, err := e.completer.Complete(ctx, prompt)
	if err != nil {
		e.logger.Debug("intent fallback unavailable, keeping rule result",
			zap.Error(err),
		)
		return Classification{}, false
	}

	label := Intent(strings.ToLower(strings.TrimSpace(resp)))
	switch label {
	case IntentComplianceQuery, IntentFactLookup, IntentTariff, IntentSanctions, IntentGeneral:
		return Classification{Intent: label, Confidence: 0.85}, true
	default:
		e.logger.Debug("intent fallback returned unknown label",
			zap.String("label", string(label)),
		)
		return Classification{}, false
	}
}

// openEntities asks the completer for entities outside the rule
// recognizers' reach. Any failure, including an unparseable payload, keeps
// the rule results.
func (e *Extractor) openEntities(ctx context.Context, query string) ([]memory.Entity, bool) {
	prompt := `Extract the named entities (companies, organizations, products, materials) from this trade-compliance query.
Respond with a JSON array of objects {"text": "...", "type": "..."}. Return [] when there are none.

Query: ` + query
	resp, err := e.completer.Complete(ctx, prompt)
	if err != nil {
		e.logger.Debug("entity fallback unavailable, keeping rule results",
			zap.Error(err),
		)
		return nil, false
	}

	start := strings.Index(resp, "[")
	end := strings.LastIndex(resp, "]")
	if start < 0 || end <= start {
		e.logger.Debug("entity fallback returned no JSON array")
		return nil, false
	}

	var parsed []memory.Entity
	if err := json.Unmarshal([]byte(resp[start:end+1]), &parsed); err != nil {
		e.logger.Debug("entity fallback returned unparseable payload",
			zap.Error(err),
		)
		return nil, false
	}

	out := make([]memory.Entity, 0, len(parsed))
	for _, ent := range parsed {
		ent.Text = strings.TrimSpace(ent.Text)
		if ent.Text == "" {
			continue
		}
		if ent.Type == "" {
			ent.Type = EntityNamed
		}
		if ent.CanonicalID == "" {
			ent.CanonicalID = ent.Type + ":" + strings.ToLower(ent.Text)
		}
		out = append(out, ent)
	}
	return out, true
}

func normalize(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}
