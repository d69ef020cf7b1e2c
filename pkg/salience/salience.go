// Package salience tracks how useful each fact has been and keeps the
// scores fresh.
//
// Usage and citation increments are buffered in memory and written to the
// tier stores in batches, either when the buffer reaches its size trigger
// or when the scheduler's flush task fires. Periodic multiplicative decay
// erodes the salience of everything that has not earned reinforcement. The
// buffer mutex is never held across store I/O.
package salience

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/corridorhq/mnemo/pkg/memory"
	"github.com/corridorhq/mnemo/pkg/memory/episodic"
	"github.com/corridorhq/mnemo/pkg/memory/semantic"
)

// Config holds configuration for the tracker.
type Config struct {
	// UsageDelta is added when a fact appears in recall results; 0 means
	// DefaultUsageDelta.
	UsageDelta float64

	// CitationDelta is added when a response cites a fact; 0 means
	// DefaultCitationDelta.
	CitationDelta float64

	// DecayFactor multiplies every salience on decay; 0 means
	// DefaultDecayFactor.
	DecayFactor float64

	// FlushThreshold triggers an automatic flush once this many updates
	// are buffered; 0 means DefaultFlushThreshold.
	FlushThreshold int
}

// Defaults applied for zero-value config fields.
const (
	DefaultUsageDelta     = 0.05
	DefaultCitationDelta  = 0.15
	DefaultDecayFactor    = 0.95
	DefaultFlushThreshold = 64
)

// pending accumulates buffered deltas for one tier.
type pending struct {
	deltas    map[string]float64
	citations map[string]int
	count     int
}

func newPending() *pending {
	return &pending{
		deltas:    make(map[string]float64),
		citations: make(map[string]int),
	}
}

// Tracker buffers salience updates for both fact tiers.
type Tracker struct {
	episodicStore *episodic.Store
	semanticStore *semantic.Store
	logger        *zap.Logger
	config        Config

	mu       sync.Mutex
	buffered map[memory.Tier]*pending

	// flushMu serializes flushes so the size trigger and the scheduled
	// flush cannot interleave batch writes.
	flushMu sync.Mutex
}

// NewTracker creates a salience tracker over the two fact tiers.
func NewTracker(episodicStore *episodic.Store, semanticStore *semantic.Store, config Config, logger *zap.Logger) *Tracker {
	if config.UsageDelta <= 0 {
		config.UsageDelta = DefaultUsageDelta
	}
	if config.CitationDelta <= 0 {
		config.CitationDelta = DefaultCitationDelta
	}
	if config.DecayFactor <= 0 || config.DecayFactor >= 1 {
		config.DecayFactor = DefaultDecayFactor
	}
	if config.FlushThreshold <= 0 {
		config.FlushThreshold = DefaultFlushThreshold
	}

	return &Tracker{
		episodicStore: episodicStore,
		semanticStore: semanticStore,
		logger:        logger,
		config:        config,
		buffered: map[memory.Tier]*pending{
			memory.TierEpisodic: newPending(),
			memory.TierSemantic: newPending(),
		},
	}
}

// TrackUsage records that a fact surfaced in recall results.
func (t *Tracker) TrackUsage(ctx context.Context, factID string, tier memory.Tier) {
	t.buffer(ctx, factID, tier, t.config.UsageDelta, 0)
}

// TrackCitation records that a generated response cited a fact.
func (t *Tracker) TrackCitation(ctx context.Context, factID string, tier memory.Tier) {
	t.buffer(ctx, factID, tier, t.config.CitationDelta, 1)
}

func (t *Tracker) buffer(ctx context.Context, factID string, tier memory.Tier, delta float64, citations int) {
	if factID == "" {
		return
	}
	if tier != memory.TierEpisodic && tier != memory.TierSemantic {
		// Working memory has no salience.
		return
	}

	t.mu.Lock()
	p := t.buffered[tier]
	p.deltas[factID] += delta
	if citations > 0 {
		p.citations[factID] += citations
	}
	p.count++
	total := t.buffered[memory.TierEpisodic].count + t.buffered[memory.TierSemantic].count
	t.mu.Unlock()

	if total >= t.config.FlushThreshold {
		if err := t.Flush(ctx); err != nil {
			t.logger.Warn("salience auto-flush failed",
				zap.Error(err),
			)
		}
	}
}

// Flush writes every buffered update to its tier store in one batch per
// tier. A failed batch is re-buffered so the deltas are not lost.
func (t *Tracker) Flush(ctx context.Context) error {
	t.flushMu.Lock()
	defer t.flushMu.Unlock()

	t.mu.Lock()
	em := t.buffered[memory.TierEpisodic]
	sm := t.buffered[memory.TierSemantic]
	t.buffered[memory.TierEpisodic] = newPending()
	t.buffered[memory.TierSemantic] = newPending()
	t.mu.Unlock()

	var firstErr error

	if len(em.deltas) > 0 {
		if err := t.episodicStore.AdjustSalience(ctx, em.deltas, em.citations); err != nil {
			t.rebuffer(memory.TierEpisodic, em)
			firstErr = err
		}
	}
	if len(sm.deltas) > 0 {
		if err := t.semanticStore.AdjustSalience(ctx, sm.deltas, sm.citations); err != nil {
			t.rebuffer(memory.TierSemantic, sm)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if firstErr == nil && (len(em.deltas) > 0 || len(sm.deltas) > 0) {
		t.logger.Debug("flushed salience updates",
			zap.Int("episodic", len(em.deltas)),
			zap.Int("semantic", len(sm.deltas)),
		)
	}
	return firstErr
}

// Pending returns the number of buffered updates.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buffered[memory.TierEpisodic].count + t.buffered[memory.TierSemantic].count
}

// DecayAll multiplies every fact's salience in both tiers by the decay
// factor. Buffered updates are flushed first so decay applies to settled
// scores.
func (t *Tracker) DecayAll(ctx context.Context) error {
	if err := t.Flush(ctx); err != nil {
		return err
	}

	start := time.Now()
	emCount, err := t.episodicStore.DecayAll(ctx, t.config.DecayFactor)
	if err != nil {
		return err
	}

	smFacts, err := t.semanticStore.All(ctx)
	if err != nil {
		return err
	}
	smDeltas := make(map[string]float64, len(smFacts))
	for _, fact := range smFacts {
		smDeltas[fact.ID] = fact.Salience*t.config.DecayFactor - fact.Salience
	}
	if err := t.semanticStore.AdjustSalience(ctx, smDeltas, nil); err != nil {
		return err
	}

	t.logger.Debug("decayed salience",
		zap.Int("episodic", emCount),
		zap.Int("semantic", len(smFacts)),
		zap.Duration("took", time.Since(start)),
	)
	return nil
}

// rebuffer merges a failed batch back into the live buffer.
func (t *Tracker) rebuffer(tier memory.Tier, failed *pending) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := t.buffered[tier]
	for id, delta := range failed.deltas {
		p.deltas[id] += delta
	}
	for id, n := range failed.citations {
		p.citations[id] += n
	}
	p.count += failed.count
}
