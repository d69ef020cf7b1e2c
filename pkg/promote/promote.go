// Package promote moves episodic facts that have proven durable into the
// semantic tier and sweeps out facts whose TTL elapsed.
//
// Promotion is copy-then-delete: the semantic insert happens first, and
// only a successful insert triggers the episodic delete. An insert failure
// leaves the fact episodic for the next cycle. A delete failure leaves the
// fact briefly in both tiers, which recall's text dedup tolerates until the
// next cycle retries the delete.
package promote

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/corridorhq/mnemo/pkg/eventstream"
	"github.com/corridorhq/mnemo/pkg/memory"
	"github.com/corridorhq/mnemo/pkg/memory/episodic"
	"github.com/corridorhq/mnemo/pkg/memory/semantic"
)

// ErrCycleInFlight is returned when a promotion cycle is already running.
var ErrCycleInFlight = errors.New("promotion cycle already in flight")

// Config holds the qualification thresholds for promotion.
type Config struct {
	// MinSalience is the salience floor; 0 means DefaultMinSalience.
	MinSalience float64

	// MinCitations is the citation floor; 0 means DefaultMinCitations.
	MinCitations int

	// MinAge is how long a fact must have survived in the episodic tier;
	// 0 means DefaultMinAge.
	MinAge time.Duration
}

// Defaults applied for zero-value config fields.
const (
	DefaultMinSalience  = 0.8
	DefaultMinCitations = 5
	DefaultMinAge       = 7 * 24 * time.Hour
)

// Result summarizes one promotion cycle.
type Result struct {
	Scanned  int `json:"scanned"`
	Promoted int `json:"promoted"`
	Expired  int `json:"expired"`
}

// Engine runs promotion cycles over the two fact tiers.
type Engine struct {
	episodicStore *episodic.Store
	semanticStore *semantic.Store
	publisher     eventstream.Publisher
	logger        *zap.Logger
	config        Config

	// inFlight enforces single-flight cycles across the scheduler and the
	// manual trigger.
	inFlight sync.Mutex

	// now is swappable for tests.
	now func() time.Time
}

// NewEngine creates a promotion engine.
func NewEngine(
	episodicStore *episodic.Store,
	semanticStore *semantic.Store,
	publisher eventstream.Publisher,
	config Config,
	logger *zap.Logger,
) *Engine {
	if config.MinSalience <= 0 {
		config.MinSalience = DefaultMinSalience
	}
	if config.MinCitations <= 0 {
		config.MinCitations = DefaultMinCitations
	}
	if config.MinAge <= 0 {
		config.MinAge = DefaultMinAge
	}

	return &Engine{
		episodicStore: episodicStore,
		semanticStore: semanticStore,
		publisher:     publisher,
		logger:        logger,
		config:        config,
		now:           time.Now,
	}
}

// RunCycle scans the episodic tier once, promoting qualified facts and
// deleting expired ones. Returns ErrCycleInFlight if a cycle is already
// running.
func (e *Engine) RunCycle(ctx context.Context) (Result, error) {
	if !e.inFlight.TryLock() {
		return Result{}, ErrCycleInFlight
	}
	defer e.inFlight.Unlock()

	start := e.now()
	facts, err := e.episodicStore.All(ctx)
	if err != nil {
		return Result{}, err
	}

	result := Result{Scanned: len(facts)}
	now := e.now().UTC()

	for _, fact := range facts {
		switch {
		case e.qualifies(fact, now):
			if e.promote(ctx, fact) {
				result.Promoted++
			}
		case fact.Expired(now):
			if err := e.episodicStore.Delete(ctx, fact.ID); err != nil {
				e.logger.Warn("failed to delete expired fact",
					zap.String("fact_id", fact.ID),
					zap.Error(err),
				)
				continue
			}
			result.Expired++
			e.emit(ctx, eventstream.EventTypeFactExpired, fact)
		}
	}

	e.logger.Info("promotion cycle complete",
		zap.Int("scanned", result.Scanned),
		zap.Int("promoted", result.Promoted),
		zap.Int("expired", result.Expired),
		zap.Duration("took", time.Since(start)),
	)
	return result, nil
}

func (e *Engine) qualifies(fact memory.EpisodicFact, now time.Time) bool {
	return fact.Salience >= e.config.MinSalience &&
		fact.Citations >= e.config.MinCitations &&
		!fact.CreatedAt.IsZero() &&
		now.Sub(fact.CreatedAt) >= e.config.MinAge
}

// promote copies the fact into the semantic tier, then deletes the episodic
// copy. Reports whether the semantic copy now exists.
func (e *Engine) promote(ctx context.Context, fact memory.EpisodicFact) bool {
	if err := e.semanticStore.Insert(ctx, fact.Promote()); err != nil {
		e.logger.Warn("semantic insert failed, fact stays episodic",
			zap.String("fact_id", fact.ID),
			zap.Error(err),
		)
		return false
	}

	if err := e.episodicStore.Delete(ctx, fact.ID); err != nil {
		// The fact now exists in both tiers. Recall dedup masks it and
		// the next cycle retries the delete.
		e.logger.Warn("episodic delete failed after promotion, fact duplicated across tiers",
			zap.String("fact_id", fact.ID),
			zap.Error(err),
		)
	}

	e.emit(ctx, eventstream.EventTypeFactPromoted, fact)
	return true
}

func (e *Engine) emit(ctx context.Context, eventType string, fact memory.EpisodicFact) {
	event := eventstream.NewMemoryEvent(eventType)
	event.FactID = fact.ID
	event.SessionID = fact.SessionID
	event.Tier = memory.TierEpisodic
	if eventType == eventstream.EventTypeFactPromoted {
		event.Tier = memory.TierSemantic
	}

	if err := e.publisher.Publish(ctx, event); err != nil {
		e.logger.Warn("failed to publish lifecycle event",
			zap.String("event_type", eventType),
			zap.String("fact_id", fact.ID),
			zap.Error(err),
		)
	}
}
