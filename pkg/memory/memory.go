// Package memory defines the shared data contracts for the mnemo memory
// engine.
//
// The engine manages three tiers. Working memory is the session-scoped turn
// buffer owned by pkg/session. Episodic memory holds session-tagged,
// salience-scored facts distilled from conversation, each bound to a TTL.
// Semantic memory holds durable facts promoted out of the episodic tier,
// with no session affinity and no expiry.
//
// A fact lives in at most one of the episodic and semantic tiers at a time:
// promotion moves a fact, it never copies-with-retention. Salience is always
// clamped to [0,1]. Episodic facts for one session are deduplicated at write
// time by embedding similarity, so no two of them sit above the configured
// dedup threshold.
package memory

import "time"

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is a single conversation turn. Turns are immutable once appended to a
// session; the session store removes them only by FIFO trimming.
type Turn struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Entity is a typed entity extracted from a query or a distilled statement.
// CanonicalID is the normalized identity used for deduplication (e.g., an
// uppercased ISO country code or a zero-padded HS code).
type Entity struct {
	Text        string `json:"text"`
	Type        string `json:"type"`
	CanonicalID string `json:"canonical_id"`
}

// EpisodicFact is a distilled, session-scoped fact. Created by the
// distiller, reinforced or decayed by the salience tracker, and either
// promoted into the semantic tier or expired by the promotion engine.
type EpisodicFact struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Embedding []float32 `json:"-"`
	SessionID string    `json:"session_id"`
	Entities  []Entity  `json:"entities,omitempty"`
	Salience  float64   `json:"salience"`
	Citations int       `json:"citations"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SemanticFact is a durable fact with no session affinity and no TTL.
// Created only by promotion; conceptually append-only.
type SemanticFact struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Embedding []float32 `json:"-"`
	Entities  []Entity  `json:"entities,omitempty"`
	Salience  float64   `json:"salience"`
	Citations int       `json:"citations"`
	Verified  bool      `json:"verified"`
	CreatedAt time.Time `json:"created_at"`
}

// Promote strips session-scoped metadata from an episodic fact and returns
// the semantic fact that replaces it.
func (f EpisodicFact) Promote() SemanticFact {
	return SemanticFact{
		ID:        f.ID,
		Text:      f.Text,
		Embedding: f.Embedding,
		Entities:  f.Entities,
		Salience:  Clamp01(f.Salience),
		Citations: f.Citations,
		CreatedAt: f.CreatedAt,
	}
}

// Expired reports whether the fact's TTL has elapsed at the given instant.
func (f EpisodicFact) Expired(now time.Time) bool {
	return !f.ExpiresAt.IsZero() && now.After(f.ExpiresAt)
}

// Tier identifies which memory tier a recalled item came from.
type Tier string

const (
	TierWorking  Tier = "working"
	TierEpisodic Tier = "episodic"
	TierSemantic Tier = "semantic"
)

// RecalledMemory is a single ranked recall result with tier provenance.
type RecalledMemory struct {
	ID       string   `json:"id"`
	Text     string   `json:"text"`
	Tier     Tier     `json:"tier"`
	Salience float64  `json:"salience"`
	Score    float32  `json:"score"`
	Entities []Entity `json:"entities,omitempty"`
}

// Citation links a generated response to the memory ids it drew upon.
// Citations drive salience updates and are not persisted.
type Citation struct {
	FactID string `json:"fact_id"`
	Tier   Tier   `json:"tier"`
}

// Clamp01 bounds a salience score to [0,1].
func Clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// DedupEntities collapses entities sharing a canonical id, keeping the first
// occurrence. Entities without a canonical id are kept as-is.
func DedupEntities(entities []Entity) []Entity {
	if len(entities) < 2 {
		return entities
	}

	seen := make(map[string]bool, len(entities))
	out := make([]Entity, 0, len(entities))
	for _, e := range entities {
		if e.CanonicalID != "" {
			if seen[e.CanonicalID] {
				continue
			}
			seen[e.CanonicalID] = true
		}
		out = append(out, e)
	}
	return out
}
