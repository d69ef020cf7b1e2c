package config

import (
	"fmt"
	"strconv"
	"strings"
)

// Config represents the persistent mnemo configuration stored as config.toml
// in the .mnemo/ directory. The TOML layout uses sections for logical grouping.
type Config struct {
	Version     int               `toml:"version"`
	Session     SessionConfig     `toml:"session"`
	Distill     DistillConfig     `toml:"distill"`
	Recall      RecallConfig      `toml:"recall"`
	Salience    SalienceConfig    `toml:"salience"`
	Promotion   PromotionConfig   `toml:"promotion"`
	Scheduler   SchedulerConfig   `toml:"scheduler"`
	VectorStore VectorStoreConfig `toml:"vector_store"`
	Embedding   EmbeddingConfig   `toml:"embedding"`
	LLM         LLMConfig         `toml:"llm"`
	EventStream EventStreamConfig `toml:"eventstream"`
	API         APIConfig         `toml:"api"`
}

// SessionConfig bounds the working-memory tier.
type SessionConfig struct {
	MaxSessions    int `toml:"max_sessions,omitempty"`
	MaxTurns       int `toml:"max_turns,omitempty"`
	IdleTTLMinutes int `toml:"idle_ttl_minutes,omitempty"`
}

// DistillConfig tunes the conversation distiller.
type DistillConfig struct {
	WindowTurns     int     `toml:"window_turns,omitempty"`
	EveryTurns      int     `toml:"every_turns,omitempty"`
	DedupThreshold  float64 `toml:"dedup_threshold,omitempty"`
	InitialSalience float64 `toml:"initial_salience,omitempty"`
	ReinforceDelta  float64 `toml:"reinforce_delta,omitempty"`
	FactTTLHours    int     `toml:"fact_ttl_hours,omitempty"`
}

// RecallConfig tunes the recall orchestrator.
type RecallConfig struct {
	TierTimeoutMS int  `toml:"tier_timeout_ms,omitempty"`
	Rerank        bool `toml:"rerank,omitempty"`
}

// SalienceConfig tunes the salience tracker.
type SalienceConfig struct {
	UsageDelta     float64 `toml:"usage_delta,omitempty"`
	CitationDelta  float64 `toml:"citation_delta,omitempty"`
	DecayFactor    float64 `toml:"decay_factor,omitempty"`
	FlushThreshold int     `toml:"flush_threshold,omitempty"`
}

// PromotionConfig holds the promotion qualification thresholds.
type PromotionConfig struct {
	MinSalience  float64 `toml:"min_salience,omitempty"`
	MinCitations int     `toml:"min_citations,omitempty"`
	MinAgeHours  int     `toml:"min_age_hours,omitempty"`
}

// SchedulerConfig holds the maintenance task cadences.
type SchedulerConfig struct {
	SweepIntervalMinutes   int `toml:"sweep_interval_minutes,omitempty"`
	FlushIntervalSeconds   int `toml:"flush_interval_seconds,omitempty"`
	DecayIntervalHours     int `toml:"decay_interval_hours,omitempty"`
	DistillIntervalSeconds int `toml:"distill_interval_seconds,omitempty"`
	PromotionIntervalMins  int `toml:"promotion_interval_minutes,omitempty"`
}

// VectorStoreConfig holds vector store settings.
type VectorStoreConfig struct {
	Provider string `toml:"provider,omitempty"`
	Target   string `toml:"target,omitempty"`
}

// EmbeddingConfig holds embedding provider settings.
type EmbeddingConfig struct {
	Provider   string `toml:"provider,omitempty"`
	Target     string `toml:"target,omitempty"`
	Model      string `toml:"model,omitempty"`
	Dimensions uint   `toml:"dimensions,omitempty"`
}

// LLMConfig holds completion model settings for distillation, intent
// fallback, and reranking.
type LLMConfig struct {
	Provider string `toml:"provider,omitempty"`
	Target   string `toml:"target,omitempty"`
	Model    string `toml:"model,omitempty"`
}

// EventStreamConfig holds lifecycle event publishing settings.
type EventStreamConfig struct {
	Provider string   `toml:"provider,omitempty"`
	Brokers  []string `toml:"brokers,omitempty"`
	Topic    string   `toml:"topic,omitempty"`
}

// APIConfig holds API server settings.
type APIConfig struct {
	Listen string `toml:"listen,omitempty"`
}

// configKeyInfo maps a user-facing dotted key name to a getter and setter on *Config.
type configKeyInfo struct {
	get func(c *Config) string
	set func(c *Config, v string) error
}

func intKey(get func(*Config) *int, name string) configKeyInfo {
	return configKeyInfo{
		get: func(c *Config) string {
			if *get(c) == 0 {
				return ""
			}
			return strconv.Itoa(*get(c))
		},
		set: func(c *Config, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid value for %s: %w", name, err)
			}
			*get(c) = n
			return nil
		},
	}
}

func floatKey(get func(*Config) *float64, name string) configKeyInfo {
	return configKeyInfo{
		get: func(c *Config) string {
			if *get(c) == 0 {
				return ""
			}
			return strconv.FormatFloat(*get(c), 'f', -1, 64)
		},
		set: func(c *Config, v string) error {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("invalid value for %s: %w", name, err)
			}
			*get(c) = f
			return nil
		},
	}
}

// configKeys is the authoritative map of all supported config keys.
// Keys use dotted notation matching the TOML section structure.
var configKeys = map[string]configKeyInfo{
	"session.max_sessions":     intKey(func(c *Config) *int { return &c.Session.MaxSessions }, "session.max_sessions"),
	"session.max_turns":        intKey(func(c *Config) *int { return &c.Session.MaxTurns }, "session.max_turns"),
	"session.idle_ttl_minutes": intKey(func(c *Config) *int { return &c.Session.IdleTTLMinutes }, "session.idle_ttl_minutes"),

	"distill.window_turns":    intKey(func(c *Config) *int { return &c.Distill.WindowTurns }, "distill.window_turns"),
	"distill.every_turns":     intKey(func(c *Config) *int { return &c.Distill.EveryTurns }, "distill.every_turns"),
	"distill.dedup_threshold": floatKey(func(c *Config) *float64 { return &c.Distill.DedupThreshold }, "distill.dedup_threshold"),
	"distill.fact_ttl_hours":  intKey(func(c *Config) *int { return &c.Distill.FactTTLHours }, "distill.fact_ttl_hours"),

	"recall.tier_timeout_ms": intKey(func(c *Config) *int { return &c.Recall.TierTimeoutMS }, "recall.tier_timeout_ms"),
	"recall.rerank": {
		get: func(c *Config) string { return strconv.FormatBool(c.Recall.Rerank) },
		set: func(c *Config, v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid value for recall.rerank: %w", err)
			}
			c.Recall.Rerank = b
			return nil
		},
	},

	"salience.usage_delta":    floatKey(func(c *Config) *float64 { return &c.Salience.UsageDelta }, "salience.usage_delta"),
	"salience.citation_delta": floatKey(func(c *Config) *float64 { return &c.Salience.CitationDelta }, "salience.citation_delta"),
	"salience.decay_factor":   floatKey(func(c *Config) *float64 { return &c.Salience.DecayFactor }, "salience.decay_factor"),

	"promotion.min_salience":  floatKey(func(c *Config) *float64 { return &c.Promotion.MinSalience }, "promotion.min_salience"),
	"promotion.min_citations": intKey(func(c *Config) *int { return &c.Promotion.MinCitations }, "promotion.min_citations"),
	"promotion.min_age_hours": intKey(func(c *Config) *int { return &c.Promotion.MinAgeHours }, "promotion.min_age_hours"),

	"vector_store.provider": {
		get: func(c *Config) string { return c.VectorStore.Provider },
		set: func(c *Config, v string) error { c.VectorStore.Provider = v; return nil },
	},
	"vector_store.target": {
		get: func(c *Config) string { return c.VectorStore.Target },
		set: func(c *Config, v string) error { c.VectorStore.Target = v; return nil },
	},

	"embedding.provider": {
		get: func(c *Config) string { return c.Embedding.Provider },
		set: func(c *Config, v string) error { c.Embedding.Provider = v; return nil },
	},
	"embedding.target": {
		get: func(c *Config) string { return c.Embedding.Target },
		set: func(c *Config, v string) error { c.Embedding.Target = v; return nil },
	},
	"embedding.model": {
		get: func(c *Config) string { return c.Embedding.Model },
		set: func(c *Config, v string) error { c.Embedding.Model = v; return nil },
	},
	"embedding.dimensions": {
		get: func(c *Config) string {
			if c.Embedding.Dimensions == 0 {
				return ""
			}
			return strconv.FormatUint(uint64(c.Embedding.Dimensions), 10)
		},
		set: func(c *Config, v string) error {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid value for embedding.dimensions: %w", err)
			}
			c.Embedding.Dimensions = uint(n)
			return nil
		},
	},

	"llm.provider": {
		get: func(c *Config) string { return c.LLM.Provider },
		set: func(c *Config, v string) error { c.LLM.Provider = v; return nil },
	},
	"llm.target": {
		get: func(c *Config) string { return c.LLM.Target },
		set: func(c *Config, v string) error { c.LLM.Target = v; return nil },
	},
	"llm.model": {
		get: func(c *Config) string { return c.LLM.Model },
		set: func(c *Config, v string) error { c.LLM.Model = v; return nil },
	},

	"eventstream.provider": {
		get: func(c *Config) string { return c.EventStream.Provider },
		set: func(c *Config, v string) error { c.EventStream.Provider = v; return nil },
	},
	"eventstream.brokers": {
		get: func(c *Config) string { return strings.Join(c.EventStream.Brokers, ",") },
		set: func(c *Config, v string) error {
			c.EventStream.Brokers = nil
			for _, b := range strings.Split(v, ",") {
				if b = strings.TrimSpace(b); b != "" {
					c.EventStream.Brokers = append(c.EventStream.Brokers, b)
				}
			}
			return nil
		},
	},
	"eventstream.topic": {
		get: func(c *Config) string { return c.EventStream.Topic },
		set: func(c *Config, v string) error { c.EventStream.Topic = v; return nil },
	},

	"api.listen": {
		get: func(c *Config) string { return c.API.Listen },
		set: func(c *Config, v string) error { c.API.Listen = v; return nil },
	},
}
