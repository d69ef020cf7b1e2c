package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/corridorhq/mnemo/pkg/dotdir"
)

// InitViper creates and returns a configured *viper.Viper.
// It sets defaults from NewDefaultConfig(), reads the config.toml file
// (if found via dotdir resolution), and binds environment variables
// with the MNEMO_ prefix.
//
// Config precedence (highest to lowest):
//  1. CLI flags (once bound via BindRegisteredFlags)
//  2. Environment variables (MNEMO_API_LISTEN, MNEMO_VECTOR_STORE_PROVIDER, etc.)
//  3. config.toml file values
//  4. Defaults from NewDefaultConfig()
func InitViper(configDir string) (*viper.Viper, error) {
	v := viper.New()

	// 1. Register all defaults from NewDefaultConfig().
	setViperDefaults(v)

	// 2. Config file discovery via dotdir resolution.
	v.SetConfigName("config")
	v.SetConfigType("toml")

	ddm := dotdir.NewManager()
	target, err := ddm.Target(configDir)
	if err != nil {
		return nil, fmt.Errorf("resolving config dir: %w", err)
	}

	if target != "" {
		v.AddConfigPath(target)
	}

	if err := v.ReadInConfig(); err != nil {
		// Config file not found errors are fine, defaults will apply.
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	// 3. Environment variables: MNEMO_API_LISTEN, MNEMO_LLM_MODEL, etc.
	v.SetEnvPrefix("MNEMO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v, nil
}

// setViperDefaults registers defaults from NewDefaultConfig() into viper
// using dotted-key notation. This keeps defaults.go as the single source of truth.
func setViperDefaults(v *viper.Viper) {
	d := NewDefaultConfig()

	v.SetDefault("version", d.Version)

	// Session
	v.SetDefault("session.max_sessions", d.Session.MaxSessions)
	v.SetDefault("session.max_turns", d.Session.MaxTurns)
	v.SetDefault("session.idle_ttl_minutes", d.Session.IdleTTLMinutes)

	// Distill
	v.SetDefault("distill.window_turns", d.Distill.WindowTurns)
	v.SetDefault("distill.every_turns", d.Distill.EveryTurns)
	v.SetDefault("distill.dedup_threshold", d.Distill.DedupThreshold)
	v.SetDefault("distill.initial_salience", d.Distill.InitialSalience)
	v.SetDefault("distill.reinforce_delta", d.Distill.ReinforceDelta)
	v.SetDefault("distill.fact_ttl_hours", d.Distill.FactTTLHours)

	// Recall
	v.SetDefault("recall.tier_timeout_ms", d.Recall.TierTimeoutMS)
	v.SetDefault("recall.rerank", d.Recall.Rerank)

	// Salience
	v.SetDefault("salience.usage_delta", d.Salience.UsageDelta)
	v.SetDefault("salience.citation_delta", d.Salience.CitationDelta)
	v.SetDefault("salience.decay_factor", d.Salience.DecayFactor)
	v.SetDefault("salience.flush_threshold", d.Salience.FlushThreshold)

	// Promotion
	v.SetDefault("promotion.min_salience", d.Promotion.MinSalience)
	v.SetDefault("promotion.min_citations", d.Promotion.MinCitations)
	v.SetDefault("promotion.min_age_hours", d.Promotion.MinAgeHours)

	// Scheduler
	v.SetDefault("scheduler.sweep_interval_minutes", d.Scheduler.SweepIntervalMinutes)
	v.SetDefault("scheduler.flush_interval_seconds", d.Scheduler.FlushIntervalSeconds)
	v.SetDefault("scheduler.decay_interval_hours", d.Scheduler.DecayIntervalHours)
	v.SetDefault("scheduler.distill_interval_seconds", d.Scheduler.DistillIntervalSeconds)
	v.SetDefault("scheduler.promotion_interval_minutes", d.Scheduler.PromotionIntervalMins)

	// Vector store
	v.SetDefault("vector_store.provider", d.VectorStore.Provider)
	v.SetDefault("vector_store.target", d.VectorStore.Target)

	// Embedding
	v.SetDefault("embedding.provider", d.Embedding.Provider)
	v.SetDefault("embedding.target", d.Embedding.Target)
	v.SetDefault("embedding.model", d.Embedding.Model)
	v.SetDefault("embedding.dimensions", d.Embedding.Dimensions)

	// LLM
	v.SetDefault("llm.provider", d.LLM.Provider)
	v.SetDefault("llm.target", d.LLM.Target)
	v.SetDefault("llm.model", d.LLM.Model)

	// Event stream
	v.SetDefault("eventstream.provider", d.EventStream.Provider)
	v.SetDefault("eventstream.brokers", d.EventStream.Brokers)
	v.SetDefault("eventstream.topic", d.EventStream.Topic)

	// API
	v.SetDefault("api.listen", d.API.Listen)
}
