package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/corridorhq/mnemo/pkg/dotdir"
)

const (
	configFile = "config.toml"

	// v0 is the alpha version of the config
	v0 = 0

	// CurrentV is the currently supported version, points to v0
	CurrentV = v0
)

type Configer struct {
	ddm        *dotdir.Manager
	targetPath string
}

func NewConfiger(override string) (*Configer, error) {
	cfger := &Configer{}

	cfger.ddm = dotdir.NewManager()
	target, err := cfger.ddm.Target(override)
	if err != nil {
		return nil, err
	}

	// If no .mnemo/ directory was resolved, targetPath stays empty;
	// LoadConfig will return defaults and SaveConfig will error clearly.
	if target == "" {
		return cfger, nil
	}

	path := filepath.Join(target, configFile)
	_, err = os.Stat(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	// Always set targetPath when the directory exists so SaveConfig
	// can create or overwrite the file.
	cfger.targetPath = path

	return cfger, nil
}

// ValidConfigKeys returns the sorted list of all supported configuration key names.
func ValidConfigKeys() []string {
	keys := make([]string, 0, len(configKeys))
	for k := range configKeys {
		keys = append(keys, k)
	}

	// Return in a stable, logical order matching the TOML section layout.
	ordered := []string{
		"session.max_sessions",
		"session.max_turns",
		"session.idle_ttl_minutes",
		"distill.window_turns",
		"distill.every_turns",
		"distill.dedup_threshold",
		"distill.fact_ttl_hours",
		"recall.tier_timeout_ms",
		"recall.rerank",
		"salience.usage_delta",
		"salience.citation_delta",
		"salience.decay_factor",
		"promotion.min_salience",
		"promotion.min_citations",
		"promotion.min_age_hours",
		"vector_store.provider",
		"vector_store.target",
		"embedding.provider",
		"embedding.target",
		"embedding.model",
		"embedding.dimensions",
		"llm.provider",
		"llm.target",
		"llm.model",
		"eventstream.provider",
		"eventstream.brokers",
		"eventstream.topic",
		"api.listen",
	}

	// Sanity: only return keys that actually exist in the map.
	result := make([]string, 0, len(ordered))
	for _, k := range ordered {
		if _, ok := configKeys[k]; ok {
			result = append(result, k)
		}
	}

	// Append any keys in the map that we missed in the ordered list.
	seen := make(map[string]bool, len(result))
	for _, k := range result {
		seen[k] = true
	}
	for _, k := range keys {
		if !seen[k] {
			result = append(result, k)
		}
	}

	return result
}

// IsValidConfigKey returns true if the given key is a supported configuration key.
func IsValidConfigKey(key string) bool {
	_, ok := configKeys[key]
	return ok
}

func (c *Configer) GetTarget() string {
	return c.targetPath
}

// LoadConfig loads the configuration from config.toml in the target .mnemo/ directory.
// If the file does not exist, returns DefaultConfig() so callers always receive
// a fully-populated Config with sane defaults. Fields explicitly set in the file
// override the defaults.
func (c *Configer) LoadConfig() (*Config, error) {
	if c.targetPath == "" {
		return NewDefaultConfig(), nil
	}

	data, err := os.ReadFile(c.targetPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewDefaultConfig(), nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg, err := ParseConfigTOML(data)
	if err != nil {
		return nil, err
	}

	// Merge in defaults: fill in any zero-value fields from the loaded config
	applyDefaults(cfg)

	return cfg, nil
}

// applyDefaults fills zero-value fields in cfg with values from DefaultConfig().
func applyDefaults(cfg *Config) {
	defaults := NewDefaultConfig()

	if cfg.Version == 0 {
		cfg.Version = defaults.Version
	}

	if cfg.Session.MaxSessions == 0 {
		cfg.Session.MaxSessions = defaults.Session.MaxSessions
	}
	if cfg.Session.MaxTurns == 0 {
		cfg.Session.MaxTurns = defaults.Session.MaxTurns
	}
	if cfg.Session.IdleTTLMinutes == 0 {
		cfg.Session.IdleTTLMinutes = defaults.Session.IdleTTLMinutes
	}

	if cfg.Distill.WindowTurns == 0 {
		cfg.Distill.WindowTurns = defaults.Distill.WindowTurns
	}
	if cfg.Distill.EveryTurns == 0 {
		cfg.Distill.EveryTurns = defaults.Distill.EveryTurns
	}
	if cfg.Distill.DedupThreshold == 0 {
		cfg.Distill.DedupThreshold = defaults.Distill.DedupThreshold
	}
	if cfg.Distill.InitialSalience == 0 {
		cfg.Distill.InitialSalience = defaults.Distill.InitialSalience
	}
	if cfg.Distill.ReinforceDelta == 0 {
		cfg.Distill.ReinforceDelta = defaults.Distill.ReinforceDelta
	}
	if cfg.Distill.FactTTLHours == 0 {
		cfg.Distill.FactTTLHours = defaults.Distill.FactTTLHours
	}

	if cfg.Recall.TierTimeoutMS == 0 {
		cfg.Recall.TierTimeoutMS = defaults.Recall.TierTimeoutMS
	}

	if cfg.Salience.UsageDelta == 0 {
		cfg.Salience.UsageDelta = defaults.Salience.UsageDelta
	}
	if cfg.Salience.CitationDelta == 0 {
		cfg.Salience.CitationDelta = defaults.Salience.CitationDelta
	}
	if cfg.Salience.DecayFactor == 0 {
		cfg.Salience.DecayFactor = defaults.Salience.DecayFactor
	}
	if cfg.Salience.FlushThreshold == 0 {
		cfg.Salience.FlushThreshold = defaults.Salience.FlushThreshold
	}

	if cfg.Promotion.MinSalience == 0 {
		cfg.Promotion.MinSalience = defaults.Promotion.MinSalience
	}
	if cfg.Promotion.MinCitations == 0 {
		cfg.Promotion.MinCitations = defaults.Promotion.MinCitations
	}
	if cfg.Promotion.MinAgeHours == 0 {
		cfg.Promotion.MinAgeHours = defaults.Promotion.MinAgeHours
	}

	if cfg.Scheduler.SweepIntervalMinutes == 0 {
		cfg.Scheduler.SweepIntervalMinutes = defaults.Scheduler.SweepIntervalMinutes
	}
	if cfg.Scheduler.FlushIntervalSeconds == 0 {
		cfg.Scheduler.FlushIntervalSeconds = defaults.Scheduler.FlushIntervalSeconds
	}
	if cfg.Scheduler.DecayIntervalHours == 0 {
		cfg.Scheduler.DecayIntervalHours = defaults.Scheduler.DecayIntervalHours
	}
	if cfg.Scheduler.DistillIntervalSeconds == 0 {
		cfg.Scheduler.DistillIntervalSeconds = defaults.Scheduler.DistillIntervalSeconds
	}
	if cfg.Scheduler.PromotionIntervalMins == 0 {
		cfg.Scheduler.PromotionIntervalMins = defaults.Scheduler.PromotionIntervalMins
	}

	if cfg.VectorStore.Provider == "" {
		cfg.VectorStore.Provider = defaults.VectorStore.Provider
	}

	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = defaults.Embedding.Provider
	}
	if cfg.Embedding.Target == "" {
		cfg.Embedding.Target = defaults.Embedding.Target
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = defaults.Embedding.Model
	}
	if cfg.Embedding.Dimensions == 0 {
		cfg.Embedding.Dimensions = defaults.Embedding.Dimensions
	}

	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = defaults.LLM.Provider
	}
	if cfg.LLM.Target == "" {
		cfg.LLM.Target = defaults.LLM.Target
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = defaults.LLM.Model
	}

	if cfg.EventStream.Provider == "" {
		cfg.EventStream.Provider = defaults.EventStream.Provider
	}
	if cfg.EventStream.Topic == "" {
		cfg.EventStream.Topic = defaults.EventStream.Topic
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}
}

// SaveConfig persists the configuration to config.toml in the target .mnemo/ directory.
func (c *Configer) SaveConfig(cfg *Config) error {
	if cfg == nil {
		return errors.New("cannot save nil config")
	}

	if c.targetPath == "" {
		return errors.New("cannot save empty target path")
	}

	var buf bytes.Buffer
	encoder := toml.NewEncoder(&buf)
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	if err := os.WriteFile(c.targetPath, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	return nil
}

// SetConfigValue loads the config, sets the given key to the given value, and saves it.
// Returns an error if the key is not a valid config key.
func (c *Configer) SetConfigValue(key string, value string) error {
	info, ok := configKeys[key]
	if !ok {
		return fmt.Errorf("unknown config key: %q", key)
	}

	cfg, err := c.LoadConfig()
	if err != nil {
		return err
	}

	if err := info.set(cfg, value); err != nil {
		return err
	}

	return c.SaveConfig(cfg)
}

// GetConfigValue loads the config and returns the string representation of the given key.
// Returns an error if the key is not a valid config key.
func (c *Configer) GetConfigValue(key string) (string, error) {
	info, ok := configKeys[key]
	if !ok {
		return "", fmt.Errorf("unknown config key: %q", key)
	}

	cfg, err := c.LoadConfig()
	if err != nil {
		return "", err
	}

	return info.get(cfg), nil
}

// PresetConfig returns a Config with sane defaults for the named deployment
// preset. "local" runs everything against local sqlite + ollama; "server"
// targets a qdrant cluster and publishes lifecycle events to kafka.
// Returns an error if the preset name is not recognized.
func PresetConfig(name string) (*Config, error) {
	switch strings.ToLower(name) {
	case "local":
		cfg := NewDefaultConfig()
		cfg.VectorStore = VectorStoreConfig{
			Provider: "sqlite",
			Target:   "mnemo.db",
		}
		return cfg, nil

	case "server":
		cfg := NewDefaultConfig()
		cfg.VectorStore = VectorStoreConfig{
			Provider: "qdrant",
			Target:   "localhost:6334",
		}
		cfg.EventStream = EventStreamConfig{
			Provider: "kafka",
			Brokers:  []string{"localhost:9092"},
			Topic:    defaultEventStreamTopic,
		}
		return cfg, nil

	default:
		return nil, fmt.Errorf("unknown preset: %q (available: local, server)", name)
	}
}

// ValidPresetNames returns the list of recognized preset names.
func ValidPresetNames() []string {
	return []string{"local", "server"}
}

// ParseConfigTOML parses raw TOML bytes into a Config.
// Returns an error if the version field is present and not equal to CurrentV.
func ParseConfigTOML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config TOML: %w", err)
	}

	if cfg.Version != 0 && cfg.Version != CurrentV {
		return nil, fmt.Errorf("unsupported config version %d (expected %d)", cfg.Version, CurrentV)
	}

	return cfg, nil
}
