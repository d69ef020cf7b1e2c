package config

const (
	defaultMaxSessions    = 1000
	defaultMaxTurns       = 40
	defaultIdleTTLMinutes = 120

	defaultWindowTurns     = 10
	defaultEveryTurns      = 6
	defaultDedupThreshold  = 0.92
	defaultInitialSalience = 0.5
	defaultReinforceDelta  = 0.1
	defaultFactTTLHours    = 720

	defaultTierTimeoutMS = 2000

	defaultUsageDelta     = 0.05
	defaultCitationDelta  = 0.15
	defaultDecayFactor    = 0.95
	defaultFlushThreshold = 64

	defaultMinSalience  = 0.8
	defaultMinCitations = 5
	defaultMinAgeHours  = 168

	defaultSweepIntervalMinutes   = 5
	defaultFlushIntervalSeconds   = 30
	defaultDecayIntervalHours     = 24
	defaultDistillIntervalSeconds = 60
	defaultPromotionIntervalMins  = 60

	defaultVectorProvider = "sqlite"

	defaultOllamaTarget        = "http://localhost:11434"
	defaultEmbeddingProvider   = "ollama"
	defaultEmbeddingModel      = "embeddinggemma"
	defaultEmbeddingDimensions = 768

	defaultLLMProvider = "ollama"
	defaultLLMModel    = "llama3.1"

	defaultEventStreamProvider = "nop"
	defaultEventStreamTopic    = "mnemo.memory.events"

	defaultAPIListen = ":8080"
)

// NewDefaultConfig returns a Config with sane defaults for all fields.
// This is the single source of truth for default values.
func NewDefaultConfig() *Config {
	return &Config{
		Version: CurrentV,
		Session: SessionConfig{
			MaxSessions:    defaultMaxSessions,
			MaxTurns:       defaultMaxTurns,
			IdleTTLMinutes: defaultIdleTTLMinutes,
		},
		Distill: DistillConfig{
			WindowTurns:     defaultWindowTurns,
			EveryTurns:      defaultEveryTurns,
			DedupThreshold:  defaultDedupThreshold,
			InitialSalience: defaultInitialSalience,
			ReinforceDelta:  defaultReinforceDelta,
			FactTTLHours:    defaultFactTTLHours,
		},
		Recall: RecallConfig{
			TierTimeoutMS: defaultTierTimeoutMS,
		},
		Salience: SalienceConfig{
			UsageDelta:     defaultUsageDelta,
			CitationDelta:  defaultCitationDelta,
			DecayFactor:    defaultDecayFactor,
			FlushThreshold: defaultFlushThreshold,
		},
		Promotion: PromotionConfig{
			MinSalience:  defaultMinSalience,
			MinCitations: defaultMinCitations,
			MinAgeHours:  defaultMinAgeHours,
		},
		Scheduler: SchedulerConfig{
			SweepIntervalMinutes:   defaultSweepIntervalMinutes,
			FlushIntervalSeconds:   defaultFlushIntervalSeconds,
			DecayIntervalHours:     defaultDecayIntervalHours,
			DistillIntervalSeconds: defaultDistillIntervalSeconds,
			PromotionIntervalMins:  defaultPromotionIntervalMins,
		},
		VectorStore: VectorStoreConfig{
			Provider: defaultVectorProvider,
		},
		Embedding: EmbeddingConfig{
			Provider:   defaultEmbeddingProvider,
			Target:     defaultOllamaTarget,
			Model:      defaultEmbeddingModel,
			Dimensions: defaultEmbeddingDimensions,
		},
		LLM: LLMConfig{
			Provider: defaultLLMProvider,
			Target:   defaultOllamaTarget,
			Model:    defaultLLMModel,
		},
		EventStream: EventStreamConfig{
			Provider: defaultEventStreamProvider,
			Topic:    defaultEventStreamTopic,
		},
		API: APIConfig{
			Listen: defaultAPIListen,
		},
	}
}
