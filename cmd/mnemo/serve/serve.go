// Package servecmder provides the serve command for running the memory
// engine API server.
package servecmder

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/corridorhq/mnemo/api"
	"github.com/corridorhq/mnemo/pkg/config"
	"github.com/corridorhq/mnemo/pkg/distill"
	"github.com/corridorhq/mnemo/pkg/dotdir"
	embeddingutils "github.com/corridorhq/mnemo/pkg/embeddings/utils"
	"github.com/corridorhq/mnemo/pkg/engine"
	"github.com/corridorhq/mnemo/pkg/eventstream"
	kafkastream "github.com/corridorhq/mnemo/pkg/eventstream/kafka"
	"github.com/corridorhq/mnemo/pkg/eventstream/nop"
	"github.com/corridorhq/mnemo/pkg/intent"
	"github.com/corridorhq/mnemo/pkg/llm"
	llmollama "github.com/corridorhq/mnemo/pkg/llm/ollama"
	"github.com/corridorhq/mnemo/pkg/logger"
	"github.com/corridorhq/mnemo/pkg/memory"
	"github.com/corridorhq/mnemo/pkg/memory/episodic"
	"github.com/corridorhq/mnemo/pkg/memory/semantic"
	"github.com/corridorhq/mnemo/pkg/promote"
	"github.com/corridorhq/mnemo/pkg/recall"
	"github.com/corridorhq/mnemo/pkg/salience"
	"github.com/corridorhq/mnemo/pkg/scheduler"
	"github.com/corridorhq/mnemo/pkg/session"
	vectorutils "github.com/corridorhq/mnemo/pkg/vector/utils"
)

const serveLongDesc string = `Run the mnemo memory engine API server.

Wires the working, episodic, and semantic memory tiers to a vector store
and embedding provider, starts the background maintenance scheduler, and
serves the recall and turn-handling HTTP API.

Configuration comes from config.toml in the .mnemo/ directory, overridable
with MNEMO_* environment variables and command flags.

Examples:
  mnemo serve
  mnemo serve --listen :9090
  mnemo serve --vector-store-provider qdrant --vector-store-target localhost:6334`

const serveShortDesc string = "Run the mnemo API server"

// serveFlags is the registry of flags this command exposes, keyed by the
// shared flag constants so names and viper keys cannot drift.
var serveFlags = config.FlagSet{
	config.FlagAPIListen:       {Name: "listen", Shorthand: "l", ViperKey: "api.listen", Description: "Address for API server to listen on"},
	config.FlagVectorStoreProv: {Name: "vector-store-provider", ViperKey: "vector_store.provider", Description: "Vector store provider (memory, sqlite, qdrant)"},
	config.FlagVectorStoreTgt:  {Name: "vector-store-target", ViperKey: "vector_store.target", Description: "Vector store target (db path or host:port)"},
	config.FlagEmbeddingProv:   {Name: "embedding-provider", ViperKey: "embedding.provider", Description: "Embedding provider (ollama, mock)"},
	config.FlagEmbeddingTgt:    {Name: "embedding-target", ViperKey: "embedding.target", Description: "Embedding provider URL"},
	config.FlagEmbeddingModel:  {Name: "embedding-model", ViperKey: "embedding.model", Description: "Embedding model name"},
	config.FlagEmbeddingDims:   {Name: "embedding-dimensions", ViperKey: "embedding.dimensions", Description: "Embedding dimensionality"},
	config.FlagLLMProvider:     {Name: "llm-provider", ViperKey: "llm.provider", Description: "Completion provider (ollama)"},
	config.FlagLLMTarget:       {Name: "llm-target", ViperKey: "llm.target", Description: "Completion provider URL"},
	config.FlagLLMModel:        {Name: "llm-model", ViperKey: "llm.model", Description: "Completion model name"},
	config.FlagEventProvider:   {Name: "eventstream-provider", ViperKey: "eventstream.provider", Description: "Event stream provider (nop, kafka)"},
	config.FlagEventTopic:      {Name: "eventstream-topic", ViperKey: "eventstream.topic", Description: "Event stream topic"},
}

var serveFlagKeys = []string{
	config.FlagAPIListen,
	config.FlagVectorStoreProv,
	config.FlagVectorStoreTgt,
	config.FlagEmbeddingProv,
	config.FlagEmbeddingTgt,
	config.FlagEmbeddingModel,
	config.FlagEmbeddingDims,
	config.FlagLLMProvider,
	config.FlagLLMTarget,
	config.FlagLLMModel,
	config.FlagEventProvider,
	config.FlagEventTopic,
}

type ServeCommander struct {
	listen         string
	vectorProvider string
	vectorTarget   string
	embedProvider  string
	embedTarget    string
	embedModel     string
	embedDims      uint
	llmProvider    string
	llmTarget      string
	llmModel       string
	eventProvider  string
	eventTopic     string

	debug     bool
	configDir string
	logger    *zap.Logger
}

func NewServeCmd() *cobra.Command {
	cmder := &ServeCommander{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: serveShortDesc,
		Long:  serveLongDesc,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			cmder.debug, err = cmd.Flags().GetBool("debug")
			if err != nil {
				return fmt.Errorf("could not get debug flag: %w", err)
			}
			cmder.configDir, err = cmd.Flags().GetString("config-dir")
			if err != nil {
				return fmt.Errorf("could not get config-dir flag: %w", err)
			}

			v, err := config.InitViper(cmder.configDir)
			if err != nil {
				return err
			}
			config.BindRegisteredFlags(v, cmd, serveFlags, serveFlagKeys)

			return cmder.run(cmd.Context(), v)
		},
	}

	config.AddStringFlag(cmd, serveFlags, config.FlagAPIListen, &cmder.listen)
	config.AddStringFlag(cmd, serveFlags, config.FlagVectorStoreProv, &cmder.vectorProvider)
	config.AddStringFlag(cmd, serveFlags, config.FlagVectorStoreTgt, &cmder.vectorTarget)
	config.AddStringFlag(cmd, serveFlags, config.FlagEmbeddingProv, &cmder.embedProvider)
	config.AddStringFlag(cmd, serveFlags, config.FlagEmbeddingTgt, &cmder.embedTarget)
	config.AddStringFlag(cmd, serveFlags, config.FlagEmbeddingModel, &cmder.embedModel)
	config.AddUintFlag(cmd, serveFlags, config.FlagEmbeddingDims, &cmder.embedDims)
	config.AddStringFlag(cmd, serveFlags, config.FlagLLMProvider, &cmder.llmProvider)
	config.AddStringFlag(cmd, serveFlags, config.FlagLLMTarget, &cmder.llmTarget)
	config.AddStringFlag(cmd, serveFlags, config.FlagLLMModel, &cmder.llmModel)
	config.AddStringFlag(cmd, serveFlags, config.FlagEventProvider, &cmder.eventProvider)
	config.AddStringFlag(cmd, serveFlags, config.FlagEventTopic, &cmder.eventTopic)

	return cmd
}

func (c *ServeCommander) run(ctx context.Context, v *viper.Viper) error {
	c.logger = logger.NewLogger(c.debug)
	defer func() { _ = c.logger.Sync() }()

	vectorTarget, err := c.resolveVectorTarget(v)
	if err != nil {
		return err
	}

	host, port := splitHostPort(vectorTarget)
	vectorDriver, err := vectorutils.NewVectorDriver(&vectorutils.NewVectorDriverOpts{
		ProviderType: v.GetString("vector_store.provider"),
		Target:       hostOrPath(v.GetString("vector_store.provider"), vectorTarget, host),
		Port:         port,
		Dimensions:   v.GetUint("embedding.dimensions"),
		Logger:       c.logger,
	})
	if err != nil {
		return fmt.Errorf("creating vector driver: %w", err)
	}
	defer vectorDriver.Close()

	embedder, err := embeddingutils.NewEmbedder(&embeddingutils.NewEmbedderOpts{
		ProviderType: v.GetString("embedding.provider"),
		TargetURL:    v.GetString("embedding.target"),
		Model:        v.GetString("embedding.model"),
		Dimensions:   v.GetUint("embedding.dimensions"),
	})
	if err != nil {
		return fmt.Errorf("creating embedder: %w", err)
	}

	completer, err := c.newCompleter(v)
	if err != nil {
		return err
	}
	defer completer.Close()

	publisher, err := c.newPublisher(v)
	if err != nil {
		return err
	}
	defer publisher.Close()

	sessions := session.NewStore(session.Config{
		MaxSessions: v.GetInt("session.max_sessions"),
		MaxTurns:    v.GetInt("session.max_turns"),
		IdleTTL:     time.Duration(v.GetInt("session.idle_ttl_minutes")) * time.Minute,
		OnEvict: func(sessionID string) {
			ev := eventstream.NewMemoryEvent(eventstream.EventTypeSessionEvicted)
			ev.SessionID = sessionID
			ev.Tier = memory.TierWorking
			if err := publisher.Publish(context.Background(), ev); err != nil {
				c.logger.Warn("publishing eviction event", zap.String("session_id", sessionID), zap.Error(err))
			}
		},
	}, c.logger)

	episodicStore := episodic.NewStore(vectorDriver, episodic.Config{
		DefaultTTL: time.Duration(v.GetInt("distill.fact_ttl_hours")) * time.Hour,
	}, c.logger)
	semanticStore := semantic.NewStore(vectorDriver, c.logger)

	extractor, err := intent.NewExtractor(intent.Config{LLMFallback: true}, completer, c.logger)
	if err != nil {
		return fmt.Errorf("creating intent extractor: %w", err)
	}
	defer extractor.Close()

	var reranker llm.Reranker
	if v.GetBool("recall.rerank") {
		reranker = completer
	}

	orchestrator := recall.NewOrchestrator(episodicStore, semanticStore, embedder, extractor, reranker, recall.Config{
		TierTimeout: time.Duration(v.GetInt("recall.tier_timeout_ms")) * time.Millisecond,
		Rerank:      v.GetBool("recall.rerank"),
	}, c.logger)

	distiller := distill.NewDistiller(sessions, episodicStore, completer, embedder, publisher, distill.Config{
		WindowTurns:     v.GetInt("distill.window_turns"),
		DedupThreshold:  v.GetFloat64("distill.dedup_threshold"),
		InitialSalience: v.GetFloat64("distill.initial_salience"),
		ReinforceDelta:  v.GetFloat64("distill.reinforce_delta"),
		FactTTL:         time.Duration(v.GetInt("distill.fact_ttl_hours")) * time.Hour,
	}, c.logger)

	tracker := salience.NewTracker(episodicStore, semanticStore, salience.Config{
		UsageDelta:     v.GetFloat64("salience.usage_delta"),
		CitationDelta:  v.GetFloat64("salience.citation_delta"),
		DecayFactor:    v.GetFloat64("salience.decay_factor"),
		FlushThreshold: v.GetInt("salience.flush_threshold"),
	}, c.logger)

	promoter := promote.NewEngine(episodicStore, semanticStore, publisher, promote.Config{
		MinSalience:  v.GetFloat64("promotion.min_salience"),
		MinCitations: v.GetInt("promotion.min_citations"),
		MinAge:       time.Duration(v.GetInt("promotion.min_age_hours")) * time.Hour,
	}, c.logger)

	sched := scheduler.NewScheduler(c.logger)

	eng, err := engine.New(sessions, extractor, orchestrator, distiller, tracker, promoter, sched, publisher, engine.Config{
		DistillEveryTurns: v.GetInt("distill.every_turns"),
		RecentTurnsWindow: v.GetInt("distill.window_turns"),
		SweepInterval:     time.Duration(v.GetInt("scheduler.sweep_interval_minutes")) * time.Minute,
		FlushInterval:     time.Duration(v.GetInt("scheduler.flush_interval_seconds")) * time.Second,
		DecayInterval:     time.Duration(v.GetInt("scheduler.decay_interval_hours")) * time.Hour,
		DistillInterval:   time.Duration(v.GetInt("scheduler.distill_interval_seconds")) * time.Second,
		PromotionInterval: time.Duration(v.GetInt("scheduler.promotion_interval_minutes")) * time.Minute,
	}, c.logger)
	if err != nil {
		return fmt.Errorf("assembling engine: %w", err)
	}

	listen := v.GetString("api.listen")
	server := api.NewServer(api.Config{ListenAddr: listen}, eng, newGenerateFunc(completer), c.logger)

	eng.Start()

	c.logger.Info("starting api server",
		zap.String("listen", listen),
		zap.String("vector_store", v.GetString("vector_store.provider")),
		zap.String("embedding_model", v.GetString("embedding.model")),
		zap.String("llm_model", v.GetString("llm.model")),
	)

	errChan := make(chan error, 1)
	go func() {
		if err := server.Run(); err != nil {
			errChan <- fmt.Errorf("api server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return err
	case sig := <-sigChan:
		c.logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
	case <-ctx.Done():
		c.logger.Info("context cancelled, shutting down")
	}

	if err := server.Shutdown(); err != nil {
		c.logger.Warn("shutting down api server", zap.Error(err))
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return eng.Stop(stopCtx)
}

// resolveVectorTarget fills in the default sqlite database path under the
// .mnemo/ directory when the sqlite provider has no explicit target.
func (c *ServeCommander) resolveVectorTarget(v *viper.Viper) (string, error) {
	target := v.GetString("vector_store.target")
	if target != "" || v.GetString("vector_store.provider") != "sqlite" {
		return target, nil
	}

	dir, err := dotdir.NewManager().Ensure(c.configDir)
	if err != nil {
		return "", fmt.Errorf("resolving .mnemo directory: %w", err)
	}

	return filepath.Join(dir, "mnemo.db"), nil
}

func (c *ServeCommander) newCompleter(v *viper.Viper) (*llmollama.Completer, error) {
	provider := v.GetString("llm.provider")
	if provider != "ollama" {
		return nil, fmt.Errorf("unsupported llm provider: %s", provider)
	}

	return llmollama.NewCompleter(llmollama.Config{
		BaseURL: v.GetString("llm.target"),
		Model:   v.GetString("llm.model"),
	})
}

func (c *ServeCommander) newPublisher(v *viper.Viper) (eventstream.Publisher, error) {
	switch v.GetString("eventstream.provider") {
	case "kafka":
		brokers := v.GetStringSlice("eventstream.brokers")
		pub, err := kafkastream.NewPublisher(kafkastream.Config{
			Brokers: brokers,
			Topic:   v.GetString("eventstream.topic"),
		}, c.logger)
		if err != nil {
			return nil, fmt.Errorf("creating kafka publisher: %w", err)
		}
		c.logger.Info("publishing lifecycle events to kafka", zap.Strings("brokers", brokers))
		return pub, nil

	case "", "nop":
		return nop.NewPublisher(), nil

	default:
		return nil, fmt.Errorf("unsupported eventstream provider: %s", v.GetString("eventstream.provider"))
	}
}

// splitHostPort splits a host:port target, returning port 0 when the target
// has no port (e.g. a sqlite path).
func splitHostPort(target string) (string, int) {
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return target, 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return target, 0
	}
	return host, port
}

// hostOrPath picks the driver target: qdrant takes the bare host, everything
// else takes the raw target (a filesystem path for sqlite).
func hostOrPath(provider, raw, host string) string {
	if provider == "qdrant" {
		return host
	}
	return raw
}

// citationRe matches memory citations the completion was asked to emit,
// e.g. [mem:3f8c1a62-...].
var citationRe = regexp.MustCompile(`\[mem:([0-9a-fA-F-]+)\]`)

// newGenerateFunc adapts the completer into the engine's generate
// collaborator. The prompt carries recalled memories tagged with their ids;
// the model cites the ones it used with [mem:<id>] markers, which are
// stripped from the reply and converted into citations.
func newGenerateFunc(completer llm.Completer) engine.GenerateFunc {
	return func(ctx context.Context, turns []memory.Turn, memories []memory.RecalledMemory, userText string) (engine.Response, error) {
		var b strings.Builder
		b.WriteString("You are a helpful assistant with long-term memory.\n")

		if len(memories) > 0 {
			b.WriteString("\nRelevant memories. When a memory informs your reply, cite it inline as [mem:<id>]:\n")
			for _, m := range memories {
				fmt.Fprintf(&b, "- [mem:%s] %s\n", m.ID, m.Text)
			}
		}

		if len(turns) > 0 {
			b.WriteString("\nConversation so far:\n")
			for _, t := range turns {
				fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Text)
			}
		}

		fmt.Fprintf(&b, "\nuser: %s\nassistant:", userText)

		raw, err := completer.Complete(ctx, b.String())
		if err != nil {
			return engine.Response{}, err
		}

		tiers := make(map[string]memory.Tier, len(memories))
		for _, m := range memories {
			tiers[m.ID] = m.Tier
		}

		var citations []memory.Citation
		seen := make(map[string]bool)
		for _, match := range citationRe.FindAllStringSubmatch(raw, -1) {
			id := match[1]
			tier, ok := tiers[id]
			if !ok || seen[id] {
				continue
			}
			seen[id] = true
			citations = append(citations, memory.Citation{FactID: id, Tier: tier})
		}

		text := strings.TrimSpace(citationRe.ReplaceAllString(raw, ""))

		return engine.Response{Text: text, Citations: citations}, nil
	}
}
