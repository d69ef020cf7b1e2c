// Package engine is the facade over the memory tiers and their maintenance
// machinery. It owns the per-turn control flow and wires the background
// tasks; everything underneath is an explicit constructor dependency so the
// engine has no globals and tests can assemble it from fakes.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/corridorhq/mnemo/pkg/distill"
	"github.com/corridorhq/mnemo/pkg/eventstream"
	"github.com/corridorhq/mnemo/pkg/intent"
	"github.com/corridorhq/mnemo/pkg/memory"
	"github.com/corridorhq/mnemo/pkg/promote"
	"github.com/corridorhq/mnemo/pkg/recall"
	"github.com/corridorhq/mnemo/pkg/salience"
	"github.com/corridorhq/mnemo/pkg/scheduler"
	"github.com/corridorhq/mnemo/pkg/session"
)

// Config holds the engine's turn-flow and maintenance cadence settings.
type Config struct {
	// DistillEveryTurns triggers distillation once a session accumulates
	// this many turns since its last pass; 0 means
	// DefaultDistillEveryTurns.
	DistillEveryTurns int

	// RecentTurnsWindow is how many working-memory turns are handed to the
	// generate collaborator; 0 means DefaultRecentTurnsWindow.
	RecentTurnsWindow int

	// Maintenance intervals; zero values take the defaults.
	SweepInterval     time.Duration
	FlushInterval     time.Duration
	DecayInterval     time.Duration
	PromotionInterval time.Duration
	DistillInterval   time.Duration

	// BackgroundTimeout bounds one background distillation; 0 means
	// DefaultBackgroundTimeout.
	BackgroundTimeout time.Duration
}

// Defaults applied for zero-value config fields.
const (
	DefaultDistillEveryTurns = 6
	DefaultRecentTurnsWindow = 10
	DefaultSweepInterval     = 5 * time.Minute
	DefaultFlushInterval     = 30 * time.Second
	DefaultDecayInterval     = 24 * time.Hour
	DefaultPromotionInterval = time.Hour
	DefaultDistillInterval   = time.Minute
	DefaultBackgroundTimeout = 30 * time.Second
)

// Response is what the generate collaborator produced for one turn.
type Response struct {
	// Text is the assistant's reply, recorded as the assistant turn.
	Text string

	// Citations name the recalled memories the reply drew on.
	Citations []memory.Citation
}

// GenerateFunc produces the assistant's reply from the conversation window
// and the recalled memories. The engine stays decoupled from any particular
// generation backend.
type GenerateFunc func(ctx context.Context, turns []memory.Turn, memories []memory.RecalledMemory, userText string) (Response, error)

// TurnResult is the outcome of one handled turn.
type TurnResult struct {
	Response Response                `json:"-"`
	Text     string                  `json:"text"`
	Memories []memory.RecalledMemory `json:"memories"`
}

// Engine coordinates the memory tiers for the conversational loop.
type Engine struct {
	sessions     *session.Store
	extractor    *intent.Extractor
	orchestrator *recall.Orchestrator
	distiller    *distill.Distiller
	tracker      *salience.Tracker
	promoter     *promote.Engine
	sched        *scheduler.Scheduler
	publisher    eventstream.Publisher
	logger       *zap.Logger
	config       Config
}

// New assembles the engine from its collaborators and registers the
// maintenance tasks. Call Start to begin background processing.
func New(
	sessions *session.Store,
	extractor *intent.Extractor,
	orchestrator *recall.Orchestrator,
	distiller *distill.Distiller,
	tracker *salience.Tracker,
	promoter *promote.Engine,
	sched *scheduler.Scheduler,
	publisher eventstream.Publisher,
	config Config,
	logger *zap.Logger,
) (*Engine, error) {
	if config.DistillEveryTurns <= 0 {
		config.DistillEveryTurns = DefaultDistillEveryTurns
	}
	if config.RecentTurnsWindow <= 0 {
		config.RecentTurnsWindow = DefaultRecentTurnsWindow
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultSweepInterval
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = DefaultFlushInterval
	}
	if config.DecayInterval <= 0 {
		config.DecayInterval = DefaultDecayInterval
	}
	if config.PromotionInterval <= 0 {
		config.PromotionInterval = DefaultPromotionInterval
	}
	if config.DistillInterval <= 0 {
		config.DistillInterval = DefaultDistillInterval
	}
	if config.BackgroundTimeout <= 0 {
		config.BackgroundTimeout = DefaultBackgroundTimeout
	}

	e := &Engine{
		sessions:     sessions,
		extractor:    extractor,
		orchestrator: orchestrator,
		distiller:    distiller,
		tracker:      tracker,
		promoter:     promoter,
		sched:        sched,
		publisher:    publisher,
		logger:       logger,
		config:       config,
	}

	if err := e.registerTasks(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) registerTasks() error {
	tasks := []struct {
		name     string
		interval time.Duration
		run      scheduler.TaskFunc
	}{
		{"session_sweep", e.config.SweepInterval, func(ctx context.Context) error {
			e.sessions.SweepExpired()
			return nil
		}},
		{"salience_flush", e.config.FlushInterval, e.tracker.Flush},
		{"salience_decay", e.config.DecayInterval, e.tracker.DecayAll},
		{"distill_check", e.config.DistillInterval, e.distillDueSessions},
		{"promotion_cycle", e.config.PromotionInterval, func(ctx context.Context) error {
			_, err := e.promoter.RunCycle(ctx)
			if errors.Is(err, promote.ErrCycleInFlight) {
				return nil
			}
			return err
		}},
	}

	for _, t := range tasks {
		if err := e.sched.Register(t.name, t.interval, t.run); err != nil {
			return fmt.Errorf("registering %s task: %w", t.name, err)
		}
	}
	return nil
}

// Start launches the background scheduler.
func (e *Engine) Start() {
	e.sched.Start()
	e.logger.Info("memory engine started")
}

// Stop halts background tasks and flushes buffered salience updates.
func (e *Engine) Stop(ctx context.Context) error {
	e.sched.Stop()
	if err := e.tracker.Flush(ctx); err != nil {
		return fmt.Errorf("final salience flush: %w", err)
	}
	e.logger.Info("memory engine stopped")
	return nil
}

// HandleTurn runs the full per-turn flow: record the user turn, recall
// relevant memories, generate the reply through the collaborator, record
// the assistant turn, track which memories were used and cited, and kick
// off distillation when the session is due.
func (e *Engine) HandleTurn(ctx context.Context, sessionID, userText string, generate GenerateFunc) (TurnResult, error) {
	if generate == nil {
		return TurnResult{}, fmt.Errorf("%w: nil generate collaborator", memory.ErrValidation)
	}
	if err := e.sessions.AppendTurn(sessionID, memory.Turn{
		Role:      memory.RoleUser,
		Text:      userText,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		return TurnResult{}, err
	}

	memories, err := e.orchestrator.Recall(ctx, recall.Request{
		Query:     userText,
		SessionID: sessionID,
	})
	if err != nil {
		if errors.Is(err, memory.ErrValidation) {
			return TurnResult{}, err
		}
		// A failed recall never blocks generation. Proceed without
		// memories rather than failing the turn.
		e.logger.Warn("recall degraded, generating without memories",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		memories = nil
	}

	turns := e.sessions.RecentTurns(sessionID, e.config.RecentTurnsWindow)

	response, err := generate(ctx, turns, memories, userText)
	if err != nil {
		return TurnResult{}, fmt.Errorf("generating response: %w", err)
	}

	if err := e.sessions.AppendTurn(sessionID, memory.Turn{
		Role:      memory.RoleAssistant,
		Text:      response.Text,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		return TurnResult{}, err
	}

	for _, m := range memories {
		e.tracker.TrackUsage(ctx, m.ID, m.Tier)
	}
	for _, c := range response.Citations {
		e.tracker.TrackCitation(ctx, c.FactID, c.Tier)
	}

	if e.sessions.TurnsSinceDistill(sessionID) >= e.config.DistillEveryTurns {
		go e.distillInBackground(sessionID)
	}

	return TurnResult{
		Response: response,
		Text:     response.Text,
		Memories: memories,
	}, nil
}

// Recall retrieves memories without running the turn flow.
func (e *Engine) Recall(ctx context.Context, req recall.Request) ([]memory.RecalledMemory, error) {
	return e.orchestrator.Recall(ctx, req)
}

// Distill runs one synchronous distillation pass for a session.
func (e *Engine) Distill(ctx context.Context, sessionID string) (distill.Result, error) {
	return e.distiller.Distill(ctx, sessionID)
}

// TrackUsage records that a fact surfaced in externally assembled results.
func (e *Engine) TrackUsage(ctx context.Context, factID string, tier memory.Tier) {
	e.tracker.TrackUsage(ctx, factID, tier)
}

// TrackCitation records that a response cited a fact.
func (e *Engine) TrackCitation(ctx context.Context, factID string, tier memory.Tier) {
	e.tracker.TrackCitation(ctx, factID, tier)
}

// RunPromotionCycle triggers one promotion cycle immediately.
func (e *Engine) RunPromotionCycle(ctx context.Context) (promote.Result, error) {
	return e.promoter.RunCycle(ctx)
}

// SessionStats returns working-memory statistics for one session, or nil
// for an unknown session.
func (e *Engine) SessionStats(sessionID string) *session.Stats {
	return e.sessions.Stats(sessionID)
}

// Liveness exposes the background tasks' last successful runs.
func (e *Engine) Liveness() map[string]time.Time {
	return e.sched.Liveness()
}

// distillDueSessions distills every session that crossed the turn
// threshold. The first failure is returned after all sessions are tried.
func (e *Engine) distillDueSessions(ctx context.Context) error {
	var firstErr error
	for _, id := range e.sessions.ActiveSessions() {
		if e.sessions.TurnsSinceDistill(id) < e.config.DistillEveryTurns {
			continue
		}
		if _, err := e.distiller.Distill(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// distillInBackground runs one distillation off the turn path.
func (e *Engine) distillInBackground(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), e.config.BackgroundTimeout)
	defer cancel()

	if _, err := e.distiller.Distill(ctx, sessionID); err != nil {
		e.logger.Warn("background distillation failed",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}
}
