// Package distill turns recent conversation turns into atomic episodic
// facts.
//
// The distiller prompts the completer for a small batch of entity-tagged
// statements, collapses near-duplicates inside that batch by embedding
// similarity, and then deduplicates each survivor against the session's
// existing facts: a statement close enough to an existing fact reinforces
// it instead of inserting a duplicate. A model returning zero statements is
// a valid no-op, not an error.
package distill

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/corridorhq/mnemo/pkg/embeddings"
	"github.com/corridorhq/mnemo/pkg/eventstream"
	"github.com/corridorhq/mnemo/pkg/llm"
	"github.com/corridorhq/mnemo/pkg/memory"
	"github.com/corridorhq/mnemo/pkg/memory/episodic"
	"github.com/corridorhq/mnemo/pkg/session"
	"github.com/corridorhq/mnemo/pkg/vector"
)

// Config holds configuration for the distiller.
type Config struct {
	// WindowTurns is how many recent turns feed one distillation; 0 means
	// DefaultWindowTurns.
	WindowTurns int

	// DedupThreshold is the cosine similarity at or above which two
	// statements are the same fact; 0 means DefaultDedupThreshold.
	DedupThreshold float64

	// InitialSalience is assigned to newly distilled facts; 0 means
	// DefaultInitialSalience.
	InitialSalience float64

	// ReinforceDelta is added to an existing fact's salience when a
	// distilled statement duplicates it; 0 means DefaultReinforceDelta.
	ReinforceDelta float64

	// FactTTL is the retention window for new facts and the extension for
	// reinforced ones; 0 means DefaultFactTTL.
	FactTTL time.Duration

	// RetryBackoff is the pause before the single write retry; 0 means
	// DefaultRetryBackoff.
	RetryBackoff time.Duration
}

// Defaults applied for zero-value config fields.
const (
	DefaultWindowTurns     = 10
	DefaultDedupThreshold  = 0.92
	DefaultInitialSalience = 0.5
	DefaultReinforceDelta  = 0.1
	DefaultFactTTL         = 30 * 24 * time.Hour
	DefaultRetryBackoff    = 200 * time.Millisecond
)

// Result summarizes one distillation pass.
type Result struct {
	FactsCreated     int `json:"facts_created"`
	DuplicatesMerged int `json:"duplicates_merged"`
}

// statement is one distilled line from the model.
type statement struct {
	Text     string          `json:"text"`
	Entities []memory.Entity `json:"entities,omitempty"`

	embedding []float32
}

// Distiller extracts episodic facts from working memory.
type Distiller struct {
	sessions      *session.Store
	episodicStore *episodic.Store
	completer     llm.Completer
	embedder      embeddings.Embedder
	publisher     eventstream.Publisher
	logger        *zap.Logger
	config        Config
}

// NewDistiller creates a distiller.
func NewDistiller(
	sessions *session.Store,
	episodicStore *episodic.Store,
	completer llm.Completer,
	embedder embeddings.Embedder,
	publisher eventstream.Publisher,
	config Config,
	logger *zap.Logger,
) *Distiller {
	if config.WindowTurns <= 0 {
		config.WindowTurns = DefaultWindowTurns
	}
	if config.DedupThreshold <= 0 {
		config.DedupThreshold = DefaultDedupThreshold
	}
	if config.InitialSalience <= 0 {
		config.InitialSalience = DefaultInitialSalience
	}
	if config.ReinforceDelta <= 0 {
		config.ReinforceDelta = DefaultReinforceDelta
	}
	if config.FactTTL <= 0 {
		config.FactTTL = DefaultFactTTL
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = DefaultRetryBackoff
	}

	return &Distiller{
		sessions:      sessions,
		episodicStore: episodicStore,
		completer:     completer,
		embedder:      embedder,
		publisher:     publisher,
		logger:        logger,
		config:        config,
	}
}

// Distill runs one distillation pass over a session's recent turns. A
// session with no turns, or a model batch with no statements, is a no-op.
func (d *Distiller) Distill(ctx context.Context, sessionID string) (Result, error) {
	if err := session.ValidateID(sessionID); err != nil {
		return Result{}, err
	}

	turns := d.sessions.RecentTurns(sessionID, d.config.WindowTurns)
	if len(turns) == 0 {
		return Result{}, nil
	}

	statements, err := d.extract(ctx, turns)
	if err != nil {
		return Result{}, err
	}
	if len(statements) == 0 {
		d.sessions.MarkDistilled(sessionID)
		return Result{}, nil
	}

	statements, err = d.embedAll(ctx, statements)
	if err != nil {
		return Result{}, err
	}
	statements = collapseBatch(statements, float32(d.config.DedupThreshold))

	var result Result
	for _, st := range statements {
		created, err := d.store(ctx, sessionID, st)
		if err != nil {
			return result, err
		}
		if created {
			result.FactsCreated++
		} else {
			result.DuplicatesMerged++
		}
	}

	d.sessions.MarkDistilled(sessionID)

	d.logger.Debug("distilled session window",
		zap.String("session_id", sessionID),
		zap.Int("facts_created", result.FactsCreated),
		zap.Int("duplicates_merged", result.DuplicatesMerged),
	)
	return result, nil
}

// extract prompts the completer and parses its statement batch.
func (d *Distiller) extract(ctx context.Context, turns []memory.Turn) ([]statement, error) {
	var transcript strings.Builder
	for _, t := range turns {
		transcript.WriteString(string(t.Role))
		transcript.WriteString(": ")
		transcript.WriteString(t.Text)
		transcript.WriteString("\n")
	}

	prompt := fmt.Sprintf(`Extract the durable facts from this conversation excerpt.

Return a JSON array of 3 to 6 objects, each {"text": "...", "entities": [{"text": "...", "type": "...", "canonical_id": "..."}]}.
Each fact must be a single atomic statement that stays true outside this conversation.
Return [] if the excerpt contains nothing worth remembering.

Conversation:
%s`, transcript.String())

	resp, err := d.completer.Complete(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("distillation completion: %w", err)
	}

	statements, err := parseStatements(resp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", llm.ErrBadResponse, err)
	}
	return statements, nil
}

func (d *Distiller) embedAll(ctx context.Context, statements []statement) ([]statement, error) {
	for i := range statements {
		embedding, err := d.embedder.Embed(ctx, statements[i].Text)
		if err != nil {
			return nil, fmt.Errorf("embedding distilled statement: %w", err)
		}
		statements[i].embedding = embedding
	}
	return statements, nil
}

// store deduplicates one statement against the session's facts and either
// reinforces the near-duplicate or inserts a new fact. Reports whether a
// fact was created.
func (d *Distiller) store(ctx context.Context, sessionID string, st statement) (bool, error) {
	nearest, err := d.episodicStore.MostSimilar(ctx, sessionID, st.embedding)
	if err != nil {
		return false, err
	}

	if nearest != nil && nearest.Score >= float32(d.config.DedupThreshold) {
		err := d.withRetry(ctx, func() error {
			return d.episodicStore.Reinforce(ctx, nearest.Fact.ID, d.config.ReinforceDelta, d.config.FactTTL)
		})
		if err != nil {
			return false, err
		}
		return false, nil
	}

	fact := memory.EpisodicFact{
		ID:        uuid.NewString(),
		Text:      st.Text,
		Embedding: st.embedding,
		SessionID: sessionID,
		Entities:  memory.DedupEntities(st.Entities),
		Salience:  d.config.InitialSalience,
		CreatedAt: time.Now().UTC(),
		ExpiresAt: time.Now().UTC().Add(d.config.FactTTL),
	}

	if err := d.withRetry(ctx, func() error {
		return d.episodicStore.Insert(ctx, fact)
	}); err != nil {
		return false, err
	}

	event := eventstream.NewMemoryEvent(eventstream.EventTypeFactDistilled)
	event.FactID = fact.ID
	event.SessionID = sessionID
	event.Tier = memory.TierEpisodic
	if err := d.publisher.Publish(ctx, event); err != nil {
		d.logger.Warn("failed to publish distilled event",
			zap.String("fact_id", fact.ID),
			zap.Error(err),
		)
	}
	return true, nil
}

// withRetry retries a write once after a backoff. Validation errors are not
// retried.
func (d *Distiller) withRetry(ctx context.Context, fn func() error) error {
	err := fn()
	if err == nil || errors.Is(err, memory.ErrValidation) {
		return err
	}

	select {
	case <-time.After(d.config.RetryBackoff):
	case <-ctx.Done():
		return ctx.Err()
	}
	return fn()
}

// collapseBatch removes statements whose embedding is too close to an
// earlier statement in the same batch. First occurrence wins; its entities
// absorb the duplicate's.
func collapseBatch(statements []statement, threshold float32) []statement {
	out := make([]statement, 0, len(statements))
	for _, st := range statements {
		dup := -1
		for i := range out {
			if vector.Cosine(st.embedding, out[i].embedding) >= threshold {
				dup = i
				break
			}
		}
		if dup >= 0 {
			out[dup].Entities = memory.DedupEntities(append(out[dup].Entities, st.Entities...))
			continue
		}
		out = append(out, st)
	}
	return out
}

// parseStatements pulls the JSON array out of a model response, tolerating
// surrounding prose, and drops blank statements.
func parseStatements(resp string) ([]statement, error) {
	start := strings.Index(resp, "[")
	end := strings.LastIndex(resp, "]")
	if start < 0 || end <= start {
		return nil, errors.New("no JSON array in response")
	}

	var raw []statement
	if err := json.Unmarshal([]byte(resp[start:end+1]), &raw); err != nil {
		return nil, err
	}

	out := make([]statement, 0, len(raw))
	for _, st := range raw {
		st.Text = strings.TrimSpace(st.Text)
		if st.Text == "" {
			continue
		}
		out = append(out, st)
	}
	return out, nil
}
