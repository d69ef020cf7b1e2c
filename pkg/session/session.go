// Package session implements the working-memory tier: a bounded, in-process
// store of per-conversation turn buffers.
//
// The store holds at most MaxSessions sessions; inserting beyond capacity
// evicts the least-recently-accessed session. Each session is trimmed FIFO
// to MaxTurns turns and expires after IdleTTL without access. Working memory
// is a cache over the episodic tier, not authoritative — losing it on
// restart is acceptable.
//
// All operations take a single mutex for the duration of the structural
// mutation only; nothing under the lock performs I/O.
package session

import (
	"container/list"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/corridorhq/mnemo/pkg/memory"
)

// Config holds configuration for the session store.
type Config struct {
	// MaxSessions caps concurrent sessions; 0 means DefaultMaxSessions.
	MaxSessions int

	// MaxTurns caps turns kept per session; 0 means DefaultMaxTurns.
	MaxTurns int

	// IdleTTL is how long a session may go unaccessed before the sweep
	// removes it; 0 means DefaultIdleTTL.
	IdleTTL time.Duration

	// OnEvict, if set, is called with the id of every session removed by
	// LRU eviction or the TTL sweep. Called after the store lock is
	// released.
	OnEvict func(sessionID string)
}

// Defaults applied for zero-value config fields.
const (
	DefaultMaxSessions = 1000
	DefaultMaxTurns    = 40
	DefaultIdleTTL     = 2 * time.Hour
)

// Session is a single conversation's working memory.
type Session struct {
	ID             string        `json:"id"`
	Turns          []memory.Turn `json:"turns"`
	CreatedAt      time.Time     `json:"created_at"`
	LastAccessedAt time.Time     `json:"last_accessed_at"`
}

// Stats summarizes a session for the engine's stats surface.
type Stats struct {
	ID                string    `json:"id"`
	TurnCount         int       `json:"turn_count"`
	TurnsSinceDistill int       `json:"turns_since_distill"`
	CreatedAt         time.Time `json:"created_at"`
	LastAccessedAt    time.Time `json:"last_accessed_at"`
}

// entry is the internal per-session record held in the LRU list.
type entry struct {
	session           *Session
	turnsSinceDistill int
}

// Store is the working-memory session store.
type Store struct {
	config Config
	logger *zap.Logger

	mu sync.Mutex

	// sessions maps session id to its element in order. order holds
	// *entry values, most recently accessed at the front.
	sessions map[string]*list.Element
	order    *list.List

	// now is swappable for tests.
	now func() time.Time
}

// NewStore creates an empty session store.
func NewStore(config Config, logger *zap.Logger) *Store {
	if config.MaxSessions <= 0 {
		config.MaxSessions = DefaultMaxSessions
	}
	if config.MaxTurns <= 0 {
		config.MaxTurns = DefaultMaxTurns
	}
	if config.IdleTTL <= 0 {
		config.IdleTTL = DefaultIdleTTL
	}

	return &Store{
		config:   config,
		logger:   logger,
		sessions: make(map[string]*list.Element),
		order:    list.New(),
		now:      time.Now,
	}
}

// ValidateID rejects blank session ids at the boundary.
func ValidateID(sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("%w: empty session id", memory.ErrValidation)
	}
	return nil
}

// Get returns a snapshot of the session, or nil if absent or expired.
// Access refreshes the session's LRU position.
func (s *Store) Get(sessionID string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent := s.touch(sessionID)
	if ent == nil {
		return nil
	}
	return snapshot(ent.session)
}

// AppendTurn appends a turn, creating the session if absent. The session's
// turn buffer is trimmed FIFO to MaxTurns and its last-accessed time
// refreshed. Inserting a new session beyond capacity evicts the
// least-recently-accessed one.
func (s *Store) AppendTurn(sessionID string, turn memory.Turn) error {
	if err := ValidateID(sessionID); err != nil {
		return err
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = s.now()
	}

	var evicted []string

	s.mu.Lock()
	ent := s.touch(sessionID)
	if ent == nil {
		ent = &entry{session: &Session{
			ID:        sessionID,
			CreatedAt: s.now(),
		}}
		s.sessions[sessionID] = s.order.PushFront(ent)

		for s.order.Len() > s.config.MaxSessions {
			evicted = append(evicted, s.evictOldest())
		}
	}

	ent.session.Turns = append(ent.session.Turns, turn)
	if over := len(ent.session.Turns) - s.config.MaxTurns; over > 0 {
		ent.session.Turns = ent.session.Turns[over:]
	}
	ent.session.LastAccessedAt = s.now()
	ent.turnsSinceDistill++
	s.mu.Unlock()

	s.notifyEvicted(evicted)
	return nil
}

// RecentTurns returns up to k most recent turns in chronological order.
// k <= 0 returns all buffered turns.
func (s *Store) RecentTurns(sessionID string, k int) []memory.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent := s.touch(sessionID)
	if ent == nil {
		return nil
	}

	turns := ent.session.Turns
	if k > 0 && len(turns) > k {
		turns = turns[len(turns)-k:]
	}

	out := make([]memory.Turn, len(turns))
	copy(out, turns)
	return out
}

// Delete removes a session. Returns true if it existed.
func (s *Store) Delete(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.sessions[sessionID]
	if !ok {
		return false
	}
	s.order.Remove(el)
	delete(s.sessions, sessionID)
	return true
}

// SweepExpired removes sessions idle past the TTL and returns the count
// removed.
func (s *Store) SweepExpired() int {
	cutoff := s.now().Add(-s.config.IdleTTL)

	var evicted []string

	s.mu.Lock()
	// Oldest entries sit at the back; walk from the back and stop at the
	// first live session.
	for el := s.order.Back(); el != nil; el = s.order.Back() {
		ent := el.Value.(*entry)
		if ent.session.LastAccessedAt.After(cutoff) {
			break
		}
		evicted = append(evicted, s.evictOldest())
	}
	s.mu.Unlock()

	s.notifyEvicted(evicted)

	if len(evicted) > 0 {
		s.logger.Debug("swept expired sessions",
			zap.Int("count", len(evicted)),
		)
	}
	return len(evicted)
}

// TurnsSinceDistill returns the number of turns appended since the last
// distillation mark, or 0 for an unknown session.
func (s *Store) TurnsSinceDistill(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.sessions[sessionID]
	if !ok {
		return 0
	}
	return el.Value.(*entry).turnsSinceDistill
}

// MarkDistilled resets the distillation counter after a successful
// distillation pass.
func (s *Store) MarkDistilled(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.sessions[sessionID]; ok {
		el.Value.(*entry).turnsSinceDistill = 0
	}
}

// ActiveSessions returns the ids of all live sessions.
func (s *Store) ActiveSessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Stats returns per-session statistics, or nil for an unknown session.
func (s *Store) Stats(sessionID string) *Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	ent := el.Value.(*entry)
	return &Stats{
		ID:                sessionID,
		TurnCount:         len(ent.session.Turns),
		TurnsSinceDistill: ent.turnsSinceDistill,
		CreatedAt:         ent.session.CreatedAt,
		LastAccessedAt:    ent.session.LastAccessedAt,
	}
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

// touch looks up a session, treating idle-expired entries as absent, and
// moves a live entry to the front of the LRU order with a refreshed
// last-accessed time. Caller must hold the lock.
func (s *Store) touch(sessionID string) *entry {
	el, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}

	ent := el.Value.(*entry)
	if s.now().Sub(ent.session.LastAccessedAt) > s.config.IdleTTL {
		s.order.Remove(el)
		delete(s.sessions, sessionID)
		return nil
	}

	ent.session.LastAccessedAt = s.now()
	s.order.MoveToFront(el)
	return ent
}

// evictOldest removes the back of the LRU order and returns its id.
// Caller must hold the lock.
func (s *Store) evictOldest() string {
	el := s.order.Back()
	ent := el.Value.(*entry)
	s.order.Remove(el)
	delete(s.sessions, ent.session.ID)
	return ent.session.ID
}

// notifyEvicted invokes the eviction callback outside the lock.
func (s *Store) notifyEvicted(ids []string) {
	if s.config.OnEvict == nil {
		return
	}
	for _, id := range ids {
		s.config.OnEvict(id)
	}
}

// snapshot copies a session so callers cannot mutate internal state.
func snapshot(sess *Session) *Session {
	out := &Session{
		ID:             sess.ID,
		CreatedAt:      sess.CreatedAt,
		LastAccessedAt: sess.LastAccessedAt,
		Turns:          make([]memory.Turn, len(sess.Turns)),
	}
	copy(out.Turns, sess.Turns)
	return out
}
