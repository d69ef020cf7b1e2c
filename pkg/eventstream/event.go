package eventstream

import (
	"time"

	"github.com/google/uuid"

	"github.com/corridorhq/mnemo/pkg/memory"
)

const (
	// SchemaVersionV1 is the first version of the event payload schema.
	SchemaVersionV1 = 1

	// EventTypeFactDistilled is emitted when the distiller creates a new
	// episodic fact.
	EventTypeFactDistilled = "mnemo.fact.distilled"

	// EventTypeFactPromoted is emitted when a fact moves from the episodic
	// to the semantic tier.
	EventTypeFactPromoted = "mnemo.fact.promoted"

	// EventTypeFactExpired is emitted when an episodic fact is deleted at
	// end of TTL.
	EventTypeFactExpired = "mnemo.fact.expired"

	// EventTypeSessionEvicted is emitted when working memory drops a
	// session, by LRU pressure or idle timeout.
	EventTypeSessionEvicted = "mnemo.session.evicted"
)

// MemoryEvent is a transport-neutral fact/session lifecycle event.
type MemoryEvent struct {
	SchemaVersion int         `json:"schema_version"`
	EventType     string      `json:"event_type"`
	EventID       string      `json:"event_id"`
	EmittedAt     time.Time   `json:"emitted_at"`
	SessionID     string      `json:"session_id,omitempty"`
	FactID        string      `json:"fact_id,omitempty"`
	Tier          memory.Tier `json:"tier,omitempty"`
	Detail        string      `json:"detail,omitempty"`
}

// NewMemoryEvent stamps identity and time onto a lifecycle event.
func NewMemoryEvent(eventType string) *MemoryEvent {
	return &MemoryEvent{
		SchemaVersion: SchemaVersionV1,
		EventType:     eventType,
		EventID:       uuid.NewString(),
		EmittedAt:     time.Now().UTC(),
	}
}
