package eventstream_test

import (
	"encoding/json"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/corridorhq/mnemo/pkg/eventstream"
	"github.com/corridorhq/mnemo/pkg/memory"
)

var _ = Describe("MemoryEvent", func() {
	It("marshals with expected top-level keys", func() {
		now := time.Unix(1735689600, 0).UTC()
		event := eventstream.MemoryEvent{
			SchemaVersion: eventstream.SchemaVersionV1,
			EventType:     eventstream.EventTypeFactPromoted,
			EventID:       "evt_123",
			EmittedAt:     now,
			SessionID:     "sess-1",
			FactID:        "fact-1",
			Tier:          memory.TierSemantic,
			Detail:        "salience 0.91",
		}

		payload, err := json.Marshal(event)
		Expect(err).NotTo(HaveOccurred())

		var got map[string]any
		Expect(json.Unmarshal(payload, &got)).To(Succeed())

		Expect(got).To(HaveKey("schema_version"))
		Expect(got).To(HaveKey("event_type"))
		Expect(got).To(HaveKey("event_id"))
		Expect(got).To(HaveKey("emitted_at"))
		Expect(got).To(HaveKey("session_id"))
		Expect(got).To(HaveKey("fact_id"))
		Expect(got).To(HaveKey("tier"))
		Expect(got).To(HaveKey("detail"))
	})

	It("omits empty optional fields from the payload", func() {
		event := eventstream.NewMemoryEvent(eventstream.EventTypeSessionEvicted)
		event.SessionID = "sess-1"

		payload, err := json.Marshal(event)
		Expect(err).NotTo(HaveOccurred())

		var got map[string]any
		Expect(json.Unmarshal(payload, &got)).To(Succeed())

		Expect(got).To(HaveKey("session_id"))
		Expect(got).NotTo(HaveKey("fact_id"))
		Expect(got).NotTo(HaveKey("detail"))
	})

	It("defines stable event constants", func() {
		Expect(eventstream.SchemaVersionV1).To(BeNumerically(">", 0))
		Expect(eventstream.EventTypeFactDistilled).To(Equal("mnemo.fact.distilled"))
		Expect(eventstream.EventTypeFactPromoted).To(Equal("mnemo.fact.promoted"))
		Expect(eventstream.EventTypeFactExpired).To(Equal("mnemo.fact.expired"))
		Expect(eventstream.EventTypeSessionEvicted).To(Equal("mnemo.session.evicted"))
	})

	Describe("NewMemoryEvent", func() {
		It("stamps schema version, id and emission time", func() {
			before := time.Now().UTC()
			event := eventstream.NewMemoryEvent(eventstream.EventTypeFactDistilled)

			Expect(event.SchemaVersion).To(Equal(eventstream.SchemaVersionV1))
			Expect(event.EventType).To(Equal(eventstream.EventTypeFactDistilled))
			Expect(event.EventID).NotTo(BeEmpty())
			Expect(event.EmittedAt).To(BeTemporally(">=", before))
		})

		It("generates distinct event ids", func() {
			a := eventstream.NewMemoryEvent(eventstream.EventTypeFactExpired)
			b := eventstream.NewMemoryEvent(eventstream.EventTypeFactExpired)
			Expect(a.EventID).NotTo(Equal(b.EventID))
		})
	})

	It("provides ErrNilEvent for nil payload validation", func() {
		Expect(eventstream.ErrNilEvent).To(MatchError("nil memory event"))
	})
})
