package memory

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Clamp01", func() {
	It("bounds values below zero", func() {
		Expect(Clamp01(-0.3)).To(Equal(0.0))
	})

	It("bounds values above one", func() {
		Expect(Clamp01(1.7)).To(Equal(1.0))
	})

	It("passes through in-range values", func() {
		Expect(Clamp01(0.42)).To(Equal(0.42))
	})
})

var _ = Describe("EpisodicFact", func() {
	Describe("Promote", func() {
		It("strips session scope and keeps identity", func() {
			f := EpisodicFact{
				ID:        "f1",
				Text:      "PVOC applies to consumer goods entering Kenya",
				SessionID: "s1",
				Entities:  []Entity{{Text: "PVOC", Type: "regulation", CanonicalID: "reg:pvoc"}},
				Salience:  0.85,
				Citations: 6,
				CreatedAt: time.Now().Add(-10 * 24 * time.Hour),
				ExpiresAt: time.Now().Add(24 * time.Hour),
			}

			s := f.Promote()
			Expect(s.ID).To(Equal("f1"))
			Expect(s.Text).To(Equal(f.Text))
			Expect(s.Entities).To(Equal(f.Entities))
			Expect(s.Salience).To(Equal(0.85))
			Expect(s.Citations).To(Equal(6))
		})

		It("clamps out-of-range salience", func() {
			f := EpisodicFact{ID: "f2", Salience: 1.4}
			Expect(f.Promote().Salience).To(Equal(1.0))
		})
	})

	Describe("Expired", func() {
		It("is false before the TTL", func() {
			f := EpisodicFact{ExpiresAt: time.Now().Add(time.Hour)}
			Expect(f.Expired(time.Now())).To(BeFalse())
		})

		It("is true after the TTL", func() {
			f := EpisodicFact{ExpiresAt: time.Now().Add(-time.Hour)}
			Expect(f.Expired(time.Now())).To(BeTrue())
		})

		It("is false for a zero TTL", func() {
			Expect(EpisodicFact{}.Expired(time.Now())).To(BeFalse())
		})
	})
})

var _ = Describe("DedupEntities", func() {
	It("collapses entities sharing a canonical id", func() {
		in := []Entity{
			{Text: "Kenya", Type: "country", CanonicalID: "iso:KE"},
			{Text: "KE", Type: "country", CanonicalID: "iso:KE"},
			{Text: "PVOC", Type: "regulation", CanonicalID: "reg:pvoc"},
		}
		out := DedupEntities(in)
		Expect(out).To(HaveLen(2))
		Expect(out[0].Text).To(Equal("Kenya"))
	})

	It("keeps entities without canonical ids", func() {
		in := []Entity{
			{Text: "solar panels", Type: "product"},
			{Text: "solar panels", Type: "product"},
		}
		Expect(DedupEntities(in)).To(HaveLen(2))
	})
})
