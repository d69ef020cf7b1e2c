package semantic_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/corridorhq/mnemo/pkg/embeddings/mock"
	"github.com/corridorhq/mnemo/pkg/memory"
	"github.com/corridorhq/mnemo/pkg/memory/semantic"
	"github.com/corridorhq/mnemo/pkg/vector/inmemory"
)

var _ = Describe("Store", func() {
	var (
		ctx      context.Context
		store    *semantic.Store
		embedder *mock.Embedder
	)

	embed := func(text string) []float32 {
		v, err := embedder.Embed(ctx, text)
		Expect(err).NotTo(HaveOccurred())
		return v
	}

	fact := func(id, text string) memory.SemanticFact {
		return memory.SemanticFact{
			ID:        id,
			Text:      text,
			Embedding: embed(text),
			Salience:  0.8,
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		embedder = mock.NewEmbedder()
		store = semantic.NewStore(inmemory.NewDriver(), zap.NewNop())
	})

	Describe("Insert and Get", func() {
		It("round-trips a fact", func() {
			in := fact("f1", "mexico requires nom certification for electronics")
			in.Entities = []memory.Entity{{Text: "Mexico", Type: "country", CanonicalID: "MX"}}
			in.Verified = true
			Expect(store.Insert(ctx, in)).To(Succeed())

			got, err := store.Get(ctx, "f1")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Text).To(Equal(in.Text))
			Expect(got.Verified).To(BeTrue())
			Expect(got.Entities).To(HaveLen(1))
			Expect(got.Entities[0].CanonicalID).To(Equal("MX"))
			Expect(got.CreatedAt).NotTo(BeZero())
		})

		It("rejects a fact without an embedding", func() {
			err := store.Insert(ctx, memory.SemanticFact{ID: "f1", Text: "x"})
			Expect(err).To(MatchError(memory.ErrValidation))
		})
	})

	Describe("Search", func() {
		It("filters to verified facts when requested", func() {
			verified := fact("f1", "hs 8471 attracts zero duty in the eu")
			verified.Verified = true
			Expect(store.Insert(ctx, verified)).To(Succeed())
			Expect(store.Insert(ctx, fact("f2", "hs 8471 duty may be waived"))).To(Succeed())

			results, err := store.Search(ctx, embed("hs 8471 duty"), 10,
				semantic.SearchOptions{VerifiedOnly: true})
			Expect(err).NotTo(HaveOccurred())
			Expect(results).To(HaveLen(1))
			Expect(results[0].Fact.ID).To(Equal("f1"))
		})

		It("filters by canonical entity id", func() {
			mx := fact("f1", "mexico requires nom certification")
			mx.Entities = []memory.Entity{{Text: "Mexico", Type: "country", CanonicalID: "MX"}}
			Expect(store.Insert(ctx, mx)).To(Succeed())
			de := fact("f2", "germany requires ce marking")
			de.Entities = []memory.Entity{{Text: "Germany", Type: "country", CanonicalID: "DE"}}
			Expect(store.Insert(ctx, de)).To(Succeed())

			results, err := store.Search(ctx, embed("certification requirements"), 10,
				semantic.SearchOptions{EntityID: "MX"})
			Expect(err).NotTo(HaveOccurred())
			Expect(results).To(HaveLen(1))
			Expect(results[0].Fact.ID).To(Equal("f1"))
		})
	})

	Describe("AdjustSalience", func() {
		It("applies deltas with clamping and skips unknown ids", func() {
			in := fact("f1", "fact a")
			in.Salience = 0.9
			Expect(store.Insert(ctx, in)).To(Succeed())

			err := store.AdjustSalience(ctx,
				map[string]float64{"f1": 0.5, "ghost": 0.1},
				map[string]int{"f1": 1})
			Expect(err).NotTo(HaveOccurred())

			got, err := store.Get(ctx, "f1")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Salience).To(Equal(1.0))
			Expect(got.Citations).To(Equal(1))
		})
	})

	Describe("SetVerified", func() {
		It("flips the verified flag in place", func() {
			Expect(store.Insert(ctx, fact("f1", "fact a"))).To(Succeed())

			Expect(store.SetVerified(ctx, "f1", true)).To(Succeed())

			got, err := store.Get(ctx, "f1")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Verified).To(BeTrue())
		})
	})

	Describe("Delete", func() {
		It("removes facts by id", func() {
			Expect(store.Insert(ctx, fact("f1", "fact a"))).To(Succeed())

			Expect(store.Delete(ctx, "f1")).To(Succeed())

			_, err := store.Get(ctx, "f1")
			Expect(err).To(MatchError(memory.ErrNotFound))
		})
	})
})
