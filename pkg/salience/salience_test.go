package salience_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/corridorhq/mnemo/pkg/embeddings/mock"
	"github.com/corridorhq/mnemo/pkg/memory"
	"github.com/corridorhq/mnemo/pkg/memory/episodic"
	"github.com/corridorhq/mnemo/pkg/memory/semantic"
	"github.com/corridorhq/mnemo/pkg/salience"
	"github.com/corridorhq/mnemo/pkg/vector/inmemory"
)

var _ = Describe("Tracker", func() {
	var (
		ctx     context.Context
		emStore *episodic.Store
		smStore *semantic.Store
		tracker *salience.Tracker
	)

	embedder := mock.NewEmbedder()

	embed := func(text string) []float32 {
		v, err := embedder.Embed(context.Background(), text)
		Expect(err).NotTo(HaveOccurred())
		return v
	}

	seedEpisodic := func(id string, s float64) {
		Expect(emStore.Insert(context.Background(), memory.EpisodicFact{
			ID:        id,
			Text:      "fact " + id,
			Embedding: embed("fact " + id),
			SessionID: "s1",
			Salience:  s,
			ExpiresAt: time.Now().Add(time.Hour),
		})).To(Succeed())
	}

	seedSemantic := func(id string, s float64) {
		Expect(smStore.Insert(context.Background(), memory.SemanticFact{
			ID:        id,
			Text:      "fact " + id,
			Embedding: embed("fact " + id),
			Salience:  s,
		})).To(Succeed())
	}

	BeforeEach(func() {
		ctx = context.Background()
		driver := inmemory.NewDriver()
		emStore = episodic.NewStore(driver, episodic.Config{}, zap.NewNop())
		smStore = semantic.NewStore(driver, zap.NewNop())
		tracker = salience.NewTracker(emStore, smStore, salience.Config{
			UsageDelta:    0.05,
			CitationDelta: 0.15,
			DecayFactor:   0.95,
		}, zap.NewNop())
	})

	It("buffers updates without touching the store", func() {
		seedEpisodic("f1", 0.5)

		tracker.TrackUsage(ctx, "f1", memory.TierEpisodic)
		Expect(tracker.Pending()).To(Equal(1))

		fact, err := emStore.Get(ctx, "f1")
		Expect(err).NotTo(HaveOccurred())
		Expect(fact.Salience).To(BeNumerically("~", 0.5, 1e-9))
	})

	It("flushes accumulated usage and citation deltas", func() {
		seedEpisodic("f1", 0.5)
		seedSemantic("m1", 0.6)

		tracker.TrackUsage(ctx, "f1", memory.TierEpisodic)
		tracker.TrackUsage(ctx, "f1", memory.TierEpisodic)
		tracker.TrackCitation(ctx, "m1", memory.TierSemantic)

		Expect(tracker.Flush(ctx)).To(Succeed())
		Expect(tracker.Pending()).To(BeZero())

		fact, err := emStore.Get(ctx, "f1")
		Expect(err).NotTo(HaveOccurred())
		Expect(fact.Salience).To(BeNumerically("~", 0.6, 1e-9))

		sfact, err := smStore.Get(ctx, "m1")
		Expect(err).NotTo(HaveOccurred())
		Expect(sfact.Salience).To(BeNumerically("~", 0.75, 1e-9))
		Expect(sfact.Citations).To(Equal(1))
	})

	It("auto-flushes once the buffer reaches the threshold", func() {
		tracker = salience.NewTracker(emStore, smStore, salience.Config{
			UsageDelta:     0.05,
			FlushThreshold: 3,
		}, zap.NewNop())
		seedEpisodic("f1", 0.5)

		tracker.TrackUsage(ctx, "f1", memory.TierEpisodic)
		tracker.TrackUsage(ctx, "f1", memory.TierEpisodic)
		Expect(tracker.Pending()).To(Equal(2))

		tracker.TrackUsage(ctx, "f1", memory.TierEpisodic)
		Expect(tracker.Pending()).To(BeZero())

		fact, err := emStore.Get(ctx, "f1")
		Expect(err).NotTo(HaveOccurred())
		Expect(fact.Salience).To(BeNumerically("~", 0.65, 1e-9))
	})

	It("clamps flushed salience to the upper bound", func() {
		seedEpisodic("f1", 0.95)

		tracker.TrackCitation(ctx, "f1", memory.TierEpisodic)
		Expect(tracker.Flush(ctx)).To(Succeed())

		fact, err := emStore.Get(ctx, "f1")
		Expect(err).NotTo(HaveOccurred())
		Expect(fact.Salience).To(Equal(1.0))
	})

	It("ignores updates for the working tier and blank ids", func() {
		tracker.TrackUsage(ctx, "f1", memory.TierWorking)
		tracker.TrackUsage(ctx, "", memory.TierEpisodic)
		Expect(tracker.Pending()).To(BeZero())
	})

	It("drops updates for facts deleted before the flush", func() {
		tracker.TrackUsage(ctx, "gone", memory.TierEpisodic)
		Expect(tracker.Flush(ctx)).To(Succeed())
	})

	Describe("DecayAll", func() {
		It("multiplies salience in both tiers", func() {
			seedEpisodic("f1", 0.8)
			seedSemantic("m1", 0.6)

			Expect(tracker.DecayAll(ctx)).To(Succeed())

			fact, err := emStore.Get(ctx, "f1")
			Expect(err).NotTo(HaveOccurred())
			Expect(fact.Salience).To(BeNumerically("~", 0.76, 1e-9))

			sfact, err := smStore.Get(ctx, "m1")
			Expect(err).NotTo(HaveOccurred())
			Expect(sfact.Salience).To(BeNumerically("~", 0.57, 1e-9))
		})

		It("flushes buffered updates before decaying", func() {
			seedEpisodic("f1", 0.5)

			tracker.TrackUsage(ctx, "f1", memory.TierEpisodic)
			Expect(tracker.DecayAll(ctx)).To(Succeed())

			fact, err := emStore.Get(ctx, "f1")
			Expect(err).NotTo(HaveOccurred())
			Expect(fact.Salience).To(BeNumerically("~", 0.55*0.95, 1e-9))
		})
	})
})
