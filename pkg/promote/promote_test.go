package promote_test

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/corridorhq/mnemo/pkg/embeddings/mock"
	"github.com/corridorhq/mnemo/pkg/eventstream"
	"github.com/corridorhq/mnemo/pkg/memory"
	"github.com/corridorhq/mnemo/pkg/memory/episodic"
	"github.com/corridorhq/mnemo/pkg/memory/semantic"
	"github.com/corridorhq/mnemo/pkg/promote"
	"github.com/corridorhq/mnemo/pkg/vector"
	"github.com/corridorhq/mnemo/pkg/vector/inmemory"
)

// capturePublisher records published events.
type capturePublisher struct {
	mu     sync.Mutex
	events []*eventstream.MemoryEvent
}

func (p *capturePublisher) Publish(_ context.Context, event *eventstream.MemoryEvent) error {
	if event == nil {
		return eventstream.ErrNilEvent
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func (p *capturePublisher) typed(eventType string) []*eventstream.MemoryEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*eventstream.MemoryEvent
	for _, e := range p.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

// brokenInsertDriver fails Upsert on one collection.
type brokenInsertDriver struct {
	vector.Driver
	failCollection string
}

func (d *brokenInsertDriver) Upsert(ctx context.Context, collection string, docs []vector.Document) error {
	if collection == d.failCollection {
		return errors.New("insert unavailable")
	}
	return d.Driver.Upsert(ctx, collection, docs)
}

var _ = Describe("Engine", func() {
	var (
		ctx       context.Context
		driver    vector.Driver
		emStore   *episodic.Store
		smStore   *semantic.Store
		publisher *capturePublisher
		engine    *promote.Engine
	)

	embedder := mock.NewEmbedder()

	embed := func(text string) []float32 {
		v, err := embedder.Embed(context.Background(), text)
		Expect(err).NotTo(HaveOccurred())
		return v
	}

	newEngine := func() *promote.Engine {
		return promote.NewEngine(emStore, smStore, publisher, promote.Config{
			MinSalience:  0.8,
			MinCitations: 5,
			MinAge:       7 * 24 * time.Hour,
		}, zap.NewNop())
	}

	seed := func(fact memory.EpisodicFact) {
		if fact.Embedding == nil {
			fact.Embedding = embed(fact.Text)
		}
		Expect(emStore.Insert(ctx, fact)).To(Succeed())
	}

	qualified := func(id string) memory.EpisodicFact {
		return memory.EpisodicFact{
			ID:        id,
			Text:      "durable fact " + id,
			SessionID: "s1",
			Salience:  0.9,
			Citations: 6,
			CreatedAt: time.Now().UTC().Add(-8 * 24 * time.Hour),
			ExpiresAt: time.Now().UTC().Add(time.Hour),
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		driver = inmemory.NewDriver()
		emStore = episodic.NewStore(driver, episodic.Config{}, zap.NewNop())
		smStore = semantic.NewStore(driver, zap.NewNop())
		publisher = &capturePublisher{}
		engine = newEngine()
	})

	It("promotes a qualified fact and strips its session scope", func() {
		seed(qualified("f1"))

		result, err := engine.RunCycle(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Scanned).To(Equal(1))
		Expect(result.Promoted).To(Equal(1))

		_, err = emStore.Get(ctx, "f1")
		Expect(err).To(MatchError(memory.ErrNotFound))

		promoted, err := smStore.Get(ctx, "f1")
		Expect(err).NotTo(HaveOccurred())
		Expect(promoted.Text).To(Equal("durable fact f1"))
		Expect(promoted.Citations).To(Equal(6))

		events := publisher.typed(eventstream.EventTypeFactPromoted)
		Expect(events).To(HaveLen(1))
		Expect(events[0].FactID).To(Equal("f1"))
		Expect(events[0].Tier).To(Equal(memory.TierSemantic))
	})

	It("promotes nothing on a repeat cycle", func() {
		seed(qualified("f1"))
		seed(qualified("f2"))

		first, err := engine.RunCycle(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(first.Promoted).To(Equal(2))

		second, err := engine.RunCycle(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(second.Scanned).To(BeZero())
		Expect(second.Promoted).To(BeZero())

		facts, err := smStore.All(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(facts).To(HaveLen(2))
		Expect(publisher.typed(eventstream.EventTypeFactPromoted)).To(HaveLen(2))
	})

	DescribeTable("leaves unqualified facts episodic",
		func(mutate func(*memory.EpisodicFact)) {
			fact := qualified("f1")
			mutate(&fact)
			seed(fact)

			result, err := engine.RunCycle(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Promoted).To(BeZero())

			_, err = emStore.Get(ctx, "f1")
			Expect(err).NotTo(HaveOccurred())
		},
		Entry("salience below the floor", func(f *memory.EpisodicFact) { f.Salience = 0.7 }),
		Entry("too few citations", func(f *memory.EpisodicFact) { f.Citations = 4 }),
		Entry("too young", func(f *memory.EpisodicFact) { f.CreatedAt = time.Now().UTC().Add(-time.Hour) }),
	)

	It("deletes expired non-qualifying facts and emits expiry events", func() {
		fact := qualified("f1")
		fact.Salience = 0.2
		fact.Citations = 0
		fact.ExpiresAt = time.Now().UTC().Add(-time.Minute)
		seed(fact)

		result, err := engine.RunCycle(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Expired).To(Equal(1))

		_, err = emStore.Get(ctx, "f1")
		Expect(err).To(MatchError(memory.ErrNotFound))

		events := publisher.typed(eventstream.EventTypeFactExpired)
		Expect(events).To(HaveLen(1))
	})

	It("keeps a fact episodic when the semantic insert fails", func() {
		seed(qualified("f1"))

		emStore = episodic.NewStore(driver, episodic.Config{}, zap.NewNop())
		smStore = semantic.NewStore(&brokenInsertDriver{Driver: driver, failCollection: vector.CollectionSemantic},
			zap.NewNop())
		engine = newEngine()

		result, err := engine.RunCycle(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Promoted).To(BeZero())

		_, err = emStore.Get(ctx, "f1")
		Expect(err).NotTo(HaveOccurred())
		Expect(publisher.typed(eventstream.EventTypeFactPromoted)).To(BeEmpty())
	})

	It("refuses concurrent cycles", func() {
		slow := &slowScrollDriver{
			Driver:  driver,
			started: make(chan struct{}),
			release: make(chan struct{}),
		}
		emStore = episodic.NewStore(slow, episodic.Config{}, zap.NewNop())
		engine = newEngine()

		done := make(chan struct{})
		go func() {
			defer GinkgoRecover()
			defer close(done)
			_, err := engine.RunCycle(ctx)
			Expect(err).NotTo(HaveOccurred())
		}()

		Eventually(slow.started).Should(BeClosed())

		_, err := engine.RunCycle(ctx)
		Expect(err).To(MatchError(promote.ErrCycleInFlight))

		close(slow.release)
		Eventually(done).Should(BeClosed())
	})
})

// slowScrollDriver blocks Scroll until released, signalling entry.
type slowScrollDriver struct {
	vector.Driver
	startOnce sync.Once
	started   chan struct{}
	release   chan struct{}
}

func (d *slowScrollDriver) Scroll(ctx context.Context, collection string, filter map[string]any) ([]vector.Document, error) {
	d.startOnce.Do(func() { close(d.started) })
	<-d.release
	return d.Driver.Scroll(ctx, collection, filter)
}
