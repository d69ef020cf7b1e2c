package intent_test

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/corridorhq/mnemo/pkg/intent"
	"github.com/corridorhq/mnemo/pkg/llm"
)

// scriptedCompleter returns a fixed response or error and counts calls.
type scriptedCompleter struct {
	response string
	err      error
	calls    int
}

func (c *scriptedCompleter) Complete(_ context.Context, _ string) (string, error) {
	c.calls++
	return c.response, c.err
}

func (c *scriptedCompleter) Close() error { return nil }

var _ llm.Completer = (*scriptedCompleter)(nil)

var _ = Describe("Extractor", func() {
	var (
		ctx       context.Context
		extractor *intent.Extractor
	)

	BeforeEach(func() {
		ctx = context.Background()

		var err error
		extractor, err = intent.NewExtractor(intent.Config{}, nil, zap.NewNop())
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		Expect(extractor.Close()).To(Succeed())
	})

	Describe("Classify", func() {
		DescribeTable("rule-based intents",
			func(query string, want intent.Intent) {
				c, err := extractor.Classify(ctx, query)
				Expect(err).NotTo(HaveOccurred())
				Expect(c.Intent).To(Equal(want))
			},
			Entry("tariff", "what is the duty rate for HS 8471.30 into Germany?", intent.IntentTariff),
			Entry("sanctions", "is this consignee on the OFAC sdn list?", intent.IntentSanctions),
			Entry("compliance", "do we need an export license for this shipment?", intent.IntentComplianceQuery),
			Entry("fact lookup", "who is the broker of record for this corridor?", intent.IntentFactLookup),
			Entry("general", "thanks, that was helpful", intent.IntentGeneral),
		)

		It("classifies a blank query as general with zero confidence", func() {
			c, err := extractor.Classify(ctx, "   ")
			Expect(err).NotTo(HaveOccurred())
			Expect(c.Intent).To(Equal(intent.IntentGeneral))
			Expect(c.Confidence).To(BeZero())
		})

		It("is stable across repeated calls", func() {
			first, err := extractor.Classify(ctx, "duty rate for 8471.30")
			Expect(err).NotTo(HaveOccurred())
			second, err := extractor.Classify(ctx, "duty rate for 8471.30")
			Expect(err).NotTo(HaveOccurred())
			Expect(second).To(Equal(first))
		})

		Context("with the LLM fallback enabled", func() {
			It("refines a low-confidence rule result", func() {
				completer := &scriptedCompleter{response: "tariff"}
				ext, err := intent.NewExtractor(intent.Config{LLMFallback: true}, completer, zap.NewNop())
				Expect(err).NotTo(HaveOccurred())
				defer ext.Close()

				c, err := ext.Classify(ctx, "tell me about the 8471 situation again")
				Expect(err).NotTo(HaveOccurred())
				Expect(c.Intent).To(Equal(intent.IntentTariff))
				Expect(completer.calls).To(Equal(1))
			})

			It("keeps the rule result when the completer fails", func() {
				completer := &scriptedCompleter{err: errors.New("connection refused")}
				ext, err := intent.NewExtractor(intent.Config{LLMFallback: true}, completer, zap.NewNop())
				Expect(err).NotTo(HaveOccurred())
				defer ext.Close()

				c, err := ext.Classify(ctx, "tell me about that again")
				Expect(err).NotTo(HaveOccurred())
				Expect(c.Intent).To(Equal(intent.IntentGeneral))
			})

			It("keeps the rule result when the completer returns an unknown label", func() {
				completer := &scriptedCompleter{response: "definitely a tariff question"}
				ext, err := intent.NewExtractor(intent.Config{LLMFallback: true}, completer, zap.NewNop())
				Expect(err).NotTo(HaveOccurred())
				defer ext.Close()

				c, err := ext.Classify(ctx, "tell me about that again")
				Expect(err).NotTo(HaveOccurred())
				Expect(c.Intent).To(Equal(intent.IntentGeneral))
			})

			It("does not consult the completer for a confident rule match", func() {
				completer := &scriptedCompleter{response: "general"}
				ext, err := intent.NewExtractor(intent.Config{LLMFallback: true}, completer, zap.NewNop())
				Expect(err).NotTo(HaveOccurred())
				defer ext.Close()

				c, err := ext.Classify(ctx, "is there an embargo on this destination?")
				Expect(err).NotTo(HaveOccurred())
				Expect(c.Intent).To(Equal(intent.IntentSanctions))
				Expect(completer.calls).To(BeZero())
			})
		})
	})

	Describe("ExtractEntities", func() {
		It("extracts HS codes with dot-free canonical ids", func() {
			entities, err := extractor.ExtractEntities(ctx, "classify under 8471.30.01 please")
			Expect(err).NotTo(HaveOccurred())
			Expect(entities).To(HaveLen(1))
			Expect(entities[0].Type).To(Equal(intent.EntityHSCode))
			Expect(entities[0].CanonicalID).To(Equal("hs:84713001"))
		})

		It("skips bare year-like numbers", func() {
			entities, err := extractor.ExtractEntities(ctx, "the 2024 ruling")
			Expect(err).NotTo(HaveOccurred())
			Expect(entities).To(BeEmpty())
		})

		It("extracts countries with ISO canonical ids", func() {
			entities, err := extractor.ExtractEntities(ctx, "shipping from Mexico to the United States")
			Expect(err).NotTo(HaveOccurred())
			Expect(entities).To(HaveLen(2))
			Expect(entities[0].CanonicalID).To(Equal("MX"))
			Expect(entities[1].CanonicalID).To(Equal("US"))
		})

		It("extracts regulation identifiers and incoterms", func() {
			entities, err := extractor.ExtractEntities(ctx, "does ITAR apply to a DDP shipment?")
			Expect(err).NotTo(HaveOccurred())
			Expect(entities).To(HaveLen(2))
			Expect(entities[0].CanonicalID).To(Equal("reg:ITAR"))
			Expect(entities[1].CanonicalID).To(Equal("incoterm:DDP"))
		})

		It("deduplicates entities by canonical id", func() {
			entities, err := extractor.ExtractEntities(ctx, "Germany and germany and DE... I mean Germany")
			Expect(err).NotTo(HaveOccurred())
			Expect(entities).To(HaveLen(1))
			Expect(entities[0].CanonicalID).To(Equal("DE"))
		})

		Context("with the LLM fallback enabled", func() {
			It("merges open-ended entities from the completer with rule results", func() {
				completer := &scriptedCompleter{response: `[{"text": "ACME GmbH", "type": "organization"}]`}
				ext, err := intent.NewExtractor(intent.Config{LLMFallback: true}, completer, zap.NewNop())
				Expect(err).NotTo(HaveOccurred())
				defer ext.Close()

				entities, err := ext.ExtractEntities(ctx, "can ACME GmbH ship 8471.30 to Germany?")
				Expect(err).NotTo(HaveOccurred())
				Expect(completer.calls).To(Equal(1))
				Expect(entities).To(HaveLen(3))

				ids := make([]string, len(entities))
				for i, e := range entities {
					ids[i] = e.CanonicalID
				}
				Expect(ids).To(ContainElements("hs:847130", "DE", "organization:acme gmbh"))
			})

			It("deduplicates completer entities against rule results", func() {
				completer := &scriptedCompleter{response: `[{"text": "Germany", "type": "country", "canonical_id": "DE"}]`}
				ext, err := intent.NewExtractor(intent.Config{LLMFallback: true}, completer, zap.NewNop())
				Expect(err).NotTo(HaveOccurred())
				defer ext.Close()

				entities, err := ext.ExtractEntities(ctx, "restrictions for Germany?")
				Expect(err).NotTo(HaveOccurred())
				Expect(entities).To(HaveLen(1))
				Expect(entities[0].CanonicalID).To(Equal("DE"))
			})

			It("assigns untyped completer entities the named type", func() {
				completer := &scriptedCompleter{response: `[{"text": "graphene sheets"}]`}
				ext, err := intent.NewExtractor(intent.Config{LLMFallback: true}, completer, zap.NewNop())
				Expect(err).NotTo(HaveOccurred())
				defer ext.Close()

				entities, err := ext.ExtractEntities(ctx, "how do we export graphene sheets?")
				Expect(err).NotTo(HaveOccurred())
				Expect(entities).To(HaveLen(1))
				Expect(entities[0].Type).To(Equal(intent.EntityNamed))
				Expect(entities[0].CanonicalID).To(Equal("named:graphene sheets"))
			})

			It("keeps the rule results when the completer fails", func() {
				completer := &scriptedCompleter{err: errors.New("connection refused")}
				ext, err := intent.NewExtractor(intent.Config{LLMFallback: true}, completer, zap.NewNop())
				Expect(err).NotTo(HaveOccurred())
				defer ext.Close()

				entities, err := ext.ExtractEntities(ctx, "shipping to Mexico")
				Expect(err).NotTo(HaveOccurred())
				Expect(entities).To(HaveLen(1))
				Expect(entities[0].CanonicalID).To(Equal("MX"))
			})

			It("keeps the rule results when the completer returns no JSON array", func() {
				completer := &scriptedCompleter{response: "there are no entities here"}
				ext, err := intent.NewExtractor(intent.Config{LLMFallback: true}, completer, zap.NewNop())
				Expect(err).NotTo(HaveOccurred())
				defer ext.Close()

				entities, err := ext.ExtractEntities(ctx, "shipping to Mexico")
				Expect(err).NotTo(HaveOccurred())
				Expect(entities).To(HaveLen(1))
				Expect(entities[0].CanonicalID).To(Equal("MX"))
			})
		})
	})
})
