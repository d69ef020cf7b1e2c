package servecmder

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/corridorhq/mnemo/pkg/eventstream/nop"
	"github.com/corridorhq/mnemo/pkg/memory"
)

// scriptedCompleter returns a canned reply regardless of the prompt.
type scriptedCompleter struct {
	reply string
	// lastPrompt captures what the engine actually sent.
	lastPrompt string
}

func (s *scriptedCompleter) Complete(_ context.Context, prompt string) (string, error) {
	s.lastPrompt = prompt
	return s.reply, nil
}

func (s *scriptedCompleter) Close() error { return nil }

var _ = Describe("NewServeCmd", func() {
	It("registers every configuration flag", func() {
		cmd := NewServeCmd()
		for _, name := range []string{
			"listen", "vector-store-provider", "vector-store-target",
			"embedding-provider", "embedding-target", "embedding-model",
			"embedding-dimensions", "llm-provider", "llm-target", "llm-model",
			"eventstream-provider", "eventstream-topic",
		} {
			Expect(cmd.Flags().Lookup(name)).NotTo(BeNil(), "missing flag %s", name)
		}
	})
})

var _ = Describe("splitHostPort", func() {
	It("splits a host:port target", func() {
		host, port := splitHostPort("localhost:6334")
		Expect(host).To(Equal("localhost"))
		Expect(port).To(Equal(6334))
	})

	It("passes a portless target through with port 0", func() {
		host, port := splitHostPort("/var/lib/mnemo/mnemo.db")
		Expect(host).To(Equal("/var/lib/mnemo/mnemo.db"))
		Expect(port).To(Equal(0))
	})
})

var _ = Describe("hostOrPath", func() {
	It("gives qdrant the bare host", func() {
		Expect(hostOrPath("qdrant", "localhost:6334", "localhost")).To(Equal("localhost"))
	})

	It("gives sqlite the raw target", func() {
		Expect(hostOrPath("sqlite", "./mnemo.db", "./mnemo.db")).To(Equal("./mnemo.db"))
	})
})

var _ = Describe("newPublisher", func() {
	var cmder *ServeCommander

	BeforeEach(func() {
		cmder = &ServeCommander{logger: zap.NewNop()}
	})

	It("defaults to the nop publisher when unset", func() {
		v := viper.New()
		pub, err := cmder.newPublisher(v)
		Expect(err).NotTo(HaveOccurred())
		Expect(pub).To(BeAssignableToTypeOf(nop.NewPublisher()))
	})

	It("accepts an explicit nop provider", func() {
		v := viper.New()
		v.Set("eventstream.provider", "nop")
		_, err := cmder.newPublisher(v)
		Expect(err).NotTo(HaveOccurred())
	})

	It("rejects unknown providers", func() {
		v := viper.New()
		v.Set("eventstream.provider", "rabbitmq")
		_, err := cmder.newPublisher(v)
		Expect(err).To(MatchError(ContainSubstring("unsupported eventstream provider")))
	})
})

var _ = Describe("newCompleter", func() {
	It("rejects providers other than ollama", func() {
		cmder := &ServeCommander{logger: zap.NewNop()}
		v := viper.New()
		v.Set("llm.provider", "openai")
		_, err := cmder.newCompleter(v)
		Expect(err).To(MatchError(ContainSubstring("unsupported llm provider")))
	})
})

var _ = Describe("newGenerateFunc", func() {
	var (
		ctx      context.Context
		memories []memory.RecalledMemory
	)

	BeforeEach(func() {
		ctx = context.Background()
		memories = []memory.RecalledMemory{
			{ID: "11111111-1111-1111-1111-111111111111", Text: "ships DAP", Tier: memory.TierEpisodic},
			{ID: "22222222-2222-2222-2222-222222222222", Text: "prefers air freight", Tier: memory.TierSemantic},
		}
	})

	It("lists recalled memories and the user turn in the prompt", func() {
		completer := &scriptedCompleter{reply: "ok"}
		generate := newGenerateFunc(completer)

		_, err := generate(ctx, []memory.Turn{{Role: memory.RoleUser, Text: "earlier"}}, memories, "what terms?")
		Expect(err).NotTo(HaveOccurred())
		Expect(completer.lastPrompt).To(ContainSubstring("[mem:11111111-1111-1111-1111-111111111111] ships DAP"))
		Expect(completer.lastPrompt).To(ContainSubstring("user: earlier"))
		Expect(completer.lastPrompt).To(ContainSubstring("user: what terms?"))
	})

	It("extracts citations and strips the markers from the reply", func() {
		completer := &scriptedCompleter{
			reply: "You ship DAP [mem:11111111-1111-1111-1111-111111111111] by air [mem:22222222-2222-2222-2222-222222222222].",
		}
		generate := newGenerateFunc(completer)

		resp, err := generate(ctx, nil, memories, "what terms?")
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Text).NotTo(ContainSubstring("[mem:"))
		Expect(resp.Citations).To(HaveLen(2))
		Expect(resp.Citations[0].FactID).To(Equal("11111111-1111-1111-1111-111111111111"))
		Expect(resp.Citations[0].Tier).To(Equal(memory.TierEpisodic))
		Expect(resp.Citations[1].Tier).To(Equal(memory.TierSemantic))
	})

	It("deduplicates repeated citations of the same fact", func() {
		completer := &scriptedCompleter{
			reply: "[mem:11111111-1111-1111-1111-111111111111] and again [mem:11111111-1111-1111-1111-111111111111]",
		}
		generate := newGenerateFunc(completer)

		resp, err := generate(ctx, nil, memories, "q")
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Citations).To(HaveLen(1))
	})

	It("ignores citations of ids that were never recalled", func() {
		completer := &scriptedCompleter{
			reply: "made up [mem:99999999-9999-9999-9999-999999999999]",
		}
		generate := newGenerateFunc(completer)

		resp, err := generate(ctx, nil, memories, "q")
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Citations).To(BeEmpty())
	})
})
