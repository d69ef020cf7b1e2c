package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/corridorhq/mnemo/pkg/llm"
)

var _ = Describe("Completer", func() {
	var (
		server *httptest.Server
		ctx    context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
	})

	AfterEach(func() {
		if server != nil {
			server.Close()
		}
	})

	newServer := func(response string, status int) *Completer {
		server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			Expect(r.URL.Path).To(Equal("/api/generate"))
			w.WriteHeader(status)
			json.NewEncoder(w).Encode(map[string]string{"response": response})
		}))

		c, err := NewCompleter(Config{BaseURL: server.URL, Model: "test-model"})
		Expect(err).NotTo(HaveOccurred())
		return c
	}

	Describe("Complete", func() {
		It("returns the model's response text", func() {
			c := newServer("distilled fact", http.StatusOK)

			out, err := c.Complete(ctx, "summarize this")
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(Equal("distilled fact"))
		})

		It("wraps upstream failures as ErrUnavailable", func() {
			c := newServer("", http.StatusInternalServerError)

			_, err := c.Complete(ctx, "summarize this")
			Expect(err).To(MatchError(llm.ErrUnavailable))
		})
	})

	Describe("Rerank", func() {
		It("applies the model's index order", func() {
			c := newServer("[2, 0, 1]", http.StatusOK)

			order, err := c.Rerank(ctx, "q", []string{"a", "b", "c"})
			Expect(err).NotTo(HaveOccurred())
			Expect(order).To(Equal([]int{2, 0, 1}))
		})

		It("falls back to input order on unparseable output", func() {
			c := newServer("I cannot rank these.", http.StatusOK)

			order, err := c.Rerank(ctx, "q", []string{"a", "b", "c"})
			Expect(err).NotTo(HaveOccurred())
			Expect(order).To(Equal([]int{0, 1, 2}))
		})

		It("repairs partial permutations", func() {
			c := newServer("[2, 2, 9]", http.StatusOK)

			order, err := c.Rerank(ctx, "q", []string{"a", "b", "c"})
			Expect(err).NotTo(HaveOccurred())
			Expect(order).To(Equal([]int{2, 0, 1}))
		})

		It("returns nil for no candidates", func() {
			c := newServer("[]", http.StatusOK)

			order, err := c.Rerank(ctx, "q", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(order).To(BeNil())
		})
	})
})
