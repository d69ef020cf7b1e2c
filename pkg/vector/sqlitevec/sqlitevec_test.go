package sqlitevec_test

import (
	"context"
	"errors"
	"fmt"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/corridorhq/mnemo/pkg/vector"
	"github.com/corridorhq/mnemo/pkg/vector/sqlitevec"
)

var _ = Describe("SQLiteVecDriver", func() {
	var (
		logger *zap.Logger
		ctx    context.Context
	)

	BeforeEach(func() {
		logger = zap.NewNop()
		ctx = context.Background()
	})

	Describe("NewSQLiteVecDriver", func() {
		It("should return an error when DBPath is empty", func() {
			_, err := sqlitevec.NewSQLiteVecDriver(sqlitevec.Config{Dimensions: 4}, logger)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("database path is required"))
		})

		It("should return an error when dimensions are not specified", func() {
			_, err := sqlitevec.NewSQLiteVecDriver(sqlitevec.Config{DBPath: ":memory:"}, logger)
			Expect(err).To(HaveOccurred())
		})

		It("should create a driver with an in-memory database", func() {
			driver, err := sqlitevec.NewSQLiteVecDriver(sqlitevec.Config{
				DBPath:     ":memory:",
				Dimensions: 4,
			}, logger)
			Expect(err).NotTo(HaveOccurred())
			Expect(driver).NotTo(BeNil())
			Expect(driver.Close()).To(Succeed())
		})
	})

	Describe("Interface compliance", func() {
		It("should implement vector.Driver", func() {
			var _ vector.Driver = (*sqlitevec.SQLiteVecDriver)(nil)
		})
	})

	Context("with an open driver", func() {
		var driver *sqlitevec.SQLiteVecDriver

		BeforeEach(func() {
			var err error
			driver, err = sqlitevec.NewSQLiteVecDriver(sqlitevec.Config{
				DBPath:     ":memory:",
				Dimensions: 4,
			}, logger)
			Expect(err).NotTo(HaveOccurred())
		})

		AfterEach(func() {
			Expect(driver.Close()).To(Succeed())
		})

		Describe("Upsert", func() {
			It("should do nothing when given empty docs", func() {
				Expect(driver.Upsert(ctx, vector.CollectionEpisodic, nil)).To(Succeed())
			})

			It("should store a document retrievable by id", func() {
				docs := []vector.Document{{
					ID:        "fact-1",
					Text:      "customer ships under DAP terms",
					Embedding: []float32{1, 0, 0, 0},
					Metadata:  map[string]any{"session_id": "sess-1"},
				}}
				Expect(driver.Upsert(ctx, vector.CollectionEpisodic, docs)).To(Succeed())

				got, err := driver.Get(ctx, vector.CollectionEpisodic, []string{"fact-1"})
				Expect(err).NotTo(HaveOccurred())
				Expect(got).To(HaveLen(1))
				Expect(got[0].ID).To(Equal("fact-1"))
				Expect(got[0].Text).To(Equal("customer ships under DAP terms"))
				Expect(got[0].Metadata).To(HaveKeyWithValue("session_id", "sess-1"))
			})

			It("should replace a document with the same id", func() {
				doc := vector.Document{
					ID:        "fact-1",
					Text:      "original",
					Embedding: []float32{1, 0, 0, 0},
				}
				Expect(driver.Upsert(ctx, vector.CollectionEpisodic, []vector.Document{doc})).To(Succeed())

				doc.Text = "revised"
				doc.Embedding = []float32{0, 1, 0, 0}
				Expect(driver.Upsert(ctx, vector.CollectionEpisodic, []vector.Document{doc})).To(Succeed())

				got, err := driver.Get(ctx, vector.CollectionEpisodic, []string{"fact-1"})
				Expect(err).NotTo(HaveOccurred())
				Expect(got).To(HaveLen(1))
				Expect(got[0].Text).To(Equal("revised"))
			})
		})

		Describe("Query", func() {
			BeforeEach(func() {
				docs := []vector.Document{
					{ID: "a", Text: "alpha", Embedding: []float32{1, 0, 0, 0}, Metadata: map[string]any{"session_id": "s1"}},
					{ID: "b", Text: "beta", Embedding: []float32{0, 1, 0, 0}, Metadata: map[string]any{"session_id": "s2"}},
					{ID: "c", Text: "gamma", Embedding: []float32{0.9, 0.1, 0, 0}, Metadata: map[string]any{"session_id": "s1"}},
				}
				Expect(driver.Upsert(ctx, vector.CollectionEpisodic, docs)).To(Succeed())
			})

			It("should rank the nearest document first", func() {
				results, err := driver.Query(ctx, vector.CollectionEpisodic, []float32{1, 0, 0, 0}, 3, nil)
				Expect(err).NotTo(HaveOccurred())
				Expect(len(results)).To(BeNumerically(">=", 2))
				Expect(results[0].ID).To(Equal("a"))
				Expect(results[0].Score).To(BeNumerically(">", results[1].Score))
			})

			It("should restrict results by metadata filter", func() {
				results, err := driver.Query(ctx, vector.CollectionEpisodic, []float32{1, 0, 0, 0}, 3,
					map[string]any{"session_id": "s1"})
				Expect(err).NotTo(HaveOccurred())
				for _, r := range results {
					Expect(r.Metadata).To(HaveKeyWithValue("session_id", "s1"))
				}
			})

			It("should find the filtered nearest even when crowded out globally", func() {
				// Many nearer vectors in other sessions and the other
				// collection must not push the session's own fact out of
				// a topK=1 KNN.
				var noise []vector.Document
				for i := 0; i < 20; i++ {
					noise = append(noise, vector.Document{
						ID:        fmt.Sprintf("other-%d", i),
						Embedding: []float32{1, 0.001 * float32(i), 0, 0},
						Metadata:  map[string]any{"session_id": "other"},
					})
				}
				Expect(driver.Upsert(ctx, vector.CollectionEpisodic, noise)).To(Succeed())
				Expect(driver.Upsert(ctx, vector.CollectionSemantic, []vector.Document{
					{ID: "sem-near", Embedding: []float32{1, 0, 0, 0}},
				})).To(Succeed())
				Expect(driver.Upsert(ctx, vector.CollectionEpisodic, []vector.Document{
					{ID: "mine", Embedding: []float32{0.7, 0.7, 0, 0}, Metadata: map[string]any{"session_id": "s9"}},
				})).To(Succeed())

				results, err := driver.Query(ctx, vector.CollectionEpisodic, []float32{1, 0, 0, 0}, 1,
					map[string]any{"session_id": "s9"})
				Expect(err).NotTo(HaveOccurred())
				Expect(results).To(HaveLen(1))
				Expect(results[0].ID).To(Equal("mine"))
			})

			It("should not return documents from another collection", func() {
				Expect(driver.Upsert(ctx, vector.CollectionSemantic, []vector.Document{
					{ID: "sem-1", Text: "semantic", Embedding: []float32{1, 0, 0, 0}},
				})).To(Succeed())

				results, err := driver.Query(ctx, vector.CollectionSemantic, []float32{1, 0, 0, 0}, 5, nil)
				Expect(err).NotTo(HaveOccurred())
				Expect(results).To(HaveLen(1))
				Expect(results[0].ID).To(Equal("sem-1"))
			})
		})

		Describe("Delete", func() {
			It("should remove documents by id", func() {
				Expect(driver.Upsert(ctx, vector.CollectionEpisodic, []vector.Document{
					{ID: "fact-1", Embedding: []float32{1, 0, 0, 0}},
				})).To(Succeed())

				Expect(driver.Delete(ctx, vector.CollectionEpisodic, []string{"fact-1"})).To(Succeed())

				got, err := driver.Get(ctx, vector.CollectionEpisodic, []string{"fact-1"})
				Expect(err).NotTo(HaveOccurred())
				Expect(got).To(BeEmpty())
			})
		})

		Describe("SetMetadata", func() {
			It("should merge the patch without touching other fields", func() {
				Expect(driver.Upsert(ctx, vector.CollectionEpisodic, []vector.Document{{
					ID:        "fact-1",
					Embedding: []float32{1, 0, 0, 0},
					Metadata:  map[string]any{"session_id": "s1", "salience": 0.5},
				}})).To(Succeed())

				Expect(driver.SetMetadata(ctx, vector.CollectionEpisodic, "fact-1",
					map[string]any{"salience": 0.7})).To(Succeed())

				got, err := driver.Get(ctx, vector.CollectionEpisodic, []string{"fact-1"})
				Expect(err).NotTo(HaveOccurred())
				Expect(got).To(HaveLen(1))
				Expect(got[0].Metadata).To(HaveKeyWithValue("session_id", "s1"))
				Expect(got[0].Metadata).To(HaveKeyWithValue("salience", 0.7))
			})

			It("should return ErrNotFound for an unknown id", func() {
				err := driver.SetMetadata(ctx, vector.CollectionEpisodic, "missing",
					map[string]any{"salience": 0.1})
				Expect(errors.Is(err, vector.ErrNotFound)).To(BeTrue())
			})
		})

		Describe("Scroll", func() {
			BeforeEach(func() {
				Expect(driver.Upsert(ctx, vector.CollectionEpisodic, []vector.Document{
					{ID: "a", Embedding: []float32{1, 0, 0, 0}, Metadata: map[string]any{"session_id": "s1"}},
					{ID: "b", Embedding: []float32{0, 1, 0, 0}, Metadata: map[string]any{"session_id": "s2"}},
				})).To(Succeed())
			})

			It("should return every document with a nil filter", func() {
				docs, err := driver.Scroll(ctx, vector.CollectionEpisodic, nil)
				Expect(err).NotTo(HaveOccurred())
				Expect(docs).To(HaveLen(2))
			})

			It("should honor metadata filters", func() {
				docs, err := driver.Scroll(ctx, vector.CollectionEpisodic,
					map[string]any{"session_id": "s2"})
				Expect(err).NotTo(HaveOccurred())
				Expect(docs).To(HaveLen(1))
				Expect(docs[0].ID).To(Equal("b"))
			})
		})
	})
})
