package vector

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Cosine", func() {
	It("returns 1 for identical vectors", func() {
		v := []float32{0.3, 0.4, 0.5}
		Expect(Cosine(v, v)).To(BeNumerically("~", 1.0, 1e-6))
	})

	It("returns 0 for orthogonal vectors", func() {
		Expect(Cosine([]float32{1, 0}, []float32{0, 1})).To(BeNumerically("~", 0.0, 1e-6))
	})

	It("returns -1 for opposite vectors", func() {
		Expect(Cosine([]float32{1, 0}, []float32{-1, 0})).To(BeNumerically("~", -1.0, 1e-6))
	})

	It("is magnitude invariant", func() {
		a := []float32{1, 2, 3}
		b := []float32{2, 4, 6}
		Expect(Cosine(a, b)).To(BeNumerically("~", 1.0, 1e-6))
	})

	It("returns 0 for mismatched lengths", func() {
		Expect(Cosine([]float32{1}, []float32{1, 2})).To(Equal(float32(0)))
	})

	It("returns 0 for zero vectors", func() {
		Expect(Cosine([]float32{0, 0}, []float32{1, 1})).To(Equal(float32(0)))
	})
})
