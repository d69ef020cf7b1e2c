package logger

import (
	"bytes"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("NewLoggerWithWriters", func() {
	It("writes info lines to the provided writer", func() {
		var buf bytes.Buffer
		l := NewLoggerWithWriters(false, &buf)
		l.Info("engine started")
		l.Sync()

		Expect(buf.String()).To(ContainSubstring("engine started"))
	})

	It("filters debug lines unless debug is enabled", func() {
		var buf bytes.Buffer
		l := NewLoggerWithWriters(false, &buf)
		l.Debug("hidden")
		l.Sync()

		Expect(buf.String()).To(BeEmpty())
	})

	It("emits debug lines when debug is enabled", func() {
		var buf bytes.Buffer
		l := NewLoggerWithWriters(true, &buf)
		l.Debug("visible")
		l.Sync()

		Expect(buf.String()).To(ContainSubstring("visible"))
	})

	It("fans out to multiple writers", func() {
		var a, b bytes.Buffer
		l := NewLoggerWithWriters(false, &a, &b)
		l.Info("both")
		l.Sync()

		Expect(a.String()).To(ContainSubstring("both"))
		Expect(b.String()).To(ContainSubstring("both"))
	})
})
