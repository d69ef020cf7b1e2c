package initcmder_test

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	initcmder "github.com/corridorhq/mnemo/cmd/mnemo/init"
	"github.com/corridorhq/mnemo/pkg/config"
)

var _ = Describe("Init command", func() {
	var (
		tmpDir  string
		origDir string
	)

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "mnemo-init-test-*")
		Expect(err).NotTo(HaveOccurred())

		origDir, err = os.Getwd()
		Expect(err).NotTo(HaveOccurred())

		err = os.Chdir(tmpDir)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		err := os.Chdir(origDir)
		Expect(err).NotTo(HaveOccurred())
		os.RemoveAll(tmpDir)
	})

	It("creates a local .mnemo directory", func() {
		cmd := initcmder.NewInitCmd()
		cmd.SetArgs([]string{})
		err := cmd.Execute()
		Expect(err).NotTo(HaveOccurred())

		info, err := os.Stat(filepath.Join(tmpDir, ".mnemo"))
		Expect(err).NotTo(HaveOccurred())
		Expect(info.IsDir()).To(BeTrue())
	})

	It("is idempotent when the directory already exists", func() {
		Expect(os.Mkdir(filepath.Join(tmpDir, ".mnemo"), 0o755)).To(Succeed())

		cmd := initcmder.NewInitCmd()
		cmd.SetArgs([]string{})
		err := cmd.Execute()
		Expect(err).NotTo(HaveOccurred())
	})

	It("rejects positional arguments", func() {
		cmd := initcmder.NewInitCmd()
		cmd.SetArgs([]string{"extra"})
		err := cmd.Execute()
		Expect(err).To(HaveOccurred())
	})

	Describe("with --preset", func() {
		It("writes a server preset config", func() {
			cmd := initcmder.NewInitCmd()
			cmd.SetArgs([]string{"--preset", "server"})
			err := cmd.Execute()
			Expect(err).NotTo(HaveOccurred())

			cfger, err := config.NewConfiger(filepath.Join(tmpDir, ".mnemo"))
			Expect(err).NotTo(HaveOccurred())

			cfg, err := cfger.LoadConfig()
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.VectorStore.Provider).To(Equal("qdrant"))
			Expect(cfg.EventStream.Provider).To(Equal("kafka"))
			Expect(cfg.EventStream.Brokers).To(Equal([]string{"localhost:9092"}))
		})

		It("writes a local preset config", func() {
			cmd := initcmder.NewInitCmd()
			cmd.SetArgs([]string{"--preset", "local"})
			err := cmd.Execute()
			Expect(err).NotTo(HaveOccurred())

			cfger, err := config.NewConfiger(filepath.Join(tmpDir, ".mnemo"))
			Expect(err).NotTo(HaveOccurred())

			cfg, err := cfger.LoadConfig()
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.VectorStore.Provider).To(Equal("sqlite"))
			Expect(cfg.VectorStore.Target).To(Equal("mnemo.db"))
		})

		It("rejects unknown presets", func() {
			cmd := initcmder.NewInitCmd()
			cmd.SetArgs([]string{"--preset", "nonexistent"})
			err := cmd.Execute()
			Expect(err).To(HaveOccurred())
		})
	})
})
