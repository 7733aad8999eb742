package servecmder

import (
	"context"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/spool/pkg/config"
	"github.com/papercomputeco/spool/pkg/eventstream/kafka"
	"github.com/papercomputeco/spool/pkg/eventstream/nop"
	"github.com/papercomputeco/spool/pkg/streamlog/inmemory"
	"github.com/papercomputeco/spool/pkg/streamlog/sqlite"
)

var _ = Describe("NewServeCmd", func() {
	It("registers flags with defaults from the default config", func() {
		cmd := NewServeCmd()
		defaults := config.NewDefaultConfig()

		Expect(cmd.Flags().Lookup("listen").DefValue).To(Equal(defaults.Server.Listen))
		Expect(cmd.Flags().Lookup("storage").DefValue).To(Equal(defaults.Storage.Driver))
		Expect(cmd.Flags().Lookup("relay").DefValue).To(Equal("true"))
		Expect(cmd.Flags().Lookup("eventstream-provider").DefValue).To(Equal("nop"))
	})

	It("rejects positional arguments", func() {
		cmd := NewServeCmd()
		Expect(cmd.Args(cmd, []string{"extra"})).To(HaveOccurred())
	})

	It("resolves flags over the config file", func() {
		tmpDir := GinkgoT().TempDir()
		data := "[storage]\ndriver = \"sqlite\"\n\n[relay]\nenabled = true\n"
		Expect(os.WriteFile(filepath.Join(tmpDir, "config.toml"), []byte(data), 0o600)).To(Succeed())

		cmd, cmder := newServeCmd()
		cmd.Flags().String("config-dir", "", "")
		Expect(cmd.Flags().Set("config-dir", tmpDir)).To(Succeed())
		Expect(cmd.Flags().Set("relay", "false")).To(Succeed())
		Expect(cmd.Flags().Set("listen", ":9999")).To(Succeed())

		Expect(cmd.PreRunE(cmd, nil)).To(Succeed())
		Expect(cmder.cfg.Storage.Driver).To(Equal(config.StorageSQLite))
		Expect(cmder.cfg.Relay.Enabled).To(BeFalse())
		Expect(cmder.cfg.Server.Listen).To(Equal(":9999"))
		Expect(cmder.configDir).To(Equal(tmpDir))
	})

	It("rejects an unknown storage driver", func() {
		tmpDir := GinkgoT().TempDir()

		cmd := NewServeCmd()
		cmd.Flags().String("config-dir", "", "")
		Expect(cmd.Flags().Set("config-dir", tmpDir)).To(Succeed())
		Expect(cmd.Flags().Set("storage", "tape")).To(Succeed())

		Expect(cmd.PreRunE(cmd, nil)).To(MatchError(ContainSubstring("unsupported storage driver")))
	})
})

var _ = Describe("option conversion", func() {
	It("converts durable settings to durations", func() {
		opts := durableOptions(config.DurableConfig{
			MaxLength:           50,
			TTLSeconds:          3,
			InactivityTimeoutMs: 250,
			BlockTimeoutMs:      100,
			MaxRetries:          2,
			RetryBackoffMs:      10,
		})
		Expect(opts.MaxLength).To(Equal(int64(50)))
		Expect(opts.TTL).To(Equal(3 * time.Second))
		Expect(opts.InactivityTimeout).To(Equal(250 * time.Millisecond))
		Expect(opts.BlockTimeout).To(Equal(100 * time.Millisecond))
		Expect(opts.MaxRetries).To(Equal(2))
		Expect(opts.RetryBackoff).To(Equal(10 * time.Millisecond))
	})

	It("converts relay settings to durations", func() {
		opts := relayOptions(config.NewDefaultConfig().Relay)
		Expect(opts.BufferTTL).To(Equal(time.Minute))
		Expect(opts.WaitTimeout).To(Equal(time.Second))
		Expect(opts.PollInterval).To(Equal(25 * time.Millisecond))
		Expect(opts.MaxBufferedBytes).To(Equal(8 << 20))
	})

	It("leaves the s2 client unset without an access token", func() {
		cfg, err := s2Config(config.NewDefaultConfig().S2)
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.Client).To(BeNil())
		Expect(cfg.TokenTTL).To(Equal(24 * time.Hour))
	})

	It("creates an s2 client with an access token", func() {
		s2cfg := config.NewDefaultConfig().S2
		s2cfg.AccessToken = "token"
		s2cfg.BasinTemplate = "spool-{environment}"

		cfg, err := s2Config(s2cfg)
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.Client).NotTo(BeNil())
		Expect(cfg.Client.BasinURL("spool-prod")).To(Equal("https://spool-prod.b.aws.s2.dev"))
		Expect(cfg.BasinTemplate).To(Equal("spool-{environment}"))
	})
})

var _ = Describe("newStreamLog", func() {
	ctx := context.Background()

	It("opens the in-memory log by default", func() {
		log, err := newStreamLog(ctx, config.StorageConfig{}, "")
		Expect(err).NotTo(HaveOccurred())
		Expect(log).To(BeAssignableToTypeOf(&inmemory.Log{}))
		Expect(log.Close()).To(Succeed())
	})

	It("creates the sqlite database in the config directory", func() {
		tmpDir := GinkgoT().TempDir()

		log, err := newStreamLog(ctx, config.StorageConfig{Driver: config.StorageSQLite}, tmpDir)
		Expect(err).NotTo(HaveOccurred())
		Expect(log).To(BeAssignableToTypeOf(&sqlite.Log{}))
		defer log.Close()

		_, err = os.Stat(filepath.Join(tmpDir, config.DefaultSQLiteFile()))
		Expect(err).NotTo(HaveOccurred())
	})

	It("requires a dsn for postgres", func() {
		_, err := newStreamLog(ctx, config.StorageConfig{Driver: config.StoragePostgres}, "")
		Expect(err).To(MatchError(ContainSubstring("postgres_dsn")))
	})

	It("requires an address for redis", func() {
		_, err := newStreamLog(ctx, config.StorageConfig{Driver: config.StorageRedis}, "")
		Expect(err).To(HaveOccurred())
	})

	It("rejects unknown drivers", func() {
		_, err := newStreamLog(ctx, config.StorageConfig{Driver: "tape"}, "")
		Expect(err).To(MatchError(ContainSubstring("unsupported storage driver")))
	})
})

var _ = Describe("newPublisher", func() {
	It("defaults to the no-op publisher", func() {
		pub, err := newPublisher(config.EventStreamConfig{})
		Expect(err).NotTo(HaveOccurred())
		Expect(pub).To(BeAssignableToTypeOf(&nop.Publisher{}))
	})

	It("creates a kafka publisher", func() {
		pub, err := newPublisher(config.EventStreamConfig{Provider: "kafka", Brokers: []string{"localhost:9092"}, Topic: "spool.stream.events"})
		Expect(err).NotTo(HaveOccurred())
		Expect(pub).To(BeAssignableToTypeOf(&kafka.Publisher{}))
		Expect(pub.Close()).To(Succeed())
	})

	It("requires kafka brokers", func() {
		_, err := newPublisher(config.EventStreamConfig{Provider: "kafka", Topic: "t"})
		Expect(err).To(MatchError(ContainSubstring("brokers")))
	})

	It("rejects unknown providers", func() {
		_, err := newPublisher(config.EventStreamConfig{Provider: "pigeon"})
		Expect(err).To(HaveOccurred())
	})
})
