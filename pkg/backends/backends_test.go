package backends_test

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/spool/pkg/backends"
	"github.com/papercomputeco/spool/pkg/durable"
	"github.com/papercomputeco/spool/pkg/realtime"
	"github.com/papercomputeco/spool/pkg/relay"
	"github.com/papercomputeco/spool/pkg/s2"
	"github.com/papercomputeco/spool/pkg/streamlog/inmemory"
)

var _ = Describe("KindFor", func() {
	It("maps versions to backend kinds", func() {
		Expect(backends.KindFor(realtime.V1)).To(Equal(backends.KindDurable))
		Expect(backends.KindFor(realtime.V2)).To(Equal(backends.KindS2))
		Expect(backends.KindFor("")).To(Equal(backends.KindDurable))

		_, err := backends.KindFor("v9")
		Expect(err).To(HaveOccurred())
	})

	It("names kinds", func() {
		Expect(backends.KindDurable.String()).To(Equal("durable"))
		Expect(backends.KindS2.String()).To(Equal("s2"))
	})
})

var _ = Describe("Selector", func() {
	var store *durable.Store

	BeforeEach(func() {
		store = durable.New(inmemory.NewLog(), durable.Options{}, nil)
	})

	It("serves v1 from the durable store", func() {
		sel := backends.NewSelector(backends.Config{Durable: store})
		defer sel.Close()

		b, err := sel.Select("prod", realtime.V1)
		Expect(err).NotTo(HaveOccurred())
		Expect(b).To(BeIdenticalTo(store))
	})

	It("puts the relay in front of the durable store when enabled", func() {
		sel := backends.NewSelector(backends.Config{Durable: store, RelayEnabled: true})
		sel.Start()
		defer sel.Close()

		b, err := sel.Select("prod", realtime.V1)
		Expect(err).NotTo(HaveOccurred())
		Expect(b).To(BeAssignableToTypeOf(&relay.Relay{}))
	})

	It("raises a configuration error when S2 is not configured", func() {
		sel := backends.NewSelector(backends.Config{Durable: store})

		_, err := sel.Select("prod", realtime.V2)
		var cfgErr *realtime.ConfigurationError
		Expect(errors.As(err, &cfgErr)).To(BeTrue())
		Expect(cfgErr.Backend).To(Equal("s2"))
	})

	It("raises a configuration error without a basin template", func() {
		client, err := s2.NewClient(s2.ClientConfig{AccessToken: "t"})
		Expect(err).NotTo(HaveOccurred())
		sel := backends.NewSelector(backends.Config{S2: backends.S2Config{Client: client}})

		_, err = sel.Select("prod", realtime.V2)
		var cfgErr *realtime.ConfigurationError
		Expect(errors.As(err, &cfgErr)).To(BeTrue())
	})

	It("creates one S2 store per environment", func() {
		client, err := s2.NewClient(s2.ClientConfig{AccessToken: "t"})
		Expect(err).NotTo(HaveOccurred())
		sel := backends.NewSelector(backends.Config{
			S2: backends.S2Config{Client: client, BasinTemplate: "spool-{environment}"},
		})

		prod1, err := sel.Select("prod", realtime.V2)
		Expect(err).NotTo(HaveOccurred())
		prod2, err := sel.Select("PROD", realtime.V2)
		Expect(err).NotTo(HaveOccurred())
		staging, err := sel.Select("staging", realtime.V2)
		Expect(err).NotTo(HaveOccurred())

		Expect(prod1).To(BeIdenticalTo(prod2))
		Expect(prod1).NotTo(BeIdenticalTo(staging))
	})

	It("rejects unknown versions", func() {
		sel := backends.NewSelector(backends.Config{Durable: store})
		_, err := sel.Select("prod", "v3")
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("BasinFor", func() {
	It("substitutes the environment", func() {
		Expect(backends.BasinFor("spool-{environment}", "Prod")).To(Equal("spool-prod"))
		Expect(backends.BasinFor("spool-{environment}", "")).To(Equal("spool-default"))
		Expect(backends.BasinFor("fixed", "prod")).To(Equal("fixed"))
	})
})
