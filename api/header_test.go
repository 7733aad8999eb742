package api

import (
	"net/http"
	"net/http/httptest"

	"github.com/gofiber/fiber/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("header copying", func() {
	It("drops hop-by-hop request headers", func() {
		var got http.Header
		app := fiber.New()
		app.Get("/", func(c *fiber.Ctx) error {
			req, err := http.NewRequest(http.MethodGet, "/", nil)
			if err != nil {
				return err
			}
			copyRequestHeaders(c, req)
			got = req.Header
			return c.SendStatus(fiber.StatusNoContent)
		})

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Last-Event-ID", "4,2,10")
		req.Header.Set("Connection", "keep-alive")

		resp, err := app.Test(req)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(fiber.StatusNoContent))

		Expect(got.Get("Last-Event-ID")).To(Equal("4,2,10"))
		Expect(got.Get("Connection")).To(BeEmpty())
		Expect(got.Get("Host")).To(BeEmpty())
	})

	It("drops framing response headers and joins values", func() {
		app := fiber.New()
		app.Get("/", func(c *fiber.Ctx) error {
			copyResponseHeaders(c, http.Header{
				"Content-Type":      {"text/event-stream"},
				"Transfer-Encoding": {"chunked"},
				"X-Multi":           {"a", "b"},
			})
			return c.SendString("ok")
		})

		resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil))
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Header.Get("Content-Type")).To(Equal("text/event-stream"))
		Expect(resp.Header.Get("X-Multi")).To(Equal("a, b"))
		Expect(resp.TransferEncoding).To(BeEmpty())
	})
})
