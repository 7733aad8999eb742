package api

import (
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// skipRequest is the set of client request headers that are not handed to
// a backend. Backends only see the stream protocol headers.
var skipRequest = map[string]struct{}{
	// Hop-by-hop headers: only meaningful for a single transport-level connection.
	"Connection": {},
	"Keep-Alive": {},

	"Host": {},

	// The body is never forwarded on reads.
	"Content-Length": {},
}

// skipResponse is the set of backend response headers that are not copied
// to the client. fasthttp frames the streamed body itself.
var skipResponse = map[string]struct{}{
	"Connection":        {},
	"Transfer-Encoding": {},
	"Content-Length":    {},
}

// copyRequestHeaders copies request headers from the fiber context to req.
func copyRequestHeaders(c *fiber.Ctx, req *http.Request) {
	c.Request().Header.VisitAll(func(key, value []byte) {
		k := string(key)
		if _, skip := skipRequest[k]; !skip {
			req.Header.Add(k, string(value))
		}
	})
}

// copyResponseHeaders copies backend response headers to the fiber context.
func copyResponseHeaders(c *fiber.Ctx, h http.Header) {
	for k, vs := range h {
		if _, skip := skipResponse[http.CanonicalHeaderKey(k)]; !skip {
			c.Set(k, strings.Join(vs, ", "))
		}
	}
}
