package realtime

import (
	"io"
	"net/http"
	"strconv"
	"strings"
)

const (
	// LastEventIDHeader carries the last sequence number a client observed.
	LastEventIDHeader = "Last-Event-ID"

	// ResumeQueryParam carries a resumption token directly.
	ResumeQueryParam = "resumeAt"
)

// SSEHeaders returns the headers sent with every event stream.
func SSEHeaders() http.Header {
	h := make(http.Header)
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	return h
}

// ResumeToken is one plus the last sequence number a client observed, which
// is the first sequence number it still needs.
type ResumeToken uint64

// ResumeTokenFrom reads the resumption token from a consumer request. The
// query parameter takes precedence over Last-Event-ID. ok is false when the
// request carries no token; malformed values are treated as absent.
func ResumeTokenFrom(req *http.Request) (ResumeToken, bool) {
	if req == nil {
		return 0, false
	}

	if v := strings.TrimSpace(req.URL.Query().Get(ResumeQueryParam)); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err == nil {
			return ResumeToken(n), true
		}
	}

	if v := strings.TrimSpace(req.Header.Get(LastEventIDHeader)); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err == nil {
			return ResumeToken(n + 1), true
		}
	}

	return 0, false
}

// TextResponse builds a plain text response, used for ingestion results.
func TextResponse(status int, body string) *Response {
	h := make(http.Header)
	h.Set("Content-Type", "text/plain; charset=utf-8")
	return &Response{
		StatusCode: status,
		Header:     h,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}
