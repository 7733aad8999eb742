// Package s2 integrates the S2 sequenced log service as a stream backend.
// Producers write to S2 directly with scoped access tokens issued here;
// consumers are proxied to S2's SSE read endpoint.
package s2

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/papercomputeco/spool/pkg/realtime"
)

const (
	// DefaultAccountEndpoint is the hosted S2 account API.
	DefaultAccountEndpoint = "https://aws.s2.dev"

	// DefaultBasinEndpoint is the hosted basin API; {basin} is substituted.
	DefaultBasinEndpoint = "https://{basin}.b.aws.s2.dev"

	// maxErrorBody bounds how much of a failed upstream response is kept.
	maxErrorBody = 4 << 10
)

// ClientConfig configures a Client.
type ClientConfig struct {
	// AccountEndpoint serves token issuance.
	AccountEndpoint string

	// BasinEndpoint is the per-basin data endpoint template.
	BasinEndpoint string

	// AccessToken authenticates account-level calls.
	AccessToken string

	HTTPClient *http.Client
}

// Client is a minimal S2 REST client.
type Client struct {
	accountEndpoint string
	basinEndpoint   string
	accessToken     string
	httpClient      *http.Client
}

// NewClient creates a Client. An empty access token is an error.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.AccessToken == "" {
		return nil, errors.New("s2 access token is required")
	}
	if cfg.AccountEndpoint == "" {
		cfg.AccountEndpoint = DefaultAccountEndpoint
	}
	if cfg.BasinEndpoint == "" {
		cfg.BasinEndpoint = DefaultBasinEndpoint
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}

	return &Client{
		accountEndpoint: strings.TrimSuffix(cfg.AccountEndpoint, "/"),
		basinEndpoint:   strings.TrimSuffix(cfg.BasinEndpoint, "/"),
		accessToken:     cfg.AccessToken,
		httpClient:      cfg.HTTPClient,
	}, nil
}

// BasinURL returns the data endpoint for basin.
func (c *Client) BasinURL(basin string) string {
	return strings.ReplaceAll(c.basinEndpoint, "{basin}", basin)
}

// TokenScope limits what an issued token can touch.
type TokenScope struct {
	Basins  ResourceSet `json:"basins"`
	Streams ResourceSet `json:"streams"`
	Ops     []string    `json:"ops"`
}

// ResourceSet matches resources by exact name or by prefix.
type ResourceSet struct {
	Exact  string `json:"exact,omitempty"`
	Prefix string `json:"prefix,omitempty"`
}

// TokenRequest is the body of an access token issuance.
type TokenRequest struct {
	ID                string     `json:"id"`
	ExpiresAt         time.Time  `json:"expires_at"`
	AutoPrefixStreams bool       `json:"auto_prefix_streams"`
	Scope             TokenScope `json:"scope"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
}

// IssueAccessToken asks S2 for a scoped token.
func (c *Client) IssueAccessToken(ctx context.Context, req TokenRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to encode token request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.accountEndpoint+"/v1/access-tokens", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", &realtime.TransportError{Op: "issue access token", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", upstreamError("issue access token", resp)
	}

	var out tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if out.AccessToken == "" {
		return "", errors.New("s2 returned an empty access token")
	}
	return out.AccessToken, nil
}

// ReadSession opens an SSE read session on stream starting at seqNum. On
// success the caller owns the response body.
func (c *Client) ReadSession(ctx context.Context, basin, stream string, seqNum uint64, wait time.Duration) (*http.Response, error) {
	q := url.Values{}
	q.Set("seq_num", strconv.FormatUint(seqNum, 10))
	q.Set("clamp", "true")
	if wait > 0 {
		q.Set("wait", strconv.Itoa(int(wait/time.Second)))
	}

	u := c.BasinURL(basin) + "/v1/streams/" + url.PathEscape(stream) + "/records?" + q.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+c.accessToken)
	httpReq.Header.Set("S2-Basin", basin)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &realtime.TransportError{Op: "read session", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, upstreamError("read session", resp)
	}
	return resp, nil
}

func upstreamError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &realtime.UpstreamError{
		Op:     op,
		Status: resp.StatusCode,
		Body:   strings.TrimSpace(string(body)),
	}
}
