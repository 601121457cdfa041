// Package rpcclient talks JSON-RPC to the chain node and retries every
// failed request until the node produces a result.
package rpcclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/penguintop/penguin/pkg/metrics"
	"github.com/rs/zerolog/log"
)

const (
	DefaultTimeout = 30 * time.Second
	// requestID is fixed; the node does not correlate ids.
	requestID = "45"
)

// Caller is the contract other packages depend on.
type Caller interface {
	Call(ctx context.Context, method string, params []any) (json.RawMessage, error)
}

// Client implements Caller over HTTP.
type Client struct {
	endpoint string
	user     string
	password string
	client   *http.Client
	policy   RetryPolicy
	clock    mclock.Clock
	metrics  *metrics.Metrics
}

// Option configures Client.
type Option func(*Client)

func WithBasicAuth(user, password string) Option {
	return func(c *Client) {
		c.user = user
		c.password = password
	}
}

func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Client) {
		c.policy = p
	}
}

// WithClock replaces the clock used for backoff pauses.
func WithClock(clock mclock.Clock) Option {
	return func(c *Client) {
		c.clock = clock
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// Endpoint builds the node URL from host and port.
func Endpoint(host string, port int) string {
	return fmt.Sprintf("http://%s:%d/api", host, port)
}

// New creates a client for endpoint. Requests carry Basic a:b credentials
// unless WithBasicAuth overrides them.
func New(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint: endpoint,
		user:     "a",
		password: "b",
		client:   &http.Client{Timeout: DefaultTimeout},
		policy:   DefaultRetryPolicy(),
		clock:    mclock.System{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	Params  []any  `json:"params"`
	ID      string `json:"id"`
	Method  string `json:"method"`
}

// Call sends method with params and blocks until the node answers with a
// result. The returned error is non-nil only when ctx is done.
func (c *Client) Call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(request{
		JSONRPC: "2.0",
		Params:  params,
		ID:      requestID,
		Method:  method,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}

	for attempt := 1; ; attempt++ {
		result, err := c.send(ctx, body)
		if err == nil {
			return result, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		delay := c.policy.Delay(attempt)
		log.Warn().Err(err).
			Str("method", method).
			Str("params", string(body)).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("rpc request failed, retrying")
		c.metrics.RPCRetry(method)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.clock.After(delay):
		}
	}
}

var errNoResult = errors.New("response has no result")

func (c *Client) send(ctx context.Context, body []byte) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.user, c.password)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(respBody))
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(respBody, &fields); err != nil {
		return nil, fmt.Errorf("unmarshal response %q: %w", truncate(respBody), err)
	}
	result, ok := fields["result"]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errNoResult, truncate(respBody))
	}
	return result, nil
}

func truncate(b []byte) string {
	const max = 512
	s := strings.TrimSpace(string(b))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
