package providerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/kadirpekel/orcacore/toolregistry"
)

// RetryStrategy mirrors the teacher's httpclient.RetryStrategy: a
// classification of whether a failed attempt is worth retrying at all.
type RetryStrategy int

const (
	NoRetry RetryStrategy = iota
	Retry
)

// TransportError wraps a connect/timeout failure or a non-2xx HTTP status.
// Only connect/timeout/5xx ones are retried by Invoker (spec §4.3); 4xx
// statuses and structured tool-level errors are not.
type TransportError struct {
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport error: HTTP %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Classify reports whether err is a transport failure worth retrying, as
// opposed to a marshal/decode bug or a structured tool-level error (which
// never reaches this function -- it's returned as toolErr, not err).
func Classify(err error) RetryStrategy {
	if err == nil {
		return NoRetry
	}
	var te *TransportError
	if errors.As(err, &te) {
		if te.StatusCode >= 400 && te.StatusCode < 500 {
			return NoRetry
		}
		return Retry
	}
	return NoRetry
}

// Client is the §6.1 RPC client for one tool provider. It implements
// toolregistry.Client so the registry can hold a homogeneous collection of
// providers.
type Client struct {
	providerID string
	baseURL    string
	http       *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying http.Client (e.g. for TLS config
// or a custom transport in tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates a client for the provider at baseURL.
func New(providerID, baseURL string, opts ...Option) *Client {
	c := &Client{
		providerID: providerID,
		baseURL:    baseURL,
		http:       &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL reports the provider's configured endpoint, so the registry can
// populate Provider.BaseURL during discovery without widening the narrow
// toolregistry.Client interface every provider must satisfy.
func (c *Client) BaseURL() string { return c.baseURL }

// ListTools issues the list-tools RPC.
func (c *Client) ListTools(ctx context.Context) ([]toolregistry.ToolSchema, error) {
	reqBody, err := json.Marshal(listToolsRequest{Method: "tools/list"})
	if err != nil {
		return nil, fmt.Errorf("marshal list-tools request: %w", err)
	}

	respBody, err := c.post(ctx, reqBody)
	if err != nil {
		return nil, err
	}

	var resp listToolsResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("decode list-tools response: %w", err)
	}

	schemas := make([]toolregistry.ToolSchema, 0, len(resp.Tools))
	for _, t := range resp.Tools {
		schemas = append(schemas, toolregistry.ToolSchema{
			Name:         t.Name,
			ProviderID:   c.providerID,
			Description:  t.Description,
			Parameters:   t.Parameters,
			AllowedRoles: t.AllowedRoles,
		})
	}
	return schemas, nil
}

// CallTool issues the call-tool RPC. Transport failures are returned as err
// (wrapped in *TransportError where applicable); a structured tool-level
// error payload is returned as toolErr with err == nil, per spec §6.1/§7.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (any, *toolregistry.ToolCallError, error) {
	reqBody, err := json.Marshal(callToolRequest{
		Method: "tools/call",
		Params: callToolParams{Name: name, Arguments: arguments},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("marshal call-tool request: %w", err)
	}

	respBody, err := c.post(ctx, reqBody)
	if err != nil {
		return nil, nil, err
	}

	var resp callToolResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, nil, fmt.Errorf("decode call-tool response: %w", err)
	}

	if resp.Error != nil {
		return nil, &toolregistry.ToolCallError{Message: resp.Error.Message, Kind: resp.Error.Kind}, nil
	}
	return resp.Result, nil, nil
}

// post sends the JSON body to the provider's base URL and classifies the
// outcome as a TransportError when the failure is connect/timeout or a
// non-2xx status.
func (c *Client) post(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode >= 500 {
		return nil, &TransportError{StatusCode: resp.StatusCode, Err: fmt.Errorf("server error")}
	}
	if resp.StatusCode >= 400 {
		// 4xx other than what the protocol defines is still a transport-level
		// problem (bad request framing, auth at the transport layer, etc.),
		// not a tool-level error payload. Classify does not retry it.
		return nil, &TransportError{StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected status")}
	}
	return data, nil
}

// Backoff computes the exponential-with-jitter delay for retry attempt n
// (0-based), grounded on the teacher's httpclient.calculateDelay shape:
// base * 2^n, capped, with +/-20% jitter so a burst of retries doesn't
// thunder in lockstep.
func Backoff(attempt int, base, cap time.Duration) time.Duration {
	d := float64(base) * math.Pow(2, float64(attempt))
	if d > float64(cap) {
		d = float64(cap)
	}
	jitter := d * (0.8 + 0.4*rand.Float64())
	return time.Duration(jitter)
}
