// Package catalog implements the Capability Loader's client to the cloud
// catalog: fetching a capability's code and tool definitions by FQDN
// (§6's "/api/registry/<fqdn>"), issuing ad-hoc JSON-RPC passthrough calls
// ("/mcp"), and posting sanitized execution-trace batches for the learning
// core to train on.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/casys-ai/pml/internal/bridge"
	"github.com/casys-ai/pml/internal/pmlerr"
	"github.com/casys-ai/pml/internal/wire"
)

// DefaultTimeout bounds one catalog HTTP round trip.
const DefaultTimeout = 15 * time.Second

// Client is an HTTP client to the cloud catalog. It satisfies
// internal/loader.CatalogClient and internal/trace.Poster.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	cache   *Cache
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying *http.Client (tests inject one
// pointed at an httptest.Server).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithCache attaches a local TTL cache of fetched capabilities so repeated
// calls to the same FQDN within the TTL window skip the network round
// trip, grounded on runtime/registry/cache.go's MemoryCache.
func WithCache(cache *Cache) Option {
	return func(c *Client) { c.cache = cache }
}

// New returns a Client talking to baseURL ("https://api.pml.dev" in
// production, overridable via PML_CLOUD_URL) using apiKey for every
// request's Authorization header.
func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// capabilityEnvelope is the wire shape of "/api/registry/<fqdn>".
type capabilityEnvelope struct {
	Capability wire.Capability        `json:"capability"`
	Tools      []capabilityToolWire   `json:"tools"`
}

type capabilityToolWire struct {
	ID          wire.Ident      `json:"id"`
	Server      string          `json:"server"`
	Name        string          `json:"name"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// FetchCapability implements internal/loader.CatalogClient.
func (c *Client) FetchCapability(ctx context.Context, fqdn string) (wire.Capability, []bridge.ToolDefinition, error) {
	if c.cache != nil {
		if cap, defs, ok := c.cache.Get(fqdn); ok {
			return cap, defs, nil
		}
	}

	url := fmt.Sprintf("%s/api/registry/%s", c.baseURL, fqdn)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return wire.Capability{}, nil, err
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return wire.Capability{}, nil, &pmlerr.NetworkError{Op: "fetch capability", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return wire.Capability{}, nil, &pmlerr.NotFoundError{Kind: "capability", Name: fqdn}
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return wire.Capability{}, nil, &pmlerr.NetworkError{Op: "fetch capability", Err: fmt.Errorf("status %d: %s", resp.StatusCode, raw)}
	}

	var env capabilityEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return wire.Capability{}, nil, fmt.Errorf("catalog: decode capability: %w", err)
	}

	defs := make([]bridge.ToolDefinition, len(env.Tools))
	for i, t := range env.Tools {
		defs[i] = bridge.ToolDefinition{Ident: t.ID, Server: t.Server, Name: t.Name, Schema: t.InputSchema}
	}
	if c.cache != nil {
		c.cache.Put(fqdn, env.Capability, defs)
	}
	return env.Capability, defs, nil
}

// traceUploadRequest is the body posted to the trace-upload endpoint.
type traceUploadRequest struct {
	Traces []wire.ExecutionTrace `json:"traces"`
}

// PostTraces implements internal/trace.Poster
// (internal/trace.RetryingSyncer wraps this with backoff).
func (c *Client) PostTraces(ctx context.Context, traces []wire.ExecutionTrace) error {
	body, err := json.Marshal(traceUploadRequest{Traces: traces})
	if err != nil {
		return err
	}
	url := c.baseURL + "/api/traces"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return &pmlerr.NetworkError{Op: "post traces", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		raw, _ := io.ReadAll(resp.Body)
		return &pmlerr.NetworkError{Op: "post traces", Err: fmt.Errorf("status %d: %s", resp.StatusCode, raw)}
	}
	return nil
}

// CallPassthrough forwards an arbitrary JSON-RPC 2.0 request to the
// catalog's "/mcp" endpoint, used when a capability's code addresses a
// cloud-routed tool rather than a locally-running stdio MCP server.
func (c *Client) CallPassthrough(ctx context.Context, rpcReq json.RawMessage) (json.RawMessage, error) {
	url := c.baseURL + "/mcp"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(rpcReq))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &pmlerr.NetworkError{Op: "mcp passthrough", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &pmlerr.NetworkError{Op: "mcp passthrough", Err: fmt.Errorf("status %d: %s", resp.StatusCode, raw)}
	}
	return raw, nil
}

func (c *Client) setHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}
