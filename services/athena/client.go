package athena

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	MaxRows     = 10000
	DefaultRows = 1000

	defaultTimeout   = 60 * time.Second
	maxResponseBytes = 64 << 20
	runQueryTool     = "run_query"
)

// Config configures a Client.
type Config struct {
	// Endpoint is the MCP streamable-http URL of the query tool server.
	Endpoint string
	APIToken string
	Timeout  time.Duration
	// HTTPClient overrides the instrumented default client.
	HTTPClient *http.Client
}

// Client submits run_query tool calls to the engine's MCP endpoint.
type Client struct {
	endpoint string
	token    string
	http     *http.Client
	nextID   atomic.Int64
}

// NewClient validates cfg and returns a Client.
func NewClient(cfg Config) (*Client, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.New("athena endpoint is required")
	}
	if cfg.APIToken == "" {
		return nil, errors.New("athena api token is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	return &Client{endpoint: endpoint, token: cfg.APIToken, http: httpClient}, nil
}

type rpcRequest struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      int64     `json:"id"`
	Method  string    `json:"method"`
	Params  rpcParams `json:"params"`
}

type rpcParams struct {
	Name      string       `json:"name"`
	Arguments runQueryArgs `json:"arguments"`
}

type runQueryArgs struct {
	Query   string `json:"query"`
	MaxRows int    `json:"max_rows"`
}

// Submit sends query to the engine and returns the raw response body, which may be
// plain JSON or event-stream framed. maxRows of zero selects DefaultRows.
func (c *Client) Submit(ctx context.Context, query string, maxRows int) ([]byte, error) {
	if c == nil {
		return nil, errors.New("nil client")
	}
	if strings.TrimSpace(query) == "" {
		return nil, errors.New("query is required")
	}
	if maxRows == 0 {
		maxRows = DefaultRows
	}
	if maxRows < 1 || maxRows > MaxRows {
		return nil, fmt.Errorf("max rows must be between 1 and %d, got %d", MaxRows, maxRows)
	}

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  "tools/call",
		Params: rpcParams{
			Name:      runQueryTool,
			Arguments: runQueryArgs{Query: query, MaxRows: maxRows},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set("Authorization", c.token)
	req.Header.Set("x-api-token", c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post run_query: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if len(raw) > maxResponseBytes {
		return nil, fmt.Errorf("response exceeds %d bytes", maxResponseBytes)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("run_query: HTTP %d: %s", resp.StatusCode, snippet(raw))
	}

	return raw, nil
}

// RunQuery submits query and parses the response.
func (c *Client) RunQuery(ctx context.Context, query string, maxRows int) (*Envelope, error) {
	raw, err := c.Submit(ctx, query, maxRows)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

func snippet(b []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(b))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
