// Package mcp talks JSON-RPC over HTTP to the configured tool servers. The
// client doubles as the registry's schema source and as the executor's
// invocation path, so schema discovery and tool calls share one transport.
package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/dispatch/internal/config"
	"github.com/haasonsaas/dispatch/internal/observability"
	"github.com/haasonsaas/dispatch/internal/registry"
)

// JSON-RPC methods the tool servers expose.
const (
	methodFingerprint = "tool.fingerprint"
	methodDescribe    = "tool.describe"
	methodInvoke      = "tool.invoke"
)

const defaultCallTimeout = 120 * time.Second

// RPCError is a JSON-RPC error object returned by a tool server. The message
// feeds the error classifier, so servers are expected to produce the usual
// phrases ("unknown action ...", "missing required ...").
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Client is the HTTP JSON-RPC client over all configured servers, keyed by
// tool id. It implements registry.Source.
type Client struct {
	servers map[string]config.ToolServerConfig
	http    *http.Client
	log     *observability.Logger
	nextID  atomic.Uint64
}

// NewClient builds a client over the configured tool servers.
func NewClient(servers []config.ToolServerConfig, log *observability.Logger) *Client {
	byID := make(map[string]config.ToolServerConfig, len(servers))
	for _, s := range servers {
		byID[s.ID] = s
	}
	return &Client{
		servers: byID,
		http:    &http.Client{Timeout: defaultCallTimeout},
		log:     log.Component("mcp"),
	}
}

// Fingerprints asks every server for its schema fingerprint. Any unreachable
// server fails the whole sweep; the registry then keeps serving its
// last-known-good snapshot.
func (c *Client) Fingerprints(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string, len(c.servers))
	for id, srv := range c.servers {
		var res struct {
			Fingerprint string `json:"fingerprint"`
		}
		if err := c.rpc(ctx, srv.URL, methodFingerprint, nil, &res); err != nil {
			return nil, fmt.Errorf("fingerprint %s: %w", id, err)
		}
		out[id] = res.Fingerprint
	}
	return out, nil
}

// FetchSchema fetches the full schema for one tool.
func (c *Client) FetchSchema(ctx context.Context, toolID string) (*registry.ToolSchema, error) {
	srv, ok := c.servers[toolID]
	if !ok {
		return nil, fmt.Errorf("unknown tool server %q", toolID)
	}
	var schema registry.ToolSchema
	if err := c.rpc(ctx, srv.URL, methodDescribe, nil, &schema); err != nil {
		return nil, fmt.Errorf("describe %s: %w", toolID, err)
	}
	if schema.ID == "" {
		schema.ID = toolID
	}
	return &schema, nil
}

// Call invokes one action on a tool and returns the raw result payload.
func (c *Client) Call(ctx context.Context, toolID, action string, params map[string]any) (json.RawMessage, error) {
	srv, ok := c.servers[toolID]
	if !ok {
		return nil, fmt.Errorf("unknown tool server %q", toolID)
	}

	var result json.RawMessage
	err := c.rpc(ctx, srv.URL, methodInvoke, map[string]any{
		"action":     action,
		"parameters": params,
	}, &result)
	if err != nil {
		return nil, fmt.Errorf("invoke %s.%s: %w", toolID, action, err)
	}
	return result, nil
}

// rpc posts one JSON-RPC request and decodes the result into out.
func (c *Client) rpc(ctx context.Context, serverURL, method string, params, out any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, truncate(raw, 200))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return fmt.Errorf("invalid json response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if out == nil || len(rpcResp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
