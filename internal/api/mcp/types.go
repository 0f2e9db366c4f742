// Package mcp implements the Model Context Protocol adapter for Cortex:
// JSON-RPC 2.0 over POST /mcp/message plus an SSE announcement stream. Agents
// use it to recall, remember, forget and search memories without touching the
// REST surface.
package mcp

import "encoding/json"

// JSON-RPC 2.0 framing.

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// JSON-RPC 2.0 error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

// toolCallParams is the params shape of tools/call.
type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// toolResult is the MCP content envelope for tool output.
type toolResult struct {
	Content []toolContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

type toolContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// toolDef describes one tool in tools/list.
type toolDef struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema interface{} `json:"inputSchema"`
}

// Tool argument shapes.

type recallArgs struct {
	Query     string `json:"query"`
	AgentID   string `json:"agent_id,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

type rememberArgs struct {
	Content    string  `json:"content"`
	Category   string  `json:"category,omitempty"`
	Importance float64 `json:"importance,omitempty"`
	AgentID    string  `json:"agent_id,omitempty"`
	Pinned     bool    `json:"pinned,omitempty"`
}

type forgetArgs struct {
	ID string `json:"id"`
}

type searchArgs struct {
	Query   string `json:"query"`
	AgentID string `json:"agent_id,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

type statsArgs struct{}

type listRelationsArgs struct {
	AgentID   string `json:"agent_id,omitempty"`
	Subject   string `json:"subject,omitempty"`
	Predicate string `json:"predicate,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}
