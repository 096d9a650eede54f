// Package rpcserver implements the JSON-RPC 2.0 tool surface:
// newline-delimited stdio framing or HTTP POST /mcp with optional SSE
// streaming, and a Tool Dispatcher validating the four tool envelopes.
// The stdio framing loop separates control output (stdout) from log
// output (stderr), so a caller piping stdout never sees a stray log
// line interleaved with a response.
package rpcserver

import (
	"encoding/json"
)

const jsonrpcVersion = "2.0"

// Request is one JSON-RPC 2.0 request object. Method carries the tool
// name (e.g. "ptyctl_session"); Params is the tool's argument object,
// including its "action" discriminator field.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is one JSON-RPC 2.0 response object.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *ResponseError  `json:"error,omitempty"`
}

// ResponseError is a JSON-RPC 2.0 error object. Data carries
// {"error_code": "..."} for programmatic error handling.
type ResponseError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
	codeToolError      = -32000
)

func errorResponse(id json.RawMessage, code int, message string, data interface{}) Response {
	return Response{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Error:   &ResponseError{Code: code, Message: message, Data: data},
	}
}

func successResponse(id json.RawMessage, result interface{}) Response {
	return Response{JSONRPC: jsonrpcVersion, ID: id, Result: result}
}
