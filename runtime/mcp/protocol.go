// Package mcp exposes the call analysis pipeline as a Model Context Protocol
// server speaking JSON-RPC 2.0.
//
// One Server handles every transport: stdio (Content-Length framed or line
// delimited JSON), HTTP with JSON or server-sent event responses, and
// WebSocket. Transports only move bytes; session binding, rate limiting and
// error mapping happen in Server.Handle.
package mcp

import (
	"bytes"
	"encoding/json"
	"time"

	"goa.design/callanalysis/runtime/transcript"
)

const (
	// JSON-RPC 2.0 error codes.
	JSONRPCParseError     = -32700
	JSONRPCInvalidRequest = -32600
	JSONRPCMethodNotFound = -32601
	JSONRPCInvalidParams  = -32602
	JSONRPCInternalError  = -32603

	// CodeQuotaExceeded reports an exhausted session quota or rate limit.
	CodeQuotaExceeded = -32000
	// CodeSessionNotFound reports an unknown or expired session.
	CodeSessionNotFound = -32001
	// CodeToolNotFound reports an unknown tool name in tools/call.
	CodeToolNotFound = -32002
)

// Method names. The hyphenated forms are accepted aliases.
const (
	MethodInitialize    = "initialize"
	MethodToolsList     = "tools/list"
	MethodListTools     = "list-tools"
	MethodToolsCall     = "tools/call"
	MethodCallTool      = "call-tool"
	MethodPing          = "ping"
	notificationsPrefix = "notifications/"
)

// Tool names. ToolAnalyzeAlias is accepted but not listed.
const (
	ToolAnalyze      = "analyze_transcript"
	ToolAnalyzeAlias = "analyze"
)

// Error names carried in ErrorData.Error.
const (
	ErrNameParse          = "ParseError"
	ErrNameInvalidRequest = "InvalidRequest"
	ErrNameMethodNotFound = "MethodNotFound"
	ErrNameInvalidParams  = "InvalidParams"
	ErrNameValidation     = "ValidationError"
	ErrNameQuota          = "QuotaExceededError"
	ErrNameRateLimited    = "RateLimitedError"
	ErrNameSession        = "SessionNotFoundError"
	ErrNameToolNotFound   = "ToolNotFoundError"
	ErrNameStage          = "StageExecutionError"
	ErrNameInternal       = "InternalError"
)

// DefaultProtocolVersion is the protocol version announced when the client
// requests an unsupported one.
const DefaultProtocolVersion = "2025-06-18"

var supportedProtocolVersions = []string{"2024-11-05", "2025-03-26", DefaultProtocolVersion}

var nullID = json.RawMessage("null")

type (
	// Request is a JSON-RPC 2.0 request or notification.
	Request struct {
		JSONRPC string          `json:"jsonrpc"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params,omitempty"`
		// ID is nil for notifications.
		ID json.RawMessage `json:"id,omitempty"`
	}

	// Response is a JSON-RPC 2.0 response. Exactly one of Result and Error
	// is set.
	Response struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  any             `json:"result,omitempty"`
		Error   *Error          `json:"error,omitempty"`
	}

	// Error is a JSON-RPC error object.
	Error struct {
		Code    int        `json:"code"`
		Message string     `json:"message"`
		Data    *ErrorData `json:"data,omitempty"`
	}

	// ErrorData is the structured error payload. It never carries internal
	// error text.
	ErrorData struct {
		// Error names the error class ("ValidationError").
		Error string `json:"error"`
		// Message is a caller-safe description.
		Message string `json:"message"`
		// SessionID is the caller session when known.
		SessionID string `json:"sessionId,omitempty"`
		// Timestamp is when the error was produced.
		Timestamp time.Time `json:"timestamp"`
		// ProcessingTime is the request handling time in milliseconds.
		ProcessingTime int64 `json:"processingTime"`
		// Violations lists every validation failure.
		Violations []transcript.Violation `json:"violations,omitempty"`
		// Stage is the failing stage of a StageExecutionError.
		Stage string `json:"stage,omitempty"`
		// RetryAfterMs is set on rate limit errors.
		RetryAfterMs int64 `json:"retryAfterMs,omitempty"`
	}

	// ServerInfo identifies the server in the initialize result.
	ServerInfo struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	}

	// Tool describes a tool in the tools/list result.
	Tool struct {
		Name        string          `json:"name"`
		Title       string          `json:"title,omitempty"`
		Description string          `json:"description"`
		InputSchema json.RawMessage `json:"inputSchema"`
	}

	// Content is a tool result content block.
	Content struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		MimeType string `json:"mimeType,omitempty"`
	}

	// CallToolResult is the tools/call result.
	CallToolResult struct {
		Content           []Content `json:"content"`
		StructuredContent any       `json:"structuredContent,omitempty"`
		IsError           bool      `json:"isError"`
		Meta              *CallMeta `json:"_meta,omitempty"`
	}

	// CallMeta carries session accounting and validation warnings.
	CallMeta struct {
		SessionID string               `json:"sessionId"`
		Remaining int                  `json:"remaining"`
		Warnings  []transcript.Warning `json:"warnings,omitempty"`
	}

	// InitializeResult is the initialize result.
	InitializeResult struct {
		ProtocolVersion string         `json:"protocolVersion"`
		Capabilities    map[string]any `json:"capabilities"`
		ServerInfo      ServerInfo     `json:"serverInfo"`
		Instructions    string         `json:"instructions,omitempty"`
		Meta            *SessionMeta   `json:"_meta,omitempty"`
	}

	// SessionMeta describes the session bound to the connection.
	SessionMeta struct {
		SessionID string `json:"sessionId"`
		Quota     int    `json:"quota"`
		Remaining int    `json:"remaining"`
	}

	initializeParams struct {
		ProtocolVersion string `json:"protocolVersion"`
		ClientInfo      *struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"clientInfo"`
	}

	callToolParams struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
)

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// IsNotification reports whether r expects no response.
func (r *Request) IsNotification() bool { return len(r.ID) == 0 }

// validID reports whether id is a JSON string, number or null.
func validID(id json.RawMessage) bool {
	id = bytes.TrimSpace(id)
	if len(id) == 0 {
		return true
	}
	switch id[0] {
	case '"', 'n', '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		return json.Valid(id)
	}
	return false
}
