package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"goa.design/callanalysis/runtime/analyzer"
	"goa.design/callanalysis/runtime/audit"
	"goa.design/callanalysis/runtime/pipeline"
	"goa.design/callanalysis/runtime/session"
	"goa.design/callanalysis/runtime/telemetry"
	"goa.design/callanalysis/runtime/transcript"
)

type (
	// Analyzer is the admission façade invoked by the server.
	// *analyzer.Analyzer implements Analyzer.
	Analyzer interface {
		CreateSession(ctx context.Context) (session.Session, error)
		Session(ctx context.Context, id string) (session.Session, error)
		Analyze(ctx context.Context, sessionID string, raw json.RawMessage) (*analyzer.Outcome, error)
		Quota() int
	}

	// Server maps JSON-RPC requests onto the Analyzer. It is safe for
	// concurrent use by any number of connections.
	Server struct {
		svc     Analyzer
		info    ServerInfo
		limiter *limiter
		sink    audit.Sink
		tel     telemetry.Bundle
		now     func() time.Time
	}

	// Option configures a Server.
	Option func(*Server)

	// Conn carries the session bound to one client connection. Stdio and
	// WebSocket connections keep one Conn for their lifetime; HTTP requests
	// build one per request from the Mcp-Session-Id header.
	Conn struct {
		transport string

		mu        sync.Mutex
		sessionID string
		// establish serializes session creation so concurrent first calls
		// share one session.
		establish sync.Mutex
	}

	// RateLimits configures the request rate limits. A zero rate disables the
	// corresponding limit.
	RateLimits struct {
		GlobalRate   float64
		GlobalBurst  int
		SessionRate  float64
		SessionBurst int
		// IdleTTL drops per-session limiters unused for that long.
		IdleTTL time.Duration
	}
)

// Transport names reported in logs and spans.
const (
	TransportStdio     = "stdio"
	TransportHTTP      = "http"
	TransportSSE       = "sse"
	TransportWebSocket = "websocket"
)

var errSessionRequired = fmt.Errorf("request carries no %s header: %w", SessionHeader, session.ErrNotFound)

// Metric names.
const (
	MetricRequests = "callanalysis.mcp.requests"
	MetricErrors   = "callanalysis.mcp.errors"
)

const toolDescription = "Analyzes a sales call transcript through six ordered stages " +
	"(conversation, psychology, objections, dealRisk, actionPlan, qualification) " +
	"and returns every stage result plus an aggregated summary."

// WithServerInfo sets the name and version reported by initialize.
func WithServerInfo(name, version string) Option {
	return func(s *Server) {
		if name != "" {
			s.info.Name = name
		}
		if version != "" {
			s.info.Version = version
		}
	}
}

// WithRateLimits enables request rate limiting.
func WithRateLimits(rl RateLimits) Option {
	return func(s *Server) {
		s.limiter = newLimiter(rl.GlobalRate, rl.GlobalBurst, rl.SessionRate, rl.SessionBurst, rl.IdleTTL)
	}
}

// WithAuditSink sets the sink receiving protocol and rate limit events.
func WithAuditSink(sink audit.Sink) Option {
	return func(s *Server) {
		if sink != nil {
			s.sink = sink
		}
	}
}

// WithTelemetry sets the logger, metrics and tracer.
func WithTelemetry(b telemetry.Bundle) Option {
	return func(s *Server) { s.tel = b.WithDefaults() }
}

// WithClock sets the clock used for timestamps and rate limiting.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// NewServer returns a Server dispatching tool calls to svc.
func NewServer(svc Analyzer, opts ...Option) *Server {
	s := &Server{
		svc:  svc,
		info: ServerInfo{Name: "callanalysis", Version: "dev"},
		sink: audit.Discard(),
		tel:  telemetry.Bundle{}.WithDefaults(),
		now:  time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// NewConn returns a connection bound to sessionID (which may be empty).
func NewConn(transport, sessionID string) *Conn {
	return &Conn{transport: transport, sessionID: sessionID}
}

// SessionID returns the session bound to the connection.
func (c *Conn) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Transport returns the transport name.
func (c *Conn) Transport() string { return c.transport }

// requestScoped reports whether the connection lives for a single request.
// Such connections never create sessions implicitly.
func (c *Conn) requestScoped() bool {
	return c.transport == TransportHTTP || c.transport == TransportSSE
}

func (c *Conn) bind(id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

// Handle processes one encoded JSON-RPC message and returns the encoded
// response, or nil when the message is a notification.
func (s *Server) Handle(ctx context.Context, conn *Conn, raw []byte) []byte {
	start := s.now()
	resp := s.handle(ctx, conn, raw, start)
	if resp == nil {
		return nil
	}
	b, err := json.Marshal(resp)
	if err != nil {
		s.tel.Logger.Error(ctx, "encode response", "err", err)
		fallback := &Response{JSONRPC: "2.0", ID: resp.ID,
			Error: s.newError(conn, JSONRPCInternalError, ErrNameInternal, "internal error", start)}
		b, _ = json.Marshal(fallback)
	}
	return b
}

func (s *Server) handle(ctx context.Context, conn *Conn, raw []byte, start time.Time) *Response {
	req, perr := decodeRequest(raw)
	if perr != nil {
		id := nullID
		if req != nil && len(req.ID) > 0 {
			id = req.ID
		}
		msg := "invalid request"
		name := ErrNameInvalidRequest
		if perr.Code == JSONRPCParseError {
			msg, name = "parse error", ErrNameParse
		}
		e := s.newError(conn, perr.Code, name, msg, start)
		e.Data.Message = perr.Message
		s.recordProtocolError(ctx, conn, "", e)
		return &Response{JSONRPC: "2.0", ID: id, Error: e}
	}

	ctx = audit.WithRequest(ctx, requestID(req.ID))
	ctx = extractTraceMeta(ctx, req.Params)
	ctx, span := s.tel.Tracer.Start(ctx, "mcp."+req.Method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("rpc.system", "jsonrpc"),
			attribute.String("rpc.method", req.Method),
			attribute.String("mcp.transport", conn.transport)))
	defer span.End()
	s.tel.Metrics.IncCounter(MetricRequests, 1, "method", req.Method, "transport", conn.transport)

	if req.IsNotification() {
		if !strings.HasPrefix(req.Method, notificationsPrefix) {
			s.tel.Logger.Debug(ctx, "ignoring notification", "method", req.Method)
		}
		return nil
	}

	result, rerr := s.dispatch(ctx, conn, req, start)
	if rerr != nil {
		span.SetStatus(codes.Error, rerr.Message)
		span.AddEvent("rpc.error", "code", rerr.Code)
		s.tel.Metrics.IncCounter(MetricErrors, 1, "method", req.Method, "code", fmt.Sprint(rerr.Code))
		return &Response{JSONRPC: "2.0", ID: req.ID, Error: rerr}
	}
	return &Response{JSONRPC: "2.0", ID: req.ID, Result: result}
}

func (s *Server) dispatch(ctx context.Context, conn *Conn, req *Request, start time.Time) (any, *Error) {
	switch req.Method {
	case MethodInitialize:
		return s.initialize(ctx, conn, req, start)
	case MethodToolsList, MethodListTools:
		return map[string]any{"tools": []Tool{analyzeTool()}}, nil
	case MethodToolsCall, MethodCallTool:
		return s.callTool(ctx, conn, req, start)
	case MethodPing:
		return struct{}{}, nil
	}
	if strings.HasPrefix(req.Method, notificationsPrefix) {
		return struct{}{}, nil
	}
	e := s.newError(conn, JSONRPCMethodNotFound, ErrNameMethodNotFound, "method not found", start)
	e.Data.Message = fmt.Sprintf("method %q is not supported", truncate(req.Method, 64))
	s.recordProtocolError(ctx, conn, req.Method, e)
	return nil, e
}

func (s *Server) initialize(ctx context.Context, conn *Conn, req *Request, start time.Time) (any, *Error) {
	var p initializeParams
	if len(req.Params) > 0 && string(req.Params) != "null" {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, s.invalidParams(conn, "initialize params must be an object", start)
		}
	}
	version := DefaultProtocolVersion
	if slices.Contains(supportedProtocolVersions, p.ProtocolVersion) {
		version = p.ProtocolVersion
	}

	// initialize is the way back from an expired session: a stale binding
	// is replaced with a fresh session.
	conn.establish.Lock()
	defer conn.establish.Unlock()
	var sess session.Session
	id := conn.SessionID()
	if id != "" {
		got, err := s.svc.Session(ctx, id)
		switch {
		case err == nil:
			sess = got
		case errors.Is(err, session.ErrNotFound):
			id = ""
		default:
			return nil, s.internalError(ctx, conn, err, start)
		}
	}
	if id == "" {
		created, err := s.svc.CreateSession(ctx)
		if err != nil {
			return nil, s.internalError(ctx, conn, err, start)
		}
		conn.bind(created.ID)
		sess = created
	}
	client := ""
	if p.ClientInfo != nil {
		client = p.ClientInfo.Name
	}
	s.tel.Logger.Info(ctx, "session initialized",
		"transport", conn.transport, "protocol_version", version, "client", client)

	quota := s.svc.Quota()
	return &InitializeResult{
		ProtocolVersion: version,
		Capabilities:    map[string]any{"tools": map[string]any{"listChanged": false}},
		ServerInfo:      s.info,
		Instructions: fmt.Sprintf("Call %s with a transcript of 100 to 100000 characters and optional metadata. "+
			"Each session admits %d analyses.", ToolAnalyze, quota),
		Meta: &SessionMeta{SessionID: sess.ID, Quota: quota, Remaining: sess.Remaining(quota)},
	}, nil
}

func (s *Server) callTool(ctx context.Context, conn *Conn, req *Request, start time.Time) (any, *Error) {
	var p callToolParams
	if len(req.Params) == 0 || json.Unmarshal(req.Params, &p) != nil {
		return nil, s.invalidParams(conn, "tools/call params must be an object with a name", start)
	}
	if p.Name == "" {
		return nil, s.invalidParams(conn, "tool name is required", start)
	}
	if p.Name != ToolAnalyze && p.Name != ToolAnalyzeAlias {
		e := s.newError(conn, CodeToolNotFound, ErrNameToolNotFound, "tool not found", start)
		e.Data.Message = fmt.Sprintf("tool %q is not available, use %s", truncate(p.Name, 64), ToolAnalyze)
		s.recordProtocolError(ctx, conn, req.Method, e)
		return nil, e
	}
	args := p.Arguments
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage("{}")
	}

	sid, err := s.ensureSession(ctx, conn)
	switch {
	case errors.Is(err, session.ErrNotFound):
		e := s.mapError(ctx, conn, err, start)
		s.recordProtocolError(ctx, conn, req.Method, e)
		return nil, e
	case err != nil:
		return nil, s.internalError(ctx, conn, err, start)
	}
	ctx = audit.WithSession(ctx, sid)

	if ok, scope, retry := s.limiter.allow(sid, s.now()); !ok {
		ev := audit.NewEvent(ctx, audit.EventRateLimited)
		ev.Code = CodeQuotaExceeded
		ev.Detail = "scope=" + scope
		s.record(ctx, ev)
		return nil, s.mapError(ctx, conn, &analyzer.QuotaExceededError{
			Scope:      analyzer.ScopeRate,
			SessionID:  sid,
			RetryAfter: retry,
		}, start)
	}

	out, err := s.svc.Analyze(ctx, sid, args)
	if err != nil {
		return nil, s.mapError(ctx, conn, err, start)
	}
	body, err := json.Marshal(out.Result)
	if err != nil {
		return nil, s.internalError(ctx, conn, err, start)
	}
	return &CallToolResult{
		Content:           []Content{{Type: "text", Text: string(body), MimeType: "application/json"}},
		StructuredContent: out.Result,
		Meta: &CallMeta{
			SessionID: sid,
			Remaining: out.Session.Remaining(s.svc.Quota()),
			Warnings:  out.Warnings,
		},
	}, nil
}

// ensureSession returns the session bound to conn. Long-lived connections get
// one on first use; request-scoped ones must present a session issued by
// initialize.
func (s *Server) ensureSession(ctx context.Context, conn *Conn) (string, error) {
	conn.establish.Lock()
	defer conn.establish.Unlock()
	if id := conn.SessionID(); id != "" {
		return id, nil
	}
	if conn.requestScoped() {
		return "", errSessionRequired
	}
	created, err := s.svc.CreateSession(ctx)
	if err != nil {
		return "", err
	}
	conn.bind(created.ID)
	return created.ID, nil
}

// mapError converts an analyzer error into a protocol error. Internal error
// text is logged, never returned.
func (s *Server) mapError(ctx context.Context, conn *Conn, err error, start time.Time) *Error {
	var (
		verr *transcript.ValidationError
		qerr *analyzer.QuotaExceededError
		serr *pipeline.StageExecutionError
	)
	switch {
	case errors.As(err, &verr):
		e := s.newError(conn, JSONRPCInvalidParams, ErrNameValidation, "invalid params", start)
		e.Data.Message = fmt.Sprintf("request failed validation with %d violation(s)", len(verr.Violations))
		e.Data.Violations = verr.Violations
		return e
	case errors.As(err, &qerr):
		if qerr.Scope == analyzer.ScopeRate {
			e := s.newError(conn, CodeQuotaExceeded, ErrNameRateLimited, "rate limit exceeded", start)
			e.Data.Message = qerr.Error()
			e.Data.RetryAfterMs = qerr.RetryAfter.Milliseconds()
			return e
		}
		e := s.newError(conn, CodeQuotaExceeded, ErrNameQuota, "quota exceeded", start)
		e.Data.Message = qerr.Error()
		return e
	case errors.Is(err, session.ErrNotFound):
		e := s.newError(conn, CodeSessionNotFound, ErrNameSession, "session not found", start)
		e.Data.Message = "session is unknown or expired, call initialize to start a new session"
		return e
	case errors.As(err, &serr):
		e := s.newError(conn, JSONRPCInternalError, ErrNameStage, "internal error", start)
		e.Data.Stage = string(serr.Stage)
		switch {
		case serr.Canceled():
			e.Data.Message = fmt.Sprintf("analysis canceled during stage %s", serr.Stage)
		case serr.Timeout:
			e.Data.Message = fmt.Sprintf("stage %s timed out", serr.Stage)
		default:
			e.Data.Message = fmt.Sprintf("stage %s failed", serr.Stage)
		}
		return e
	}
	return s.internalError(ctx, conn, err, start)
}

func (s *Server) internalError(ctx context.Context, conn *Conn, err error, start time.Time) *Error {
	s.tel.Logger.Error(ctx, "request failed", "transport", conn.transport, "err", err)
	e := s.newError(conn, JSONRPCInternalError, ErrNameInternal, "internal error", start)
	e.Data.Message = "the request could not be completed"
	return e
}

func (s *Server) invalidParams(conn *Conn, msg string, start time.Time) *Error {
	e := s.newError(conn, JSONRPCInvalidParams, ErrNameInvalidParams, "invalid params", start)
	e.Data.Message = msg
	return e
}

func (s *Server) newError(conn *Conn, code int, name, msg string, start time.Time) *Error {
	now := s.now()
	return &Error{
		Code:    code,
		Message: msg,
		Data: &ErrorData{
			Error:          name,
			Message:        msg,
			SessionID:      conn.SessionID(),
			Timestamp:      now.UTC(),
			ProcessingTime: now.Sub(start).Milliseconds(),
		},
	}
}

func (s *Server) recordProtocolError(ctx context.Context, conn *Conn, method string, e *Error) {
	ctx = audit.WithSession(ctx, conn.SessionID())
	ev := audit.NewEvent(ctx, audit.EventProtocolError)
	ev.Code = e.Code
	ev.Detail = e.Data.Error
	if method != "" {
		ev.Detail += " method=" + truncate(method, 64)
	}
	s.record(ctx, ev)
}

func (s *Server) record(ctx context.Context, ev audit.Event) {
	if err := s.sink.Record(ctx, ev); err != nil {
		s.tel.Logger.Warn(ctx, "audit sink failed", "audit_type", string(ev.Type), "err", err)
	}
}

func analyzeTool() Tool {
	return Tool{
		Name:        ToolAnalyze,
		Title:       "Analyze sales call transcript",
		Description: toolDescription,
		InputSchema: transcript.InputSchema(),
	}
}

// decodeRequest decodes and checks a JSON-RPC envelope. On failure the
// returned request carries the ID when it could be recovered.
func decodeRequest(raw []byte) (*Request, *Error) {
	if !json.Valid(raw) {
		return nil, &Error{Code: JSONRPCParseError, Message: "message is not valid JSON"}
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, &Error{Code: JSONRPCInvalidRequest, Message: "message must be a JSON-RPC request object"}
	}
	req := &Request{Params: fields["params"]}
	if id, ok := fields["id"]; ok {
		if !validID(id) {
			return nil, &Error{Code: JSONRPCInvalidRequest, Message: "id must be a string, a number or null"}
		}
		req.ID = id
	}
	if err := json.Unmarshal(fields["jsonrpc"], &req.JSONRPC); err != nil || req.JSONRPC != "2.0" {
		return req, &Error{Code: JSONRPCInvalidRequest, Message: `jsonrpc must be "2.0"`}
	}
	if err := json.Unmarshal(fields["method"], &req.Method); err != nil || req.Method == "" {
		return req, &Error{Code: JSONRPCInvalidRequest, Message: "method must be a non-empty string"}
	}
	if p := req.Params; len(p) > 0 && p[0] != '{' && p[0] != '[' && string(p) != "null" {
		return req, &Error{Code: JSONRPCInvalidRequest, Message: "params must be an object or an array"}
	}
	return req, nil
}

// requestID renders a JSON-RPC id for audit records.
func requestID(id json.RawMessage) string {
	var s string
	if json.Unmarshal(id, &s) == nil {
		return s
	}
	return string(id)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
