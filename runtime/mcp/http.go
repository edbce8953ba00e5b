package mcp

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
)

type (
	// HTTPOptions configures the HTTP and WebSocket transports.
	HTTPOptions struct {
		// AllowedOrigins lists the browser origins allowed to call the
		// server. "*" allows any origin. Requests without an Origin header
		// are always allowed.
		AllowedOrigins []string
		// MaxBodyBytes bounds a single protocol message.
		MaxBodyBytes int64
	}

	httpHandler struct {
		srv  *Server
		opts HTTPOptions
	}
)

// SessionHeader carries the session identifier on the HTTP transports.
const SessionHeader = "Mcp-Session-Id"

// HTTPHandler returns the handler of the streamable HTTP transport. Clients
// POST one JSON-RPC message per request. The response is a JSON document, or
// a single "response" server-sent event when the client accepts
// text/event-stream. The session is carried by the Mcp-Session-Id header; a
// request without the header is bound to a new session returned in the
// response header.
func (s *Server) HTTPHandler(opts HTTPOptions) http.Handler {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxMessageBytes
	}
	return &httpHandler{srv: s, opts: opts}
}

func (h *httpHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.opts.cors(w, r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodPost:
	default:
		w.Header().Set("Allow", "POST, OPTIONS")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx := extractTraceHeaders(r.Context(), r.Header)
	transport := TransportHTTP
	if acceptsEventStream(r) {
		transport = TransportSSE
	}
	conn := NewConn(transport, r.Header.Get(SessionHeader))

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.opts.MaxBodyBytes))
	var resp []byte
	status := http.StatusOK
	if err != nil {
		var mbe *http.MaxBytesError
		if !errors.As(err, &mbe) {
			http.Error(w, "read request body", http.StatusBadRequest)
			return
		}
		resp = h.srv.reject(ctx, conn, JSONRPCInvalidRequest, errMessageTooLarge.Error())
		status = http.StatusRequestEntityTooLarge
	} else {
		resp = h.srv.Handle(ctx, conn, body)
	}

	if id := conn.SessionID(); id != "" {
		w.Header().Set(SessionHeader, id)
	}
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if transport == TransportSSE {
		writeEvent(w, "response", resp)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(resp)
	_, _ = w.Write([]byte("\n"))
}

// writeEvent writes a single server-sent event and flushes it.
func writeEvent(w http.ResponseWriter, event string, data []byte) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func acceptsEventStream(r *http.Request) bool {
	for _, v := range r.Header.Values("Accept") {
		for part := range strings.SplitSeq(v, ",") {
			mt, _, _ := strings.Cut(strings.TrimSpace(part), ";")
			if strings.EqualFold(strings.TrimSpace(mt), "text/event-stream") {
				return true
			}
		}
	}
	return false
}

// cors sets the CORS response headers and reports whether the request origin
// is allowed.
func (o HTTPOptions) cors(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if !o.originAllowed(origin) {
		return false
	}
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	h.Add("Vary", "Origin")
	h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Accept, "+SessionHeader+", Traceparent, Tracestate")
	h.Set("Access-Control-Expose-Headers", SessionHeader)
	h.Set("Access-Control-Max-Age", "600")
	return true
}

func (o HTTPOptions) originAllowed(origin string) bool {
	return slices.Contains(o.AllowedOrigins, "*") || slices.Contains(o.AllowedOrigins, origin)
}
