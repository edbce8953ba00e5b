package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"goa.design/clue/debug"
	"goa.design/clue/health"
	"goa.design/clue/log"
	goahttp "goa.design/goa/v3/http"

	"goa.design/callanalysis/runtime/config"
	"goa.design/callanalysis/runtime/mcp"
)

// Routes served by the http transport.
const (
	pathMCP       = "/mcp"
	pathWebSocket = "/mcp/ws"
	pathHealth    = "/healthz"
	pathLive      = "/livez"
)

// serveHTTP serves the HTTP, server-sent event and WebSocket transports along
// with the health and debug endpoints until ctx is canceled.
func serveHTTP(ctx context.Context, cfg *config.Config, srv *mcp.Server, pingers []health.Pinger) error {
	opts := mcp.HTTPOptions{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
	}

	mux := goahttp.NewMuxer()
	if cfg.Log.Debug {
		debug.MountPprofHandlers(debug.Adapt(mux))
	}
	debug.MountDebugLogEnabler(debug.Adapt(mux))

	rpc := gzhttp.GzipHandler(srv.HTTPHandler(opts))
	for _, method := range []string{http.MethodPost, http.MethodOptions, http.MethodGet} {
		mux.Handle(method, pathMCP, rpc)
	}
	mux.Handle(http.MethodGet, pathWebSocket, srv.WebSocketHandler(opts).ServeHTTP)
	check := health.Handler(health.NewChecker(pingers...))
	mux.Handle(http.MethodGet, pathHealth, check)
	mux.Handle(http.MethodGet, pathLive, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	var handler http.Handler = mux
	if cfg.Log.Debug {
		handler = debug.HTTP()(handler)
	}
	handler = log.HTTP(ctx)(handler)

	server := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 60 * time.Second}
	for _, p := range []string{pathMCP, pathWebSocket, pathHealth, pathLive} {
		log.Printf(ctx, "HTTP mounted on %s", p)
	}

	errc := make(chan error, 1)
	go func() {
		log.Printf(ctx, "HTTP server listening on %q", cfg.Server.Addr)
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	log.Printf(ctx, "shutting down HTTP server at %q", cfg.Server.Addr)

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(sctx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
