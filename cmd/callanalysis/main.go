// Command callanalysis serves the sales call analysis pipeline as a Model
// Context Protocol server over stdio or HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"goa.design/clue/log"

	"goa.design/callanalysis/runtime/config"
	"goa.design/callanalysis/runtime/mcp"
	"goa.design/callanalysis/runtime/telemetry"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	flags, err := config.ParseFlags("callanalysis", os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	cfg, err := config.Load(flags, os.LookupEnv)
	ctx := logContext(cfg)
	if err != nil {
		log.Fatalf(ctx, err, "invalid configuration")
	}
	log.Print(ctx,
		log.KV{K: "version", V: version},
		log.KV{K: "transport", V: cfg.Server.Transport},
		log.KV{K: "engine", V: cfg.Pipeline.Engine},
		log.KV{K: "session-store", V: cfg.Session.Store})

	if err := run(ctx, cfg); err != nil {
		log.Fatalf(ctx, err, "callanalysis failed")
	}
	log.Printf(ctx, "exited")
}

func run(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel := telemetry.NewClue()
	svc, err := wire(ctx, cfg, tel)
	if err != nil {
		return err
	}
	defer svc.close(context.WithoutCancel(ctx))

	srv := mcp.NewServer(svc.analyzer,
		mcp.WithServerInfo("callanalysis", version),
		mcp.WithAuditSink(svc.sink),
		mcp.WithTelemetry(tel),
		mcp.WithRateLimits(mcp.RateLimits{
			GlobalRate:   cfg.Server.GlobalRate,
			GlobalBurst:  cfg.Server.GlobalBurst,
			SessionRate:  cfg.Server.SessionRate,
			SessionBurst: cfg.Server.SessionBurst,
			IdleTTL:      cfg.Session.IdleTimeout,
		}))

	switch cfg.Server.Transport {
	case config.TransportHTTP:
		return serveHTTP(ctx, cfg, srv, svc.pingers)
	default:
		log.Printf(ctx, "serving MCP on stdio")
		err := srv.ServeStdio(ctx, os.Stdin, os.Stdout, cfg.Server.MaxBodyBytes)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
}

// logContext returns the clue log context. Logs go to standard error so the
// stdio transport owns standard output.
func logContext(cfg *config.Config) context.Context {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	debug := false
	if cfg != nil {
		switch cfg.Log.Format {
		case config.FormatJSON:
			format = log.FormatJSON
		case config.FormatTerminal:
			format = log.FormatTerminal
		}
		debug = cfg.Log.Debug
	}
	ctx := log.Context(context.Background(), log.WithFormat(format), log.WithOutput(os.Stderr))
	if debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	return ctx
}
