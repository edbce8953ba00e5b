package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zeebo/blake3"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"goa.design/pulse/rmap"

	mongoaudit "goa.design/callanalysis/features/audit/mongo"
	pulseaudit "goa.design/callanalysis/features/audit/pulse"
	"goa.design/callanalysis/features/model/anthropic"
	"goa.design/callanalysis/features/model/bedrock"
	"goa.design/callanalysis/features/model/middleware"
	"goa.design/callanalysis/features/model/openai"
	redissession "goa.design/callanalysis/features/session/redis"
	"goa.design/callanalysis/features/stages/llm"
	"goa.design/callanalysis/runtime/analyzer"
	"goa.design/callanalysis/runtime/audit"
	"goa.design/callanalysis/runtime/config"
	"goa.design/callanalysis/runtime/model"
	"goa.design/callanalysis/runtime/pipeline"
	"goa.design/callanalysis/runtime/pipeline/heuristic"
	"goa.design/callanalysis/runtime/prompts"
	"goa.design/callanalysis/runtime/retry"
	"goa.design/callanalysis/runtime/session"
	"goa.design/callanalysis/runtime/session/inmem"
	"goa.design/callanalysis/runtime/telemetry"
	"goa.design/callanalysis/runtime/transcript"
)

type (
	// service holds the wired components and the resources to release on
	// shutdown.
	service struct {
		analyzer *analyzer.Analyzer
		sink     audit.Sink
		pingers  []health.Pinger
		closers  []func(context.Context) error
	}

	redisPinger struct {
		rdb *redis.Client
	}
)

const (
	backendTimeout = 5 * time.Second
	budgetMapName  = "callanalysis-model-budget"
)

// wire builds the analyzer and its collaborators from cfg. Resources opened
// before a failure are released.
func wire(ctx context.Context, cfg *config.Config, tel telemetry.Bundle) (svc *service, err error) {
	svc = &service{}
	defer func() {
		if err != nil {
			svc.close(context.WithoutCancel(ctx))
			svc = nil
		}
	}()

	var rdb *redis.Client
	if cfg.NeedsRedis() {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Session.RedisAddr, Password: cfg.Session.RedisPassword})
		svc.closers = append(svc.closers, func(context.Context) error { return rdb.Close() })
		pctx, cancel := context.WithTimeout(ctx, backendTimeout)
		defer cancel()
		if err := rdb.Ping(pctx).Err(); err != nil {
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Session.RedisAddr, err)
		}
		svc.pingers = append(svc.pingers, redisPinger{rdb: rdb})
	}

	sink, err := svc.auditSink(ctx, cfg, tel, rdb)
	if err != nil {
		return nil, err
	}
	svc.sink = sink

	key, err := fingerprintKey(cfg.Audit.FingerprintKey)
	if err != nil {
		return nil, err
	}
	fp, err := audit.NewFingerprinter(key)
	if err != nil {
		return nil, err
	}
	policy, err := cfg.Policy()
	if err != nil {
		return nil, err
	}
	validator, err := transcript.NewValidator(
		transcript.WithPolicy(policy),
		transcript.WithAuditSink(sink),
		transcript.WithFingerprinter(fp),
		transcript.WithLogger(tel.Logger))
	if err != nil {
		return nil, err
	}

	sessionOpts := []session.Option{
		session.WithQuota(cfg.Session.Quota),
		session.WithIdleTimeout(cfg.Session.IdleTimeout),
	}
	var registry session.Registry
	switch cfg.Session.Store {
	case config.StoreRedis:
		registry, err = redissession.New(rdb,
			redissession.WithPrefix(cfg.Session.RedisPrefix),
			redissession.WithSessionOptions(sessionOpts...))
		if err != nil {
			return nil, err
		}
	default:
		registry = inmem.New(sessionOpts...)
	}

	var stages []pipeline.Stage
	switch cfg.Pipeline.Engine {
	case config.EngineLLM:
		stages, err = svc.llmStages(ctx, cfg, tel, rdb)
		if err != nil {
			return nil, err
		}
	default:
		stages = heuristic.Stages(nil)
	}
	orch, err := pipeline.New(stages,
		pipeline.WithStageTimeout(cfg.Pipeline.StageTimeout),
		pipeline.WithRunTimeout(cfg.Pipeline.RunTimeout),
		pipeline.WithTelemetry(tel))
	if err != nil {
		return nil, err
	}

	svc.analyzer, err = analyzer.New(validator, registry, orch,
		analyzer.WithAuditSink(sink),
		analyzer.WithTelemetry(tel))
	if err != nil {
		return nil, err
	}
	return svc, nil
}

// auditSink combines the configured audit sinks.
func (svc *service) auditSink(ctx context.Context, cfg *config.Config, tel telemetry.Bundle, rdb *redis.Client) (audit.Sink, error) {
	var sinks []audit.Sink
	if cfg.Audit.Log {
		sinks = append(sinks, audit.NewLogSink(tel.Logger))
	}
	if uri := cfg.Audit.MongoURI; uri != "" {
		client, err := mongodriver.Connect(options.Client().ApplyURI(uri).SetTimeout(backendTimeout))
		if err != nil {
			return nil, fmt.Errorf("connect to mongodb: %w", err)
		}
		svc.closers = append(svc.closers, client.Disconnect)
		ms, err := mongoaudit.New(ctx, mongoaudit.Options{
			Client:     client,
			Database:   cfg.Audit.MongoDatabase,
			Collection: cfg.Audit.MongoCollection,
			Timeout:    backendTimeout,
			TTL:        cfg.Audit.Retention,
		})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, ms)
		svc.pingers = append(svc.pingers, ms)
	}
	if cfg.Audit.Stream != "" {
		ps, err := pulseaudit.New(pulseaudit.Options{
			Redis:   rdb,
			Stream:  cfg.Audit.Stream,
			MaxLen:  cfg.Audit.StreamMaxLen,
			Timeout: backendTimeout,
		})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, ps)
	}
	return audit.Multi(sinks...), nil
}

// llmStages builds the model-backed stages: the provider client wrapped with
// instrumentation and, when configured, the token budget.
func (svc *service) llmStages(ctx context.Context, cfg *config.Config, tel telemetry.Bundle, rdb *redis.Client) ([]pipeline.Stage, error) {
	m := cfg.Model
	var (
		client model.Client
		err    error
	)
	switch m.Provider {
	case config.ProviderAnthropic:
		client, err = anthropic.NewFromAPIKey(m.APIKey, anthropic.Options{
			DefaultModel: m.Name,
			MaxTokens:    m.MaxTokens,
			Temperature:  m.Temperature,
		})
	case config.ProviderOpenAI:
		client, err = openai.NewFromAPIKey(m.APIKey, m.BaseURL, openai.Options{
			DefaultModel: m.Name,
			MaxTokens:    m.MaxTokens,
		})
	case config.ProviderBedrock:
		client, err = bedrock.NewFromEnv(m.Region, bedrock.Options{
			DefaultModel: m.Name,
			MaxTokens:    m.MaxTokens,
			Temperature:  float32(m.Temperature),
			Logger:       tel.Logger,
		})
	default:
		err = fmt.Errorf("unknown model provider %q", m.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("model provider %s: %w", m.Provider, err)
	}

	mws := []func(model.Client) model.Client{middleware.Instrument(m.Provider, tel)}
	if m.TokensPerMinute > 0 {
		var budget *rmap.Map
		if m.ClusterBudget {
			budget, err = rmap.Join(ctx, budgetMapName, rdb)
			if err != nil {
				return nil, fmt.Errorf("join token budget map: %w", err)
			}
			svc.closers = append(svc.closers, func(context.Context) error { budget.Close(); return nil })
		}
		tb := middleware.NewTokenBudget(ctx, middleware.BudgetOptions{
			TokensPerMinute:    m.TokensPerMinute,
			MaxTokensPerMinute: m.MaxTokensPerMinute,
			Shared:             budget,
			Key:                m.Provider + ":" + m.Name,
		})
		mws = append(mws, tb.Middleware())
		log.Printf(ctx, "model token budget %.0f tokens/min (cluster=%t)", m.TokensPerMinute, m.ClusterBudget)
	}
	client = middleware.Chain(client, mws...)

	tbl, err := prompts.Default()
	if path := cfg.Pipeline.PromptsFile; path != "" {
		tbl, err = prompts.LoadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("load prompts: %w", err)
	}

	rp := retry.DefaultPolicy()
	rp.Attempts = m.Attempts
	exec, err := llm.New(client, tbl,
		llm.WithModel(m.Name),
		llm.WithMaxTokens(m.MaxTokens),
		llm.WithTemperature(float32(m.Temperature)),
		llm.WithRetry(rp),
		llm.WithLogger(tel.Logger))
	if err != nil {
		return nil, err
	}
	return exec.Stages(), nil
}

// close releases resources in reverse order of acquisition.
func (svc *service) close(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, backendTimeout)
	defer cancel()
	var errs []error
	for i := len(svc.closers) - 1; i >= 0; i-- {
		errs = append(errs, svc.closers[i](ctx))
	}
	if err := errors.Join(errs...); err != nil {
		log.Errorf(ctx, err, "release resources")
	}
}

// fingerprintKey derives the 32-byte fingerprint key from the configured
// secret. An empty secret yields a random per-process key.
func fingerprintKey(secret string) ([]byte, error) {
	if secret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate fingerprint key: %w", err)
		}
		return key, nil
	}
	sum := blake3.Sum256([]byte(secret))
	return sum[:], nil
}

func (p redisPinger) Name() string { return "redis" }

func (p redisPinger) Ping(ctx context.Context) error { return p.rdb.Ping(ctx).Err() }
