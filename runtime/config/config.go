// Package config loads the callanalysis service configuration.
//
// Values are resolved in increasing order of precedence: built-in defaults,
// the configuration file (YAML, or JSON with comments when the file name ends
// in .json or .jsonc), variables loaded from an optional .env file, process
// environment variables prefixed with CALLANALYSIS_, and command-line flags.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"goa.design/callanalysis/runtime/transcript"
)

type (
	// Config is the complete service configuration.
	Config struct {
		Server     Server     `yaml:"server" json:"server"`
		Session    Session    `yaml:"session" json:"session"`
		Pipeline   Pipeline   `yaml:"pipeline" json:"pipeline"`
		Model      Model      `yaml:"model" json:"model"`
		Validation Validation `yaml:"validation" json:"validation"`
		Audit      Audit      `yaml:"audit" json:"audit"`
		Log        Log        `yaml:"log" json:"log"`
	}

	// Server configures the protocol transports.
	Server struct {
		// Transport is "stdio" or "http".
		Transport string `yaml:"transport" json:"transport"`
		// Addr is the HTTP listen address.
		Addr string `yaml:"addr" json:"addr"`
		// AllowedOrigins lists the CORS origins accepted by the HTTP
		// transports. "*" accepts any origin.
		AllowedOrigins []string `yaml:"allowedOrigins" json:"allowedOrigins"`
		// GlobalRate is the sustained number of requests per second accepted
		// across all callers. Zero disables the limit.
		GlobalRate float64 `yaml:"globalRate" json:"globalRate"`
		// GlobalBurst is the global limiter burst.
		GlobalBurst int `yaml:"globalBurst" json:"globalBurst"`
		// SessionRate is the sustained number of requests per second
		// accepted per session. Zero disables the limit.
		SessionRate float64 `yaml:"sessionRate" json:"sessionRate"`
		// SessionBurst is the per-session limiter burst.
		SessionBurst int `yaml:"sessionBurst" json:"sessionBurst"`
		// MaxBodyBytes bounds the size of a single protocol message.
		MaxBodyBytes int64 `yaml:"maxBodyBytes" json:"maxBodyBytes"`
		// ShutdownTimeout bounds graceful shutdown.
		ShutdownTimeout time.Duration `yaml:"shutdownTimeout" json:"shutdownTimeout"`
	}

	// Session configures the session registry.
	Session struct {
		// Store is "memory" or "redis".
		Store string `yaml:"store" json:"store"`
		// Quota is the number of analyses admitted per session.
		Quota int `yaml:"quota" json:"quota"`
		// IdleTimeout is the idle duration after which sessions expire.
		IdleTimeout time.Duration `yaml:"idleTimeout" json:"idleTimeout"`
		// RedisAddr is the Redis address used by the redis store, the Pulse
		// audit stream and the cluster token budget.
		RedisAddr string `yaml:"redisAddr" json:"redisAddr"`
		// RedisPassword authenticates against Redis.
		RedisPassword string `yaml:"redisPassword" json:"redisPassword"`
		// RedisPrefix namespaces session keys.
		RedisPrefix string `yaml:"redisPrefix" json:"redisPrefix"`
	}

	// Pipeline configures the analysis pipeline.
	Pipeline struct {
		// Engine selects the stage implementation: "heuristic" or "llm".
		Engine string `yaml:"engine" json:"engine"`
		// StageTimeout is the deadline of each stage.
		StageTimeout time.Duration `yaml:"stageTimeout" json:"stageTimeout"`
		// RunTimeout is the deadline of a complete run.
		RunTimeout time.Duration `yaml:"runTimeout" json:"runTimeout"`
		// PromptsFile overrides the embedded prompt table.
		PromptsFile string `yaml:"promptsFile" json:"promptsFile"`
	}

	// Model configures the LLM provider used by the llm engine.
	Model struct {
		// Provider is "anthropic", "openai" or "bedrock".
		Provider string `yaml:"provider" json:"provider"`
		// Name is the provider model identifier.
		Name string `yaml:"name" json:"name"`
		// APIKey authenticates against the anthropic and openai providers.
		// It defaults to ANTHROPIC_API_KEY or OPENAI_API_KEY.
		APIKey string `yaml:"apiKey" json:"apiKey"`
		// BaseURL overrides the openai endpoint.
		BaseURL string `yaml:"baseURL" json:"baseURL"`
		// Region is the AWS region of the bedrock provider.
		Region string `yaml:"region" json:"region"`
		// MaxTokens bounds the completion of each stage.
		MaxTokens int `yaml:"maxTokens" json:"maxTokens"`
		// Temperature is the sampling temperature.
		Temperature float64 `yaml:"temperature" json:"temperature"`
		// Attempts is the maximum number of attempts per stage.
		Attempts int `yaml:"attempts" json:"attempts"`
		// TokensPerMinute is the initial token budget of the adaptive
		// limiter. Zero disables the limiter.
		TokensPerMinute float64 `yaml:"tokensPerMinute" json:"tokensPerMinute"`
		// MaxTokensPerMinute caps the adaptive budget.
		MaxTokensPerMinute float64 `yaml:"maxTokensPerMinute" json:"maxTokensPerMinute"`
		// ClusterBudget shares the token budget across replicas through a
		// Pulse replicated map stored in Redis.
		ClusterBudget bool `yaml:"clusterBudget" json:"clusterBudget"`
	}

	// Validation configures the business rule policy.
	Validation struct {
		// Rules maps business rule names to warn, reject or off.
		Rules map[string]string `yaml:"rules" json:"rules"`
	}

	// Audit configures the audit sinks.
	Audit struct {
		// Log records events on the service log.
		Log bool `yaml:"log" json:"log"`
		// FingerprintKey keys the transcript fingerprints. A random key is
		// generated when empty, so fingerprints only correlate within one
		// process.
		FingerprintKey string `yaml:"fingerprintKey" json:"fingerprintKey"`
		// MongoURI enables the MongoDB sink.
		MongoURI string `yaml:"mongoURI" json:"mongoURI"`
		// MongoDatabase is the MongoDB database name.
		MongoDatabase string `yaml:"mongoDatabase" json:"mongoDatabase"`
		// MongoCollection is the MongoDB collection name.
		MongoCollection string `yaml:"mongoCollection" json:"mongoCollection"`
		// Retention expires MongoDB events. Zero keeps events forever.
		Retention time.Duration `yaml:"retention" json:"retention"`
		// Stream enables the Pulse sink publishing on the named stream.
		Stream string `yaml:"stream" json:"stream"`
		// StreamMaxLen bounds the Pulse stream length.
		StreamMaxLen int `yaml:"streamMaxLen" json:"streamMaxLen"`
	}

	// Log configures logging.
	Log struct {
		// Format is "json" or "terminal". It defaults to terminal when
		// standard error is a terminal.
		Format string `yaml:"format" json:"format"`
		// Debug enables debug logs.
		Debug bool `yaml:"debug" json:"debug"`
	}
)

// Transports.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// Session stores.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Pipeline engines.
const (
	EngineHeuristic = "heuristic"
	EngineLLM       = "llm"
)

// Model providers.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderBedrock   = "bedrock"
)

// Log formats.
const (
	FormatJSON     = "json"
	FormatTerminal = "terminal"
)

// Default returns the default configuration: stdio transport, in-memory
// sessions, heuristic stages and log-only auditing.
func Default() *Config {
	return &Config{
		Server: Server{
			Transport:       TransportStdio,
			Addr:            ":8080",
			GlobalRate:      50,
			GlobalBurst:     100,
			SessionRate:     2,
			SessionBurst:    5,
			MaxBodyBytes:    1 << 20,
			ShutdownTimeout: 30 * time.Second,
		},
		Session: Session{
			Store:       StoreMemory,
			Quota:       10,
			IdleTimeout: 30 * time.Minute,
			RedisAddr:   "localhost:6379",
			RedisPrefix: "callanalysis:session:",
		},
		Pipeline: Pipeline{
			Engine:       EngineHeuristic,
			StageTimeout: 30 * time.Second,
			RunTimeout:   2 * time.Minute,
		},
		Model: Model{
			Provider:    ProviderAnthropic,
			MaxTokens:   2048,
			Temperature: 0.2,
			Attempts:    3,
		},
		Audit: Audit{
			Log:             true,
			MongoDatabase:   "callanalysis",
			MongoCollection: "audit",
		},
	}
}

// LoadFile decodes the file at path over cfg. Files ending in .json or
// .jsonc may contain comments and trailing commas.
func LoadFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		raw = jsonc.ToJSON(raw)
	}
	if err := Decode(cfg, raw); err != nil {
		return fmt.Errorf("config %s: %w", path, err)
	}
	return nil
}

// Decode decodes a YAML (or JSON) document over cfg. Unknown keys are
// rejected.
func Decode(cfg *Config, raw []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

// Policy returns the business rule policy described by the validation
// section.
func (c *Config) Policy() (transcript.Policy, error) {
	p := transcript.DefaultPolicy()
	for name, a := range c.Validation.Rules {
		r := transcript.Rule(name)
		if !slices.Contains(transcript.Rules, r) {
			return nil, fmt.Errorf("unknown business rule %q", name)
		}
		act, err := transcript.ParseAction(a)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", name, err)
		}
		p[r] = act
	}
	return p, nil
}

// Validate reports every inconsistent value.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	s := c.Server
	check(s.Transport == TransportStdio || s.Transport == TransportHTTP,
		"server.transport: must be %s or %s, got %q", TransportStdio, TransportHTTP, s.Transport)
	check(s.Transport != TransportHTTP || s.Addr != "", "server.addr: required with the http transport")
	check(s.GlobalRate >= 0 && s.SessionRate >= 0, "server: rates must not be negative")
	check(s.GlobalRate == 0 || s.GlobalBurst > 0, "server.globalBurst: must be positive when globalRate is set")
	check(s.SessionRate == 0 || s.SessionBurst > 0, "server.sessionBurst: must be positive when sessionRate is set")
	check(s.MaxBodyBytes > 0, "server.maxBodyBytes: must be positive")

	ss := c.Session
	check(ss.Store == StoreMemory || ss.Store == StoreRedis,
		"session.store: must be %s or %s, got %q", StoreMemory, StoreRedis, ss.Store)
	check(ss.Quota > 0, "session.quota: must be positive")
	check(ss.IdleTimeout > 0, "session.idleTimeout: must be positive")
	check(!c.NeedsRedis() || ss.RedisAddr != "", "session.redisAddr: required by the configured redis features")

	p := c.Pipeline
	check(p.Engine == EngineHeuristic || p.Engine == EngineLLM,
		"pipeline.engine: must be %s or %s, got %q", EngineHeuristic, EngineLLM, p.Engine)
	check(p.StageTimeout > 0, "pipeline.stageTimeout: must be positive")
	check(p.RunTimeout >= p.StageTimeout, "pipeline.runTimeout: must not be shorter than stageTimeout")

	if p.Engine == EngineLLM {
		m := c.Model
		switch m.Provider {
		case ProviderAnthropic, ProviderOpenAI:
			check(m.APIKey != "", "model.apiKey: required by the %s provider", m.Provider)
		case ProviderBedrock:
			check(m.Region != "", "model.region: required by the bedrock provider")
		default:
			errs = append(errs, fmt.Errorf("model.provider: unknown provider %q", m.Provider))
		}
		check(m.Name != "", "model.name: required with the llm engine")
		check(m.MaxTokens > 0, "model.maxTokens: must be positive")
		check(m.Temperature >= 0 && m.Temperature <= 2, "model.temperature: must be within [0, 2]")
		check(m.Attempts > 0, "model.attempts: must be positive")
		check(m.TokensPerMinute >= 0, "model.tokensPerMinute: must not be negative")
		check(m.MaxTokensPerMinute == 0 || m.MaxTokensPerMinute >= m.TokensPerMinute,
			"model.maxTokensPerMinute: must not be lower than tokensPerMinute")
		check(!m.ClusterBudget || m.TokensPerMinute > 0, "model.clusterBudget: requires tokensPerMinute")
	}

	if _, err := c.Policy(); err != nil {
		errs = append(errs, fmt.Errorf("validation.rules: %w", err))
	}

	a := c.Audit
	check(a.MongoURI == "" || (a.MongoDatabase != "" && a.MongoCollection != ""),
		"audit: mongoDatabase and mongoCollection are required with mongoURI")
	check(a.Retention >= 0, "audit.retention: must not be negative")
	check(a.StreamMaxLen >= 0, "audit.streamMaxLen: must not be negative")

	check(c.Log.Format == "" || c.Log.Format == FormatJSON || c.Log.Format == FormatTerminal,
		"log.format: must be %s or %s, got %q", FormatJSON, FormatTerminal, c.Log.Format)

	return errors.Join(errs...)
}

// NeedsRedis reports whether any configured feature connects to Redis.
func (c *Config) NeedsRedis() bool {
	return c.Session.Store == StoreRedis ||
		c.Audit.Stream != "" ||
		(c.Pipeline.Engine == EngineLLM && c.Model.ClusterBudget)
}
