package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

type (
	// Flags holds the parsed command-line flags.
	Flags struct {
		// ConfigFile is the configuration file path.
		ConfigFile string
		// EnvFile is the .env file path. The file is optional unless the
		// flag is set explicitly.
		EnvFile string
		// Transport overrides server.transport.
		Transport string
		// Addr overrides server.addr.
		Addr string
		// Debug enables debug logs.
		Debug bool

		set *pflag.FlagSet
	}

	// LookupFunc returns the value of an environment variable.
	LookupFunc func(key string) (string, bool)

	envVar struct {
		name string
		set  func(c *Config, v string) error
	}
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CALLANALYSIS_"

const defaultEnvFile = ".env"

// ParseFlags parses the command-line arguments (without the program name).
// It returns pflag.ErrHelp when help was requested.
func ParseFlags(name string, args []string) (*Flags, error) {
	f := &Flags{set: pflag.NewFlagSet(name, pflag.ContinueOnError)}
	set := f.set
	set.StringVar(&f.ConfigFile, "config", "", "configuration file (YAML, JSON or JSONC)")
	set.StringVar(&f.EnvFile, "env-file", defaultEnvFile, "dotenv file loaded before reading the environment")
	set.StringVar(&f.Transport, "transport", "", "protocol transport: stdio or http")
	set.StringVar(&f.Addr, "addr", "", "HTTP listen address")
	set.BoolVar(&f.Debug, "debug", false, "enable debug logs")
	set.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\nFlags:\n", name)
		set.PrintDefaults()
	}
	if err := set.Parse(args); err != nil {
		return nil, err
	}
	if set.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(set.Args(), " "))
	}
	return f, nil
}

// changed reports whether the named flag was set on the command line.
func (f *Flags) changed(name string) bool {
	return f != nil && f.set != nil && f.set.Changed(name)
}

// Load resolves the configuration from defaults, the configuration file, the
// .env file, the environment looked up with lookup and the flags. A nil lookup
// reads the process environment. The result is validated.
func Load(f *Flags, lookup LookupFunc) (*Config, error) {
	if f == nil {
		f = &Flags{EnvFile: defaultEnvFile}
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	dotenv, err := readEnvFile(f.EnvFile, f.changed("env-file"))
	if err != nil {
		return nil, err
	}
	env := func(key string) (string, bool) {
		if v, ok := lookup(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}

	cfg := Default()
	path := f.ConfigFile
	if path == "" {
		path, _ = env(EnvPrefix + "CONFIG")
	}
	if path != "" {
		if err := LoadFile(cfg, path); err != nil {
			return nil, err
		}
	}
	if err := ApplyEnv(cfg, env); err != nil {
		return nil, err
	}
	if f.Transport != "" {
		cfg.Server.Transport = f.Transport
	}
	if f.Addr != "" {
		cfg.Server.Addr = f.Addr
	}
	if f.Debug {
		cfg.Log.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// readEnvFile parses a dotenv file. A missing file is an error only when
// required.
func readEnvFile(path string, required bool) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	m, err := godotenv.Read(path)
	if err != nil {
		if !required && errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("env file %s: %w", path, err)
	}
	return m, nil
}

// ApplyEnv overrides cfg with the CALLANALYSIS_ variables found by lookup.
// Provider credentials fall back to ANTHROPIC_API_KEY, OPENAI_API_KEY and
// AWS_REGION.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	var errs []error
	for _, ev := range envVars {
		v, ok := lookup(EnvPrefix + ev.name)
		if !ok {
			continue
		}
		if err := ev.set(cfg, strings.TrimSpace(v)); err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, ev.name, err))
		}
	}
	if cfg.Model.APIKey == "" {
		key := "ANTHROPIC_API_KEY"
		if cfg.Model.Provider == ProviderOpenAI {
			key = "OPENAI_API_KEY"
		}
		if v, ok := lookup(key); ok {
			cfg.Model.APIKey = v
		}
	}
	if cfg.Model.Region == "" {
		if v, ok := lookup("AWS_REGION"); ok {
			cfg.Model.Region = v
		}
	}
	return errors.Join(errs...)
}

var envVars = []envVar{
	{"TRANSPORT", str(func(c *Config) *string { return &c.Server.Transport })},
	{"ADDR", str(func(c *Config) *string { return &c.Server.Addr })},
	{"ALLOWED_ORIGINS", func(c *Config, v string) error {
		c.Server.AllowedOrigins = nil
		for o := range strings.SplitSeq(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.Server.AllowedOrigins = append(c.Server.AllowedOrigins, o)
			}
		}
		return nil
	}},
	{"GLOBAL_RATE", float(func(c *Config) *float64 { return &c.Server.GlobalRate })},
	{"SESSION_RATE", float(func(c *Config) *float64 { return &c.Server.SessionRate })},
	{"SESSION_STORE", str(func(c *Config) *string { return &c.Session.Store })},
	{"SESSION_QUOTA", integer(func(c *Config) *int { return &c.Session.Quota })},
	{"SESSION_IDLE_TIMEOUT", duration(func(c *Config) *time.Duration { return &c.Session.IdleTimeout })},
	{"REDIS_ADDR", str(func(c *Config) *string { return &c.Session.RedisAddr })},
	{"REDIS_PASSWORD", str(func(c *Config) *string { return &c.Session.RedisPassword })},
	{"ENGINE", str(func(c *Config) *string { return &c.Pipeline.Engine })},
	{"STAGE_TIMEOUT", duration(func(c *Config) *time.Duration { return &c.Pipeline.StageTimeout })},
	{"RUN_TIMEOUT", duration(func(c *Config) *time.Duration { return &c.Pipeline.RunTimeout })},
	{"PROMPTS_FILE", str(func(c *Config) *string { return &c.Pipeline.PromptsFile })},
	{"MODEL_PROVIDER", str(func(c *Config) *string { return &c.Model.Provider })},
	{"MODEL_NAME", str(func(c *Config) *string { return &c.Model.Name })},
	{"MODEL_API_KEY", str(func(c *Config) *string { return &c.Model.APIKey })},
	{"MODEL_BASE_URL", str(func(c *Config) *string { return &c.Model.BaseURL })},
	{"MODEL_REGION", str(func(c *Config) *string { return &c.Model.Region })},
	{"MODEL_MAX_TOKENS", integer(func(c *Config) *int { return &c.Model.MaxTokens })},
	{"MODEL_TEMPERATURE", float(func(c *Config) *float64 { return &c.Model.Temperature })},
	{"MODEL_TPM", float(func(c *Config) *float64 { return &c.Model.TokensPerMinute })},
	{"MODEL_CLUSTER_BUDGET", boolean(func(c *Config) *bool { return &c.Model.ClusterBudget })},
	{"AUDIT_LOG", boolean(func(c *Config) *bool { return &c.Audit.Log })},
	{"AUDIT_FINGERPRINT_KEY", str(func(c *Config) *string { return &c.Audit.FingerprintKey })},
	{"AUDIT_MONGO_URI", str(func(c *Config) *string { return &c.Audit.MongoURI })},
	{"AUDIT_RETENTION", duration(func(c *Config) *time.Duration { return &c.Audit.Retention })},
	{"AUDIT_STREAM", str(func(c *Config) *string { return &c.Audit.Stream })},
	{"LOG_FORMAT", str(func(c *Config) *string { return &c.Log.Format })},
	{"DEBUG", boolean(func(c *Config) *bool { return &c.Log.Debug })},
}

func str(field func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*field(c) = v
		return nil
	}
}

func integer(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func float(field func(*Config) *float64) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func duration(field func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}
}

func boolean(field func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}
}
