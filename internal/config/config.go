// Package config provides configuration loading and validation for the indexer.
// It uses koanf to merge environment variables with optional file overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all configuration values for the indexer daemon.
type Config struct {
	// Runtime environment
	Env     string `koanf:"env"`
	OpsAddr string `koanf:"ops_addr"`

	// Discord API
	BotToken   string   `koanf:"bot_token"`
	APIBase    string   `koanf:"api_base"`
	GatewayURL string   `koanf:"gateway_url"`
	GuildIDs   []string `koanf:"guild_ids"`
	Intents    int      `koanf:"intents"`

	// MongoDB
	MongoURI      string `koanf:"mongodb_uri"`
	MongoDatabase string `koanf:"mongodb_db"`

	// Backfill
	BackfillPageSize       int `koanf:"backfill_page_size"`
	BackfillWorkers        int `koanf:"backfill_workers"`
	BackfillRequestDelayMS int `koanf:"backfill_request_delay_ms"`

	// HTTP and claim maintenance
	HTTPTimeoutMS        int `koanf:"http_timeout_ms"`
	ClaimTTLMS           int `koanf:"claim_ttl_ms"`
	ClaimSweepIntervalMS int `koanf:"claim_sweep_interval_ms"`

	// Tracing
	TracingEnabled      bool    `koanf:"tracing_enabled"`
	TracingExporter     string  `koanf:"tracing_exporter"`
	TracingOTLPEndpoint string  `koanf:"tracing_otlp_endpoint"`
	TracingSampleRate   float64 `koanf:"tracing_sample_rate"`
	TracingInsecure     bool    `koanf:"tracing_insecure"`
}

// Configuration validation errors.
var (
	ErrMissingBotToken        = errors.New("DISCORD_BOT_TOKEN is required")
	ErrInvalidWorkerCount     = errors.New("INDEXER_BACKFILL_WORKERS must be at least 1")
	ErrInvalidRequestDelay    = errors.New("INDEXER_BACKFILL_REQUEST_DELAY_MS must not be negative")
	ErrInvalidIntents         = errors.New("DISCORD_INTENTS must not be negative")
	ErrInvalidHTTPTimeout     = errors.New("INDEXER_HTTP_TIMEOUT_MS must be positive")
	ErrInvalidClaimTTL        = errors.New("INDEXER_CLAIM_TTL_MS must be positive")
	ErrInvalidSweepInterval   = errors.New("INDEXER_CLAIM_SWEEP_INTERVAL_MS must not be negative")
	ErrInvalidTracingExporter = errors.New("TRACING_EXPORTER must be otlp-http or otlp-grpc")
	ErrInvalidSampleRate      = errors.New("TRACING_SAMPLE_RATE must be between 0 and 1")
	ErrInvalidInteger         = errors.New("value must be a valid integer")
)

// Default values for non-secret configuration.
const (
	DefaultEnv                    = "development"
	DefaultOpsAddr                = ":2112"
	DefaultAPIBase                = "https://discord.com/api/v10"
	DefaultGatewayURL             = "wss://gateway.discord.gg/?v=10&encoding=json"
	DefaultIntents                = 4609 // GUILDS(1) | GUILD_MESSAGES(512) | DIRECT_MESSAGES(4096)
	DefaultMongoURI               = "mongodb://localhost:27017"
	DefaultMongoDatabase          = "discord_index"
	DefaultBackfillPageSize       = 100
	DefaultBackfillWorkers        = 2
	DefaultBackfillRequestDelayMS = 500
	DefaultHTTPTimeoutMS          = 30000
	DefaultClaimTTLMS             = 600000
	DefaultClaimSweepIntervalMS   = 60000
	DefaultTracingExporter        = "otlp-http"
	DefaultTracingSampleRate      = 1.0
)

// Load reads configuration from environment variables and an optional config file.
// Environment variables take precedence over file values.
// Returns the loaded config and a slice of validation errors (empty if valid).
// If a config file path is provided and the file cannot be loaded, an error is returned.
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")
	var loadErrs []error

	// Load from YAML file first if provided (lower precedence)
	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	intents, err := getEnvIntOrDefault("DISCORD_INTENTS", k.Int("intents"), DefaultIntents)
	if err != nil {
		loadErrs = append(loadErrs, err)
	}
	pageSize, err := getEnvIntOrDefault("INDEXER_BACKFILL_PAGE_SIZE", k.Int("backfill_page_size"), DefaultBackfillPageSize)
	if err != nil {
		loadErrs = append(loadErrs, err)
	}
	pageSize = clampPageSize(pageSize)
	workers, err := getEnvIntOrDefault("INDEXER_BACKFILL_WORKERS", k.Int("backfill_workers"), DefaultBackfillWorkers)
	if err != nil {
		loadErrs = append(loadErrs, err)
	}
	requestDelay, err := getEnvIntOrDefault("INDEXER_BACKFILL_REQUEST_DELAY_MS", k.Int("backfill_request_delay_ms"), DefaultBackfillRequestDelayMS)
	if err != nil {
		loadErrs = append(loadErrs, err)
	}
	httpTimeout, err := getEnvIntOrDefault("INDEXER_HTTP_TIMEOUT_MS", k.Int("http_timeout_ms"), DefaultHTTPTimeoutMS)
	if err != nil {
		loadErrs = append(loadErrs, err)
	}
	claimTTL, err := getEnvIntOrDefault("INDEXER_CLAIM_TTL_MS", k.Int("claim_ttl_ms"), DefaultClaimTTLMS)
	if err != nil {
		loadErrs = append(loadErrs, err)
	}
	sweepInterval, err := getEnvIntOrDefault("INDEXER_CLAIM_SWEEP_INTERVAL_MS", k.Int("claim_sweep_interval_ms"), DefaultClaimSweepIntervalMS)
	if err != nil {
		loadErrs = append(loadErrs, err)
	}
	sampleRate, err := getEnvFloatOrDefault("TRACING_SAMPLE_RATE", k.Float64("tracing_sample_rate"), DefaultTracingSampleRate)
	if err != nil {
		loadErrs = append(loadErrs, err)
	}

	// The ops listener address may be set to the empty string to disable the
	// listener, so a set-but-empty variable must be distinguished from an unset one.
	opsAddr := DefaultOpsAddr
	if k.Exists("ops_addr") {
		opsAddr = k.String("ops_addr")
	}
	if val, ok := os.LookupEnv("CHRONICLE_OPS_ADDR"); ok {
		opsAddr = val
	}

	cfg := &Config{
		Env:                    getEnvOrDefaultMulti([]string{"CHRONICLE_ENV", "ENV", "GO_ENV"}, k.String("env"), DefaultEnv),
		OpsAddr:                opsAddr,
		BotToken:               getEnvOrKoanf("DISCORD_BOT_TOKEN", k, "bot_token"),
		APIBase:                getEnvOrDefault("DISCORD_API_BASE", k.String("api_base"), DefaultAPIBase),
		GatewayURL:             getEnvOrDefault("DISCORD_GATEWAY_URL", k.String("gateway_url"), DefaultGatewayURL),
		GuildIDs:               splitGuildIDs(getEnvOrDefault("DISCORD_GUILD_IDS", strings.Join(k.Strings("guild_ids"), ","), "")),
		Intents:                intents,
		MongoURI:               getEnvOrDefault("MONGODB_URI", k.String("mongodb_uri"), DefaultMongoURI),
		MongoDatabase:          getEnvOrDefault("MONGODB_DB", k.String("mongodb_db"), DefaultMongoDatabase),
		BackfillPageSize:       pageSize,
		BackfillWorkers:        workers,
		BackfillRequestDelayMS: requestDelay,
		HTTPTimeoutMS:          httpTimeout,
		ClaimTTLMS:             claimTTL,
		ClaimSweepIntervalMS:   sweepInterval,
		TracingEnabled:         getEnvBoolOrDefault("TRACING_ENABLED", k, "tracing_enabled", false),
		TracingExporter:        getEnvOrDefault("TRACING_EXPORTER", k.String("tracing_exporter"), DefaultTracingExporter),
		TracingOTLPEndpoint:    getEnvOrKoanf("TRACING_OTLP_ENDPOINT", k, "tracing_otlp_endpoint"),
		TracingSampleRate:      sampleRate,
		TracingInsecure:        getEnvBoolOrDefault("TRACING_INSECURE", k, "tracing_insecure", false),
	}

	errs := cfg.Validate()
	errs = append(loadErrs, errs...)

	return cfg, errs
}

// clampPageSize forces the backfill page size into the [1,100] range the
// messages endpoint accepts. Out-of-range values are adjusted, not rejected.
func clampPageSize(n int) int {
	if n < 1 {
		return 1
	}
	if n > 100 {
		return 100
	}
	return n
}

// splitGuildIDs parses a comma-separated guild ID list, dropping empty entries.
func splitGuildIDs(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	ids := make([]string, 0, len(parts))
	for _, p := range parts {
		if id := strings.TrimSpace(p); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// getEnvOrKoanf returns the environment variable value if set, otherwise the koanf value.
func getEnvOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	return k.String(koanfKey)
}

// getEnvOrDefault returns the environment variable value if set, otherwise the koanf value, or default.
func getEnvOrDefault(envKey string, koanfVal string, defaultVal string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first non-empty value found, otherwise the koanf value, or default.
func getEnvOrDefaultMulti(envKeys []string, koanfVal string, defaultVal string) string {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvIntOrDefault returns the environment variable as int if set, otherwise the koanf value, or default.
// Returns an error if the environment variable is set but cannot be parsed as an integer.
// Note: a zero value from a YAML file falls back to the default.
func getEnvIntOrDefault(envKey string, koanfVal int, defaultVal int) (int, error) {
	if val := os.Getenv(envKey); val != "" {
		i, err := strconv.Atoi(val)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", envKey, ErrInvalidInteger)
		}
		return i, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvFloatOrDefault returns the environment variable as float64 if set, otherwise the koanf value, or default.
// Returns an error if the environment variable is set but cannot be parsed as a float.
func getEnvFloatOrDefault(envKey string, koanfVal float64, defaultVal float64) (float64, error) {
	if val := os.Getenv(envKey); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid float: %w", envKey, err)
		}
		return f, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvBoolOrDefault returns the environment variable as bool if set, otherwise the koanf value, or default.
// Recognized true values: true, 1, yes, on. Recognized false values: false, 0, no, off.
func getEnvBoolOrDefault(envKey string, k *koanf.Koanf, koanfKey string, defaultVal bool) bool {
	result := defaultVal
	if k.Exists(koanfKey) {
		result = k.Bool(koanfKey)
	}
	if val := os.Getenv(envKey); val != "" {
		switch strings.ToLower(val) {
		case "true", "1", "yes", "on":
			result = true
		case "false", "0", "no", "off":
			result = false
		}
	}
	return result
}

// Validate checks that all required configuration values are present and sane.
// Returns a slice of validation errors (empty if valid).
func (c *Config) Validate() []error {
	var errs []error

	if c.BotToken == "" {
		errs = append(errs, ErrMissingBotToken)
	}
	if c.Intents < 0 {
		errs = append(errs, ErrInvalidIntents)
	}
	if c.BackfillWorkers < 1 {
		errs = append(errs, ErrInvalidWorkerCount)
	}
	if c.BackfillRequestDelayMS < 0 {
		errs = append(errs, ErrInvalidRequestDelay)
	}
	if c.HTTPTimeoutMS <= 0 {
		errs = append(errs, ErrInvalidHTTPTimeout)
	}
	if c.ClaimTTLMS <= 0 {
		errs = append(errs, ErrInvalidClaimTTL)
	}
	if c.ClaimSweepIntervalMS < 0 {
		errs = append(errs, ErrInvalidSweepInterval)
	}
	if c.TracingEnabled {
		if c.TracingExporter != "otlp-http" && c.TracingExporter != "otlp-grpc" {
			errs = append(errs, ErrInvalidTracingExporter)
		}
	}
	if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
		errs = append(errs, ErrInvalidSampleRate)
	}

	return errs
}

// RequestDelay returns the inter-page backfill delay as a duration.
func (c *Config) RequestDelay() time.Duration {
	return time.Duration(c.BackfillRequestDelayMS) * time.Millisecond
}

// HTTPTimeout returns the REST client timeout as a duration.
func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutMS) * time.Millisecond
}

// ClaimTTL returns the age beyond which a backfill claim is considered abandoned.
func (c *Config) ClaimTTL() time.Duration {
	return time.Duration(c.ClaimTTLMS) * time.Millisecond
}

// ClaimSweepInterval returns the cadence of the stale-claim sweeper.
// Zero disables the sweeper.
func (c *Config) ClaimSweepInterval() time.Duration {
	return time.Duration(c.ClaimSweepIntervalMS) * time.Millisecond
}

// LogSummary returns a summary of the configuration suitable for logging.
// All secrets are masked to prevent accidental exposure.
func (c *Config) LogSummary() map[string]string {
	guilds := "<discover>"
	if len(c.GuildIDs) > 0 {
		guilds = strings.Join(c.GuildIDs, ",")
	}
	return map[string]string{
		"env":                       c.Env,
		"ops_addr":                  c.OpsAddr,
		"bot_token":                 maskSecret(c.BotToken),
		"api_base":                  c.APIBase,
		"gateway_url":               c.GatewayURL,
		"guild_ids":                 guilds,
		"intents":                   fmt.Sprintf("%d", c.Intents),
		"mongodb_uri":               maskMongoURI(c.MongoURI),
		"mongodb_db":                c.MongoDatabase,
		"backfill_page_size":        fmt.Sprintf("%d", c.BackfillPageSize),
		"backfill_workers":          fmt.Sprintf("%d", c.BackfillWorkers),
		"backfill_request_delay_ms": fmt.Sprintf("%d", c.BackfillRequestDelayMS),
		"http_timeout_ms":           fmt.Sprintf("%d", c.HTTPTimeoutMS),
		"claim_ttl_ms":              fmt.Sprintf("%d", c.ClaimTTLMS),
		"claim_sweep_interval_ms":   fmt.Sprintf("%d", c.ClaimSweepIntervalMS),
		"tracing_enabled":           fmt.Sprintf("%t", c.TracingEnabled),
		"tracing_exporter":          c.TracingExporter,
		"tracing_otlp_endpoint":     c.TracingOTLPEndpoint,
		"tracing_sample_rate":       fmt.Sprintf("%g", c.TracingSampleRate),
	}
}

// maskSecret masks a secret value, showing only the first 4 characters followed by ****
// If the secret is shorter than 8 characters, it's fully masked.
func maskSecret(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) < 8 {
		return "****"
	}
	return s[:4] + "****"
}

// maskMongoURI masks the password in a MongoDB connection URI.
func maskMongoURI(s string) string {
	if s == "" {
		return "<not set>"
	}

	schemeEnd := strings.Index(s, "://")
	if schemeEnd == -1 {
		return maskSecret(s)
	}

	rest := s[schemeEnd+3:]
	atIndex := strings.Index(rest, "@")
	if atIndex == -1 {
		return s // No credentials in URI
	}

	colonIndex := strings.Index(rest[:atIndex], ":")
	if colonIndex == -1 {
		return s // No password (only username)
	}

	scheme := s[:schemeEnd+3]
	user := rest[:colonIndex]
	hostAndPath := rest[atIndex:]

	return scheme + user + ":****" + hostAndPath
}
