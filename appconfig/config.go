// Package appconfig loads the orchestration core's process configuration
// from .env files and the environment (spec §6.3), the way the teacher's
// cmd/hector loads its config: godotenv first, then plain os.Getenv reads
// with typed defaults, failing fast with a ConfigError when something
// required is missing.
package appconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/kadirpekel/orcacore/orcherr"
)

// Config is every environment-driven setting the orchestration core reads
// at startup (spec §6.3).
type Config struct {
	ProviderEndpoints map[string]string

	MaxRounds              int
	ToolCallTimeoutMs      int
	ReasoningCallTimeoutMs int
	TurnTimeoutMs          int
	CacheTTLSec            int

	DevMode     bool
	BypassToken bool
	TenantID    string
	Audience    string

	HTTPAddr           string
	DiscoveryTimeoutMs int

	SessionDBDriver string
	SessionDBDSN    string

	ReasoningProvider string
	ReasoningModel    string
	ReasoningAPIKey   string
	ReasoningBaseURL  string

	RateLimitRPS   float64
	RateLimitBurst int

	LogLevel  string
	LogFormat string

	OTelExporterOTLPEndpoint string

	ToolRetryMax    int
	ToolRetryBaseMs int
	ToolRetryCapMs  int
}

// Load reads .env (if present, via godotenv, without overwriting variables
// already set in the environment) and then builds a Config from
// os.Getenv, applying the defaults in spec §4.3/§4.4/§6.3. Returns
// orcherr.ErrConfig when a required key is missing or malformed.
func Load() (*Config, error) {
	_ = godotenv.Load() // .env is optional; missing file is not an error

	cfg := &Config{
		MaxRounds:              envInt("MAX_ROUNDS", 5),
		ToolCallTimeoutMs:      envInt("TOOL_CALL_TIMEOUT_MS", 30000),
		ReasoningCallTimeoutMs: envInt("REASONING_CALL_TIMEOUT_MS", 60000),
		TurnTimeoutMs:          envInt("TURN_TIMEOUT_MS", 180000),
		CacheTTLSec:            envInt("CACHE_TTL_SEC", 300),

		DevMode:     envBool("DEV_MODE", false),
		BypassToken: envBool("BYPASS_TOKEN", false),
		TenantID:    os.Getenv("TENANT_ID"),
		Audience:    os.Getenv("AUDIENCE"),

		HTTPAddr:           envString("HTTP_ADDR", ":8080"),
		DiscoveryTimeoutMs: envInt("DISCOVERY_TIMEOUT_MS", 5000),

		SessionDBDriver: envString("SESSION_DB_DRIVER", "sqlite"),
		SessionDBDSN:    os.Getenv("SESSION_DB_DSN"),

		ReasoningProvider: os.Getenv("REASONING_PROVIDER"),
		ReasoningModel:    os.Getenv("REASONING_MODEL"),
		ReasoningAPIKey:   os.Getenv("REASONING_API_KEY"),
		ReasoningBaseURL:  os.Getenv("REASONING_BASE_URL"),

		RateLimitRPS:   envFloat("RATE_LIMIT_RPS", 0),
		RateLimitBurst: envInt("RATE_LIMIT_BURST", 0),

		LogLevel:  envString("LOG_LEVEL", "info"),
		LogFormat: envString("LOG_FORMAT", "json"),

		OTelExporterOTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),

		ToolRetryMax:    envInt("TOOL_RETRY_MAX", 2),
		ToolRetryBaseMs: envInt("TOOL_RETRY_BASE_MS", 500),
		ToolRetryCapMs:  envInt("TOOL_RETRY_CAP_MS", 4000),
	}

	endpoints, err := parseProviderEndpoints(os.Getenv("PROVIDER_ENDPOINTS"))
	if err != nil {
		return nil, err
	}
	cfg.ProviderEndpoints = endpoints

	if os.Getenv("LOG_FORMAT") == "" && cfg.DevMode {
		cfg.LogFormat = "text"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate enforces the "missing required configuration is a fatal
// ConfigError at startup" rule (spec §6.3): DEV_MODE bypasses the identity
// provider settings, but a reasoning provider must always be selected, and
// without DEV_MODE at least one tool provider must be configured.
func (c *Config) validate() error {
	if c.ReasoningProvider == "" {
		return fmt.Errorf("%w: REASONING_PROVIDER is required", orcherr.ErrConfig)
	}
	if c.ReasoningProvider != "anthropic" && c.ReasoningProvider != "openai" {
		return fmt.Errorf("%w: REASONING_PROVIDER must be anthropic or openai, got %q", orcherr.ErrConfig, c.ReasoningProvider)
	}
	if !c.DevMode && len(c.ProviderEndpoints) == 0 {
		return fmt.Errorf("%w: PROVIDER_ENDPOINTS must declare at least one tool provider unless DEV_MODE is set", orcherr.ErrConfig)
	}
	if !c.DevMode && !c.BypassToken && c.TenantID == "" {
		return fmt.Errorf("%w: TENANT_ID is required unless DEV_MODE or BYPASS_TOKEN is set", orcherr.ErrConfig)
	}
	return nil
}

func parseProviderEndpoints(raw string) (map[string]string, error) {
	if raw == "" {
		return map[string]string{}, nil
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("%w: PROVIDER_ENDPOINTS is not a valid JSON object: %v", orcherr.ErrConfig, err)
	}
	return out, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
