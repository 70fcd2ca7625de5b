// Package config loads gateway configuration from defaults, an optional
// TOML file, and environment variables, in that priority order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server       ServerConfig       `toml:"server"`
	Database     DatabaseConfig     `toml:"database"`
	Logging      LoggingConfig      `toml:"logging"`
	Carrier      CarrierConfig      `toml:"carrier"`
	Retry        RetryConfig        `toml:"retry"`
	Dispatch     DispatchConfig     `toml:"dispatch"`
	Onboarding   OnboardingConfig   `toml:"onboarding"`
	Verification VerificationConfig `toml:"verification"`
	Agent        AgentConfig        `toml:"agent"`
	Resolver     ResolverConfig     `toml:"resolver"`
}

type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
	// PublicBaseURL is this service's externally-visible origin (scheme +
	// host), used to reconstruct the exact URL the carrier signed when
	// validating inbound webhook signatures.
	PublicBaseURL string `toml:"public_base_url"`
	// AdminToken, when set, is required as a Bearer token on the /admin/*
	// read endpoints. Empty disables auth (local development only).
	AdminToken string `toml:"admin_token"`
}

type DatabaseConfig struct {
	URL      string `toml:"url"`
	MaxConns int    `toml:"max_conns"`
	MinConns int    `toml:"min_conns"`
	// CacheURL, when set, is an external cache endpoint shared across
	// process instances. The in-process resolver cache (internal/resolver)
	// is sufficient on its own (TTL bounds cross-process staleness per
	// spec §5), so nothing in this repo dials it; it is accepted and
	// carried only so deployments that set CACHE_URL don't fail config
	// validation.
	CacheURL string `toml:"cache_url"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // "json" (default) or "text"
}

// CarrierConfig configures the outbound/inbound SMS carrier binding.
// Provider selects exactly one backend — the core treats the carrier as a
// single abstraction (spec Non-goal: no wire-level provider portability).
type CarrierConfig struct {
	Provider           string `toml:"provider"` // "twilio" (default), "sns", "capture"
	AccountSID         string `toml:"account_sid"`
	AuthToken          string `toml:"auth_token"`
	FromNumber         string `toml:"from_number"`
	StatusCallbackURL  string `toml:"status_callback_url"`
	SignatureHeader    string `toml:"signature_header"` // default "X-Carrier-Signature"
	AWSRegion          string `toml:"aws_region"`       // used when provider = "sns"
	BaseURL            string `toml:"base_url"`         // override for tests (httptest server)
	SendTimeoutSeconds int    `toml:"send_timeout_seconds"`
}

type RetryConfig struct {
	MaxRetries  int `toml:"max_retries"`
	BaseSeconds int `toml:"base_seconds"`
	MaxSeconds  int `toml:"max_seconds"`
}

// DispatchConfig tunes OutboundDispatcher's body limit, per-user budget, and
// retry/reconciliation sweep timing.
type DispatchConfig struct {
	MaxBodyLen          int   `toml:"max_body_len"`
	MonthlyBudget       int64 `toml:"monthly_budget"` // outbound messages per user per month; 0 = unlimited
	CostCentsPerMessage int64 `toml:"cost_cents_per_message"`
	TickIntervalSeconds int   `toml:"tick_interval_seconds"`
	TickBatchSize       int   `toml:"tick_batch_size"`
	StaleAfterSeconds   int   `toml:"stale_after_seconds"`
}

type OnboardingConfig struct {
	SessionTTLSeconds int `toml:"session_ttl_seconds"`
}

type VerificationConfig struct {
	CodeTTLSeconds int `toml:"code_ttl_seconds"`
	CodeLength     int `toml:"code_length"`
	MaxAttempts    int `toml:"max_attempts"`
}

type AgentConfig struct {
	CallDeadlineSeconds int `toml:"call_deadline_seconds"`
	// Endpoint is the agent runtime's HTTP base URL. Empty means no
	// AgentRuntime is wired; the composition root falls back to a reply
	// that tells the sender the assistant is unavailable.
	Endpoint string `toml:"endpoint"`
	Token    string `toml:"token"`
}

type ResolverConfig struct {
	TTLSeconds    int `toml:"ttl_seconds"`
	NegTTLSeconds int `toml:"neg_ttl_seconds"`
}

// Address returns the host:port the HTTP server should bind to.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Default returns the built-in defaults described in spec §6.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			MaxConns: 10,
			MinConns: 2,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Carrier: CarrierConfig{
			Provider:           "twilio",
			SignatureHeader:    "X-Carrier-Signature",
			SendTimeoutSeconds: 10,
		},
		Retry: RetryConfig{
			MaxRetries:  3,
			BaseSeconds: 30,
			MaxSeconds:  1800,
		},
		Dispatch: DispatchConfig{
			MaxBodyLen:          1600,
			MonthlyBudget:       0,
			CostCentsPerMessage: 1,
			TickIntervalSeconds: 30,
			TickBatchSize:       100,
			StaleAfterSeconds:   86400,
		},
		Onboarding: OnboardingConfig{
			SessionTTLSeconds: 3600,
		},
		Verification: VerificationConfig{
			CodeTTLSeconds: 600,
			CodeLength:     6,
			MaxAttempts:    3,
		},
		Agent: AgentConfig{
			CallDeadlineSeconds: 25,
		},
		Resolver: ResolverConfig{
			TTLSeconds:    300,
			NegTTLSeconds: 30,
		},
	}
}

// Load reads configuration with priority: defaults → gateway.toml (or
// configPath) → environment variables.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath == "" {
		configPath = "gateway.toml"
	}
	if data, err := os.ReadFile(configPath); err == nil {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", configPath, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := envInt("SERVER_PORT"); v != nil {
		cfg.Server.Port = *v
	}
	if v := os.Getenv("PUBLIC_BASE_URL"); v != "" {
		cfg.Server.PublicBaseURL = v
	}
	if v := os.Getenv("ADMIN_TOKEN"); v != "" {
		cfg.Server.AdminToken = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := envInt("DATABASE_MAX_CONNS"); v != nil {
		cfg.Database.MaxConns = *v
	}
	if v := envInt("DATABASE_MIN_CONNS"); v != nil {
		cfg.Database.MinConns = *v
	}
	if v := os.Getenv("CACHE_URL"); v != "" {
		cfg.Database.CacheURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("CARRIER_PROVIDER"); v != "" {
		cfg.Carrier.Provider = v
	}
	if v := os.Getenv("CARRIER_ACCOUNT_SID"); v != "" {
		cfg.Carrier.AccountSID = v
	}
	if v := os.Getenv("CARRIER_AUTH_TOKEN"); v != "" {
		cfg.Carrier.AuthToken = v
	}
	if v := os.Getenv("CARRIER_FROM_NUMBER"); v != "" {
		cfg.Carrier.FromNumber = v
	}
	if v := os.Getenv("CARRIER_STATUS_CALLBACK_URL"); v != "" {
		cfg.Carrier.StatusCallbackURL = v
	}
	if v := os.Getenv("CARRIER_SIGNATURE_HEADER"); v != "" {
		cfg.Carrier.SignatureHeader = v
	}
	if v := os.Getenv("CARRIER_AWS_REGION"); v != "" {
		cfg.Carrier.AWSRegion = v
	}
	if v := envInt("CARRIER_SEND_TIMEOUT_SECONDS"); v != nil {
		cfg.Carrier.SendTimeoutSeconds = *v
	}
	if v := envInt("SMS_MAX_RETRIES"); v != nil {
		cfg.Retry.MaxRetries = *v
	}
	if v := envInt("SMS_RETRY_BASE_SECONDS"); v != nil {
		cfg.Retry.BaseSeconds = *v
	}
	if v := envInt("SMS_RETRY_MAX_SECONDS"); v != nil {
		cfg.Retry.MaxSeconds = *v
	}
	if v := envInt("SMS_MAX_BODY_LEN"); v != nil {
		cfg.Dispatch.MaxBodyLen = *v
	}
	if v := envInt64("SMS_MONTHLY_BUDGET"); v != nil {
		cfg.Dispatch.MonthlyBudget = *v
	}
	if v := envInt64("SMS_COST_CENTS_PER_MESSAGE"); v != nil {
		cfg.Dispatch.CostCentsPerMessage = *v
	}
	if v := envInt("SMS_TICK_INTERVAL_SECONDS"); v != nil {
		cfg.Dispatch.TickIntervalSeconds = *v
	}
	if v := envInt("SMS_TICK_BATCH_SIZE"); v != nil {
		cfg.Dispatch.TickBatchSize = *v
	}
	if v := envInt("SMS_STALE_AFTER_SECONDS"); v != nil {
		cfg.Dispatch.StaleAfterSeconds = *v
	}
	if v := envInt("ONBOARDING_SESSION_TTL_SECONDS"); v != nil {
		cfg.Onboarding.SessionTTLSeconds = *v
	}
	if v := envInt("VERIFICATION_CODE_TTL_SECONDS"); v != nil {
		cfg.Verification.CodeTTLSeconds = *v
	}
	if v := envInt("AGENT_CALL_DEADLINE_SECONDS"); v != nil {
		cfg.Agent.CallDeadlineSeconds = *v
	}
	if v := os.Getenv("AGENT_ENDPOINT"); v != "" {
		cfg.Agent.Endpoint = v
	}
	if v := os.Getenv("AGENT_TOKEN"); v != "" {
		cfg.Agent.Token = v
	}
	if v := envInt("PHONE_RESOLVER_TTL_SECONDS"); v != nil {
		cfg.Resolver.TTLSeconds = *v
	}
	if v := envInt("PHONE_RESOLVER_NEG_TTL_SECONDS"); v != nil {
		cfg.Resolver.NegTTLSeconds = *v
	}
}

func envInt(name string) *int {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return nil
	}
	return &n
}

func envInt64(name string) *int64 {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return nil
	}
	return &n
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database.url (or DATABASE_URL) is required")
	}
	if c.Database.MaxConns < 1 {
		return fmt.Errorf("database.max_conns must be at least 1, got %d", c.Database.MaxConns)
	}
	if c.Database.MinConns < 0 {
		return fmt.Errorf("database.min_conns must be non-negative, got %d", c.Database.MinConns)
	}
	if c.Database.MinConns > c.Database.MaxConns {
		return fmt.Errorf("database.min_conns (%d) cannot exceed database.max_conns (%d)", c.Database.MinConns, c.Database.MaxConns)
	}
	switch c.Carrier.Provider {
	case "twilio":
		if c.Carrier.AccountSID == "" || c.Carrier.AuthToken == "" || c.Carrier.FromNumber == "" {
			return fmt.Errorf("carrier account_sid, auth_token and from_number are required when provider is \"twilio\"")
		}
	case "sns":
		if c.Carrier.AWSRegion == "" {
			return fmt.Errorf("carrier.aws_region is required when provider is \"sns\"")
		}
	case "capture":
		// no credentials required — used for tests and local development.
	default:
		return fmt.Errorf("carrier.provider must be one of twilio, sns, capture; got %q", c.Carrier.Provider)
	}
	if c.Carrier.SendTimeoutSeconds < 1 {
		return fmt.Errorf("carrier.send_timeout_seconds must be at least 1, got %d", c.Carrier.SendTimeoutSeconds)
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must be non-negative, got %d", c.Retry.MaxRetries)
	}
	if c.Retry.BaseSeconds < 1 {
		return fmt.Errorf("retry.base_seconds must be at least 1, got %d", c.Retry.BaseSeconds)
	}
	if c.Retry.MaxSeconds < c.Retry.BaseSeconds {
		return fmt.Errorf("retry.max_seconds (%d) cannot be less than retry.base_seconds (%d)", c.Retry.MaxSeconds, c.Retry.BaseSeconds)
	}
	if c.Onboarding.SessionTTLSeconds < 1 {
		return fmt.Errorf("onboarding.session_ttl_seconds must be at least 1, got %d", c.Onboarding.SessionTTLSeconds)
	}
	if c.Verification.CodeTTLSeconds < 1 {
		return fmt.Errorf("verification.code_ttl_seconds must be at least 1, got %d", c.Verification.CodeTTLSeconds)
	}
	if c.Verification.CodeLength < 4 {
		return fmt.Errorf("verification.code_length must be at least 4, got %d", c.Verification.CodeLength)
	}
	if c.Verification.MaxAttempts < 1 {
		return fmt.Errorf("verification.max_attempts must be at least 1, got %d", c.Verification.MaxAttempts)
	}
	if c.Agent.CallDeadlineSeconds < 1 {
		return fmt.Errorf("agent.call_deadline_seconds must be at least 1, got %d", c.Agent.CallDeadlineSeconds)
	}
	if c.Dispatch.MaxBodyLen < 1 {
		return fmt.Errorf("dispatch.max_body_len must be at least 1, got %d", c.Dispatch.MaxBodyLen)
	}
	if c.Dispatch.MonthlyBudget < 0 {
		return fmt.Errorf("dispatch.monthly_budget must be non-negative, got %d", c.Dispatch.MonthlyBudget)
	}
	if c.Dispatch.TickIntervalSeconds < 1 {
		return fmt.Errorf("dispatch.tick_interval_seconds must be at least 1, got %d", c.Dispatch.TickIntervalSeconds)
	}
	if c.Dispatch.TickBatchSize < 1 {
		return fmt.Errorf("dispatch.tick_batch_size must be at least 1, got %d", c.Dispatch.TickBatchSize)
	}
	if c.Dispatch.StaleAfterSeconds < 1 {
		return fmt.Errorf("dispatch.stale_after_seconds must be at least 1, got %d", c.Dispatch.StaleAfterSeconds)
	}
	return nil
}
