package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/relaysms/gateway/internal/testutil"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	testutil.Equal(t, "0.0.0.0", cfg.Server.Host)
	testutil.Equal(t, 8080, cfg.Server.Port)

	testutil.Equal(t, 10, cfg.Database.MaxConns)
	testutil.Equal(t, 2, cfg.Database.MinConns)

	testutil.Equal(t, "info", cfg.Logging.Level)
	testutil.Equal(t, "json", cfg.Logging.Format)

	testutil.Equal(t, "twilio", cfg.Carrier.Provider)
	testutil.Equal(t, "X-Carrier-Signature", cfg.Carrier.SignatureHeader)
	testutil.Equal(t, 10, cfg.Carrier.SendTimeoutSeconds)

	testutil.Equal(t, 3, cfg.Retry.MaxRetries)
	testutil.Equal(t, 30, cfg.Retry.BaseSeconds)
	testutil.Equal(t, 1800, cfg.Retry.MaxSeconds)

	testutil.Equal(t, 1600, cfg.Dispatch.MaxBodyLen)
	testutil.Equal(t, int64(0), cfg.Dispatch.MonthlyBudget)
	testutil.Equal(t, int64(1), cfg.Dispatch.CostCentsPerMessage)
	testutil.Equal(t, 30, cfg.Dispatch.TickIntervalSeconds)
	testutil.Equal(t, 100, cfg.Dispatch.TickBatchSize)
	testutil.Equal(t, 86400, cfg.Dispatch.StaleAfterSeconds)

	testutil.Equal(t, 3600, cfg.Onboarding.SessionTTLSeconds)

	testutil.Equal(t, 600, cfg.Verification.CodeTTLSeconds)
	testutil.Equal(t, 6, cfg.Verification.CodeLength)
	testutil.Equal(t, 3, cfg.Verification.MaxAttempts)

	testutil.Equal(t, 25, cfg.Agent.CallDeadlineSeconds)

	testutil.Equal(t, 300, cfg.Resolver.TTLSeconds)
	testutil.Equal(t, 30, cfg.Resolver.NegTTLSeconds)
}

func TestAddress(t *testing.T) {
	cfg := &Config{Server: ServerConfig{Host: "127.0.0.1", Port: 9000}}
	testutil.Equal(t, "127.0.0.1:9000", cfg.Address())
}

func TestValidateRequiresDatabaseURL(t *testing.T) {
	cfg := Default()
	cfg.Carrier.Provider = "capture"
	testutil.ErrorContains(t, cfg.Validate(), "database.url")
}

func TestValidateRejectsUnknownCarrierProvider(t *testing.T) {
	cfg := Default()
	cfg.Database.URL = "postgres://localhost/db"
	cfg.Carrier.Provider = "unknown"
	testutil.ErrorContains(t, cfg.Validate(), "carrier.provider")
}

func TestValidateTwilioRequiresCredentials(t *testing.T) {
	cfg := Default()
	cfg.Database.URL = "postgres://localhost/db"
	testutil.ErrorContains(t, cfg.Validate(), "carrier account_sid")
}

func TestValidateCapturePassesWithoutCredentials(t *testing.T) {
	cfg := Default()
	cfg.Database.URL = "postgres://localhost/db"
	cfg.Carrier.Provider = "capture"
	testutil.NoError(t, cfg.Validate())
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://env/db")
	t.Setenv("SMS_MAX_RETRIES", "5")
	t.Setenv("CARRIER_PROVIDER", "capture")
	t.Setenv("PUBLIC_BASE_URL", "https://gw.example.com")
	t.Setenv("SMS_MONTHLY_BUDGET", "500")
	t.Setenv("CARRIER_SEND_TIMEOUT_SECONDS", "20")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	testutil.NoError(t, err)
	testutil.Equal(t, "postgres://env/db", cfg.Database.URL)
	testutil.Equal(t, 5, cfg.Retry.MaxRetries)
	testutil.Equal(t, "capture", cfg.Carrier.Provider)
	testutil.Equal(t, "https://gw.example.com", cfg.Server.PublicBaseURL)
	testutil.Equal(t, int64(500), cfg.Dispatch.MonthlyBudget)
	testutil.Equal(t, 20, cfg.Carrier.SendTimeoutSeconds)
}

func TestLoadReadsTOMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.toml")
	contents := "[database]\nurl = \"postgres://file/db\"\n\n[carrier]\nprovider = \"capture\"\n"
	testutil.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	testutil.NoError(t, err)
	testutil.Equal(t, "postgres://file/db", cfg.Database.URL)
	testutil.Equal(t, "capture", cfg.Carrier.Provider)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.toml")
	contents := "[database]\nurl = \"postgres://file/db\"\n\n[carrier]\nprovider = \"capture\"\n"
	testutil.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	t.Setenv("DATABASE_URL", "postgres://env/db")

	cfg, err := Load(path)
	testutil.NoError(t, err)
	testutil.Equal(t, "postgres://env/db", cfg.Database.URL)
}
