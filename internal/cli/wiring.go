package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaysms/gateway/internal/agent"
	"github.com/relaysms/gateway/internal/carrier"
	"github.com/relaysms/gateway/internal/config"
	"github.com/relaysms/gateway/internal/dispatch"
	"github.com/relaysms/gateway/internal/identity"
	"github.com/relaysms/gateway/internal/keyedlock"
	"github.com/relaysms/gateway/internal/onboarding"
	"github.com/relaysms/gateway/internal/postgres"
	"github.com/relaysms/gateway/internal/resolver"
	"github.com/relaysms/gateway/internal/router"
	"github.com/relaysms/gateway/internal/usage"
)

// components holds every wired piece needed by serve and tick, so both
// commands build the exact same graph from one config.
type components struct {
	pool       *pgxpool.Pool
	usage      *usage.Store
	dispatch   *dispatch.Service
	runner     *dispatch.Runner
	router     *router.Router
	onboarding *onboarding.Store
}

func buildCarrier(cfg *config.Config) (carrier.Client, error) {
	switch cfg.Carrier.Provider {
	case "twilio":
		return carrier.NewTwilioClient(cfg.Carrier.AccountSID, cfg.Carrier.AuthToken, cfg.Carrier.FromNumber, cfg.Carrier.BaseURL, time.Duration(cfg.Carrier.SendTimeoutSeconds)*time.Second), nil
	case "sns":
		return carrier.NewSNSClient(context.Background(), cfg.Carrier.AWSRegion, cfg.Carrier.AuthToken, time.Duration(cfg.Carrier.SendTimeoutSeconds)*time.Second)
	case "capture":
		return carrier.NewCaptureClient(), nil
	default:
		return nil, fmt.Errorf("unknown carrier provider %q", cfg.Carrier.Provider)
	}
}

func buildAgentRuntime(cfg *config.Config) agent.Runtime {
	if cfg.Agent.Endpoint == "" {
		return unavailableRuntime{}
	}
	return agent.NewHTTPRuntime(cfg.Agent.Endpoint, cfg.Agent.Token, &http.Client{Timeout: time.Duration(cfg.Agent.CallDeadlineSeconds) * time.Second})
}

// unavailableRuntime is wired when AGENT_ENDPOINT is unset: known senders
// still get a reply instead of the webhook silently producing nothing.
type unavailableRuntime struct{}

func (unavailableRuntime) Handle(ctx context.Context, userID int64, text string) (string, error) {
	return "the assistant isn't configured for this number yet", nil
}

func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*components, error) {
	pool, err := postgres.New(ctx, postgres.Config{
		URL:      cfg.Database.URL,
		MaxConns: cfg.Database.MaxConns,
		MinConns: cfg.Database.MinConns,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := postgres.Bootstrap(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("bootstrapping schema: %w", err)
	}

	carrierClient, err := buildCarrier(cfg)
	if err != nil {
		pool.Close()
		return nil, err
	}

	identityStore := identity.New(pool, cfg.Verification.CodeLength, cfg.Verification.MaxAttempts, time.Duration(cfg.Verification.CodeTTLSeconds)*time.Second)
	phoneResolver := resolver.New(identityStore, time.Duration(cfg.Resolver.TTLSeconds)*time.Second, time.Duration(cfg.Resolver.NegTTLSeconds)*time.Second)
	onboardingStore := onboarding.New(pool, time.Duration(cfg.Onboarding.SessionTTLSeconds)*time.Second)
	onboardingEngine := onboarding.NewEngine(onboardingStore, identityStore, phoneResolver)

	usageStore := usage.New(pool)
	locks := keyedlock.New()

	dispatchCfg := dispatch.Config{
		MaxBodyLen:          cfg.Dispatch.MaxBodyLen,
		MaxRetries:          cfg.Retry.MaxRetries,
		RetryBaseDelay:      time.Duration(cfg.Retry.BaseSeconds) * time.Second,
		RetryMaxDelay:       time.Duration(cfg.Retry.MaxSeconds) * time.Second,
		MonthlyBudget:       cfg.Dispatch.MonthlyBudget,
		CostCentsPerMessage: cfg.Dispatch.CostCentsPerMessage,
		TickInterval:        time.Duration(cfg.Dispatch.TickIntervalSeconds) * time.Second,
		TickBatchSize:       cfg.Dispatch.TickBatchSize,
		StaleAfter:          time.Duration(cfg.Dispatch.StaleAfterSeconds) * time.Second,
	}
	dispatchSvc := dispatch.New(carrierClient, usageStore, locks, onboardingStore, dispatchCfg, logger)
	runner := dispatch.NewRunner(dispatchSvc, onboardingStore)

	agentRuntime := buildAgentRuntime(cfg)

	routerCfg := router.Config{
		PublicBaseURL:   cfg.Server.PublicBaseURL,
		SignatureHeader: cfg.Carrier.SignatureHeader,
		AgentDeadline:   time.Duration(cfg.Agent.CallDeadlineSeconds) * time.Second,
		MaxBodyBytes:    1 << 20,
	}
	rt := router.New(carrierClient, phoneResolver, onboardingEngine, agentRuntime, dispatchSvc, usageStore, locks, routerCfg, logger)

	return &components{
		pool:       pool,
		usage:      usageStore,
		dispatch:   dispatchSvc,
		runner:     runner,
		router:     rt,
		onboarding: onboardingStore,
	}, nil
}
