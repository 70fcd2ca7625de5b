package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/relaysms/gateway/internal/config"
	"github.com/relaysms/gateway/internal/logging"
)

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one retry and reconciliation pass and exit",
	Long: `Drives the outbound retry queue and the stale-attempt reconciliation
sweep exactly once, then exits. Useful for running the gateway's background
work from an external scheduler instead of the serve command's in-process
ticker.`,
	RunE: runTick,
}

func runTick(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.New(cfg.Logging)
	ctx := context.Background()

	c, err := build(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("wiring components: %w", err)
	}
	defer c.pool.Close()

	now := time.Now()
	c.dispatch.TickRetries(ctx, now)
	c.dispatch.ReconcileStale(ctx, now)
	if _, err := c.onboarding.HarvestExpired(ctx, now); err != nil {
		return fmt.Errorf("harvesting expired onboarding sessions: %w", err)
	}
	return nil
}
