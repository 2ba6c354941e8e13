package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/openledgerhq/receiptd/internal/app"
)

func quotaCommand() *cli.Command {
	return &cli.Command{
		Name:  "quota",
		Usage: "inspect provider call quotas",
		Commands: []*cli.Command{
			{
				Name:   "status",
				Usage:  "show current counters for every governed provider",
				Action: quotaStatusAction,
			},
		},
	}
}

func quotaStatusAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadAuthConfig(cmd)
	if err != nil {
		return err
	}

	quotas, err := app.NewQuotaRegistry(cfg)
	if err != nil {
		return err
	}

	for _, provider := range quotas.Providers() {
		snap, err := quotas.Snapshot(ctx, provider)
		if err != nil {
			return fmt.Errorf("reading quota state for %s: %w", provider, err)
		}

		fmt.Printf("%s:\n", provider)
		if snap.Limits.RPM > 0 {
			fmt.Printf("  per-minute: %d/%d\n", snap.MinuteUsed, snap.Limits.RPM)
		} else {
			fmt.Printf("  per-minute: unlimited\n")
		}
		if snap.Limits.RPD > 0 {
			fmt.Printf("  per-day:    %d/%d (resets %s)\n",
				snap.DailyUsed, snap.Limits.RPD, snap.DayResetAt.Format(time.RFC3339))
		} else {
			fmt.Printf("  per-day:    unlimited\n")
		}
	}
	return nil
}
