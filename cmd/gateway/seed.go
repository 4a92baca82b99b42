package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/prime399/study-flow-kiro-sub000/config"
	"github.com/prime399/study-flow-kiro-sub000/internal/auth"
	"github.com/prime399/study-flow-kiro-sub000/internal/ledger"
	"github.com/prime399/study-flow-kiro-sub000/internal/logging"
	"github.com/prime399/study-flow-kiro-sub000/internal/seeder"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Create the development caller key and coin balance",
	RunE:  runSeed,
}

func runSeed(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger, logCloser, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: "text"})
	if err != nil {
		return fmt.Errorf("failed to init logging: %w", err)
	}
	defer logCloser.Close()

	be, err := connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer be.Close()

	res, err := seeder.Seed(ctx, auth.NewPostgresStore(be.pool), ledger.NewPostgresLedger(be.pool), cfg.SeedBalance, logger)
	if err != nil {
		return err
	}

	color.Green("Development caller ready")
	fmt.Printf("  %-10s: %s\n", "API key", res.APIKey)
	fmt.Printf("  %-10s: %s\n", "Caller", res.CallerID)
	fmt.Printf("  %-10s: %d\n", "Coins", res.Balance)
	return nil
}
