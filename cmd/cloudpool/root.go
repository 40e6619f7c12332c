package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/poemonsense/cloudpool/internal/account"
	"github.com/poemonsense/cloudpool/internal/account/strategies"
	"github.com/poemonsense/cloudpool/internal/auth"
	"github.com/poemonsense/cloudpool/internal/config"
	"github.com/poemonsense/cloudpool/internal/utils"
)

var rootCmd = &cobra.Command{
	Use:   "cloudpool",
	Short: "Anthropic-compatible proxy over a pool of Cloud Code accounts",
	Long: `cloudpool exposes the Anthropic Messages API backed by a pool of
Cloud Code accounts. Requests are load-balanced across accounts with
automatic failover on rate limits and failures.`,
	Version: config.Version,
}

// Execute runs the CLI
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
}

// newManager builds the account manager from the runtime config
func newManager(cfg *config.Config) (*account.Manager, error) {
	store := account.NewStore(cfg.AccountStorePath)
	credentials := account.NewCredentials(auth.NewRefresher(), auth.NewExtractor(""))
	strategy := strategies.New(cfg.GetStrategy())

	manager := account.NewManager(store, credentials, strategy, cfg)
	if err := manager.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize account pool: %w", err)
	}
	return manager, nil
}

func applyDebugFlag(cmd *cobra.Command, cfg *config.Config) {
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		cfg.Debug = true
		utils.SetDebug(true)
	}
}
