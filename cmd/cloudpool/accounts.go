package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/poemonsense/cloudpool/internal/account"
	"github.com/poemonsense/cloudpool/internal/auth"
	"github.com/poemonsense/cloudpool/internal/cloudcode"
	"github.com/poemonsense/cloudpool/internal/config"
	"github.com/poemonsense/cloudpool/internal/utils"
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manage the account pool",
	Long: `Manage the pool of Cloud Code accounts.

Accounts authenticate either with an OAuth refresh token or a plain API
key. Multiple accounts enable load balancing and failover when rate
limits are hit.`,
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured accounts",
	RunE:  runAccountsList,
}

var accountsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add or update an account",
	Long: `Add an account to the pool, or update an existing one.

Examples:
  cloudpool accounts add --email user@example.com --refresh-token "1//..."
  cloudpool accounts add --refresh-token "1//...|my-project"
  cloudpool accounts add --email key-account --api-key sk-...`,
	RunE: runAccountsAdd,
}

var accountsRemoveCmd = &cobra.Command{
	Use:   "remove <email>",
	Short: "Remove an account",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountsRemove,
}

var accountsEnableCmd = &cobra.Command{
	Use:   "enable <email>",
	Short: "Enable an account",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setAccountEnabled(args[0], true) },
}

var accountsDisableCmd = &cobra.Command{
	Use:   "disable <email>",
	Short: "Disable an account without removing it",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setAccountEnabled(args[0], false) },
}

var accountsVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify account credentials against the upstream",
	RunE:  runAccountsVerify,
}

var (
	addEmail        string
	addRefreshToken string
	addAPIKey       string
	addProjectID    string
)

func init() {
	rootCmd.AddCommand(accountsCmd)

	accountsCmd.AddCommand(accountsListCmd)
	accountsCmd.AddCommand(accountsAddCmd)
	accountsCmd.AddCommand(accountsRemoveCmd)
	accountsCmd.AddCommand(accountsEnableCmd)
	accountsCmd.AddCommand(accountsDisableCmd)
	accountsCmd.AddCommand(accountsVerifyCmd)

	accountsAddCmd.Flags().StringVar(&addEmail, "email", "", "Account email (detected from the token when omitted)")
	accountsAddCmd.Flags().StringVar(&addRefreshToken, "refresh-token", "", "OAuth refresh token, optionally \"token|projectId\"")
	accountsAddCmd.Flags().StringVar(&addAPIKey, "api-key", "", "Plain API key instead of a refresh token")
	accountsAddCmd.Flags().StringVar(&addProjectID, "project", "", "Project ID override")
}

func runAccountsList(cmd *cobra.Command, args []string) error {
	cfg := config.GetConfig()
	manager, err := newManager(cfg)
	if err != nil {
		return err
	}

	accounts := manager.List()
	if len(accounts) == 0 {
		fmt.Println("No accounts configured.")
		fmt.Println()
		fmt.Println("To add an account, run:")
		fmt.Println("  cloudpool accounts add --refresh-token <token>")
		return nil
	}

	fmt.Printf("Configured accounts (%d), strategy: %s\n\n", len(accounts), manager.StrategyLabel())

	now := time.Now().UnixMilli()
	for i, acc := range accounts {
		status := "OK"
		switch {
		case acc.IsInvalid:
			status = "INVALID"
		case !acc.Enabled:
			status = "DISABLED"
		default:
			for modelID, limit := range acc.ModelRateLimits {
				if limit.IsRateLimited && limit.ResetTime > now {
					status = fmt.Sprintf("RATE-LIMITED (%s, %s)",
						modelID, utils.FormatDuration(limit.ResetTime-now))
					break
				}
			}
		}

		fmt.Printf("  %d. %s\n", i+1, acc.Email)
		fmt.Printf("     Source: %s\n", acc.Source)
		fmt.Printf("     Status: %s\n", status)
		if acc.IsInvalid && acc.InvalidReason != "" {
			fmt.Printf("     Reason: %s\n", acc.InvalidReason)
		}
		if acc.ProjectID != "" {
			fmt.Printf("     Project: %s\n", acc.ProjectID)
		}
		if acc.Subscription != nil {
			fmt.Printf("     Tier: %s\n", acc.Subscription.Tier)
		}
		if acc.LastUsed > 0 {
			fmt.Printf("     Last used: %s\n", time.UnixMilli(acc.LastUsed).Format(time.RFC3339))
		}
		fmt.Println()
	}

	return nil
}

func runAccountsAdd(cmd *cobra.Command, args []string) error {
	cfg := config.GetConfig()
	applyDebugFlag(cmd, cfg)

	if addRefreshToken == "" && addAPIKey == "" {
		return fmt.Errorf("one of --refresh-token or --api-key is required")
	}
	if addRefreshToken != "" && addAPIKey != "" {
		return fmt.Errorf("--refresh-token and --api-key are mutually exclusive")
	}

	manager, err := newManager(cfg)
	if err != nil {
		return err
	}

	acc := &account.Account{
		Email:     addEmail,
		ProjectID: addProjectID,
		Enabled:   true,
		AddedAt:   utils.NowMs(),
	}

	if addAPIKey != "" {
		acc.Source = account.SourceManual
		acc.APIKey = addAPIKey
		if acc.Email == "" {
			return fmt.Errorf("--email is required with --api-key")
		}
	} else {
		acc.Source = account.SourceOAuth
		acc.RefreshToken = addRefreshToken

		parts := auth.ParseRefreshParts(addRefreshToken)
		if acc.ProjectID == "" && parts.ProjectID != "" {
			acc.ProjectID = parts.ProjectID
		}

		// Detect the email from the token when it was not given
		if acc.Email == "" {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			refresher := auth.NewRefresher()
			token, _, err := refresher.RefreshAccessToken(ctx, addRefreshToken)
			if err != nil {
				return fmt.Errorf("token verification failed: %w", err)
			}
			email, err := refresher.GetUserEmail(ctx, token)
			if err != nil {
				return fmt.Errorf("failed to detect account email: %w", err)
			}
			acc.Email = email
		}
	}

	if err := manager.AddOrUpdate(acc); err != nil {
		return fmt.Errorf("failed to add account: %w", err)
	}

	utils.Success("Added account: %s", acc.Email)
	if acc.ProjectID != "" {
		utils.Info("Project ID: %s", acc.ProjectID)
	}
	return nil
}

func runAccountsRemove(cmd *cobra.Command, args []string) error {
	cfg := config.GetConfig()
	manager, err := newManager(cfg)
	if err != nil {
		return err
	}

	if err := manager.Remove(args[0]); err != nil {
		return fmt.Errorf("failed to remove account: %w", err)
	}
	utils.Success("Removed account: %s", args[0])
	return nil
}

func setAccountEnabled(email string, enabled bool) error {
	cfg := config.GetConfig()
	manager, err := newManager(cfg)
	if err != nil {
		return err
	}

	if err := manager.SetEnabled(email, enabled); err != nil {
		return err
	}
	if enabled {
		utils.Success("Enabled account: %s", email)
	} else {
		utils.Success("Disabled account: %s", email)
	}
	return nil
}

func runAccountsVerify(cmd *cobra.Command, args []string) error {
	cfg := config.GetConfig()
	applyDebugFlag(cmd, cfg)

	manager, err := newManager(cfg)
	if err != nil {
		return err
	}

	accounts := manager.List()
	if len(accounts) == 0 {
		fmt.Println("No accounts to verify.")
		return nil
	}

	client := cloudcode.NewClient(manager, cfg)
	utils.Info("Verifying %d account(s)...", len(accounts))
	fmt.Println()

	allValid := true
	for i, acc := range accounts {
		fmt.Printf("  %d. %s... ", i+1, acc.Email)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		token, err := manager.GetTokenForAccount(ctx, acc)
		if err != nil {
			cancel()
			fmt.Println("FAILED")
			fmt.Printf("     Error: %v\n", err)
			allValid = false
			continue
		}

		sub, err := client.SubscriptionTier(ctx, token)
		cancel()
		if err != nil {
			fmt.Println("FAILED")
			fmt.Printf("     Error: %v\n", err)
			allValid = false
			continue
		}

		fmt.Printf("OK (tier: %s", sub.Tier)
		if sub.ProjectID != "" {
			fmt.Printf(", project: %s", sub.ProjectID)
		}
		fmt.Println(")")
	}

	fmt.Println()
	if allValid {
		utils.Success("All accounts verified successfully.")
	} else {
		utils.Warn("Some accounts failed verification.")
	}
	return nil
}
