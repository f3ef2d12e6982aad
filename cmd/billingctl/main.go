// Command billingctl runs operator tasks against the billing database.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dukerupert/labeldesk/internal/billing/database"
	"github.com/dukerupert/labeldesk/internal/billing/model"
	"github.com/dukerupert/labeldesk/internal/billing/server"
	"github.com/dukerupert/labeldesk/internal/config"
	"github.com/dukerupert/labeldesk/internal/license"
	"github.com/dukerupert/labeldesk/internal/logging"
)

var (
	syncUserID     int64
	syncCustomerID string
	licenseURL     string
	licenseTimeout time.Duration
	licenseRetries uint64
)

var rootCmd = &cobra.Command{
	Use:           "billingctl",
	Short:         "LabelDesk billing operator commands",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		db, err := database.Open(cfg.DBPath)
		if err != nil {
			return err
		}
		defer db.Close()
		fmt.Fprintf(cmd.OutOrStdout(), "Database %s is up to date\n", cfg.DBPath)
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Pull a user's subscription from Stripe",
	Example: `  billingctl sync --user 42
  billingctl sync --user 42 --customer cus_123`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if syncUserID <= 0 {
			return fmt.Errorf("--user is required")
		}
		return withServer(cmd, func(ctx context.Context, srv *server.Server) error {
			res, err := srv.Engine().SyncUser(ctx, syncUserID, syncCustomerID)
			if err != nil {
				return fmt.Errorf("sync user %d: %w", syncUserID, err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		})
	},
}

var expireCmd = &cobra.Command{
	Use:   "expire-licenses",
	Short: "Mark licenses past their end date as expired",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServer(cmd, func(ctx context.Context, srv *server.Server) error {
			n, err := srv.Engine().ExpireLicenses(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Expired %d license(s)\n", n)
			return nil
		})
	},
}

var plansCmd = &cobra.Command{
	Use:   "plans",
	Short: "Print the configured plan limits",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		printPlans(cmd.OutOrStdout(), cfg.Limits)
		return nil
	},
}

var licenseCmd = &cobra.Command{
	Use:   "license",
	Short: "License key commands",
}

var licenseCheckCmd = &cobra.Command{
	Use:   "check KEY",
	Short: "Validate a license key against a billing service",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := license.NewClient(license.Config{Key: args[0], ValidationURL: licenseURL, Retries: licenseRetries})
		ctx, cancel := context.WithTimeout(cmd.Context(), licenseTimeout)
		defer cancel()
		if err := client.ValidateWithRetry(ctx); err != nil {
			return fmt.Errorf("validate license: %w", err)
		}

		st := client.Status()
		out := cmd.OutOrStdout()
		if !st.Valid {
			fmt.Fprintf(out, "Invalid: %s\n", st.Warning)
			return nil
		}
		fmt.Fprintf(out, "Valid: %s plan\n", st.Plan)
		if st.ExpiresAt != nil {
			fmt.Fprintf(out, "Expires: %s\n", st.ExpiresAt.Format(time.DateOnly))
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().Int64Var(&syncUserID, "user", 0, "user id to sync")
	syncCmd.Flags().StringVar(&syncCustomerID, "customer", "", "Stripe customer id to sync from")

	licenseCheckCmd.Flags().StringVar(&licenseURL, "url", "http://localhost:8090/api/license/validate", "license validation endpoint")
	licenseCheckCmd.Flags().DurationVar(&licenseTimeout, "timeout", 15*time.Second, "overall timeout including retries")
	licenseCheckCmd.Flags().Uint64Var(&licenseRetries, "retries", 2, "extra attempts while the server is unreachable")
	licenseCmd.AddCommand(licenseCheckCmd)

	rootCmd.AddCommand(migrateCmd, syncCmd, expireCmd, plansCmd, licenseCmd)
}

// withServer opens the database and wires the service for one command.
func withServer(cmd *cobra.Command, fn func(ctx context.Context, srv *server.Server) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.New(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func(db *sql.DB) { _ = db.Close() }(db)

	srv, err := server.New(db, server.FromConfig(cfg), logger)
	if err != nil {
		return err
	}
	return fn(cmd.Context(), srv)
}

func printPlans(w io.Writer, limits model.Limits) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PLAN\tLABELS/MONTH\tDEVICES")
	for _, p := range []model.Plan{model.PlanFree, model.PlanPlus, model.PlanPro} {
		limit := "unlimited"
		if n := limits.Limit(p); n != model.Unlimited {
			limit = fmt.Sprint(n)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\n", p, limit, model.MaxDevices)
	}
	tw.Flush()
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		slog.Error("billingctl failed", "error", err)
		os.Exit(1)
	}
}
