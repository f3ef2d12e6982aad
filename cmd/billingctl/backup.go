package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dukerupert/labeldesk/internal/backup"
	"github.com/dukerupert/labeldesk/internal/billing/database"
	"github.com/dukerupert/labeldesk/internal/config"
	"github.com/dukerupert/labeldesk/internal/logging"
)

var restoreForce bool

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Encrypted database backups in S3-compatible storage",
}

var backupRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Snapshot, encrypt and upload the billing database",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBackup(cmd, func(ctx context.Context, m *backup.Manager, cfg *config.Config) error {
			obj, err := m.Run(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Uploaded %s (%d bytes)\n", obj.Key, obj.Size)

			n, err := m.Prune(ctx, cfg.Backup.Retention)
			if err != nil {
				return fmt.Errorf("prune backups: %w", err)
			}
			if n > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d old backup(s)\n", n)
			}
			return nil
		})
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored backups, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBackup(cmd, func(ctx context.Context, m *backup.Manager, _ *config.Config) error {
			objects, err := m.List(ctx)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "KEY\tSIZE\tCREATED")
			for _, o := range objects {
				fmt.Fprintf(tw, "%s\t%d\t%s\n", o.Key, o.Size, o.LastModified.Format("2006-01-02 15:04:05"))
			}
			return tw.Flush()
		})
	},
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore KEY",
	Short: "Replace the billing database with a stored backup",
	Long:  `Downloads, decrypts and integrity-checks a backup, then replaces BILLING_DB_PATH. Stop the billing service first.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !restoreForce {
			return fmt.Errorf("restore overwrites the database; rerun with --force once the service is stopped")
		}
		return withBackup(cmd, func(ctx context.Context, m *backup.Manager, cfg *config.Config) error {
			if err := m.Restore(ctx, args[0], cfg.DBPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Restored %s to %s\n", args[0], cfg.DBPath)
			return nil
		})
	},
}

func init() {
	backupRestoreCmd.Flags().BoolVar(&restoreForce, "force", false, "confirm the database may be overwritten")
	backupCmd.AddCommand(backupRunCmd, backupListCmd, backupRestoreCmd)
	rootCmd.AddCommand(backupCmd)
}

func withBackup(cmd *cobra.Command, fn func(ctx context.Context, m *backup.Manager, cfg *config.Config) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.New(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	m, err := backup.New(backup.Config{
		S3: backup.S3Config{
			Endpoint:  cfg.Backup.Endpoint,
			Bucket:    cfg.Backup.Bucket,
			Region:    cfg.Backup.Region,
			AccessKey: cfg.Backup.AccessKey,
			SecretKey: cfg.Backup.SecretKey,
		},
		Prefix:     cfg.Backup.Prefix,
		Passphrase: cfg.Backup.Passphrase,
	}, db, logger)
	if err != nil {
		return err
	}
	return fn(cmd.Context(), m, cfg)
}
