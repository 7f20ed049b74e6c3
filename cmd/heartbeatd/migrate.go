package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"heartbeatd/internal/store"
)

func newMigrateCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Inspect and change the database schema version",
	}
	cmd.AddCommand(
		newMigrateStatusCmd(flags),
		newMigrateUpCmd(flags),
		newMigrateDownCmd(flags),
	)
	return cmd
}

func skipMigrations(o *store.Options) {
	o.SkipMigrations = true
}

func newMigrateStatusCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			st, err := openStore(cfg, skipMigrations)
			if err != nil {
				return err
			}
			defer st.Close()

			status, err := store.GetMigrationStatus(st.DB())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Schema version: %d (latest %d)\n", status.CurrentVersion, status.LatestVersion)
			for _, m := range status.Applied {
				fmt.Fprintf(out, "  [x] %d %s (%s)\n", m.Version, m.Description, m.AppliedAt.UTC().Format("2006-01-02 15:04"))
			}
			for _, m := range status.Pending {
				fmt.Fprintf(out, "  [ ] %d %s\n", m.Version, m.Description)
			}
			return nil
		},
	}
}

func newMigrateUpCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			audit, err := openAudit(cfg)
			if err != nil {
				return err
			}
			defer audit.Close()

			st, err := openStore(cfg, skipMigrations)
			if err != nil {
				return err
			}
			defer st.Close()

			err = store.MigrateDB(st.DB())
			status, serr := store.GetMigrationStatus(st.DB())
			if serr != nil && err == nil {
				err = serr
			}
			current := 0
			if status != nil {
				current = status.CurrentVersion
			}
			_ = audit.LogMigration(cmd.Context(), "migrate_up", current, err)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Schema is at version %d\n", current)
			return nil
		},
	}
}

func newMigrateDownCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			audit, err := openAudit(cfg)
			if err != nil {
				return err
			}
			defer audit.Close()

			st, err := openStore(cfg, skipMigrations)
			if err != nil {
				return err
			}
			defer st.Close()

			before, err := store.GetMigrationStatus(st.DB())
			if err != nil {
				return err
			}
			err = store.RollbackMigration(st.DB())
			_ = audit.LogMigration(cmd.Context(), "migrate_down", before.CurrentVersion, err)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rolled back migration %d\n", before.CurrentVersion)
			return nil
		},
	}
}
