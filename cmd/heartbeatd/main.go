// heartbeatd - device heartbeat recorder
//
// Devices post beats over HTTP; gaps of an hour or more between two beats
// of a device are kept as absences.
//
//	heartbeatd serve              Run the HTTP server
//	heartbeatd device add <name>  Register a device and print its token
//	heartbeatd device list        List registered devices
//	heartbeatd migrate status     Show applied and pending schema migrations
//	heartbeatd config init        Write a default configuration file
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"heartbeatd/internal/config"
	"heartbeatd/internal/logging"
	"heartbeatd/internal/store"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	cmd := &cobra.Command{
		Use:   "heartbeatd",
		Short: "Record device heartbeats and track absences",
		Args:  cobra.NoArgs,
		// Errors are printed by main.
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "",
		"configuration file (default: first config.{toml,json,yaml} found)")

	cmd.AddCommand(
		newServeCmd(flags),
		newDeviceCmd(flags),
		newMigrateCmd(flags),
		newConfigCmd(flags),
		newVersionCmd(),
	)
	return cmd
}

// path resolves the configuration file to use.
func (f *globalFlags) path() string {
	if f.configPath != "" {
		return f.configPath
	}
	if found := config.FindConfigFile(); found != "" {
		return found
	}
	return config.ConfigPath()
}

func (f *globalFlags) load() (*config.Config, error) {
	cfg, err := config.Load(f.path())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func openStore(cfg *config.Config, opts ...func(*store.Options)) (*store.Store, error) {
	o := cfg.StoreOptions()
	for _, opt := range opts {
		opt(&o)
	}
	st, err := store.OpenWithOptions(cfg.Storage.Path, o)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}

// openAudit returns nil when no audit path is configured; a nil
// AuditLogger discards events.
func openAudit(cfg *config.Config) (*logging.AuditLogger, error) {
	if cfg.Logging.AuditPath == "" {
		return nil, nil
	}
	audit, err := logging.OpenAuditLog(cfg.Logging.AuditPath, "heartbeatd")
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return audit, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "heartbeatd %s\n", version)
		},
	}
}
