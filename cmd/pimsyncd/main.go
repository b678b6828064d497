package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/pimsync/internal/config"
	"github.com/livinlefevreloca/pimsync/internal/registry"
)

// rootOptions holds global flags for all commands
type rootOptions struct {
	configFile string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "pimsyncd",
		Short: "Contacts and calendar sync orchestrator",
		Long: `pimsyncd schedules contacts and calendar synchronization for the
configured accounts, one engine session at a time, and exposes a local
control API for triggering syncs and watching their progress.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "path to configuration file (TOML)")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newCheckConfigCommand(opts))

	return cmd
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.configFile)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Logging, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			return runDaemon(cmd.Context(), cfg, logger)
		},
	}
}

func newCheckConfigCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and account file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.configFile)
			if err != nil {
				return err
			}

			accounts, err := registry.ReadFile(cfg.Registry.Path)
			if err != nil {
				return fmt.Errorf("accounts: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "configuration ok: %d account(s)\n", len(accounts))
			for _, a := range accounts {
				var services []string
				for _, svc := range a.Services {
					if svc.Enabled {
						services = append(services, svc.Name)
					}
				}
				fmt.Fprintf(out, "  %s: %s\n", a.ID, strings.Join(services, ", "))
			}
			return nil
		},
	}
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newLogger builds the structured logger described by the logging section
func newLogger(cfg config.LoggingConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	opts := &slog.HandlerOptions{Level: level}
	switch cfg.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", cfg.Format)
	}
}
