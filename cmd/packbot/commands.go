package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hupe1980/packbot"
	"github.com/hupe1980/packbot/adapter"
	"github.com/hupe1980/packbot/config"
	"github.com/hupe1980/packbot/core"
	"github.com/hupe1980/packbot/logging"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		noColor    bool
		watch      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bot on the console",
		Long: `Run the bot with the console adapter. Every line read from stdin is a
private message; replies are written to stdout.

When metrics are enabled the Prometheus endpoint is served on metrics.addr.
With --watch the config file is reloaded on change.`,
		Example: `  # Run with defaults (mock provider)
  packbot serve

  # Run with a config file and hot reload
  packbot serve --config packbot.yaml --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), serveOptions{
				configPath: configPath,
				noColor:    noColor,
				watch:      watch,
				in:         cmd.InOrStdin(),
				out:        cmd.OutOrStdout(),
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVar(&noColor, "no-color", false, "Disable coloured output")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Reload the config file on change")

	return cmd
}

func buildToolsCmd() *cobra.Command {
	var (
		configPath string
		all        bool
	)

	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Print the tool schemas exported to the model as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			bot, err := packbot.New(cfg, func(o *packbot.Options) {
				o.Sender = discardSender
				o.Logger = logging.NoOpLogger{}
				o.Version = version
			})
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(bot.Registry().ExportSchemas(!all), "", "  ")
			if err != nil {
				return err
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return err
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVar(&all, "all", false, "Include disabled tools")

	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "packbot %s (commit: %s, built: %s)\n", version, commit, date)
			return err
		},
	}
}

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}

	var configPath string

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(configPath); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", configPath)
			return err
		},
	}
	validate.Flags().StringVarP(&configPath, "config", "c", "packbot.yaml", "Path to YAML configuration file")

	schema := &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema of the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := config.JSONSchema()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(b))
			return err
		},
	}

	cmd.AddCommand(validate, schema)

	return cmd
}

// loadConfig loads path, or returns the defaults when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

var discardSender = adapter.SenderFunc(func(context.Context, core.Session, string, string) (string, error) {
	return "", nil
})
