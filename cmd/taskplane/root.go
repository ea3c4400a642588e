package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"taskplane/internal/shared/config"
)

// Version is set at build time.
var Version = "dev"

var (
	red  = color.New(color.FgRed).SprintFunc()
	gray = color.New(color.FgHiBlack).SprintFunc()
	bold = color.New(color.Bold).SprintFunc()
)

type rootOptions struct {
	configPath string
	logLevel   string
}

// loadConfig reads the config file and applies flag overrides.
func (o *rootOptions) loadConfig() (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	return cfg, nil
}

// NewRootCommand creates the root cobra command.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   "taskplane",
		Short: "Task control plane with tool recovery and human approval",
		Long: fmt.Sprintf(`%s

Accepts messages from channels, plans them into tool steps, runs each task
in per-session order and recovers from tool failures by retrying, switching
to an equivalent tool or asking a human.

%s
  taskplane serve --config taskplane.yaml
  taskplane run "fetch https://example.com"
  taskplane config show`,
			bold("taskplane "+Version),
			bold("EXAMPLES:")),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to the YAML config file (env TASKPLANE_*)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override logging.level")

	rootCmd.AddCommand(newServeCommand(opts))
	rootCmd.AddCommand(newRunCommand(opts))
	rootCmd.AddCommand(newConfigCommand(opts))
	rootCmd.AddCommand(newVersionCommand())
	return rootCmd
}

func newConfigCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if cfg.Store.DSN != "" {
				cfg.Store.DSN = "<redacted>"
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check the configuration without starting anything",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := opts.loadConfig(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "config ok")
			return nil
		},
	})
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "taskplane", Version)
		},
	}
}
