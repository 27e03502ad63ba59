package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"pmwflow/internal/config"
	"pmwflow/internal/daemonrun"
)

type daemonFlags struct {
	configPath  string
	logLevel    string
	development bool
	mode        string
	workers     int
}

func newRootCommand() *cobra.Command {
	var flags daemonFlags

	cmd := &cobra.Command{
		Use:           "pmwd",
		Short:         "pmwflow workflow daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadDaemonConfig(flags)
			if err != nil {
				return err
			}
			return daemonrun.Run(cmd.Context(), cfg, daemonrun.Options{
				LogLevel:    flags.logLevel,
				Development: flags.development,
			})
		},
	}

	cmd.Flags().StringVarP(&flags.configPath, "config", "c", "", "Configuration file path")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "", "Override logging.level (debug, info, warn, error)")
	cmd.Flags().BoolVar(&flags.development, "dev", false, "Enable development logging")
	cmd.Flags().StringVar(&flags.mode, "mode", "", "Override workflow.mode (queue or tick)")
	cmd.Flags().IntVar(&flags.workers, "workers", 0, "Override workflow.workers")
	return cmd
}

func loadDaemonConfig(flags daemonFlags) (*config.Config, error) {
	cfg, _, _, err := config.Load(strings.TrimSpace(flags.configPath))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if mode := strings.TrimSpace(flags.mode); mode != "" {
		cfg.Workflow.Mode = strings.ToLower(mode)
	}
	if flags.workers > 0 {
		cfg.Workflow.Workers = flags.workers
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}
