package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"pmwflow/internal/config"
	"pmwflow/internal/stage"
)

var skipConfigLoad = map[string]string{"skipConfigLoad": "true"}

func newConfigCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create or check the pmwflow configuration",
	}
	cmd.AddCommand(newConfigInitCommand(), newConfigValidateCommand(ctx))
	return cmd
}

func newConfigInitCommand() *cobra.Command {
	var targetPath string
	var overwrite bool

	cmd := &cobra.Command{
		Use:         "init",
		Short:       "Write a commented sample configuration",
		Args:        cobra.NoArgs,
		Annotations: skipConfigLoad,
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := sampleTarget(targetPath)
			if err != nil {
				return err
			}
			if _, err := os.Stat(target); err == nil && !overwrite {
				return fmt.Errorf("%s already exists; pass --overwrite to replace it", target)
			} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("stat %s: %w", target, err)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("create config directory: %w", err)
			}
			if err := config.CreateSample(target); err != nil {
				return fmt.Errorf("write sample config: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Wrote sample configuration to %s\n", target)
			fmt.Fprintln(out, "Point database.url (DATABASE_URL) and redis.url (REDIS_URL) at shared services to run several pmwd workers.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&targetPath, "path", "p", "", "Destination file (defaults to the standard config location)")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Replace an existing file")
	return cmd
}

func sampleTarget(flagValue string) (string, error) {
	if value := strings.TrimSpace(flagValue); value != "" {
		return config.ExpandPath(value)
	}
	return config.DefaultConfigPath()
}

// newConfigValidateCommand loads the configuration itself so a broken file is
// reported as a validation result rather than a startup error.
func newConfigValidateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:         "validate",
		Short:       "Load the configuration and print the effective stage policies",
		Args:        cobra.NoArgs,
		Annotations: skipConfigLoad,
		RunE: func(cmd *cobra.Command, args []string) error {
			var path string
			if ctx.configFlag != nil {
				path = *ctx.configFlag
			}
			cfg, resolved, exists, err := config.Load(strings.TrimSpace(path))
			if err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			policies, err := stage.Policies(cfg)
			if err != nil {
				return fmt.Errorf("invalid stage policy: %w", err)
			}

			out := cmd.OutOrStdout()
			source := resolved
			if !exists {
				source += " (not found, using defaults)"
			}
			fmt.Fprintf(out, "Config: %s\n", source)
			fmt.Fprintf(out, "Database: %s, workflow: %s mode with %d workers\n", cfg.Database.Driver, cfg.Workflow.Mode, cfg.Workflow.Workers)
			fmt.Fprintf(out, "Pipeline: %s\n", strings.Join(cfg.StageNames(), " > "))
			fmt.Fprintln(out, policyTable(cfg.StageNames(), policies).render())
			fmt.Fprintln(out, "Configuration valid")
			return nil
		},
	}
}

func policyTable(order []string, policies map[string]stage.Policy) *tableView {
	view := newTableView(textCol("Stage"), numCol("Attempts"), textCol("Escalation"), textCol("Threshold"), textCol("On Failure"), textCol("Model"))
	for _, name := range order {
		policy := policies[name]
		threshold := "-"
		if policy.JudgeThreshold != nil {
			threshold = strconv.FormatFloat(*policy.JudgeThreshold, 'f', 2, 64)
		}
		steps := make([]string, 0, len(policy.Retry.Escalation))
		for _, temp := range policy.Retry.Escalation {
			steps = append(steps, strconv.FormatFloat(temp, 'f', 1, 64))
		}
		attempts := policy.MaxAttempts()
		if policy.SingleShot {
			attempts = 1
		}
		view.add(displayLabel(name), strconv.Itoa(attempts), strings.Join(steps, " "), threshold, failureMode(policy.Failure), policy.Model)
	}
	return view
}

func failureMode(policy stage.FailurePolicy) string {
	switch {
	case policy.HumanInTheLoop:
		return "pause"
	case policy.NonFatal:
		return "continue"
	default:
		return "fail run"
	}
}
