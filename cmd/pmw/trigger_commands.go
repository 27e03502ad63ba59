package main

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"strings"

	"github.com/spf13/cobra"

	"pmwflow/internal/services"
	"pmwflow/internal/store"
	"pmwflow/internal/workflow"
)

func newTriggerCommand(ctx *commandContext) *cobra.Command {
	var topicID int64
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Start a new workflow run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := workflow.TriggerRequest{TriggeredBy: store.TriggerCLI}
			if cmd.Flags().Changed("topic") {
				req.TopicID = &topicID
			}
			return ctx.withService(cmd, func(svc *workflow.Service) error {
				result, err := svc.Trigger(cmd.Context(), req)
				if err != nil {
					return err
				}
				if jsonOutput {
					return emitJSON(cmd.OutOrStdout(), result)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Run %d %s (stage %d)\n", result.RunID, result.Status, result.StageID)
				return nil
			})
		},
	}

	cmd.Flags().Int64Var(&topicID, "topic", 0, "Topic id to attach to the run")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Emit JSON")
	return cmd
}

func newRestartCommand(ctx *commandContext) *cobra.Command {
	var operator string
	var note string
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "restart <run-id>",
		Short: "Resume a run paused for operator review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := parseRunID(args[0])
			if err != nil {
				return err
			}
			who := strings.TrimSpace(operator)
			if who == "" {
				who = currentOperator()
			}
			return ctx.withService(cmd, func(svc *workflow.Service) error {
				result, err := svc.Restart(cmd.Context(), workflow.RestartRequest{
					RunID:    runID,
					Operator: who,
					Note:     note,
				})
				switch {
				case errors.Is(err, services.ErrNotFound):
					return fmt.Errorf("run %d not found", runID)
				case errors.Is(err, services.ErrInvalidState):
					return fmt.Errorf("run %d is not awaiting restart: %w", runID, err)
				case err != nil:
					return err
				}
				if jsonOutput {
					return emitJSON(cmd.OutOrStdout(), result)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Run %d restarted at %s attempt %d (stage %d, offset %d)\n",
					result.RunID, result.Stage, result.Attempt, result.StageID, result.AttemptOffset)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&operator, "operator", "", "Operator name recorded on the intervention (defaults to the current user)")
	cmd.Flags().StringVar(&note, "note", "", "Free-form note recorded on the intervention")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Emit JSON")
	return cmd
}

func currentOperator() string {
	if u, err := user.Current(); err == nil && strings.TrimSpace(u.Username) != "" {
		return u.Username
	}
	if name := strings.TrimSpace(os.Getenv("USER")); name != "" {
		return name
	}
	return "cli"
}
