package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pmwflow/internal/api"
	"pmwflow/internal/audit"
	"pmwflow/internal/store"
)

const defaultRunListLimit = 20

func newRunsCommand(ctx *commandContext) *cobra.Command {
	var statuses []string
	var limit int
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List workflow runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := store.RunFilter{Limit: limit}
			for _, value := range statuses {
				status, ok := store.ParseRunStatus(value)
				if !ok {
					return fmt.Errorf("unknown run status %q", value)
				}
				filter.Statuses = append(filter.Statuses, status)
			}
			return ctx.withStore(func(st *store.Store) error {
				runs, err := st.ListRuns(cmd.Context(), filter)
				if err != nil {
					return err
				}
				if jsonOutput {
					return emitJSON(cmd.OutOrStdout(), api.RunListResponse{Runs: api.FromRuns(runs)})
				}
				out := cmd.OutOrStdout()
				if len(runs) == 0 {
					fmt.Fprintln(out, "No runs")
					return nil
				}
				fmt.Fprintln(out, runTable(runs).render())
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVarP(&statuses, "status", "s", nil, "Filter by status (pending, running, completed, failed)")
	cmd.Flags().IntVarP(&limit, "limit", "n", defaultRunListLimit, "Maximum runs to list (0 for all)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Emit JSON")
	return cmd
}

func runTable(runs []*store.Run) *tableView {
	view := newTableView(numCol("ID"), textCol("Status"), textCol("Stage"), numCol("Score"), numCol("Cost"), textCol("Trigger"), textCol("Created"))
	for _, run := range runs {
		view.add(
			strconv.FormatInt(run.ID, 10),
			runStatusLabel(run),
			displayLabel(run.CurrentStage),
			formatScore(run.FinalScore),
			formatCost(run.TotalCost),
			run.TriggeredBy,
			formatTimestamp(run.CreatedAt),
		)
	}
	return view
}

func newStagesCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "stages <run-id>",
		Short: "Show the attempt history of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := parseRunID(args[0])
			if err != nil {
				return err
			}
			return ctx.withStore(func(st *store.Store) error {
				run, err := st.GetRun(cmd.Context(), runID)
				if err != nil {
					return err
				}
				if run == nil {
					return fmt.Errorf("run %d not found", runID)
				}
				stages, err := st.ListStages(cmd.Context(), runID)
				if err != nil {
					return err
				}
				interventions, err := st.ListInterventions(cmd.Context(), runID)
				if err != nil {
					return err
				}
				if jsonOutput {
					return emitJSON(cmd.OutOrStdout(), api.RunDetail{
						Run:           api.FromRun(run),
						Stages:        api.FromStages(stages),
						Interventions: api.FromInterventions(interventions),
					})
				}

				out := cmd.OutOrStdout()
				summary := runStatusLabel(run)
				if run.ErrorMessage != "" {
					summary += " (" + run.ErrorMessage + ")"
				}
				colorize := shouldColorize(out)
				fmt.Fprintln(out, renderStatusLine(fmt.Sprintf("Run %d", run.ID), runTone(run), summary, colorize))
				fmt.Fprintln(out, stageTable(stages, colorize).render())
				if len(interventions) > 0 {
					fmt.Fprintln(out, "Interventions:")
					for _, item := range interventions {
						line := fmt.Sprintf("  %s %s %s by %s (offset %d)", formatTimestamp(item.CreatedAt), item.Action, item.StageName, item.Operator, item.AttemptOffset)
						if item.Note != "" {
							line += ": " + item.Note
						}
						fmt.Fprintln(out, line)
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Emit JSON")
	return cmd
}

func stageTable(stages []*store.Stage, colorize bool) *tableView {
	view := newTableView(numCol("ID"), textCol("Stage"), numCol("Attempt"), textCol("Status"), numCol("Score"), textCol("Passed"), numCol("Tokens"), numCol("Cost"), textCol("Model"))
	for _, row := range stages {
		passed := "-"
		if row.PassedThreshold != nil {
			passed = yesNo(*row.PassedThreshold)
		}
		status := displayLabel(string(row.Status))
		if colorize {
			status = toneColors[stageTone(row.Status)].Sprint(status)
		}
		view.add(
			strconv.FormatInt(row.ID, 10),
			displayLabel(row.Name),
			strconv.Itoa(row.AttemptNumber),
			status,
			formatScore(row.Score),
			passed,
			fmt.Sprintf("%d/%d", row.InputTokens, row.OutputTokens),
			formatCost(row.Cost),
			row.ModelUsed,
		)
	}
	return view
}

func newVerifyCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "verify <run-id>",
		Short: "Verify the audit hash chain of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := parseRunID(args[0])
			if err != nil {
				return err
			}
			return ctx.withStore(func(st *store.Store) error {
				report, err := audit.NewVault(st, ctx.logger()).VerifyRun(cmd.Context(), runID)
				if err != nil {
					return err
				}
				if jsonOutput {
					if err := emitJSON(cmd.OutOrStdout(), api.FromReport(report)); err != nil {
						return err
					}
				} else {
					out := cmd.OutOrStdout()
					colorize := shouldColorize(out)
					if report.Valid {
						fmt.Fprintln(out, renderStatusLine("Audit chain", toneOK, fmt.Sprintf("%d events verified", report.Events), colorize))
					} else {
						fmt.Fprintln(out, renderStatusLine("Audit chain", toneError, fmt.Sprintf("broken at event %d: %s", report.Broken, report.Reason), colorize))
					}
				}
				if !report.Valid {
					return fmt.Errorf("audit chain for run %d is broken", runID)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Emit JSON")
	return cmd
}

func runStatusLabel(run *store.Run) string {
	if run.IsPaused() {
		return "Awaiting Restart"
	}
	return displayLabel(string(run.Status))
}

func parseRunID(value string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid run id %q", value)
	}
	return id, nil
}

func formatScore(score *float64) string {
	if score == nil {
		return "-"
	}
	return strconv.FormatFloat(*score, 'f', 2, 64)
}

func formatCost(cost float64) string {
	return fmt.Sprintf("$%.4f", cost)
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
