package main

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"pmwflow/internal/api"
	"pmwflow/internal/config"
	"pmwflow/internal/preflight"
	"pmwflow/internal/store"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show system readiness, run counts and daemon status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)

			writeSection(out, "System", colorize)
			for _, result := range preflight.RunAll(cmd.Context(), cfg) {
				t := toneOK
				if !result.Passed {
					t = toneError
				}
				fmt.Fprintln(out, renderStatusLine(result.Name, t, result.Detail, colorize))
			}

			writeSection(out, "Database", colorize)
			if err := ctx.withStore(func(st *store.Store) error {
				return renderDatabase(cmd.Context(), out, st, colorize)
			}); err != nil {
				fmt.Fprintln(out, renderStatusLine("Store", toneError, err.Error(), colorize))
			}

			writeSection(out, "Daemon", colorize)
			status, err := ctx.fetchDaemonStatus(cmd.Context())
			if err != nil {
				fmt.Fprintln(out, renderStatusLine("pmwd", toneWarn, err.Error(), colorize))
				return nil
			}
			renderDaemon(out, cfg, status, colorize)
			return nil
		},
	}
}

func writeSection(out io.Writer, title string, colorize bool) {
	fmt.Fprintln(out)
	fmt.Fprintln(out, renderSectionHeader(title, colorize))
}

func renderDatabase(ctx context.Context, out io.Writer, st *store.Store, colorize bool) error {
	db, err := st.CheckHealth(ctx)
	if err != nil {
		fmt.Fprintln(out, renderStatusLine(displayLabel(db.Driver), toneError, err.Error(), colorize))
		return nil
	}
	fmt.Fprintln(out, renderStatusLine(displayLabel(db.Driver), toneOK, fmt.Sprintf("%s (schema %s)", db.Location, db.AppliedVersion), colorize))

	health, err := st.Health(ctx)
	if err != nil {
		return err
	}
	counts := newTableView(numCol("Total"), numCol("Pending"), numCol("Running"), numCol("Awaiting Restart"), numCol("Completed"), numCol("Failed"))
	counts.add(
		strconv.Itoa(health.Total),
		strconv.Itoa(health.Pending),
		strconv.Itoa(health.Running-health.Paused),
		strconv.Itoa(health.Paused),
		strconv.Itoa(health.Completed),
		strconv.Itoa(health.Failed),
	)
	fmt.Fprintln(out, counts.render())
	return nil
}

func renderDaemon(out io.Writer, cfg *config.Config, status *api.DaemonStatus, colorize bool) {
	t := toneOK
	message := fmt.Sprintf("pid %d", status.PID)
	if !status.Running {
		t = toneWarn
		message = "not running"
	}
	fmt.Fprintln(out, renderStatusLine("pmwd", t, message, colorize))

	wf := status.Workflow
	fmt.Fprintln(out, renderStatusLine("Mode", toneInfo, fmt.Sprintf("%s, %d workers", wf.Mode, wf.Workers), colorize))
	fmt.Fprintln(out, renderStatusLine("Activity", toneActive, fmt.Sprintf("%d in flight, %d processed, queue depth %d", wf.InFlight, wf.Processed, wf.QueueDepth), colorize))
	if wf.LastError != "" {
		fmt.Fprintln(out, renderStatusLine("Last error", toneWarn, wf.LastError, colorize))
	}

	if len(wf.StageHealth) == 0 {
		return
	}
	stages := newTableView(textCol("Stage"), textCol("Ready"), textCol("Detail"))
	for _, health := range wf.StageHealth {
		stages.add(displayLabel(health.Name), yesNo(health.Ready), health.Detail)
	}
	fmt.Fprintln(out, stages.render())
	if cfg.Executors.Kind != "" {
		fmt.Fprintln(out, renderStatusLine("Executors", toneInfo, cfg.Executors.Kind, colorize))
	}
}
