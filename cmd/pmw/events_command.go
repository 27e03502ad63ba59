package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"pmwflow/internal/dispatch"
	"pmwflow/internal/events"
)

func newEventsCommand(ctx *commandContext) *cobra.Command {
	var runID int64
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Follow workflow events from the Redis event channel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if cfg.Redis.URL == "" {
				return errors.New("redis.url is not configured; follow events with GET /api/events instead")
			}

			signalCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			client, err := dispatch.OpenRedis(signalCtx, cfg.Redis)
			if err != nil {
				return fmt.Errorf("connect redis: %w", err)
			}
			defer client.Close()

			out := cmd.OutOrStdout()
			return events.Subscribe(signalCtx, client, cfg.Redis.EventsChannel, ctx.logger(), func(env events.Envelope) {
				if runID > 0 && env.RunID != runID {
					return
				}
				if jsonOutput {
					data, err := json.Marshal(env)
					if err == nil {
						fmt.Fprintln(out, string(data))
					}
					return
				}
				writeEventLine(out, env)
			})
		},
	}

	cmd.Flags().Int64Var(&runID, "run", 0, "Only show events for this run id")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Emit one JSON object per line")
	return cmd
}

func writeEventLine(out io.Writer, env events.Envelope) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s run=%d", env.Timestamp.Local().Format("15:04:05"), env.RunID)
	if env.Stage != "" {
		fmt.Fprintf(&b, " stage=%s", env.Stage)
	}
	fmt.Fprintf(&b, " %s", env.Type)
	keys := make([]string, 0, len(env.Payload))
	for key := range env.Payload {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(&b, " %s=%v", key, env.Payload[key])
	}
	fmt.Fprintln(out, b.String())
}
