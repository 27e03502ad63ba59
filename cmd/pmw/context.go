package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"pmwflow/internal/api"
	"pmwflow/internal/audit"
	"pmwflow/internal/config"
	"pmwflow/internal/dispatch"
	"pmwflow/internal/events"
	"pmwflow/internal/logging"
	"pmwflow/internal/pipeline"
	"pmwflow/internal/store"
	"pmwflow/internal/workflow"
)

const apiRequestTimeout = 5 * time.Second

type commandContext struct {
	configFlag *string
	apiFlag    *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag, apiFlag *string) *commandContext {
	return &commandContext{
		configFlag: configFlag,
		apiFlag:    apiFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

// logger writes warnings and errors to stderr so command output stays clean.
func (c *commandContext) logger() *slog.Logger {
	logger, err := logging.New(logging.Options{
		Level:       "warn",
		Format:      "console",
		OutputPaths: []string{"stderr"},
	})
	if err != nil {
		return logging.NewNop()
	}
	return logging.NewComponentLogger(logger, "cli")
}

func (c *commandContext) withStore(fn func(*store.Store) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	st, err := store.Open(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	return fn(st)
}

// withService binds a workflow service to the store. With Redis configured,
// tokens go to the shared queue and events to the shared channel so a running
// daemon picks them up. Otherwise the daemon's pending-stage sweep or tick
// scheduler dispatches the new stage.
func (c *commandContext) withService(cmd *cobra.Command, fn func(*workflow.Service) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	logger := c.logger()
	return c.withStore(func(st *store.Store) error {
		var queue dispatch.Queue
		var publishers []events.Publisher
		if cfg.Redis.URL != "" {
			client, err := dispatch.OpenRedis(cmd.Context(), cfg.Redis)
			if err != nil {
				return fmt.Errorf("connect redis: %w", err)
			}
			defer client.Close()
			queue = dispatch.NewRedisQueue(client, cfg.Redis.QueueKey)
			bus := events.NewRedisBus(client, cfg.Redis.EventsChannel, cfg.Redis.PublishBuffer, logger)
			defer bus.Close()
			publishers = append(publishers, bus)
		}
		emitter := events.NewEmitter(audit.NewVault(st, logger), logger, publishers...)
		svc := workflow.NewService(st, queue, emitter, pipeline.NewOrder(cfg), cfg.Lease(), logger)
		return fn(svc)
	})
}

func (c *commandContext) apiBaseURL() string {
	if c.apiFlag != nil {
		if value := strings.TrimSpace(*c.apiFlag); value != "" {
			return strings.TrimRight(value, "/")
		}
	}
	cfg, err := c.ensureConfig()
	if err != nil || cfg == nil || cfg.API.Bind == "" {
		return ""
	}
	bind := cfg.API.Bind
	if strings.HasPrefix(bind, ":") {
		bind = "127.0.0.1" + bind
	}
	return "http://" + bind
}

// fetchDaemonStatus queries GET /api/status on the running daemon.
func (c *commandContext) fetchDaemonStatus(ctx context.Context) (*api.DaemonStatus, error) {
	base := c.apiBaseURL()
	if base == "" {
		return nil, fmt.Errorf("daemon API disabled (api.bind is empty)")
	}
	ctx, cancel := context.WithTimeout(ctx, apiRequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/status", nil)
	if err != nil {
		return nil, err
	}
	if cfg, _ := c.ensureConfig(); cfg != nil && cfg.API.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.API.Token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon at %s: %w", base, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("daemon status: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	var status api.DaemonStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decode daemon status: %w", err)
	}
	return &status, nil
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
