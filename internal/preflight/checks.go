package preflight

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"pmwflow/internal/config"
	"pmwflow/internal/dispatch"
	"pmwflow/internal/stage"
)

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// CheckRedis verifies that the dispatch queue server answers a ping.
func CheckRedis(ctx context.Context, cfg config.Redis) Result {
	const name = "Redis"

	client, err := dispatch.OpenRedis(ctx, cfg)
	if err != nil {
		return Result{Name: name, Detail: summarizeNetError(err)}
	}
	_ = client.Close()
	return Result{Name: name, Passed: true, Detail: "Reachable"}
}

// CheckAgentService verifies that the http executor's agent service reports healthy.
func CheckAgentService(ctx context.Context, cfg config.HTTPExecutor) Result {
	const name = "Agent service"

	if strings.TrimSpace(cfg.BaseURL) == "" {
		return Result{Name: name, Detail: "missing base_url"}
	}
	exec, err := stage.NewHTTPExecutor(cfg, nil)
	if err != nil {
		return Result{Name: name, Detail: err.Error()}
	}
	health := exec.HealthCheck(ctx)
	if !health.Ready {
		return Result{Name: name, Detail: health.Detail}
	}
	return Result{Name: name, Passed: true, Detail: "Reachable"}
}

// summarizeNetError produces a human-readable summary for connectivity failures.
func summarizeNetError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "check timed out (server unresponsive)"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "check timed out (server unreachable)"
	}
	return err.Error()
}
