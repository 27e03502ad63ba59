package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pmwflow/internal/config"
	"pmwflow/internal/retry"
)

const userAgent = "pmwflow/0.1.0"

// Event identifies a notification-worthy workflow milestone.
type Event string

const (
	EventStageAwaitingRestart Event = "stage_awaiting_restart"
	EventStageSkipped         Event = "stage_skipped"
	EventRunFailed            Event = "run_failed"
	EventRunCompleted         Event = "run_completed"
	EventTest                 Event = "test"
)

// Payload carries event-specific values.
type Payload map[string]any

// Service defines the notification surface exposed to workflow components.
type Service interface {
	Publish(ctx context.Context, event Event, payload Payload) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint:     topic,
		client:       &http.Client{Timeout: timeout},
		alerts:       cfg.Notifications.Alerts,
		runCompleted: cfg.Notifications.RunCompleted,
	}
}

// Alerter adapts svc to the retry engine's exhaustion callback.
func Alerter(svc Service) retry.AlertFunc {
	if svc == nil {
		return nil
	}
	return func(ctx context.Context, alert retry.Alert) error {
		event := EventRunFailed
		switch alert.Status {
		case retry.Paused:
			event = EventStageAwaitingRestart
		case retry.Skipped:
			event = EventStageSkipped
		}
		return svc.Publish(ctx, event, Payload{
			"runID":    alert.RunID,
			"stage":    alert.Stage,
			"attempts": alert.Attempts,
			"message":  alert.Message,
			"cost":     alert.Cost,
		})
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint     string
	client       *http.Client
	alerts       bool
	runCompleted bool
}

func (n *ntfyService) Publish(ctx context.Context, event Event, data Payload) error {
	if n == nil {
		return nil
	}
	switch event {
	case EventStageAwaitingRestart, EventStageSkipped, EventRunFailed:
		if !n.alerts {
			return nil
		}
	case EventRunCompleted:
		if !n.runCompleted {
			return nil
		}
	}
	msg, ok := buildPayload(event, data)
	if !ok {
		return nil
	}
	return n.send(ctx, msg)
}

func buildPayload(event Event, data Payload) (payload, bool) {
	runID := int64Value(data, "runID")
	stage := stringValue(data, "stage")
	message := stringValue(data, "message")
	switch event {
	case EventStageAwaitingRestart:
		return payload{
			title:    "PMW - Needs Review",
			message:  fmt.Sprintf("⏸️ Run #%d paused at %s after %d attempts: %s\nRestart with: pmw restart %d", runID, stage, intValue(data, "attempts"), message, runID),
			tags:     []string{"pmw", stage, "review"},
			priority: "high",
		}, true
	case EventStageSkipped:
		return payload{
			title:   "PMW - Stage Skipped",
			message: fmt.Sprintf("⚠️ Run #%d continued without %s: %s", runID, stage, message),
			tags:    []string{"pmw", stage, "warning"},
		}, true
	case EventRunFailed:
		return payload{
			title:    "PMW - Run Failed",
			message:  fmt.Sprintf("❌ Run #%d failed at %s: %s", runID, stage, message),
			tags:     []string{"pmw", "error", "alert"},
			priority: "high",
		}, true
	case EventRunCompleted:
		text := fmt.Sprintf("✅ Run #%d complete", runID)
		if score, ok := data["finalScore"].(float64); ok {
			text += fmt.Sprintf(" (score %.2f)", score)
		}
		if cost, ok := data["cost"].(float64); ok && cost > 0 {
			text += fmt.Sprintf(", cost $%.4f", cost)
		}
		return payload{
			title:   "PMW - Run Complete",
			message: text,
			tags:    []string{"pmw", "workflow", "completed"},
		}, true
	case EventTest:
		return payload{
			title:    "PMW - Test",
			message:  "🧪 Notification system test",
			tags:     []string{"pmw", "test"},
			priority: "low",
		}, true
	default:
		return payload{}, false
	}
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func stringValue(data Payload, key string) string {
	if v, ok := data[key]; ok && v != nil {
		return strings.TrimSpace(fmt.Sprint(v))
	}
	return ""
}

func int64Value(data Payload, key string) int64 {
	switch v := data[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

func intValue(data Payload, key string) int {
	return int(int64Value(data, key))
}

type noopService struct{}

func (noopService) Publish(context.Context, Event, Payload) error { return nil }
