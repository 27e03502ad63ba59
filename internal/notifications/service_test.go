package notifications_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"pmwflow/internal/config"
	"pmwflow/internal/notifications"
	"pmwflow/internal/retry"
)

func TestNewServiceReturnsNoopWhenTopicMissing(t *testing.T) {
	cfg := config.Default()
	cfg.Notifications.NtfyTopic = ""
	svc := notifications.NewService(&cfg)
	if err := svc.Publish(context.Background(), notifications.EventRunFailed, notifications.Payload{"runID": int64(1)}); err != nil {
		t.Fatalf("expected noop notifier to return nil, got %v", err)
	}
}

type captured struct {
	calls    int
	title    string
	tags     string
	priority string
	body     string
}

func newNtfyServer(t *testing.T, into *captured) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", r.Method)
		}
		into.calls++
		into.title = r.Header.Get("Title")
		into.tags = r.Header.Get("Tags")
		into.priority = r.Header.Get("Priority")
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read body: %v", err)
		}
		into.body = string(body)
		_ = r.Body.Close()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestAlerterFormatsExhaustion(t *testing.T) {
	tests := []struct {
		name           string
		alert          retry.Alert
		expectTitle    string
		expectMessage  string
		expectTags     string
		expectPriority string
	}{
		{
			name:           "awaiting restart",
			alert:          retry.Alert{RunID: 42, Stage: "research", Status: retry.Paused, Attempts: 3, Message: "research failed | score 0.40 below threshold 0.75"},
			expectTitle:    "PMW - Needs Review",
			expectMessage:  "⏸️ Run #42 paused at research after 3 attempts: research failed | score 0.40 below threshold 0.75\nRestart with: pmw restart 42",
			expectTags:     "pmw,research,review",
			expectPriority: "high",
		},
		{
			name:          "skipped",
			alert:         retry.Alert{RunID: 7, Stage: "media", Status: retry.Skipped, Attempts: 2, Message: "media generation failed"},
			expectTitle:   "PMW - Stage Skipped",
			expectMessage: "⚠️ Run #7 continued without media: media generation failed",
			expectTags:    "pmw,media,warning",
		},
		{
			name:           "failed",
			alert:          retry.Alert{RunID: 9, Stage: "publish", Status: retry.Failed, Attempts: 1, Message: "publish rejected"},
			expectTitle:    "PMW - Run Failed",
			expectMessage:  "❌ Run #9 failed at publish: publish rejected",
			expectTags:     "pmw,error,alert",
			expectPriority: "high",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var got captured
			server := newNtfyServer(t, &got)

			cfg := config.Default()
			cfg.Notifications.NtfyTopic = server.URL
			cfg.Notifications.RequestTimeout = 5

			alert := notifications.Alerter(notifications.NewService(&cfg))
			if err := alert(context.Background(), tc.alert); err != nil {
				t.Fatalf("alert returned error: %v", err)
			}
			if got.title != tc.expectTitle {
				t.Fatalf("expected title %q, got %q", tc.expectTitle, got.title)
			}
			if got.body != tc.expectMessage {
				t.Fatalf("expected message %q, got %q", tc.expectMessage, got.body)
			}
			if got.tags != tc.expectTags {
				t.Fatalf("expected tags %q, got %q", tc.expectTags, got.tags)
			}
			if got.priority != tc.expectPriority {
				t.Fatalf("expected priority %q, got %q", tc.expectPriority, got.priority)
			}
		})
	}
}

func TestRunCompletedRespectsToggle(t *testing.T) {
	var got captured
	server := newNtfyServer(t, &got)

	cfg := config.Default()
	cfg.Notifications.NtfyTopic = server.URL
	cfg.Notifications.RunCompleted = false
	svc := notifications.NewService(&cfg)
	payload := notifications.Payload{"runID": int64(3), "finalScore": 0.91, "cost": 0.1234}
	if err := svc.Publish(context.Background(), notifications.EventRunCompleted, payload); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if got.calls != 0 {
		t.Fatalf("expected suppressed run completion, got %d calls", got.calls)
	}

	cfg.Notifications.RunCompleted = true
	svc = notifications.NewService(&cfg)
	if err := svc.Publish(context.Background(), notifications.EventRunCompleted, payload); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if got.body != "✅ Run #3 complete (score 0.91), cost $0.1234" {
		t.Fatalf("unexpected body %q", got.body)
	}
}

func TestAlertsToggleSuppressesExhaustion(t *testing.T) {
	var got captured
	server := newNtfyServer(t, &got)

	cfg := config.Default()
	cfg.Notifications.NtfyTopic = server.URL
	cfg.Notifications.Alerts = false
	alert := notifications.Alerter(notifications.NewService(&cfg))
	if err := alert(context.Background(), retry.Alert{RunID: 1, Stage: "research", Status: retry.Failed}); err != nil {
		t.Fatalf("alert: %v", err)
	}
	if got.calls != 0 {
		t.Fatalf("expected no ntfy call, got %d", got.calls)
	}
}

func TestNtfyErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "topic reserved", http.StatusForbidden)
	}))
	defer server.Close()

	cfg := config.Default()
	cfg.Notifications.NtfyTopic = server.URL
	svc := notifications.NewService(&cfg)
	if err := svc.Publish(context.Background(), notifications.EventTest, nil); err == nil {
		t.Fatal("expected error for 403 response")
	}
}
