package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/labsafe/permit-api/pkg/config"
	"github.com/labsafe/permit-api/pkg/jobs"
)

// QueueNotifier delivers notifications through the background job
// queue. Delivery is best-effort with bounded retries; a permanently
// failed notification is logged and dropped, never surfaced to the
// request that triggered it.
type QueueNotifier struct {
	queue   *jobs.Queue
	cfg     config.NotificationsConfig
	client  *http.Client
	logger  *zap.Logger
	enabled bool
}

// NewQueueNotifier builds the notifier and its worker queue. Call
// Start before enqueueing and Stop on shutdown.
func NewQueueNotifier(cfg config.NotificationsConfig, logger *zap.Logger) *QueueNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	n := &QueueNotifier{
		cfg:     cfg,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
		enabled: cfg.Enabled,
	}
	n.queue = jobs.NewQueue("notifications", n.deliver, jobs.QueueConfig{
		Workers:    cfg.WorkerConcurrency,
		MaxRetries: cfg.WorkerRetries,
		RetryDelay: 5 * time.Second,
		Logger:     logger,
	})
	return n
}

// Start launches the worker pool.
func (n *QueueNotifier) Start(ctx context.Context) {
	if n.enabled {
		n.queue.Start(ctx)
	}
}

// Stop drains the worker pool.
func (n *QueueNotifier) Stop() {
	if n.enabled {
		n.queue.Stop()
	}
}

// Notify enqueues one notification. Failures to enqueue are logged,
// not returned; the lifecycle decision already committed.
func (n *QueueNotifier) Notify(ctx context.Context, notification Notification) {
	if !n.enabled {
		return
	}
	job := jobs.Job{
		ID:      uuid.NewString(),
		Type:    string(notification.Kind),
		Payload: notification,
	}
	if err := n.queue.Enqueue(job); err != nil {
		n.logger.Sugar().Warnw("notification dropped",
			"kind", notification.Kind, "record", notification.RecordCode, "error", err)
	}
}

func (n *QueueNotifier) deliver(ctx context.Context, job jobs.Job) error {
	notification, ok := job.Payload.(Notification)
	if !ok {
		n.logger.Sugar().Errorw("notification job carries unexpected payload", "job_id", job.ID)
		return nil
	}
	if n.cfg.WebhookURL == "" {
		n.logger.Sugar().Infow("notification",
			"kind", notification.Kind, "record", notification.RecordCode,
			"recipients", len(notification.Recipients))
		return nil
	}

	body, err := json.Marshal(map[string]interface{}{
		"kind":       notification.Kind,
		"record":     notification.RecordCode,
		"recipients": notification.Recipients,
		"fields":     notification.Fields,
	})
	if err != nil {
		return fmt.Errorf("marshal notification %s: %w", job.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver notification %s: %w", job.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification webhook returned %d", resp.StatusCode)
	}
	return nil
}
