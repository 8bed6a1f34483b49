package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"webull-pnl-monitor-go/internal/detector"
	"webull-pnl-monitor-go/internal/matcher"
	"webull-pnl-monitor-go/internal/metrics"
)

// CyclePayload is what the presentation collaborator receives after
// each ingestion cycle.
type CyclePayload struct {
	Snapshot  metrics.Snapshot      `json:"snapshot"`
	Warnings  []detector.Warning    `json:"warnings"`
	NewTrades []matcher.ClosedTrade `json:"new_trades"`
	ScanTime  time.Time             `json:"scan_time"`
}

// Notifier pushes cycle results to a configured webhook. Delivery is
// best effort: a failed push is logged and the next cycle tries again
// with fresh data.
type Notifier struct {
	client *resty.Client
	url    string
	logger *zap.Logger
}

// NewNotifier creates a webhook notifier. A nil notifier is returned
// when no URL is configured; calling Notify on it is a no-op.
func NewNotifier(url string, logger *zap.Logger) *Notifier {
	if url == "" {
		return nil
	}
	client := resty.New().SetTimeout(10 * time.Second)
	return &Notifier{client: client, url: url, logger: logger}
}

// Notify POSTs the payload, retrying transient failures with a short
// backoff before giving up for this cycle.
func (n *Notifier) Notify(ctx context.Context, payload CyclePayload) error {
	if n == nil {
		return nil
	}

	const maxRetries = 3
	var lastErr error
	for i := 0; i < maxRetries; i++ {
		resp, err := n.client.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/json").
			SetBody(payload).
			Post(n.url)
		if err == nil && resp.IsSuccess() {
			return nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("webhook returned status %d", resp.StatusCode())
		}
		n.logger.Warn("Webhook push failed, retrying",
			zap.Int("attempt", i+1),
			zap.Error(lastErr))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(i+1) * time.Second):
		}
	}
	return fmt.Errorf("webhook push failed after %d attempts: %w", maxRetries, lastErr)
}
