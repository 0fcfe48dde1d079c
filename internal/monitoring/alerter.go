package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/procurehq/rfq-engine/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertJobFailureRate AlertType = "job_failure_rate"
	AlertQueueDepth     AlertType = "queue_depth"
	AlertOverdueRFQs    AlertType = "overdue_rfqs"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	finished := snap.JobsDone + snap.JobsFailed
	if a.cfg.JobFailureRateThreshold > 0 && finished >= 5 &&
		snap.JobFailRate > a.cfg.JobFailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertJobFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Job failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished)",
				snap.JobFailRate*100, a.cfg.JobFailureRateThreshold*100,
				snap.JobsFailed, finished,
			),
			Details: map[string]any{
				"fail_rate": snap.JobFailRate,
				"threshold": a.cfg.JobFailureRateThreshold,
				"failed":    snap.JobsFailed,
				"finished":  finished,
			},
			Timestamp: now,
		})
	}

	depth := snap.AuctionDepth + snap.NotifyDepth
	if a.cfg.QueueDepthThreshold > 0 && depth > a.cfg.QueueDepthThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertQueueDepth,
			Severity: "high",
			Message: fmt.Sprintf(
				"Queue depth %d exceeds threshold %d (auction=%d notification=%d)",
				depth, a.cfg.QueueDepthThreshold, snap.AuctionDepth, snap.NotifyDepth,
			),
			Details: map[string]any{
				"auction_depth":      snap.AuctionDepth,
				"notification_depth": snap.NotifyDepth,
				"threshold":          a.cfg.QueueDepthThreshold,
			},
			Timestamp: now,
		})
	}

	if a.cfg.OverdueRFQThreshold > 0 && snap.RFQOverdue > a.cfg.OverdueRFQThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertOverdueRFQs,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d published RFQs are past their deadline without a close (threshold %d)",
				snap.RFQOverdue, a.cfg.OverdueRFQThreshold,
			),
			Details: map[string]any{
				"overdue":   snap.RFQOverdue,
				"threshold": a.cfg.OverdueRFQThreshold,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
