// Copyright 2025 James Ross
package canary

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// WebhookNotifier implements WebhookHandler by POSTing a JSON payload to
// every configured URL, grounded on internal/canary-deployments's
// WebhookAlerter: same http.Client-with-timeout POST loop and per-deployment
// cooldown map to suppress repeated alerts, adapted from deployment-wide
// Alert levels down to the single CriticalAlert this engine raises on
// rollback.
type WebhookNotifier struct {
	urls       []string
	httpClient *http.Client
	log        *zap.Logger
	cooldown   time.Duration

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// NewWebhookNotifier returns a notifier posting to urls, suppressing
// repeat alerts for the same deployment within cooldown.
func NewWebhookNotifier(urls []string, cooldown time.Duration, log *zap.Logger) *WebhookNotifier {
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	return &WebhookNotifier{
		urls:       urls,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        log,
		cooldown:   cooldown,
		lastSent:   make(map[string]time.Time),
	}
}

// HandleAlert implements WebhookHandler.
func (n *WebhookNotifier) HandleAlert(ctx context.Context, alert CriticalAlert) {
	if len(n.urls) == 0 {
		return
	}
	if n.inCooldown(alert.DeploymentID) {
		return
	}

	body, err := json.Marshal(alert)
	if err != nil {
		n.log.Warn("marshaling canary alert", zap.Error(err))
		return
	}

	for _, url := range n.urls {
		if err := n.post(ctx, url, body); err != nil {
			n.log.Error("sending canary rollback webhook", zap.String("url", url), zap.String("deployment_id", alert.DeploymentID), zap.Error(err))
		}
	}
	n.markSent(alert.DeploymentID)
}

func (n *WebhookNotifier) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (n *WebhookNotifier) inCooldown(deploymentID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	last, ok := n.lastSent[deploymentID]
	return ok && time.Since(last) < n.cooldown
}

func (n *WebhookNotifier) markSent(deploymentID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lastSent[deploymentID] = time.Now()
}
