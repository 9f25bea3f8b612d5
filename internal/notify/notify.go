// Package notify posts completed analyses to configured webhooks.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"flowlens/internal/config"
	"flowlens/internal/domain"
	"flowlens/internal/logging"
)

const (
	defaultTimeout     = 5 * time.Second
	defaultMinSeverity = domain.SeverityHigh
	EventAnalysis      = "analysis.completed"
)

// Finding is the webhook view of one deterministic finding.
type Finding struct {
	Type        domain.FindingKind `json:"type"`
	Severity    domain.Severity    `json:"severity"`
	Description string             `json:"description,omitempty"`
}

// Notification is the JSON body posted to each webhook.
type Notification struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	CreatedAt   time.Time       `json:"created_at"`
	MaxSeverity domain.Severity `json:"max_severity"`
	Findings    []Finding       `json:"findings"`
	Analysis    string          `json:"analysis,omitempty"`
}

// Notifier delivers notifications to every enabled hook whose minimum
// severity is reached. Hooks are posted concurrently with one attempt each.
type Notifier struct {
	Hooks  []config.WebhookConfig
	Client *http.Client
	Log    *zap.SugaredLogger
}

func New(hooks []config.WebhookConfig, log *zap.SugaredLogger) *Notifier {
	return &Notifier{
		Hooks:  hooks,
		Client: &http.Client{Timeout: defaultTimeout},
		Log:    logging.OrNop(log).Named("notify"),
	}
}

// Enabled reports whether any hook could receive a notification.
func (n *Notifier) Enabled() bool {
	if n == nil {
		return false
	}
	for _, h := range n.Hooks {
		if active(h) {
			return true
		}
	}
	return false
}

func active(h config.WebhookConfig) bool {
	if h.Enabled != nil && !*h.Enabled {
		return false
	}
	return strings.TrimSpace(h.URL) != ""
}

func minSeverity(h config.WebhookConfig) domain.Severity {
	if h.MinSeverity == "" {
		return defaultMinSeverity
	}
	return domain.Severity(h.MinSeverity)
}

// Notify posts msg to the matching hooks and returns the joined delivery
// errors.
func (n *Notifier) Notify(ctx context.Context, msg Notification) error {
	if !n.Enabled() {
		return nil
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	p := pool.New().WithErrors().WithContext(ctx)
	for _, hook := range n.Hooks {
		if !active(hook) || !msg.MaxSeverity.AtLeast(minSeverity(hook)) {
			continue
		}
		p.Go(func(ctx context.Context) error {
			if err := n.post(ctx, hook, msg.ID, body); err != nil {
				logging.OrNop(n.Log).Warnw("webhook delivery failed", "url", hook.URL, "error", err)
				return fmt.Errorf("webhook %s: %w", hook.URL, err)
			}
			return nil
		})
	}
	return p.Wait()
}

func (n *Notifier) post(ctx context.Context, hook config.WebhookConfig, delivery string, body []byte) error {
	client := n.Client
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	if hook.TimeoutSeconds > 0 {
		timeout := time.Duration(hook.TimeoutSeconds) * time.Second
		if timeout != client.Timeout {
			client = &http.Client{Timeout: timeout, Transport: client.Transport}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Flowlens-Event", EventAnalysis)
	req.Header.Set("X-Flowlens-Delivery", delivery)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Flowlens-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(data)))
	}
	return nil
}

// FindingsOf converts deterministic findings to their webhook view.
func FindingsOf(findings ...domain.Finding) []Finding {
	out := make([]Finding, 0, len(findings))
	for _, f := range findings {
		nf := Finding{Type: f.FindingKind(), Severity: f.FindingSeverity()}
		switch v := f.(type) {
		case domain.Bottleneck:
			nf.Description = v.Description
		case domain.SyncIssue:
			nf.Description = v.Description
		case domain.WorkloadRecommendation:
			nf.Description = v.Description
		}
		out = append(out, nf)
	}
	return out
}
