package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"text/template"
	"time"

	"github.com/starford/driftwatch/internal/models"
)

// WebhookConfig defines a webhook endpoint.
type WebhookConfig struct {
	URL     string            `yaml:"url"`
	Method  string            `yaml:"method"`
	Headers map[string]string `yaml:"headers"`

	// Template is a Go template for the request body, executed with the
	// alert as dot. If empty, the alert is sent as JSON.
	Template string `yaml:"template"`

	// Categories filters which drift categories are sent. Empty or "*"
	// matches all; a trailing "*" matches by prefix.
	Categories []string `yaml:"categories"`

	// MinSeverity drops alerts below this tier.
	MinSeverity models.Severity `yaml:"min_severity"`

	Timeout    time.Duration `yaml:"timeout"`
	RetryCount int           `yaml:"retry_count"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// WebhookNotifier POSTs alerts to an HTTP endpoint.
type WebhookNotifier struct {
	cfg    WebhookConfig
	tmpl   *template.Template
	client *http.Client
}

// NewWebhook applies defaults and compiles the body template.
func NewWebhook(cfg WebhookConfig) (*WebhookNotifier, error) {
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	n := &WebhookNotifier{cfg: cfg, client: &http.Client{}}
	if cfg.Template != "" {
		tmpl, err := template.New("webhook").Parse(cfg.Template)
		if err != nil {
			return nil, fmt.Errorf("webhook: invalid template: %w", err)
		}
		n.tmpl = tmpl
	}
	return n, nil
}

func (n *WebhookNotifier) matches(a models.Alert) bool {
	if a.Record.Severity < n.cfg.MinSeverity {
		return false
	}
	if len(n.cfg.Categories) == 0 {
		return true
	}
	cat := string(a.Record.Category)
	for _, pattern := range n.cfg.Categories {
		if pattern == "*" || pattern == cat {
			return true
		}
		if strings.HasSuffix(pattern, "*") && strings.HasPrefix(cat, strings.TrimSuffix(pattern, "*")) {
			return true
		}
	}
	return false
}

// Deliver sends a, retrying RetryCount times on transport errors and
// non-2xx responses.
func (n *WebhookNotifier) Deliver(ctx context.Context, a models.Alert) error {
	if !n.matches(a) {
		return nil
	}

	var body []byte
	if n.tmpl != nil {
		var buf bytes.Buffer
		if err := n.tmpl.Execute(&buf, a); err != nil {
			return fmt.Errorf("webhook: render: %w", err)
		}
		body = buf.Bytes()
	} else {
		var err error
		if body, err = json.Marshal(a); err != nil {
			return fmt.Errorf("webhook: encode: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= n.cfg.RetryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("webhook: %w", ctx.Err())
			case <-time.After(n.cfg.RetryDelay):
			}
		}
		if lastErr = n.send(ctx, body); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("webhook: %s: %w", n.cfg.URL, lastErr)
}

func (n *WebhookNotifier) send(ctx context.Context, body []byte) error {
	reqCtx, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, n.cfg.Method, n.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range n.cfg.Headers {
		req.Header.Set(k, v)
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
