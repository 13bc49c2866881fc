package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"steward/internal/config"
	"steward/internal/domain"
	"steward/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// webhookDispatcher tails the durable audit trail and posts matching
// entries to each configured hook. Every hook keeps its own cursor; a
// failed delivery is retried from the same entry on the next tick.
type webhookDispatcher struct {
	repo     repo.Repo
	org      string
	webhooks []config.WebhookConfig
	client   *http.Client
	logger   *slog.Logger
	interval time.Duration
	mu       sync.Mutex
	cursors  map[int]int64
}

// StartWebhooks runs the dispatcher until ctx is done. It returns at once
// when no hook is configured or there is no durable store.
func StartWebhooks(ctx context.Context, r *repo.Repo, cfg *config.Config, logger *slog.Logger) {
	if r == nil || cfg == nil || len(cfg.Webhooks) == 0 {
		return
	}
	d := newWebhookDispatcher(*r, cfg, logger)
	go d.run(ctx)
}

func newWebhookDispatcher(r repo.Repo, cfg *config.Config, logger *slog.Logger) *webhookDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &webhookDispatcher{
		repo:     r,
		org:      cfg.Organization.ID,
		webhooks: cfg.Webhooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		logger:   logger,
		interval: defaultWebhookInterval,
		cursors:  make(map[int]int64),
	}
}

func (d *webhookDispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.dispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *webhookDispatcher) dispatchAll(ctx context.Context) {
	for i, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *webhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor := d.cursorFor(ctx, idx)
	records, err := d.repo.AuditAfter(ctx, defaultWebhookBatch, cursor)
	if err != nil {
		d.logger.Warn("webhook: fetch audit entries failed", "error", err)
		return
	}
	filter := newActionFilter(hook.Actions)
	for _, rec := range records {
		if !filter.match(rec.Action) || rec.RiskScore < hook.MinRisk {
			d.setCursor(idx, rec.Seq)
			continue
		}
		if err := d.post(ctx, hook, rec); err != nil {
			d.logger.Warn("webhook: delivery failed", "url", hook.URL, "audit_id", rec.ID, "error", err)
			return
		}
		d.setCursor(idx, rec.Seq)
	}
}

// cursorFor starts a new hook at the current end of the trail, so only
// entries written after startup are delivered.
func (d *webhookDispatcher) cursorFor(ctx context.Context, idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.repo.LatestAuditSeq(ctx)
	if err != nil {
		d.logger.Warn("webhook: init cursor failed", "error", err)
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *webhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookDelivery struct {
	Seq          int64             `json:"seq"`
	Organization string            `json:"organization"`
	Entry        domain.AuditEntry `json:"entry"`
}

func (d *webhookDispatcher) post(ctx context.Context, hook config.WebhookConfig, rec repo.AuditRecord) error {
	data, err := json.Marshal(webhookDelivery{Seq: rec.Seq, Organization: d.org, Entry: rec.AuditEntry})
	if err != nil {
		return err
	}
	client := d.client
	if hook.TimeoutSeconds > 0 {
		if timeout := time.Duration(hook.TimeoutSeconds) * time.Second; timeout != d.client.Timeout {
			client = &http.Client{Timeout: timeout}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Steward-Action", rec.Action)
	req.Header.Set("X-Steward-Delivery", rec.ID)
	req.Header.Set("X-Steward-Organization", d.org)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Steward-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type actionFilter struct {
	all bool
	set map[string]struct{}
}

func newActionFilter(actions []string) actionFilter {
	set := make(map[string]struct{}, len(actions))
	for _, a := range actions {
		if key := strings.TrimSpace(a); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return actionFilter{all: true}
	}
	return actionFilter{set: set}
}

func (f actionFilter) match(action string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[action]
	return ok
}
