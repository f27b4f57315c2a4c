package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"govline/internal/config"
	"govline/internal/domain"
	"govline/internal/engine"
	"govline/internal/metrics"
)

const (
	defaultWebhookInterval   = 2 * time.Second
	defaultWebhookTimeout    = 5 * time.Second
	defaultWebhookBatch      = 100
	defaultWebhookMaxElapsed = 30 * time.Second
)

type webhookDispatcher struct {
	engine     engine.Engine
	webhooks   []config.WebhookConfig
	client     *http.Client
	logger     *zap.Logger
	interval   time.Duration
	maxElapsed time.Duration
	mu         sync.Mutex
	cursors    map[int]int64
}

// StartWebhookDispatcher polls the audit log and posts new events to every
// enabled webhook until ctx is done. Delivery is at-least-once per hook.
func StartWebhookDispatcher(ctx context.Context, e engine.Engine, logger *zap.Logger) {
	d := newWebhookDispatcher(e, logger)
	if d == nil {
		return
	}
	go d.run(ctx)
}

func newWebhookDispatcher(e engine.Engine, logger *zap.Logger) *webhookDispatcher {
	if e.Config == nil || len(e.Config.Webhooks) == 0 {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &webhookDispatcher{
		engine:     e,
		webhooks:   e.Config.Webhooks,
		client:     &http.Client{Timeout: defaultWebhookTimeout},
		logger:     logger.Named("webhooks"),
		interval:   defaultWebhookInterval,
		maxElapsed: defaultWebhookMaxElapsed,
		cursors:    make(map[int]int64),
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
	events, err := d.engine.Repo.EventsAfter(ctx, defaultWebhookBatch, cursor)
	if err != nil {
		d.logger.Warn("fetch events failed", zap.Error(err))
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		if !filter.match(evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		if err := d.deliver(ctx, hook, evt); err != nil {
			var derr deliveryError
			if errors.As(err, &derr) && derr.permanent() {
				// Retrying cannot help; skip the event so later ones still flow.
				metrics.WebhookDeliveries.WithLabelValues("dropped").Inc()
				d.logger.Error("webhook rejected event, skipping",
					zap.String("url", hook.URL),
					zap.Int64("event_id", evt.ID),
					zap.Int("status", derr.status),
					zap.Error(err))
				d.setCursor(idx, evt.ID)
				continue
			}
			metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
			d.logger.Warn("webhook delivery failed",
				zap.String("url", hook.URL),
				zap.Int64("event_id", evt.ID),
				zap.Error(err))
			return
		}
		metrics.WebhookDeliveries.WithLabelValues("delivered").Inc()
		d.setCursor(idx, evt.ID)
	}
}

// cursorFor starts a hook at the current end of the log so a restart does not
// replay history.
func (d *webhookDispatcher) cursorFor(ctx context.Context, idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.engine.Repo.LatestEventID(ctx)
	if err != nil {
		d.logger.Warn("init cursor failed", zap.Error(err))
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

type webhookEvent struct {
	ID          int64           `json:"id"`
	Type        string          `json:"type"`
	EntityKind  string          `json:"entity_kind"`
	EntityID    string          `json:"entity_id,omitempty"`
	DirectiveID string          `json:"directive_id,omitempty"`
	ActorID     string          `json:"actor_id"`
	TS          string          `json:"ts"`
	Payload     json.RawMessage `json:"payload"`
}

type deliveryError struct {
	status int
	body   string
}

func (e deliveryError) Error() string {
	return fmt.Sprintf("status %d: %s", e.status, e.body)
}

// permanent reports a client error other than rate limiting.
func (e deliveryError) permanent() bool {
	return e.status < 500 && e.status != http.StatusTooManyRequests
}

func (d *webhookDispatcher) deliver(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	data, err := json.Marshal(webhookEvent{
		ID:          evt.ID,
		Type:        evt.Type,
		EntityKind:  evt.EntityKind,
		EntityID:    evt.EntityID,
		DirectiveID: evt.DirectiveID,
		ActorID:     evt.ActorID,
		TS:          evt.TS,
		Payload:     payload,
	})
	if err != nil {
		return err
	}
	client := d.client
	if hook.TimeoutSeconds > 0 {
		client = &http.Client{Timeout: time.Duration(hook.TimeoutSeconds) * time.Second}
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = d.maxElapsed
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Govline-Event", evt.Type)
		req.Header.Set("X-Govline-Delivery", fmt.Sprintf("%d", evt.ID))
		if strings.TrimSpace(hook.Secret) != "" {
			req.Header.Set("X-Govline-Secret", hook.Secret)
		}
		res, err := client.Do(req)
		if err != nil {
			return err
		}
		defer res.Body.Close()
		if res.StatusCode >= 200 && res.StatusCode < 300 {
			return nil
		}
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		derr := deliveryError{status: res.StatusCode, body: strings.TrimSpace(string(body))}
		if derr.permanent() {
			return backoff.Permanent(derr)
		}
		return derr
	}
	notify := func(err error, wait time.Duration) {
		d.logger.Debug("retrying webhook", zap.String("url", hook.URL), zap.Duration("wait", wait), zap.Error(err))
	}
	return backoff.RetryNotify(op, backoff.WithContext(bo, ctx), notify)
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
