package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/remitwatch/internal/core/domain"
	"github.com/vietddude/remitwatch/internal/indexing/metrics"
)

// AlertType categorizes the kind of alert.
type AlertType string

const (
	AlertTypeHalted            AlertType = "HALTED"
	AlertTypeSourceUnavailable AlertType = "SOURCE_UNAVAILABLE"
	AlertTypeReorg             AlertType = "REORG"
	AlertTypeBalanceDrift      AlertType = "BALANCE_DRIFT"
	AlertTypeRecovered         AlertType = "RECOVERED"
)

// Alert represents a single alert event.
type Alert struct {
	Type    AlertType
	Chain   string
	Title   string
	Message string
	Block   uint64
	Fatal   bool
	Fields  map[string]string
}

// Alerter is the interface for sending alerts.
type Alerter interface {
	Send(ctx context.Context, alert Alert) error
}

// MultiAlerter fans out alerts to multiple channels.
type MultiAlerter struct {
	alerters []Alerter
	cooldown time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// NewMultiAlerter creates a new multi-channel alerter with cooldown.
func NewMultiAlerter(cooldown time.Duration, logger *slog.Logger, alerters ...Alerter) *MultiAlerter {
	return &MultiAlerter{
		alerters: alerters,
		cooldown: cooldown,
		logger:   logger.With("component", "alerter"),
		now:      time.Now,
		lastSent: make(map[string]time.Time),
	}
}

func cooldownKey(a Alert) string {
	return fmt.Sprintf("%s:%s", a.Type, a.Chain)
}

// Send dispatches alert to all channels, respecting cooldown. Fatal alerts
// bypass the cooldown.
func (m *MultiAlerter) Send(ctx context.Context, alert Alert) error {
	key := cooldownKey(alert)

	m.mu.Lock()
	if last, ok := m.lastSent[key]; ok && !alert.Fatal && m.now().Sub(last) < m.cooldown {
		m.mu.Unlock()
		m.logger.Debug("alert suppressed by cooldown", "key", key)
		metrics.AlertsSuppressed.WithLabelValues(string(alert.Type)).Inc()
		return nil
	}
	m.lastSent[key] = m.now()
	m.mu.Unlock()

	var firstErr error
	for _, a := range m.alerters {
		if err := a.Send(ctx, alert); err != nil {
			m.logger.Warn("alert send failed",
				"channel", alerterName(a),
				"type", alert.Type,
				"error", err,
			)
			if firstErr == nil {
				firstErr = err
			}
		} else {
			metrics.AlertsSent.WithLabelValues(alerterName(a), string(alert.Type)).Inc()
		}
	}
	return firstErr
}

func alerterName(a Alerter) string {
	switch a.(type) {
	case *LogAlerter:
		return "log"
	case *RedisAlerter:
		return "redis"
	case *WebhookAlerter:
		return "webhook"
	default:
		return "unknown"
	}
}

// LogAlerter writes alerts to the process log.
type LogAlerter struct {
	logger *slog.Logger
}

func NewLogAlerter(logger *slog.Logger) *LogAlerter {
	return &LogAlerter{logger: logger.With("component", "alert")}
}

func (l *LogAlerter) Send(ctx context.Context, alert Alert) error {
	args := []any{
		"type", alert.Type,
		"chain", alert.Chain,
		"block", alert.Block,
		"message", alert.Message,
	}
	for k, v := range alert.Fields {
		args = append(args, k, v)
	}
	if alert.Fatal {
		l.logger.ErrorContext(ctx, alert.Title, args...)
	} else {
		l.logger.WarnContext(ctx, alert.Title, args...)
	}
	return nil
}

// IncidentStore persists incidents for operators.
type IncidentStore interface {
	Add(ctx context.Context, inc *domain.Incident) error
}

// RedisAlerter records each alert as an incident in the Redis queue.
type RedisAlerter struct {
	store IncidentStore
	now   func() time.Time
}

func NewRedisAlerter(store IncidentStore) *RedisAlerter {
	return &RedisAlerter{store: store, now: time.Now}
}

func (r *RedisAlerter) Send(ctx context.Context, alert Alert) error {
	msg := alert.Title
	if alert.Message != "" {
		msg = alert.Title + ": " + alert.Message
	}
	return r.store.Add(ctx, &domain.Incident{
		ID:        uuid.NewString(),
		ChainID:   alert.Chain,
		Kind:      string(alert.Type),
		Message:   msg,
		Block:     alert.Block,
		Fatal:     alert.Fatal,
		CreatedAt: r.now().UTC(),
	})
}

// WebhookAlerter posts alerts to a generic HTTP webhook.
type WebhookAlerter struct {
	url    string
	client *http.Client
}

// NewWebhookAlerter creates a generic webhook alerter.
func NewWebhookAlerter(url string) *WebhookAlerter {
	return &WebhookAlerter{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Send sends an alert to the webhook endpoint.
func (w *WebhookAlerter) Send(ctx context.Context, alert Alert) error {
	payload := map[string]any{
		"type":    string(alert.Type),
		"chain":   alert.Chain,
		"title":   alert.Title,
		"message": alert.Message,
		"block":   alert.Block,
		"fatal":   alert.Fatal,
		"fields":  alert.Fields,
		"time":    time.Now().UTC().Format(time.RFC3339),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// NoopAlerter does nothing. Used in tests and when alerting is disabled.
type NoopAlerter struct{}

func (n *NoopAlerter) Send(_ context.Context, _ Alert) error { return nil }
