package alerts

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/miaquant/safety-kernel/internal/config"
	"github.com/miaquant/safety-kernel/internal/observ"
)

// Notification is one operator-facing message.
type Notification struct {
	Level     string    `json:"level"` // warning | danger | critical
	Source    string    `json:"source"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier delivers notifications out of band. Delivery is best effort and
// must never block the caller.
type Notifier interface {
	Notify(n Notification)
	Close()
}

// Noop discards every notification. Used when no webhook is configured.
type Noop struct{}

func (Noop) Notify(Notification) {}
func (Noop) Close()              {}

type queued struct {
	n         Notification
	attempts  int
	nextRetry time.Time
}

const (
	queueCap    = 1000
	dedupeTTL   = 60 * time.Second
	maxAttempts = 3
	maxTextLen  = 4000
)

// Webhook posts notifications to an HTTP endpoint through a bounded queue,
// with a 60s dedupe window and a global rate limit. When the queue is full,
// the oldest non-critical entry is dropped before a new one.
type Webhook struct {
	cfg        config.Webhook
	httpClient *http.Client
	queue      chan queued
	limiter    *rate.Limiter

	mu     sync.Mutex
	dedupe map[string]time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWebhook builds and starts a webhook notifier. An empty URL yields the
// no-op notifier.
func NewWebhook(cfg config.Webhook) Notifier {
	if cfg.URL == "" {
		return Noop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Webhook{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		queue:      make(chan queued, queueCap),
		limiter:    rate.NewLimiter(rate.Limit(float64(cfg.RatePerMinute)/60), cfg.RatePerMinute),
		dedupe:     map[string]time.Time{},
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go w.worker()
	go w.cleanup()
	return w
}

// Notify enqueues one notification, applying dedupe and rate limiting.
func (w *Webhook) Notify(n Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}

	hash := dedupeHash(n)
	w.mu.Lock()
	if last, ok := w.dedupe[hash]; ok && time.Since(last) < dedupeTTL {
		w.mu.Unlock()
		observ.IncCounter("mia_notify_deduped_total", nil)
		return
	}
	w.dedupe[hash] = time.Now()
	w.mu.Unlock()

	if !w.limiter.Allow() {
		observ.IncCounter("mia_notify_rate_limited_total", nil)
		return
	}

	w.enqueue(queued{n: n, nextRetry: time.Now()})
}

// enqueue admits an entry, evicting the oldest non-critical one when full.
func (w *Webhook) enqueue(q queued) {
	select {
	case w.queue <- q:
		return
	default:
	}
	select {
	case old := <-w.queue:
		if old.n.Level == "critical" {
			// Keep the critical one, drop the newcomer unless it is
			// critical too.
			if q.n.Level != "critical" {
				q = old
			} else {
				observ.IncCounter("mia_notify_dropped_total", nil)
			}
			select {
			case w.queue <- q:
			default:
				observ.IncCounter("mia_notify_dropped_total", nil)
			}
			return
		}
		observ.IncCounter("mia_notify_dropped_total", nil)
		select {
		case w.queue <- q:
		default:
			observ.IncCounter("mia_notify_dropped_total", nil)
		}
	default:
		select {
		case w.queue <- q:
		default:
			observ.IncCounter("mia_notify_dropped_total", nil)
		}
	}
}

func (w *Webhook) worker() {
	defer close(w.done)
	for {
		select {
		case <-w.ctx.Done():
			return
		case q := <-w.queue:
			if wait := time.Until(q.nextRetry); wait > 0 {
				select {
				case <-w.ctx.Done():
					return
				case <-time.After(wait):
				}
			}
			if w.post(q.n) {
				observ.IncCounter("mia_notify_sent_total", map[string]string{"level": q.n.Level})
				continue
			}
			q.attempts++
			if q.attempts >= maxAttempts {
				observ.IncCounter("mia_notify_errors_total", nil)
				continue
			}
			backoff := time.Duration(math.Pow(2, float64(q.attempts))) * time.Second
			jitter := time.Duration(rand.Float64() * float64(backoff) * 0.1)
			q.nextRetry = time.Now().Add(backoff + jitter)
			w.enqueue(q)
		}
	}
}

func (w *Webhook) post(n Notification) bool {
	text := fmt.Sprintf("[%s] %s: %s", n.Level, n.Title, n.Message)
	if len(text) > maxTextLen {
		text = text[:maxTextLen]
	}
	body := map[string]any{
		"channel": w.cfg.Channel,
		"text":    text,
		"source":  n.Source,
		"ts":      n.Timestamp.Format(time.RFC3339),
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return false
	}
	resp, err := w.httpClient.Post(w.cfg.URL, "application/json", bytes.NewReader(payload))
	if err != nil {
		observ.Warn("notify_webhook_error", map[string]any{"error": err.Error()})
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		observ.Warn("notify_webhook_status", map[string]any{"status": resp.StatusCode})
		return false
	}
	return true
}

// cleanup evicts dedupe entries past their window.
func (w *Webhook) cleanup() {
	t := time.NewTicker(5 * time.Minute)
	defer t.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-t.C:
			cutoff := time.Now().Add(-5 * time.Minute)
			w.mu.Lock()
			for h, ts := range w.dedupe {
				if ts.Before(cutoff) {
					delete(w.dedupe, h)
				}
			}
			w.mu.Unlock()
		}
	}
}

// Close stops the worker; queued entries not yet posted are dropped.
func (w *Webhook) Close() {
	w.cancel()
	select {
	case <-w.done:
	case <-time.After(2 * time.Second):
	}
}

func dedupeHash(n Notification) string {
	h := sha256.Sum256([]byte(n.Level + ":" + n.Source + ":" + n.Title))
	return fmt.Sprintf("%x", h)[:16]
}
