package alerts

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/miaquant/safety-kernel/internal/config"
)

func TestWebhookDelivers(t *testing.T) {
	var mu sync.Mutex
	var bodies []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		var m map[string]any
		_ = json.Unmarshal(b, &m)
		mu.Lock()
		bodies = append(bodies, m)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhook(config.Webhook{URL: srv.URL, Channel: "#ops", RatePerMinute: 60})
	defer n.Close()

	n.Notify(Notification{Level: "danger", Source: "health", Title: "redis down", Message: "refused"})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		got := len(bodies)
		mu.Unlock()
		if got == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(bodies))
	}
	if bodies[0]["channel"] != "#ops" {
		t.Errorf("channel = %v, want #ops", bodies[0]["channel"])
	}
	if bodies[0]["text"] != "[danger] redis down: refused" {
		t.Errorf("text = %v", bodies[0]["text"])
	}
}

func TestWebhookTruncatesLongText(t *testing.T) {
	var mu sync.Mutex
	var bodies [][]byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, b)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhook(config.Webhook{URL: srv.URL, Channel: "#ops", RatePerMinute: 60})
	defer n.Close()

	n.Notify(Notification{
		Level:   "danger",
		Source:  "health",
		Title:   "flood",
		Message: strings.Repeat("x", 5000),
	})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		got := len(bodies)
		mu.Unlock()
		if got == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(bodies))
	}

	// The envelope must stay parseable; only the text is cut.
	var m map[string]any
	if err := json.Unmarshal(bodies[0], &m); err != nil {
		t.Fatalf("payload not valid JSON: %v", err)
	}
	text, ok := m["text"].(string)
	if !ok {
		t.Fatalf("text missing from payload: %v", m)
	}
	if len(text) != maxTextLen {
		t.Errorf("text length = %d, want %d", len(text), maxTextLen)
	}
	if m["channel"] != "#ops" {
		t.Errorf("channel = %v, want #ops", m["channel"])
	}
}

func TestWebhookDedupesWithinWindow(t *testing.T) {
	var mu sync.Mutex
	count := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		count++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhook(config.Webhook{URL: srv.URL, RatePerMinute: 60})
	defer n.Close()

	same := Notification{Level: "warning", Source: "cost", Title: "budget pressure", Message: "80%"}
	n.Notify(same)
	n.Notify(same)
	n.Notify(same)

	time.Sleep(300 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("deliveries = %d, want 1 within the dedupe window", count)
	}
}

func TestNoopWhenNoURL(t *testing.T) {
	n := NewWebhook(config.Webhook{})
	if _, ok := n.(Noop); !ok {
		t.Errorf("NewWebhook(empty) = %T, want Noop", n)
	}
	n.Notify(Notification{Level: "critical"}) // must not panic
	n.Close()
}
