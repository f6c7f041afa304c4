package notify

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tos-network/apow-miner/internal/config"
	"github.com/tos-network/apow-miner/internal/storage"
)

func testSolution() *storage.Solution {
	return &storage.Solution{
		JobID:    "job-42",
		Nonce:    "0x00000000deadbeef",
		Epoch:    3,
		DeviceID: 1,
		Device:   "emu-cuda",
	}
}

func TestNewNotifier(t *testing.T) {
	cfg := &config.NotifyConfig{Enabled: true, DiscordURL: "https://discord.com/api/webhooks/test"}

	n := NewNotifier(cfg, "rig-1")

	if n == nil {
		t.Fatal("NewNotifier returned nil")
	}
	if n.cfg != cfg || n.name != "rig-1" {
		t.Error("Notifier fields not set correctly")
	}
	if n.client.Timeout != 10*time.Second {
		t.Errorf("Client timeout = %v, want 10s", n.client.Timeout)
	}
	if n.retries() != MaxRetries || n.baseDelay() != RetryBaseDelay {
		t.Errorf("retry defaults = %d, %v", n.retries(), n.baseDelay())
	}
}

func TestNotifyDisabled(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer server.Close()

	n := NewNotifier(&config.NotifyConfig{Enabled: false, DiscordURL: server.URL}, "rig")
	n.NotifySolution(testSolution())
	n.NotifyEpochSwitch(1, 2, 1<<30)
	n.NotifyDatasetFailure(2, errors.New("out of memory"))
	n.Wait()

	if atomic.LoadInt32(&hits) != 0 {
		t.Errorf("disabled notifier sent %d requests", hits)
	}
}

func TestDiscordNotifications(t *testing.T) {
	var (
		mu       sync.Mutex
		messages []DiscordMessage
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Content-Type = %s", r.Header.Get("Content-Type"))
		}
		var msg DiscordMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			t.Errorf("Failed to decode message: %v", err)
		}
		mu.Lock()
		messages = append(messages, msg)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	n := NewNotifier(&config.NotifyConfig{Enabled: true, DiscordURL: server.URL}, "rig-1")

	tests := []struct {
		send  func()
		title string
		color int
		field string
	}{
		{func() { n.NotifySolution(testSolution()) }, "Solution Found!", colorSolution, "0x00000000deadbeef"},
		{func() { n.NotifyEpochSwitch(3, 4, 2<<30) }, "Epoch Switch", colorEpoch, "2.00 GiB"},
		{func() { n.NotifyDatasetFailure(4, errors.New("CL_OUT_OF_RESOURCES")) }, "Dataset Generation Failed", colorFailure, "CL_OUT_OF_RESOURCES"},
	}

	for i, tt := range tests {
		tt.send()
		n.Wait()

		mu.Lock()
		if len(messages) != i+1 {
			mu.Unlock()
			t.Fatalf("got %d messages, want %d", len(messages), i+1)
		}
		embed := messages[i].Embeds[0]
		mu.Unlock()

		if embed.Title != tt.title || embed.Color != tt.color {
			t.Errorf("embed = %q %#x, want %q %#x", embed.Title, embed.Color, tt.title, tt.color)
		}
		if embed.Footer == nil || embed.Footer.Text != "rig-1" {
			t.Errorf("footer = %+v", embed.Footer)
		}
		found := false
		for _, f := range embed.Fields {
			if f.Value == tt.field {
				found = true
			}
		}
		if !found {
			t.Errorf("%s: no field with value %q in %+v", tt.title, tt.field, embed.Fields)
		}
	}
}

func TestTelegramNotification(t *testing.T) {
	var (
		mu   sync.Mutex
		got  TelegramMessage
		path string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		path = r.URL.Path
		json.NewDecoder(r.Body).Decode(&got)
	}))
	defer server.Close()

	n := NewNotifier(&config.NotifyConfig{
		Enabled:      true,
		TelegramBot:  "123:ABC",
		TelegramChat: "-100",
		TelegramAPI:  server.URL,
	}, "rig-1")

	n.NotifySolution(testSolution())
	n.Wait()

	mu.Lock()
	defer mu.Unlock()
	if path != "/bot123:ABC/sendMessage" {
		t.Errorf("path = %s", path)
	}
	if got.ChatID != "-100" || got.ParseMode != "Markdown" {
		t.Errorf("message = %+v", got)
	}
	if !strings.Contains(got.Text, "Solution Found!") || !strings.Contains(got.Text, "job-42") {
		t.Errorf("text = %q", got.Text)
	}
}

func TestRetryOnFailure(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := NewNotifier(&config.NotifyConfig{
		Enabled:    true,
		DiscordURL: server.URL,
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
	}, "rig")

	if err := n.postWithRetry(server.URL, []byte("{}")); err != nil {
		t.Errorf("postWithRetry = %v", err)
	}
	if atomic.LoadInt32(&attempts) != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetryGivesUp(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	n := NewNotifier(&config.NotifyConfig{MaxRetries: 2, RetryDelay: time.Millisecond}, "rig")

	err := n.postWithRetry(server.URL, []byte("{}"))
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Errorf("postWithRetry = %v, want status 429", err)
	}
	if atomic.LoadInt32(&attempts) != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestTruncateID(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"short", "short"},
		{"exactly-twenty-chars", "exactly-twenty-chars"},
		{"0123456789abcdef0123456789abcdef", "01234567...89abcdef"},
	}
	for _, tt := range tests {
		if got := truncateID(tt.in); got != tt.want {
			t.Errorf("truncateID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
