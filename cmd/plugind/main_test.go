package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cordum/plugind/core/infra/config"
	"github.com/cordum/plugind/core/infra/locks"
	"github.com/cordum/plugind/core/plugins/notify"
)

func TestNewLockStoreMemory(t *testing.T) {
	store, closeFn, err := newLockStore("")
	if err != nil {
		t.Fatalf("lock store: %v", err)
	}
	defer closeFn()
	if _, ok := store.(*locks.MemoryStore); !ok {
		t.Fatalf("expected memory store, got %T", store)
	}
}

func TestNewLockStoreRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	store, closeFn, err := newLockStore("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("lock store: %v", err)
	}
	defer closeFn()
	if _, ok := store.(*locks.RedisStore); !ok {
		t.Fatalf("expected redis store, got %T", store)
	}
	if _, _, err := newLockStore("redis://127.0.0.1:1"); err == nil {
		t.Fatalf("expected unreachable redis to fail")
	}
}

func TestNewNotifierWithoutBusFeedsHubAndChat(t *testing.T) {
	var posted map[string]string
	chat := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, _ := r.BasicAuth()
		if user != "plugins" || pass != "pw" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&posted)
	}))
	defer chat.Close()

	hub := notify.NewHub()
	events, cancel := hub.Subscribe(1)
	defer cancel()

	cfg := &config.Config{NotifyURL: chat.URL, NotifyUser: "plugins", NotifyPassword: "pw"}
	notifier, closeFn, err := newNotifier(cfg, hub)
	if err != nil {
		t.Fatalf("notifier: %v", err)
	}
	defer closeFn()

	if err := notifier.Notify(context.Background(), notify.NewInitEvent("weather", "done", nil)); err != nil {
		t.Fatalf("notify: %v", err)
	}
	select {
	case e := <-events:
		if e.Bundle != "weather" {
			t.Fatalf("unexpected event %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatalf("hub not notified")
	}
	if posted["sender"] != "plugin-runtime" || posted["source"] != "plugins" {
		t.Fatalf("unexpected chat payload %v", posted)
	}
}

func TestNewNotifierBadNATS(t *testing.T) {
	cfg := &config.Config{NatsURL: "nats://127.0.0.1:1"}
	if _, _, err := newNotifier(cfg, notify.NewHub()); err == nil {
		t.Fatalf("expected nats dial failure")
	}
}

func TestRunServesUntilCancelled(t *testing.T) {
	cfg := &config.Config{
		PluginsRoot:   t.TempDir(),
		HTTPAddr:      "127.0.0.1:0",
		SkipMigration: true,
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, config.DefaultRuntime()) }()
	time.Sleep(200 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatalf("run did not return")
	}
}
