package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cordum/plugind/core/infra/buildinfo"
	"github.com/cordum/plugind/core/infra/bus"
	"github.com/cordum/plugind/core/infra/logging"
	"google.golang.org/protobuf/types/known/structpb"
)

// Notifier delivers an event somewhere outside the request path.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, e Event) error

func (f Func) Notify(ctx context.Context, e Event) error { return f(ctx, e) }

// Multi fans an event out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, e Event) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, e); err != nil {
			logging.Error("notify", "delivery failed", "event", e.ID, "bundle", e.Bundle, "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ChatCallback posts the event text to the host agent's chat endpoint.
type ChatCallback struct {
	URL      string
	User     string
	Password string
	Client   *http.Client
}

type chatMessage struct {
	Message string `json:"message"`
	Source  string `json:"source"`
	Sender  string `json:"sender"`
}

func (c *ChatCallback) Notify(ctx context.Context, e Event) error {
	body, err := json.Marshal(chatMessage{Message: e.Message(), Source: "plugins", Sender: "plugin-runtime"})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", buildinfo.UserAgent("plugind"))
	if c.Password != "" {
		req.SetBasicAuth(c.User, c.Password)
	}
	client := c.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post chat callback: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("chat callback status %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}
	return nil
}

// Publisher is the part of the bus used for events.
type Publisher interface {
	Publish(subject string, event *structpb.Struct) error
}

// BusNotifier publishes events on plugins.events.<kind>.
type BusNotifier struct {
	Bus Publisher
}

func (b *BusNotifier) Notify(_ context.Context, e Event) error {
	payload, err := e.Struct()
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return b.Bus.Publish(bus.EventSubject(e.Kind), payload)
}

// Hub broadcasts events to in-process subscribers. Slow subscribers miss
// events rather than blocking delivery.
type Hub struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func NewHub() *Hub {
	return &Hub{subs: map[int]chan Event{}}
}

// Subscribe registers a buffered channel; the returned func unregisters it.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) Notify(_ context.Context, e Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		select {
		case ch <- e:
		default:
			logging.Warn("notify", "dropping event for slow subscriber", "subscriber", id, "event", e.ID)
		}
	}
	return nil
}
