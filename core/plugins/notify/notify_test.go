package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

func TestInitEventMessages(t *testing.T) {
	ok := NewInitEvent("weather", "deps installed\n", nil)
	if ok.Kind != KindInitCompleted || !ok.Success || ok.ID == "" {
		t.Fatalf("unexpected event: %+v", ok)
	}
	if msg := ok.Message(); !strings.Contains(msg, `"weather" completed successfully`) || !strings.Contains(msg, "deps installed") {
		t.Fatalf("unexpected message: %s", msg)
	}
	failed := NewInitEvent("weather", "", errors.New("exit code 2: no uv"))
	if failed.Kind != KindInitFailed || failed.Success {
		t.Fatalf("unexpected failure event: %+v", failed)
	}
	if msg := failed.Message(); !strings.Contains(msg, "failed: exit code 2: no uv") {
		t.Fatalf("unexpected failure message: %s", msg)
	}
	long := NewInitEvent("x", strings.Repeat("y", maxMessageOutput+50), nil)
	if !strings.HasSuffix(long.Message(), "...") {
		t.Fatalf("expected clipped output")
	}
}

func TestStructRoundTrip(t *testing.T) {
	e := NewInitEvent("weather", "", errors.New("timed out"))
	s, err := e.Struct()
	if err != nil {
		t.Fatalf("struct: %v", err)
	}
	if s.GetFields()["message"].GetStringValue() == "" {
		t.Fatalf("expected rendered message in struct")
	}
	back := FromStruct(s)
	if back.ID != e.ID || back.Kind != e.Kind || back.Bundle != "weather" || back.Error != "timed out" {
		t.Fatalf("unexpected decoded event: %+v", back)
	}
	if !back.At.Equal(e.At) {
		t.Fatalf("timestamp lost: %v vs %v", back.At, e.At)
	}
}

func TestChatCallback(t *testing.T) {
	var got chatMessage
	var user, pass string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, _ = r.BasicAuth()
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	cb := &ChatCallback{URL: srv.URL, User: "plugins", Password: "pw"}
	if err := cb.Notify(context.Background(), NewInitEvent("weather", "ok", nil)); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if user != "plugins" || pass != "pw" {
		t.Fatalf("unexpected basic auth %q/%q", user, pass)
	}
	if got.Source != "plugins" || got.Sender != "plugin-runtime" || !strings.Contains(got.Message, "weather") {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestChatCallbackStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()
	err := (&ChatCallback{URL: srv.URL}).Notify(context.Background(), NewInitEvent("x", "", nil))
	if err == nil || !strings.Contains(err.Error(), "status 401") {
		t.Fatalf("expected status error, got %v", err)
	}
}

type fakePublisher struct {
	subject string
	event   *structpb.Struct
}

func (f *fakePublisher) Publish(subject string, event *structpb.Struct) error {
	f.subject = subject
	f.event = event
	return nil
}

func TestBusNotifier(t *testing.T) {
	pub := &fakePublisher{}
	n := &BusNotifier{Bus: pub}
	if err := n.Notify(context.Background(), NewInitEvent("weather", "", nil)); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if pub.subject != "plugins.events.init.completed" {
		t.Fatalf("unexpected subject %q", pub.subject)
	}
	if pub.event.GetFields()["bundle"].GetStringValue() != "weather" {
		t.Fatalf("unexpected payload")
	}
}

func TestMultiJoinsErrors(t *testing.T) {
	var delivered int
	m := Multi{
		Func(func(context.Context, Event) error { delivered++; return nil }),
		nil,
		Func(func(context.Context, Event) error { return errors.New("down") }),
		Func(func(context.Context, Event) error { delivered++; return nil }),
	}
	err := m.Notify(context.Background(), NewInitEvent("x", "", nil))
	if err == nil || !strings.Contains(err.Error(), "down") {
		t.Fatalf("expected joined error, got %v", err)
	}
	if delivered != 2 {
		t.Fatalf("expected delivery to continue past failures, got %d", delivered)
	}
}

func TestHubBroadcast(t *testing.T) {
	h := NewHub()
	a, cancelA := h.Subscribe(1)
	b, cancelB := h.Subscribe(1)
	defer cancelA()

	e := NewInitEvent("weather", "", nil)
	if err := h.Notify(context.Background(), e); err != nil {
		t.Fatalf("notify: %v", err)
	}
	for _, ch := range []<-chan Event{a, b} {
		select {
		case got := <-ch:
			if got.ID != e.ID {
				t.Fatalf("unexpected event %+v", got)
			}
		case <-time.After(time.Second):
			t.Fatalf("expected event")
		}
	}

	cancelB()
	cancelB()
	if _, open := <-b; open {
		t.Fatalf("expected closed channel after cancel")
	}
	// Buffer of one: the second event is dropped, not blocking.
	_ = h.Notify(context.Background(), e)
	_ = h.Notify(context.Background(), e)
	if len(a) != 1 {
		t.Fatalf("expected one buffered event, got %d", len(a))
	}
}
