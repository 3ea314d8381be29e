package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cordum/plugind/core/plugins/notify"
	"github.com/gorilla/websocket"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestEventStreamDeliversNotifications(t *testing.T) {
	hub := notify.NewHub()
	srv := httptest.NewServer(New(Deps{Root: t.TempDir(), Events: hub}).Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}

	// The subscription is registered after the upgrade completes.
	deadline := time.Now().Add(2 * time.Second)
	_ = conn.SetReadDeadline(deadline)
	received := make(chan []byte, 1)
	go func() {
		_, data, err := conn.ReadMessage()
		if err == nil {
			received <- data
		}
		close(received)
	}()

	event := notify.NewInitEvent("weather", "ready", nil)
	var data []byte
	for data == nil && time.Now().Before(deadline) {
		_ = hub.Notify(context.Background(), event)
		select {
		case data = <-received:
		case <-time.After(50 * time.Millisecond):
		}
	}
	if data == nil {
		t.Fatalf("no event received")
	}
	var payload structpb.Struct
	if err := protojson.Unmarshal(data, &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	got := notify.FromStruct(&payload)
	if got.Bundle != "weather" || got.Kind != notify.KindInitCompleted || !got.Success {
		t.Fatalf("unexpected event %+v", got)
	}
}

func TestEventStreamRequiresKey(t *testing.T) {
	auth := newBasicAuthForTest(t, map[string]string{"PLUGIND_API_KEY": "k1"})
	srv := httptest.NewServer(New(Deps{Root: t.TempDir(), Events: notify.NewHub(), Auth: auth}).Handler())
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v %v", resp, err)
	}

	header := http.Header{}
	header.Set("X-API-Key", "k1")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial with key: %v", err)
	}
	conn.Close()
}

func TestEventStreamDisabled(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(http.MethodGet, "/events", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestGRPCHealthServing(t *testing.T) {
	srv, err := newGRPCServer(newBasicAuthForTest(t, map[string]string{"PLUGIND_API_KEY": "k1"}))
	if err != nil {
		t.Fatalf("new grpc server: %v", err)
	}
	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()
	defer srv.Stop()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		t.Fatalf("health check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("unexpected status %v", resp.GetStatus())
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- New(Deps{Root: t.TempDir()}).Serve(ctx, Addrs{HTTP: "127.0.0.1:0"})
	}()
	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatalf("serve did not stop")
	}
}
