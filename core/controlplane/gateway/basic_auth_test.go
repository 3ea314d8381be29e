package gateway

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func newBasicAuthForTest(t *testing.T, env map[string]string) *BasicAuthProvider {
	t.Helper()
	for _, key := range []string{"PLUGIND_API_KEYS", "PLUGIND_API_KEY"} {
		t.Setenv(key, "")
	}
	for key, value := range env {
		t.Setenv(key, value)
	}
	provider, err := NewBasicAuthProvider()
	if err != nil {
		t.Fatalf("new basic auth provider: %v", err)
	}
	return provider
}

func TestParseAPIKeysFormats(t *testing.T) {
	entries, err := parseAPIKeys(`[{"name":"ops","key":"k1"}]`)
	if err != nil || len(entries) != 1 || entries[0].Key != "k1" || entries[0].Name != "ops" {
		t.Fatalf("parse list: %+v %v", entries, err)
	}
	entries, err = parseAPIKeys(`{"k2":{"name":"ci"}}`)
	if err != nil || len(entries) != 1 || entries[0].Key != "k2" || entries[0].Name != "ci" {
		t.Fatalf("parse map: %+v %v", entries, err)
	}
	entries, err = parseAPIKeys("ops:k3, k4 ,")
	if err != nil || len(entries) != 2 {
		t.Fatalf("parse csv: %+v %v", entries, err)
	}
	if entries[0].Name != "ops" || entries[0].Key != "k3" || entries[1].Key != "k4" {
		t.Fatalf("unexpected csv entries: %+v", entries)
	}
	if _, err := parseAPIKeys(`[{"key":`); err == nil {
		t.Fatalf("expected error for malformed json")
	}
}

func TestBasicAuthOpenWithoutKeys(t *testing.T) {
	provider := newBasicAuthForTest(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/bundles", nil)
	if _, err := provider.AuthenticateHTTP(req); err != nil {
		t.Fatalf("expected open access: %v", err)
	}
}

func TestBasicAuthKeys(t *testing.T) {
	provider := newBasicAuthForTest(t, map[string]string{
		"PLUGIND_API_KEYS": "ops:k1",
		"PLUGIND_API_KEY":  `"k2"`,
	})
	cases := map[string]bool{"": false, "nope": false, "k1": true, "k2": true}
	for key, ok := range cases {
		req := httptest.NewRequest(http.MethodGet, "/bundles", nil)
		if key != "" {
			req.Header.Set("X-API-Key", key)
		}
		auth, err := provider.AuthenticateHTTP(req)
		if ok != (err == nil) {
			t.Fatalf("key %q: ok=%v err=%v", key, ok, err)
		}
		if key == "k1" && auth.Name != "ops" {
			t.Fatalf("expected key name ops, got %q", auth.Name)
		}
	}
}

func TestBasicAuthWebSocketProtocol(t *testing.T) {
	provider := newBasicAuthForTest(t, map[string]string{"PLUGIND_API_KEY": "k1"})
	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Protocol", wsAPIKeyProtocol+", "+base64.RawURLEncoding.EncodeToString([]byte("k1")))
	if _, err := provider.AuthenticateHTTP(req); err != nil {
		t.Fatalf("expected websocket key accepted: %v", err)
	}
}

func TestBasicAuthGRPCMetadata(t *testing.T) {
	provider := newBasicAuthForTest(t, map[string]string{"PLUGIND_API_KEY": "k1"})
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-api-key", "k1"))
	if _, err := provider.AuthenticateGRPC(ctx); err != nil {
		t.Fatalf("grpc auth: %v", err)
	}
	if _, err := provider.AuthenticateGRPC(context.Background()); err == nil {
		t.Fatalf("expected missing key to fail")
	}
}

func TestUnaryInterceptor(t *testing.T) {
	provider := newBasicAuthForTest(t, map[string]string{"PLUGIND_API_KEY": "k1"})
	interceptor := apiKeyUnaryInterceptor(provider)
	handler := func(ctx context.Context, _ any) (any, error) {
		return authFromContext(ctx), nil
	}

	_, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/x.Y/Z"}, handler)
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected unauthenticated, got %v", err)
	}
	if _, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: healthpb.Health_Check_FullMethodName}, handler); err != nil {
		t.Fatalf("health check must be public: %v", err)
	}
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-api-key", "k1"))
	out, err := interceptor(ctx, nil, &grpc.UnaryServerInfo{FullMethod: "/x.Y/Z"}, handler)
	if err != nil {
		t.Fatalf("authorized call: %v", err)
	}
	if auth, _ := out.(*AuthContext); auth == nil || auth.APIKey != "k1" {
		t.Fatalf("auth context not injected: %#v", out)
	}
}
