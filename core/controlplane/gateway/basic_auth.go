package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/gorilla/websocket"
	"google.golang.org/grpc/metadata"
)

// #nosec G101 -- protocol label, not a credential.
const wsAPIKeyProtocol = "plugind-api-key"

// AuthContext captures the caller identity attached to a request.
type AuthContext struct {
	APIKey string
	Name   string
}

type authContextKey struct{}

// AuthProvider authenticates HTTP and gRPC callers.
type AuthProvider interface {
	AuthenticateHTTP(r *http.Request) (*AuthContext, error)
	AuthenticateGRPC(ctx context.Context) (*AuthContext, error)
}

func authFromContext(ctx context.Context) *AuthContext {
	if ctx == nil {
		return nil
	}
	if auth, ok := ctx.Value(authContextKey{}).(*AuthContext); ok {
		return auth
	}
	return nil
}

type apiKeyEntry struct {
	Name string `json:"name"`
	Key  string `json:"key"`
}

// BasicAuthProvider checks X-API-Key against keys from the environment. With
// no keys configured every request is let through.
type BasicAuthProvider struct {
	keys          map[string]string
	requireAPIKey bool
}

// NewBasicAuthProvider reads PLUGIND_API_KEYS and PLUGIND_API_KEY.
func NewBasicAuthProvider() (*BasicAuthProvider, error) {
	keys, requireKey, err := loadBasicAPIKeys()
	if err != nil {
		return nil, err
	}
	return &BasicAuthProvider{keys: keys, requireAPIKey: requireKey}, nil
}

func (b *BasicAuthProvider) AuthenticateHTTP(r *http.Request) (*AuthContext, error) {
	if r == nil {
		return nil, errors.New("request required")
	}
	key := normalizeAPIKey(r.Header.Get("X-API-Key"))
	if key == "" && websocket.IsWebSocketUpgrade(r) {
		key = normalizeAPIKey(apiKeyFromWebSocket(r))
	}
	return b.authenticate(key)
}

func (b *BasicAuthProvider) AuthenticateGRPC(ctx context.Context) (*AuthContext, error) {
	key := ""
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if raw := md.Get("x-api-key"); len(raw) > 0 {
			key = normalizeAPIKey(raw[0])
		}
	}
	return b.authenticate(key)
}

func (b *BasicAuthProvider) authenticate(key string) (*AuthContext, error) {
	if b == nil {
		return &AuthContext{}, nil
	}
	if key == "" {
		if b.requireAPIKey {
			return nil, errors.New("api key required")
		}
		return &AuthContext{}, nil
	}
	if len(b.keys) > 0 {
		name, ok := b.keys[key]
		if !ok {
			return nil, errors.New("invalid api key")
		}
		return &AuthContext{APIKey: key, Name: name}, nil
	}
	return &AuthContext{APIKey: key}, nil
}

func loadBasicAPIKeys() (map[string]string, bool, error) {
	keys := map[string]string{}
	requireKey := false

	raw := strings.TrimSpace(os.Getenv("PLUGIND_API_KEYS"))
	if raw != "" {
		entries, err := parseAPIKeys(raw)
		if err != nil {
			return nil, false, err
		}
		for _, entry := range entries {
			if entry.Key == "" {
				continue
			}
			keys[entry.Key] = entry.Name
		}
		requireKey = true
	}

	if single := normalizeAPIKey(os.Getenv("PLUGIND_API_KEY")); single != "" {
		keys[single] = "default"
		requireKey = true
	}
	return keys, requireKey, nil
}

// parseAPIKeys accepts a JSON list, a JSON object keyed by key, or a comma
// separated list of key or name:key entries.
func parseAPIKeys(raw string) ([]apiKeyEntry, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if strings.HasPrefix(raw, "[") {
		var entries []apiKeyEntry
		if err := json.Unmarshal([]byte(raw), &entries); err != nil {
			return nil, fmt.Errorf("parse PLUGIND_API_KEYS: %w", err)
		}
		return entries, nil
	}
	if strings.HasPrefix(raw, "{") {
		entries := map[string]apiKeyEntry{}
		if err := json.Unmarshal([]byte(raw), &entries); err != nil {
			return nil, fmt.Errorf("parse PLUGIND_API_KEYS: %w", err)
		}
		out := make([]apiKeyEntry, 0, len(entries))
		for key, entry := range entries {
			entry.Key = key
			out = append(out, entry)
		}
		return out, nil
	}
	parts := strings.Split(raw, ",")
	entries := make([]apiKeyEntry, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		entry := apiKeyEntry{}
		if name, key, ok := strings.Cut(part, ":"); ok {
			entry.Name = strings.TrimSpace(name)
			entry.Key = strings.TrimSpace(key)
		} else {
			entry.Key = part
		}
		if entry.Key != "" {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func normalizeAPIKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	// Common .env mistake: quoting values (e.g. "super-secret-key").
	key = strings.Trim(key, "\"'")
	return strings.TrimSpace(key)
}

// apiKeyFromWebSocket reads the key from the Sec-WebSocket-Protocol list,
// since browsers cannot set headers on websocket requests.
func apiKeyFromWebSocket(r *http.Request) string {
	if r == nil {
		return ""
	}
	protocols := websocket.Subprotocols(r)
	for i, protocol := range protocols {
		if strings.EqualFold(protocol, wsAPIKeyProtocol) && i+1 < len(protocols) {
			return decodeWSAPIKey(protocols[i+1])
		}
		prefix := strings.ToLower(wsAPIKeyProtocol) + "."
		if strings.HasPrefix(strings.ToLower(protocol), prefix) {
			return decodeWSAPIKey(protocol[len(prefix):])
		}
	}
	return ""
}

func decodeWSAPIKey(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if decoded, err := base64.RawURLEncoding.DecodeString(raw); err == nil {
		return string(decoded)
	}
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil {
		return string(decoded)
	}
	return raw
}

// apiKeyMiddleware enforces API key auth and injects auth context.
func apiKeyMiddleware(auth AuthProvider, next http.Handler) http.Handler {
	if auth == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		authCtx, err := auth.AuthenticateHTTP(r)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		ctx := context.WithValue(r.Context(), authContextKey{}, authCtx)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
