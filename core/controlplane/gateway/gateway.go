// Package gateway exposes the plugin runtime over HTTP, with a websocket
// event stream, a gRPC health endpoint and a separate metrics listener.
package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/cordum/plugind/core/infra/logging"
	infraMetrics "github.com/cordum/plugind/core/infra/metrics"
	"github.com/cordum/plugind/core/plugins"
	"github.com/cordum/plugind/core/plugins/execution"
	"github.com/cordum/plugind/core/plugins/lifecycle"
	"github.com/cordum/plugind/core/plugins/notify"
)

const (
	maxAdminBodyBytes        = 1 << 20 // 1 MiB for lifecycle calls
	maxToolInputBytes        = 2 << 20 // 2 MiB raw tool input
	defaultInstructionsLimit = 4000
	shutdownTimeout          = 10 * time.Second
)

// ToolRunner runs a single tool.
type ToolRunner interface {
	RunTool(ctx context.Context, bundle, tool string, input []byte) (execution.ToolResult, error)
}

// Lifecycle performs the administrative bundle operations.
type Lifecycle interface {
	Install(ctx context.Context, url string) (*lifecycle.InstallResult, error)
	Update(ctx context.Context, name string) (*lifecycle.UpdateResult, error)
	Remove(ctx context.Context, name string) (*lifecycle.RemoveResult, error)
	Configure(ctx context.Context, name string, values map[string]any) (*lifecycle.ConfigureResult, error)
}

// EventSource feeds the websocket stream.
type EventSource interface {
	Subscribe(buffer int) (<-chan notify.Event, func())
}

// Deps wires a Server.
type Deps struct {
	Root      string
	Tools     ToolRunner
	Lifecycle Lifecycle
	Events    EventSource
	Metrics   infraMetrics.GatewayMetrics
	Auth      AuthProvider

	// InstructionsLimit caps instructions in bundle details, in runes.
	InstructionsLimit int
}

// Addrs lists the listeners Serve opens. An empty address disables that
// listener.
type Addrs struct {
	HTTP    string
	GRPC    string
	Metrics string
}

type server struct {
	root      string
	tools     ToolRunner
	lifecycle Lifecycle
	events    EventSource
	metrics   infraMetrics.GatewayMetrics
	auth      AuthProvider
	excerpt   int
	started   time.Time
}

// Server is the runtime's network front end.
type Server struct {
	s *server
}

func New(d Deps) *Server {
	s := &server{
		root:      d.Root,
		tools:     d.Tools,
		lifecycle: d.Lifecycle,
		events:    d.Events,
		metrics:   d.Metrics,
		auth:      d.Auth,
		excerpt:   d.InstructionsLimit,
		started:   time.Now().UTC(),
	}
	if s.metrics == nil {
		s.metrics = infraMetrics.Noop{}
	}
	if s.excerpt <= 0 {
		s.excerpt = defaultInstructionsLimit
	}
	return &Server{s: s}
}

// Handler returns the full HTTP handler including auth and rate limiting.
func (g *Server) Handler() http.Handler {
	s := g.s
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// Registry reads
	mux.HandleFunc("GET /bundles", s.instrumented("/bundles", s.handleListBundles))
	mux.HandleFunc("GET /bundles/{name}", s.instrumented("/bundles/{name}", s.handleGetBundle))

	// Execution
	mux.HandleFunc("POST /bundles/{name}/tools/{tool}/run", s.instrumented("/bundles/{name}/tools/{tool}/run", s.handleRunTool))

	// Lifecycle
	mux.HandleFunc("POST /install", s.instrumented("/install", s.handleInstall))
	mux.HandleFunc("POST /update", s.instrumented("/update", s.handleUpdate))
	mux.HandleFunc("POST /remove", s.instrumented("/remove", s.handleRemove))
	mux.HandleFunc("POST /configure", s.instrumented("/configure", s.handleConfigure))

	// Stream (WebSocket)
	mux.HandleFunc("GET /events", s.instrumented("/events", s.handleEvents))

	return corsMiddleware(rateLimitMiddleware(apiKeyMiddleware(s.auth, mux)))
}

// Serve runs every configured listener until ctx is cancelled.
func (g *Server) Serve(ctx context.Context, addrs Addrs) error {
	errCh := make(chan error, 3)
	var servers []*http.Server

	if addrs.Metrics != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", infraMetrics.Handler())
		srv := &http.Server{
			Addr:         addrs.Metrics,
			Handler:      metricsMux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		servers = append(servers, srv)
		go func() {
			logging.Info("gateway", "metrics listening", "addr", addrs.Metrics+"/metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logging.Error("gateway", "metrics server error", "error", err)
			}
		}()
	}

	if addrs.GRPC != "" {
		grpcServer, err := newGRPCServer(g.s.auth)
		if err != nil {
			return err
		}
		lis, err := net.Listen("tcp", addrs.GRPC)
		if err != nil {
			return fmt.Errorf("listen grpc (%s): %w", addrs.GRPC, err)
		}
		go func() {
			logging.Info("gateway", "grpc listening", "addr", addrs.GRPC)
			if err := grpcServer.Serve(lis); err != nil {
				logging.Error("gateway", "grpc server error", "error", err)
			}
		}()
		defer grpcServer.GracefulStop()
	}

	// Tool runs and sync init scripts can take well over a minute.
	srv := &http.Server{
		Addr:              addrs.HTTP,
		Handler:           g.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}
	servers = append(servers, srv)
	go func() {
		logging.Info("gateway", "http listening", "addr", addrs.HTTP)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		logging.Error("gateway", "http server error", "error", runErr)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
	return runErr
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack forwards websocket hijacking support to the underlying writer when available.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("hijacker not supported")
	}
	return hj.Hijack()
}

// Flush preserves streaming support if the wrapped writer implements it.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// instrumented wraps handlers to record metrics.
func (s *server) instrumented(route string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		s.metrics.ObserveRequest(r.Method, route, fmt.Sprintf("%d", rec.status), time.Since(start).Seconds())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(plugins.KindOf(err))
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logging.Error("gateway", "request failed", "kind", string(plugins.KindOf(err)), "error", err)
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func statusFor(kind plugins.Kind) int {
	switch kind {
	case plugins.KindInvalidRequestBody, plugins.KindInvalidManifest, plugins.KindInvalidName,
		plugins.KindSourceFetchError, plugins.KindConfigNotSupported, plugins.KindUnknownConfigKey:
		return http.StatusBadRequest
	case plugins.KindNotFound:
		return http.StatusNotFound
	case plugins.KindAlreadyInstalled, plugins.KindBusy:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody reads a JSON object body no larger than maxAdminBodyBytes.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return plugins.Errorf(plugins.KindInvalidRequestBody, "request body exceeds %d bytes", tooLarge.Limit)
		}
		if errors.Is(err, io.EOF) {
			return plugins.Errorf(plugins.KindInvalidRequestBody, "request body is empty")
		}
		return plugins.Errorf(plugins.KindInvalidRequestBody, "invalid json body")
	}
	return nil
}
