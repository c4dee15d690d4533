package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/weatherhub/weatherhub/internal/telemetry"
)

const maxRequestBodyBytes = 1 << 20

// Server hosts the protocol endpoint in stateless mode: every inbound call
// gets a freshly constructed registry and transport, so concurrent callers
// never share mutable state or collide on request identifiers.
type Server struct {
	srv         *http.Server
	logger      *slog.Logger
	newRegistry RegistryFactory
}

func NewServer(addr string, factory RegistryFactory, logger *slog.Logger) *Server {
	s := &Server{
		logger:      logger,
		newRegistry: factory,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /mcp", s.handleMCP)
	mux.HandleFunc("/mcp", s.handleMethodNotAllowed)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /{$}", s.handleIndex)

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      withLogging(logger, mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler exposes the composed handler for in-process tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func (s *Server) ListenAndServe() error {
	s.logger.Info("mcp server starting", "addr", s.srv.Addr)
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	return s.srv.Serve(ln)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

type jsonRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func errResponse(id any, code int, msg string) jsonRPCResponse {
	return jsonRPCResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: msg}}
}

// transport writes exactly one JSON-RPC response for one HTTP exchange and
// is discarded with it. Never shared across requests.
type transport struct {
	w     http.ResponseWriter
	wrote bool
}

func newTransport(w http.ResponseWriter) *transport {
	return &transport{w: w}
}

func (t *transport) send(resp jsonRPCResponse) {
	if t.wrote {
		return
	}
	t.wrote = true
	t.w.Header().Set("Content-Type", "application/json")
	t.w.WriteHeader(http.StatusOK)
	json.NewEncoder(t.w).Encode(resp)
}

func (t *transport) accept() {
	if t.wrote {
		return
	}
	t.wrote = true
	t.w.WriteHeader(http.StatusAccepted)
}

// release closes out the exchange. A transport that never wrote reports an
// internal error rather than leaving the caller without a body.
func (t *transport) release() {
	if !t.wrote {
		t.send(errResponse(nil, -32603, "Internal server error"))
	}
}

// handleMCP processes exactly one protocol call: fresh registry, fresh
// transport, one dispatch, teardown.
func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	reg := s.newRegistry()
	t := newTransport(w)
	defer t.release()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err != nil {
		t.send(errResponse(nil, -32700, "Parse error"))
		return
	}

	var req jsonRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		t.send(errResponse(nil, -32700, "Parse error"))
		return
	}

	// Notifications carry no id and expect no response body.
	if req.ID == nil && strings.HasPrefix(req.Method, "notifications/") {
		t.accept()
		return
	}

	traceID := uuid.New().String()
	resp := reg.dispatch(r.Context(), traceID, r.Header, req)
	t.send(resp)
}

func (s *Server) handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Allow", http.MethodPost)
	w.WriteHeader(http.StatusMethodNotAllowed)
	json.NewEncoder(w).Encode(errResponse(nil, -32000, "Method not allowed"))
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, telemetry.RenderPrometheus())
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "<!doctype html><html><head><title>weatherhub</title></head><body><h1>weatherhub</h1><p>MCP endpoint: <code>POST /mcp</code></p></body></html>\n")
}

func withLogging(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(sw, r)
		logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration", fmt.Sprintf("%dms", time.Since(start).Milliseconds()),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
