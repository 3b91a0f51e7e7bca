package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mkhmik004/trustwork/native/escrow"
	"github.com/mkhmik004/trustwork/observability"
	telemetry "github.com/mkhmik004/trustwork/observability/otel"
)

const (
	jsonRPCVersion         = "2.0"
	defaultMaxRequestBytes = 1 << 20 // 1 MiB
	defaultAdminScope      = "escrow:admin"
	rpcModule              = "escrow"
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
)

// Server serves the escrow JSON-RPC API and the event websocket.
type Server struct {
	engine     *escrow.Engine
	hub        *Hub
	logger     *slog.Logger
	adminScope string
	maxBody    int64
}

// ServerOption configures a Server.
type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithHub enables the /ws/events stream.
func WithHub(hub *Hub) ServerOption {
	return func(s *Server) { s.hub = hub }
}

// WithAdminScope sets the token scope required for operator methods.
func WithAdminScope(scope string) ServerOption {
	return func(s *Server) {
		if scope != "" {
			s.adminScope = scope
		}
	}
}

func WithMaxBodyBytes(limit int64) ServerOption {
	return func(s *Server) {
		if limit > 0 {
			s.maxBody = limit
		}
	}
}

func NewServer(engine *escrow.Engine, opts ...ServerOption) *Server {
	s := &Server{
		engine:     engine,
		logger:     slog.Default(),
		adminScope: defaultAdminScope,
		maxBody:    defaultMaxRequestBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "rpc")
	return s
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

type methodHandler func(s *Server, w http.ResponseWriter, r *http.Request, req *RPCRequest)

var methods = map[string]methodHandler{
	"escrow_createAgreement":  (*Server).handleCreateAgreement,
	"escrow_releaseMilestone": (*Server).handleReleaseMilestone,
	"escrow_refund":           (*Server).handleRefund,
	"escrow_raiseDispute":     (*Server).handleRaiseDispute,
	"escrow_clearDispute":     (*Server).handleClearDispute,
	"escrow_getContract":      (*Server).handleGetContract,
	"escrow_getMilestone":     (*Server).handleGetMilestone,
	"escrow_getContractCount": (*Server).handleGetContractCount,
	"escrow_listAgreements":   (*Server).handleListAgreements,
	"escrow_getBalance":       (*Server).handleGetBalance,
	"escrow_deposit":          (*Server).handleDeposit,
}

// ServeHTTP handles one JSON-RPC request.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	recorder := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	method := s.handle(recorder, r)
	observability.ModuleMetrics().Observe(rpcModule, method, recorder.status, time.Since(start))
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) string {
	reader := http.MaxBytesReader(w, r.Body, s.maxBody)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", s.maxBody)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return ""
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return ""
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return ""
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return ""
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return ""
	}
	handler, ok := methods[req.Method]
	if !ok {
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "method not found", req.Method)
		return "unknown"
	}
	if s.engine == nil {
		writeError(w, http.StatusServiceUnavailable, req.ID, codeServerError, "escrow engine unavailable", nil)
		return req.Method
	}
	ctx, span := telemetry.Tracer().Start(r.Context(), "rpc."+req.Method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("rpc.system", "jsonrpc"), attribute.String("rpc.method", req.Method)),
	)
	defer span.End()
	handler(s, w, r.WithContext(ctx), req)
	return req.Method
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (s *statusWriter) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
