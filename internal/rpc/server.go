// Package rpc provides the JSON-RPC 2.0 server for the swap engine daemon.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Klingon-tech/swapengine/internal/chain"
	"github.com/Klingon-tech/swapengine/internal/quote"
	"github.com/Klingon-tech/swapengine/internal/swap"
	"github.com/Klingon-tech/swapengine/internal/watcher"
	"github.com/Klingon-tech/swapengine/pkg/logging"
)

// Server is a JSON-RPC 2.0 server.
type Server struct {
	coord   *swap.Coordinator
	quotes  *quote.Negotiator
	watcher *watcher.Watcher
	network chain.Network
	log     *logging.Logger
	wsHub   *WSHub
	started time.Time

	allowedOrigins []string

	server   *http.Server
	listener net.Listener

	unsubscribe func()

	handlers map[string]Handler
	mu       sync.RWMutex
}

// Handler is a JSON-RPC method handler.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error represents a JSON-RPC 2.0 error.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ErrorData is attached to every swap error so clients can tell a retry
// from a dead end.
type ErrorData struct {
	Class  swap.Class `json:"class"`
	SwapID string     `json:"swap_id,omitempty"`
}

// Standard error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Engine error codes, one per error class.
const (
	CodeInvalid    = -32001
	CodeRetry      = -32002
	CodeFatal      = -32003
	CodeDivergence = -32004
	CodeNotFound   = -32005
)

// ServerConfig wires the server to the engine.
type ServerConfig struct {
	Coordinator *swap.Coordinator
	Quotes      *quote.Negotiator
	Watcher     *watcher.Watcher
	Network     chain.Network

	// AllowedOrigins restricts WebSocket upgrades. Empty allows all.
	AllowedOrigins []string
}

// NewServer creates a new JSON-RPC server.
func NewServer(cfg ServerConfig) *Server {
	s := &Server{
		coord:          cfg.Coordinator,
		quotes:         cfg.Quotes,
		watcher:        cfg.Watcher,
		network:        cfg.Network,
		allowedOrigins: cfg.AllowedOrigins,
		log:            logging.GetDefault().Component("rpc"),
		wsHub:          NewWSHub(),
		started:        time.Now(),
		handlers:       make(map[string]Handler),
	}
	s.registerHandlers()
	return s
}

func (s *Server) registerHandlers() {
	s.handlers["engine_info"] = s.engineInfo

	// Quotes and secrets
	s.handlers["swap_quote"] = s.swapQuote
	s.handlers["swap_generateSecret"] = s.swapGenerateSecret

	// Swap lifecycle
	s.handlers["swap_create"] = s.swapCreate
	s.handlers["swap_fill"] = s.swapFill
	s.handlers["swap_redeem"] = s.swapRedeem
	s.handlers["swap_refund"] = s.swapRefund
	s.handlers["swap_get"] = s.swapGet
	s.handlers["swap_list"] = s.swapList
	s.handlers["swap_fills"] = s.swapFills
	s.handlers["swap_reconcile"] = s.swapReconcile

	// Relayers
	s.handlers["relayer_register"] = s.relayerRegister
	s.handlers["relayer_deactivate"] = s.relayerDeactivate
	s.handlers["relayer_get"] = s.relayerGet
	s.handlers["relayer_list"] = s.relayerList
}

// Handler returns the HTTP handler serving JSON-RPC on / and WebSocket on /ws.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /", s.handleRPC)
	mux.HandleFunc("POST /{$}", s.handleRPC)
	mux.HandleFunc("OPTIONS /", s.handleCORS)
	mux.HandleFunc("OPTIONS /{$}", s.handleCORS)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /ws/", s.handleWS)
	return corsMiddleware(mux)
}

// Start starts the RPC server and begins streaming coordinator events to
// WebSocket clients.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.StartEvents()

	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("RPC server error", "error", err)
		}
	}()

	s.log.Info("RPC server started", "addr", listener.Addr().String(), "ws", "ws://"+listener.Addr().String()+"/ws")
	return nil
}

// StartEvents runs the WebSocket hub and forwards coordinator events to it.
// Start calls it; tests serving Handler directly call it themselves.
func (s *Server) StartEvents() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unsubscribe != nil {
		return
	}

	go s.wsHub.Run()
	events, cancel := s.coord.Subscribe(256)
	s.unsubscribe = cancel
	go func() {
		for ev := range events {
			s.wsHub.Broadcast(ev)
		}
	}()
}

// Stop stops the RPC server.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.mu.Unlock()
	s.wsHub.Stop()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// handleRPC handles incoming JSON-RPC requests.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, nil, ParseError, "Parse error", nil)
		return
	}

	if req.JSONRPC != "2.0" {
		s.writeError(w, req.ID, InvalidRequest, "Invalid Request", nil)
		return
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()

	if !ok {
		s.writeError(w, req.ID, MethodNotFound, "Method not found", req.Method)
		return
	}

	result, err := handler(r.Context(), req.Params)
	if err != nil {
		code, data := errorCode(err)
		if code == InternalError {
			s.log.Warn("RPC call failed", "method", req.Method, "error", err)
		}
		s.writeError(w, req.ID, code, err.Error(), data)
		return
	}

	s.writeResult(w, req.ID, result)
}

// paramsError marks a request whose params could not be decoded.
type paramsError struct{ err error }

func (e *paramsError) Error() string { return "invalid params: " + e.err.Error() }
func (e *paramsError) Unwrap() error { return e.err }

func invalidParams(format string, args ...interface{}) error {
	return &paramsError{err: fmt.Errorf(format, args...)}
}

// decodeParams unmarshals params into v. Missing params decode as {}.
func decodeParams(params json.RawMessage, v interface{}) error {
	if len(params) == 0 || string(params) == "null" {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return &paramsError{err: err}
	}
	return nil
}

// errorCode maps a handler error to a JSON-RPC code and error data.
func errorCode(err error) (int, interface{}) {
	var pe *paramsError
	if errors.As(err, &pe) {
		return InvalidParams, nil
	}

	data := &ErrorData{Class: swap.Classify(err)}
	var conflictErr *swap.ConflictError
	var divergence *swap.StateDivergenceError
	switch {
	case errors.As(err, &conflictErr):
		data.SwapID = conflictErr.SwapID
	case errors.As(err, &divergence):
		data.SwapID = divergence.SwapID
	}

	switch {
	case errors.Is(err, swap.ErrSwapNotFound), errors.Is(err, quote.ErrQuoteNotFound), errors.Is(err, swap.ErrRelayerNotFound):
		return CodeNotFound, data
	}
	switch data.Class {
	case swap.ClassRetry:
		return CodeRetry, data
	case swap.ClassFatal:
		return CodeFatal, data
	case swap.ClassDivergence:
		return CodeDivergence, data
	case swap.ClassInvalid:
		return CodeInvalid, data
	}
	return InternalError, data
}

// writeResult writes a successful response.
func (s *Server) writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := Response{
		JSONRPC: "2.0",
		Result:  result,
		ID:      id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, id interface{}, code int, message string, data interface{}) {
	resp := Response{
		JSONRPC: "2.0",
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// WSHub returns the WebSocket hub.
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}

// handleCORS handles CORS preflight requests.
func (s *Server) handleCORS(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// corsMiddleware adds CORS headers to all responses.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
