// Package rpc provides the JSON-RPC 2.0 and WebSocket API of the relay.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/klingon-exchange/bridge-relay/internal/apperr"
	"github.com/klingon-exchange/bridge-relay/internal/events"
	"github.com/klingon-exchange/bridge-relay/internal/fill"
	"github.com/klingon-exchange/bridge-relay/internal/gas"
	"github.com/klingon-exchange/bridge-relay/internal/health"
	"github.com/klingon-exchange/bridge-relay/internal/orders"
	"github.com/klingon-exchange/bridge-relay/internal/subscription"
	"github.com/klingon-exchange/bridge-relay/internal/swap"
	"github.com/klingon-exchange/bridge-relay/internal/worker"
	"github.com/klingon-exchange/bridge-relay/pkg/logging"
)

// Version of the relay.
const Version = "0.1.0-dev"

// Config wires the server to the engine components. Nil components leave
// their methods unregistered.
type Config struct {
	Coordinator   *swap.Coordinator
	Monitors      *swap.Monitors
	Orders        *orders.Registry
	Fills         *fill.Manager
	Gas           *gas.Tracker
	Bus           *events.Bus
	History       *events.History
	Subscriptions *subscription.Manager
	Health        *health.Service

	// Metrics is mounted at MetricsPath when set.
	Metrics     http.Handler
	MetricsPath string

	// Tasks returns the periodic task counters for relay_stats.
	Tasks func() []worker.Stats

	CORSOrigins []string
}

// Server is a JSON-RPC 2.0 server.
type Server struct {
	coordinator *swap.Coordinator
	monitors    *swap.Monitors
	orders      *orders.Registry
	fills       *fill.Manager
	gas         *gas.Tracker
	bus         *events.Bus
	history     *events.History
	subs        *subscription.Manager
	health      *health.Service
	metrics     http.Handler
	metricsPath string
	tasks       func() []worker.Stats
	origins     []string
	started     time.Time

	log   *logging.Logger
	wsHub *WSHub

	server   *http.Server
	listener net.Listener

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

// Standard error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Application error codes, one per apperr kind.
const (
	NotFoundError = -32001
	ProtocolError = -32002
	ChainError    = -32003
	CapacityError = -32004
)

// NewServer creates a new JSON-RPC server.
func NewServer(cfg *Config) *Server {
	if cfg == nil {
		cfg = &Config{}
	}
	path := cfg.MetricsPath
	if path == "" {
		path = "/metrics"
	}
	s := &Server{
		coordinator: cfg.Coordinator,
		monitors:    cfg.Monitors,
		orders:      cfg.Orders,
		fills:       cfg.Fills,
		gas:         cfg.Gas,
		bus:         cfg.Bus,
		history:     cfg.History,
		subs:        cfg.Subscriptions,
		health:      cfg.Health,
		metrics:     cfg.Metrics,
		metricsPath: path,
		tasks:       cfg.Tasks,
		origins:     cfg.CORSOrigins,
		started:     time.Now(),
		log:         logging.GetDefault().Component("rpc"),
		handlers:    make(map[string]Handler),
	}
	s.wsHub = NewWSHub(s.subs)
	if s.subs != nil {
		s.subs.SetTransport(s.wsHub)
	}

	s.registerHandlers()

	return s
}

// registerHandlers registers all JSON-RPC method handlers.
func (s *Server) registerHandlers() {
	s.handlers["relay_stats"] = s.relayStats
	if s.health != nil {
		s.handlers["relay_health"] = s.relayHealth
	}

	if s.coordinator != nil {
		s.handlers["swap_create"] = s.swapCreate
		s.handlers["swap_attachLock"] = s.swapAttachLock
		s.handlers["swap_reveal"] = s.swapReveal
		s.handlers["swap_status"] = s.swapStatus
		s.handlers["swap_statuses"] = s.swapStatuses
		s.handlers["swap_list"] = s.swapList
	}

	if s.orders != nil {
		s.handlers["order_add"] = s.orderAdd
		s.handlers["order_get"] = s.orderGet
		s.handlers["order_status"] = s.orderStatus
		s.handlers["order_statuses"] = s.orderStatuses
		s.handlers["order_list"] = s.orderList
		s.handlers["order_byMaker"] = s.orderByMaker
		s.handlers["order_cancel"] = s.orderCancel
		s.handlers["order_submitSecret"] = s.orderSubmitSecret
		s.handlers["order_secrets"] = s.orderSecrets
		s.handlers["order_readyFills"] = s.orderReadyFills
		s.handlers["order_publicActions"] = s.orderPublicActions
	}

	if s.fills != nil {
		s.handlers["fill_validate"] = s.fillValidate
		s.handlers["fill_execute"] = s.fillExecute
		s.handlers["fill_available"] = s.fillAvailable
		s.handlers["fill_progress"] = s.fillProgress
		s.handlers["fill_recommendations"] = s.fillRecommendations
		s.handlers["fill_executions"] = s.fillExecutions
	}

	if s.history != nil {
		s.handlers["events_query"] = s.eventsQuery
		s.handlers["events_stats"] = s.eventsStats
		s.handlers["events_export"] = s.eventsExport
	}

	if s.gas != nil {
		s.handlers["gas_price"] = s.gasPrice
		s.handlers["gas_stats"] = s.gasStats
	}
}

// Handler returns the HTTP handler serving RPC, WebSocket, health and metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /", s.handleRPC)
	mux.HandleFunc("POST /{$}", s.handleRPC)
	mux.HandleFunc("OPTIONS /", s.handleCORS)
	mux.HandleFunc("OPTIONS /{$}", s.handleCORS)
	if s.subs != nil {
		mux.HandleFunc("GET /ws", s.handleWS)
		mux.HandleFunc("GET /ws/", s.handleWS)
	}
	if s.health != nil {
		mux.Handle("GET /health", s.health.Handler())
	}
	if s.metrics != nil {
		mux.Handle("GET "+s.metricsPath, s.metrics)
	}
	return corsMiddleware(s.origins, mux)
}

// Start starts the RPC server.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

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

// Addr returns the bound listener address.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop stops the RPC server and closes every WebSocket client.
func (s *Server) Stop() error {
	s.wsHub.Stop()
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// WSHub returns the WebSocket hub.
func (s *Server) WSHub() *WSHub {
	return s.wsHub
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
			s.log.Warn("RPC method failed", "method", req.Method, "error", err)
		}
		s.writeError(w, req.ID, code, err.Error(), data)
		return
	}

	s.writeResult(w, req.ID, result)
}

// errParams marks a params decoding failure.
var errParams = apperr.New(apperr.KindValidation, "invalid params")

func decodeParams(params json.RawMessage, v interface{}) error {
	if len(params) == 0 || string(params) == "null" {
		return fmt.Errorf("%w: missing params", errParams)
	}
	if err := json.Unmarshal(params, v); err != nil {
		return errParamsf(err)
	}
	return nil
}

func errParamsf(err error) error {
	return fmt.Errorf("%w: %v", errParams, err)
}

// decodeOptional accepts missing params and leaves v untouched.
func decodeOptional(params json.RawMessage, v interface{}) error {
	if len(params) == 0 || string(params) == "null" {
		return nil
	}
	return decodeParams(params, v)
}

// errorCode maps an engine error to a JSON-RPC code and error data.
func errorCode(err error) (int, interface{}) {
	kind := apperr.KindOf(err)
	data := map[string]string{"kind": string(kind)}
	switch kind {
	case apperr.KindValidation:
		return InvalidParams, data
	case apperr.KindNotFound:
		return NotFoundError, data
	case apperr.KindProtocol:
		return ProtocolError, data
	case apperr.KindChain:
		return ChainError, data
	case apperr.KindCapacity:
		return CapacityError, data
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ChainError, map[string]string{"kind": string(apperr.KindChain)}
	}
	return InternalError, nil
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

// handleCORS handles CORS preflight requests.
func (s *Server) handleCORS(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// originAllowed reports whether origin may call the API. An empty allow
// list admits every origin.
func originAllowed(allowed []string, origin string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, o := range allowed {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// corsMiddleware adds CORS headers to all responses.
func corsMiddleware(allowed []string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		if origin != "*" && !originAllowed(allowed, origin) {
			http.Error(w, "Origin not allowed", http.StatusForbidden)
			return
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
