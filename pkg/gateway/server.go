package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/switchboard/internal/observability"
	"github.com/harun/switchboard/internal/tracing"
	"github.com/harun/switchboard/pkg/cron"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const (
	// SecretHeader carries the shared secret on /rpc requests.
	SecretHeader = "X-Switchboard-Secret"

	writeTimeout    = 10 * time.Second
	maxRequestBytes = 1 << 20
	tracerName      = "switchboard.gateway"
)

// Config holds server configuration.
type Config struct {
	Host         string
	Port         int
	SharedSecret string
	// RequestTimeout bounds one RPC call. Chat turns may take a while.
	RequestTimeout    time.Duration
	RequestsPerMinute int
	MaxConcurrent     int

	Cron       CronAdmin
	Pairing    PairingAdmin
	Sessions   SessionAdmin
	Dispatcher Dispatcher

	Logger *zerolog.Logger
}

// Server is the administrative surface: JSON-RPC 2.0 over an
// authenticated websocket (/ws) and single-shot HTTP (/rpc).
type Server struct {
	cfg         Config
	logger      zerolog.Logger
	upgrader    websocket.Upgrader
	clients     *ClientRegistry
	router      *RPCRouter
	auth        *AuthHandler
	broadcaster *EventBroadcaster
	startedAt   time.Time

	mu           sync.RWMutex
	httpServer   *http.Server
	listener     net.Listener
	shuttingDown bool
	inFlight     sync.WaitGroup
}

// NewServer validates cfg and registers the admin methods whose backing
// service is configured.
func NewServer(cfg Config) (*Server, error) {
	observability.EnsureRegistered()

	if cfg.Port < 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.SharedSecret == "" {
		return nil, fmt.Errorf("shared secret is required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Minute
	}
	logger := log.With().Str("component", "gateway").Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	clients := NewClientRegistry()
	s := &Server{
		cfg:         cfg,
		logger:      logger,
		clients:     clients,
		router:      NewRPCRouter(),
		auth:        NewAuthHandler(cfg.SharedSecret),
		broadcaster: NewEventBroadcaster(clients, logger),
		startedAt:   time.Now(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.registerBuiltinMethods()
	return s, nil
}

// Handler returns the HTTP routes of the gateway.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	s.mu.Lock()
	s.listener = ln
	s.httpServer = srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Gateway server started")
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop refuses new requests, waits for in-flight ones until ctx ends, then
// closes client connections and the listener.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.shuttingDown = true
	srv := s.httpServer
	s.mu.Unlock()

	s.broadcaster.Broadcast("server.shutdown", map[string]interface{}{"message": "Server is shutting down"})

	done := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached, closing in-flight requests")
	}

	for _, client := range s.clients.All() {
		_ = client.Conn.Close()
	}
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown gateway: %w", err)
	}
	s.logger.Info().Msg("Gateway server stopped")
	return nil
}

func (s *Server) isShuttingDown() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.shuttingDown
}

// Broadcast pushes an event to authenticated websocket clients.
func (s *Server) Broadcast(event string, data interface{}) int {
	return s.broadcaster.Broadcast(event, data)
}

// CronEventSink adapts Broadcast to the cron service's event hook.
func (s *Server) CronEventSink(ev cron.Event) {
	s.Broadcast("cron."+string(ev.Action), ev)
}

// RegisterMethod adds or replaces an RPC method.
func (s *Server) RegisterMethod(name string, handler RequestHandler) error {
	return s.router.RegisterMethod(name, handler)
}

// ConnectedClients describes the websocket clients.
func (s *Server) ConnectedClients() []ClientInfo {
	return s.clients.Infos()
}

// call runs one request with tracing, a timeout and audit logging.
func (s *Server) call(ctx context.Context, req *RPCRequest) *RPCResponse {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	ctx, span := tracing.StartSpan(ctx, tracerName, "rpc."+req.Method, attribute.String("method", req.Method))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, s.logger)

	start := time.Now()
	resp := s.router.RouteRequest(ctx, req)
	status := "success"
	if resp.Error != nil {
		status = "error"
		tracing.Fail(span, resp.Error)
	}
	if mutatingMethods[req.Method] {
		observability.RecordAdminAudit(ctx, req.Method, actorFromContext(ctx), status, auditMetadata(req))
	}
	logger.Debug().
		Str("method", req.Method).
		Str("requestId", req.ID).
		Str("status", status).
		Dur("duration", time.Since(start)).
		Msg("RPC request handled")
	return resp
}

func auditMetadata(req *RPCRequest) map[string]interface{} {
	meta := map[string]interface{}{"requestId": req.ID}
	for _, key := range []string{"id", "channel", "code", "key", "sessionKey", "name"} {
		if v, ok := req.Params[key]; ok {
			meta[key] = v
		}
	}
	return meta
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.isShuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, err := gonanoid.New()
	if err != nil {
		_ = conn.Close()
		return
	}
	now := time.Now()
	client := &Client{
		ID:           clientID,
		Conn:         conn,
		ConnectedAt:  now,
		LastActivity: now,
		IPAddress:    r.RemoteAddr,
		RateLimiter:  NewClientRateLimiterWithLimits(s.cfg.RequestsPerMinute, s.cfg.MaxConcurrent),
		State:        StateConnecting,
	}
	s.clients.Add(client)
	s.logger.Info().Str("clientId", clientID).Str("ip", r.RemoteAddr).Msg("Client connected")

	challenge, err := s.auth.GenerateChallenge()
	if err == nil {
		client.Challenge = challenge
		client.State = StateAuthenticating
		err = client.WriteJSON(AuthChallenge{Event: "auth.challenge", Challenge: challenge})
	}
	if err != nil {
		s.logger.Error().Err(err).Str("clientId", clientID).Msg("Failed to send auth challenge")
		_ = conn.Close()
		s.clients.Remove(clientID)
		return
	}

	go s.readLoop(client)
}

func (s *Server) readLoop(client *Client) {
	defer func() {
		_ = client.Conn.Close()
		s.clients.Remove(client.ID)
		s.logger.Info().Str("clientId", client.ID).Msg("Client disconnected")
	}()
	client.Conn.SetReadLimit(maxRequestBytes)

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			return
		}
		s.clients.Touch(client.ID)
		if !s.handleMessage(client, message) {
			return
		}
	}
}

// handleMessage processes one frame. It returns false when the connection
// should be closed.
func (s *Server) handleMessage(client *Client, message []byte) bool {
	var authResp AuthResponse
	if err := json.Unmarshal(message, &authResp); err == nil && authResp.Method == "auth.response" {
		result := s.auth.HandleAuthResponse(client, authResp.Signature)
		if result.Success {
			s.clients.MarkAuthenticated(client.ID)
			s.logger.Info().Str("clientId", client.ID).Msg("Client authenticated")
		} else {
			s.logger.Warn().Str("clientId", client.ID).Str("reason", result.Message).Msg("Authentication failed")
		}
		if err := client.WriteJSON(result); err != nil {
			return false
		}
		return result.Success || client.AuthAttempts < maxAuthAttempts
	}

	if !s.clients.IsAuthenticated(client.ID) {
		s.sendError(client, "", AuthenticationRequired, "Authentication required")
		return true
	}

	req, err := s.router.ParseRequest(message)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			s.sendError(client, "", rpcErr.Code, rpcErr.Message)
		} else {
			s.sendError(client, "", ParseError, err.Error())
		}
		return true
	}

	if s.isShuttingDown() {
		s.sendError(client, req.ID, InternalError, "Server is shutting down")
		return true
	}
	if code, reason, ok := client.RateLimiter.Acquire(); !ok {
		s.sendError(client, req.ID, code, reason)
		return true
	}

	s.inFlight.Add(1)
	go func() {
		defer s.inFlight.Done()
		defer client.RateLimiter.Release()

		ctx := withActor(context.Background(), "ws:"+client.ID)
		ctx = tracing.WithRequestID(ctx, req.ID)
		resp := s.call(ctx, req)
		if err := client.WriteJSON(resp); err != nil {
			s.logger.Warn().Err(err).Str("clientId", client.ID).Str("requestId", req.ID).Msg("Failed to send response")
		}
	}()
	return true
}

// handleRPC serves single-shot HTTP JSON-RPC requests.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.auth.VerifySecret(r.Header.Get(SecretHeader)) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.isShuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	req, err := s.router.ParseRequest(body)
	if err != nil {
		resp := errorResponse("", ParseError, err.Error())
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			resp.Error = rpcErr
		}
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(resp)
		return
	}

	s.inFlight.Add(1)
	defer s.inFlight.Done()

	traceID := r.Header.Get("X-Trace-Id")
	if traceID == "" {
		traceID = tracing.NewID()
	}
	ctx := tracing.WithTraceID(r.Context(), traceID)
	ctx = tracing.WithRequestID(ctx, req.ID)
	ctx = withActor(ctx, "rpc:"+r.RemoteAddr)

	resp := s.call(ctx, req)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode RPC response")
	}
}

func (s *Server) sendError(client *Client, requestID string, code int, message string) {
	if err := client.WriteJSON(errorResponse(requestID, code, message)); err != nil {
		s.logger.Warn().Err(err).Str("clientId", client.ID).Msg("Failed to send error response")
	}
}
