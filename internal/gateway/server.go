package gateway

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/soyeahso/livechat/internal/config"
	"github.com/soyeahso/livechat/internal/hooks"
	"github.com/soyeahso/livechat/internal/logging"
	"github.com/soyeahso/livechat/internal/tracking"
	"github.com/soyeahso/livechat/internal/version"
)

const defaultHandshakeTimeout = 10 * time.Second

// Server is the livechat gateway HTTP + WebSocket server.
type Server struct {
	cfg      config.GatewayConfig
	orch     *Orchestrator
	hub      *Hub
	log      *logging.Logger
	clients  *ClientRegistry
	version  string
	eventSeq atomic.Int64

	// Hook manager (optional)
	hooks *hooks.Manager

	// Presence store guard for readiness checks (optional)
	store *tracking.Guard

	mu          sync.Mutex
	addr        string
	startedAt   time.Time
	httpServer  *http.Server
	upgrader    websocket.Upgrader
	authLimiter *authRateLimiter
}

// ServerOption configures the gateway server.
type ServerOption func(*Server)

// WithServerHooks sets the hook manager for gateway start/stop events.
func WithServerHooks(hm *hooks.Manager) ServerOption {
	return func(s *Server) {
		s.hooks = hm
	}
}

// WithStore enables the store check of the readiness endpoint.
func WithStore(g *tracking.Guard) ServerOption {
	return func(s *Server) {
		s.store = g
	}
}

// WithVersion overrides the reported server version.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// New creates a new gateway server.
func New(cfg config.GatewayConfig, orch *Orchestrator, hub *Hub, log *logging.Logger, opts ...ServerOption) *Server {
	s := &Server{
		cfg:         cfg,
		orch:        orch,
		hub:         hub,
		log:         log.Sub("gateway"),
		clients:     NewClientRegistry(log.Sub("clients")),
		version:     version.Version,
		authLimiter: newAuthRateLimiter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkWebSocketOrigin(cfg.AllowedOrigins),
		},
	}

	for _, opt := range opts {
		opt(s)
	}
	return s
}

// checkWebSocketOrigin returns a function that validates WebSocket Origin headers.
// If no origins are configured, only same-origin (no Origin header) or non-browser
// clients are allowed. If origins are configured, the Origin must match one of them.
func checkWebSocketOrigin(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Same-origin or non-browser clients
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}

// resolveBindAddr computes the listen address from config.
func resolveBindAddr(cfg config.GatewayConfig) string {
	switch cfg.Bind {
	case "loopback":
		return fmt.Sprintf("127.0.0.1:%d", cfg.Port)
	case "lan", "auto":
		return fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	case "custom":
		host := cfg.CustomBindHost
		if host == "" {
			host = "0.0.0.0"
		}
		return fmt.Sprintf("%s:%d", host, cfg.Port)
	default:
		return fmt.Sprintf("127.0.0.1:%d", cfg.Port)
	}
}

// Start begins listening for HTTP and WebSocket connections.
// It blocks until the context is cancelled or an error occurs.
func (s *Server) Start(ctx context.Context) error {
	addr := resolveBindAddr(s.cfg)

	if err := s.hub.Start(ctx); err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(l net.Listener) context.Context { return ctx },
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	if s.cfg.TLS.Enabled {
		cert, err := tls.LoadX509KeyPair(s.cfg.TLS.CertPath, s.cfg.TLS.KeyPath)
		if err != nil {
			ln.Close()
			return fmt.Errorf("loading TLS certificate: %w", err)
		}
		tlsCfg := &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
		ln = tls.NewListener(ln, tlsCfg)
		s.log.Info().Msg("TLS enabled")
	} else if s.cfg.Bind != "loopback" {
		s.log.Warn().Msg("TLS is not enabled, agent tokens will be transmitted in cleartext")
	}

	s.mu.Lock()
	s.httpServer = httpServer
	s.addr = ln.Addr().String()
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.log.Info().
		Str("addr", ln.Addr().String()).
		Str("bind", s.cfg.Bind).
		Str("node", s.hub.Node()).
		Int("events", len(s.orch.Events())).
		Msg("gateway server ready")

	if s.hooks != nil {
		s.hooks.Emit(ctx, hooks.EventGatewayStart, "", map[string]any{
			"addr": ln.Addr().String(),
			"node": s.hub.Node(),
		})
	}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("shutting down gateway server")
		if s.hooks != nil {
			s.hooks.Emit(context.Background(), hooks.EventGatewayStop, "", map[string]any{"node": s.hub.Node()})
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.clients.Broadcast(OutShutdown, map[string]any{"reconnect": true}, s.eventSeq.Add(1))
		s.clients.CloseAll()
		s.authLimiter.close()
		httpServer.Shutdown(shutdownCtx)
	}()

	if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the server's listen address, or empty string if not started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// handleWebSocket upgrades HTTP to WebSocket and runs the connection loop.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authLimiter.allow(r.RemoteAddr) {
		s.log.Warn().Str("remote", r.RemoteAddr).Msg("rate limited, too many failed auth attempts")
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	creds := credentialsFromQuery(r.URL.Query())

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	if s.cfg.MaxPayload > 0 {
		conn.SetReadLimit(s.cfg.MaxPayload)
	}

	client := NewClient(uuid.NewString(), conn, s.log.Sub("ws"))
	s.log.Debug().Str("remote", r.RemoteAddr).Str("connId", client.ConnID).Msg("new websocket connection")

	ctx := r.Context()
	sess, reqID, gerr := s.handshake(ctx, client, creds, r.RemoteAddr)
	if gerr != nil {
		if gerr.Type != SystemError {
			s.authLimiter.recordFailure(r.RemoteAddr)
		}
		client.RespondError(reqID, gerr.Shape())
		client.CloseWith(websocket.ClosePolicyViolation, gerr.Code)
		return
	}

	client.Session = sess
	s.clients.Add(client)
	defer func() {
		s.hub.Unregister(client.ConnID)
		s.clients.Remove(client.ConnID)
		client.Close()
		s.orch.Disconnect(context.WithoutCancel(ctx), sess)
	}()

	s.readLoop(ctx, client)
}

// handshake authenticates the connection and registers it. Credentials come
// from the upgrade query or, when it carried none, from a connect request
// answering the challenge. The returned request id is the connect
// request's, if any.
func (s *Server) handshake(ctx context.Context, client *Client, creds Credentials, remote string) (*Session, string, *Error) {
	reqID := ""
	if creds.Empty() {
		timeout := s.cfg.HandshakeTimeout
		if timeout <= 0 {
			timeout = defaultHandshakeTimeout
		}
		client.Socket.SetReadDeadline(time.Now().Add(timeout))

		if err := client.SendEvent(OutChallenge, map[string]any{
			"nonce": uuid.NewString(),
			"ts":    time.Now().UnixMilli(),
		}, 0); err != nil {
			return nil, "", authError(CodeProtocol, "sending challenge failed")
		}

		frame, err := client.ReadFrame()
		if err != nil {
			s.orch.stats.rejected.Add(1)
			return nil, "", authError(CodeProtocol, "no connect request")
		}
		reqID = frame.ID
		if frame.Type != FrameTypeRequest || frame.Method != "connect" {
			s.orch.stats.rejected.Add(1)
			return nil, reqID, authError(CodeProtocol, "expected connect request")
		}
		var params ConnectParams
		if len(frame.Params) > 0 {
			if err := json.Unmarshal(frame.Params, &params); err != nil {
				s.orch.stats.rejected.Add(1)
				return nil, reqID, authError(CodeProtocol, "invalid connect params")
			}
		}
		if params.Auth != nil {
			creds = *params.Auth
		}
		client.Socket.SetReadDeadline(time.Time{})
	}

	sess, gerr := s.orch.Authenticate(ctx, creds, client.ConnID, remote)
	if gerr != nil {
		return nil, reqID, gerr
	}

	s.hub.Register(client.ConnID, client)
	welcome, gerr := s.orch.Connect(ctx, sess)
	if gerr != nil {
		s.hub.Unregister(client.ConnID)
		return nil, reqID, gerr
	}

	var err error
	if reqID != "" {
		err = client.Respond(reqID, welcome)
	} else {
		err = client.SendEvent(OutConnected, welcome, s.eventSeq.Add(1))
	}
	if err != nil {
		s.log.Warn().Err(err).Str("connId", client.ConnID).Msg("sending welcome failed")
	}

	s.log.Info().
		Str("connId", client.ConnID).
		Str("identity", sess.Identity.Key()).
		Str("remote", remote).
		Bool("reconnected", sess.Reconnected).
		Msg("client authenticated")
	return sess, reqID, nil
}

// readLoop processes incoming frames until the connection ends. Requests
// of one connection are handled in order.
func (s *Server) readLoop(ctx context.Context, client *Client) {
	for {
		frame, err := client.ReadFrame()
		if err != nil {
			var fe *frameError
			if errors.As(err, &fe) {
				client.RespondError("", validationError(CodeInvalidPayload, fe.Error()).Shape())
				continue
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug().Str("connId", client.ConnID).Msg("client closed connection")
			} else {
				s.log.Debug().Err(err).Str("connId", client.ConnID).Msg("read error")
			}
			return
		}

		if frame.Type != FrameTypeRequest {
			s.log.Debug().Str("type", frame.Type).Msg("ignoring non-request frame")
			continue
		}

		if !s.dispatch(ctx, client, frame) {
			return
		}
	}
}

// dispatch routes a request frame to the orchestrator. It reports false
// when the connection must be closed.
func (s *Server) dispatch(ctx context.Context, client *Client, frame Frame) bool {
	rc := &RequestContext{
		Client: client,
		Frame:  frame,
		Server: s,
	}

	result, gerr := s.orch.Handle(ctx, client.Session, frame.Method, frame.Params)
	if gerr != nil {
		rc.RespondError(gerr)
		if gerr.Disconnect {
			client.CloseWith(websocket.ClosePolicyViolation, gerr.Code)
			return false
		}
		return true
	}
	rc.Respond(result)
	if client.Session.Ended() {
		client.CloseWith(websocket.CloseNormalClosure, "session ended")
		return false
	}
	return true
}
