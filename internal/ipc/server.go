package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"keyattest/internal/security"
)

// Handler processes authenticated IPC messages
type Handler interface {
	// HandleMessage processes a message and returns a response
	HandleMessage(ctx context.Context, peer *Peer, msg *Message) (*Message, error)
}

// HandlerFunc is a function that implements Handler
type HandlerFunc func(ctx context.Context, peer *Peer, msg *Message) (*Message, error)

func (f HandlerFunc) HandleMessage(ctx context.Context, peer *Peer, msg *Message) (*Message, error) {
	return f(ctx, peer, msg)
}

// Server is the IPC server that manages client connections
type Server struct {
	mu         sync.RWMutex
	listener   net.Listener
	handler    Handler
	peers      map[string]*Peer
	config     ServerConfig
	startedAt  time.Time
	denials    *security.DenialTracker
	logger     *slog.Logger
	peerCredFn func(net.Conn) (*PeerCredentials, error)

	// Shutdown coordination
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	nextRequestID atomic.Uint32
	served        atomic.Uint64
}

// Peer represents a connected client
type Peer struct {
	mu            sync.Mutex
	ID            string
	conn          net.Conn
	Permission    PermissionLevel
	Authenticated bool
	Credentials   *PeerCredentials
	Version       string
	Name          string
	ConnectedAt   time.Time
	LastActivity  time.Time

	// Write serialization
	writeMu sync.Mutex
}

// Level returns the permission granted to the peer.
func (p *Peer) Level() PermissionLevel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Permission
}

// UID returns the authenticated peer's user ID, or -1.
func (p *Peer) UID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Credentials == nil {
		return -1
	}
	return p.Credentials.UID
}

// ServerConfig configures the IPC server
type ServerConfig struct {
	SocketPath     string
	Version        string
	Permissions    os.FileMode
	IdleTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxConnections int

	// AllowedUIDs may authenticate in addition to root and the helper's own uid.
	AllowedUIDs []int

	Logger *slog.Logger
}

// DefaultServerConfig returns sensible defaults
func DefaultServerConfig(socketPath string) ServerConfig {
	return ServerConfig{
		SocketPath:     socketPath,
		Version:        "1.0.0",
		Permissions:    0600,
		IdleTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxConnections: 8,
	}
}

// NewServer creates a new IPC server
func NewServer(cfg ServerConfig, handler Handler) (*Server, error) {
	if cfg.SocketPath == "" {
		return nil, errors.New("ipc: socket path required")
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 8
	}
	if cfg.Permissions == 0 {
		cfg.Permissions = 0600
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		handler:    handler,
		peers:      make(map[string]*Peer),
		config:     cfg,
		denials:    security.NewDenialTracker(security.DefaultLockoutPolicy()),
		logger:     logger.With("component", "ipc"),
		peerCredFn: GetPeerCredentials,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start begins listening for connections
func (s *Server) Start() error {
	socketDir := filepath.Dir(s.config.SocketPath)
	if err := os.MkdirAll(socketDir, 0700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}

	if IsSocketListening(s.config.SocketPath) {
		return fmt.Errorf("socket %s already in use", s.config.SocketPath)
	}
	if err := CleanupSocket(s.config.SocketPath); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.config.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}

	if err := SetSocketPermissions(s.config.SocketPath, s.config.Permissions); err != nil {
		listener.Close()
		return fmt.Errorf("set socket permissions: %w", err)
	}

	s.listener = listener
	s.startedAt = time.Now()
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info("helper listening", "socket", s.config.SocketPath)
	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.cancel()

	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	for _, peer := range s.peers {
		peer.conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.logger.Warn("shutdown timed out waiting for connections")
	}

	os.Remove(s.config.SocketPath)
	return nil
}

// SocketPath returns the socket path
func (s *Server) SocketPath() string {
	return s.config.SocketPath
}

// PeerCount returns the number of connected clients
func (s *Server) PeerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// SetAllowedUIDs replaces the extra uids permitted to authenticate.
func (s *Server) SetAllowedUIDs(uids []int) {
	s.mu.Lock()
	s.config.AllowedUIDs = slices.Clone(uids)
	s.mu.Unlock()
}

// acceptLoop accepts new connections
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}

		s.mu.Lock()
		if len(s.peers) >= s.config.MaxConnections {
			s.mu.Unlock()
			s.logger.Warn("connection limit reached", "max", s.config.MaxConnections)
			conn.Close()
			continue
		}
		peer := &Peer{
			ID:           uuid.NewString(),
			conn:         conn,
			Permission:   PermNone,
			ConnectedAt:  time.Now(),
			LastActivity: time.Now(),
		}
		s.peers[peer.ID] = peer
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(peer)
	}
}

// handleConnection handles a single client connection. Handler calls run
// concurrently and are cancelled when the connection goes away.
func (s *Server) handleConnection(peer *Peer) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(s.ctx)
	var inflight sync.WaitGroup
	defer func() {
		cancel()
		inflight.Wait()
		s.mu.Lock()
		delete(s.peers, peer.ID)
		s.mu.Unlock()
		peer.conn.Close()
	}()

	for {
		peer.conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))

		msg, err := ReadMessage(peer.conn)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.sendPing(peer)
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("read failed", "peer", peer.ID, "error", err)
			}
			return
		}

		peer.mu.Lock()
		peer.LastActivity = time.Now()
		authenticated := peer.Authenticated
		peer.mu.Unlock()

		if s.isControl(msg.Header.Type) || !authenticated || s.handler == nil {
			s.respond(peer, msg, s.processControl(peer, msg, authenticated))
			continue
		}

		inflight.Add(1)
		go func() {
			defer inflight.Done()
			s.served.Add(1)
			resp, err := s.handler.HandleMessage(ctx, peer, msg)
			if ctx.Err() != nil {
				// peer gone or server stopping
				return
			}
			if err != nil {
				resp = NewErrorMessage(msg.Header.RequestID, CodeInternalError, err.Error())
			}
			s.respond(peer, msg, resp)
		}()
	}
}

func (s *Server) isControl(t MessageType) bool {
	switch t {
	case MsgPing, MsgPong, MsgHandshake, MsgAuthenticate, MsgStatusRequest:
		return true
	}
	return false
}

func (s *Server) respond(peer *Peer, req *Message, resp *Message) {
	if resp == nil {
		return
	}
	if err := s.sendMessage(peer, resp); err != nil {
		s.logger.Debug("write failed", "peer", peer.ID, "type", req.Header.Type, "error", err)
	}
}

// processControl answers protocol messages and rejects everything else
// until the peer has authenticated.
func (s *Server) processControl(peer *Peer, msg *Message, authenticated bool) *Message {
	var (
		resp *Message
		err  error
	)
	switch msg.Header.Type {
	case MsgPing:
		return NewMessage(MsgPong, msg.Header.RequestID, nil)
	case MsgPong:
		return nil
	case MsgHandshake:
		resp, err = s.handleHandshake(peer, msg)
	case MsgAuthenticate:
		resp, err = s.handleAuthenticate(peer, msg)
	case MsgStatusRequest:
		resp, err = s.handleStatus(msg)
	default:
		if !authenticated {
			return NewErrorMessage(msg.Header.RequestID, CodePermissionDenied, "not authenticated")
		}
		return NewErrorMessage(msg.Header.RequestID, CodeInvalidRequest, "no handler")
	}
	if err != nil {
		return NewErrorMessage(msg.Header.RequestID, CodeInternalError, err.Error())
	}
	return resp
}

// handleHandshake processes handshake request
func (s *Server) handleHandshake(peer *Peer, msg *Message) (*Message, error) {
	var req HandshakeRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, CodeInvalidRequest, "invalid handshake"), nil
	}
	if req.ProtocolVersion > ProtocolVersion {
		return NewErrorMessage(msg.Header.RequestID, CodeInvalidRequest,
			fmt.Sprintf("unsupported protocol version %d", req.ProtocolVersion)), nil
	}

	peer.mu.Lock()
	peer.Version = req.ClientVersion
	peer.Name = req.ClientName
	perm := peer.Permission
	peer.mu.Unlock()

	resp := &HandshakeResponse{
		ServerVersion:   s.config.Version,
		ProtocolVersion: ProtocolVersion,
		SessionID:       peer.ID,
		Permission:      perm,
	}

	return NewResponse(MsgHandshakeAck, msg.Header.RequestID, resp)
}

// handleAuthenticate checks the kernel-reported credentials of the peer.
func (s *Server) handleAuthenticate(peer *Peer, msg *Message) (*Message, error) {
	var req AuthRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, CodeInvalidRequest, "invalid auth request"), nil
	}

	deny := func(uid int, reason string) (*Message, error) {
		if uid >= 0 && s.denials.Deny(uid) {
			reason += " (locked out)"
		}
		s.logger.Warn("peer denied", "peer", peer.ID, "claimed_pid", req.PID, "reason", reason)
		return NewResponse(MsgAuthResponse, msg.Header.RequestID, &AuthResponse{
			Success:    false,
			Permission: PermNone,
			Error:      reason,
		})
	}

	creds, err := s.peerCredFn(peer.conn)
	if err != nil {
		return deny(-1, fmt.Sprintf("peer credentials unavailable: %v", err))
	}

	if s.denials.Locked(creds.UID) {
		return deny(-1, "too many failed attempts")
	}
	if !s.uidAllowed(creds.UID) {
		return deny(creds.UID, fmt.Sprintf("uid %d not permitted", creds.UID))
	}
	s.denials.Clear(creds.UID)

	peer.mu.Lock()
	peer.Authenticated = true
	peer.Credentials = creds
	peer.Permission = PermAttest
	peer.mu.Unlock()

	s.logger.Debug("peer authenticated", "peer", peer.ID, "uid", creds.UID, "pid", creds.PID)
	return NewResponse(MsgAuthResponse, msg.Header.RequestID, &AuthResponse{
		Success:    true,
		Permission: PermAttest,
	})
}

func (s *Server) uidAllowed(uid int) bool {
	if uid == 0 || uid == os.Getuid() {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Contains(s.config.AllowedUIDs, uid)
}

func (s *Server) handleStatus(msg *Message) (*Message, error) {
	resp := &StatusResponse{
		Version:   s.config.Version,
		Uptime:    time.Since(s.startedAt),
		StartedAt: s.startedAt,
		Clients:   s.PeerCount(),
		Served:    s.served.Load(),
	}
	return NewResponse(MsgStatusResponse, msg.Header.RequestID, resp)
}

// sendMessage sends a message to a client
func (s *Server) sendMessage(peer *Peer, msg *Message) error {
	peer.writeMu.Lock()
	defer peer.writeMu.Unlock()

	peer.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	return msg.Write(peer.conn)
}

// sendPing sends a ping to keep connection alive
func (s *Server) sendPing(peer *Peer) {
	msg := NewMessage(MsgPing, s.nextRequestID.Add(1), nil)
	s.sendMessage(peer, msg)
}
