package ipc

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"keyattest/internal/capability"
)

// Common errors
var (
	ErrNotConnected     = errors.New("ipc: not connected to helper")
	ErrConnectionLost   = errors.New("ipc: connection to helper lost")
	ErrTimeout          = errors.New("ipc: request timeout")
	ErrDaemonNotRunning = errors.New("ipc: helper is not running")
	ErrPermissionDenied = errors.New("ipc: permission denied by helper")
)

// RemoteError is a failure reported by the helper in an MsgError reply.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("helper error %d: %s", e.Code, e.Message)
}

// Is lets errors.Is(err, ErrPermissionDenied) match a remote denial.
func (e *RemoteError) Is(target error) bool {
	return target == ErrPermissionDenied && e.Code == CodePermissionDenied
}

// Client is the caller side of the helper channel. Connect binds, Close
// unbinds; a dropped connection stays dropped until Connect is called again.
type Client struct {
	mu         sync.RWMutex
	conn       net.Conn
	done       chan struct{}
	sessionID  string
	version    string
	permission PermissionLevel

	connected atomic.Bool
	writeMu   sync.Mutex

	// Request handling
	pending   map[uint32]chan *Message
	pendingMu sync.Mutex
	nextReqID atomic.Uint32

	config ClientConfig
}

// ClientConfig configures the IPC client
type ClientConfig struct {
	SocketPath     string
	ClientName     string
	ClientVersion  string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	BindAttempts   int
	RetryInterval  time.Duration
}

// DefaultClientConfig returns sensible defaults
func DefaultClientConfig(socketPath string) ClientConfig {
	return ClientConfig{
		SocketPath:     socketPath,
		ClientName:     "keyattest",
		ClientVersion:  "1.0.0",
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 30 * time.Second,
		BindAttempts:   3,
		RetryInterval:  200 * time.Millisecond,
	}
}

// NewClient creates a new IPC client
func NewClient(cfg ClientConfig) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &Client{config: cfg}
}

// Connect dials the helper, retrying up to BindAttempts times, then
// performs the handshake and authentication.
func (c *Client) Connect(ctx context.Context) error {
	if c.connected.Load() {
		return nil
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.done = done
	c.mu.Unlock()

	c.pendingMu.Lock()
	c.pending = make(map[uint32]chan *Message)
	c.connected.Store(true)
	c.pendingMu.Unlock()

	go c.readLoop(conn, done)

	if err := c.handshake(ctx); err != nil {
		c.drop(conn)
		return fmt.Errorf("handshake: %w", err)
	}

	if err := c.authenticate(ctx); err != nil {
		c.drop(conn)
		return fmt.Errorf("authenticate: %w", err)
	}

	return nil
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	attempts := c.config.BindAttempts
	if attempts < 1 {
		attempts = 1
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.config.RetryInterval), uint64(attempts-1)),
		ctx,
	)

	dialer := net.Dialer{Timeout: c.config.ConnectTimeout}
	var conn net.Conn
	err := backoff.Retry(func() error {
		cn, err := dialer.DialContext(ctx, "unix", c.config.SocketPath)
		if err != nil {
			return err
		}
		conn = cn
		return nil
	}, policy)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ECONNREFUSED) {
			return nil, fmt.Errorf("%w: %s", ErrDaemonNotRunning, c.config.SocketPath)
		}
		return nil, err
	}
	return conn, nil
}

// Close unbinds from the helper. Requests in flight fail with ErrConnectionLost.
func (c *Client) Close() error {
	c.mu.RLock()
	conn, done := c.conn, c.done
	c.mu.RUnlock()
	if conn == nil {
		return nil
	}
	c.drop(conn)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
	return nil
}

// drop tears down conn if it is still the current connection.
func (c *Client) drop(conn net.Conn) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.mu.Unlock()
	conn.Close()

	c.pendingMu.Lock()
	c.connected.Store(false)
	for _, ch := range c.pending {
		close(ch)
	}
	c.pending = nil
	c.pendingMu.Unlock()
}

// IsConnected returns whether the client is connected
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// SessionID returns the session ID assigned by the server
func (c *Client) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// Permission returns the level granted at authentication.
func (c *Client) Permission() PermissionLevel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.permission
}

// handshake performs the initial handshake with the server
func (c *Client) handshake(ctx context.Context) error {
	req := &HandshakeRequest{
		ClientVersion:   c.config.ClientVersion,
		ClientName:      c.config.ClientName,
		ProtocolVersion: ProtocolVersion,
	}

	var ack HandshakeResponse
	if err := c.request(ctx, MsgHandshake, req, MsgHandshakeAck, &ack); err != nil {
		return err
	}

	c.mu.Lock()
	c.sessionID = ack.SessionID
	c.version = ack.ServerVersion
	c.permission = ack.Permission
	c.mu.Unlock()
	return nil
}

// authenticate asks the helper to check our peer credentials.
func (c *Client) authenticate(ctx context.Context) error {
	req := &AuthRequest{
		Method: "peercred",
		PID:    os.Getpid(),
	}

	var authResp AuthResponse
	if err := c.request(ctx, MsgAuthenticate, req, MsgAuthResponse, &authResp); err != nil {
		return err
	}

	if !authResp.Success {
		return fmt.Errorf("%w: %s", ErrPermissionDenied, authResp.Error)
	}

	c.mu.Lock()
	c.permission = authResp.Permission
	c.mu.Unlock()
	return nil
}

// request sends payload and decodes a reply of type want into out.
func (c *Client) request(ctx context.Context, msgType MessageType, payload any, want MessageType, out any) error {
	var data []byte
	if payload != nil {
		var err error
		if data, err = Encode(payload); err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
	}

	reqID := c.nextReqID.Add(1)
	msg := NewMessage(msgType, reqID, data)

	respChan := make(chan *Message, 1)
	c.pendingMu.Lock()
	if !c.connected.Load() {
		c.pendingMu.Unlock()
		return ErrNotConnected
	}
	c.pending[reqID] = respChan
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
	}()

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	err := msg.Write(conn)
	c.writeMu.Unlock()
	if err != nil {
		c.drop(conn)
		return fmt.Errorf("%w: write: %v", ErrConnectionLost, err)
	}

	timer := time.NewTimer(c.config.RequestTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-respChan:
		if !ok {
			return ErrConnectionLost
		}
		if resp.Header.Type == MsgError {
			var errResp ErrorResponse
			if err := Decode(resp.Payload, &errResp); err != nil {
				return fmt.Errorf("decode error reply: %w", err)
			}
			return &RemoteError{Code: errResp.Code, Message: errResp.Message}
		}
		if resp.Header.Type != want {
			return fmt.Errorf("unexpected response type: %#04x", uint16(resp.Header.Type))
		}
		if out == nil {
			return nil
		}
		return Decode(resp.Payload, out)
	case <-timer.C:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readLoop dispatches replies until the connection fails.
func (c *Client) readLoop(conn net.Conn, done chan struct{}) {
	defer close(done)

	for {
		msg, err := ReadMessage(conn)
		if err != nil {
			c.drop(conn)
			return
		}

		switch msg.Header.Type {
		case MsgPing:
			pong := NewMessage(MsgPong, msg.Header.RequestID, nil)
			c.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			pong.Write(conn)
			c.writeMu.Unlock()
		default:
			c.pendingMu.Lock()
			if ch, ok := c.pending[msg.Header.RequestID]; ok {
				select {
				case ch <- msg:
				default:
				}
			}
			c.pendingMu.Unlock()
		}
	}
}

// High-level API methods

// Ping checks if the helper is responsive
func (c *Client) Ping(ctx context.Context) error {
	return c.request(ctx, MsgPing, nil, MsgPong, nil)
}

// Status requests the helper status
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var status StatusResponse
	if err := c.request(ctx, MsgStatusRequest, nil, MsgStatusResponse, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Capabilities reports the features of the helper's keystore.
func (c *Client) Capabilities(ctx context.Context) (capability.Features, error) {
	var resp CapabilitiesResponse
	if err := c.request(ctx, MsgCapabilities, nil, MsgCapabilitiesResp, &resp); err != nil {
		return capability.Features{}, err
	}
	return resp.Features, nil
}

// Attest asks the helper to generate a key and returns its chain.
func (c *Client) Attest(ctx context.Context, req *AttestRequest) ([][]byte, error) {
	var resp AttestResponse
	if err := c.request(ctx, MsgAttest, req, MsgAttestResp, &resp); err != nil {
		return nil, err
	}
	if resp.Generation != req.Generation {
		return nil, fmt.Errorf("reply for generation %d, want %d", resp.Generation, req.Generation)
	}
	return resp.Chain, nil
}

// CheckRKP asks the helper to probe the remote provisioning host.
func (c *Client) CheckRKP(ctx context.Context, host string) (*CheckRKPResponse, error) {
	var resp CheckRKPResponse
	if err := c.request(ctx, MsgCheckRKP, &CheckRKPRequest{Host: host}, MsgCheckRKPResp, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
