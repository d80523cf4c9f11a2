package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matheus3301/msync/internal/apierr"
	"github.com/matheus3301/msync/internal/bus"
	"github.com/matheus3301/msync/internal/protocol"
	"github.com/matheus3301/msync/internal/router"
	"github.com/matheus3301/msync/internal/status"
	"go.uber.org/zap"
)

const (
	writeWait    = 10 * time.Second
	dialTimeout  = 15 * time.Second
	maxFrameSize = 4 << 20
)

// Credentials supplies the bearer token used in the auth handshake.
type Credentials interface {
	Token() string
}

// Dialer opens WebSocket connections. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// timer is the handle of a scheduled reconnect. *time.Timer satisfies it.
type timer interface {
	Stop() bool
}

// Options configures a Client.
type Options struct {
	URL        string
	DeviceID   string
	ClientInfo protocol.ClientInfo
	// Keepalive is the interval of client WebSocket pings. Zero disables them.
	Keepalive time.Duration
	Dialer    Dialer
}

// Snapshot is a point-in-time view of the connection.
type Snapshot struct {
	State     status.State
	Attempt   int
	LastError error
}

// Client owns the single realtime socket. It authenticates, answers server
// pings, keeps the connection alive and reconnects with bounded backoff.
// Decoded frames are handed to the router.
type Client struct {
	opts    Options
	creds   Credentials
	router  *router.Router
	bus     *bus.Bus
	machine *status.Machine
	logger  *zap.Logger

	after func(time.Duration, func()) timer

	// writeMu serializes data frames; gorilla allows one concurrent writer.
	writeMu sync.Mutex

	mu              sync.Mutex
	conn            *websocket.Conn
	gen             uint64
	dialing         bool
	connected       bool
	shouldReconnect bool
	attempt         int
	lastErr         error
	reconnectTimer  timer
	stopKeepalive   chan struct{}
}

// New creates a transport client and registers its session handling on r.
func New(opts Options, creds Credentials, r *router.Router, b *bus.Bus, m *status.Machine, logger *zap.Logger) *Client {
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: dialTimeout,
		}
	}
	c := &Client{
		opts:    opts,
		creds:   creds,
		router:  r,
		bus:     b,
		machine: m,
		logger:  logger,
		after: func(d time.Duration, f func()) timer {
			return time.AfterFunc(d, f)
		},
	}
	r.AddTap(c.onFrame)
	return c
}

// Connect opens the socket and sends the auth frame. It is a no-op while a
// socket is open or a dial is in flight, and fails with
// apierr.ErrNotAuthenticated when no token is available. A failed dial
// schedules a reconnect.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil || c.dialing {
		c.mu.Unlock()
		return nil
	}
	token := c.creds.Token()
	if token == "" {
		c.mu.Unlock()
		return apierr.ErrNotAuthenticated
	}
	if c.machine.Current() == status.Offline {
		c.attempt = 0
	}
	c.stopTimerLocked()
	c.shouldReconnect = true
	c.dialing = true
	gen := c.gen
	c.mu.Unlock()

	c.setState(status.Connecting)
	return c.dial(ctx, token, gen)
}

// Disconnect closes the socket and stops reconnecting and keepalive.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.shouldReconnect = false
	c.stopTimerLocked()
	c.stopKeepaliveLocked()
	conn := c.conn
	c.conn = nil
	c.gen++
	c.connected = false
	c.dialing = false
	c.attempt = 0
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = conn.Close()
	}

	if c.machine.Current() != status.Disconnected {
		c.setState(status.Closing)
		c.setState(status.Disconnected)
		c.bus.Emit(bus.ConnDisconnected, nil)
	}
	c.logger.Info("realtime disconnected")
}

// Send writes one command on the authenticated socket. It never waits for a
// server reply. When no authenticated socket is available, or the write
// fails, it returns an error wrapping apierr.ErrTransportUnavailable so the
// caller can fall back to REST.
func (c *Client) Send(cmd protocol.Command) error {
	data, err := protocol.Encode(cmd)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn, ok := c.conn, c.connected
	c.mu.Unlock()
	if !ok || conn == nil {
		return fmt.Errorf("send %s: %w", cmd.CommandType(), apierr.ErrTransportUnavailable)
	}
	if err := c.write(conn, data); err != nil {
		c.logger.Warn("socket write failed", zap.String("type", string(cmd.CommandType())), zap.Error(err))
		return fmt.Errorf("send %s: %w", cmd.CommandType(), apierr.ErrTransportUnavailable)
	}
	return nil
}

// IsConnected reports whether an authenticated socket is open.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Status returns the current connection snapshot.
func (c *Client) Status() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{State: c.machine.Current(), Attempt: c.attempt, LastError: c.lastErr}
}

func (c *Client) write(conn *websocket.Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) dial(ctx context.Context, token string, gen uint64) error {
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, resp, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			err = apierr.ErrAuthRejected
			c.bus.Emit(bus.AuthRejected, nil)
		}
		c.mu.Lock()
		stale := c.gen != gen
		if !stale {
			c.dialing = false
		}
		c.mu.Unlock()
		if stale {
			return fmt.Errorf("dial: %w", err)
		}
		c.logger.Warn("realtime dial failed", zap.String("url", c.opts.URL), zap.Error(err))
		c.connectionLost(err)
		return fmt.Errorf("dial: %w", err)
	}

	c.mu.Lock()
	if c.gen != gen || !c.shouldReconnect {
		c.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("dial: %w", apierr.ErrTransportUnavailable)
	}
	c.gen++
	gen = c.gen
	c.conn = conn
	c.dialing = false
	stop := make(chan struct{})
	c.stopKeepalive = stop
	c.mu.Unlock()

	conn.SetReadLimit(maxFrameSize)
	c.armKeepalive(conn)
	go c.readLoop(gen, conn)
	if c.opts.Keepalive > 0 {
		go c.keepalive(conn, stop)
	}

	auth := protocol.NewAuth(token, c.opts.DeviceID, c.opts.ClientInfo)
	data, err := protocol.Encode(auth)
	if err == nil {
		err = c.write(conn, data)
	}
	if err != nil {
		c.logger.Warn("auth handshake write failed", zap.Error(err))
		_ = conn.Close()
		return fmt.Errorf("auth: %w", err)
	}
	c.logger.Info("realtime socket open, auth sent", zap.String("url", c.opts.URL))
	return nil
}

func (c *Client) readLoop(gen uint64, conn *websocket.Conn) {
	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			c.closed(gen, conn, err)
			return
		}
		c.extendDeadline(conn)
		if typ != websocket.TextMessage {
			continue
		}
		c.router.Handle(data)
	}
}

// closed handles the end of a reader. Stale generations are ignored.
func (c *Client) closed(gen uint64, conn *websocket.Conn, err error) {
	_ = conn.Close()

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.connected = false
	c.stopKeepaliveLocked()
	should := c.shouldReconnect
	c.mu.Unlock()

	c.logger.Warn("realtime socket closed", zap.Error(err))
	c.bus.Emit(bus.ConnDisconnected, err)
	if should {
		c.connectionLost(err)
	}
}

// connectionLost counts a failed attempt and either schedules the next one
// or gives up.
func (c *Client) connectionLost(err error) {
	c.mu.Lock()
	if !c.shouldReconnect {
		c.mu.Unlock()
		return
	}
	c.lastErr = err
	c.attempt++
	attempt := c.attempt
	if attempt > MaxAttempts {
		c.mu.Unlock()
		c.logger.Error("realtime reconnect gave up", zap.Int("attempts", attempt-1), zap.Error(err))
		c.setState(status.Offline)
		c.bus.Emit(bus.ConnGaveUp, err)
		return
	}
	delay := Backoff(attempt)
	c.stopTimerLocked()
	c.reconnectTimer = c.after(delay, c.reconnect)
	c.mu.Unlock()

	c.logger.Info("realtime reconnect scheduled", zap.Int("attempt", attempt), zap.Duration("backoff", delay))
	c.setState(status.Reconnecting)
}

func (c *Client) reconnect() {
	c.mu.Lock()
	c.reconnectTimer = nil
	if !c.shouldReconnect || c.conn != nil || c.dialing {
		c.mu.Unlock()
		return
	}
	token := c.creds.Token()
	if token == "" {
		c.mu.Unlock()
		c.setState(status.Connecting)
		c.connectionLost(apierr.ErrNotAuthenticated)
		return
	}
	c.dialing = true
	gen := c.gen
	c.mu.Unlock()

	c.setState(status.Connecting)
	_ = c.dial(context.Background(), token, gen)
}

func (c *Client) stopTimerLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

func (c *Client) setState(to status.State) {
	if c.machine.Current() == to {
		return
	}
	if err := c.machine.Transition(to); err != nil {
		c.logger.Debug("status transition skipped", zap.Error(err))
	}
}
