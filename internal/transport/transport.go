// Package transport owns the duplex socket of one diagram view.
//
// A Connection holds at most one live socket. It sends heartbeats while
// connected and reconnects with exponential backoff after abnormal closes.
// It never buffers outgoing messages: Send while not connected fails with
// ErrNotConnected and the message is lost.
//
// Callbacks are invoked without internal locks held, possibly from different
// goroutines. Callers that need serialized handling must queue them.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrClosed       = errors.New("connection closed")
)

const (
	DefaultMaxReconnectAttempts = 5
	DefaultInitialDelay         = time.Second
	DefaultMaxDelay             = 30 * time.Second
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultConnectTimeout       = 10 * time.Second

	closeFrameTimeout = time.Second
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Socket is the subset of *websocket.Conn used by a Connection.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type controlWriter interface {
	WriteControl(messageType int, data []byte, deadline time.Time) error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Socket, error)
}

// WebsocketDialer dials gorilla websockets. A nil Dialer uses websocket.DefaultDialer.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
	Header http.Header
}

func (d WebsocketDialer) Dial(ctx context.Context, u string) (Socket, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, u, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial %s (status %d): %w", u, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", u, err)
	}
	return conn, nil
}

type Config struct {
	// URL is the relay base URL; http(s) schemes are mapped to ws(s).
	URL       string
	SessionID string

	// MaxReconnectAttempts bounds consecutive reconnect attempts.
	// Zero means DefaultMaxReconnectAttempts, negative disables reconnecting.
	MaxReconnectAttempts int
	InitialDelay         time.Duration
	MaxDelay             time.Duration
	HeartbeatInterval    time.Duration
	ConnectTimeout       time.Duration

	// Heartbeat builds the payload sent every HeartbeatInterval while connected.
	Heartbeat func() ([]byte, error)
	// Params adds query parameters to every dial, reconnects included.
	Params func() url.Values

	Logger *slog.Logger
}

type Callbacks struct {
	// OnOpen fires once per opened socket, before OnConnect.
	OnOpen func()
	// OnConnect fires on every open and on every Connect call that finds the socket already open.
	OnConnect         func()
	OnDisconnect      func()
	OnError           func(error)
	OnReconnecting    func(attempt int, delay time.Duration)
	OnReconnectFailed func()
	OnMessage         func([]byte)
	OnStateChange     func(State)
}

type Connection struct {
	cfg       Config
	dialer    Dialer
	callbacks Callbacks
	log       *slog.Logger

	state     State
	diagramID string
	sock      Socket
	// gen changes on every Connect and Disconnect so late dials and readers can tell they are stale.
	gen       uint64
	genCtx    context.Context
	genCancel context.CancelFunc
	settled   chan struct{}
	lastErr   error
	attempts  int
	backoff   *backoff.ExponentialBackOff
	timer     *time.Timer
	stopBeat  chan struct{}
	pending   []func()

	mu      sync.Mutex
	writeMu sync.Mutex
}

func New(cfg Config, dialer Dialer, callbacks Callbacks) *Connection {
	if cfg.MaxReconnectAttempts == 0 {
		cfg.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = DefaultInitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if dialer == nil {
		dialer = WebsocketDialer{}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialDelay
	b.MaxInterval = cfg.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.Reset()

	return &Connection{
		cfg:       cfg,
		dialer:    dialer,
		callbacks: callbacks,
		log:       log.With("component", "transport"),
		backoff:   b,
	}
}

// Endpoint returns the socket URL for diagramID.
func (c *Connection) Endpoint(diagramID string) (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid relay url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported relay url scheme %q", u.Scheme)
	}
	u = u.JoinPath("ws", "diagrams", diagramID)
	q := u.Query()
	if c.cfg.Params != nil {
		for k, vs := range c.cfg.Params() {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
	}
	q.Set("session_id", c.cfg.SessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect opens the socket for diagramID and blocks until it is open or failed.
// Calling it again for the same diagram while connecting or connected never opens
// a second socket; it waits for the pending attempt and fires OnConnect again.
// Connecting to another diagram tears the current socket down first.
func (c *Connection) Connect(ctx context.Context, diagramID string) error {
	c.mu.Lock()
	if c.diagramID == diagramID {
		switch c.state {
		case StateConnected:
			c.emit(c.callbacks.OnConnect)
			c.unlock()
			return nil
		case StateConnecting, StateReconnecting:
			settled := c.settled
			c.unlock()
			return c.await(ctx, diagramID, settled)
		}
	}

	if c.state != StateDisconnected {
		c.teardown()
		c.emit(c.callbacks.OnDisconnect)
	}

	c.gen++
	gen := c.gen
	c.genCtx, c.genCancel = context.WithCancel(context.Background())
	c.diagramID = diagramID
	c.attempts = 0
	c.lastErr = nil
	c.backoff.Reset()
	c.transition(StateConnecting)
	c.unlock()

	return c.open(ctx, gen, true)
}

func (c *Connection) await(ctx context.Context, diagramID string, settled chan struct{}) error {
	if settled != nil {
		select {
		case <-settled:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.mu.Lock()
	if c.state == StateConnected && c.diagramID == diagramID {
		c.emit(c.callbacks.OnConnect)
		c.unlock()
		return nil
	}
	err := c.lastErr
	c.unlock()
	if err == nil {
		err = ErrClosed
	}
	return err
}

func (c *Connection) open(ctx context.Context, gen uint64, initial bool) error {
	c.mu.Lock()
	diagramID := c.diagramID
	c.unlock()

	endpoint, err := c.Endpoint(diagramID)
	var sock Socket
	if err == nil {
		dctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		sock, err = c.dialer.Dial(dctx, endpoint)
		cancel()
	}

	c.mu.Lock()
	if gen != c.gen {
		c.unlock()
		if sock != nil {
			_ = sock.Close()
		}
		if err != nil {
			return err
		}
		return ErrClosed
	}

	if err != nil {
		c.lastErr = err
		c.emit(func() {
			if c.callbacks.OnError != nil {
				c.callbacks.OnError(err)
			}
		})
		if initial {
			c.log.Warn("connect failed", "diagram_id", diagramID, "error", err)
			c.transition(StateError)
		} else {
			c.log.Warn("reconnect failed", "diagram_id", diagramID, "attempt", c.attempts, "error", err)
			c.scheduleReconnect()
		}
		c.unlock()
		return err
	}

	c.sock = sock
	c.lastErr = nil
	c.attempts = 0
	c.backoff.Reset()
	c.stopBeat = make(chan struct{})
	go c.heartbeat(sock, c.stopBeat)
	go c.readLoop(gen, sock)

	c.transition(StateConnected)
	c.emit(c.callbacks.OnOpen)
	c.emit(c.callbacks.OnConnect)
	c.log.Info("connected", "diagram_id", diagramID)
	c.unlock()
	return nil
}

func (c *Connection) readLoop(gen uint64, sock Socket) {
	for {
		_, data, err := sock.ReadMessage()
		if err != nil {
			c.dropped(gen, sock, err)
			return
		}
		if !c.current(gen, sock) {
			return
		}
		if c.callbacks.OnMessage != nil {
			c.callbacks.OnMessage(data)
		}
	}
}

func (c *Connection) current(gen uint64, sock Socket) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.gen && c.sock == sock
}

func (c *Connection) dropped(gen uint64, sock Socket, err error) {
	c.mu.Lock()
	if gen != c.gen || c.sock != sock || c.state != StateConnected {
		c.unlock()
		return
	}

	c.detach()
	if isCleanClose(err) {
		c.log.Info("socket closed", "diagram_id", c.diagramID, "error", err)
		c.transition(StateDisconnected)
		c.emit(c.callbacks.OnDisconnect)
		c.unlock()
		return
	}

	c.log.Warn("socket dropped", "diagram_id", c.diagramID, "error", err)
	c.emit(func() {
		if c.callbacks.OnError != nil {
			c.callbacks.OnError(err)
		}
	})
	c.scheduleReconnect()
	c.unlock()
}

func isCleanClose(err error) bool {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway
}

// scheduleReconnect must be called with mu held.
func (c *Connection) scheduleReconnect() {
	if c.cfg.MaxReconnectAttempts < 0 || c.attempts >= c.cfg.MaxReconnectAttempts {
		c.log.Error("giving up reconnecting", "diagram_id", c.diagramID, "attempts", c.attempts)
		c.transition(StateError)
		c.emit(c.callbacks.OnReconnectFailed)
		return
	}

	c.attempts++
	attempt := c.attempts
	delay := c.backoff.NextBackOff()
	if delay > c.cfg.MaxDelay {
		delay = c.cfg.MaxDelay
	}

	gen := c.gen
	c.timer = time.AfterFunc(delay, func() { c.reconnect(gen) })
	c.transition(StateReconnecting)
	c.emit(func() {
		if c.callbacks.OnReconnecting != nil {
			c.callbacks.OnReconnecting(attempt, delay)
		}
	})
}

func (c *Connection) reconnect(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateReconnecting {
		c.unlock()
		return
	}
	c.timer = nil
	ctx := c.genCtx
	c.unlock()

	_ = c.open(ctx, gen, false)
}

func (c *Connection) heartbeat(sock Socket, stop <-chan struct{}) {
	t := time.NewTicker(c.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if c.cfg.Heartbeat == nil {
				continue
			}
			data, err := c.cfg.Heartbeat()
			if err != nil {
				c.log.Warn("failed to build heartbeat", "error", err)
				continue
			}
			if err := c.write(sock, data); err != nil {
				c.log.Debug("heartbeat write failed", "error", err)
			}
		}
	}
}

// Send writes data to the open socket. It does not queue: while not connected
// the message is dropped and ErrNotConnected returned.
func (c *Connection) Send(data []byte) error {
	c.mu.Lock()
	sock := c.sock
	state := c.state
	c.mu.Unlock()

	if state != StateConnected || sock == nil {
		c.log.Debug("dropping outgoing message", "state", state)
		return ErrNotConnected
	}
	return c.write(sock, data)
}

func (c *Connection) write(sock Socket, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := sock.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Disconnect closes the socket, cancels pending reconnects and heartbeats and
// always fires OnDisconnect. It is safe to call repeatedly and from callbacks.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	c.gen++
	c.teardown()
	c.diagramID = ""
	c.attempts = 0
	c.transition(StateDisconnected)
	c.emit(c.callbacks.OnDisconnect)
	c.unlock()
}

// teardown must be called with mu held.
func (c *Connection) teardown() {
	if c.genCancel != nil {
		c.genCancel()
		c.genCancel = nil
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.stopBeat != nil {
		close(c.stopBeat)
		c.stopBeat = nil
	}
	if c.sock != nil {
		c.closeGracefully(c.sock)
		c.sock = nil
	}
}

// detach must be called with mu held.
func (c *Connection) detach() {
	if c.stopBeat != nil {
		close(c.stopBeat)
		c.stopBeat = nil
	}
	if c.sock != nil {
		_ = c.sock.Close()
	}
	c.sock = nil
}

func (c *Connection) closeGracefully(sock Socket) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if cw, ok := sock.(controlWriter); ok {
		_ = cw.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeFrameTimeout))
	}
	_ = sock.Close()
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) IsConnected() bool {
	return c.State() == StateConnected
}

func (c *Connection) DiagramID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.diagramID
}

// transition must be called with mu held.
func (c *Connection) transition(s State) {
	if c.state == s {
		return
	}
	c.state = s
	switch s {
	case StateConnecting, StateReconnecting:
		if c.settled == nil {
			c.settled = make(chan struct{})
		}
	default:
		if c.settled != nil {
			close(c.settled)
			c.settled = nil
		}
	}
	if cb := c.callbacks.OnStateChange; cb != nil {
		c.pending = append(c.pending, func() { cb(s) })
	}
}

// emit queues f to run after mu is released.
func (c *Connection) emit(f func()) {
	if f != nil {
		c.pending = append(c.pending, f)
	}
}

func (c *Connection) unlock() {
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, f := range pending {
		f()
	}
}
