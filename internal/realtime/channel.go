// Package realtime keeps one authenticated websocket to the server open,
// reconnecting with a bounded number of retries after it drops.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/matheus3301/imsync/internal/bus"
	"github.com/matheus3301/imsync/internal/status"
	"github.com/matheus3301/imsync/internal/wire"
	"go.uber.org/zap"
)

var (
	// ErrNoToken is returned when a connection is requested without credentials.
	ErrNoToken = errors.New("realtime: no token")
	// ErrNotConnected is returned by Send while the socket is down.
	ErrNotConnected = errors.New("realtime: not connected")

	errBusy = errors.New("realtime: connection attempt in progress")
)

// Handler receives every decoded, recognised inbound frame.
type Handler func(ctx context.Context, f wire.Frame)

// Config tunes the channel.
type Config struct {
	URL         string
	Token       string
	UserID      string
	MaxAttempts int
	Delay       time.Duration
	DialTimeout time.Duration
}

// Channel is the realtime connection. It is safe for concurrent use.
type Channel struct {
	cfg     Config
	dialer  Dialer
	machine *status.Machine
	bus     *bus.Bus
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	handler      Handler
	conn         Conn
	token        string
	remaining    int
	reconnecting bool
	noReconnect  bool
	timer        *time.Timer
}

// New creates a channel in the Disconnected state. Nothing is dialed until
// Start.
func New(cfg Config, dialer Dialer, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *Channel {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.Delay <= 0 {
		cfg.Delay = 5 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		cfg:       cfg,
		dialer:    dialer,
		machine:   machine,
		bus:       b,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		token:     cfg.Token,
		remaining: cfg.MaxAttempts,
	}
}

// SetHandler installs the frame handler. It must be called before Start.
func (c *Channel) SetHandler(h Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// SetToken replaces the credentials used by later connection attempts.
func (c *Channel) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// UserID is the authenticated user the channel sends as.
func (c *Channel) UserID() string { return c.cfg.UserID }

// State returns the connection state.
func (c *Channel) State() status.State { return c.machine.Current() }

// Remaining returns how many automatic reconnects are left.
func (c *Channel) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining
}

// Start makes the first connection attempt. A failed attempt is retried in
// the background under the reconnect policy; only ErrNoToken is returned.
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	c.noReconnect = false
	c.mu.Unlock()

	err := c.connect(ctx)
	if errors.Is(err, ErrNoToken) {
		return err
	}
	if err != nil && !errors.Is(err, errBusy) {
		c.logger.Warn("realtime connect failed", zap.Error(err))
		c.mu.Lock()
		c.scheduleLocked()
		c.mu.Unlock()
	}
	return nil
}

// Stop closes the socket and cancels any pending reconnect. A retry that is
// already queued will see the flag and do nothing.
func (c *Channel) Stop() {
	c.mu.Lock()
	c.noReconnect = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client stop")
		c.closed(nil)
	}
	c.cancel()
}

// Reconnect resets the retry budget and connects now if the socket is down.
// Without a token it does nothing and returns ErrNoToken.
func (c *Channel) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.token == "" {
		c.mu.Unlock()
		return ErrNoToken
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.remaining = c.cfg.MaxAttempts
	c.reconnecting = false
	c.noReconnect = false
	open := c.conn != nil
	c.mu.Unlock()

	if open {
		return nil
	}
	err := c.connect(ctx)
	if errors.Is(err, errBusy) {
		return nil
	}
	if err != nil {
		c.mu.Lock()
		c.scheduleLocked()
		c.mu.Unlock()
		return err
	}
	return nil
}

// Send encodes v and writes it as one text frame.
func (c *Channel) Send(ctx context.Context, v any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := wire.Encode(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Ack acknowledges a pushed frame of the given kind.
func (c *Channel) Ack(ctx context.Context, kind wire.Kind, messageID string) error {
	t := wire.AckFor(kind)
	if t == 0 || messageID == "" {
		return nil
	}
	return c.Send(ctx, &wire.Ack{MessageID: messageID, Type: t, FromUserID: c.cfg.UserID})
}

func (c *Channel) connect(ctx context.Context) error {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token == "" {
		return ErrNoToken
	}

	target, err := withToken(c.cfg.URL, token)
	if err != nil {
		return err
	}
	if err := c.machine.Transition(status.Connecting); err != nil {
		return fmt.Errorf("%w: %v", errBusy, err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	conn, err := c.dialer.Dial(dialCtx, target)
	cancel()
	if err != nil {
		_ = c.machine.Transition(status.Disconnected)
		return err
	}

	c.mu.Lock()
	if c.noReconnect {
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "client stop")
		_ = c.machine.Transition(status.Disconnected)
		return errors.New("realtime: stopped while dialing")
	}
	c.conn = conn
	c.remaining = c.cfg.MaxAttempts
	c.reconnecting = false
	c.mu.Unlock()

	_ = c.machine.Transition(status.Open)
	c.bus.Emit(bus.RealtimeOpen, nil)
	c.logger.Info("realtime channel open")

	go c.readLoop(conn)
	return nil
}

func (c *Channel) readLoop(conn Conn) {
	for {
		_, data, err := conn.Read(c.ctx)
		if err != nil {
			c.mu.Lock()
			current := c.conn == conn
			if current {
				c.conn = nil
			}
			c.mu.Unlock()
			if current {
				_ = conn.Close(websocket.StatusGoingAway, "read failed")
				c.closed(err)
			}
			return
		}

		f, err := wire.Decode(data)
		if err != nil {
			c.logger.Warn("dropping malformed frame", zap.Error(err), zap.Int("bytes", len(data)))
			continue
		}
		if u, ok := f.(*wire.UnknownFrame); ok {
			c.logger.Info("dropping unrecognised frame", zap.String("tag", u.Tag), zap.Int("bytes", len(u.Raw)))
			continue
		}

		c.mu.Lock()
		h := c.handler
		c.mu.Unlock()
		if h != nil {
			h(c.ctx, f)
		}
	}
}

// closed records a dropped connection and schedules a reconnect unless the
// drop was requested.
func (c *Channel) closed(cause error) {
	_ = c.machine.Transition(status.Disconnected)
	c.bus.Emit(bus.RealtimeClosed, nil)
	if cause != nil {
		c.logger.Warn("realtime channel closed", zap.Error(cause))
	}

	c.mu.Lock()
	c.scheduleLocked()
	c.mu.Unlock()
}

// scheduleLocked queues exactly one reconnect attempt. c.mu must be held.
func (c *Channel) scheduleLocked() {
	if c.noReconnect || c.reconnecting {
		return
	}
	if c.remaining <= 0 {
		c.logger.Warn("realtime reconnect attempts exhausted")
		c.bus.Emit(bus.RealtimeGaveUp, nil)
		return
	}
	c.reconnecting = true
	c.remaining--
	c.timer = time.AfterFunc(c.cfg.Delay, c.retry)
}

func (c *Channel) retry() {
	c.mu.Lock()
	c.timer = nil
	if c.noReconnect || c.conn != nil {
		c.reconnecting = false
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	err := c.connect(c.ctx)
	if err == nil {
		return
	}
	c.logger.Warn("realtime reconnect failed", zap.Error(err))

	c.mu.Lock()
	c.reconnecting = false
	if !errors.Is(err, ErrNoToken) && !errors.Is(err, errBusy) {
		c.scheduleLocked()
	}
	c.mu.Unlock()
}

func withToken(raw, token string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse realtime url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
