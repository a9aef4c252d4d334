// Package realtime owns the desktop's websocket channel to the pairing backend.
// A Channel registers a pairing code once the socket opens and delivers decoded
// backend frames to a single handler, in order, from one goroutine.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/scanlink/pkg/protocol"
)

const (
	// maxMessageSize caps inbound frames. Backend frames are tiny.
	maxMessageSize = 64 * 1024

	writeWait             = 10 * time.Second
	closeWait             = time.Second
	defaultHandshakeLimit = 10 * time.Second
)

// EventKind identifies a channel lifecycle event.
type EventKind int

const (
	EventOpened EventKind = iota
	EventOpenFailed
	EventMessage
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventOpened:
		return "opened"
	case EventOpenFailed:
		return "open_failed"
	case EventMessage:
		return "message"
	case EventClosed:
		return "closed"
	}
	return "unknown"
}

// Event is delivered to a Handler. Message is set for EventMessage; Err may be set
// for EventOpenFailed and EventClosed. SelfInitiated marks a close caused by Channel.Close.
type Event struct {
	Kind          EventKind
	Message       protocol.Inbound
	Err           error
	SelfInitiated bool
}

// Handler receives channel events. It is never called synchronously from Open
// and must not block for long.
type Handler func(Event)

// Dialer opens Channels to one realtime endpoint.
type Dialer struct {
	URL              string
	PingInterval     time.Duration // 0 disables keepalive pings
	HandshakeTimeout time.Duration
	Header           http.Header
}

// NewDialer returns a Dialer for url with the given keepalive interval.
func NewDialer(url string, ping time.Duration) *Dialer {
	return &Dialer{URL: url, PingInterval: ping, HandshakeTimeout: defaultHandshakeLimit}
}

// Channel is one websocket connection bound to one pairing code.
type Channel struct {
	id      string
	url     string
	reg     protocol.RegisterDesktop
	handler Handler
	ping    time.Duration
	ws      *websocket.Dialer
	header  http.Header

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// Open starts connecting in the background and returns immediately.
// On success reg is sent as the first frame. Cancelling ctx closes the channel.
func (d *Dialer) Open(ctx context.Context, reg protocol.RegisterDesktop, handler Handler) *Channel {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeLimit
	}
	cctx, cancel := context.WithCancel(ctx)
	c := &Channel{
		id:      uuid.NewString(),
		url:     d.URL,
		reg:     reg,
		handler: handler,
		ping:    d.PingInterval,
		ws: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: timeout,
		},
		header: d.Header,
		ctx:    cctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.run()
	return c
}

// ID returns the channel's unique identifier.
func (c *Channel) ID() string { return c.id }

// Done is closed once the channel's goroutine has exited and no more events follow.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Close tears the channel down. It never blocks on the network for long and is
// safe to call any number of times, including before the dial finishes.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		c.cancel()
		return nil
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeWait))
	err := conn.Close()
	c.cancel()
	return err
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Channel) run() {
	defer close(c.done)
	defer c.cancel()

	conn, _, err := c.ws.DialContext(c.ctx, c.url, c.header)
	if err != nil {
		if c.isClosed() || c.ctx.Err() != nil {
			return
		}
		slog.Warn("realtime dial failed", "channel", c.id, "url", c.url, "error", err)
		c.handler(Event{Kind: EventOpenFailed, Err: err})
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.mu.Unlock()

	// Parent cancellation unblocks the read loop.
	go func() {
		<-c.ctx.Done()
		conn.Close()
	}()

	slog.Debug("realtime channel open", "channel", c.id, "code", c.reg.ConnectionID)
	c.handler(Event{Kind: EventOpened})

	if err := c.register(conn); err != nil {
		conn.Close()
		c.handler(Event{Kind: EventClosed, Err: err, SelfInitiated: c.isClosed() || c.ctx.Err() != nil})
		return
	}

	stop := make(chan struct{})
	go c.pingLoop(conn, stop)
	err = c.readLoop(conn)
	close(stop)
	conn.Close()

	self := c.isClosed() || c.ctx.Err() != nil
	if !self {
		slog.Info("realtime channel closed by peer", "channel", c.id, "error", err)
	}
	c.handler(Event{Kind: EventClosed, Err: err, SelfInitiated: self})
}

func (c *Channel) register(conn *websocket.Conn) error {
	data, err := json.Marshal(c.reg)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Channel) readLoop(conn *websocket.Conn) error {
	conn.SetReadLimit(maxMessageSize)
	if c.ping > 0 {
		pongWait := 2 * c.ping
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if c.ping > 0 {
			conn.SetReadDeadline(time.Now().Add(2 * c.ping))
		}

		msg, err := protocol.DecodeInbound(data)
		if err != nil {
			if errors.Is(err, protocol.ErrUnknownFrame) {
				slog.Debug("realtime frame ignored", "channel", c.id, "error", err)
			} else {
				slog.Warn("realtime frame malformed", "channel", c.id, "error", err)
			}
			continue
		}
		c.handler(Event{Kind: EventMessage, Message: msg})
	}
}

func (c *Channel) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	if c.ping <= 0 {
		return
	}
	ticker := time.NewTicker(c.ping)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				slog.Debug("realtime ping failed", "channel", c.id, "error", err)
				return
			}
		}
	}
}
