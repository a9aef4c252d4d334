package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/scanlink/internal/pairing"
	"github.com/nextlevelbuilder/scanlink/pkg/protocol"
)

// maxWSMessageSize caps inbound frames. Desktops only ever send one small registration.
const maxWSMessageSize = 4 * 1024

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

// Client is one desktop websocket connection.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server
	send   chan []byte
	done   chan struct{}
	once   sync.Once

	mu   sync.Mutex
	code string // registered pairing code, empty until REGISTER_DESKTOP succeeds
}

func NewClient(conn *websocket.Conn, server *Server) *Client {
	return &Client{
		id:     uuid.NewString(),
		conn:   conn,
		server: server,
		send:   make(chan []byte, 16),
		done:   make(chan struct{}),
	}
}

// Run starts the read and write pumps for this client and blocks until the connection ends.
func (c *Client) Run(ctx context.Context) {
	go c.writePump()
	c.readPump(ctx)
}

// readPump reads frames from the WebSocket connection.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		if c.server.hub.Unregister(c) {
			// Nobody can be told about a phone on this code any more.
			c.revoke(c.Code())
		}
		c.Close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxWSMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("websocket read error", "client", c.id, "error", err)
			}
			return
		}

		// Reset read deadline on activity
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		c.handleFrame(ctx, data)
	}
}

// writePump writes frames and pings to the WebSocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return

		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleFrame parses and dispatches a single frame.
func (c *Client) handleFrame(ctx context.Context, data []byte) {
	frameType, err := protocol.ParseFrameType(data)
	if err != nil {
		slog.Warn("gateway: invalid frame", "client", c.id, "error", err)
		return
	}

	switch frameType {
	case protocol.TypeRegisterDesktop:
		reg, err := protocol.DecodeRegister(data)
		if err != nil {
			c.Send(protocol.NewRegisterFail("malformed registration"))
			return
		}
		c.register(ctx, reg)
	default:
		slog.Debug("gateway: ignoring frame", "client", c.id, "type", frameType)
	}
}

func (c *Client) register(ctx context.Context, reg protocol.RegisterDesktop) {
	code := pairing.NormalizeCode(reg.ConnectionID)
	pc, err := c.server.store.Get(ctx, code)
	if err != nil {
		reason := "unknown or expired code"
		if !errors.Is(err, pairing.ErrCodeNotFound) && !errors.Is(err, pairing.ErrCodeConsumed) {
			slog.Error("gateway: code lookup failed", "code", code, "error", err)
			reason = "code lookup failed"
		}
		c.Send(protocol.NewRegisterFail(reason))
		return
	}
	if pc.Owner.UserID != reg.UserID {
		slog.Warn("security.register_user_mismatch", "client", c.id, "code", code)
		c.Send(protocol.NewRegisterFail("code belongs to another user"))
		return
	}

	c.mu.Lock()
	prev := c.code
	c.code = code
	c.mu.Unlock()
	c.server.hub.Register(code, c)
	if prev != "" && prev != code && c.server.hub.unbind(prev, c) {
		c.revoke(prev)
	}
	slog.Info("gateway: desktop registered", "client", c.id, "code", code, "user", reg.UserID)
	c.Send(protocol.NewRegisterSuccess(code))
}

// revoke drops a code this desktop abandoned so a phone can no longer pair with it.
func (c *Client) revoke(code string) {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	if err := c.server.store.Revoke(ctx, code); err != nil {
		slog.Warn("gateway: revoke code failed", "client", c.id, "code", code, "error", err)
		return
	}
	slog.Info("gateway: abandoned code revoked", "client", c.id, "code", code)
}

// Send queues a frame for this client. Frames are dropped once the client is closed
// or its buffer is full.
func (c *Client) Send(frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		slog.Error("marshal frame failed", "error", err)
		return
	}
	select {
	case <-c.done:
	case c.send <- data:
	default:
		slog.Warn("client send buffer full, dropping frame", "client", c.id)
	}
}

// ID returns the client's unique identifier.
func (c *Client) ID() string { return c.id }

// Code returns the registered pairing code, if any.
func (c *Client) Code() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code
}

// Close asks the write pump to send a close frame and stop. Idempotent.
func (c *Client) Close() {
	c.once.Do(func() { close(c.done) })
}
