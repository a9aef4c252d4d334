// Package desktop implements the desktop side of mobile pairing: it obtains a
// short-lived code, registers it on a realtime channel and waits for a mobile
// session to consume it.
package desktop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/atotto/clipboard"

	"github.com/nextlevelbuilder/scanlink/internal/apiclient"
	"github.com/nextlevelbuilder/scanlink/internal/auth"
	"github.com/nextlevelbuilder/scanlink/internal/pairing"
	"github.com/nextlevelbuilder/scanlink/internal/realtime"
	"github.com/nextlevelbuilder/scanlink/pkg/protocol"
)

// User-facing messages.
const (
	MsgOpenFailed    = "Could not open the realtime connection. Generate a new code to try again."
	MsgChannelClosed = "Realtime connection lost. Generate a new code to continue."
	MsgExpired       = "This pairing code has expired. Generate a new code."
	MsgCopied        = "Code copied to clipboard."
	MsgCopyFailed    = "Could not copy the code. Copy it manually."
)

var (
	// ErrClosed is returned by operations on a closed controller.
	ErrClosed = errors.New("desktop controller closed")
	// ErrSuperseded is returned by RequestNewCode when a newer request replaced it.
	ErrSuperseded = errors.New("code request superseded")
	// ErrNoCode is returned by CopyCode and the QR helpers before a code exists.
	ErrNoCode = errors.New("no pairing code yet")
)

// CodeGenerator obtains pairing codes. *apiclient.Client implements it.
type CodeGenerator interface {
	GenerateCode(ctx context.Context, token string) (string, error)
}

// Opener starts a realtime channel for one registration. Open must return
// immediately and never invoke the handler before returning.
type Opener interface {
	Open(ctx context.Context, reg protocol.RegisterDesktop, h realtime.Handler) io.Closer
}

// DialerOpener adapts a realtime.Dialer to Opener.
type DialerOpener struct {
	Dialer *realtime.Dialer
}

func (o DialerOpener) Open(ctx context.Context, reg protocol.RegisterDesktop, h realtime.Handler) io.Closer {
	return o.Dialer.Open(ctx, reg, h)
}

// Clipboard writes text to the system clipboard.
type Clipboard interface {
	WriteAll(text string) error
}

// SystemClipboard is the OS clipboard.
type SystemClipboard struct{}

func (SystemClipboard) WriteAll(text string) error { return clipboard.WriteAll(text) }

// Options configures a Controller.
type Options struct {
	Generator CodeGenerator
	Opener    Opener
	Identity  auth.Source
	Clipboard Clipboard     // default SystemClipboard
	CodeTTL   time.Duration // default pairing.DefaultCodeTTL
}

// Controller owns the pairing code, the single realtime channel and the status
// machine. All mutations go through mu; listeners run outside it, in order.
type Controller struct {
	gen   CodeGenerator
	open  Opener
	ident auth.Source
	clip  Clipboard
	ttl   time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	notifyMu  sync.Mutex
	state     State
	epoch     uint64
	channel   io.Closer
	closing   []io.Closer // detached channels, closed once mu is released
	expiry    *time.Timer
	closed    bool
	listeners map[int]func(State)
	nextID    int
}

// New creates a Controller. Nothing happens until Start.
func New(opts Options) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		gen:       opts.Generator,
		open:      opts.Opener,
		ident:     opts.Identity,
		clip:      opts.Clipboard,
		ttl:       opts.CodeTTL,
		ctx:       ctx,
		cancel:    cancel,
		listeners: make(map[int]func(State)),
	}
	if c.clip == nil {
		c.clip = SystemClipboard{}
	}
	if c.ttl <= 0 {
		c.ttl = pairing.DefaultCodeTTL
	}
	return c
}

// State returns the current snapshot.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe registers fn to receive every state change. fn must not call back
// into the controller. The returned func removes it.
func (c *Controller) Subscribe(fn func(State)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// Start requests the first code. It is a no-op once a code was requested.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	started := c.state.Status != ""
	c.mu.Unlock()
	if started {
		return nil
	}
	return c.RequestNewCode(ctx)
}

// Regenerate discards the current code and channel and requests a new code.
// It is the recovery action for every failed state.
func (c *Controller) Regenerate(ctx context.Context) error {
	return c.RequestNewCode(ctx)
}

// RequestNewCode closes any live channel, requests a code and opens a channel
// registered for it. Concurrent calls are safe: only the newest one's result is
// applied and at most one channel is ever open.
func (c *Controller) RequestNewCode(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.epoch++
	epoch := c.epoch
	c.teardownLocked()
	c.state = State{Status: StatusInitializing}
	c.unlockAndNotify()

	ident, err := c.ident.Identity()
	if err != nil {
		return c.fail(epoch, err)
	}

	gctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	code, err := c.gen.GenerateCode(gctx, ident.Token)
	if err != nil {
		return c.fail(epoch, err)
	}

	c.mu.Lock()
	if c.closed || epoch != c.epoch {
		c.mu.Unlock()
		slog.Debug("desktop: dropping superseded code", "code", code)
		return ErrSuperseded
	}
	c.teardownLocked()
	c.state = State{
		Status:    StatusWaiting,
		Code:      code,
		ExpiresAt: time.Now().Add(c.ttl),
	}
	c.expiry = time.AfterFunc(c.ttl, func() { c.expire(epoch, code) })
	reg := protocol.NewRegisterDesktop(code, ident.UserID)
	c.channel = c.open.Open(c.ctx, reg, func(ev realtime.Event) {
		c.handleChannelEvent(epoch, code, ev)
	})
	slog.Info("desktop: waiting for mobile", "code", code, "expires_in", c.ttl)
	c.unlockAndNotify()
	return nil
}

// CopyCode puts the current code on the clipboard. Failure only sets a notice.
func (c *Controller) CopyCode() error {
	c.mu.Lock()
	code := c.state.Code
	c.mu.Unlock()
	if code == "" {
		return ErrNoCode
	}

	err := c.clip.WriteAll(code)
	notice := MsgCopied
	if err != nil {
		slog.Warn("desktop: clipboard write failed", "error", err)
		notice = MsgCopyFailed
	}

	c.mu.Lock()
	if c.closed || c.state.Code != code {
		c.mu.Unlock()
		return err
	}
	c.state.Notice = notice
	c.unlockAndNotify()
	return err
}

// Close tears down the channel and timers. Idempotent; no listener runs afterwards.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.epoch++
	c.teardownLocked()
	c.cancel()
	clear(c.listeners)
	closing := c.takeClosingLocked()
	c.mu.Unlock()
	closeChannels(closing)

	// Wait out a delivery already in progress.
	c.notifyMu.Lock()
	c.notifyMu.Unlock()
	return nil
}

func (c *Controller) fail(epoch uint64, err error) error {
	c.mu.Lock()
	if c.closed || epoch != c.epoch {
		c.mu.Unlock()
		return ErrSuperseded
	}
	slog.Warn("desktop: code request failed", "error", err)
	c.teardownLocked()
	c.state = State{
		Status:       StatusError,
		ErrorMessage: apiclient.UserMessage(err),
		AuthRequired: isAuthError(err),
	}
	c.unlockAndNotify()
	return err
}

func isAuthError(err error) bool {
	return apiclient.IsKind(err, apiclient.KindAuth) ||
		errors.Is(err, auth.ErrNoToken) || errors.Is(err, auth.ErrNoUserID)
}

func (c *Controller) expire(epoch uint64, code string) {
	c.mu.Lock()
	if c.closed || epoch != c.epoch || c.state.Code != code || c.state.Status != StatusWaiting {
		c.mu.Unlock()
		return
	}
	slog.Info("desktop: code expired", "code", code)
	c.teardownLocked()
	c.state.Status = StatusError
	c.state.ErrorMessage = MsgExpired
	c.unlockAndNotify()
}

// handleChannelEvent applies an event from the channel opened for (epoch, code).
// Events from superseded channels are dropped.
func (c *Controller) handleChannelEvent(epoch uint64, code string, ev realtime.Event) {
	c.mu.Lock()
	if c.closed || epoch != c.epoch || c.state.Code != code {
		c.mu.Unlock()
		slog.Debug("desktop: stale channel event", "code", code, "event", ev.Kind)
		return
	}

	changed := false
	switch ev.Kind {
	case realtime.EventOpened:
		slog.Debug("desktop: channel opened", "code", code)
	case realtime.EventOpenFailed:
		if c.state.Status == StatusWaiting {
			slog.Warn("desktop: channel open failed", "code", code, "error", ev.Err)
			c.teardownLocked()
			c.state.Status = StatusChannelError
			c.state.ErrorMessage = MsgOpenFailed
			changed = true
		}
	case realtime.EventClosed:
		if !ev.SelfInitiated && c.state.Status == StatusWaiting {
			slog.Warn("desktop: channel closed unexpectedly", "code", code, "error", ev.Err)
			c.channel = nil
			c.teardownLocked()
			c.state.Status = StatusChannelClosed
			c.state.ErrorMessage = MsgChannelClosed
			changed = true
		}
	case realtime.EventMessage:
		changed = c.applyMessageLocked(ev.Message)
	}

	if !changed {
		c.mu.Unlock()
		return
	}
	c.unlockAndNotify()
}

func (c *Controller) applyMessageLocked(msg protocol.Inbound) bool {
	if c.state.Status != StatusWaiting {
		return false
	}

	switch m := msg.(type) {
	case protocol.RegisterSuccess:
		if c.state.Registered {
			return false
		}
		c.state.Registered = true
		slog.Debug("desktop: registration confirmed", "code", c.state.Code)
		return true

	case protocol.RegisterFail:
		slog.Warn("desktop: registration rejected", "code", c.state.Code, "reason", m.Reason)
		c.teardownLocked()
		c.state.Status = StatusChannelError
		c.state.ErrorMessage = registerFailMessage(m.Reason)
		return true

	case protocol.MobileConnected:
		if m.ConnectionID != c.state.Code {
			slog.Debug("desktop: ignoring mobile for another code", "code", c.state.Code, "got", m.ConnectionID)
			return false
		}
		slog.Info("desktop: mobile connected", "code", c.state.Code)
		c.teardownLocked()
		c.state.Status = StatusConnected
		c.state.ErrorMessage = ""
		return true
	}
	return false
}

func registerFailMessage(reason string) string {
	if reason == "" {
		return "The server rejected this pairing code. Generate a new code to try again."
	}
	return fmt.Sprintf("The server rejected this pairing code (%s). Generate a new code to try again.", reason)
}

// teardownLocked detaches the live channel and stops the expiry timer. The
// channel is closed by whoever releases mu, since closing may block on the
// network.
func (c *Controller) teardownLocked() {
	if c.expiry != nil {
		c.expiry.Stop()
		c.expiry = nil
	}
	if c.channel != nil {
		c.closing = append(c.closing, c.channel)
		c.channel = nil
	}
}

func (c *Controller) takeClosingLocked() []io.Closer {
	cs := c.closing
	c.closing = nil
	return cs
}

func closeChannels(cs []io.Closer) {
	for _, ch := range cs {
		if err := ch.Close(); err != nil {
			slog.Debug("desktop: channel close", "error", err)
		}
	}
}

// unlockAndNotify releases mu, delivers the new state to every listener and
// then closes detached channels. notifyMu is taken before mu is released so
// deliveries keep transition order.
func (c *Controller) unlockAndNotify() {
	s := c.state
	fns := make([]func(State), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	closing := c.takeClosingLocked()
	c.notifyMu.Lock()
	c.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
	c.notifyMu.Unlock()
	closeChannels(closing)
}
