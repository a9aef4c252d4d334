// Package scanner wraps a QR decoder behind a visibility-driven lifecycle:
// start when shown, stop (debounced) when hidden, and only surface errors a
// user can act on.
package scanner

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultStopDebounce absorbs rapid hide/show toggles.
const DefaultStopDebounce = 300 * time.Millisecond

// Adapter drives an Engine from visibility changes. It never starts a running
// engine nor stops a stopped one.
type Adapter struct {
	engine   Engine
	debounce time.Duration
	onResult func(string)
	onError  func(error)

	ctx    context.Context
	cancel context.CancelFunc
	// gen identifies the current run; callbacks from older runs are dropped.
	gen atomic.Uint64

	mu        sync.Mutex
	visible   bool
	running   bool
	stopTimer *time.Timer
	closed    bool
}

// NewAdapter creates a stopped adapter. onError receives only actionable
// errors, never per-frame noise.
func NewAdapter(engine Engine, debounce time.Duration, onResult func(string), onError func(error)) *Adapter {
	if debounce <= 0 {
		debounce = DefaultStopDebounce
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Adapter{
		engine:   engine,
		debounce: debounce,
		onResult: onResult,
		onError:  onError,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetVisible starts the engine when v is true and schedules a debounced stop
// when false.
func (a *Adapter) SetVisible(v bool) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.visible = v

	if !v {
		if a.running && a.stopTimer == nil {
			a.stopTimer = time.AfterFunc(a.debounce, a.debouncedStop)
		}
		a.mu.Unlock()
		return
	}

	if a.stopTimer != nil {
		a.stopTimer.Stop()
		a.stopTimer = nil
	}
	if a.running {
		a.mu.Unlock()
		return
	}
	gen := a.gen.Add(1)
	err := a.engine.Start(a.ctx, Callbacks{
		Result: a.resultFor(gen),
		Error:  a.errorFor(gen),
		Done:   a.doneFor(gen),
	})
	if err == nil {
		a.running = true
	}
	a.mu.Unlock()

	if err != nil {
		slog.Warn("scanner: start failed", "error", err)
		if a.onError != nil {
			a.onError(err)
		}
	}
}

// Running reports whether the engine is started.
func (a *Adapter) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// Close stops the engine immediately and cancels a pending stop. Idempotent.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.cancel()
	return a.stopLocked()
}

func (a *Adapter) debouncedStop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopTimer = nil
	if a.closed || a.visible {
		return
	}
	if err := a.stopLocked(); err != nil {
		slog.Warn("scanner: stop failed", "error", err)
	}
}

func (a *Adapter) stopLocked() error {
	if a.stopTimer != nil {
		a.stopTimer.Stop()
		a.stopTimer = nil
	}
	if !a.running {
		return nil
	}
	a.running = false
	a.gen.Add(1)
	return a.engine.Stop()
}

func (a *Adapter) resultFor(gen uint64) func(string) {
	return func(text string) {
		if a.gen.Load() != gen || a.onResult == nil {
			return
		}
		a.onResult(text)
	}
}

// doneFor marks the adapter stopped when a run ends on its own, e.g. after a
// decode or a fatal camera error, so the next SetVisible(true) starts again.
func (a *Adapter) doneFor(gen uint64) func() {
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.closed || a.gen.Load() != gen || !a.running {
			return
		}
		if err := a.stopLocked(); err != nil {
			slog.Warn("scanner: stop failed", "error", err)
		}
	}
}

func (a *Adapter) errorFor(gen uint64) func(error) {
	return func(err error) {
		if a.gen.Load() != gen {
			return
		}
		if IsNoise(err) {
			slog.Debug("scanner: no code in frame", "error", err)
			return
		}
		if a.onError != nil {
			a.onError(err)
		}
	}
}
