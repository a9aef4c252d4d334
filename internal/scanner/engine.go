package scanner

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"
)

// Callbacks receive the events of one engine run.
type Callbacks struct {
	Result func(string)
	Error  func(error)
	// Done is called once when the run ends, whether it stopped by itself or
	// through Stop. Stop must still be called before the next Start.
	Done func()
}

// Engine is a code decoder with a start/stop lifecycle. Start must not block;
// callbacks run on the engine's own goroutine.
type Engine interface {
	Start(ctx context.Context, cb Callbacks) error
	Stop() error
}

// ImageEngine decodes QR codes from a FrameSource at most FPS frames per second.
// It reports the first decoded code and then stops reading.
type ImageEngine struct {
	Source FrameSource
	FPS    float64 // default 5

	mu     sync.Mutex
	cancel context.CancelFunc
}

func (e *ImageEngine) Start(ctx context.Context, cb Callbacks) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return ErrRunning
	}
	if e.Source == nil {
		return ErrNoCamera
	}
	fps := e.FPS
	if fps <= 0 {
		fps = 5
	}

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	go e.loop(ctx, rate.NewLimiter(rate.Limit(fps), 1), cb)
	return nil
}

// Stop cancels the decode loop. It does not wait for the loop to exit.
func (e *ImageEngine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	return nil
}

func (e *ImageEngine) loop(ctx context.Context, limiter *rate.Limiter, cb Callbacks) {
	if cb.Done != nil {
		defer cb.Done()
	}
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		img, err := e.Source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			cb.Error(err)
			if IsNoise(err) {
				continue
			}
			return
		}

		text, err := Decode(img)
		if err != nil {
			if !IsNoise(err) {
				slog.Debug("scanner: decode failed", "error", err)
			}
			cb.Error(err)
			continue
		}
		if ctx.Err() != nil {
			return
		}
		cb.Result(text)
		return
	}
}
