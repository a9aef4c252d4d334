package scanner

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io/fs"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	qrgen "github.com/skip2/go-qrcode"
)

func qrImage(t *testing.T, text string) image.Image {
	t.Helper()
	q, err := qrgen.New(text, qrgen.Medium)
	if err != nil {
		t.Fatalf("encode qr: %v", err)
	}
	return q.Image(256)
}

func TestDecode(t *testing.T) {
	got, err := Decode(qrImage(t, "Q7K2M9"))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != "Q7K2M9" {
		t.Errorf("decoded %q, want Q7K2M9", got)
	}
}

func TestDecode_BlankFrameIsNoise(t *testing.T) {
	_, err := Decode(imaging.New(200, 200, color.White))
	if !IsNoise(err) {
		t.Errorf("err = %v, want noise", err)
	}
}

func TestMessage(t *testing.T) {
	if IsNoise(ErrPermissionDenied) || IsNoise(ErrNoCamera) {
		t.Error("permission and camera errors must not be noise")
	}
	if Message(nil) != "" {
		t.Error("nil error should have no message")
	}
	for _, err := range []error{ErrPermissionDenied, ErrNoCamera, ErrNoMoreFrames, errors.New("boom")} {
		if Message(fmt.Errorf("wrapped: %w", err)) == "" {
			t.Errorf("no message for %v", err)
		}
	}
	if Message(ErrPermissionDenied) == Message(ErrNoCamera) {
		t.Error("permission and camera errors should read differently")
	}
}

func TestOpenError(t *testing.T) {
	perm := &fs.PathError{Op: "open", Path: "x.png", Err: fs.ErrPermission}
	if err := openError("x.png", perm); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("permission: %v", err)
	}
	missing := &fs.PathError{Op: "open", Path: "x.png", Err: fs.ErrNotExist}
	if err := openError("x.png", missing); !errors.Is(err, ErrNoCamera) {
		t.Errorf("missing: %v", err)
	}
	if err := openError("x.png", errors.New("image: unknown format")); !IsNoise(err) {
		t.Errorf("undecodable: %v", err)
	}
}

func TestImageEngine_FileFrames(t *testing.T) {
	dir := t.TempDir()
	blank := filepath.Join(dir, "blank.png")
	code := filepath.Join(dir, "code.png")
	if err := imaging.Save(imaging.New(200, 200, color.White), blank); err != nil {
		t.Fatal(err)
	}
	if err := imaging.Save(qrImage(t, "ABC123"), code); err != nil {
		t.Fatal(err)
	}

	results := make(chan string, 1)
	errs := make(chan error, 4)
	eng := &ImageEngine{Source: &FileSource{Paths: []string{blank, code}}, FPS: 100}
	a := NewAdapter(eng, 10*time.Millisecond, func(s string) { results <- s }, func(err error) { errs <- err })
	defer a.Close()

	a.SetVisible(true)
	select {
	case got := <-results:
		if got != "ABC123" {
			t.Errorf("result = %q", got)
		}
	case err := <-errs:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("no result")
	}
}

func TestImageEngine_ExhaustedSource(t *testing.T) {
	dir := t.TempDir()
	blank := filepath.Join(dir, "blank.png")
	if err := imaging.Save(imaging.New(100, 100, color.Black), blank); err != nil {
		t.Fatal(err)
	}

	errs := make(chan error, 4)
	eng := &ImageEngine{Source: &FileSource{Paths: []string{blank}}, FPS: 100}
	a := NewAdapter(eng, 10*time.Millisecond, func(string) {}, func(err error) { errs <- err })
	defer a.Close()

	a.SetVisible(true)
	select {
	case err := <-errs:
		if !errors.Is(err, ErrNoMoreFrames) {
			t.Errorf("err = %v, want ErrNoMoreFrames", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no error reported")
	}
}

func TestImageEngine_StartTwice(t *testing.T) {
	eng := &ImageEngine{Source: &FileSource{}}
	cb := Callbacks{Result: func(string) {}, Error: func(error) {}}
	if err := eng.Start(context.Background(), cb); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer eng.Stop()
	if err := eng.Start(context.Background(), cb); !errors.Is(err, ErrRunning) {
		t.Errorf("second start: %v", err)
	}
}

type fakeEngine struct {
	mu         sync.Mutex
	running    bool
	starts     int
	stops      int
	violations int
	startErr   error
	cb         Callbacks
}

func (e *fakeEngine) Start(_ context.Context, cb Callbacks) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		e.violations++
	}
	if e.startErr != nil {
		return e.startErr
	}
	e.running = true
	e.starts++
	e.cb = cb
	return nil
}

func (e *fakeEngine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		e.violations++
	}
	e.running = false
	e.stops++
	return nil
}

func (e *fakeEngine) counts() (starts, stops, violations int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.starts, e.stops, e.violations
}

func (e *fakeEngine) callbacks() (func(string), func(error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cb.Result, e.cb.Error
}

// finish ends the current run the way an engine does after a decode.
func (e *fakeEngine) finish() {
	e.mu.Lock()
	done := e.cb.Done
	e.mu.Unlock()
	if done != nil {
		done()
	}
}

// deniedSource fails every frame with a permission error.
type deniedSource struct {
	mu    sync.Mutex
	calls int
}

func (s *deniedSource) Next(context.Context) (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return nil, ErrPermissionDenied
}

func (s *deniedSource) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestAdapter_DebouncesStop(t *testing.T) {
	eng := &fakeEngine{}
	a := NewAdapter(eng, 50*time.Millisecond, nil, nil)
	defer a.Close()

	a.SetVisible(true)
	for range 5 {
		a.SetVisible(false)
		a.SetVisible(true)
	}
	if starts, stops, _ := eng.counts(); starts != 1 || stops != 0 {
		t.Fatalf("starts=%d stops=%d, want 1 and 0", starts, stops)
	}

	a.SetVisible(false)
	time.Sleep(150 * time.Millisecond)
	starts, stops, violations := eng.counts()
	if starts != 1 || stops != 1 || violations != 0 {
		t.Errorf("starts=%d stops=%d violations=%d", starts, stops, violations)
	}
	if a.Running() {
		t.Error("adapter still running after debounced stop")
	}
}

func TestAdapter_CloseCancelsPendingStop(t *testing.T) {
	eng := &fakeEngine{}
	a := NewAdapter(eng, 30*time.Millisecond, nil, nil)

	a.SetVisible(true)
	a.SetVisible(false)
	a.Close()
	a.Close()
	time.Sleep(80 * time.Millisecond)

	starts, stops, violations := eng.counts()
	if starts != 1 || stops != 1 || violations != 0 {
		t.Errorf("starts=%d stops=%d violations=%d", starts, stops, violations)
	}
	a.SetVisible(true)
	if s, _, _ := eng.counts(); s != 1 {
		t.Error("closed adapter restarted the engine")
	}
}

func TestAdapter_FiltersNoiseAndStaleCallbacks(t *testing.T) {
	eng := &fakeEngine{}
	var mu sync.Mutex
	var results []string
	var errs []error
	a := NewAdapter(eng, 10*time.Millisecond,
		func(s string) { mu.Lock(); results = append(results, s); mu.Unlock() },
		func(err error) { mu.Lock(); errs = append(errs, err); mu.Unlock() })
	defer a.Close()

	a.SetVisible(true)
	onResult, onError := eng.callbacks()
	onError(fmt.Errorf("%w: checksum", ErrNoCode))
	onError(ErrPermissionDenied)
	onResult("ABC123")

	a.SetVisible(false)
	time.Sleep(50 * time.Millisecond)
	// Late callbacks from the stopped run.
	onResult("STALE1")
	onError(ErrNoCamera)

	mu.Lock()
	defer mu.Unlock()
	if len(results) != 1 || results[0] != "ABC123" {
		t.Errorf("results = %v", results)
	}
	if len(errs) != 1 || !errors.Is(errs[0], ErrPermissionDenied) {
		t.Errorf("errors = %v", errs)
	}
}

func TestAdapter_StartFailureSurfaces(t *testing.T) {
	eng := &fakeEngine{startErr: ErrNoCamera}
	var got error
	a := NewAdapter(eng, 0, nil, func(err error) { got = err })
	defer a.Close()

	a.SetVisible(true)
	if !errors.Is(got, ErrNoCamera) {
		t.Errorf("error = %v, want ErrNoCamera", got)
	}
	if a.Running() {
		t.Error("adapter running after failed start")
	}
}

func TestAdapter_RestartsAfterEngineExits(t *testing.T) {
	src := &deniedSource{}
	eng := &ImageEngine{Source: src, FPS: 100}
	errs := make(chan error, 4)
	a := NewAdapter(eng, 10*time.Millisecond, nil, func(err error) { errs <- err })
	defer a.Close()

	for round := 1; round <= 2; round++ {
		a.SetVisible(true)
		select {
		case err := <-errs:
			if !errors.Is(err, ErrPermissionDenied) {
				t.Fatalf("round %d: err = %v, want ErrPermissionDenied", round, err)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("round %d: engine did not run", round)
		}
		deadline := time.Now().Add(time.Second)
		for a.Running() && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		if a.Running() {
			t.Fatalf("round %d: adapter still running after the engine exited", round)
		}
		if got := src.count(); got != round {
			t.Errorf("round %d: frames read = %d, want %d", round, got, round)
		}
		a.SetVisible(false)
	}
}

func TestAdapter_EngineExitClearsRunning(t *testing.T) {
	eng := &fakeEngine{}
	a := NewAdapter(eng, 10*time.Millisecond, nil, nil)
	defer a.Close()

	a.SetVisible(true)
	eng.finish()
	if a.Running() {
		t.Fatal("adapter still running after the engine finished")
	}
	a.SetVisible(true)
	starts, stops, violations := eng.counts()
	if starts != 2 || stops != 1 || violations != 0 {
		t.Errorf("starts=%d stops=%d violations=%d, want 2 1 0", starts, stops, violations)
	}

	// A late exit from the first run must not stop the second.
	eng.mu.Lock()
	eng.cb = Callbacks{Done: a.doneFor(1)}
	eng.mu.Unlock()
	eng.finish()
	if !a.Running() {
		t.Error("stale exit stopped the current run")
	}
}
