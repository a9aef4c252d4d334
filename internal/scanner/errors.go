package scanner

import "errors"

var (
	// ErrNoCode means a frame held no readable code. It is normal scanning noise.
	ErrNoCode = errors.New("no code in frame")
	// ErrPermissionDenied means the frame source refused access.
	ErrPermissionDenied = errors.New("camera permission denied")
	// ErrNoCamera means there is no frame source to read from.
	ErrNoCamera = errors.New("no camera available")
	// ErrNoMoreFrames means a finite source ended without a decoded code.
	ErrNoMoreFrames = errors.New("no more frames")
	// ErrRunning is returned by Engine.Start on a running engine.
	ErrRunning = errors.New("scanner already running")
)

// IsNoise reports whether err is ordinary per-frame noise that should not reach the user.
func IsNoise(err error) bool {
	return errors.Is(err, ErrNoCode)
}

// Message turns an actionable scanner error into text for the user.
func Message(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPermissionDenied):
		return "Camera access was denied. Allow camera access or type the code."
	case errors.Is(err, ErrNoCamera):
		return "No camera was found. Type the code instead."
	case errors.Is(err, ErrNoMoreFrames):
		return "No pairing code was found. Try again or type the code."
	}
	return "The scanner stopped unexpectedly. Type the code instead."
}
