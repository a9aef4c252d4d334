package scanner

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io/fs"
	"sync"

	"github.com/disintegration/imaging"
)

// FrameSource yields frames to decode. Next returns ErrNoMoreFrames when a
// finite source is exhausted.
type FrameSource interface {
	Next(ctx context.Context) (image.Image, error)
}

// FileSource replays image files as frames, in order.
type FileSource struct {
	Paths []string

	mu  sync.Mutex
	pos int
}

func (s *FileSource) Next(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(s.Paths) == 0 {
		return nil, ErrNoCamera
	}

	s.mu.Lock()
	if s.pos >= len(s.Paths) {
		s.mu.Unlock()
		return nil, ErrNoMoreFrames
	}
	path := s.Paths[s.pos]
	s.pos++
	s.mu.Unlock()

	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, openError(path, err)
	}
	return img, nil
}

// openError maps file errors onto the camera failure taxonomy.
func openError(path string, err error) error {
	switch {
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %s", ErrPermissionDenied, path)
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %s", ErrNoCamera, path)
	}
	// Undecodable frames count as noise, like a blurred camera frame.
	return fmt.Errorf("%w: %s: %v", ErrNoCode, path, err)
}
