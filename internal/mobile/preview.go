package mobile

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

// ErrPreviewReleased is returned when a preview is released a second time.
var ErrPreviewReleased = errors.New("preview already released")

// Preview is a local preview of a staged image. Release must be called exactly once.
type Preview interface {
	Path() string
	Release() error
}

// Previewer creates previews. It returns a nil Preview for files it does not preview.
type Previewer interface {
	Preview(path, contentType string) (Preview, error)
}

// ThumbnailPreviewer writes a JPEG thumbnail of each staged image to Dir.
type ThumbnailPreviewer struct {
	Dir     string // default os.TempDir()
	MaxSide int    // default 256
}

func (p ThumbnailPreviewer) Preview(path, contentType string) (Preview, error) {
	if !strings.HasPrefix(contentType, "image/") {
		return nil, nil
	}
	side := p.MaxSide
	if side <= 0 {
		side = 256
	}

	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	thumb := imaging.Fit(img, side, side, imaging.Lanczos)

	f, err := os.CreateTemp(p.Dir, "scanlink-preview-*.jpg")
	if err != nil {
		return nil, fmt.Errorf("create preview: %w", err)
	}
	if err := imaging.Encode(f, thumb, imaging.JPEG, imaging.JPEGQuality(80)); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("encode preview: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return nil, err
	}
	return &filePreview{path: f.Name()}, nil
}

type filePreview struct {
	path     string
	released atomic.Bool
}

func (p *filePreview) Path() string { return p.path }

func (p *filePreview) Release() error {
	if !p.released.CompareAndSwap(false, true) {
		return ErrPreviewReleased
	}
	if err := os.Remove(p.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
