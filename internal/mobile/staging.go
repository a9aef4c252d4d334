package mobile

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/scanlink/internal/apiclient"
)

// ErrFileNotFound is returned when removing an id that is not staged.
var ErrFileNotFound = errors.New("staged file not found")

// StagedFile is a local file waiting to be uploaded.
type StagedFile struct {
	ID          string
	Path        string
	Name        string
	Size        int64
	ContentType string
	preview     Preview
}

func (f *StagedFile) info() FileInfo {
	fi := FileInfo{ID: f.ID, Name: f.Name, Size: f.Size, ContentType: f.ContentType}
	if f.preview != nil {
		fi.PreviewPath = f.preview.Path()
	}
	return fi
}

// releasePreview drops the preview reference so it can never be released twice.
func (f *StagedFile) releasePreview() {
	if f.preview == nil {
		return
	}
	p := f.preview
	f.preview = nil
	if err := p.Release(); err != nil {
		slog.Warn("mobile: release preview", "file", f.Name, "error", err)
	}
}

// Staging is the ordered set of staged files. It is not safe for concurrent use;
// the controller guards it.
type Staging struct {
	files []*StagedFile
}

// newStagedFile inspects path and builds a StagedFile. It does no locking and may be slow.
func newStagedFile(path string, previewer Previewer) (*StagedFile, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !st.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file", path)
	}
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return nil, fmt.Errorf("detect type of %s: %w", path, err)
	}

	f := &StagedFile{
		ID:          uuid.NewString(),
		Path:        path,
		Name:        filepath.Base(path),
		Size:        st.Size(),
		ContentType: mt.String(),
	}
	if previewer != nil {
		p, err := previewer.Preview(path, mt.String())
		if err != nil {
			slog.Warn("mobile: preview failed", "file", f.Name, "error", err)
		} else if p != nil {
			f.preview = p
		}
	}
	return f, nil
}

func (s *Staging) add(f *StagedFile) { s.files = append(s.files, f) }

// Remove drops the file with id and releases its preview.
func (s *Staging) Remove(id string) error {
	for i, f := range s.files {
		if f.ID == id {
			f.releasePreview()
			s.files = append(s.files[:i], s.files[i+1:]...)
			return nil
		}
	}
	return ErrFileNotFound
}

// Clear drops every file and releases every preview.
func (s *Staging) Clear() {
	for _, f := range s.files {
		f.releasePreview()
	}
	s.files = nil
}

// Len returns the number of staged files.
func (s *Staging) Len() int { return len(s.files) }

// Infos returns a snapshot of the staged files in staging order.
func (s *Staging) Infos() []FileInfo {
	if len(s.files) == 0 {
		return nil
	}
	out := make([]FileInfo, len(s.files))
	for i, f := range s.files {
		out[i] = f.info()
	}
	return out
}

// Documents returns the upload parts for the staged files.
func (s *Staging) Documents() []apiclient.Document {
	docs := make([]apiclient.Document, len(s.files))
	for i, f := range s.files {
		path := f.Path
		docs[i] = apiclient.Document{
			Name:        f.Name,
			ContentType: f.ContentType,
			Open:        func() (io.ReadCloser, error) { return os.Open(path) },
		}
	}
	return docs
}
