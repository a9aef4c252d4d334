// Package mobile implements the mobile side of pairing: entering or scanning a
// desktop's code, validating it, then staging and uploading documents to the
// batch the desktop user owns.
package mobile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/scanlink/internal/apiclient"
	"github.com/nextlevelbuilder/scanlink/internal/auth"
	"github.com/nextlevelbuilder/scanlink/internal/pairing"
	"github.com/nextlevelbuilder/scanlink/pkg/protocol"
)

// User-facing messages.
const (
	MsgEmptyCode    = "Enter the pairing code shown on your desktop."
	MsgInvalidScan  = "This QR code is not a pairing code. Try again or type the code."
	MsgNoFiles      = "Select at least one document to upload."
	MsgNoBatch      = "No batch to upload to. Enter a batch id to continue."
	MsgNotConnected = "Connect to a desktop before uploading."
)

var (
	ErrClosed           = errors.New("mobile controller closed")
	ErrEmptyCode        = errors.New("empty pairing code")
	ErrInFlight         = errors.New("code validation already in progress")
	ErrAlreadyConnected = errors.New("already connected")
	ErrInvalidScan      = errors.New("scanned text is not a pairing code")
	ErrNotConnected     = errors.New("not connected")
	ErrNoFiles          = errors.New("no staged files")
	ErrNoBatch          = errors.New("no target batch")
	ErrUploadInFlight   = errors.New("upload already in progress")
)

// Validator checks pairing codes. *apiclient.Client implements it.
type Validator interface {
	ValidateCode(ctx context.Context, code string) (*protocol.ValidateResponse, error)
}

// Uploader submits a batch of documents. *apiclient.Client implements it.
type Uploader interface {
	UploadDocuments(ctx context.Context, token, batchID string, docs []apiclient.Document) error
}

// Options configures a Controller.
type Options struct {
	Validator Validator
	Uploader  Uploader
	// Identity is optional: mobile sessions may upload without a token.
	Identity  auth.Source
	Previewer Previewer // nil disables previews
}

// Controller is the mobile session state machine. All mutations go through mu.
type Controller struct {
	validator Validator
	uploader  Uploader
	ident     auth.Source
	previewer Previewer

	mu        sync.Mutex
	notifyMu  sync.Mutex
	state     State
	staging   Staging
	closed    bool
	listeners map[int]func(State)
	nextID    int
}

// New creates a Controller in the idle state.
func New(opts Options) *Controller {
	return &Controller{
		validator: opts.Validator,
		uploader:  opts.Uploader,
		ident:     opts.Identity,
		previewer: opts.Previewer,
		state:     State{Status: StatusIdle},
		listeners: make(map[int]func(State)),
	}
}

// State returns the current snapshot.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Subscribe registers fn for state changes. fn must not call back into the controller.
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

// SubmitCode normalizes entered and validates it. A second call while one is
// in flight returns ErrInFlight without another request. On failure the
// normalized code stays in EnteredCode for correction.
func (c *Controller) SubmitCode(ctx context.Context, entered string) error {
	code := pairing.NormalizeCode(entered)

	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case c.state.Status == StatusConnecting:
		c.mu.Unlock()
		return ErrInFlight
	case c.state.Status == StatusConnected:
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.state.EnteredCode = code
	if code == "" {
		c.state.Status = StatusError
		c.state.ErrorMessage = MsgEmptyCode
		c.unlockAndNotify()
		return ErrEmptyCode
	}
	c.state.Status = StatusConnecting
	c.state.ErrorMessage = ""
	c.unlockAndNotify()

	resp, err := c.validator.ValidateCode(ctx, code)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if err != nil {
		slog.Info("mobile: code rejected", "code", code, "error", err)
		c.state.Status = StatusError
		c.state.ErrorMessage = apiclient.UserMessage(err)
		c.unlockAndNotify()
		return err
	}

	c.state.Status = StatusConnected
	c.state.Owner = &Owner{}
	if resp.User != nil {
		c.state.Owner = &Owner{Name: resp.User.Name, Email: resp.User.Email}
	}
	c.state.TargetBatchID = resp.BatchID
	slog.Info("mobile: connected", "code", code, "batch_id", resp.BatchID)
	c.unlockAndNotify()
	return nil
}

// ScanCode puts a decoded QR payload into the code field. Payloads that are not
// exactly a pairing code set ScanError only.
func (c *Controller) ScanCode(decoded string) error {
	text := strings.TrimSpace(decoded)

	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case c.state.Status == StatusConnecting:
		c.mu.Unlock()
		return ErrInFlight
	case c.state.Status == StatusConnected:
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	if !pairing.ValidCode(text) {
		c.state.ScanError = MsgInvalidScan
		c.unlockAndNotify()
		return ErrInvalidScan
	}
	c.state.EnteredCode = text
	c.state.ScanError = ""
	c.unlockAndNotify()
	return nil
}

// ScanFailed records an actionable scanner failure (permission, no camera).
func (c *Controller) ScanFailed(message string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.state.ScanError = message
	c.unlockAndNotify()
}

// SetTargetBatchID overrides the upload batch. An empty id falls back to the
// batch supplied by validation.
func (c *Controller) SetTargetBatchID(id string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state.Status != StatusConnected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.state.BatchOverride = strings.TrimSpace(id)
	c.unlockAndNotify()
	return nil
}

// Stage adds files to the upload set. Files that cannot be read are skipped and
// reported in the joined error; the rest are staged.
func (c *Controller) Stage(paths ...string) error {
	c.mu.Lock()
	if err := c.checkMutableLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	var files []*StagedFile
	var errs []error
	for _, p := range paths {
		f, err := newStagedFile(p, c.previewer)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		files = append(files, f)
	}

	c.mu.Lock()
	if err := c.checkMutableLocked(); err != nil {
		c.mu.Unlock()
		for _, f := range files {
			f.releasePreview()
		}
		return err
	}
	for _, f := range files {
		c.staging.add(f)
	}
	c.state.UploadMessage = ""
	c.unlockAndNotify()
	return errors.Join(errs...)
}

// Remove unstages one file and releases its preview.
func (c *Controller) Remove(id string) error {
	c.mu.Lock()
	if err := c.checkMutableLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	if err := c.staging.Remove(id); err != nil {
		c.mu.Unlock()
		return err
	}
	c.unlockAndNotify()
	return nil
}

func (c *Controller) checkMutableLocked() error {
	switch {
	case c.closed:
		return ErrClosed
	case c.state.Status != StatusConnected:
		return ErrNotConnected
	case c.state.Uploading:
		return ErrUploadInFlight
	}
	return nil
}

// SubmitUpload sends every staged file in one request. It either clears the
// staged set or leaves it untouched with UploadError set. Missing files or batch
// fail locally without a request.
func (c *Controller) SubmitUpload(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state.Uploading {
		c.mu.Unlock()
		return ErrUploadInFlight
	}
	var localErr error
	switch {
	case c.state.Status != StatusConnected:
		localErr, c.state.UploadError = ErrNotConnected, MsgNotConnected
	case c.staging.Len() == 0:
		localErr, c.state.UploadError = ErrNoFiles, MsgNoFiles
	case c.state.EffectiveBatchID() == "":
		localErr, c.state.UploadError = ErrNoBatch, MsgNoBatch
	}
	if localErr != nil {
		c.unlockAndNotify()
		return localErr
	}

	batchID := c.state.EffectiveBatchID()
	docs := c.staging.Documents()
	c.state.Uploading = true
	c.state.UploadError = ""
	c.state.UploadMessage = ""
	c.unlockAndNotify()

	err := c.uploader.UploadDocuments(ctx, c.token(), batchID, docs)

	c.mu.Lock()
	c.state.Uploading = false
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if err != nil {
		slog.Warn("mobile: upload failed", "batch_id", batchID, "files", len(docs), "error", err)
		c.state.UploadError = apiclient.UserMessage(err)
		c.unlockAndNotify()
		return err
	}
	slog.Info("mobile: upload complete", "batch_id", batchID, "files", len(docs))
	c.staging.Clear()
	c.state.UploadMessage = uploadedMessage(len(docs))
	c.unlockAndNotify()
	return nil
}

func uploadedMessage(n int) string {
	if n == 1 {
		return "Uploaded 1 document."
	}
	return fmt.Sprintf("Uploaded %d documents.", n)
}

// token returns the signed-in token, or "" for anonymous mobile sessions.
func (c *Controller) token() string {
	if c.ident == nil {
		return ""
	}
	id, err := c.ident.Identity()
	if err != nil {
		return ""
	}
	return id.Token
}

// Close releases every preview. Idempotent; no listener runs afterwards.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.staging.Clear()
	clear(c.listeners)
	c.mu.Unlock()

	c.notifyMu.Lock()
	c.notifyMu.Unlock()
	return nil
}

func (c *Controller) snapshotLocked() State {
	s := c.state
	s.Files = c.staging.Infos()
	if s.Owner != nil {
		o := *s.Owner
		s.Owner = &o
	}
	return s
}

// unlockAndNotify releases mu and delivers the new state to every listener in
// transition order.
func (c *Controller) unlockAndNotify() {
	s := c.snapshotLocked()
	fns := make([]func(State), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.notifyMu.Lock()
	c.mu.Unlock()
	defer c.notifyMu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}
