package mobile

import (
	"context"
	"errors"
	"image/color"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/disintegration/imaging"

	"github.com/nextlevelbuilder/scanlink/internal/apiclient"
	"github.com/nextlevelbuilder/scanlink/internal/auth"
	"github.com/nextlevelbuilder/scanlink/pkg/protocol"
)

type fakeValidator struct {
	mu    sync.Mutex
	resp  *protocol.ValidateResponse
	err   error
	gate  chan struct{}
	codes []string
}

func (v *fakeValidator) ValidateCode(ctx context.Context, code string) (*protocol.ValidateResponse, error) {
	v.mu.Lock()
	v.codes = append(v.codes, code)
	gate, resp, err := v.gate, v.resp, v.err
	v.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return resp, err
}

func (v *fakeValidator) set(resp *protocol.ValidateResponse, err error) {
	v.mu.Lock()
	v.resp, v.err = resp, err
	v.mu.Unlock()
}

func (v *fakeValidator) calls() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.codes...)
}

type uploadCall struct {
	token   string
	batchID string
	names   []string
}

type fakeUploader struct {
	mu    sync.Mutex
	err   error
	calls []uploadCall
}

func (u *fakeUploader) UploadDocuments(_ context.Context, token, batchID string, docs []apiclient.Document) error {
	call := uploadCall{token: token, batchID: batchID}
	for _, d := range docs {
		rc, err := d.Open()
		if err != nil {
			return err
		}
		rc.Close()
		call.names = append(call.names, d.Name)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls = append(u.calls, call)
	return u.err
}

type countingPreview struct {
	mu       sync.Mutex
	releases int
}

func (p *countingPreview) Path() string { return "/tmp/preview" }

func (p *countingPreview) Release() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releases++
	if p.releases > 1 {
		return ErrPreviewReleased
	}
	return nil
}

type countingPreviewer struct {
	mu       sync.Mutex
	previews []*countingPreview
}

func (p *countingPreviewer) Preview(string, string) (Preview, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := &countingPreview{}
	p.previews = append(p.previews, cp)
	return cp, nil
}

var aliceResponse = &protocol.ValidateResponse{
	Success: true,
	User:    &protocol.UserInfo{Name: "Alice", Email: "a@x.com"},
	BatchID: "b42",
}

func newTestController(t *testing.T, v *fakeValidator, u *fakeUploader, tweak ...func(*Options)) *Controller {
	t.Helper()
	opts := Options{Validator: v, Uploader: u}
	for _, fn := range tweak {
		fn(&opts)
	}
	c := New(opts)
	t.Cleanup(func() { c.Close() })
	return c
}

func writeFiles(t *testing.T, names ...string) []string {
	t.Helper()
	dir := t.TempDir()
	paths := make([]string, len(names))
	for i, n := range names {
		paths[i] = filepath.Join(dir, n)
		if err := os.WriteFile(paths[i], []byte("%PDF-1.4 "+n), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	return paths
}

func TestSubmitCode_Success(t *testing.T) {
	v := &fakeValidator{resp: aliceResponse}
	c := newTestController(t, v, &fakeUploader{})

	if err := c.SubmitCode(context.Background(), "Q7K2M9"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	st := c.State()
	if st.Status != StatusConnected {
		t.Fatalf("status = %s, want connected", st.Status)
	}
	if st.TargetBatchID != "b42" {
		t.Errorf("batch = %q, want b42", st.TargetBatchID)
	}
	if st.Owner == nil || st.Owner.Name != "Alice" || st.Owner.Email != "a@x.com" {
		t.Errorf("owner = %+v", st.Owner)
	}
}

func TestSubmitCode_InvalidKeepsInput(t *testing.T) {
	v := &fakeValidator{err: &apiclient.APIError{Kind: apiclient.KindValidation, Status: 400, Message: "Invalid or expired ID"}}
	c := newTestController(t, v, &fakeUploader{})

	if err := c.SubmitCode(context.Background(), "000000"); err == nil {
		t.Fatal("expected error")
	}
	st := c.State()
	if st.Status != StatusError || st.ErrorMessage != "Invalid or expired ID" {
		t.Fatalf("state = %+v", st)
	}
	if st.EnteredCode != "000000" {
		t.Errorf("entered code = %q, want it kept", st.EnteredCode)
	}
	if st.Owner != nil || st.TargetBatchID != "" {
		t.Error("owner and batch must stay unset on failure")
	}

	// Error behaves like idle: a corrected code can be submitted.
	v.set(aliceResponse, nil)
	if err := c.SubmitCode(context.Background(), "Q7K2M9"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if st := c.State(); st.Status != StatusConnected || st.ErrorMessage != "" {
		t.Errorf("state after retry = %+v", st)
	}
}

func TestSubmitCode_SuccessFalseMessage(t *testing.T) {
	v := &fakeValidator{err: &apiclient.APIError{Kind: apiclient.KindValidation, Status: 200, Message: "This ID has already been used"}}
	c := newTestController(t, v, &fakeUploader{})

	c.SubmitCode(context.Background(), "ABC123")
	if got := c.State().ErrorMessage; got != "This ID has already been used" {
		t.Errorf("message = %q", got)
	}
}

func TestSubmitCode_UnknownErrorIsGeneric(t *testing.T) {
	v := &fakeValidator{err: errors.New("x509: certificate signed by unknown authority")}
	c := newTestController(t, v, &fakeUploader{})

	c.SubmitCode(context.Background(), "ABC123")
	if got := c.State().ErrorMessage; got != apiclient.MsgGeneric {
		t.Errorf("message = %q, want generic", got)
	}
}

func TestSubmitCode_Normalizes(t *testing.T) {
	v := &fakeValidator{resp: aliceResponse}
	c := newTestController(t, v, &fakeUploader{})

	if err := c.SubmitCode(context.Background(), "ab-c1 23"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	calls := v.calls()
	if len(calls) != 1 || calls[0] != "ABC123" {
		t.Errorf("validate calls = %v, want [ABC123]", calls)
	}
	if got := c.State().EnteredCode; got != "ABC123" {
		t.Errorf("entered code = %q", got)
	}
}

func TestSubmitCode_Empty(t *testing.T) {
	v := &fakeValidator{resp: aliceResponse}
	c := newTestController(t, v, &fakeUploader{})

	if err := c.SubmitCode(context.Background(), " - "); !errors.Is(err, ErrEmptyCode) {
		t.Fatalf("err = %v, want ErrEmptyCode", err)
	}
	if len(v.calls()) != 0 {
		t.Error("empty code must not reach the backend")
	}
	if st := c.State(); st.Status != StatusError || st.ErrorMessage != MsgEmptyCode {
		t.Errorf("state = %+v", st)
	}
}

func TestSubmitCode_DoubleSubmit(t *testing.T) {
	gate := make(chan struct{})
	v := &fakeValidator{resp: aliceResponse, gate: gate}
	c := newTestController(t, v, &fakeUploader{})

	errCh := make(chan error, 1)
	go func() { errCh <- c.SubmitCode(context.Background(), "ABC123") }()

	deadline := time.Now().Add(2 * time.Second)
	for c.State().Status != StatusConnecting {
		if time.Now().After(deadline) {
			t.Fatal("first submit never started")
		}
		time.Sleep(time.Millisecond)
	}

	if err := c.SubmitCode(context.Background(), "ABC123"); !errors.Is(err, ErrInFlight) {
		t.Errorf("second submit err = %v, want ErrInFlight", err)
	}
	close(gate)
	if err := <-errCh; err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if n := len(v.calls()); n != 1 {
		t.Errorf("validate calls = %d, want 1", n)
	}
	if err := c.SubmitCode(context.Background(), "ABC123"); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("submit after connect: %v", err)
	}
}

func TestScanCode(t *testing.T) {
	v := &fakeValidator{err: &apiclient.APIError{Kind: apiclient.KindValidation, Message: "Invalid or expired ID"}}
	c := newTestController(t, v, &fakeUploader{})
	c.SubmitCode(context.Background(), "000000")

	if err := c.ScanCode("https://example.com/x"); !errors.Is(err, ErrInvalidScan) {
		t.Fatalf("err = %v, want ErrInvalidScan", err)
	}
	st := c.State()
	if st.ScanError != MsgInvalidScan {
		t.Errorf("scan error = %q", st.ScanError)
	}
	if st.ErrorMessage != "Invalid or expired ID" || st.EnteredCode != "000000" {
		t.Errorf("invalid scan touched the main state: %+v", st)
	}

	if err := c.ScanCode("abc123"); !errors.Is(err, ErrInvalidScan) {
		t.Errorf("lowercase payload accepted: %v", err)
	}
	if err := c.ScanCode(" Q7K2M9\n"); err != nil {
		t.Fatalf("valid scan: %v", err)
	}
	st = c.State()
	if st.EnteredCode != "Q7K2M9" || st.ScanError != "" {
		t.Errorf("state = %+v", st)
	}
	if len(v.calls()) != 1 {
		t.Error("scanning must not submit")
	}

	c.ScanFailed("Camera access was denied.")
	if got := c.State().ScanError; got != "Camera access was denied." {
		t.Errorf("scan error = %q", got)
	}
}

func TestUpload_FailurePreservesFiles(t *testing.T) {
	v := &fakeValidator{resp: aliceResponse}
	u := &fakeUploader{err: &apiclient.APIError{Kind: apiclient.KindTransport, Message: apiclient.MsgTransport}}
	c := newTestController(t, v, u)
	c.SubmitCode(context.Background(), "Q7K2M9")

	if err := c.Stage(writeFiles(t, "a.pdf", "b.pdf", "c.pdf")...); err != nil {
		t.Fatalf("stage: %v", err)
	}
	if err := c.SubmitUpload(context.Background()); err == nil {
		t.Fatal("expected upload error")
	}
	st := c.State()
	if len(st.Files) != 3 {
		t.Fatalf("staged files = %d, want 3", len(st.Files))
	}
	if st.UploadError != apiclient.MsgTransport || st.Uploading {
		t.Errorf("state = %+v", st)
	}

	u.mu.Lock()
	u.err = nil
	u.mu.Unlock()
	if err := c.SubmitUpload(context.Background()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	st = c.State()
	if len(st.Files) != 0 || st.UploadError != "" || st.UploadMessage != "Uploaded 3 documents." {
		t.Errorf("state after retry = %+v", st)
	}

	if len(u.calls) != 2 {
		t.Fatalf("upload calls = %d, want 2", len(u.calls))
	}
	for _, call := range u.calls {
		if call.batchID != "b42" || len(call.names) != 3 {
			t.Errorf("call = %+v", call)
		}
	}
}

func TestUpload_LocalValidation(t *testing.T) {
	v := &fakeValidator{resp: &protocol.ValidateResponse{Success: true}}
	u := &fakeUploader{}
	c := newTestController(t, v, u)

	if err := c.SubmitUpload(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("before connect: %v", err)
	}
	c.SubmitCode(context.Background(), "ABC123")

	if err := c.SubmitUpload(context.Background()); !errors.Is(err, ErrNoFiles) {
		t.Errorf("no files: %v", err)
	}
	if got := c.State().UploadError; got != MsgNoFiles {
		t.Errorf("upload error = %q", got)
	}

	c.Stage(writeFiles(t, "a.pdf")...)
	if err := c.SubmitUpload(context.Background()); !errors.Is(err, ErrNoBatch) {
		t.Errorf("no batch: %v", err)
	}
	if len(u.calls) != 0 {
		t.Errorf("local validation made %d upload calls", len(u.calls))
	}
}

func TestUpload_BatchOverride(t *testing.T) {
	v := &fakeValidator{resp: &protocol.ValidateResponse{Success: true}}
	u := &fakeUploader{}
	c := newTestController(t, v, u, func(o *Options) {
		o.Identity = auth.StaticSource{Token: "mobile-token"}
	})

	if err := c.SetTargetBatchID("b9"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("override before connect: %v", err)
	}
	c.SubmitCode(context.Background(), "ABC123")
	c.Stage(writeFiles(t, "a.pdf")...)

	if err := c.SetTargetBatchID("  b9 "); err != nil {
		t.Fatalf("override: %v", err)
	}
	if got := c.State().EffectiveBatchID(); got != "b9" {
		t.Errorf("effective batch = %q", got)
	}
	if err := c.SubmitUpload(context.Background()); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if u.calls[0].batchID != "b9" || u.calls[0].token != "mobile-token" {
		t.Errorf("call = %+v", u.calls[0])
	}
}

func TestUpload_OverrideFallsBackToSupplied(t *testing.T) {
	c := newTestController(t, &fakeValidator{resp: aliceResponse}, &fakeUploader{})
	c.SubmitCode(context.Background(), "ABC123")
	c.SetTargetBatchID("")
	if got := c.State().EffectiveBatchID(); got != "b42" {
		t.Errorf("effective batch = %q, want b42", got)
	}
}

func TestPreviewsReleasedExactlyOnce(t *testing.T) {
	pv := &countingPreviewer{}
	c := newTestController(t, &fakeValidator{resp: aliceResponse}, &fakeUploader{}, func(o *Options) {
		o.Previewer = pv
	})
	c.SubmitCode(context.Background(), "ABC123")

	if err := c.Stage(writeFiles(t, "a.pdf", "b.pdf", "c.pdf")...); err != nil {
		t.Fatalf("stage: %v", err)
	}
	files := c.State().Files
	if err := c.Remove(files[1].ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := c.Remove(files[1].ID); !errors.Is(err, ErrFileNotFound) {
		t.Errorf("second remove: %v", err)
	}
	if err := c.SubmitUpload(context.Background()); err != nil {
		t.Fatalf("upload: %v", err)
	}
	c.Close()
	c.Close()

	for i, p := range pv.previews {
		if p.releases != 1 {
			t.Errorf("preview %d released %d times, want 1", i, p.releases)
		}
	}
}

func TestCloseReleasesPreviews(t *testing.T) {
	pv := &countingPreviewer{}
	c := newTestController(t, &fakeValidator{resp: aliceResponse}, &fakeUploader{}, func(o *Options) {
		o.Previewer = pv
	})
	c.SubmitCode(context.Background(), "ABC123")
	c.Stage(writeFiles(t, "a.pdf", "b.pdf")...)

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	for i, p := range pv.previews {
		if p.releases != 1 {
			t.Errorf("preview %d released %d times, want 1", i, p.releases)
		}
	}
	if err := c.Stage(writeFiles(t, "d.pdf")...); !errors.Is(err, ErrClosed) {
		t.Errorf("stage after close: %v", err)
	}
}

func TestStage_PartialFailure(t *testing.T) {
	c := newTestController(t, &fakeValidator{resp: aliceResponse}, &fakeUploader{})

	if err := c.Stage(writeFiles(t, "a.pdf")...); !errors.Is(err, ErrNotConnected) {
		t.Errorf("stage before connect: %v", err)
	}
	c.SubmitCode(context.Background(), "ABC123")

	paths := append(writeFiles(t, "a.pdf"), filepath.Join(t.TempDir(), "missing.jpg"))
	err := c.Stage(paths...)
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want not-exist", err)
	}
	files := c.State().Files
	if len(files) != 1 || files[0].Name != "a.pdf" {
		t.Fatalf("files = %+v", files)
	}
	if files[0].ContentType != "application/pdf" {
		t.Errorf("content type = %q", files[0].ContentType)
	}
}

func TestThumbnailPreviewer(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "scan.png")
	if err := imaging.Save(imaging.New(800, 600, color.White), src); err != nil {
		t.Fatal(err)
	}

	f, err := newStagedFile(src, ThumbnailPreviewer{Dir: dir, MaxSide: 64})
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	if f.ContentType != "image/png" {
		t.Errorf("content type = %q", f.ContentType)
	}
	if f.preview == nil {
		t.Fatal("no preview for an image")
	}

	thumb, err := imaging.Open(f.preview.Path())
	if err != nil {
		t.Fatalf("open preview: %v", err)
	}
	if b := thumb.Bounds(); b.Dx() != 64 || b.Dy() != 48 {
		t.Errorf("thumbnail is %dx%d, want 64x48", b.Dx(), b.Dy())
	}

	p := f.preview
	if err := p.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := os.Stat(p.Path()); !errors.Is(err, os.ErrNotExist) {
		t.Error("preview file not removed")
	}
	if err := p.Release(); !errors.Is(err, ErrPreviewReleased) {
		t.Errorf("second release: %v", err)
	}
}

func TestThumbnailPreviewer_SkipsNonImages(t *testing.T) {
	p, err := ThumbnailPreviewer{}.Preview("doc.pdf", "application/pdf")
	if p != nil || err != nil {
		t.Errorf("got %v, %v", p, err)
	}
}
