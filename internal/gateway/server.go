// Package gateway is the scanlink reference backend: the connect REST endpoints,
// batch uploads and the desktop websocket hub that pushes MOBILE_CONNECTED.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/scanlink/internal/pairing"
	"github.com/nextlevelbuilder/scanlink/pkg/protocol"
)

const (
	maxUploadSize  = 64 << 20 // 64 MB per batch request
	maxValidateReq = 4 << 10
	sniffLen       = 3072
)

// Messages returned by validate-id. Clients show them verbatim.
const (
	MsgInvalidID   = "Invalid or expired ID"
	MsgUsedID      = "This ID has already been used"
	MsgRateLimited = "Too many attempts. Wait a moment and try again."
)

// Options configures a Server.
type Options struct {
	Store       pairing.Store
	Tokens      *TokenIssuer
	UploadDir   string // empty discards uploaded documents after checking them
	CodeTTL     time.Duration
	ValidateRPM int
}

// Server serves the reference backend.
type Server struct {
	store     pairing.Store
	tokens    *TokenIssuer
	hub       *Hub
	limiter   *RateLimiter
	uploadDir string
	codeTTL   atomic.Int64
	batches   sync.Map // batch id → pairing.Owner
	upgrader  websocket.Upgrader
}

// NewServer creates a Server.
func NewServer(opts Options) *Server {
	s := &Server{
		store:     opts.Store,
		tokens:    opts.Tokens,
		hub:       NewHub(),
		limiter:   NewRateLimiter(opts.ValidateRPM, 5),
		uploadDir: opts.UploadDir,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.SetCodeTTL(opts.CodeTTL)
	return s
}

// SetCodeTTL changes the lifetime of newly generated codes.
func (s *Server) SetCodeTTL(d time.Duration) {
	if d <= 0 {
		d = pairing.DefaultCodeTTL
	}
	s.codeTTL.Store(int64(d))
}

// SetValidateRPM changes the per-IP validate rate limit. 0 disables it.
func (s *Server) SetValidateRPM(rpm int) { s.limiter.SetRPM(rpm) }

// Hub returns the desktop registry.
func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the HTTP handler with every route registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// RegisterRoutes registers all backend routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST "+protocol.PathGenerateID, s.handleGenerate)
	mux.HandleFunc("POST "+protocol.PathValidateID, s.handleValidate)
	mux.HandleFunc("POST /api/batches/{batchId}/documents", s.handleUpload)
	mux.HandleFunc("GET "+protocol.PathRealtime, s.handleWebSocket)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "desktops": s.hub.Len()})
	})
}

// Close disconnects every desktop and stops background work.
func (s *Server) Close() {
	s.hub.CloseAll()
	s.limiter.Close()
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	owner, err := s.tokens.Verify(extractBearerToken(r))
	if err != nil {
		slog.Warn("security.generate_unauthorized", "remote", clientIP(r), "error", err)
		writeJSON(w, http.StatusUnauthorized, protocol.ErrorBody{Message: "Authentication required"})
		return
	}

	code, err := s.store.Create(r.Context(), owner, time.Duration(s.codeTTL.Load()))
	if err != nil {
		slog.Error("gateway: create code failed", "user", owner.UserID, "error", err)
		writeJSON(w, http.StatusInternalServerError, protocol.ErrorBody{Message: "Could not generate a pairing code"})
		return
	}
	slog.Info("gateway: code generated", "code", code.Code, "user", owner.UserID, "expires_at", code.ExpiresAt)
	writeJSON(w, http.StatusOK, protocol.GenerateResponse{ConnectionID: code.Code})
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow(clientIP(r)) {
		writeJSON(w, http.StatusTooManyRequests, protocol.ErrorBody{Message: MsgRateLimited})
		return
	}

	var req protocol.ValidateRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxValidateReq)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, protocol.ErrorBody{Message: "Invalid request body"})
		return
	}
	code := pairing.NormalizeCode(req.ConnectionID)
	if !pairing.ValidCode(code) {
		writeJSON(w, http.StatusBadRequest, protocol.ErrorBody{Message: MsgInvalidID})
		return
	}

	pc, err := s.store.Consume(r.Context(), code)
	switch {
	case errors.Is(err, pairing.ErrCodeConsumed):
		writeJSON(w, http.StatusBadRequest, protocol.ErrorBody{Message: MsgUsedID})
		return
	case errors.Is(err, pairing.ErrCodeNotFound):
		writeJSON(w, http.StatusBadRequest, protocol.ErrorBody{Message: MsgInvalidID})
		return
	case err != nil:
		slog.Error("gateway: consume code failed", "code", code, "error", err)
		writeJSON(w, http.StatusInternalServerError, protocol.ErrorBody{Message: "Could not validate the code"})
		return
	}

	batchID := uuid.NewString()
	s.batches.Store(batchID, pc.Owner)
	notified := s.hub.NotifyMobileConnected(code)
	slog.Info("gateway: code validated", "code", code, "user", pc.Owner.UserID, "batch_id", batchID, "desktop_notified", notified)

	writeJSON(w, http.StatusOK, protocol.ValidateResponse{
		Success: true,
		User:    &protocol.UserInfo{Name: pc.Owner.Name, Email: pc.Owner.Email},
		BatchID: batchID,
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	batchID := r.PathValue("batchId")
	if !s.uploadAllowed(r, batchID) {
		writeJSON(w, http.StatusNotFound, protocol.ErrorBody{Message: "Batch not found"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	mr, err := r.MultipartReader()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, protocol.ErrorBody{Message: "Expected a multipart upload"})
		return
	}

	sink, err := s.newBatchSink(batchID)
	if err != nil {
		slog.Error("gateway: prepare upload dir", "batch_id", batchID, "error", err)
		writeJSON(w, http.StatusInternalServerError, protocol.ErrorBody{Message: "Could not store the upload"})
		return
	}

	n, rej := readDocuments(mr, sink)
	if rej != nil {
		sink.abort()
		slog.Warn("gateway: upload rejected", "batch_id", batchID, "error", rej)
		writeJSON(w, rej.status, protocol.ErrorBody{Message: rej.msg})
		return
	}
	if err := sink.commit(); err != nil {
		slog.Error("gateway: commit upload", "batch_id", batchID, "error", err)
		writeJSON(w, http.StatusInternalServerError, protocol.ErrorBody{Message: "Could not store the upload"})
		return
	}

	slog.Info("gateway: documents uploaded", "batch_id", batchID, "count", n)
	writeJSON(w, http.StatusOK, protocol.UploadResponse{
		Message:  fmt.Sprintf("Uploaded %d documents", n),
		Uploaded: n,
	})
}

// uploadAllowed accepts a valid bearer token for any batch, or no token for a
// batch handed out by validate-id.
func (s *Server) uploadAllowed(r *http.Request, batchID string) bool {
	if batchID == "" {
		return false
	}
	if tok := extractBearerToken(r); tok != "" {
		if _, err := s.tokens.Verify(tok); err == nil {
			return true
		}
	}
	_, ok := s.batches.Load(batchID)
	return ok
}

// uploadRejection is a client error with the message shown to the uploader.
type uploadRejection struct {
	status int
	msg    string
}

func (e *uploadRejection) Error() string { return e.msg }

func reject(status int, format string, args ...any) *uploadRejection {
	return &uploadRejection{status: status, msg: fmt.Sprintf(format, args...)}
}

// readDocuments stores every "documents" part. Any failure rejects the whole request.
func readDocuments(mr *multipart.Reader, sink *batchSink) (int, *uploadRejection) {
	n := 0
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			var tooBig *http.MaxBytesError
			if errors.As(err, &tooBig) {
				return 0, reject(http.StatusRequestEntityTooLarge, "Upload is too large")
			}
			return 0, reject(http.StatusBadRequest, "Malformed multipart body")
		}
		if part.FormName() != protocol.DocumentsField || part.FileName() == "" {
			part.Close()
			continue
		}

		err = sink.store(part)
		part.Close()
		if err != nil {
			var tooBig *http.MaxBytesError
			var unsupported *unsupportedTypeError
			switch {
			case errors.As(err, &tooBig):
				return 0, reject(http.StatusRequestEntityTooLarge, "Upload is too large")
			case errors.As(err, &unsupported):
				return 0, reject(http.StatusUnsupportedMediaType, "Unsupported file type for %s: %s", unsupported.name, unsupported.mime)
			}
			return 0, reject(http.StatusBadRequest, "Could not read %s", part.FileName())
		}
		n++
	}
	if n == 0 {
		return 0, reject(http.StatusBadRequest, "No documents in upload")
	}
	return n, nil
}

type unsupportedTypeError struct {
	name, mime string
}

func (e *unsupportedTypeError) Error() string {
	return fmt.Sprintf("unsupported type %s for %s", e.mime, e.name)
}

// acceptedType reports whether a document of type m can be digitized.
func acceptedType(m *mimetype.MIME) bool {
	for t := m; t != nil; t = t.Parent() {
		if strings.HasPrefix(t.String(), "image/") || t.Is("application/pdf") {
			return true
		}
	}
	return false
}

// batchSink writes a request's documents to a staging dir and moves them into the
// batch dir on commit. With no upload dir it only type-checks and discards.
type batchSink struct {
	staging string
	final   string
}

func (s *Server) newBatchSink(batchID string) (*batchSink, error) {
	if s.uploadDir == "" {
		return &batchSink{}, nil
	}
	final := filepath.Join(s.uploadDir, filepath.Base(batchID))
	if err := os.MkdirAll(final, 0o755); err != nil {
		return nil, err
	}
	staging, err := os.MkdirTemp(final, ".incoming-")
	if err != nil {
		return nil, err
	}
	return &batchSink{staging: staging, final: final}, nil
}

func (b *batchSink) store(part *multipart.Part) error {
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(part, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return err
	}
	head = head[:n]
	mt := mimetype.Detect(head)
	if !acceptedType(mt) {
		return &unsupportedTypeError{name: part.FileName(), mime: mt.String()}
	}
	body := io.MultiReader(bytes.NewReader(head), part)

	if b.staging == "" {
		_, err := io.Copy(io.Discard, body)
		return err
	}

	name := safeFileName(part.FileName(), mt.Extension())
	f, err := os.OpenFile(filepath.Join(b.staging, name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (b *batchSink) commit() error {
	if b.staging == "" {
		return nil
	}
	defer os.RemoveAll(b.staging)
	entries, err := os.ReadDir(b.staging)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.Rename(filepath.Join(b.staging, e.Name()), filepath.Join(b.final, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func (b *batchSink) abort() {
	if b.staging != "" {
		os.RemoveAll(b.staging)
	}
}

// safeFileName keeps the base name of an uploaded file and prefixes a short id
// so repeated names in one batch never collide.
func safeFileName(name, ext string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == "/" || base == ".." || base == "" {
		base = "document" + ext
	}
	return uuid.NewString()[:8] + "-" + base
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}
	client := NewClient(conn, s)
	slog.Debug("gateway: desktop connected", "client", client.ID(), "remote", clientIP(r))
	client.Run(context.WithoutCancel(r.Context()))
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
