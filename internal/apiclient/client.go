// Package apiclient calls the REST endpoints the pairing flow depends on:
// code generation, code validation and batch document upload.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/scanlink/pkg/protocol"
)

// maxErrorBody caps how much of an error response is read.
const maxErrorBody = 64 * 1024

// Config configures a Client.
type Config struct {
	BaseURL    string
	Timeout    time.Duration // per request, default 15s; uploads are not capped by it
	HTTPClient *http.Client
}

// Client is a REST client for the scanlink backend. Safe for concurrent use.
type Client struct {
	baseURL string
	timeout time.Duration
	http    *http.Client
	tracer  trace.Tracer
}

// Document is one file of a batch upload.
type Document struct {
	Name        string
	ContentType string
	Open        func() (io.ReadCloser, error)
}

// New creates a Client.
func New(cfg Config) *Client {
	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		timeout: cfg.Timeout,
		http:    cfg.HTTPClient,
		tracer:  otel.Tracer("github.com/nextlevelbuilder/scanlink/internal/apiclient"),
	}
	if c.timeout <= 0 {
		c.timeout = 15 * time.Second
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	return c
}

// GenerateCode asks the backend for a new pairing code. token is the desktop
// user's bearer token.
func (c *Client) GenerateCode(ctx context.Context, token string) (code string, err error) {
	ctx, span := c.startSpan(ctx, "apiclient.GenerateCode", protocol.PathGenerateID)
	defer func() { endSpan(span, err) }()

	if token == "" {
		return "", &APIError{Kind: KindAuth, Message: MsgNoToken}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+protocol.PathGenerateID, nil)
	if err != nil {
		return "", &APIError{Kind: KindTransport, Message: MsgGeneric, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)

	var out protocol.GenerateResponse
	if err := c.do(req, &out, generateError); err != nil {
		return "", err
	}
	if out.ConnectionID == "" {
		return "", &APIError{Kind: KindServer, Message: "The server did not return a pairing code."}
	}
	span.SetAttributes(attribute.String("scanlink.code", out.ConnectionID))
	return out.ConnectionID, nil
}

// ValidateCode submits a code from the mobile side. It needs no token.
// A response with success=false is returned as a KindValidation error.
func (c *Client) ValidateCode(ctx context.Context, code string) (resp *protocol.ValidateResponse, err error) {
	ctx, span := c.startSpan(ctx, "apiclient.ValidateCode", protocol.PathValidateID)
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.String("scanlink.code", code))

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, _ := json.Marshal(protocol.ValidateRequest{ConnectionID: code})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+protocol.PathValidateID, bytes.NewReader(body))
	if err != nil {
		return nil, &APIError{Kind: KindTransport, Message: MsgGeneric, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	var out protocol.ValidateResponse
	if err := c.do(req, &out, validateError); err != nil {
		return nil, err
	}
	if !out.Success {
		msg := out.Message
		if msg == "" {
			msg = "Could not connect with this code. Check it and try again."
		}
		return nil, &APIError{Kind: KindValidation, Status: http.StatusOK, Message: msg}
	}
	return &out, nil
}

// UploadDocuments sends all docs as one multipart request (field "documents",
// one part per file). token may be empty for unauthenticated mobile sessions.
// The body is streamed, so files are not buffered in memory.
func (c *Client) UploadDocuments(ctx context.Context, token, batchID string, docs []Document) (err error) {
	path := protocol.BatchDocumentsPath(batchID)
	ctx, span := c.startSpan(ctx, "apiclient.UploadDocuments", path)
	defer func() { endSpan(span, err) }()
	span.SetAttributes(
		attribute.String("scanlink.batch_id", batchID),
		attribute.Int("scanlink.documents", len(docs)),
	)

	if batchID == "" {
		return &APIError{Kind: KindValidation, Message: "No batch selected for this upload."}
	}
	if len(docs) == 0 {
		return &APIError{Kind: KindValidation, Message: "Select at least one document to upload."}
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, pr)
	if err != nil {
		return &APIError{Kind: KindTransport, Message: MsgGeneric, Err: err}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	writeErr := make(chan error, 1)
	go func() {
		werr := writeDocuments(mw, docs)
		pw.CloseWithError(werr)
		writeErr <- werr
	}()

	var out protocol.UploadResponse
	err = c.do(req, &out, uploadError)

	// Unblock the writer if the server answered early, then look at why it stopped.
	pr.Close()
	if werr := <-writeErr; werr != nil && !errors.Is(werr, io.ErrClosedPipe) && IsKind(err, KindTransport) {
		return &APIError{Kind: KindValidation, Message: "Could not read a staged file. Remove it and try again.", Err: werr}
	}
	return err
}

func writeDocuments(mw *multipart.Writer, docs []Document) error {
	for _, d := range docs {
		if err := writeDocument(mw, d); err != nil {
			return err
		}
	}
	return mw.Close()
}

func writeDocument(mw *multipart.Writer, d Document) error {
	ct := d.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		protocol.DocumentsField, escapeQuotes(d.Name)))
	h.Set("Content-Type", ct)

	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	rc, err := d.Open()
	if err != nil {
		return fmt.Errorf("open %s: %w", d.Name, err)
	}
	defer rc.Close()
	if _, err := io.Copy(part, rc); err != nil {
		return fmt.Errorf("read %s: %w", d.Name, err)
	}
	return nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string { return quoteEscaper.Replace(s) }

// errorMapper builds the APIError for a non-2xx response.
type errorMapper func(status int, serverMsg string) *APIError

// do executes req and decodes a 2xx JSON body into out.
func (c *Client) do(req *http.Request, out any, mapErr errorMapper) error {
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &APIError{Kind: KindTransport, Message: MsgTimeout, Err: err}
		}
		return &APIError{Kind: KindTransport, Message: MsgTransport, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		var body protocol.ErrorBody
		_ = json.Unmarshal(data, &body)
		return mapErr(resp.StatusCode, strings.TrimSpace(body.Text()))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return &APIError{Kind: KindTransport, Status: resp.StatusCode, Message: "The server sent an unreadable response.", Err: err}
	}
	return nil
}

func generateError(status int, msg string) *APIError {
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return &APIError{Kind: KindAuth, Status: status, Message: MsgAuth}
	}
	return serverError(status, msg)
}

func validateError(status int, msg string) *APIError {
	switch status {
	case http.StatusBadRequest, http.StatusNotFound, http.StatusGone:
		if msg == "" {
			msg = "Invalid or expired code."
		}
		return &APIError{Kind: KindValidation, Status: status, Message: msg}
	case http.StatusTooManyRequests:
		if msg == "" {
			msg = "Too many attempts. Wait a moment and try again."
		}
		return &APIError{Kind: KindValidation, Status: status, Message: msg}
	}
	return serverError(status, msg)
}

func uploadError(status int, msg string) *APIError {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		if msg == "" {
			msg = "You are not allowed to upload to this batch."
		}
		return &APIError{Kind: KindAuth, Status: status, Message: msg}
	case http.StatusBadRequest, http.StatusNotFound, http.StatusRequestEntityTooLarge, http.StatusUnsupportedMediaType:
		if msg == "" {
			msg = "The server rejected the upload."
		}
		return &APIError{Kind: KindValidation, Status: status, Message: "Upload failed: " + msg}
	}
	e := serverError(status, msg)
	e.Message = "Upload failed: " + e.Message
	return e
}

func serverError(status int, msg string) *APIError {
	if msg == "" {
		msg = MsgGeneric
	}
	return &APIError{Kind: KindServer, Status: status, Message: msg}
}

func (c *Client) startSpan(ctx context.Context, name, path string) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", http.MethodPost),
			attribute.String("url.path", path),
		),
	)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
