package protocol

import "net/url"

// REST endpoints consumed by the pairing clients.
const (
	PathGenerateID = "/api/connect/generate-id"
	PathValidateID = "/api/connect/validate-id"
	PathRealtime   = "/ws"

	// DocumentsField is the repeated multipart field of the batch upload endpoint.
	DocumentsField = "documents"
)

// BatchDocumentsPath returns the upload path for a batch.
func BatchDocumentsPath(batchID string) string {
	return "/api/batches/" + url.PathEscape(batchID) + "/documents"
}

// GenerateResponse is returned by POST /api/connect/generate-id.
type GenerateResponse struct {
	ConnectionID string `json:"connectionId"`
}

// ValidateRequest is the body of POST /api/connect/validate-id.
type ValidateRequest struct {
	ConnectionID string `json:"connectionId"`
}

// UserInfo identifies the desktop user that generated a code.
type UserInfo struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// ValidateResponse is returned by POST /api/connect/validate-id.
type ValidateResponse struct {
	Success bool      `json:"success"`
	User    *UserInfo `json:"user,omitempty"`
	BatchID string    `json:"batchId,omitempty"`
	Message string    `json:"message,omitempty"`
}

// UploadResponse is returned by POST /api/batches/{batchId}/documents.
type UploadResponse struct {
	Message  string `json:"message,omitempty"`
	Uploaded int    `json:"uploaded"`
}
