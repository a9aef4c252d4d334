package protocol

// ErrorBody is the JSON error payload returned by the REST endpoints.
// Backends use either "message" or "error"; Text picks whichever is set.
type ErrorBody struct {
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Text returns the server-provided message, or "" when the body carried none.
func (b ErrorBody) Text() string {
	if b.Message != "" {
		return b.Message
	}
	return b.Error
}
