package mobile

// Status is the code-entry status of a mobile session.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	// StatusError accepts a new submission just like idle.
	StatusError Status = "error"
)

// Owner is the desktop user a mobile session paired with.
type Owner struct {
	Name  string
	Email string
}

// FileInfo describes one staged file.
type FileInfo struct {
	ID          string
	Name        string
	Size        int64
	ContentType string
	PreviewPath string // empty when no preview was generated
}

// State is a snapshot of the mobile controller.
type State struct {
	Status      Status
	EnteredCode string
	// Owner and TargetBatchID come from a successful validation, together.
	Owner         *Owner
	TargetBatchID string
	// BatchOverride is a batch id typed by the user after connecting.
	BatchOverride string
	ErrorMessage  string
	// ScanError is local to the scanner and never touches ErrorMessage.
	ScanError string

	Files         []FileInfo
	Uploading     bool
	UploadMessage string
	UploadError   string
}

// EffectiveBatchID is the batch an upload goes to: the override when set,
// otherwise the one supplied by validation.
func (s State) EffectiveBatchID() string {
	if s.BatchOverride != "" {
		return s.BatchOverride
	}
	return s.TargetBatchID
}
