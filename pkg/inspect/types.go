package inspect

// PackageRequest is the FSM input
type PackageRequest struct {
	URL     string
	Name    string
	Version string
	// Keep leaves the extracted package in place after the run.
	Keep bool
}

// PackageReport is the FSM output (accumulated across transitions)
type PackageReport struct {
	// From Download
	SHA256       string
	DownloadPath string
	DownloadSize int64

	// From Extract
	ExtractedPath string

	// From Verify
	Verified bool
	Files    []string

	// From Complete/Failed
	Status       string
	ErrorMessage string
}

// State names
const (
	StateDownload = "download"
	StateExtract  = "extract"
	StateVerify   = "verify"
	StateComplete = "complete"
	StateFailed   = "failed"
)

// Report statuses
const (
	StatusVerified = "verified"
	StatusInvalid  = "invalid"
)
