package db

// Schema defines the SQLite database schema for the update history.
// Each workflow run owns one row keyed by its run id.
const Schema = `
CREATE TABLE IF NOT EXISTS updates (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL UNIQUE,
    async_key TEXT NOT NULL,
    name TEXT,
    version TEXT,
    url TEXT,
    status TEXT NOT NULL CHECK(status IN ('downloading', 'extracting', 'invoking', 'checking', 'updated', 'error')),
    error_info TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_updates_status ON updates(status);
CREATE INDEX IF NOT EXISTS idx_updates_created_at ON updates(created_at);
`

// Status constants
const (
	StatusDownloading = "downloading"
	StatusExtracting  = "extracting"
	StatusInvoking    = "invoking"
	StatusChecking    = "checking"
	StatusUpdated     = "updated"
	StatusError       = "error"
)

// Update represents one workflow run
type Update struct {
	ID        int64
	RunID     string
	AsyncKey  string
	Name      string
	Version   string
	URL       string
	Status    string
	ErrorInfo string
	CreatedAt string
	UpdatedAt string
}

// Terminal reports whether the run has finished.
func (u *Update) Terminal() bool {
	return u.Status == StatusUpdated || u.Status == StatusError
}
