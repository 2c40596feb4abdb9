package orchestrator

import (
	"time"

	"reportflow/internal/ledger"
	"reportflow/internal/monitor"
	"reportflow/internal/task"
	"reportflow/internal/version"
)

// UploadState tracks a file upload batch independently of the task stage.
type UploadState struct {
	ReportID        string `json:"report_id,omitempty"`
	TotalFiles      int    `json:"total_files"`
	UploadedFiles   int    `json:"uploaded_files"`
	Progress        int    `json:"progress"`
	Error           string `json:"error,omitempty"`
	UploadSessionID string `json:"upload_session_id,omitempty"`

	// ShouldCleanup asks the cleanup worker to delete server temp files of CleanupReportID.
	ShouldCleanup   bool   `json:"should_cleanup"`
	CleanupReportID string `json:"cleanup_report_id,omitempty"`
}

// Active reports whether files of the batch are still being sent.
func (u UploadState) Active() bool {
	return u.TotalFiles > 0 && u.UploadedFiles < u.TotalFiles && u.Error == ""
}

// State is an immutable snapshot of the store handed to readers and subscribers.
type State struct {
	Task     *task.Task                   `json:"task"`
	Upload   UploadState                  `json:"upload"`
	Session  monitor.SessionClock         `json:"session"`
	Versions map[string][]version.Version `json:"versions"`
	Online   bool                         `json:"online"`
	// Retrying is set while status fetches fail and are being retried.
	Retrying bool `json:"retrying"`
	// Expired holds the task that the last session expiry terminated.
	Expired      *task.Task           `json:"expired_task,omitempty"`
	Transactions []ledger.Transaction `json:"transactions"`
	At           time.Time            `json:"at"`
}
