package updater

import "github.com/fly-io/fota-agent/pkg/downloadinfo"

// CheckpointKey is the store key of the single checkpoint.
const CheckpointKey = "DownloadInfo"

// Checkpoint is persisted right before the upgrade script runs. It is the
// only workflow state that survives the reboot.
type Checkpoint struct {
	downloadinfo.Directive
	AsyncKey string `json:"@asyncKey"`
	RunID    string `json:"@runId,omitempty"`
}

func newCheckpoint(d downloadinfo.Directive, asyncKey, runID string) Checkpoint {
	d.URL = ""
	return Checkpoint{Directive: d, AsyncKey: asyncKey, RunID: runID}
}
