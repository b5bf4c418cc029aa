package orchestrator

import (
	"github.com/hyperengineering/rowsync/internal/batch"
)

// Bodies exchanged by the HTTP transport. Part rows travel separately, one request
// per part, so these carry batch metadata only.

// ApplyMessage is the body of POST /sessions/{session}/apply. Upload lists the
// parts staged through PUT /sessions/{session}/upload/{index}.
type ApplyMessage struct {
	ApplyRequest
	UploadInfo *batch.Info `json:"upload,omitempty"`
}

// ApplyReply is the response of POST /sessions/{session}/apply.
type ApplyReply struct {
	ApplyResponse
	DownloadInfo *batch.Info `json:"download"`
}

// SnapshotReply is the response of GET /scopes/{scope}/snapshot. PartURLs is set
// when parts can be fetched from object storage directly.
type SnapshotReply struct {
	Batch    *batch.Info `json:"batch"`
	PartURLs []string    `json:"part_urls,omitempty"`
}
