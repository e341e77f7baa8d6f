// Package downloader declares the content download boundary. Concrete
// downloaders (HTTP, delivery-optimization, …) live outside the
// coordination core; the agent wires one in at assembly time.
package downloader

import (
	"context"

	"deviceupdate.software/agent/result"
	"deviceupdate.software/agent/workflow"
)

// ProgressState is the phase reported by a download progress callback.
type ProgressState int

const (
	ProgressNotStarted ProgressState = iota
	ProgressInProgress
	ProgressCompleted
	ProgressCancelled
	ProgressError
)

func (s ProgressState) String() string {
	switch s {
	case ProgressNotStarted:
		return "NotStarted"
	case ProgressInProgress:
		return "InProgress"
	case ProgressCompleted:
		return "Completed"
	case ProgressCancelled:
		return "Cancelled"
	case ProgressError:
		return "Error"
	}
	return "<Unknown>"
}

// ProgressFunc receives transfer progress for a single file.
type ProgressFunc func(workflowID, fileID string, state ProgressState, bytesTransferred, bytesTotal uint64)

// Options tunes a single download.
type Options struct {
	// TargetFilePath overrides the destination path; empty means the
	// entity's sandbox path.
	TargetFilePath string
	// RetryTimeout bounds retry behavior in seconds; zero means the
	// downloader's default.
	RetryTimeout uint
}

// ContentDownloader fetches one payload file described by a manifest
// file entity into the deployment sandbox.
type ContentDownloader interface {
	Download(ctx context.Context, entity workflow.FileEntity, h *workflow.Handle, opts Options, progress ProgressFunc) result.Result
}
