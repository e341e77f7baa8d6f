// Package stephandler defines the adapter contract every update type
// implements and the registry the coordinator resolves handlers from.
// Handlers sequence the Download, Install and Apply steps for their
// content format; the coordinator owns ordering, cancellation and
// reporting.
package stephandler

import (
	"context"

	"deviceupdate.software/agent/result"
	"deviceupdate.software/agent/workflow"
)

// Handler is implemented by each update type. Methods receive the
// workflow handle and return results from the shared namespace; a
// handler that returns an InProgress code must eventually invoke the
// completion callback registered on the coordinator.
//
// Handlers observe the handle in a stable state only for the duration of
// a single call and must not cache derived values across calls. Long
// operations poll workflow.Handle.CancelRequested at their checkpoints
// and abort with result.Cancelled().
type Handler interface {
	// IsInstalled reports whether the update content is already in
	// place. It must be side-effect free on success; it is consulted
	// before Download and at agent startup.
	IsInstalled(ctx context.Context, h *workflow.Handle) result.Result

	// Download fetches the update payloads into the sandbox work folder.
	Download(ctx context.Context, h *workflow.Handle) result.Result

	// Install stages the downloaded content.
	Install(ctx context.Context, h *workflow.Handle) result.Result

	// Apply activates the installed content. Cancelling Apply reverses
	// any partial bootloader flip.
	Apply(ctx context.Context, h *workflow.Handle) result.Result

	// Cancel is a best-effort abort of whatever the handler is currently
	// running.
	Cancel(ctx context.Context, h *workflow.Handle) result.Result

	// Backup snapshots state ahead of Install. Handlers without backup
	// support return result.SuccessUnsupported.
	Backup(ctx context.Context, h *workflow.Handle) result.Result

	// Restore reverts to the backup after a failed deployment. Handlers
	// without restore support return result.SuccessUnsupported.
	Restore(ctx context.Context, h *workflow.Handle) result.Result
}
