// Package downloadhandler defines the pre-download hook contract: a
// handler named by a file entity's downloadHandler id gets a chance to
// produce the target payload by other means (e.g. delta reconstruction)
// before the agent falls back to a full download.
package downloadhandler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"deviceupdate.software/agent/result"
	"deviceupdate.software/agent/workflow"
)

var (
	ErrUnknownHandler    = errors.New("downloadhandler: no handler registered for id")
	ErrAlreadyRegistered = errors.New("downloadhandler: handler already registered")
)

// Handler is a pre-download hook for one download handler id.
type Handler interface {
	// ProcessUpdate attempts to produce the payload described by entity
	// at payloadFilePath. DownloadHandlerSuccessSkipDownload means the
	// artifact exists at payloadFilePath; the success code
	// DownloadHandlerRequiredFullDownload means the agent proceeds with
	// a normal full download.
	ProcessUpdate(ctx context.Context, h *workflow.Handle, entity workflow.FileEntity, payloadFilePath string) result.Result

	// OnUpdateWorkflowCompleted runs after the deployment reaches
	// terminal success, e.g. to retain payloads for future reuse.
	OnUpdateWorkflowCompleted(ctx context.Context, h *workflow.Handle) result.Result
}

// Registry maps download handler ids to handlers. It is safe for
// concurrent use.
type Registry struct {
	mu       sync.Mutex
	handlers map[string]Handler
}

// NewRegistry creates an empty download handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

// Register adds a handler under its id, e.g. "microsoft/delta:1".
func (r *Registry) Register(id string, handler Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[id]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, id)
	}
	r.handlers[id] = handler
	return nil
}

// Resolve returns the handler registered under id.
func (r *Registry) Resolve(id string) (Handler, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	handler, ok := r.handlers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandler, id)
	}
	return handler, nil
}

// OnUpdateWorkflowCompleted fans the completion notification out to the
// handlers referenced by the deployment's file entities. Failures are
// logged; retention is best effort.
func (r *Registry) OnUpdateWorkflowCompleted(ctx context.Context, h *workflow.Handle) {
	notified := map[string]struct{}{}
	for _, entity := range h.Files() {
		if entity.DownloadHandler == nil {
			continue
		}
		id := entity.DownloadHandler.ID
		if _, done := notified[id]; done {
			continue
		}
		notified[id] = struct{}{}

		handler, err := r.Resolve(id)
		if err != nil {
			slog.WarnContext(ctx, "no download handler for completion notification", "id", id)
			continue
		}
		if res := handler.OnUpdateWorkflowCompleted(ctx, h); res.IsFailure() {
			slog.WarnContext(ctx, "download handler completion failed", "id", id, "result", res.String())
		}
	}
}
