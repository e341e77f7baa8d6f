// Package coordinator implements the deployment coordination core: a
// single-threaded-decision, worker-executing state machine that ingests
// orchestrator goal states, decides between new deployment, retry,
// replacement, cancellation and duplicate, and sequences the Download,
// Install and Apply steps through the step-handler adapter boundary.
//
// The cloud orchestrator holds the authoritative state machine; the
// agent reacts to its update actions and reports whether it reached the
// expected states.
package coordinator

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"

	slogctx "github.com/veqryn/slog-context"

	"deviceupdate.software/agent/platform"
	"deviceupdate.software/agent/reporting"
	"deviceupdate.software/agent/result"
	"deviceupdate.software/agent/stephandler"
	"deviceupdate.software/agent/workflow"
)

// DownloadHandlerResolver is the optional deployment-completion
// notification surface; the downloadhandler package provides the
// production implementation.
type DownloadHandlerResolver interface {
	// OnUpdateWorkflowCompleted runs after a deployment reaches terminal
	// success, e.g. to retain payloads for future delta updates.
	OnUpdateWorkflowCompleted(ctx context.Context, h *workflow.Handle)
}

// Options assembles a Coordinator from its collaborators.
type Options struct {
	Handlers      *stephandler.Registry
	Reporter      reporting.Reporter
	Platform      platform.Layer
	Validator     workflow.ManifestValidator
	DownloadsRoot string
	// DownloadHandlers may be nil when no pre-download hooks are wired.
	DownloadHandlers DownloadHandlerResolver
	Logger           *slog.Logger
}

// Coordinator owns the current workflow handle and the coarse mutex
// guarding property-update ingress and asynchronous work completion.
type Coordinator struct {
	mu sync.Mutex

	log       *slog.Logger
	handlers  *stephandler.Registry
	reporter  reporting.Reporter
	platform  platform.Layer
	validator workflow.ManifestValidator
	hooks     DownloadHandlerResolver

	downloadsRoot string

	current *workflow.Handle

	startupIdleSent         bool
	lastCompletedWorkflowID string
	lastGoalStateJSON       []byte

	systemRebootState workflow.RebootState
	agentRestartState workflow.AgentRestartState
}

// New creates a coordinator. Handlers, Reporter and Platform are
// required. DownloadHandlers may be nil, a nil Logger means
// slog.Default(), and a nil Validator skips manifest signature
// validation.
func New(opts Options) *Coordinator {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		log:           log,
		handlers:      opts.Handlers,
		reporter:      opts.Reporter,
		platform:      opts.Platform,
		validator:     opts.Validator,
		hooks:         opts.DownloadHandlers,
		downloadsRoot: opts.DownloadsRoot,
	}
}

// Current returns the current workflow handle, or nil. Test hook.
func (c *Coordinator) Current() *workflow.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// LastCompletedWorkflowID returns the id of the most recently completed
// deployment.
func (c *Coordinator) LastCompletedWorkflowID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastCompletedWorkflowID
}

// isRetryApplicable reports whether a goal state with the same workflow
// id represents a retry the agent should honor: the new retry token must
// strictly follow the stored one lexically. Two absent tokens never
// constitute a retry.
func isRetryApplicable(currentToken, newToken string) bool {
	if newToken == "" {
		return false
	}
	return currentToken == "" || newToken > currentToken
}

// workflowStepForAction maps an update action to the workflow entry
// step.
func workflowStepForAction(action workflow.UpdateAction) workflow.Step {
	if action == workflow.UpdateActionProcessDeployment {
		return workflow.StepProcessDeployment
	}
	return workflow.StepUndefined
}

// HandlePropertyUpdate ingests one orchestrator-pushed goal state.
// forceDeferral makes a same-id goal state take the replacement path,
// used when re-processing the cached goal state after a device topology
// change.
func (c *Coordinator) HandlePropertyUpdate(ctx context.Context, payload []byte, forceDeferral bool) {
	next, err := workflow.NewHandle(payload, c.validator)
	if err != nil {
		c.log.ErrorContext(ctx, "invalid goal state", "error", err)
		res := workflow.ResultFromError(err)
		c.mu.Lock()
		c.setUpdateStateWithResult(ctx, workflow.StateFailed, &res)
		c.mu.Unlock()
		return
	}

	nextAction := next.Action()
	ctx = slogctx.Append(ctx, slog.String("workflowID", next.ID()))

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil {
		switch {
		case nextAction == workflow.UpdateActionCancel:
			if c.current.CancellationType() == workflow.CancellationNone {
				c.current.SetCancellationType(workflow.CancellationNormal)
				c.handleUpdateAction(ctx)
			} else {
				c.log.InfoContext(ctx, "ignoring duplicate cancel",
					"cancellationType", c.current.CancellationType().String())
			}
			return

		case nextAction == workflow.UpdateActionProcessDeployment:
			if !forceDeferral && workflow.CompareID(c.current, next) == 0 {
				// Possible retry of the current workflow.
				currentToken := c.current.RetryToken()
				newToken := next.RetryToken()
				if !isRetryApplicable(currentToken, newToken) {
					c.log.WarnContext(ctx, "ignoring retry",
						"currentRetryToken", currentToken, "newRetryToken", newToken)
					return
				}
				c.current.UpdateRetryDeployment(newToken)
				c.handleUpdateAction(ctx)
				return
			}

			// Possible replacement with a new workflow.
			currentState := c.current.LastReportedState()
			currentStep := c.current.CurrentStep()
			if currentState != workflow.StateIdle && currentState != workflow.StateFailed &&
				currentStep != workflow.StepUndefined {
				c.log.InfoContext(ctx, "replacing workflow",
					"currentWorkflowID", c.current.ID(), "nextWorkflowID", next.ID())

				if deferred := c.current.UpdateReplacementDeployment(next); deferred {
					// Ownership moved onto the current handle; the
					// completion callback promotes it once the
					// in-progress operation winds down.
					c.log.InfoContext(ctx, "deferred replacement: operation still in progress")
					c.handleUpdateAction(ctx)
					return
				}

				c.current.SetWorkFolder(filepath.Join(c.downloadsRoot, c.current.ID()))
				c.saveLastGoalState(payload)
				c.handleUpdateAction(ctx)
				return
			}
			// Fall through to the new-workflow path.
		}
	}

	// Adopt the new workflow.
	c.current = next
	c.current.SetWorkFolder(filepath.Join(c.downloadsRoot, c.current.ID()))
	c.saveLastGoalState(payload)

	if nextAction == workflow.UpdateActionCancel {
		c.current.SetCancellationType(workflow.CancellationNormal)
	} else {
		c.current.SetCancellationType(workflow.CancellationNone)
	}

	// Until the startup idle report went out, further actions run
	// through startup handling so an Idle without installedUpdateId is
	// never misread as a failed end state.
	if !c.startupIdleSent {
		c.handleStartupWorkflowData(ctx)
	} else {
		c.handleUpdateAction(ctx)
	}
}

// NotifyComponentChanged re-processes the cached goal state with forced
// deferral after the device topology changed. Out-of-band watchers call
// it; there is no orchestrator ingress for it.
func (c *Coordinator) NotifyComponentChanged(ctx context.Context) {
	c.mu.Lock()
	cached := c.lastGoalStateJSON
	c.mu.Unlock()

	if cached == nil {
		c.log.ErrorContext(ctx, "component change detected but no cached goal state; update must be triggered by the orchestrator")
		return
	}
	c.HandlePropertyUpdate(ctx, cached, true)
}

// HandleStartup runs the startup evaluation against a persisted goal
// state, if any. A nil payload latches the startup-idle state without
// processing.
func (c *Coordinator) HandleStartup(ctx context.Context, persistedGoalState []byte) {
	if persistedGoalState == nil {
		c.mu.Lock()
		c.startupIdleSent = true
		c.mu.Unlock()
		c.log.InfoContext(ctx, "no persisted update content at startup")
		return
	}
	c.HandlePropertyUpdate(ctx, persistedGoalState, false)
}

// handleStartupWorkflowData evaluates the current handle on the first
// property update after boot. Caller holds the lock.
func (c *Coordinator) handleStartupWorkflowData(ctx context.Context) {
	defer func() {
		c.startupIdleSent = true
	}()

	if c.current == nil {
		c.log.InfoContext(ctx, "no update actions in current workflow")
		return
	}

	c.log.InfoContext(ctx, "performing startup evaluation")

	installed := c.methodCallIsInstalled(ctx)
	if installed.Code == result.IsInstalledInstalled {
		if updateID, err := c.current.ExpectedUpdateID(); err == nil {
			c.setInstalledUpdateIDAndGoToIdle(ctx, updateID.Serialize())
		}
		return
	}

	action := c.current.Action()
	if action == workflow.UpdateActionUndefined {
		return
	}
	if action == workflow.UpdateActionCancel {
		c.log.InfoContext(ctx, "cancel action at startup, reporting idle")
		res := result.New(result.IdleSuccess)
		c.setUpdateStateWithResult(ctx, workflow.StateIdle, &res)
		return
	}

	c.log.InfoContext(ctx, "pending action at startup", "action", action.String())

	// Pretend the last reported state was Idle so the pending action can
	// be resumed or retried.
	c.current.SetLastReportedState(workflow.StateIdle)
	c.handleUpdateAction(ctx)
}

// handleUpdateAction processes the action recorded on the current
// handle. Caller holds the lock.
func (c *Coordinator) handleUpdateAction(ctx context.Context) {
	desired := c.current.Action()
	cancellation := c.current.CancellationType()
	c.log.DebugContext(ctx, "handling update action",
		"action", desired.String(), "cancellationType", cancellation.String())

	isReplaceOrRetry := cancellation == workflow.CancellationReplacement ||
		cancellation == workflow.CancellationRetry

	if desired == workflow.UpdateActionCancel || cancellation == workflow.CancellationNormal ||
		(desired == workflow.UpdateActionProcessDeployment && isReplaceOrRetry) {
		switch {
		case c.current.OperationInProgress():
			c.log.InfoContext(ctx, "canceling in-progress operation",
				"action", desired.String(), "cancellationType", cancellation.String())
			c.current.SetCancelRequested(true)
			c.methodCallCancel(ctx)
			return

		case desired == workflow.UpdateActionCancel || cancellation == workflow.CancellationNormal:
			// Cancel without an operation in progress returns to Idle.
			c.current.SetCancelRequested(false)
			c.current.SetCancellationType(workflow.CancellationNone)
			c.log.InfoContext(ctx, "cancel with no operation in progress, returning to idle")
			if c.current.LastReportedState() != workflow.StateIdle {
				res := result.New(result.IdleSuccess)
				c.setUpdateStateWithResult(ctx, workflow.StateIdle, &res)
			}
			return

		default:
			c.current.SetCancelRequested(false)
			c.current.SetCancellationType(workflow.CancellationNone)
			c.log.InfoContext(ctx, "replace/retry with no operation in progress, processing workflow")
		}
	}

	// A connection refresh can re-deliver the deployment that just
	// completed; ignore it.
	if c.current.IsEqualID(c.lastCompletedWorkflowID) {
		c.log.DebugContext(ctx, "ignoring duplicate deployment",
			"lastCompletedWorkflowID", c.lastCompletedWorkflowID)
		return
	}

	c.current.SetAction(desired)

	installed := c.methodCallIsInstalled(ctx)
	if installed.Code == result.IsInstalledInstalled {
		if updateID, err := c.current.ExpectedUpdateID(); err == nil {
			c.setInstalledUpdateIDAndGoToIdle(ctx, updateID.Serialize())
		}
		return
	}

	c.current.SetCurrentStep(workflowStepForAction(desired))
	c.transitionWorkflow(ctx)
}

func (c *Coordinator) saveLastGoalState(payload []byte) {
	saved := make([]byte, len(payload))
	copy(saved, payload)
	c.lastGoalStateJSON = saved
}
