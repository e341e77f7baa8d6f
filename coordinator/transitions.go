package coordinator

import (
	"context"
	"path/filepath"

	"deviceupdate.software/agent/reporting"
	"deviceupdate.software/agent/result"
	"deviceupdate.software/agent/stephandler"
	"deviceupdate.software/agent/workflow"
)

// Extended result codes raised by the coordinator itself.
var (
	ERCUnexpectedState = result.MakeExtendedCode(result.FacilityCoordinator, 1)
	ERCMissingManifest = result.MakeExtendedCode(result.FacilityCoordinator, 3)
)

// dispatchEntry maps a workflow step to the operation performing it, the
// post-completion hook, the state entered on success and the step the
// workflow auto-transitions to afterwards. StepUndefined as the next
// step ends the workflow.
type dispatchEntry struct {
	step      workflow.Step
	operation func(c *Coordinator, ctx context.Context) result.Result
	complete  func(c *Coordinator, ctx context.Context, res result.Result)
	nextState workflow.State
	nextStep  workflow.Step
}

var dispatchTable = []dispatchEntry{
	{
		step:      workflow.StepProcessDeployment,
		operation: (*Coordinator).methodCallProcessDeployment,
		complete:  func(*Coordinator, context.Context, result.Result) {},
		nextState: workflow.StateDeploymentInProgress,
		nextStep:  workflow.StepDownload,
	},
	{
		step:      workflow.StepDownload,
		operation: (*Coordinator).methodCallDownload,
		complete:  func(*Coordinator, context.Context, result.Result) {},
		nextState: workflow.StateDownloadSucceeded,
		nextStep:  workflow.StepInstall,
	},
	{
		step:      workflow.StepInstall,
		operation: (*Coordinator).methodCallInstall,
		complete:  (*Coordinator).methodCallInstallComplete,
		nextState: workflow.StateInstallSucceeded,
		nextStep:  workflow.StepApply,
	},
	{
		// There is no ApplySucceeded state: Apply success returns to
		// Idle, ending the workflow.
		step:      workflow.StepApply,
		operation: (*Coordinator).methodCallApply,
		complete:  (*Coordinator).methodCallApplyComplete,
		nextState: workflow.StateIdle,
		nextStep:  workflow.StepUndefined,
	},
}

func dispatchEntryForStep(step workflow.Step) *dispatchEntry {
	for i := range dispatchTable {
		if dispatchTable[i].step == step {
			return &dispatchTable[i]
		}
	}
	return nil
}

// transitionWorkflow invokes the operation of the current step. When the
// operation completes synchronously (any result that is neither
// in-progress nor deferred to a worker) the completion callback runs on
// this thread without retaking the lock. Caller holds the lock.
func (c *Coordinator) transitionWorkflow(ctx context.Context) {
	entry := dispatchEntryForStep(c.current.CurrentStep())
	if entry == nil {
		c.log.ErrorContext(ctx, "invalid workflow step", "step", c.current.CurrentStep().String())
		return
	}

	c.log.DebugContext(ctx, "processing step", "step", entry.step.String())
	c.current.SetOperationInProgress(true)

	res := entry.operation(c, ctx)

	// The operation is complete, with no later callback coming, if it
	// was synchronous or it failed outright.
	if !res.IsInProgress() || res.IsFailure() {
		c.log.DebugContext(ctx, "synchronous operation complete", "result", res.String())
		c.completeWork(ctx, res, false)
	}
}

// autoTransition advances to the next step of the workflow after a
// successful completion. Caller holds the lock.
func (c *Coordinator) autoTransition(ctx context.Context) {
	if c.current.LastReportedState() == workflow.StateFailed {
		c.log.DebugContext(ctx, "skipping transition for failed state")
		return
	}

	entry := dispatchEntryForStep(c.current.CurrentStep())
	if entry == nil {
		c.log.ErrorContext(ctx, "invalid workflow step", "step", c.current.CurrentStep().String())
		return
	}

	if entry.nextStep == workflow.StepUndefined {
		c.log.InfoContext(ctx, "workflow complete")
		return
	}

	c.current.SetCurrentStep(entry.nextStep)
	c.log.InfoContext(ctx, "auto-transitioning workflow", "step", entry.nextStep.String())
	c.transitionWorkflow(ctx)
}

// CompleteWork is the work-completion callback invoked by step handlers
// that returned an in-progress result. isAsync must be true when called
// from a worker goroutine; the coordinator then takes its lock.
func (c *Coordinator) CompleteWork(ctx context.Context, res result.Result, isAsync bool) {
	if !isAsync {
		c.completeWork(ctx, res, false)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completeWork(ctx, res, true)
}

// completeWork finishes the current step. Caller holds the lock.
func (c *Coordinator) completeWork(ctx context.Context, res result.Result, isAsync bool) {
	if res.IsInProgress() {
		c.log.ErrorContext(ctx, "work completion received an in-progress result")
		return
	}
	if c.current == nil {
		c.log.ErrorContext(ctx, "work completion with no current workflow")
		return
	}

	entry := dispatchEntryForStep(c.current.CurrentStep())
	if entry == nil {
		c.log.ErrorContext(ctx, "invalid workflow step", "step", c.current.CurrentStep().String())
		return
	}
	if c.current.Action() == workflow.UpdateActionCancel {
		c.log.ErrorContext(ctx, "current action must not be cancel during work completion")
		return
	}

	c.log.InfoContext(ctx, "step complete",
		"step", entry.step.String(), "result", res.String(), "isAsync", isAsync)

	entry.complete(c, ctx, res)

	if res.IsSuccess() {
		c.setUpdateState(ctx, entry.nextState)

		// Transitioning to Idle frees the handle as a side effect of
		// setting the update state.
		if c.current != nil && c.current.LastReportedState() != workflow.StateIdle {
			c.current.ClearInProgressAndCancelRequested()
			c.autoTransition(ctx)
		}
		return
	}

	// Operation failed or was cancelled; both are failure codes.
	if c.current.CancelRequested() {
		cancellation := c.current.CancellationType()
		c.log.WarnContext(ctx, "handling cancel completion", "cancellationType", cancellation.String())

		switch cancellation {
		case workflow.CancellationReplacement, workflow.CancellationRetry, workflow.CancellationComponentChanged:
			c.log.InfoContext(ctx, "re-dispatching deployment", "cancellationType", cancellation.String())
			if cancellation == workflow.CancellationReplacement {
				c.current.UpdateForReplacement()
				c.current.SetWorkFolder(c.workFolderFor(c.current))
				c.saveLastGoalState(c.current.GoalStateJSON())
			} else {
				c.current.UpdateForRetry()
			}

			// In-memory only: the idle state is not reported, it just
			// arms the ProcessDeployment re-entry.
			c.current.SetLastReportedState(workflow.StateIdle)

			// ProcessDeployment completes synchronously and kicks off
			// the next step itself, so no autoTransition here.
			c.transitionWorkflow(ctx)
			return

		case workflow.CancellationNormal:
			c.log.WarnContext(ctx, "operation cancelled, returning to idle")
			res := result.Cancelled()
			c.setUpdateStateWithResult(ctx, workflow.StateIdle, &res)
			return

		default:
			c.log.ErrorContext(ctx, "invalid cancellation type with cancel requested",
				"cancellationType", cancellation.String())
			return
		}
	}

	// Report the failure and stay Failed; the orchestrator is expected
	// to send a Cancel to return the device to Idle.
	c.log.ErrorContext(ctx, "step failed, expecting orchestrator cancel",
		"step", entry.step.String(), "result", res.String())
	c.setUpdateStateWithResult(ctx, workflow.StateFailed, &res)
	c.current.SetOperationInProgress(false)
}

// ---- step operations ----

func (c *Coordinator) resolveHandler() (stephandler.Handler, result.Result) {
	manifest := c.current.Manifest()
	if manifest == nil {
		return nil, result.Failed(ERCMissingManifest)
	}
	return c.handlers.Resolve(manifest.UpdateType)
}

func (c *Coordinator) methodCallProcessDeployment(ctx context.Context) result.Result {
	c.log.InfoContext(ctx, "workflow step: ProcessDeployment")
	return result.New(result.Success)
}

func (c *Coordinator) methodCallDownload(ctx context.Context) result.Result {
	c.log.InfoContext(ctx, "workflow step: Download")

	if state := c.current.LastReportedState(); state != workflow.StateDeploymentInProgress {
		c.log.ErrorContext(ctx, "download step in unexpected state", "state", state.String())
		return result.Failed(ERCUnexpectedState)
	}

	if res := c.platform.SandboxCreate(c.current.ID(), c.current.WorkFolder()); res.IsFailure() {
		return res
	}
	c.log.InfoContext(ctx, "using sandbox", "workFolder", c.current.WorkFolder())

	c.setUpdateState(ctx, workflow.StateDownloadStarted)

	handler, res := c.resolveHandler()
	if res.IsFailure() {
		return res
	}
	return handler.Download(ctx, c.current)
}

func (c *Coordinator) methodCallInstall(ctx context.Context) result.Result {
	c.log.InfoContext(ctx, "workflow step: Install")

	if state := c.current.LastReportedState(); state != workflow.StateDownloadSucceeded {
		c.log.ErrorContext(ctx, "install step in unexpected state", "state", state.String())
		return result.Failed(ERCUnexpectedState)
	}

	c.setUpdateState(ctx, workflow.StateInstallStarted)

	handler, res := c.resolveHandler()
	if res.IsFailure() {
		return res
	}
	return handler.Install(ctx, c.current)
}

func (c *Coordinator) methodCallInstallComplete(ctx context.Context, res result.Result) {
	c.handleRebootAndRestartRequests(ctx, "install")
}

func (c *Coordinator) methodCallApply(ctx context.Context) result.Result {
	c.log.InfoContext(ctx, "workflow step: Apply")

	if state := c.current.LastReportedState(); state != workflow.StateInstallSucceeded {
		c.log.ErrorContext(ctx, "apply step in unexpected state", "state", state.String())
		return result.Failed(ERCUnexpectedState)
	}

	c.setUpdateState(ctx, workflow.StateApplyStarted)

	handler, res := c.resolveHandler()
	if res.IsFailure() {
		return res
	}
	return handler.Apply(ctx, c.current)
}

func (c *Coordinator) methodCallApplyComplete(ctx context.Context, res result.Result) {
	c.handleRebootAndRestartRequests(ctx, "apply")
	if !c.current.RebootRequested() && !c.current.AgentRestartRequested() &&
		res.Code == result.ApplySuccess {
		c.current.SetOperationInProgress(false)
	}
}

// handleRebootAndRestartRequests translates reboot and restart request
// flags left by a step into platform operations. A successfully
// initiated reboot or restart suppresses the terminal Idle report; the
// post-reboot cycle reports instead.
func (c *Coordinator) handleRebootAndRestartRequests(ctx context.Context, phase string) {
	switch {
	case c.current.RebootRequested():
		c.log.InfoContext(ctx, "step requested reboot, rebooting now", "phase", phase)
		c.systemRebootState = workflow.RebootRequired
		if c.platform.Reboot() == 0 {
			c.systemRebootState = workflow.RebootInProgress
		} else {
			c.log.ErrorContext(ctx, "reboot attempt failed")
			c.current.SetOperationInProgress(false)
		}

	case c.current.AgentRestartRequested():
		c.log.InfoContext(ctx, "step requested agent restart, restarting now", "phase", phase)
		c.agentRestartState = workflow.AgentRestartRequired
		if c.platform.RestartAgent() == 0 {
			c.agentRestartState = workflow.AgentRestartInProgress
		} else {
			c.log.ErrorContext(ctx, "agent restart attempt failed")
			c.current.SetOperationInProgress(false)
		}
	}
}

func (c *Coordinator) methodCallCancel(ctx context.Context) {
	if !c.current.OperationInProgress() {
		c.log.WarnContext(ctx, "cancel requested without operation in progress, ignoring")
		return
	}
	c.log.InfoContext(ctx, "requesting cancel for ongoing operation")
	handler, res := c.resolveHandler()
	if res.IsFailure() {
		c.log.ErrorContext(ctx, "no handler to cancel", "result", res.String())
		return
	}
	handler.Cancel(ctx, c.current)
}

func (c *Coordinator) methodCallIsInstalled(ctx context.Context) result.Result {
	if c.current == nil {
		return result.New(result.IsInstalledNotInstalled)
	}
	handler, res := c.resolveHandler()
	if res.IsFailure() {
		return res
	}
	c.log.DebugContext(ctx, "checking whether content is installed")
	return handler.IsInstalled(ctx, c.current)
}

// ---- state reporting ----

// report delivers a state report, eliding duplicates unless a distinct
// installedUpdateId must go out.
func (c *Coordinator) report(ctx context.Context, state workflow.State, res *result.Result, installedUpdateID string) bool {
	if c.current != nil && state == c.current.LastReportedState() && installedUpdateID == "" {
		c.log.DebugContext(ctx, "eliding duplicate state report", "state", state.String())
		return true
	}
	report := &reporting.Report{
		State:             state,
		InstalledUpdateID: installedUpdateID,
	}
	if c.current != nil {
		report.Action = c.current.Action()
		report.WorkflowID = c.current.ID()
		report.ResultDetails = c.current.ResultDetails()
	}
	if res != nil {
		value := *res
		report.Result = &value
		if c.current != nil {
			c.current.SetResult(value)
		}
	}
	return c.reporter.ReportStateAndResultAsync(report)
}

// setUpdateState moves the state machine to a new reportable state.
// Caller holds the lock.
func (c *Coordinator) setUpdateState(ctx context.Context, state workflow.State) {
	c.setUpdateStateWithResult(ctx, state, nil)
}

func (c *Coordinator) setUpdateStateWithResult(ctx context.Context, state workflow.State, res *result.Result) {
	c.log.InfoContext(ctx, "setting update state", "state", state.String())

	if state == workflow.StateIdle {
		if c.current != nil && c.current.LastReportedState() == workflow.StateApplyStarted {
			if c.systemRebootState == workflow.RebootNone && c.agentRestartState == workflow.AgentRestartNone {
				// Apply completed with no reboot or restart required:
				// report deployment success to complete the workflow.
				if updateID, err := c.current.ExpectedUpdateID(); err == nil {
					c.setInstalledUpdateIDAndGoToIdle(ctx, updateID.Serialize())
					return
				}
			}
			if c.systemRebootState == workflow.RebootInProgress ||
				c.agentRestartState == workflow.AgentRestartInProgress {
				// The device is going down; transition internally but do
				// not report, the post-reboot cycle will.
				c.goToIdle(ctx)
				return
			}
			// The reboot or restart failed; fall through and report Idle
			// without an installed update id, which the orchestrator
			// reads as a failed deployment.
		}

		if !c.report(ctx, workflow.StateIdle, res, "") {
			c.markReportFailed(ctx)
			return
		}
		if c.current != nil {
			c.current.SetLastReportedState(workflow.StateIdle)
		}
		c.goToIdle(ctx)
		return
	}

	if !c.report(ctx, state, res, "") {
		c.markReportFailed(ctx)
		return
	}
	if c.current != nil {
		c.current.SetState(state)
		c.current.SetLastReportedState(state)
	}
}

func (c *Coordinator) markReportFailed(ctx context.Context) {
	c.log.ErrorContext(ctx, "reporting failed, forcing failed state locally")
	if c.current != nil {
		c.current.SetState(workflow.StateFailed)
		c.current.SetLastReportedState(workflow.StateFailed)
	}
}

// setInstalledUpdateIDAndGoToIdle reports deployment success with the
// installed update id and releases the workflow.
func (c *Coordinator) setInstalledUpdateIDAndGoToIdle(ctx context.Context, installedUpdateID string) {
	res := result.New(result.ApplySuccess)
	if !c.report(ctx, workflow.StateIdle, &res, installedUpdateID) {
		c.log.ErrorContext(ctx, "failed to report installed update id")
	}
	if c.current != nil {
		c.current.SetLastReportedState(workflow.StateIdle)
		c.lastCompletedWorkflowID = c.current.ID()
		if c.hooks != nil {
			c.hooks.OnUpdateWorkflowCompleted(ctx, c.current)
		}
	}
	c.goToIdle(ctx)
	c.systemRebootState = workflow.RebootNone
	c.agentRestartState = workflow.AgentRestartNone
}

// goToIdle destroys the sandbox, notifies the platform and releases the
// current handle.
func (c *Coordinator) goToIdle(ctx context.Context) {
	if c.current == nil {
		return
	}
	workflowID := c.current.ID()
	workFolder := c.current.WorkFolder()

	state := c.current.LastReportedState()
	if state != workflow.StateIdle && state != workflow.StateApplyStarted && state != workflow.StateFailed {
		c.log.WarnContext(ctx, "idle transition in unexpected state", "state", state.String())
	}

	if workFolder != "" {
		c.log.InfoContext(ctx, "destroying sandbox", "workFolder", workFolder)
		c.platform.SandboxDestroy(workflowID, workFolder)
	}
	c.platform.OnIdle(workflowID)

	c.current = nil
}

func (c *Coordinator) workFolderFor(h *workflow.Handle) string {
	return filepath.Join(c.downloadsRoot, h.ID())
}
