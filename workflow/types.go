// Package workflow holds the deployment data model: the goal state
// pushed by the orchestrator, the parsed update manifest inside it, and
// the opaque Handle the coordinator drives through the update lifecycle.
package workflow

// UpdateAction is the command the orchestrator attached to a goal state.
// Values are part of the wire protocol.
type UpdateAction int

const (
	UpdateActionUndefined         UpdateAction = -1
	UpdateActionProcessDeployment UpdateAction = 3
	UpdateActionCancel            UpdateAction = 255
)

func (a UpdateAction) String() string {
	switch a {
	case UpdateActionProcessDeployment:
		return "ProcessDeployment"
	case UpdateActionCancel:
		return "Cancel"
	case UpdateActionUndefined:
		return "Undefined"
	}
	return "<Unknown>"
}

// Step is a position within a deployment. StepUndefined marks the end of
// the workflow.
type Step int

const (
	StepUndefined Step = iota
	StepProcessDeployment
	StepDownload
	StepInstall
	StepApply
)

func (s Step) String() string {
	switch s {
	case StepProcessDeployment:
		return "ProcessDeployment"
	case StepDownload:
		return "Download"
	case StepInstall:
		return "Install"
	case StepApply:
		return "Apply"
	case StepUndefined:
		return "Undefined"
	}
	return "<Unknown>"
}

// State is the reportable lifecycle state. Values are part of the wire
// protocol. There is no ApplySucceeded: a successful Apply transitions
// back to Idle.
type State int

const (
	StateIdle                 State = 0
	StateDownloadStarted      State = 1
	StateDownloadSucceeded    State = 2
	StateInstallStarted       State = 3
	StateInstallSucceeded     State = 4
	StateApplyStarted         State = 5
	StateDeploymentInProgress State = 6
	StateFailed               State = 255
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateDownloadStarted:
		return "DownloadStarted"
	case StateDownloadSucceeded:
		return "DownloadSucceeded"
	case StateInstallStarted:
		return "InstallStarted"
	case StateInstallSucceeded:
		return "InstallSucceeded"
	case StateApplyStarted:
		return "ApplyStarted"
	case StateDeploymentInProgress:
		return "DeploymentInProgress"
	case StateFailed:
		return "Failed"
	}
	return "<Unknown>"
}

// CancellationType records why the current activity should stop.
type CancellationType int

const (
	CancellationNone CancellationType = iota
	CancellationNormal
	CancellationReplacement
	CancellationRetry
	CancellationComponentChanged
)

func (c CancellationType) String() string {
	switch c {
	case CancellationNone:
		return "None"
	case CancellationNormal:
		return "Normal"
	case CancellationReplacement:
		return "Replacement"
	case CancellationRetry:
		return "Retry"
	case CancellationComponentChanged:
		return "ComponentChanged"
	}
	return "<Unknown>"
}

// RebootState tracks progress of a system reboot requested by a step.
type RebootState int

const (
	RebootNone RebootState = iota
	RebootRequired
	RebootInProgress
)

// AgentRestartState tracks progress of an agent restart requested by a
// step.
type AgentRestartState int

const (
	AgentRestartNone AgentRestartState = iota
	AgentRestartRequired
	AgentRestartInProgress
)
