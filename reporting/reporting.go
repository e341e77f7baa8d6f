// Package reporting serializes coordinator state into the reported
// document exchanged with the cloud orchestrator and declares the
// transport boundary that delivers it.
package reporting

import (
	"encoding/json"
	"fmt"

	"deviceupdate.software/agent/result"
	"deviceupdate.software/agent/workflow"
)

// Reporter delivers a reported-state document to the orchestrator. It
// returns false on transport failure, which the coordinator translates
// into a local Failed state.
type Reporter interface {
	ReportStateAndResultAsync(report *Report) bool
}

// Report is one reported-state update.
type Report struct {
	State             workflow.State
	Action            workflow.UpdateAction
	WorkflowID        string
	Result            *result.Result
	ResultDetails     string
	InstalledUpdateID string // escaped UpdateID JSON, only on Idle after success
}

type lastInstallResult struct {
	ResultCode         result.Code            `json:"resultCode"`
	ExtendedResultCode result.ExtendedCode    `json:"extendedResultCode"`
	ResultDetails      string                 `json:"resultDetails"`
	StepResults        map[string]interface{} `json:"stepResults"`
}

type workflowSection struct {
	Action int    `json:"action"`
	ID     string `json:"id"`
}

type agentSection struct {
	LastInstallResult *lastInstallResult `json:"lastInstallResult,omitempty"`
	State             int                `json:"state"`
	Workflow          *workflowSection   `json:"workflow,omitempty"`
	InstalledUpdateID string             `json:"installedUpdateId,omitempty"`
}

type deviceUpdateSection struct {
	Marker string       `json:"__t"`
	Agent  agentSection `json:"agent"`
}

type reportedDocument struct {
	DeviceUpdate deviceUpdateSection `json:"deviceUpdate"`
}

// Marshal renders the report into the twin document format.
func Marshal(report *Report) ([]byte, error) {
	agent := agentSection{
		State:             int(report.State),
		InstalledUpdateID: report.InstalledUpdateID,
	}
	if report.WorkflowID != "" {
		agent.Workflow = &workflowSection{
			Action: int(report.Action),
			ID:     report.WorkflowID,
		}
	}
	if report.Result != nil {
		agent.LastInstallResult = &lastInstallResult{
			ResultCode:         report.Result.Code,
			ExtendedResultCode: report.Result.ExtendedCode,
			ResultDetails:      report.ResultDetails,
		}
	}
	data, err := json.Marshal(reportedDocument{
		DeviceUpdate: deviceUpdateSection{Marker: "c", Agent: agent},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal reported state: %w", err)
	}
	return data, nil
}
