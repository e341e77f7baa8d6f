package reporting

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deviceupdate.software/agent/result"
	"deviceupdate.software/agent/workflow"
)

func TestMarshalIdleWithInstalledUpdateID(t *testing.T) {
	r := result.New(result.ApplySuccess)
	data, err := Marshal(&Report{
		State:             workflow.StateIdle,
		Action:            workflow.UpdateActionProcessDeployment,
		WorkflowID:        "workflow-1",
		Result:            &r,
		InstalledUpdateID: `{"provider":"contoso","name":"imx8","version":"1.2.0"}`,
	})
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	du := doc["deviceUpdate"].(map[string]any)
	assert.Equal(t, "c", du["__t"])
	agent := du["agent"].(map[string]any)
	assert.EqualValues(t, 0, agent["state"])
	assert.Equal(t, `{"provider":"contoso","name":"imx8","version":"1.2.0"}`, agent["installedUpdateId"])
	wf := agent["workflow"].(map[string]any)
	assert.EqualValues(t, 3, wf["action"])
	assert.Equal(t, "workflow-1", wf["id"])
	lir := agent["lastInstallResult"].(map[string]any)
	assert.EqualValues(t, 700, lir["resultCode"])
	assert.Contains(t, lir, "stepResults")
}

func TestMarshalFailure(t *testing.T) {
	r := result.Failed(result.MakeExtendedCode(result.FacilityStepHandler, 7))
	data, err := Marshal(&Report{
		State:         workflow.StateFailed,
		Action:        workflow.UpdateActionProcessDeployment,
		WorkflowID:    "workflow-2",
		Result:        &r,
		ResultDetails: "install script exited with 2",
	})
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	agent := doc["deviceUpdate"].(map[string]any)["agent"].(map[string]any)
	assert.EqualValues(t, 255, agent["state"])
	assert.NotContains(t, agent, "installedUpdateId")
	lir := agent["lastInstallResult"].(map[string]any)
	assert.EqualValues(t, 0, lir["resultCode"])
	assert.Equal(t, "install script exited with 2", lir["resultDetails"])
}
