package workflow

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deviceupdate.software/agent/result"
)

func goalStatePayload(t *testing.T, id string, action UpdateAction, retryToken string) []byte {
	t.Helper()
	manifest := map[string]any{
		"manifestVersion": "4",
		"updateId":        map[string]string{"provider": "contoso", "name": "toaster", "version": "2.0.0"},
		"updateType":      "contoso/toaster:1",
		"compatibility":   []map[string]string{{"deviceManufacturer": "contoso", "deviceModel": "toaster"}},
		"files": map[string]any{
			"f1": map[string]any{"fileName": "firmware.bin", "sizeInBytes": 12, "hashes": map[string]string{"sha256": "aaa"}},
			"f0": map[string]any{"fileName": "manifest.json", "sizeInBytes": 3, "hashes": map[string]string{"sha256": "bbb"}},
		},
		"instructions": map[string]any{
			"steps": []map[string]any{
				{
					"type":              "inline",
					"handler":           "contoso/toaster:1",
					"handlerProperties": map[string]any{"installedCriteria": "2.0.0"},
					"files":             []string{"f1"},
				},
			},
		},
	}
	manifestJSON, err := json.Marshal(manifest)
	require.NoError(t, err)
	wf := map[string]any{"id": id, "action": int(action)}
	if retryToken != "" {
		wf["retryTimestamp"] = retryToken
	}
	payload, err := json.Marshal(map[string]any{
		"workflow":       wf,
		"updateManifest": string(manifestJSON),
		"fileUrls":       map[string]string{"f1": "http://host/firmware.bin", "f0": "http://host/manifest.json"},
	})
	require.NoError(t, err)
	return payload
}

func TestNewHandle(t *testing.T) {
	h, err := NewHandle(goalStatePayload(t, "wf-1", UpdateActionProcessDeployment, "token-1"), nil)
	require.NoError(t, err)

	assert.Equal(t, "wf-1", h.ID())
	assert.Equal(t, UpdateActionProcessDeployment, h.Action())
	assert.Equal(t, "token-1", h.RetryToken())

	updateID, err := h.ExpectedUpdateID()
	require.NoError(t, err)
	assert.Equal(t, "contoso/toaster:2.0.0", updateID.String())

	updateType, err := h.UpdateType()
	require.NoError(t, err)
	assert.Equal(t, "contoso", updateType.Vendor)
	assert.Equal(t, 1, updateType.Version)

	criteria, err := h.InstalledCriteria()
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", criteria)

	files := h.Files()
	require.Len(t, files, 2)
	assert.Equal(t, "f0", files[0].FileID)
	assert.Equal(t, "f1", files[1].FileID)

	url, ok := h.FileURL("f1")
	require.True(t, ok)
	assert.Equal(t, "http://host/firmware.bin", url)
}

func TestNewHandleGeneratesIDWhenAbsent(t *testing.T) {
	payload := []byte(`{"workflow":{"action":255}}`)
	h, err := NewHandle(payload, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, h.ID())
	assert.Equal(t, UpdateActionCancel, h.Action())
	assert.Nil(t, h.Manifest())
}

func TestEntityWorkFolderFilePath(t *testing.T) {
	h, err := NewHandle(goalStatePayload(t, "wf-1", UpdateActionProcessDeployment, ""), nil)
	require.NoError(t, err)
	h.SetWorkFolder("/var/lib/agent/downloads/wf-1")

	files := h.Files()
	assert.Equal(t, "/var/lib/agent/downloads/wf-1/manifest.json", h.EntityWorkFolderFilePath(files[0]))
}

func TestTransferData(t *testing.T) {
	target, err := NewHandle(goalStatePayload(t, "wf-old", UpdateActionProcessDeployment, "t1"), nil)
	require.NoError(t, err)
	target.SetOperationInProgress(true)
	target.SetCancelRequested(true)
	target.SetCancellationType(CancellationReplacement)
	target.SetResultDetails("stale details")

	source, err := NewHandle(goalStatePayload(t, "wf-new", UpdateActionProcessDeployment, "t9"), nil)
	require.NoError(t, err)

	target.TransferData(source)

	assert.Equal(t, "wf-new", target.ID())
	assert.Equal(t, "t9", target.RetryToken())
	assert.Equal(t, CancellationNone, target.CancellationType())
	assert.False(t, target.OperationInProgress())
	assert.False(t, target.CancelRequested())
	assert.Empty(t, target.ResultDetails())
	assert.NotNil(t, target.Manifest())

	// The source is inert after the transfer.
	assert.Empty(t, source.ID())
	assert.Nil(t, source.Manifest())
	assert.Nil(t, source.GoalState())
}

func TestDeferredReplacement(t *testing.T) {
	current, err := NewHandle(goalStatePayload(t, "wf-a", UpdateActionProcessDeployment, ""), nil)
	require.NoError(t, err)
	next, err := NewHandle(goalStatePayload(t, "wf-b", UpdateActionProcessDeployment, ""), nil)
	require.NoError(t, err)

	// Not in progress: immediate transfer.
	deferred := current.UpdateReplacementDeployment(next)
	assert.False(t, deferred)
	assert.Equal(t, "wf-b", current.ID())
	assert.Nil(t, current.DeferredReplacement())

	// In progress: deferral.
	current.SetOperationInProgress(true)
	later, err := NewHandle(goalStatePayload(t, "wf-c", UpdateActionProcessDeployment, ""), nil)
	require.NoError(t, err)
	deferred = current.UpdateReplacementDeployment(later)
	assert.True(t, deferred)
	assert.Equal(t, CancellationReplacement, current.CancellationType())
	require.NotNil(t, current.DeferredReplacement())

	// Promotion adopts the deferred handle and rewinds the workflow.
	current.SetCurrentStep(StepInstall)
	current.SetCancelRequested(true)
	current.UpdateForReplacement()
	assert.Equal(t, "wf-c", current.ID())
	assert.Equal(t, StepProcessDeployment, current.CurrentStep())
	assert.Equal(t, CancellationNone, current.CancellationType())
	assert.False(t, current.OperationInProgress())
	assert.False(t, current.CancelRequested())
	assert.Nil(t, current.DeferredReplacement())
}

func TestUpdateRetryDeployment(t *testing.T) {
	h, err := NewHandle(goalStatePayload(t, "wf-1", UpdateActionProcessDeployment, "t1"), nil)
	require.NoError(t, err)

	h.UpdateRetryDeployment("t2")
	assert.Equal(t, CancellationRetry, h.CancellationType())
	assert.Equal(t, "t2", h.RetryToken())

	h.SetCurrentStep(StepDownload)
	h.SetOperationInProgress(true)
	h.UpdateForRetry()
	assert.Equal(t, StepProcessDeployment, h.CurrentStep())
	assert.Equal(t, CancellationNone, h.CancellationType())
	assert.False(t, h.OperationInProgress())
	assert.Equal(t, "t2", h.RetryToken())
}

func TestCompareID(t *testing.T) {
	a, err := NewHandle(goalStatePayload(t, "same", UpdateActionProcessDeployment, ""), nil)
	require.NoError(t, err)
	b, err := NewHandle(goalStatePayload(t, "same", UpdateActionProcessDeployment, ""), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, CompareID(a, b))
	assert.True(t, a.IsEqualID("same"))
	assert.False(t, a.IsEqualID(""))
}

func TestSuccessERCAccumulation(t *testing.T) {
	h, err := NewHandle(goalStatePayload(t, "wf-1", UpdateActionProcessDeployment, ""), nil)
	require.NoError(t, err)

	erc1 := result.MakeExtendedCode(result.FacilityDeltaHandler, 3)
	erc2 := result.MakeExtendedCode(result.FacilityDeltaHandler, 4)
	h.AddSuccessERC(erc1)
	h.AddSuccessERC(erc2)
	assert.Equal(t, []result.ExtendedCode{erc1, erc2}, h.SuccessERCs())
}

func TestNewHandleFromInlineStep(t *testing.T) {
	parent, err := NewHandle(goalStatePayload(t, "wf-p", UpdateActionProcessDeployment, ""), nil)
	require.NoError(t, err)
	parent.SetWorkFolder("/tmp/wf-p")

	child, err := NewHandleFromInlineStep(parent, 0)
	require.NoError(t, err)

	assert.Equal(t, "wf-p", child.ID())
	assert.Equal(t, 1, child.Level())
	assert.Equal(t, 0, child.StepIndex())
	assert.Equal(t, parent.WorkFolder(), child.WorkFolder())
	assert.Same(t, parent, child.Parent())
	require.Len(t, parent.Children(), 1)

	// The child's manifest narrows to the step's files and handler.
	m := child.Manifest()
	require.NotNil(t, m)
	assert.Equal(t, "contoso/toaster:1", m.UpdateType)
	require.Len(t, m.Files, 1)
	_, err = m.File("f1")
	assert.NoError(t, err)

	_, err = NewHandleFromInlineStep(parent, 5)
	assert.ErrorIs(t, err, ErrNoSuchStep)
}

func TestRebootAndRestartFlags(t *testing.T) {
	h, err := NewHandle(goalStatePayload(t, "wf-1", UpdateActionProcessDeployment, ""), nil)
	require.NoError(t, err)

	assert.False(t, h.RebootRequested())
	h.RequestReboot()
	assert.True(t, h.RebootRequested())

	assert.False(t, h.AgentRestartRequested())
	h.RequestImmediateAgentRestart()
	assert.True(t, h.AgentRestartRequested())
}

func TestResultFromError(t *testing.T) {
	_, _, err := ParseGoalState([]byte("not json"), nil)
	require.Error(t, err)
	assert.Equal(t, ERCBadGoalState, ResultFromError(err).ExtendedCode)

	res := ResultFromError(fmt.Errorf("wrap: %w", ErrManifestSignature))
	assert.Equal(t, ERCSignatureInvalid, res.ExtendedCode)
	assert.True(t, res.IsFailure())
}
