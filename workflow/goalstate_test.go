package workflow

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingValidator struct {
	err       error
	manifest  string
	signature string
}

func (v *recordingValidator) ValidateManifest(manifest, signatureJWS string) error {
	v.manifest = manifest
	v.signature = signatureJWS
	return v.err
}

func TestParseGoalStateWithValidation(t *testing.T) {
	payload := []byte(`{
		"workflow": {"id": "wf-1", "action": 3},
		"updateManifest": "{\"manifestVersion\":\"5\",\"updateId\":{\"provider\":\"p\",\"name\":\"n\",\"version\":\"1\"}}",
		"updateManifestSignature": "aGVhZGVy.cGF5bG9hZA.c2ln",
		"fileUrls": {"f1": "http://host/f1"}
	}`)

	v := &recordingValidator{}
	gs, manifest, err := ParseGoalState(payload, v)
	require.NoError(t, err)
	assert.Equal(t, "wf-1", gs.Workflow.ID)
	assert.Equal(t, UpdateActionProcessDeployment, gs.Workflow.Action)
	require.NotNil(t, manifest)
	assert.Equal(t, "p", manifest.UpdateID.Provider)

	// The validator sees the exact escaped manifest string and the JWS.
	assert.Contains(t, v.manifest, `"manifestVersion":"5"`)
	assert.Equal(t, "aGVhZGVy.cGF5bG9hZA.c2ln", v.signature)
}

func TestParseGoalStateValidationFailure(t *testing.T) {
	payload := []byte(`{
		"workflow": {"id": "wf-1", "action": 3},
		"updateManifest": "{}",
		"updateManifestSignature": "x.y.z"
	}`)
	v := &recordingValidator{err: errors.New("bad signature")}
	_, _, err := ParseGoalState(payload, v)
	assert.ErrorIs(t, err, ErrManifestSignature)
}

func TestParseGoalStateMissingPieces(t *testing.T) {
	v := &recordingValidator{}

	_, _, err := ParseGoalState([]byte(`{"workflow":{"id":"w","action":3}}`), v)
	assert.ErrorIs(t, err, ErrMissingManifest)

	_, _, err = ParseGoalState([]byte(`{"workflow":{"id":"w","action":3},"updateManifest":"{}"}`), v)
	assert.ErrorIs(t, err, ErrMissingSignature)

	_, _, err = ParseGoalState([]byte(`{`), nil)
	assert.ErrorIs(t, err, ErrBadGoalState)
}

func TestParseGoalStateDefaultsActionToUndefined(t *testing.T) {
	gs, _, err := ParseGoalState([]byte(`{"workflow":{"id":"w"}}`), nil)
	require.NoError(t, err)
	assert.Equal(t, UpdateActionUndefined, gs.Workflow.Action)
}
