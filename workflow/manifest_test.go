package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUpdateType(t *testing.T) {
	parsed, err := ParseUpdateType("contoso/swupdate:2")
	require.NoError(t, err)
	assert.Equal(t, UpdateType{Vendor: "contoso", Kind: "swupdate", Version: 2}, parsed)
	assert.Equal(t, "contoso/swupdate:2", parsed.String())

	for _, bad := range []string{"", "contoso", "contoso/swupdate", "swupdate:1", "/kind:1", "contoso/:1", "contoso/swupdate:x", "contoso/swupdate:-1"} {
		_, err := ParseUpdateType(bad)
		assert.ErrorIs(t, err, ErrBadUpdateType, "input %q", bad)
	}
}

func TestParseManifestVersions(t *testing.T) {
	for _, version := range []string{"2", "3", "4", "5"} {
		m, err := ParseManifest([]byte(`{"manifestVersion":"` + version + `","updateId":{"provider":"p","name":"n","version":"1"},"updateType":"p/n:1"}`))
		require.NoError(t, err, version)
		assert.NotNil(t, m)
	}
	for _, version := range []string{"1", "6", "x", ""} {
		_, err := ParseManifest([]byte(`{"manifestVersion":"` + version + `","updateId":{"provider":"p","name":"n","version":"1"}}`))
		assert.ErrorIs(t, err, ErrManifestVersion, version)
	}
}

func TestParseManifestRequiresUpdateID(t *testing.T) {
	_, err := ParseManifest([]byte(`{"manifestVersion":"4","updateId":{"provider":"p","name":"n"}}`))
	assert.ErrorIs(t, err, ErrMissingUpdateID)
}

func TestInstalledCriteriaByVersion(t *testing.T) {
	v2 := []byte(`{"manifestVersion":"2","updateId":{"provider":"p","name":"n","version":"1"},"installedCriteria":"1.0"}`)
	m, err := ParseManifest(v2)
	require.NoError(t, err)
	criteria, err := m.StepInstalledCriteria(0)
	require.NoError(t, err)
	assert.Equal(t, "1.0", criteria)

	v4 := []byte(`{"manifestVersion":"4","updateId":{"provider":"p","name":"n","version":"1"},` +
		`"instructions":{"steps":[{"type":"inline","handler":"p/n:1","handlerProperties":{"installedCriteria":"4.2"}}]}}`)
	m, err = ParseManifest(v4)
	require.NoError(t, err)
	criteria, err = m.StepInstalledCriteria(0)
	require.NoError(t, err)
	assert.Equal(t, "4.2", criteria)

	_, err = m.StepInstalledCriteria(3)
	assert.ErrorIs(t, err, ErrNoSuchStep)
}

func TestFileEntityHash(t *testing.T) {
	fe := FileEntity{Hashes: map[string]string{"sha256": "abc"}}
	alg, value, ok := fe.Hash()
	require.True(t, ok)
	assert.Equal(t, "sha256", alg)
	assert.Equal(t, "abc", value)

	_, _, ok = (&FileEntity{}).Hash()
	assert.False(t, ok)
}

func TestOrderedRelatedFiles(t *testing.T) {
	fe := FileEntity{RelatedFiles: map[string]RelatedFile{
		"r2": {FileName: "b.delta"},
		"r1": {FileName: "a.delta"},
	}}
	ordered := fe.OrderedRelatedFiles()
	require.Len(t, ordered, 2)
	assert.Equal(t, "r1", ordered[0].FileID)
	assert.Equal(t, "r2", ordered[1].FileID)
}

func TestUpdateIDSerialize(t *testing.T) {
	u := UpdateID{Provider: "contoso", Name: "imx8", Version: "1.0.0"}
	assert.JSONEq(t, `{"provider":"contoso","name":"imx8","version":"1.0.0"}`, u.Serialize())
}
