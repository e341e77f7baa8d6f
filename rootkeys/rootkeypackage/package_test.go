package rootkeypackage

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deviceupdate.software/agent/base64url"
)

const testModulus = "3q2-796tvu_erb7v3q2-796tvu_erb7v3q2-796tvu_erb7v"

func packageDoc(protected string) []byte {
	return []byte(fmt.Sprintf(`{"protected":%s,"signatures":[{"alg":"RS256","sig":"c2lnbmF0dXJl"}]}`, protected))
}

func validProtected() string {
	return fmt.Sprintf(`{"version":2,"published":1718236800,`+
		`"disabledRootKeys":["DU.201901.R"],`+
		`"disabledSigningKeys":[{"alg":"SHA256","hash":"%s"}],`+
		`"rootKeys":{"DU.202402.R":{"keyType":"RSA","n":"%s","e":65537},`+
		`"DU.202407.R":{"keyType":"RSA","n":"%s","e":65537}}}`,
		base64url.Encode([]byte("revoked-key-hash")), testModulus, testModulus)
}

func TestParse(t *testing.T) {
	protected := validProtected()
	pkg, err := Parse(packageDoc(protected))
	require.NoError(t, err)

	assert.Equal(t, 2, pkg.Protected.Version)
	assert.EqualValues(t, 1718236800, pkg.Protected.Published)
	assert.False(t, pkg.Protected.IsTest)
	assert.Equal(t, []string{"DU.201901.R"}, pkg.Protected.DisabledRootKeys)
	require.Len(t, pkg.Protected.DisabledSigningKeys, 1)
	assert.Equal(t, "SHA256", pkg.Protected.DisabledSigningKeys[0].Alg)
	require.Len(t, pkg.Signatures, 1)
	assert.Equal(t, "RS256", pkg.Signatures[0].Alg)
	assert.Equal(t, []byte("signature"), pkg.Signatures[0].Value)

	// The protected member must be preserved byte for byte.
	assert.Equal(t, protected, string(pkg.ProtectedRaw))
}

func TestParsePreservesRootKeyOrder(t *testing.T) {
	pkg, err := Parse(packageDoc(validProtected()))
	require.NoError(t, err)

	require.Len(t, pkg.Protected.RootKeys, 2)
	assert.Equal(t, "DU.202402.R", pkg.Protected.RootKeys[0].KID)
	assert.Equal(t, "DU.202407.R", pkg.Protected.RootKeys[1].KID)
	assert.Equal(t, 0, pkg.RootKeyIndex("DU.202402.R"))
	assert.Equal(t, 1, pkg.RootKeyIndex("DU.202407.R"))
	assert.Equal(t, -1, pkg.RootKeyIndex("DU.209901.R"))
}

func TestParseRejections(t *testing.T) {
	for name, doc := range map[string]string{
		"bad json":          `{`,
		"no protected":      `{"signatures":[{"alg":"RS256","sig":"YQ"}]}`,
		"no signatures":     fmt.Sprintf(`{"protected":%s,"signatures":[]}`, validProtected()),
		"bad signature alg": fmt.Sprintf(`{"protected":%s,"signatures":[{"alg":"HS256","sig":"YQ"}]}`, validProtected()),
		"zero exponent": string(packageDoc(fmt.Sprintf(
			`{"version":1,"published":1,"disabledRootKeys":[],"disabledSigningKeys":[],`+
				`"rootKeys":{"X":{"keyType":"RSA","n":"%s","e":0}}}`, testModulus))),
		"bad key type": string(packageDoc(fmt.Sprintf(
			`{"version":1,"published":1,"disabledRootKeys":[],"disabledSigningKeys":[],`+
				`"rootKeys":{"X":{"keyType":"EC","n":"%s","e":65537}}}`, testModulus))),
		"bad hash alg": string(packageDoc(
			`{"version":1,"published":1,"disabledRootKeys":[],` +
				`"disabledSigningKeys":[{"alg":"MD5","hash":"YQ"}],` +
				`"rootKeys":{"X":{"keyType":"RSA","n":"YQ","e":65537}}}`)),
		"missing version": string(packageDoc(
			`{"published":1,"disabledRootKeys":[],"disabledSigningKeys":[],` +
				`"rootKeys":{"X":{"keyType":"RSA","n":"YQ","e":65537}}}`)),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestIsTest(t *testing.T) {
	protected := fmt.Sprintf(`{"isTest":true,"version":1,"published":1,`+
		`"disabledRootKeys":[],"disabledSigningKeys":[],`+
		`"rootKeys":{"X":{"keyType":"RSA","n":"%s","e":65537}}}`, testModulus)
	pkg, err := Parse(packageDoc(protected))
	require.NoError(t, err)
	assert.True(t, pkg.Protected.IsTest)
}

func TestEqual(t *testing.T) {
	a, err := Parse(packageDoc(validProtected()))
	require.NoError(t, err)
	b, err := Parse(packageDoc(validProtected()))
	require.NoError(t, err)
	assert.True(t, a.Equal(b))

	// Same content, different serialization of the protected member.
	reformatted := `{"version": 2,` + validProtected()[len(`{"version":2,`):]
	c, err := Parse(packageDoc(reformatted))
	require.NoError(t, err)
	assert.False(t, a.Equal(c))

	var nilPkg *Package
	assert.False(t, nilPkg.Equal(a))
	assert.True(t, nilPkg.Equal(nil))
}

func TestPersist(t *testing.T) {
	pkg, err := Parse(packageDoc(validProtected()))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "store", "rootkeys.json")
	require.NoError(t, pkg.Persist(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, pkg.Raw(), data)

	// No temp file debris is left next to the destination.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
