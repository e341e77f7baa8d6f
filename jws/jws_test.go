package jws

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deviceupdate.software/agent/base64url"
)

var errUnknownKid = errors.New("unknown kid")

type staticKeys map[string]*rsa.PublicKey

func (s staticKeys) KeyByID(kid string) (*rsa.PublicKey, error) {
	key, ok := s[kid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errUnknownKid, kid)
	}
	return key, nil
}

func signJWS(t *testing.T, header map[string]string, payload []byte, key *rsa.PrivateKey) string {
	t.Helper()
	headerJSON, err := json.Marshal(header)
	require.NoError(t, err)
	input := base64url.Encode(headerJSON) + "." + base64url.Encode(payload)
	sum := sha256.Sum256([]byte(input))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, sum[:])
	require.NoError(t, err)
	return input + "." + base64url.Encode(sig)
}

type chain struct {
	rootKey    *rsa.PrivateKey
	signingKey *rsa.PrivateKey
	sjwk       string
	keys       staticKeys
}

func newChain(t *testing.T, kid string) *chain {
	t.Helper()
	rootKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	signingKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	jwk, err := json.Marshal(map[string]string{
		"kty": "RSA",
		"n":   base64url.Encode(signingKey.PublicKey.N.Bytes()),
		"e":   base64url.Encode([]byte{0x01, 0x00, 0x01}),
	})
	require.NoError(t, err)

	return &chain{
		rootKey:    rootKey,
		signingKey: signingKey,
		sjwk:       signJWS(t, map[string]string{"alg": "RS256", "kid": kid}, jwk, rootKey),
		keys:       staticKeys{kid: &rootKey.PublicKey},
	}
}

func (c *chain) seal(t *testing.T, payload []byte) string {
	t.Helper()
	return signJWS(t, map[string]string{"alg": "RS256", "sjwk": c.sjwk}, payload, c.signingKey)
}

func TestParse(t *testing.T) {
	envelope, err := Parse("aGVhZGVy.cGF5bG9hZA.c2ln")
	require.NoError(t, err)
	assert.Equal(t, "aGVhZGVy", envelope.Header)
	assert.Equal(t, []byte("aGVhZGVy.cGF5bG9hZA"), envelope.SigningInput())

	for _, bad := range []string{"", "one", "a.b", "a.b.c.d", "a..c"} {
		_, err := Parse(bad)
		assert.ErrorIs(t, err, ErrBadStructure, "input %q", bad)
	}
}

func TestVerifyChain(t *testing.T) {
	c := newChain(t, "AGENT.202402.R")
	payload := []byte(`{"sha256":"irrelevant"}`)
	token := c.seal(t, payload)

	got, err := (&Validator{Keys: c.keys}).Verify(token)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestVerifyUnknownKid(t *testing.T) {
	c := newChain(t, "AGENT.202402.R")
	token := c.seal(t, []byte("{}"))

	_, err := (&Validator{Keys: staticKeys{}}).Verify(token)
	assert.ErrorIs(t, err, errUnknownKid)
}

func TestVerifyTamperedPayload(t *testing.T) {
	c := newChain(t, "AGENT.202402.R")
	token := c.seal(t, []byte(`{"v":1}`))

	envelope, err := Parse(token)
	require.NoError(t, err)
	forged := envelope.Header + "." + base64url.Encode([]byte(`{"v":2}`)) + "." + envelope.Signature

	_, err = (&Validator{Keys: c.keys}).Verify(forged)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyForeignSigningKey(t *testing.T) {
	// Outer token signed by a key that is not the one vouched for by the
	// signed JWK.
	c := newChain(t, "AGENT.202402.R")
	rogue, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	token := signJWS(t, map[string]string{"alg": "RS256", "sjwk": c.sjwk}, []byte("{}"), rogue)

	_, err = (&Validator{Keys: c.keys}).Verify(token)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyMissingSJWK(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	token := signJWS(t, map[string]string{"alg": "RS256"}, []byte("{}"), key)

	_, err = (&Validator{Keys: staticKeys{}}).Verify(token)
	assert.ErrorIs(t, err, ErrMissingSJWK)
}

func TestVerifyUnsupportedAlgorithm(t *testing.T) {
	c := newChain(t, "AGENT.202402.R")
	jwk, _ := Payload(c.sjwk)
	badInner := signJWS(t, map[string]string{"alg": "HS256", "kid": "AGENT.202402.R"}, jwk, c.rootKey)

	err := VerifySJWK(badInner, c.keys)
	assert.ErrorIs(t, err, ErrUnsupportedAlg)
}

type denyAll struct{}

func (denyAll) IsSigningKeyDisabled(string, []byte) bool { return true }

func TestVerifyDisabledSigningKey(t *testing.T) {
	c := newChain(t, "AGENT.202402.R")
	token := c.seal(t, []byte("{}"))

	_, err := (&Validator{Keys: c.keys, Policy: denyAll{}}).Verify(token)
	assert.ErrorIs(t, err, ErrSigningKeyDisabled)
}

func TestValidateManifest(t *testing.T) {
	c := newChain(t, "AGENT.202402.R")
	manifest := `{"manifestVersion":"5","updateId":{"provider":"contoso","name":"imx8","version":"1.0.0"}}`

	sum := sha256.Sum256([]byte(manifest))
	binding, err := json.Marshal(map[string]string{
		"sha256": base64.StdEncoding.EncodeToString(sum[:]),
	})
	require.NoError(t, err)
	token := c.seal(t, binding)

	v := &Validator{Keys: c.keys}
	assert.NoError(t, v.ValidateManifest(manifest, token))
	assert.ErrorIs(t, v.ValidateManifest(manifest+" ", token), ErrManifestHash)
}
