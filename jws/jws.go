// Package jws validates the JSON Web Signature envelopes that
// authenticate update manifests. Trust chains from a root key (resolved
// through a KeyResolver) to a signed JWK embedded in the outer JWS
// header ("sjwk"), and from that JWK to the outer signature.
//
// Verification always runs over the exact transmitted base64url
// segments; nothing is re-serialized before signature checks.
package jws

import (
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"deviceupdate.software/agent/base64url"
	"deviceupdate.software/agent/cryptoutil"
)

// Failure modes, each distinct so callers can report them separately.
var (
	ErrBadStructure       = errors.New("jws: malformed structure")
	ErrUnsupportedAlg     = errors.New("jws: unsupported algorithm")
	ErrInvalidSignature   = errors.New("jws: signature verification failed")
	ErrMissingSJWK        = errors.New("jws: header has no sjwk")
	ErrSigningKeyDisabled = errors.New("jws: signing key is disabled")
	ErrManifestHash       = errors.New("jws: manifest hash mismatch")
)

// KeyResolver resolves trust anchors by key id. The rootkeys package
// provides the production implementation; its errors distinguish
// unknown from disabled kids.
type KeyResolver interface {
	KeyByID(kid string) (*rsa.PublicKey, error)
}

// SigningKeyPolicy reports whether a signing key (identified by a hash
// of its JWK material) has been revoked by the root key package.
// hashAlg names the algorithm of the provided digest.
type SigningKeyPolicy interface {
	IsSigningKeyDisabled(hashAlg string, keyHash []byte) bool
}

// Envelope is a split JWS: the three transmitted base64url segments.
type Envelope struct {
	Header    string
	Payload   string
	Signature string
}

// Parse splits a compact JWS into its three segments.
func Parse(token string) (*Envelope, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return nil, fmt.Errorf("%w: want 3 segments, got %d", ErrBadStructure, len(parts))
	}
	return &Envelope{Header: parts[0], Payload: parts[1], Signature: parts[2]}, nil
}

// SigningInput returns the byte string the signature covers:
// header "." payload, exactly as transmitted.
func (e *Envelope) SigningInput() []byte {
	return []byte(e.Header + "." + e.Payload)
}

// DecodedHeader parses the JSON header of the envelope.
func (e *Envelope) DecodedHeader() (map[string]string, error) {
	raw, err := base64url.Decode(e.Header)
	if err != nil {
		return nil, fmt.Errorf("%w: header: %w", ErrBadStructure, err)
	}
	var header map[string]string
	if err := json.Unmarshal(raw, &header); err != nil {
		return nil, fmt.Errorf("%w: header: %w", ErrBadStructure, err)
	}
	return header, nil
}

// DecodedPayload returns the base64url-decoded payload.
func (e *Envelope) DecodedPayload() ([]byte, error) {
	raw, err := base64url.Decode(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: payload: %w", ErrBadStructure, err)
	}
	return raw, nil
}

// Payload extracts the decoded payload of a compact JWS without
// validating anything.
func Payload(token string) ([]byte, error) {
	envelope, err := Parse(token)
	if err != nil {
		return nil, err
	}
	return envelope.DecodedPayload()
}

// VerifyWithKey verifies a compact JWS under the given key, using the
// algorithm declared in its header.
func VerifyWithKey(token string, key *rsa.PublicKey) error {
	envelope, err := Parse(token)
	if err != nil {
		return err
	}
	header, err := envelope.DecodedHeader()
	if err != nil {
		return err
	}
	alg, ok := header["alg"]
	if !ok {
		return fmt.Errorf("%w: header has no alg", ErrBadStructure)
	}
	signature, err := base64url.Decode(envelope.Signature)
	if err != nil {
		return fmt.Errorf("%w: signature: %w", ErrBadStructure, err)
	}
	if err := cryptoutil.IsValidSignature(alg, signature, envelope.SigningInput(), key); err != nil {
		if errors.Is(err, cryptoutil.ErrUnsupportedAlgorithm) {
			return fmt.Errorf("%w: %q", ErrUnsupportedAlg, alg)
		}
		return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	return nil
}

// KeyFromJWK builds an RSA public key from the JWK carried as the
// payload of a compact JWS. The JWK is not validated here.
func KeyFromJWK(token string) (*rsa.PublicKey, error) {
	payload, err := Payload(token)
	if err != nil {
		return nil, err
	}
	var jwk struct {
		Kty string `json:"kty"`
		N   string `json:"n"`
		E   string `json:"e"`
	}
	if err := json.Unmarshal(payload, &jwk); err != nil {
		return nil, fmt.Errorf("%w: jwk: %w", ErrBadStructure, err)
	}
	if jwk.N == "" || jwk.E == "" {
		return nil, fmt.Errorf("%w: jwk missing n or e", ErrBadStructure)
	}
	key, err := cryptoutil.NewRSAPublicKeyFromB64(jwk.N, jwk.E)
	if err != nil {
		return nil, fmt.Errorf("%w: jwk: %w", ErrBadStructure, err)
	}
	return key, nil
}

// VerifySJWK validates a signed JWK: the inner JWS whose payload is a
// JWK and whose header names the root key (kid) that signed it.
func VerifySJWK(sjwk string, keys KeyResolver) error {
	envelope, err := Parse(sjwk)
	if err != nil {
		return err
	}
	header, err := envelope.DecodedHeader()
	if err != nil {
		return err
	}
	kid, ok := header["kid"]
	if !ok || kid == "" {
		return fmt.Errorf("%w: sjwk header has no kid", ErrBadStructure)
	}
	rootKey, err := keys.KeyByID(kid)
	if err != nil {
		return err
	}
	return VerifyWithKey(sjwk, rootKey)
}

// Validator performs the full two-layer validation of a manifest
// envelope: the signed JWK under a trusted root, then the outer JWS
// under the embedded JWK.
type Validator struct {
	Keys KeyResolver
	// Policy may be nil when no root key package overlay is present.
	Policy SigningKeyPolicy
}

// Verify validates a compact JWS whose header carries a signed JWK, and
// returns the validated, decoded outer payload.
func (v *Validator) Verify(token string) ([]byte, error) {
	envelope, err := Parse(token)
	if err != nil {
		return nil, err
	}
	header, err := envelope.DecodedHeader()
	if err != nil {
		return nil, err
	}
	sjwk, ok := header["sjwk"]
	if !ok || sjwk == "" {
		return nil, ErrMissingSJWK
	}
	if err := VerifySJWK(sjwk, v.Keys); err != nil {
		return nil, err
	}
	key, err := KeyFromJWK(sjwk)
	if err != nil {
		return nil, err
	}
	if v.Policy != nil {
		jwkPayload, err := Payload(sjwk)
		if err != nil {
			return nil, err
		}
		hash := sha256.Sum256(jwkPayload)
		if v.Policy.IsSigningKeyDisabled("SHA256", hash[:]) {
			return nil, ErrSigningKeyDisabled
		}
	}
	if err := VerifyWithKey(token, key); err != nil {
		return nil, err
	}
	return envelope.DecodedPayload()
}

// ValidateManifest verifies the detached signature envelope of an update
// manifest: the JWS chain must verify and its payload must bind the
// SHA-256 of the exact manifest bytes.
func (v *Validator) ValidateManifest(manifest, signatureJWS string) error {
	payload, err := v.Verify(signatureJWS)
	if err != nil {
		return err
	}
	var binding struct {
		SHA256 string `json:"sha256"`
	}
	if err := json.Unmarshal(payload, &binding); err != nil {
		return fmt.Errorf("%w: signature payload: %w", ErrBadStructure, err)
	}
	if binding.SHA256 == "" {
		return fmt.Errorf("%w: signature payload has no sha256", ErrBadStructure)
	}
	sum := sha256.Sum256([]byte(manifest))
	if base64.StdEncoding.EncodeToString(sum[:]) != binding.SHA256 {
		return ErrManifestHash
	}
	return nil
}
