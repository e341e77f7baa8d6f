// Package cryptoutil provides RSA public key construction and signature
// verification for the signing algorithms used by update metadata:
// RSASSA-PKCS1-v1_5 over SHA-256, SHA-384 and SHA-512.
package cryptoutil

import (
	"crypto"
	"crypto/rsa"
	"errors"
	"fmt"
	"math/big"

	"deviceupdate.software/agent/base64url"
)

// Signing algorithm names as they appear in JWS headers and root key
// package signature entries.
const (
	AlgRS256 = "RS256"
	AlgRS384 = "RS384"
	AlgRS512 = "RS512"
)

// Common errors for callers to test.
var (
	ErrUnsupportedAlgorithm = errors.New("unsupported signing algorithm")
	ErrMissingKey           = errors.New("missing public key")
	ErrEmptyBuffer          = errors.New("empty signature or payload")
	ErrInvalidExponent      = errors.New("exponent must be a positive integer")
	ErrEmptyModulus         = errors.New("modulus must not be empty")
)

// HashForAlgorithm maps a signing algorithm name to its digest function.
func HashForAlgorithm(alg string) (crypto.Hash, error) {
	switch alg {
	case AlgRS256:
		return crypto.SHA256, nil
	case AlgRS384:
		return crypto.SHA384, nil
	case AlgRS512:
		return crypto.SHA512, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
	}
}

// NewRSAPublicKey builds an RSA public key from big-endian modulus bytes
// and an integer exponent.
func NewRSAPublicKey(modulus []byte, exponent int) (*rsa.PublicKey, error) {
	if len(modulus) == 0 {
		return nil, ErrEmptyModulus
	}
	if exponent <= 0 {
		return nil, ErrInvalidExponent
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(modulus),
		E: exponent,
	}, nil
}

// NewRSAPublicKeyFromB64 builds an RSA public key from base64url encoded
// modulus and exponent strings, the encoding used by JWKs.
func NewRSAPublicKeyFromB64(n, e string) (*rsa.PublicKey, error) {
	modulus, err := base64url.Decode(n)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	expBytes, err := base64url.Decode(e)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	exponent := new(big.Int).SetBytes(expBytes)
	if !exponent.IsInt64() || exponent.Int64() <= 0 {
		return nil, ErrInvalidExponent
	}
	return NewRSAPublicKey(modulus, int(exponent.Int64()))
}

// IsValidSignature verifies an RSASSA-PKCS1-v1_5 signature over payload
// under key using the digest selected by alg. A nil error means the
// signature is valid.
func IsValidSignature(alg string, signature, payload []byte, key *rsa.PublicKey) error {
	if key == nil {
		return ErrMissingKey
	}
	if len(signature) == 0 || len(payload) == 0 {
		return ErrEmptyBuffer
	}
	hash, err := HashForAlgorithm(alg)
	if err != nil {
		return err
	}
	h := hash.New()
	h.Write(payload)
	if err := rsa.VerifyPKCS1v15(key, hash, h.Sum(nil), signature); err != nil {
		return fmt.Errorf("signature verification failed: %w", err)
	}
	return nil
}
