// Package rootkeypackage models the signed root key package: a JSON
// document whose protected section is countersigned under multiple root
// keys. The exact serialization of the protected section, as lifted
// from the source document, is the signed material; it is preserved
// verbatim and never re-serialized before verification.
package rootkeypackage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"deviceupdate.software/agent/base64url"
	"deviceupdate.software/agent/cryptoutil"
)

var (
	ErrBadDocument      = errors.New("rootkeypackage: malformed document")
	ErrSchema           = errors.New("rootkeypackage: schema violation")
	ErrBadExponent      = errors.New("rootkeypackage: exponent must be a positive integer")
	ErrEmptyModulus     = errors.New("rootkeypackage: modulus is empty")
	ErrBadHashAlgorithm = errors.New("rootkeypackage: unsupported hash algorithm")
	ErrBadSigningAlg    = errors.New("rootkeypackage: unsupported signing algorithm")
)

// Hash algorithms allowed for disabled signing key entries.
var allowedHashAlgorithms = map[string]struct{}{
	"SHA256": {},
	"SHA384": {},
	"SHA512": {},
}

var allowedSigningAlgorithms = map[string]struct{}{
	cryptoutil.AlgRS256: {},
	cryptoutil.AlgRS384: {},
	cryptoutil.AlgRS512: {},
}

// RootKey is one trust anchor carried by the package.
type RootKey struct {
	KID      string
	KeyType  string
	Modulus  []byte
	Exponent int
}

// DisabledSigningKey identifies a revoked signing key by the hash of its
// public key material.
type DisabledSigningKey struct {
	Alg  string
	Hash []byte
}

// Signature is one countersignature over the protected section.
type Signature struct {
	Alg   string
	Value []byte
}

// Protected is the parsed protected section.
type Protected struct {
	IsTest              bool
	Version             int
	Published           int64
	DisabledRootKeys    []string
	DisabledSigningKeys []DisabledSigningKey
	// RootKeys preserves document order; signature positions are matched
	// against it.
	RootKeys []RootKey
}

// Package is a parsed root key package.
type Package struct {
	Protected Protected
	// ProtectedRaw is the exact JSON serialization of the protected
	// member as found in the source document.
	ProtectedRaw []byte
	Signatures   []Signature

	raw []byte
}

type wireSignature struct {
	Alg string `json:"alg"`
	Sig string `json:"sig"`
}

type wireDisabledSigningKey struct {
	Alg  string `json:"alg"`
	Hash string `json:"hash"`
}

type wireRootKey struct {
	KeyType string `json:"keyType"`
	N       string `json:"n"`
	E       int    `json:"e"`
}

type wireProtected struct {
	IsTest              *bool                    `json:"isTest"`
	Version             int                      `json:"version"`
	Published           int64                    `json:"published"`
	DisabledRootKeys    []string                 `json:"disabledRootKeys"`
	DisabledSigningKeys []wireDisabledSigningKey `json:"disabledSigningKeys"`
	RootKeys            json.RawMessage          `json:"rootKeys"`
}

// Parse parses and field-validates a root key package document. The
// document is first checked against the embedded JSON schema.
func Parse(data []byte) (*Package, error) {
	if err := validateSchema(data); err != nil {
		return nil, err
	}

	var doc struct {
		Protected  json.RawMessage `json:"protected"`
		Signatures []wireSignature `json:"signatures"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadDocument, err)
	}
	if len(doc.Protected) == 0 {
		return nil, fmt.Errorf("%w: no protected member", ErrBadDocument)
	}

	var protected wireProtected
	if err := json.Unmarshal(doc.Protected, &protected); err != nil {
		return nil, fmt.Errorf("%w: protected: %w", ErrBadDocument, err)
	}
	if protected.Version <= 0 {
		return nil, fmt.Errorf("%w: missing version", ErrBadDocument)
	}
	if protected.Published <= 0 {
		return nil, fmt.Errorf("%w: missing published time", ErrBadDocument)
	}

	out := &Package{
		Protected: Protected{
			Version:          protected.Version,
			Published:        protected.Published,
			DisabledRootKeys: protected.DisabledRootKeys,
		},
		ProtectedRaw: append([]byte(nil), doc.Protected...),
		raw:          append([]byte(nil), data...),
	}
	if protected.IsTest != nil {
		out.Protected.IsTest = *protected.IsTest
	}

	for _, dsk := range protected.DisabledSigningKeys {
		if _, ok := allowedHashAlgorithms[dsk.Alg]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrBadHashAlgorithm, dsk.Alg)
		}
		hash, err := base64url.Decode(dsk.Hash)
		if err != nil {
			return nil, fmt.Errorf("%w: disabled signing key hash: %w", ErrBadDocument, err)
		}
		out.Protected.DisabledSigningKeys = append(out.Protected.DisabledSigningKeys, DisabledSigningKey{
			Alg:  dsk.Alg,
			Hash: hash,
		})
	}

	rootKeys, err := parseRootKeys(protected.RootKeys)
	if err != nil {
		return nil, err
	}
	out.Protected.RootKeys = rootKeys

	for _, sig := range doc.Signatures {
		if _, ok := allowedSigningAlgorithms[sig.Alg]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrBadSigningAlg, sig.Alg)
		}
		value, err := base64url.Decode(sig.Sig)
		if err != nil {
			return nil, fmt.Errorf("%w: signature: %w", ErrBadDocument, err)
		}
		out.Signatures = append(out.Signatures, Signature{Alg: sig.Alg, Value: value})
	}

	return out, nil
}

// parseRootKeys decodes the rootKeys object preserving the document
// order of its members.
func parseRootKeys(raw json.RawMessage) ([]RootKey, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: missing rootKeys", ErrBadDocument)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: rootKeys: %w", ErrBadDocument, err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("%w: rootKeys is not an object", ErrBadDocument)
	}

	var keys []RootKey
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: rootKeys: %w", ErrBadDocument, err)
		}
		kid, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("%w: rootKeys key", ErrBadDocument)
		}
		var wk wireRootKey
		if err := dec.Decode(&wk); err != nil {
			return nil, fmt.Errorf("%w: rootKeys[%s]: %w", ErrBadDocument, kid, err)
		}
		if wk.KeyType != "RSA" {
			return nil, fmt.Errorf("%w: rootKeys[%s]: keyType %q", ErrBadDocument, kid, wk.KeyType)
		}
		if wk.E <= 0 {
			return nil, fmt.Errorf("%w: rootKeys[%s]", ErrBadExponent, kid)
		}
		modulus, err := base64url.Decode(wk.N)
		if err != nil || len(modulus) == 0 {
			return nil, fmt.Errorf("%w: rootKeys[%s]", ErrEmptyModulus, kid)
		}
		keys = append(keys, RootKey{
			KID:      kid,
			KeyType:  wk.KeyType,
			Modulus:  modulus,
			Exponent: wk.E,
		})
	}
	return keys, nil
}

// RootKeyIndex returns the position of kid within the package's root key
// list, or -1.
func (p *Package) RootKeyIndex(kid string) int {
	for i, key := range p.Protected.RootKeys {
		if key.KID == kid {
			return i
		}
	}
	return -1
}

// RootKey returns the package root key with the given kid.
func (p *Package) RootKey(kid string) (RootKey, bool) {
	if i := p.RootKeyIndex(kid); i >= 0 {
		return p.Protected.RootKeys[i], true
	}
	return RootKey{}, false
}

// IsRootKeyDisabled reports whether the package disables the given kid.
func (p *Package) IsRootKeyDisabled(kid string) bool {
	for _, disabled := range p.Protected.DisabledRootKeys {
		if disabled == kid {
			return true
		}
	}
	return false
}

// IsSigningKeyDisabled reports whether a signing key hash is revoked.
func (p *Package) IsSigningKeyDisabled(hash []byte) bool {
	for _, dsk := range p.Protected.DisabledSigningKeys {
		if bytes.Equal(dsk.Hash, hash) {
			return true
		}
	}
	return false
}

// Equal reports package equality: the serialized protected strings must
// match byte for byte and the signature arrays element-wise by
// (alg, bytes).
func (p *Package) Equal(other *Package) bool {
	if p == other {
		return true
	}
	if p == nil || other == nil {
		return false
	}
	if !bytes.Equal(p.ProtectedRaw, other.ProtectedRaw) {
		return false
	}
	if len(p.Signatures) != len(other.Signatures) {
		return false
	}
	for i := range p.Signatures {
		if p.Signatures[i].Alg != other.Signatures[i].Alg ||
			!bytes.Equal(p.Signatures[i].Value, other.Signatures[i].Value) {
			return false
		}
	}
	return true
}

// Raw returns the original document bytes the package was parsed from.
func (p *Package) Raw() []byte {
	return p.raw
}

// Persist writes the original package document to path atomically: the
// content goes to a temp file in the same directory which is then
// renamed over the destination.
func (p *Package) Persist(path string) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			err = errors.Join(err, os.Remove(tmp.Name()))
		}
	}()
	if _, err = tmp.Write(p.raw); err != nil {
		err = errors.Join(err, tmp.Close())
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
