// Package rootkeys provides the process-wide trust anchor set: a fixed
// hardcoded key list plus an optional persisted, signed overlay package
// whose active keys augment the set and whose disabled-key lists mask
// both.
package rootkeys

import (
	"bytes"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"deviceupdate.software/agent/base64url"
	"deviceupdate.software/agent/cryptoutil"
	"deviceupdate.software/agent/result"
	"deviceupdate.software/agent/rootkeys/rootkeypackage"
)

var (
	// ErrKeyNotFound means no trust anchor carries the requested kid.
	ErrKeyNotFound = errors.New("rootkeys: no root key for kid")
	// ErrKeyDisabled means the kid exists but the overlay disables it.
	// Callers report it distinctly from an unknown kid.
	ErrKeyDisabled = errors.New("rootkeys: root key is disabled")
)

// Extended result codes attached to reported failures.
var (
	ERCKeyNotFound       = result.MakeExtendedCode(result.FacilityRootKeys, 1)
	ERCKeyDisabled       = result.MakeExtendedCode(result.FacilityRootKeys, 2)
	ERCPackageParse      = result.MakeExtendedCode(result.FacilityRootKeys, 3)
	ERCPackageSignature  = result.MakeExtendedCode(result.FacilityRootKeys, 4)
	ERCSignatureNotFound = result.MakeExtendedCode(result.FacilityRootKeys, 5)
	ERCPackagePersist    = result.MakeExtendedCode(result.FacilityRootKeys, 6)
	ERCPackageIsTest     = result.MakeExtendedCode(result.FacilityRootKeys, 7)
)

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithHardcodedKeys overrides the embedded trust anchor set. Tests use
// it to chain to generated keys.
func WithHardcodedKeys(keys []RSARootKey) StoreOption {
	return func(s *Store) {
		s.hardcoded = keys
	}
}

// WithAllowTestPackages accepts overlay packages marked isTest. Only
// set for builds against the staging signing infrastructure.
func WithAllowTestPackages() StoreOption {
	return func(s *Store) {
		s.allowTest = true
	}
}

// Store resolves trust anchors by kid. It is safe for concurrent use.
type Store struct {
	mu sync.RWMutex

	path      string
	hardcoded []RSARootKey
	overlay   *rootkeypackage.Package
	allowTest bool

	// reportingERC is the sticky extended code of the last root key
	// failure, attached to reported results by the agent.
	reportingERC result.ExtendedCode
}

// NewStore creates a store backed by the package file at path. A missing
// overlay file is not an error; a present but invalid one is.
func NewStore(path string, opts ...StoreOption) (*Store, error) {
	s := &Store{
		path:      path,
		hardcoded: HardcodedRootKeys(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.Load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the overlay store path.
func (s *Store) Path() string {
	return s.path
}

// Load reads and validates the persisted overlay package. Called at
// init and again when the store file changes on disk.
func (s *Store) Load() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		slog.Debug("no root key package overlay", "path", s.path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read root key package: %w", err)
	}
	pkg, err := s.parseAndValidate(data)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.overlay.Equal(pkg) {
		return nil
	}
	s.overlay = pkg
	slog.Info("root key package overlay loaded",
		"version", pkg.Protected.Version,
		"rootKeys", len(pkg.Protected.RootKeys),
		"disabledRootKeys", len(pkg.Protected.DisabledRootKeys))
	return nil
}

// UpdatePackage validates a newly received package document, persists it
// atomically and installs it as the active overlay.
func (s *Store) UpdatePackage(data []byte) error {
	pkg, err := s.parseAndValidate(data)
	if err != nil {
		return err
	}
	if err := pkg.Persist(s.path); err != nil {
		s.setReportingERC(ERCPackagePersist)
		return err
	}
	s.mu.Lock()
	s.overlay = pkg
	s.mu.Unlock()
	return nil
}

func (s *Store) parseAndValidate(data []byte) (*rootkeypackage.Package, error) {
	pkg, err := rootkeypackage.Parse(data)
	if err != nil {
		s.setReportingERC(ERCPackageParse)
		return nil, err
	}
	if pkg.Protected.IsTest && !s.allowTest {
		s.setReportingERC(ERCPackageIsTest)
		return nil, fmt.Errorf("rootkeys: refusing test package")
	}
	if err := s.validatePackage(pkg); err != nil {
		return nil, err
	}
	return pkg, nil
}

// validatePackage verifies the package countersignatures: every
// canonical hardcoded key must have a verifying signature over the
// verbatim protected section. The signature for a key sits at the
// position of that key's kid within the package root key list.
func (s *Store) validatePackage(pkg *rootkeypackage.Package) error {
	s.mu.RLock()
	hardcoded := s.hardcoded
	s.mu.RUnlock()

	for _, anchor := range hardcoded {
		index := pkg.RootKeyIndex(anchor.KID)
		if index < 0 || index >= len(pkg.Signatures) {
			s.setReportingERC(ERCSignatureNotFound)
			return fmt.Errorf("rootkeys: package has no signature for %s", anchor.KID)
		}
		key, err := keyFromRSARootKey(anchor)
		if err != nil {
			return err
		}
		sig := pkg.Signatures[index]
		if err := cryptoutil.IsValidSignature(sig.Alg, sig.Value, pkg.ProtectedRaw, key); err != nil {
			s.setReportingERC(ERCPackageSignature)
			return fmt.Errorf("rootkeys: package signature for %s: %w", anchor.KID, err)
		}
	}
	return nil
}

// KeyByID resolves a trust anchor: hardcoded set first (unless the
// overlay disables the kid), then the overlay's own root keys.
func (s *Store) KeyByID(kid string) (*rsa.PublicKey, error) {
	s.mu.RLock()
	overlay := s.overlay
	hardcoded := s.hardcoded
	s.mu.RUnlock()

	if overlay != nil && overlay.IsRootKeyDisabled(kid) {
		s.setReportingERC(ERCKeyDisabled)
		return nil, fmt.Errorf("%w: %s", ErrKeyDisabled, kid)
	}

	for _, anchor := range hardcoded {
		if anchor.KID == kid {
			return keyFromRSARootKey(anchor)
		}
	}

	if overlay != nil {
		if rk, ok := overlay.RootKey(kid); ok {
			return cryptoutil.NewRSAPublicKey(rk.Modulus, rk.Exponent)
		}
	}

	s.setReportingERC(ERCKeyNotFound)
	return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, kid)
}

// IsDisabled reports whether the overlay disables the given kid.
func (s *Store) IsDisabled(kid string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.overlay != nil && s.overlay.IsRootKeyDisabled(kid)
}

// IsSigningKeyDisabled reports whether the overlay revokes the signing
// key identified by the given hash of its key material. hashAlg names
// the hash algorithm of the provided digest (SHA256, SHA384, SHA512).
func (s *Store) IsSigningKeyDisabled(hashAlg string, hash []byte) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.overlay == nil {
		return false
	}
	for _, dsk := range s.overlay.Protected.DisabledSigningKeys {
		if dsk.Alg == hashAlg && bytes.Equal(dsk.Hash, hash) {
			return true
		}
	}
	return false
}

// Overlay returns the active overlay package, or nil.
func (s *Store) Overlay() *rootkeypackage.Package {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.overlay
}

func (s *Store) setReportingERC(erc result.ExtendedCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reportingERC = erc
}

// ReportingERC returns the sticky extended code of the last root key
// failure.
func (s *Store) ReportingERC() result.ExtendedCode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reportingERC
}

// ClearReportingERC resets the sticky failure code.
func (s *Store) ClearReportingERC() {
	s.setReportingERC(0)
}

func keyFromRSARootKey(anchor RSARootKey) (*rsa.PublicKey, error) {
	modulus, err := base64url.Decode(anchor.N)
	if err != nil {
		return nil, fmt.Errorf("rootkeys: %s modulus: %w", anchor.KID, err)
	}
	return cryptoutil.NewRSAPublicKey(modulus, anchor.E)
}
