package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Manifest versions the agent understands. Version 4 moved the
// installed criteria from the manifest root into the step handler
// properties and introduced instruction steps.
const (
	minManifestVersion = 2
	maxManifestVersion = 5
)

var (
	ErrManifestVersion = errors.New("unsupported manifest version")
	ErrMissingUpdateID = errors.New("manifest has no updateId")
	ErrBadUpdateType   = errors.New("malformed update type")
	ErrNoSuchFile      = errors.New("no file entry with the given id")
	ErrNoSuchStep      = errors.New("no instruction step at the given index")
	ErrStepNotInline   = errors.New("step references a detached manifest")
)

// UpdateID identifies an update: provider, name and version.
type UpdateID struct {
	Provider string `json:"provider"`
	Name     string `json:"name"`
	Version  string `json:"version"`
}

func (u UpdateID) String() string {
	return fmt.Sprintf("%s/%s:%s", u.Provider, u.Name, u.Version)
}

// Serialize returns the JSON document form used in reported state.
func (u UpdateID) Serialize() string {
	data, _ := json.Marshal(u)
	return string(data)
}

// UpdateType is a parsed "vendor/kind:major" update-type string.
type UpdateType struct {
	Vendor  string
	Kind    string
	Version int
}

func (t UpdateType) String() string {
	return fmt.Sprintf("%s/%s:%d", t.Vendor, t.Kind, t.Version)
}

// ParseUpdateType splits an update-type string of the form
// "vendor/kind:major".
func ParseUpdateType(s string) (UpdateType, error) {
	name, version, ok := strings.Cut(s, ":")
	if !ok {
		return UpdateType{}, fmt.Errorf("%w: %q has no version", ErrBadUpdateType, s)
	}
	vendor, kind, ok := strings.Cut(name, "/")
	if !ok || vendor == "" || kind == "" {
		return UpdateType{}, fmt.Errorf("%w: %q has no vendor/kind pair", ErrBadUpdateType, s)
	}
	major, err := strconv.Atoi(version)
	if err != nil || major < 0 {
		return UpdateType{}, fmt.Errorf("%w: %q has a non-numeric version", ErrBadUpdateType, s)
	}
	return UpdateType{Vendor: vendor, Kind: kind, Version: major}, nil
}

// DownloadHandlerRef selects a pre-download hook for a file entity.
type DownloadHandlerRef struct {
	ID string `json:"id"`
}

// RelatedFile describes an auxiliary payload related to a file entity,
// e.g. a delta against a previously installed source update.
type RelatedFile struct {
	FileID      string            `json:"-"`
	FileName    string            `json:"fileName"`
	SizeInBytes int64             `json:"sizeInBytes"`
	Hashes      map[string]string `json:"hashes"`
	Properties  map[string]string `json:"properties"`
}

// FileEntity is one payload file of the update.
type FileEntity struct {
	FileID          string                 `json:"-"`
	FileName        string                 `json:"fileName"`
	SizeInBytes     int64                  `json:"sizeInBytes"`
	Hashes          map[string]string      `json:"hashes"`
	Properties      map[string]interface{} `json:"properties"`
	DownloadHandler *DownloadHandlerRef    `json:"downloadHandler,omitempty"`
	RelatedFiles    map[string]RelatedFile `json:"relatedFiles,omitempty"`
}

// Hash returns the first hash entry of the file. Manifests carry exactly
// one entry for payload files; the map form mirrors the wire format.
func (f *FileEntity) Hash() (alg, value string, ok bool) {
	keys := make([]string, 0, len(f.Hashes))
	for k := range f.Hashes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) == 0 {
		return "", "", false
	}
	return keys[0], f.Hashes[keys[0]], true
}

// OrderedRelatedFiles returns the related files in stable fileId order,
// which is the processing order for delta reconstruction.
func (f *FileEntity) OrderedRelatedFiles() []RelatedFile {
	ids := make([]string, 0, len(f.RelatedFiles))
	for id := range f.RelatedFiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]RelatedFile, 0, len(ids))
	for _, id := range ids {
		rf := f.RelatedFiles[id]
		rf.FileID = id
		out = append(out, rf)
	}
	return out
}

// InstructionStep is one step of a v4+ manifest.
type InstructionStep struct {
	Type              string          `json:"type"`
	Handler           string          `json:"handler"`
	HandlerProperties json.RawMessage `json:"handlerProperties,omitempty"`
	Files             []string        `json:"files,omitempty"`
	DetachedManifest  string          `json:"detachedManifestFileId,omitempty"`
}

// Inline reports whether the step carries its content inline rather
// than through a detached manifest file.
func (s *InstructionStep) Inline() bool {
	return s.DetachedManifest == ""
}

// Instructions is the ordered step list of a v4+ manifest.
type Instructions struct {
	Steps []InstructionStep `json:"steps"`
}

// Manifest is the parsed update manifest.
type Manifest struct {
	ManifestVersion   string                `json:"manifestVersion"`
	UpdateID          UpdateID              `json:"updateId"`
	UpdateType        string                `json:"updateType"`
	InstalledCriteria string                `json:"installedCriteria,omitempty"`
	Compatibility     []map[string]string   `json:"compatibility,omitempty"`
	Files             map[string]FileEntity `json:"files,omitempty"`
	Instructions      *Instructions         `json:"instructions,omitempty"`
	CreatedDateTime   string                `json:"createdDateTime,omitempty"`
}

// ParseManifest parses and validates an update manifest document.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse update manifest: %w", err)
	}
	version, err := strconv.Atoi(m.ManifestVersion)
	if err != nil || version < minManifestVersion || version > maxManifestVersion {
		return nil, fmt.Errorf("%w: %q", ErrManifestVersion, m.ManifestVersion)
	}
	if m.UpdateID.Provider == "" || m.UpdateID.Name == "" || m.UpdateID.Version == "" {
		return nil, ErrMissingUpdateID
	}
	return &m, nil
}

// Version returns the numeric manifest version.
func (m *Manifest) Version() int {
	v, _ := strconv.Atoi(m.ManifestVersion)
	return v
}

// OrderedFiles returns the payload file entities in stable fileId order.
func (m *Manifest) OrderedFiles() []FileEntity {
	ids := make([]string, 0, len(m.Files))
	for id := range m.Files {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]FileEntity, 0, len(ids))
	for _, id := range ids {
		fe := m.Files[id]
		fe.FileID = id
		out = append(out, fe)
	}
	return out
}

// File returns the file entity with the given id.
func (m *Manifest) File(fileID string) (FileEntity, error) {
	fe, ok := m.Files[fileID]
	if !ok {
		return FileEntity{}, fmt.Errorf("%w: %q", ErrNoSuchFile, fileID)
	}
	fe.FileID = fileID
	return fe, nil
}

// StepInstalledCriteria resolves the installed criteria for the step at
// the given index. Version 2 and 3 manifests carry it at the root;
// version 4+ carries it in the step handler properties.
func (m *Manifest) StepInstalledCriteria(stepIndex int) (string, error) {
	if m.Version() < 4 {
		return m.InstalledCriteria, nil
	}
	if m.Instructions == nil || stepIndex >= len(m.Instructions.Steps) {
		return "", ErrNoSuchStep
	}
	var props struct {
		InstalledCriteria string `json:"installedCriteria"`
	}
	raw := m.Instructions.Steps[stepIndex].HandlerProperties
	if len(raw) == 0 {
		return "", nil
	}
	if err := json.Unmarshal(raw, &props); err != nil {
		return "", fmt.Errorf("parse step handlerProperties: %w", err)
	}
	return props.InstalledCriteria, nil
}
