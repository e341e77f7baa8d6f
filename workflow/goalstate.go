package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrBadGoalState      = errors.New("malformed goal state document")
	ErrMissingManifest   = errors.New("goal state has no updateManifest")
	ErrMissingSignature  = errors.New("goal state has no updateManifestSignature")
	ErrManifestSignature = errors.New("update manifest signature validation failed")
)

// WorkflowSection is the workflow member of a goal state.
type WorkflowSection struct {
	ID             string       `json:"id"`
	Action         UpdateAction `json:"action"`
	RetryTimestamp string       `json:"retryTimestamp,omitempty"`
}

// GoalState is the orchestrator-chosen target configuration for this
// device, one JSON document per change. The update manifest is carried
// as an escaped JSON string next to its detached JWS signature.
type GoalState struct {
	Workflow                WorkflowSection   `json:"workflow"`
	UpdateManifest          string            `json:"updateManifest,omitempty"`
	UpdateManifestSignature string            `json:"updateManifestSignature,omitempty"`
	FileURLs                map[string]string `json:"fileUrls,omitempty"`
}

// ManifestValidator authenticates an update manifest against its
// detached JWS envelope. The jws package provides the production
// implementation; tests substitute fakes.
type ManifestValidator interface {
	// ValidateManifest verifies the signature chain of signatureJWS and
	// that its payload binds the exact manifest bytes.
	ValidateManifest(manifest, signatureJWS string) error
}

// ParseGoalState parses a goal state document. When validator is
// non-nil the document must carry both the manifest and its signature,
// and the signature chain must verify.
func ParseGoalState(data []byte, validator ManifestValidator) (*GoalState, *Manifest, error) {
	var gs GoalState
	if err := json.Unmarshal(data, &gs); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrBadGoalState, err)
	}
	if gs.Workflow.Action == 0 {
		gs.Workflow.Action = UpdateActionUndefined
	}

	if validator != nil {
		if gs.UpdateManifest == "" {
			return nil, nil, ErrMissingManifest
		}
		if gs.UpdateManifestSignature == "" {
			return nil, nil, ErrMissingSignature
		}
		if err := validator.ValidateManifest(gs.UpdateManifest, gs.UpdateManifestSignature); err != nil {
			return nil, nil, fmt.Errorf("%w: %w", ErrManifestSignature, err)
		}
	}

	var manifest *Manifest
	if gs.UpdateManifest != "" {
		m, err := ParseManifest([]byte(gs.UpdateManifest))
		if err != nil {
			return nil, nil, err
		}
		manifest = m
	}
	return &gs, manifest, nil
}
