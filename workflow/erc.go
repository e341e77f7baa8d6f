package workflow

import (
	"errors"

	"deviceupdate.software/agent/result"
)

// Extended result codes for goal-state and manifest parsing failures.
var (
	ERCBadGoalState     = result.MakeExtendedCode(result.FacilityParse, 1)
	ERCMissingManifest  = result.MakeExtendedCode(result.FacilityParse, 2)
	ERCMissingSignature = result.MakeExtendedCode(result.FacilityParse, 3)
	ERCManifestVersion  = result.MakeExtendedCode(result.FacilityParse, 4)
	ERCMissingUpdateID  = result.MakeExtendedCode(result.FacilityParse, 5)
	ERCBadUpdateType    = result.MakeExtendedCode(result.FacilityParse, 6)
	ERCSignatureInvalid = result.MakeExtendedCode(result.FacilityCrypto, 1)
	ERCUnknownParse     = result.MakeExtendedCode(result.FacilityParse, 99)
)

// ResultFromError maps a goal-state parse or validation error to the
// Failed result reported to the orchestrator. The extended code
// identifies the offending field or the signature chain.
func ResultFromError(err error) result.Result {
	switch {
	case errors.Is(err, ErrManifestSignature):
		return result.Failed(ERCSignatureInvalid)
	case errors.Is(err, ErrMissingManifest):
		return result.Failed(ERCMissingManifest)
	case errors.Is(err, ErrMissingSignature):
		return result.Failed(ERCMissingSignature)
	case errors.Is(err, ErrManifestVersion):
		return result.Failed(ERCManifestVersion)
	case errors.Is(err, ErrMissingUpdateID):
		return result.Failed(ERCMissingUpdateID)
	case errors.Is(err, ErrBadUpdateType):
		return result.Failed(ERCBadUpdateType)
	case errors.Is(err, ErrBadGoalState):
		return result.Failed(ERCBadGoalState)
	default:
		return result.Failed(ERCUnknownParse)
	}
}
