// Package result defines the shared result-code namespace exchanged
// between the deployment coordinator, step handlers and the cloud
// orchestrator. A Result pairs an outcome class with a sub-system
// specific extended code; it is a value, not a Go error, because it must
// round-trip through reported state.
package result

import "fmt"

// Code encodes the outcome class of an operation. Values are part of the
// wire protocol: zero and below are failures, positive values are
// successes, and the per-step InProgress codes signal that a worker will
// deliver the final result asynchronously.
type Code int32

const (
	Failure          Code = 0
	FailureCancelled Code = -1

	Success Code = 1

	IdleSuccess Code = 200

	DeploymentInProgressSuccess Code = 300

	DownloadSuccess                     Code = 500
	DownloadInProgress                  Code = 501
	DownloadSkippedFileExists           Code = 502
	DownloadSkippedAlreadyInstalled     Code = 503
	DownloadSkippedNoMatchingComponents Code = 504

	// Download handler hook results. RequiredFullDownload is a success:
	// it tells the download step to fall back to a normal full download.
	DownloadHandlerSuccessSkipDownload  Code = 520
	DownloadHandlerRequiredFullDownload Code = 521

	InstallSuccess                       Code = 600
	InstallInProgress                    Code = 601
	InstallSkippedAlreadyInstalled       Code = 603
	InstallRequiredReboot                Code = 605
	InstallRequiredImmediateReboot       Code = 606
	InstallRequiredAgentRestart          Code = 607
	InstallRequiredImmediateAgentRestart Code = 608

	ApplySuccess                       Code = 700
	ApplyInProgress                    Code = 701
	ApplyRequiredReboot                Code = 705
	ApplyRequiredImmediateReboot       Code = 706
	ApplyRequiredAgentRestart          Code = 707
	ApplyRequiredImmediateAgentRestart Code = 708

	CancelSuccess           Code = 800
	CancelUnableToCancel    Code = 801
	IsInstalledInstalled    Code = 900
	IsInstalledNotInstalled Code = 901

	SuccessCacheMiss   Code = 920
	SuccessUnsupported Code = 921
)

// ExtendedCode carries a sub-system specific numeric diagnostic. The
// high byte identifies the facility, the low bytes the error.
type ExtendedCode int32

// Facility identifiers for extended codes.
const (
	FacilityCoordinator  = 0x01
	FacilityParse        = 0x02
	FacilityCrypto       = 0x03
	FacilityRootKeys     = 0x04
	FacilityStepHandler  = 0x05
	FacilitySourceCache  = 0x06
	FacilityDeltaHandler = 0x07
	FacilityPlatform     = 0x08
	FacilityReporting    = 0x09
)

// MakeExtendedCode composes an extended code from a facility and an
// error ordinal.
func MakeExtendedCode(facility, code int) ExtendedCode {
	return ExtendedCode(facility<<24 | (code & 0xFFFFFF))
}

// Result is the outcome of a coordinator or step-handler operation.
type Result struct {
	Code         Code         `json:"resultCode"`
	ExtendedCode ExtendedCode `json:"extendedResultCode"`
}

// New returns a Result with the given code and no extended diagnostic.
func New(code Code) Result {
	return Result{Code: code}
}

// Failed returns a failure Result carrying the given extended code.
func Failed(erc ExtendedCode) Result {
	return Result{Code: Failure, ExtendedCode: erc}
}

// Cancelled returns the canonical cancellation failure.
func Cancelled() Result {
	return Result{Code: FailureCancelled}
}

// IsSuccess reports whether the result encodes any success class.
func (r Result) IsSuccess() bool {
	return r.Code > 0
}

// IsFailure reports whether the result encodes a failure, including
// cancellation.
func (r Result) IsFailure() bool {
	return r.Code <= 0
}

// IsInProgress reports whether a worker thread owns the operation and
// will call the completion callback later.
func (r Result) IsInProgress() bool {
	switch r.Code {
	case DownloadInProgress, InstallInProgress, ApplyInProgress:
		return true
	}
	return false
}

func (r Result) String() string {
	return fmt.Sprintf("Result{code: %d, erc: 0x%08X}", r.Code, uint32(r.ExtendedCode))
}
