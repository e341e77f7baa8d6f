package workflow

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"deviceupdate.software/agent/result"
)

// Handle is the opaque, coordinator-owned record for one deployment. It
// carries the goal state, the parsed manifest, and the mutable progress
// fields the state machine drives. The coordinator mutates a handle only
// under its own lock; step handlers observe a stable snapshot for the
// duration of a single adapter call.
type Handle struct {
	mu sync.Mutex

	goalState     *GoalState
	goalStateJSON []byte
	manifest      *Manifest

	id         string
	retryToken string
	action     UpdateAction

	currentStep       Step
	lastReportedState State
	state             State
	lastResult        result.Result
	resultDetails     string
	successERCs       []result.ExtendedCode

	cancellationType    CancellationType
	operationInProgress bool
	cancelRequested     bool

	rebootRequested              bool
	immediateRebootRequested     bool
	agentRestartRequested        bool
	immediateAgentRestartRequest bool

	workFolder         string
	selectedComponents string
	fileInodes         map[string]uint64

	parent   *Handle
	children []*Handle
	level    int
	stepIdx  int

	// deferred is the replacement goal state received mid-flight; it is
	// promoted under the coordinator lock once the in-progress operation
	// winds down.
	deferred *Handle
}

// NewHandle parses a goal state payload into a fresh handle. A nil
// validator skips manifest authentication (used for persisted goal
// states that were validated on first receipt).
func NewHandle(goalStateJSON []byte, validator ManifestValidator) (*Handle, error) {
	gs, manifest, err := ParseGoalState(goalStateJSON, validator)
	if err != nil {
		return nil, err
	}
	id := gs.Workflow.ID
	if id == "" {
		id = uuid.NewString()
	}
	saved := make([]byte, len(goalStateJSON))
	copy(saved, goalStateJSON)
	return &Handle{
		goalState:     gs,
		goalStateJSON: saved,
		manifest:      manifest,
		id:            id,
		retryToken:    gs.Workflow.RetryTimestamp,
		action:        gs.Workflow.Action,
		fileInodes:    map[string]uint64{},
	}, nil
}

// NewHandleFromInlineStep creates a child handle for an inline step of a
// v4+ manifest. The child shares the parent's compatibility set and
// file-URL map.
func NewHandleFromInlineStep(parent *Handle, stepIndex int) (*Handle, error) {
	m := parent.Manifest()
	if m == nil || m.Instructions == nil || stepIndex >= len(m.Instructions.Steps) {
		return nil, ErrNoSuchStep
	}
	step := m.Instructions.Steps[stepIndex]
	if !step.Inline() {
		return nil, ErrStepNotInline
	}

	files := map[string]FileEntity{}
	for _, fileID := range step.Files {
		fe, err := m.File(fileID)
		if err != nil {
			return nil, err
		}
		files[fileID] = fe
	}
	childManifest := &Manifest{
		ManifestVersion: m.ManifestVersion,
		UpdateID:        m.UpdateID,
		UpdateType:      step.Handler,
		Compatibility:   m.Compatibility,
		Files:           files,
	}

	child := &Handle{
		goalState:  parent.goalState,
		manifest:   childManifest,
		id:         parent.ID(),
		action:     parent.Action(),
		level:      parent.level + 1,
		stepIdx:    stepIndex,
		parent:     parent,
		workFolder: parent.WorkFolder(),
		fileInodes: map[string]uint64{},
	}
	parent.mu.Lock()
	parent.children = append(parent.children, child)
	parent.mu.Unlock()
	return child, nil
}

// ID returns the workflow id. It is immutable after construction except
// through TransferData or deferred-replacement promotion.
func (h *Handle) ID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.id
}

// IsEqualID reports whether the handle's workflow id equals the given
// string.
func (h *Handle) IsEqualID(id string) bool {
	return id != "" && h.ID() == id
}

// CompareID compares two handles by workflow id string.
func CompareID(a, b *Handle) int {
	return strings.Compare(a.ID(), b.ID())
}

func (h *Handle) Action() UpdateAction {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.action
}

// SetAction records the action the coordinator is processing.
func (h *Handle) SetAction(a UpdateAction) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.action = a
}

func (h *Handle) RetryToken() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.retryToken
}

// GoalState returns the parsed goal state document.
func (h *Handle) GoalState() *GoalState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.goalState
}

// GoalStateJSON returns the raw goal state payload the handle was built
// from.
func (h *Handle) GoalStateJSON() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.goalStateJSON
}

// Manifest returns the parsed update manifest, which may be nil for a
// bare Cancel goal state.
func (h *Handle) Manifest() *Manifest {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.manifest
}

// UpdateType returns the parsed update type of the manifest.
func (h *Handle) UpdateType() (UpdateType, error) {
	m := h.Manifest()
	if m == nil {
		return UpdateType{}, ErrMissingManifest
	}
	return ParseUpdateType(m.UpdateType)
}

// ExpectedUpdateID returns the update identity the deployment installs.
func (h *Handle) ExpectedUpdateID() (UpdateID, error) {
	m := h.Manifest()
	if m == nil {
		return UpdateID{}, ErrMissingManifest
	}
	return m.UpdateID, nil
}

// InstalledCriteria resolves the installed criteria for the handle's
// step.
func (h *Handle) InstalledCriteria() (string, error) {
	m := h.Manifest()
	if m == nil {
		return "", ErrMissingManifest
	}
	return m.StepInstalledCriteria(h.StepIndex())
}

// Files returns the payload file entities in stable order.
func (h *Handle) Files() []FileEntity {
	m := h.Manifest()
	if m == nil {
		return nil
	}
	return m.OrderedFiles()
}

// FileURL resolves the download URL for a file id from the goal state.
func (h *Handle) FileURL(fileID string) (string, bool) {
	gs := h.GoalState()
	if gs == nil {
		return "", false
	}
	url, ok := gs.FileURLs[fileID]
	return url, ok
}

func (h *Handle) WorkFolder() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.workFolder
}

// SetWorkFolder sets the per-deployment sandbox directory.
func (h *Handle) SetWorkFolder(folder string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.workFolder = folder
}

// EntityWorkFolderFilePath composes the sandbox path of a payload file.
func (h *Handle) EntityWorkFolderFilePath(entity FileEntity) string {
	return filepath.Join(h.WorkFolder(), entity.FileName)
}

func (h *Handle) SelectedComponents() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.selectedComponents
}

func (h *Handle) SetSelectedComponents(componentsJSON string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.selectedComponents = componentsJSON
}

func (h *Handle) CurrentStep() Step {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.currentStep
}

func (h *Handle) SetCurrentStep(s Step) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.currentStep = s
}

func (h *Handle) LastReportedState() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastReportedState
}

func (h *Handle) SetLastReportedState(s State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastReportedState = s
}

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) SetState(s State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = s
}

func (h *Handle) Result() result.Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastResult
}

func (h *Handle) SetResult(r result.Result) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastResult = r
}

func (h *Handle) ResultDetails() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.resultDetails
}

// SetResultDetails records a short human-readable diagnostic carried in
// reported state.
func (h *Handle) SetResultDetails(format string, args ...any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resultDetails = fmt.Sprintf(format, args...)
}

// AddSuccessERC records a non-fatal diagnostic that is reported even
// when the deployment ultimately succeeds, e.g. a source-update cache
// miss during delta reconstruction.
func (h *Handle) AddSuccessERC(erc result.ExtendedCode) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.successERCs = append(h.successERCs, erc)
}

func (h *Handle) SuccessERCs() []result.ExtendedCode {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]result.ExtendedCode, len(h.successERCs))
	copy(out, h.successERCs)
	return out
}

func (h *Handle) CancellationType() CancellationType {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancellationType
}

func (h *Handle) SetCancellationType(c CancellationType) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancellationType = c
}

func (h *Handle) OperationInProgress() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.operationInProgress
}

func (h *Handle) SetOperationInProgress(v bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.operationInProgress = v
}

// CancelRequested reports whether the coordinator asked the current
// operation to stop. Step handlers poll this at their checkpoints.
func (h *Handle) CancelRequested() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelRequested
}

func (h *Handle) SetCancelRequested(v bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancelRequested = v
}

// ClearInProgressAndCancelRequested resets both operation flags after an
// operation completes.
func (h *Handle) ClearInProgressAndCancelRequested() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.operationInProgress = false
	h.cancelRequested = false
}

func (h *Handle) RequestReboot()                { h.setFlag(&h.rebootRequested) }
func (h *Handle) RequestImmediateReboot()       { h.setFlag(&h.immediateRebootRequested) }
func (h *Handle) RequestAgentRestart()          { h.setFlag(&h.agentRestartRequested) }
func (h *Handle) RequestImmediateAgentRestart() { h.setFlag(&h.immediateAgentRestartRequest) }

func (h *Handle) setFlag(flag *bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	*flag = true
}

func (h *Handle) RebootRequested() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rebootRequested || h.immediateRebootRequested
}

func (h *Handle) AgentRestartRequested() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.agentRestartRequested || h.immediateAgentRestartRequest
}

// SetFileInode records the inode of a payload file after it moved into
// the source-update cache. The inode set of a completed workflow forms
// its do-not-evict set.
func (h *Handle) SetFileInode(fileID string, inode uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fileInodes[fileID] = inode
}

// FileInodes returns the recorded inode set.
func (h *Handle) FileInodes() map[string]uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]uint64, len(h.fileInodes))
	for k, v := range h.fileInodes {
		out[k] = v
	}
	return out
}

func (h *Handle) Parent() *Handle {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.parent
}

func (h *Handle) Children() []*Handle {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Handle, len(h.children))
	copy(out, h.children)
	return out
}

func (h *Handle) Level() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.level
}

func (h *Handle) StepIndex() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stepIdx
}

// UpdateRetryDeployment marks the handle for a retry of the same
// deployment: the cancellation type becomes Retry and the stored retry
// token advances to the new one.
func (h *Handle) UpdateRetryDeployment(newRetryToken string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancellationType = CancellationRetry
	h.retryToken = newRetryToken
}

// UpdateReplacementDeployment installs next as the replacement for this
// handle. When an operation is in flight the replacement is deferred on
// the handle and true is returned; the completion callback promotes it
// later. Otherwise next's data is transferred into this handle
// immediately and false is returned.
func (h *Handle) UpdateReplacementDeployment(next *Handle) (deferred bool) {
	h.mu.Lock()
	inProgress := h.operationInProgress
	if inProgress {
		h.deferred = next
		h.cancellationType = CancellationReplacement
		h.mu.Unlock()
		return true
	}
	h.mu.Unlock()
	h.TransferData(next)
	return false
}

// DeferredReplacement returns the pending replacement handle, if any.
func (h *Handle) DeferredReplacement() *Handle {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.deferred
}

// TransferData moves goal state, manifest, identity and progress fields
// from source into h. After the call source is inert.
func (h *Handle) TransferData(source *Handle) {
	source.mu.Lock()
	gs, raw, m := source.goalState, source.goalStateJSON, source.manifest
	id, token, action := source.id, source.retryToken, source.action
	source.goalState, source.goalStateJSON, source.manifest = nil, nil, nil
	source.id, source.retryToken = "", ""
	source.mu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()
	h.goalState, h.goalStateJSON, h.manifest = gs, raw, m
	h.id, h.retryToken, h.action = id, token, action
	h.currentStep = StepUndefined
	h.cancellationType = CancellationNone
	h.operationInProgress = false
	h.cancelRequested = false
	h.successERCs = nil
	h.resultDetails = ""
	h.fileInodes = map[string]uint64{}
	h.deferred = nil
}

// UpdateForReplacement promotes the deferred replacement into this
// handle and rewinds the workflow to ProcessDeployment.
func (h *Handle) UpdateForReplacement() {
	h.mu.Lock()
	next := h.deferred
	h.deferred = nil
	h.mu.Unlock()
	if next != nil {
		h.TransferData(next)
	}
	h.rewindForRedeploy()
}

// UpdateForRetry rewinds the workflow to ProcessDeployment keeping the
// already-updated retry token.
func (h *Handle) UpdateForRetry() {
	h.rewindForRedeploy()
}

func (h *Handle) rewindForRedeploy() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.currentStep = StepProcessDeployment
	h.cancellationType = CancellationNone
	h.operationInProgress = false
	h.cancelRequested = false
}
