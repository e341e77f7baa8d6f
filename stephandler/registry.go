package stephandler

import (
	"errors"
	"fmt"
	"sync"

	"deviceupdate.software/agent/result"
	"deviceupdate.software/agent/workflow"
)

var (
	ErrUnknownUpdateType = errors.New("stephandler: no handler registered for update type")
	ErrAlreadyRegistered = errors.New("stephandler: handler already registered")
)

// Extended result codes for handler resolution failures.
var (
	ERCUnknownUpdateType = result.MakeExtendedCode(result.FacilityStepHandler, 1)
	ERCBadUpdateType     = result.MakeExtendedCode(result.FacilityStepHandler, 2)
)

// Factory constructs a handler instance for a deployment.
type Factory func() (Handler, error)

type registryKey struct {
	vendor  string
	kind    string
	version int
}

// Registry maps update types (vendor/kind:major) to handler factories.
// It is safe for concurrent use.
type Registry struct {
	mu        sync.Mutex
	factories map[registryKey]Factory
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[registryKey]Factory{}}
}

// Register adds a handler factory for an update type string such as
// "contoso/swupdate:1". Registering the same type twice is an error.
func (r *Registry) Register(updateType string, factory Factory) error {
	parsed, err := workflow.ParseUpdateType(updateType)
	if err != nil {
		return err
	}
	key := registryKey{vendor: parsed.Vendor, kind: parsed.Kind, version: parsed.Version}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[key]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, updateType)
	}
	r.factories[key] = factory
	return nil
}

// Resolve constructs the handler for the manifest's update type. Unknown
// or wrong-version combinations fail fast with a distinct extended code.
func (r *Registry) Resolve(updateType string) (Handler, result.Result) {
	parsed, err := workflow.ParseUpdateType(updateType)
	if err != nil {
		return nil, result.Failed(ERCBadUpdateType)
	}
	key := registryKey{vendor: parsed.Vendor, kind: parsed.Kind, version: parsed.Version}

	r.mu.Lock()
	factory, ok := r.factories[key]
	r.mu.Unlock()
	if !ok {
		return nil, result.Failed(ERCUnknownUpdateType)
	}
	handler, err := factory()
	if err != nil {
		return nil, result.Failed(ERCUnknownUpdateType)
	}
	return handler, result.New(result.Success)
}
