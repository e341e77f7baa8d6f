package stephandler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deviceupdate.software/agent/result"
	"deviceupdate.software/agent/workflow"
)

type nopHandler struct{}

func (nopHandler) IsInstalled(context.Context, *workflow.Handle) result.Result {
	return result.New(result.IsInstalledNotInstalled)
}
func (nopHandler) Download(context.Context, *workflow.Handle) result.Result {
	return result.New(result.DownloadSuccess)
}
func (nopHandler) Install(context.Context, *workflow.Handle) result.Result {
	return result.New(result.InstallSuccess)
}
func (nopHandler) Apply(context.Context, *workflow.Handle) result.Result {
	return result.New(result.ApplySuccess)
}
func (nopHandler) Cancel(context.Context, *workflow.Handle) result.Result {
	return result.New(result.CancelSuccess)
}
func (nopHandler) Backup(context.Context, *workflow.Handle) result.Result {
	return result.New(result.SuccessUnsupported)
}
func (nopHandler) Restore(context.Context, *workflow.Handle) result.Result {
	return result.New(result.SuccessUnsupported)
}

func TestRegistryResolve(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("contoso/script:1", func() (Handler, error) {
		return nopHandler{}, nil
	}))

	handler, res := r.Resolve("contoso/script:1")
	require.True(t, res.IsSuccess(), res.String())
	assert.NotNil(t, handler)

	// Wrong major version fails fast with a distinct code.
	_, res = r.Resolve("contoso/script:2")
	assert.True(t, res.IsFailure())
	assert.Equal(t, ERCUnknownUpdateType, res.ExtendedCode)

	// Malformed type string gets its own code.
	_, res = r.Resolve("script")
	assert.True(t, res.IsFailure())
	assert.Equal(t, ERCBadUpdateType, res.ExtendedCode)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	factory := func() (Handler, error) { return nopHandler{}, nil }
	require.NoError(t, r.Register("contoso/script:1", factory))
	assert.ErrorIs(t, r.Register("contoso/script:1", factory), ErrAlreadyRegistered)
}

func TestRegisterRejectsMalformedType(t *testing.T) {
	r := NewRegistry()
	err := r.Register("not-a-type", func() (Handler, error) { return nopHandler{}, nil })
	assert.ErrorIs(t, err, workflow.ErrBadUpdateType)
}
