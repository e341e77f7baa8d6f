// Package platform declares the platform-layer hooks the coordinator
// invokes around deployments: sandbox lifecycle, reboot and agent
// restart, and the idle notification. Shell implementations for reboot
// and restart live outside the core; the sandbox operations have a
// default local implementation.
package platform

import (
	"log/slog"
	"os"

	"deviceupdate.software/agent/result"
)

// Layer is the platform hook set.
type Layer interface {
	// SandboxCreate prepares the per-deployment work folder. An empty
	// folder is allowed and indicates an OS without a usable filesystem.
	SandboxCreate(workflowID, folder string) result.Result

	// SandboxDestroy removes the work folder when a deployment reaches
	// terminal Idle.
	SandboxDestroy(workflowID, folder string)

	// Reboot restarts the device. A zero return means the reboot was
	// initiated.
	Reboot() int

	// RestartAgent restarts the agent process. A zero return means the
	// restart was initiated.
	RestartAgent() int

	// OnIdle is invoked when the coordinator returns to idle for the
	// given workflow.
	OnIdle(workflowID string)
}

// ERCSandboxCreate is reported when the work folder cannot be created.
var ERCSandboxCreate = result.MakeExtendedCode(result.FacilityPlatform, 1)

// LocalSandbox implements the sandbox file operations on the local
// filesystem and stubs out reboot and restart with failure codes, which
// suits test agents and containers that cannot reboot their host.
type LocalSandbox struct{}

func (LocalSandbox) SandboxCreate(workflowID, folder string) result.Result {
	if folder == "" {
		return result.New(result.Success)
	}
	if err := os.MkdirAll(folder, 0o755); err != nil {
		slog.Error("sandbox create failed", "workflowID", workflowID, "folder", folder, "error", err)
		return result.Failed(ERCSandboxCreate)
	}
	return result.New(result.Success)
}

func (LocalSandbox) SandboxDestroy(workflowID, folder string) {
	if folder == "" {
		return
	}
	if err := os.RemoveAll(folder); err != nil {
		slog.Warn("sandbox destroy failed", "workflowID", workflowID, "folder", folder, "error", err)
	}
}

func (LocalSandbox) Reboot() int {
	slog.Error("reboot requested but no platform reboot shell is configured")
	return -1
}

func (LocalSandbox) RestartAgent() int {
	slog.Error("agent restart requested but no restart shell is configured")
	return -1
}

func (LocalSandbox) OnIdle(workflowID string) {
	slog.Debug("idle", "workflowID", workflowID)
}
