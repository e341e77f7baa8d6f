// Package simulator implements a step handler that replays results from
// a data file instead of touching the device. It backs agent dry-runs
// and workflow tests: the data file maps each operation (and optionally
// each payload file) to the result the handler should return.
package simulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"deviceupdate.software/agent/result"
	"deviceupdate.software/agent/stephandler"
	"deviceupdate.software/agent/workflow"
)

// UpdateType is the update type the simulator registers under.
const UpdateType = "contoso/simulator:1"

// DataFileName is the default simulator data file name, looked up in
// the directory named by Handler.DataDir.
const DataFileName = "du-simulator-data.json"

var ERCDataFile = result.MakeExtendedCode(result.FacilityStepHandler, 10)

// simResult mirrors one configured result entry in the data file.
type simResult struct {
	ResultCode         result.Code         `json:"resultCode"`
	ExtendedResultCode result.ExtendedCode `json:"extendedResultCode"`
	ResultDetails      string              `json:"resultDetails"`
}

// simData is the parsed simulator data file. Download entries may be
// keyed per file name, with "*" as the catch-all.
type simData struct {
	Download    map[string]simResult `json:"download"`
	Install     *simResult           `json:"install"`
	Apply       *simResult           `json:"apply"`
	Cancel      *simResult           `json:"cancel"`
	IsInstalled *simResult           `json:"isInstalled"`
}

// Handler simulates a content handler.
type Handler struct {
	// DataDir is the directory holding the simulator data file. Empty
	// means the system temp directory.
	DataDir string
}

// Register adds the simulator to a step handler registry. dataDir names
// the directory holding the simulator data file; empty means the system
// temp directory.
func Register(registry *stephandler.Registry, dataDir string) error {
	return registry.Register(UpdateType, func() (stephandler.Handler, error) {
		return &Handler{DataDir: dataDir}, nil
	})
}

func (s *Handler) dataFilePath() string {
	dir := s.DataDir
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, DataFileName)
}

func (s *Handler) loadData() (*simData, error) {
	raw, err := os.ReadFile(s.dataFilePath())
	if errors.Is(err, os.ErrNotExist) {
		// No data file: every operation succeeds.
		return &simData{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read simulator data: %w", err)
	}
	var data simData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parse simulator data: %w", err)
	}
	return &data, nil
}

func (r *simResult) toResult(fallback result.Code) result.Result {
	if r == nil {
		return result.New(fallback)
	}
	return result.Result{Code: r.ResultCode, ExtendedCode: r.ExtendedResultCode}
}

func (s *Handler) IsInstalled(_ context.Context, h *workflow.Handle) result.Result {
	data, err := s.loadData()
	if err != nil {
		return result.Failed(ERCDataFile)
	}
	return data.IsInstalled.toResult(result.IsInstalledNotInstalled)
}

func (s *Handler) Download(ctx context.Context, h *workflow.Handle) result.Result {
	data, err := s.loadData()
	if err != nil {
		return result.Failed(ERCDataFile)
	}
	for _, entity := range h.Files() {
		if h.CancelRequested() {
			return result.Cancelled()
		}
		entry, ok := data.Download[entity.FileName]
		if !ok {
			entry, ok = data.Download["*"]
		}
		if !ok {
			continue
		}
		res := entry.toResult(result.DownloadSuccess)
		if res.IsFailure() {
			slog.InfoContext(ctx, "simulating download failure", "file", entity.FileName)
			if entry.ResultDetails != "" {
				h.SetResultDetails("%s", entry.ResultDetails)
			}
			return res
		}
	}
	return result.New(result.DownloadSuccess)
}

func (s *Handler) Install(ctx context.Context, h *workflow.Handle) result.Result {
	data, err := s.loadData()
	if err != nil {
		return result.Failed(ERCDataFile)
	}
	res := data.Install.toResult(result.InstallSuccess)
	if data.Install != nil && data.Install.ResultDetails != "" {
		h.SetResultDetails("%s", data.Install.ResultDetails)
	}
	return res
}

func (s *Handler) Apply(ctx context.Context, h *workflow.Handle) result.Result {
	data, err := s.loadData()
	if err != nil {
		return result.Failed(ERCDataFile)
	}
	res := data.Apply.toResult(result.ApplySuccess)
	switch res.Code {
	case result.ApplyRequiredReboot, result.ApplyRequiredImmediateReboot:
		h.RequestReboot()
	case result.ApplyRequiredAgentRestart, result.ApplyRequiredImmediateAgentRestart:
		h.RequestAgentRestart()
	}
	return res
}

func (s *Handler) Cancel(_ context.Context, _ *workflow.Handle) result.Result {
	data, err := s.loadData()
	if err != nil {
		return result.Failed(ERCDataFile)
	}
	return data.Cancel.toResult(result.CancelSuccess)
}

func (s *Handler) Backup(context.Context, *workflow.Handle) result.Result {
	return result.New(result.SuccessUnsupported)
}

func (s *Handler) Restore(context.Context, *workflow.Handle) result.Result {
	return result.New(result.SuccessUnsupported)
}
