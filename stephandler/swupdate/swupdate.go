// Package swupdate implements the image-based update handler: payloads
// are fetched through the content downloader (optionally short-circuited
// by a download handler such as delta reconstruction), verified against
// their manifest hashes, and installed by invoking the configured
// install script.
package swupdate

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"

	"deviceupdate.software/agent/downloader"
	"deviceupdate.software/agent/downloadhandler"
	"deviceupdate.software/agent/result"
	"deviceupdate.software/agent/stephandler"
	"deviceupdate.software/agent/workflow"
)

// UpdateType is the update type this handler registers under.
const UpdateType = "contoso/swupdate:1"

// Extended result codes.
var (
	ERCDownloadFailed      = result.MakeExtendedCode(result.FacilityStepHandler, 20)
	ERCHashMismatch        = result.MakeExtendedCode(result.FacilityStepHandler, 21)
	ERCUnsupportedHashAlg  = result.MakeExtendedCode(result.FacilityStepHandler, 22)
	ERCInstallScriptFailed = result.MakeExtendedCode(result.FacilityStepHandler, 23)
	ERCMissingPayload      = result.MakeExtendedCode(result.FacilityStepHandler, 24)
)

var hashAlgorithms = map[string]digest.Algorithm{
	"sha256": digest.SHA256,
	"sha384": digest.SHA384,
	"sha512": digest.SHA512,
}

// Config tunes the handler for the device image layout.
type Config struct {
	// InstallCommand is the executable invoked to install an image; it
	// receives the image path as its argument.
	InstallCommand string
	// InstallArgs are prepended before the image path.
	InstallArgs []string
	// InstalledCriteriaFile holds the currently installed version
	// string compared against the manifest's installed criteria.
	InstalledCriteriaFile string
	// RebootRequired marks Apply results as requiring a system reboot.
	RebootRequired bool
}

// Handler installs image updates.
type Handler struct {
	cfg        Config
	downloader downloader.ContentDownloader
	hooks      *downloadhandler.Registry
}

// New creates a swupdate handler. hooks may be nil when no download
// handlers are wired.
func New(cfg Config, contentDownloader downloader.ContentDownloader, hooks *downloadhandler.Registry) *Handler {
	return &Handler{cfg: cfg, downloader: contentDownloader, hooks: hooks}
}

// Register adds the handler to a step handler registry.
func Register(registry *stephandler.Registry, cfg Config, contentDownloader downloader.ContentDownloader, hooks *downloadhandler.Registry) error {
	return registry.Register(UpdateType, func() (stephandler.Handler, error) {
		return New(cfg, contentDownloader, hooks), nil
	})
}

// IsInstalled compares the installed criteria against the version file.
func (s *Handler) IsInstalled(_ context.Context, h *workflow.Handle) result.Result {
	criteria, err := h.InstalledCriteria()
	if err != nil || criteria == "" {
		return result.New(result.IsInstalledNotInstalled)
	}
	raw, err := os.ReadFile(s.cfg.InstalledCriteriaFile)
	if err != nil {
		return result.New(result.IsInstalledNotInstalled)
	}
	if strings.TrimSpace(string(raw)) == criteria {
		return result.New(result.IsInstalledInstalled)
	}
	return result.New(result.IsInstalledNotInstalled)
}

// Download fetches every payload into the sandbox, running download
// handler hooks first and verifying manifest hashes afterwards.
func (s *Handler) Download(ctx context.Context, h *workflow.Handle) result.Result {
	files := h.Files()
	if len(files) == 0 {
		return result.Failed(ERCMissingPayload)
	}

	group, ctx := errgroup.WithContext(ctx)
	for _, entity := range files {
		entity := entity
		group.Go(func() error {
			if h.CancelRequested() {
				return errResult(result.Cancelled())
			}
			if res := s.downloadOne(ctx, h, entity); res.IsFailure() {
				return errResult(res)
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return resultFromErr(err)
	}
	return result.New(result.DownloadSuccess)
}

func (s *Handler) downloadOne(ctx context.Context, h *workflow.Handle, entity workflow.FileEntity) result.Result {
	targetPath := h.EntityWorkFolderFilePath(entity)

	if entity.DownloadHandler != nil && s.hooks != nil {
		if hook, err := s.hooks.Resolve(entity.DownloadHandler.ID); err == nil {
			res := hook.ProcessUpdate(ctx, h, entity, targetPath)
			if res.Code == result.DownloadHandlerSuccessSkipDownload {
				slog.InfoContext(ctx, "download handler produced payload", "file", entity.FileName)
				return s.verifyHash(entity, targetPath)
			}
			if res.IsFailure() {
				return res
			}
			// RequiredFullDownload falls through to the downloader.
		} else {
			slog.WarnContext(ctx, "unknown download handler, full download",
				"id", entity.DownloadHandler.ID)
		}
	}

	res := s.downloader.Download(ctx, entity, h, downloader.Options{}, nil)
	if res.IsFailure() {
		return res
	}
	return s.verifyHash(entity, targetPath)
}

// verifyHash checks the payload against its manifest hash entry. Hash
// values are base64 encodings of the raw digest.
func (s *Handler) verifyHash(entity workflow.FileEntity, path string) result.Result {
	alg, expected, ok := entity.Hash()
	if !ok {
		return result.Failed(ERCHashMismatch)
	}
	algorithm, ok := hashAlgorithms[strings.ToLower(alg)]
	if !ok {
		return result.Failed(ERCUnsupportedHashAlg)
	}

	f, err := os.Open(path)
	if err != nil {
		return result.Failed(ERCMissingPayload)
	}
	defer f.Close()

	hasher := algorithm.Hash()
	if _, err := io.Copy(hasher, f); err != nil {
		return result.Failed(ERCDownloadFailed)
	}
	actual := base64.StdEncoding.EncodeToString(hasher.Sum(nil))
	if actual != expected {
		slog.Error("payload hash mismatch", "file", entity.FileName, "alg", alg)
		return result.Failed(ERCHashMismatch)
	}
	return result.New(result.DownloadSuccess)
}

// Install runs the configured install command for each payload image.
func (s *Handler) Install(ctx context.Context, h *workflow.Handle) result.Result {
	for _, entity := range h.Files() {
		if h.CancelRequested() {
			return result.Cancelled()
		}
		imagePath := h.EntityWorkFolderFilePath(entity)
		args := append(append([]string{}, s.cfg.InstallArgs...), imagePath)

		cmd := exec.CommandContext(ctx, s.cfg.InstallCommand, args...)
		output, err := cmd.CombinedOutput()
		if err != nil {
			slog.ErrorContext(ctx, "install command failed",
				"command", s.cfg.InstallCommand, "error", err, "output", string(output))
			h.SetResultDetails("install command failed: %v", err)
			return result.Failed(ERCInstallScriptFailed)
		}
	}
	return result.New(result.InstallSuccess)
}

// Apply finalizes the installation, recording the new installed
// criteria and requesting a reboot when the image requires one.
func (s *Handler) Apply(_ context.Context, h *workflow.Handle) result.Result {
	if h.CancelRequested() {
		return result.Cancelled()
	}
	if criteria, err := h.InstalledCriteria(); err == nil && criteria != "" && s.cfg.InstalledCriteriaFile != "" {
		if err := os.WriteFile(s.cfg.InstalledCriteriaFile, []byte(criteria+"\n"), 0o644); err != nil {
			slog.Warn("recording installed criteria failed", "error", err)
		}
	}
	if s.cfg.RebootRequired {
		h.RequestReboot()
		return result.New(result.ApplyRequiredReboot)
	}
	return result.New(result.ApplySuccess)
}

// Cancel is cooperative: in-flight operations poll the handle's cancel
// flag at their checkpoints.
func (s *Handler) Cancel(_ context.Context, h *workflow.Handle) result.Result {
	slog.Info("cancel requested", "workflowID", h.ID())
	return result.New(result.CancelSuccess)
}

func (s *Handler) Backup(context.Context, *workflow.Handle) result.Result {
	return result.New(result.SuccessUnsupported)
}

func (s *Handler) Restore(context.Context, *workflow.Handle) result.Result {
	return result.New(result.SuccessUnsupported)
}

// resultError carries a Result through errgroup's error plumbing.
type resultError struct {
	res result.Result
}

func (e *resultError) Error() string {
	return fmt.Sprintf("step failed: %s", e.res.String())
}

func errResult(res result.Result) error {
	return &resultError{res: res}
}

func resultFromErr(err error) result.Result {
	var re *resultError
	if errors.As(err, &re) {
		return re.res
	}
	return result.Failed(ERCDownloadFailed)
}
