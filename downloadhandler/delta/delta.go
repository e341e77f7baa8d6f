// Package delta implements the delta download handler: given a target
// file whose related files describe deltas against previously installed
// source updates, it reconstructs the target from the source update
// cache plus one downloaded delta, saving the bandwidth of a full
// download.
package delta

import (
	"context"
	"errors"
	"log/slog"

	"deviceupdate.software/agent/downloader"
	"deviceupdate.software/agent/result"
	"deviceupdate.software/agent/sourcecache"
	"deviceupdate.software/agent/workflow"
)

// HandlerID is the download handler id this handler registers under.
const HandlerID = "microsoft/delta:1"

// Related file properties naming the source update a delta applies to.
const (
	PropertySourceFileHash          = "microsoft.sourceFileHash"
	PropertySourceFileHashAlgorithm = "microsoft.sourceFileHashAlgorithm"
)

// Extended result codes recorded while trying related files.
var (
	ERCBadArgs               = result.MakeExtendedCode(result.FacilityDeltaHandler, 1)
	ERCRelatedFileNoProps    = result.MakeExtendedCode(result.FacilityDeltaHandler, 2)
	ERCSourceUpdateCacheMiss = result.MakeExtendedCode(result.FacilityDeltaHandler, 3)
	ERCDeltaDownloadFailed   = result.MakeExtendedCode(result.FacilityDeltaHandler, 4)
	ERCDeltaProcessFailed    = result.MakeExtendedCode(result.FacilityDeltaHandler, 5)
)

// Processor applies a delta to a source file producing the target file.
// The production processor shells out to the native delta engine; tests
// inject fakes.
type Processor interface {
	ApplyDelta(ctx context.Context, sourcePath, deltaPath, targetPath string) error
}

// Handler is the delta download handler.
type Handler struct {
	Cache      *sourcecache.Cache
	Downloader downloader.ContentDownloader
	Processor  Processor
}

// ProcessUpdate tries each related file in ascending fileId order (the
// order in which related files appear in the manifest is not kept): resolve its
// source update from the cache, download the delta, and run the
// processor. The first success produces the target at payloadFilePath
// and skips the full download; if every related file fails, a full
// download is required, which is a success outcome for the agent.
func (d *Handler) ProcessUpdate(ctx context.Context, h *workflow.Handle, entity workflow.FileEntity, payloadFilePath string) result.Result {
	if h == nil || payloadFilePath == "" || len(entity.RelatedFiles) == 0 {
		return result.Failed(ERCBadArgs)
	}

	updateID, err := h.ExpectedUpdateID()
	if err != nil {
		return result.Failed(ERCBadArgs)
	}

	reconstructed := false
	for _, related := range entity.OrderedRelatedFiles() {
		sourceHash := related.Properties[PropertySourceFileHash]
		sourceAlg := related.Properties[PropertySourceFileHashAlgorithm]
		if sourceHash == "" || sourceAlg == "" {
			return result.Failed(ERCRelatedFileNoProps)
		}

		sourcePath, err := d.Cache.Lookup(updateID.Provider, sourceHash, sourceAlg)
		if errors.Is(err, sourcecache.ErrMiss) {
			slog.WarnContext(ctx, "source update cache miss for delta", "relatedFile", related.FileID)
			h.AddSuccessERC(ERCSourceUpdateCacheMiss)
			continue
		}

		if res := d.downloadDelta(ctx, h, related); res.IsFailure() {
			slog.WarnContext(ctx, "delta download failed",
				"relatedFile", related.FileID, "result", res.String())
			h.AddSuccessERC(ERCDeltaDownloadFailed)
			continue
		}

		deltaPath := h.EntityWorkFolderFilePath(workflow.FileEntity{FileName: related.FileName})
		if err := d.Processor.ApplyDelta(ctx, sourcePath, deltaPath, payloadFilePath); err != nil {
			slog.WarnContext(ctx, "delta processing failed",
				"relatedFile", related.FileID, "error", err)
			h.AddSuccessERC(ERCDeltaProcessFailed)
			continue
		}

		slog.InfoContext(ctx, "reconstructed target from delta", "relatedFile", related.FileID)
		reconstructed = true
		break
	}

	if reconstructed {
		return result.New(result.DownloadHandlerSuccessSkipDownload)
	}
	return result.New(result.DownloadHandlerRequiredFullDownload)
}

func (d *Handler) downloadDelta(ctx context.Context, h *workflow.Handle, related workflow.RelatedFile) result.Result {
	entity := workflow.FileEntity{
		FileID:      related.FileID,
		FileName:    related.FileName,
		SizeInBytes: related.SizeInBytes,
		Hashes:      related.Hashes,
	}
	return d.Downloader.Download(ctx, entity, h, downloader.Options{}, nil)
}

// OnUpdateWorkflowCompleted retains the deployment's payloads in the
// source update cache for future delta updates.
func (d *Handler) OnUpdateWorkflowCompleted(ctx context.Context, h *workflow.Handle) result.Result {
	if h == nil {
		return result.Failed(ERCBadArgs)
	}
	return d.Cache.Move(h)
}
