package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"deviceupdate.software/agent/config"
	"deviceupdate.software/agent/coordinator"
	"deviceupdate.software/agent/downloader"
	"deviceupdate.software/agent/downloadhandler"
	"deviceupdate.software/agent/downloadhandler/delta"
	"deviceupdate.software/agent/jws"
	"deviceupdate.software/agent/platform"
	"deviceupdate.software/agent/reporting"
	"deviceupdate.software/agent/result"
	"deviceupdate.software/agent/rootkeys"
	"deviceupdate.software/agent/sourcecache"
	"deviceupdate.software/agent/stephandler"
	"deviceupdate.software/agent/stephandler/simulator"
	"deviceupdate.software/agent/stephandler/swupdate"
	"deviceupdate.software/agent/workflow"
)

func newRunCmd() *cobra.Command {
	var goalStatePath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the update agent",
		Long: `Runs the agent: evaluates the persisted goal state, processes an
optional goal state file, reloads the root key package on change, and
waits for shutdown.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Flag("config").Value.String())
			if err != nil {
				return err
			}
			return runAgent(cmd.Context(), cfg, goalStatePath)
		},
	}
	cmd.Flags().StringVar(&goalStatePath, "goal-state", "", "process a goal state document from the given file")
	return cmd
}

// nullDownloader rejects downloads until an installation wires a real
// content downloader (HTTP, delivery optimization, …) into the build.
type nullDownloader struct{}

var ercNoDownloader = result.MakeExtendedCode(result.FacilityStepHandler, 30)

func (nullDownloader) Download(context.Context, workflow.FileEntity, *workflow.Handle, downloader.Options, downloader.ProgressFunc) result.Result {
	slog.Error("no content downloader configured")
	return result.Failed(ercNoDownloader)
}

// logReporter emits reported state documents to the log until an
// installation wires the device-to-cloud transport in.
type logReporter struct{}

func (logReporter) ReportStateAndResultAsync(report *reporting.Report) bool {
	data, err := reporting.Marshal(report)
	if err != nil {
		slog.Error("marshal reported state", "error", err)
		return false
	}
	slog.Info("reported state", "state", report.State.String(), "document", string(data))
	return true
}

// nativeDeltaProcessor stands in until the platform delta engine is
// wired into the build; every delta attempt falls back to a full
// download.
type nativeDeltaProcessor struct{}

func (nativeDeltaProcessor) ApplyDelta(context.Context, string, string, string) error {
	return errors.New("no delta processor configured")
}

func runAgent(ctx context.Context, cfg *config.Config, goalStatePath string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	keyStore, err := rootkeys.NewStore(cfg.RootKeyStorePath,
		storeOptions(cfg)...)
	if err != nil {
		return err
	}

	cache := &sourcecache.Cache{
		BasePath:        cfg.SourceUpdateCachePath,
		PurgeBeforeMove: cfg.PurgeBeforeMove(),
	}

	content := nullDownloader{}
	hooks := downloadhandler.NewRegistry()
	if err := hooks.Register(delta.HandlerID, &delta.Handler{
		Cache:      cache,
		Downloader: content,
		Processor:  nativeDeltaProcessor{},
	}); err != nil {
		return err
	}

	handlers := stephandler.NewRegistry()
	if err := simulator.Register(handlers, cfg.SimulatorDataDir); err != nil {
		return err
	}
	if err := swupdate.Register(handlers, swupdate.Config{
		InstallCommand:        cfg.Swupdate.InstallCommand,
		InstallArgs:           cfg.Swupdate.InstallArgs,
		InstalledCriteriaFile: cfg.Swupdate.InstalledCriteriaFile,
		RebootRequired:        cfg.Swupdate.RebootRequired,
	}, content, hooks); err != nil {
		return err
	}

	c := coordinator.New(coordinator.Options{
		Handlers: handlers,
		Reporter: logReporter{},
		Platform: platform.LocalSandbox{},
		Validator: &jws.Validator{
			Keys:   keyStore,
			Policy: keyStore,
		},
		DownloadsRoot:    cfg.DownloadsFolder,
		DownloadHandlers: completionHooks{registry: hooks},
	})

	// Startup: evaluate the persisted goal state, if any.
	persisted, err := os.ReadFile(cfg.GoalStateFile)
	if errors.Is(err, os.ErrNotExist) {
		persisted = nil
	} else if err != nil {
		return err
	}
	c.HandleStartup(ctx, persisted)

	if goalStatePath != "" {
		payload, err := os.ReadFile(goalStatePath)
		if err != nil {
			return err
		}
		c.HandlePropertyUpdate(ctx, payload, false)
	}

	// Root key rotation reaches the running agent through the store
	// file.
	go func() {
		if err := keyStore.Watch(ctx); err != nil {
			slog.Error("root key store watch failed", "error", err)
		}
	}()

	slog.Info("agent running", "downloads", cfg.DownloadsFolder, "cache", cfg.SourceUpdateCachePath)
	<-ctx.Done()
	slog.Info("agent shutting down")
	return nil
}

func storeOptions(cfg *config.Config) []rootkeys.StoreOption {
	var opts []rootkeys.StoreOption
	if cfg.AllowTestRootKeyPackages {
		opts = append(opts, rootkeys.WithAllowTestPackages())
	}
	return opts
}

// completionHooks adapts the download handler registry to the
// coordinator's completion notification.
type completionHooks struct {
	registry *downloadhandler.Registry
}

func (c completionHooks) OnUpdateWorkflowCompleted(ctx context.Context, h *workflow.Handle) {
	c.registry.OnUpdateWorkflowCompleted(ctx, h)
}
