// Package cmd wires the agent's command line interface.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	slogctx "github.com/veqryn/slog-context"
)

// Execute adds all child commands to the root command and runs it. This
// is called by main.main().
func Execute() {
	if err := New().Execute(); err != nil {
		os.Exit(1)
	}
}

// New builds the root command.
func New() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "device-update-agent [sub-command]",
		Short: "Device-side update agent",
		Long: `The device update agent receives update deployments from a cloud
orchestrator, drives them through download, install and apply, and
reports progress back.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		PersistentPreRunE: setupLogging,
		SilenceUsage:      true,
	}

	registerLoggingFlags(cmd.PersistentFlags())
	cmd.PersistentFlags().StringP("config", "c", "", "path to the agent configuration file")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newRootKeysCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func registerLoggingFlags(flags *pflag.FlagSet) {
	flags.String("loglevel", "info", "set the log level (debug, info, warn, error)")
	flags.String("logformat", "text", "set the log format (text, json)")
}

func setupLogging(cmd *cobra.Command, _ []string) error {
	var level slog.Level
	switch cmd.Flag("loglevel").Value.String() {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return fmt.Errorf("invalid log level: %s", cmd.Flag("loglevel").Value.String())
	}

	var handler slog.Handler
	switch format := cmd.Flag("logformat").Value.String(); format {
	case "json":
		handler = slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})
	case "text":
		handler = slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})
	default:
		return fmt.Errorf("invalid log format: %s", format)
	}

	// Attributes appended to the context (workflow id, step) flow into
	// every log line.
	slog.SetDefault(slog.New(slogctx.NewHandler(handler, nil)))
	return nil
}
