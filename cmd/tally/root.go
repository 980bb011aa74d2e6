package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/tally/internal/home"
	"github.com/jackzampolin/tally/internal/output"
	"github.com/jackzampolin/tally/internal/svcctx"
	"github.com/jackzampolin/tally/version"
)

// annotationNoServices marks commands that run without config, providers or tracing.
const annotationNoServices = "tally/no-services"

// logFileHome is the --log-file value used when the flag is given bare.
const logFileHome = "home"

var (
	cfgFile      string
	homeDir      string
	outputFormat string
	logOpts      logOptions

	printer   *output.Printer
	shutdown  func()
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "tally",
	Short: "Extract vote counts from scanned election forms with vision LLMs",
	Long: `Tally reads scanned election tally forms, asks a vision LLM for the
per-candidate vote counts, validates the result and optionally scores it
against a known-good answer with an LLM judge.

Every run is traced as a tree of spans (workflow > task > llm) exported to
the log, a JSONL file, MongoDB or a Redis stream.`,
	Version:       version.GitRelease,
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		format, err := output.ParseFormat(outputFormat)
		if err != nil {
			return err
		}
		printer = output.NewPrinter(cmd.OutOrStdout(), format)

		h, err := home.New(homeDir)
		if err != nil {
			return err
		}

		opts := logOpts
		if opts.File == logFileHome {
			opts.File = h.LogPath()
		}
		logger, closer, err := newLogger(opts, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		logCloser = closer

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		if cmd.Annotations[annotationNoServices] != "" {
			cmd.SetContext(svcctx.WithServices(ctx, &svcctx.Services{Logger: logger, Home: h}))
			return nil
		}

		svcs, stop, err := startServices(ctx, cfgFile, h, logger)
		if err != nil {
			return fmt.Errorf("startup: %w", err)
		}
		shutdown = stop
		cmd.SetContext(svcctx.WithServices(ctx, svcs))
		return nil
	},
}

// cleanup flushes traces and closes clients. It runs after Execute whether
// or not the command failed.
func cleanup() {
	if shutdown != nil {
		shutdown()
		shutdown = nil
	}
	if logCloser != nil {
		logCloser.Close()
		logCloser = nil
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.tally/config.yaml)",
	)
	rootCmd.PersistentFlags().StringVar(
		&homeDir, "home", "", "tally home directory (default: ~/.tally)",
	)
	rootCmd.PersistentFlags().StringVarP(
		&outputFormat, "output", "o", "yaml", "output format: yaml or json",
	)
	rootCmd.PersistentFlags().StringVar(
		&logOpts.Level, "log-level", "info", "log level: debug, info, warn or error",
	)
	rootCmd.PersistentFlags().StringVar(
		&logOpts.Format, "log-format", "text", "log format: text or json",
	)
	rootCmd.PersistentFlags().StringVar(
		&logOpts.File, "log-file", "", "write logs to a rotating file instead of stderr (bare flag: ~/.tally/logs/tally.log)",
	)
	rootCmd.PersistentFlags().Lookup("log-file").NoOptDefVal = logFileHome

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(extractCmd)
	rootCmd.AddCommand(evaluateCmd)
}
