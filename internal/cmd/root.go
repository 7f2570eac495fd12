// Package cmd implements the histpath command tree.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/histpath/histpath/internal/config"
	"github.com/histpath/histpath/internal/observability"
)

// versionInfo holds build-time version metadata.
var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "HEAD",
	BuildDate: "unknown",
}

// SetVersionInfo records build metadata injected via ldflags.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var rootCmd = &cobra.Command{
	Use:   "histpath",
	Short: "Track long-running OCR analyses of historical documents",
	Long: `histpath submits historical document images to the OCR analysis
service and tracks them to completion.

Analyses run asynchronously on the server and can take minutes. histpath
persists the active job locally, so a closed terminal or crashed process
never loses a submission: 'histpath resume' picks up polling exactly where
it left off, without resubmitting.

Completed results are kept in a local history database for later review.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		return initRuntime(cmd.Context())
	},
}

var (
	rootConfigPath string
	rootAPIBase    string
	rootDataDir    string
	rootLogLevel   string
	rootLogJSON    bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&rootConfigPath, "config", "", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&rootAPIBase, "api", "", "Analysis service base URL")
	rootCmd.PersistentFlags().StringVar(&rootDataDir, "data-dir", "", "Directory for the active-job slot and history database")
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&rootLogJSON, "json-logs", false, "Emit logs as JSON")

	rootCmd.AddCommand(versionCmd)
}

// initRuntime loads configuration and wires the shared logger. Flag values
// override file and environment configuration.
func initRuntime(ctx context.Context) error {
	config.SetConfigFile(rootConfigPath)

	overrides := map[string]any{}
	if rootAPIBase != "" {
		overrides["api"] = map[string]any{"base_url": rootAPIBase}
	}
	if rootDataDir != "" {
		overrides["data_dir"] = rootDataDir
	}
	logging := map[string]any{}
	if rootLogLevel != "" {
		logging["level"] = rootLogLevel
	}
	if rootLogJSON {
		logging["json"] = true
	}
	if len(logging) > 0 {
		overrides["logging"] = logging
	}

	cfg, err := config.Load(ctx, overrides)
	if err != nil {
		return err
	}

	return observability.InitCLILogger(cfg.Logging.Level, cfg.Logging.JSON)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("histpath %s (commit %s, built %s)\n",
			versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate)
	},
}

// Execute runs the command tree with signal-aware cancellation.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer observability.Sync()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
