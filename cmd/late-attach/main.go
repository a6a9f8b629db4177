// late-attach enrolls processes that were already running when the tracer
// started into its tracked_pids map.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mrzor/late-attach/internal/config"
	"github.com/mrzor/late-attach/internal/logging"
)

// Version information injected at build time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

var (
	configPath string
	logLevel   string
	logFormat  string
	procRoot   string
	policyExpr string

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "late-attach",
	Short: "Enroll already-running processes with the process tracer",
	Long: `late-attach walks the process table once, decides for every process
whether it should be traced, and adds the ones that should to the tracer's
tracked_pids map. Processes are enrolled at most once per attacher lifetime.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		applyFlags(cmd, cfg)
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		logger, err = logging.New(cfg.LogLevel, cfg.LogFormat)
		return err
	},
	PersistentPostRun: func(_ *cobra.Command, _ []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	// Overrides the root hook so version works without a valid config.
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error { return nil },
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "late-attach %s (commit %s, built %s)\n", version, commit, date)
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	flags.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flags.StringVar(&logFormat, "log-format", "", "log encoding (json, console)")
	flags.StringVar(&procRoot, "proc-root", "", "procfs mount point")
	flags.StringVarP(&policyExpr, "policy", "p", "", `expression selecting processes to enroll, e.g. env["OTEL_TRACE"] == "1"`)

	rootCmd.AddCommand(runCmd, scanCmd, versionCmd)
}

// applyFlags layers explicitly set flags over the loaded configuration.
func applyFlags(cmd *cobra.Command, c *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		c.LogLevel = logLevel
	}
	if flags.Changed("log-format") {
		c.LogFormat = logFormat
	}
	if flags.Changed("proc-root") {
		c.ProcRoot = procRoot
	}
	if flags.Changed("policy") {
		c.Policy = policyExpr
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
