// Package commands provides the CLI commands for AgentRuntime.
package commands

import (
	"fmt"
	"os"

	"github.com/hpd-ai/agentruntime/internal/logging"
	"github.com/spf13/cobra"
)

var (
	// Version information set at build time.
	Version   = "0.1.0"
	BuildTime = "dev"
)

var (
	printLogs bool
	logLevel  string
	logFile   bool
)

var rootCmd = &cobra.Command{
	Use:   "agentruntime",
	Short: "AgentRuntime - a branch-based agentic execution runtime",
	Long: `AgentRuntime drives an LLM through an agentic tool-calling loop over a
branching session tree, streaming every step onto an event bus.

Run 'agentruntime run' to start a one-shot turn.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logCfg := logging.Config{
			Level:     logging.ParseLevel(logLevel),
			Output:    os.Stderr,
			Pretty:    printLogs,
			LogToFile: logFile,
		}
		if !printLogs && !logFile {
			logCfg.Level = logging.FatalLevel
		}
		logging.Init(logCfg)
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&printLogs, "print-logs", false, "Print logs to stderr")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "INFO", "Log level (DEBUG|INFO|WARN|ERROR)")
	rootCmd.PersistentFlags().BoolVar(&logFile, "log-file", false, "Write logs to /tmp/opencode-YYYYMMDD-HHMMSS.log")

	rootCmd.SetVersionTemplate(fmt.Sprintf("agentruntime %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(runCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
