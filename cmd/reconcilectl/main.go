package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/synaptica-ai/reconciler/pkg/common/logger"
)

var rootCmd = &cobra.Command{
	Use:   "reconcilectl",
	Short: "Offline patient record reconciliation",
	Long: `reconcilectl runs the reconciliation engine over extraction result files
without the service's stores or brokers. Output is JSON on stdout; logs go to stderr.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(newAggregateCmd())
	rootCmd.AddCommand(newDiffCmd())
}

func main() {
	logger.InitWithOutput(os.Stderr)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
