// Package cli implements the studentq command, which runs the whole
// pipeline in one process against demo workers.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "studentq",
	Short: "Ask the student query assistant from the terminal",
	Long: `studentq runs the classifier, analyzer, workers, aggregator and answer
generator in one process. Conversation memory lives for the life of the process.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	return rootCmd.Execute()
}

// Main runs the command and returns the process exit code.
func Main() int {
	if err := Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}
