// Command mediasched runs the media transform scheduler against a
// directory tree.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "mediasched",
	Short: "Adaptive media transform scheduler",
	Long: `mediasched schedules CPU-bound media transforms across an adaptively
sized worker pool, giving interactive requests priority over backlog work.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (yaml, toml or json)")
	rootCmd.AddCommand(newRunCmd(), newModeCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
