package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/forrest-ci/forrest/console"
)

var consoleCmd = &cobra.Command{
	Use:   "console <shell.sock path>",
	Short: "attach an interactive terminal to a live run's serial console",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := console.Dial(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("console: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(consoleCmd)
}
