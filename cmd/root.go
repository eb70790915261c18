// Package cmd implements forrestd's command-line entry point.
package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/projecteru2/core/log"
	coretypes "github.com/projecteru2/core/types"

	"github.com/forrest-ci/forrest/daemon"
)

var logCfg coretypes.ServerLogConfig

var rootCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "forrestd <config-file>",
		Short:        "forrestd - ephemeral QEMU CI runner orchestrator",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE:         runDaemon,
	}

	cmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("log_level", cmd.PersistentFlags().Lookup("log-level"))

	viper.SetEnvPrefix("FORREST")
	viper.AutomaticEnv()

	return cmd
}()

// Execute is main.go's sole entry point. It owns the process-level signal
// context: SIGINT/SIGTERM cancel it, which unwinds the daemon's graceful
// shutdown path.
func Execute() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return rootCmd.ExecuteContext(ctx)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	logCfg = coretypes.ServerLogConfig{Level: viper.GetString("log_level")}
	if err := log.SetupLog(ctx, logCfg, ""); err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}

	d, err := daemon.New(args[0])
	if err != nil {
		return fmt.Errorf("startup: %w", err)
	}
	return d.Run(ctx)
}
