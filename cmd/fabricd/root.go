package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/iot-go-garage/pkg/config"
	"github.com/iot-go-garage/pkg/logger"
)

type rootFlags struct {
	envFile  string
	logLevel string
}

// newRootCmd builds the fabricd command tree. cfg is filled from the
// environment before any subcommand runs.
func newRootCmd(cfg *config.Config) *cobra.Command {
	var flags rootFlags

	root := &cobra.Command{
		Use:   "fabricd",
		Short: "Local device fabric for garage endpoints",
		Long: "fabricd runs an MQTT broker together with the fabric services garage\n" +
			"endpoints attach to, and offers tools to publish notifications and\n" +
			"issue access tokens.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var files []string
			if flags.envFile != "" {
				files = append(files, flags.envFile)
			}
			if err := cfg.LoadFromEnv(files...); err != nil {
				return err
			}
			if flags.logLevel != "" {
				cfg.App.LogLevel = flags.logLevel
			}
			if err := logger.Init(cfg.App.LogLevel, cmd.ErrOrStderr()); err != nil {
				return fmt.Errorf("invalid log level %q: %w", cfg.App.LogLevel, err)
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&flags.envFile, "env-file", "", "dotenv file to load (default: .env)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level, overrides GARAGE_LOG_LEVEL")

	root.AddCommand(newServeCmd(cfg))
	root.AddCommand(newNotifyCmd(cfg))
	root.AddCommand(newTokenCmd(cfg))

	return root
}
