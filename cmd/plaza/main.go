// Command plaza runs the Plaza API server and its maintenance tasks.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/plaza-social/plaza/internal/config"
	"github.com/plaza-social/plaza/internal/logging"
)

const programName = "plaza"

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var globalFlags struct {
	debug bool
}

// setup loads configuration and builds the process logger.
func setup() (*config.Config, *logging.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	level := cfg.LogLevel
	if globalFlags.debug {
		level = "debug"
	}
	log := logging.NewWithConfig(logging.Config{
		Service: programName,
		Level:   level,
		Format:  cfg.LogFormat,
		File:    cfg.LogFile,
	})
	logging.SetDefault(log)

	if _, err := maxprocs.Set(maxprocs.Logger(log.Infof)); err != nil {
		log.WithError(err).Warn("failed to set GOMAXPROCS")
	}
	return cfg, log, nil
}

func main() {
	root := &cobra.Command{
		Use:           programName,
		Short:         "Plaza social platform server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVarP(&globalFlags.debug, "debug", "D", false, "enable debug logging")

	root.AddCommand(
		serveCommand(),
		migrateCommand(),
		jobCommand(),
		vapidCommand(),
		versionCommand(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", programName, err)
		os.Exit(1)
	}
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
