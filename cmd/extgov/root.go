package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/toolink/extgov/config"
)

// skipConfig marks commands that must run without a loadable config.
const skipConfig = "skip-config"

// cli carries the global flags and the loaded configuration to every
// subcommand.
type cli struct {
	configFile string
	logLevel   string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "extgov",
		Short:         "Extension lifecycle and runtime governance",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Annotations[skipConfig] != "" {
				return nil
			}
			cfg, err := config.Load(c.configFile)
			if err != nil {
				return err
			}
			if c.logLevel != "" {
				cfg.Log.Level = c.logLevel
			}
			if err := setupLogging(cfg.Log); err != nil {
				return err
			}
			c.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&c.configFile, "config", "c", config.DefaultPath(), "config file")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "override log.level")

	root.AddCommand(
		newInstallCmd(c),
		newUpdateCmd(c),
		newRollbackCmd(c),
		newUninstallCmd(c),
		newEnableCmd(c),
		newListCmd(c),
		newServeCmd(c),
		newHostsCmd(c),
		newStatusCmd(c),
		newEventsCmd(c),
		newConfigCmd(c),
	)
	return root
}

func setupLogging(cfg config.LogConfig) error {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Console {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
	return nil
}

// execute runs the command line with SIGINT and SIGTERM cancelling the
// command context.
func execute(ctx context.Context, args []string) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	root := newRootCmd()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}
