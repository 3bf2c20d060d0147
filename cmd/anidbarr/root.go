package main

import (
	"fmt"
	"sync"

	"github.com/amaumene/anidbarr/internal/config"
	"github.com/spf13/cobra"
)

// Set at build time with -ldflags "-X main.version=..."
var version = "dev"

type commandContext struct {
	logLevel *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, err := config.Load()
		if err != nil {
			c.configErr = err
			return
		}
		if c.logLevel != nil && *c.logLevel != "" {
			cfg.LogLevel = *c.logLevel
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func newRootCommand() *cobra.Command {
	var logLevel string
	ctx := &commandContext{logLevel: &logLevel}

	rootCmd := &cobra.Command{
		Use:           "anidbarr",
		Short:         "Track an anime collection against AniDB",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override LOG_LEVEL (debug, info, warn, error)")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newCheckCommand(ctx))
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "anidbarr %s\n", version)
		},
	}
}
