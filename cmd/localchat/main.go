package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stupiduntilnot/localchat/internal/config"
	"github.com/stupiduntilnot/localchat/internal/observability"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// cli carries the viper instance and the loaded configuration to subcommands.
type cli struct {
	v   *viper.Viper
	cfg config.Config
}

func newRootCmd() *cobra.Command {
	c := &cli{v: config.New()}

	rootCmd := &cobra.Command{
		Use:           "localchat",
		Short:         "localchat is a single-user chat front end for a local Ollama backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			configFile, _ := cmd.Flags().GetString("config")
			if err := config.ReadConfigFile(c.v, configFile); err != nil {
				return err
			}
			cfg, err := config.Load(c.v)
			if err != nil {
				return err
			}
			c.cfg = cfg
			if err := observability.InitLogger(observability.LogConfig{
				Level:      cfg.Log.Level,
				Format:     cfg.Log.Format,
				File:       cfg.Log.File,
				WithCaller: cfg.Log.WithCaller,
				Out:        cmd.ErrOrStderr(),
			}); err != nil {
				return err
			}
			log.Debug().Str("config", c.v.ConfigFileUsed()).Msg("Loaded configuration")
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Path to config file (default ./config.yaml or ~/.localchat/config.yaml)")
	flags.String(config.KeyDBPath, "./chat_history.db", "SQLite database path")
	flags.String(config.KeyDatabaseURL, "", "PostgreSQL URL; overrides db-path when set")
	flags.String(config.KeyBackendURL, "http://localhost:11434", "Ollama base URL")
	flags.String(config.KeyModel, "gemma2:2b", "Model identifier sent to the backend")
	flags.String(config.KeyTimeout, "120s", "Generation request timeout")
	flags.Int(config.KeyContextWindow, 6, "History entries included in each prompt")
	flags.Int(config.KeyHistoryLimit, 10, "Turns shown by history views")
	flags.Float64(config.KeyTemperature, 0.8, "Sampling temperature in [0.1, 1.0]")
	flags.String(config.KeyGenerator, config.GeneratorOllama, "Generation backend (ollama, dummy)")
	flags.String(config.KeyDummyScript, "ok", "Script for the dummy generator")
	flags.String(config.KeyMetricsNamespace, "localchat", "Prometheus metrics namespace")
	flags.String(config.KeyLogLevel, "info", "Log level (trace, debug, info, warn, error, fatal)")
	flags.String(config.KeyLogFormat, "text", "Log format (json, text)")
	flags.String(config.KeyLogFile, "", "Log file (default: stderr)")
	flags.Bool(config.KeyWithCaller, false, "Log caller")
	cobra.CheckErr(c.v.BindPFlags(flags))

	rootCmd.AddCommand(
		newChatCmd(c),
		newServeCmd(c),
		newHistoryCmd(c),
		newClearHistoryCmd(c),
		newAuditCmd(c),
	)
	return rootCmd
}
