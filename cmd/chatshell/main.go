package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatshell/cmd/chatshell/cmds"
	"github.com/go-go-golems/chatshell/pkg/logging"
)

func newRootCmd() *cobra.Command {
	logSettings := logging.DefaultSettings()
	var envFiles []string

	rootCmd := &cobra.Command{
		Use:           "chatshell",
		Short:         "chatshell serves a streaming chat widget backend and its app shell",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// reinitialize the logger now that --log-level and co are parsed
			if err := logging.Init(logSettings); err != nil {
				return err
			}
			return loadEnvFiles(envFiles)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&logSettings.Level, "log-level", logSettings.Level, "Log level (trace, debug, info, warn, error)")
	pf.StringVar(&logSettings.Format, "log-format", logSettings.Format, "Log format (text, json)")
	pf.StringVar(&logSettings.File, "log-file", "", "Write logs to a rotating file instead of stderr")
	pf.BoolVar(&logSettings.WithCaller, "with-caller", false, "Log caller file and line")
	pf.StringSliceVar(&envFiles, "env-file", []string{".env"}, "Dotenv files loaded before reading CHATSHELL_* variables")

	rootCmd.AddCommand(
		cmds.NewServeCommand(),
		cmds.NewReplayCommand(),
		cmds.NewThemeCommand(),
		cmds.NewPrefsCommand(),
		cmds.NewAuthCommand(),
	)
	return rootCmd
}

// loadEnvFiles skips missing files; variables already set in the environment win.
func loadEnvFiles(files []string) error {
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return errors.Wrapf(err, "stat env file %s", f)
		}
		if err := godotenv.Load(f); err != nil {
			return errors.Wrapf(err, "load env file %s", f)
		}
		log.Debug().Str("file", f).Msg("loaded env file")
	}
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("chatshell failed")
		os.Exit(1)
	}
}
