package main

import (
	"fmt"
	"log/slog"

	"github.com/RocketChat/Rocket.Chat.Audit/internal/config"
	"github.com/RocketChat/Rocket.Chat.Audit/internal/logging"
	"github.com/spf13/cobra"
)

// cliState holds global flag values and what PersistentPreRunE derives from
// them for the subcommands.
type cliState struct {
	cfgFile   string
	verbosity int
	logFormat string

	cfg    *config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	state := &cliState{}
	root := &cobra.Command{
		Use:   "chataudit",
		Short: "Compliance auditor for Rocket.Chat messages and file uploads",
		Long: `chataudit tails the MongoDB replication log behind a Rocket.Chat
deployment and records every new message, edit and file upload together
with its room and author, so conversations can be audited after the fact.`,
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return state.load(cmd)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&state.cfgFile, "config", "", "config file (YAML)")
	root.PersistentFlags().CountVarP(&state.verbosity, "verbose", "v", "raise log verbosity (-v info, -vv debug)")
	root.PersistentFlags().StringVar(&state.logFormat, "log-format", "text", "log output format (text or json)")
	root.SetVersionTemplate(fmt.Sprintf("chataudit version {{.Version}} (commit: %s, built: %s)\n", commit, buildDate))

	root.AddCommand(newRunCmd(state), newConfigCmd(state), newVersionCmd())
	return root
}

func (s *cliState) load(cmd *cobra.Command) error {
	cfg, err := config.Load(s.cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	format := cfg.Logging.Format
	if cmd.Flags().Changed("log-format") {
		if s.logFormat != "text" && s.logFormat != "json" {
			return fmt.Errorf("--log-format must be text or json, got %q", s.logFormat)
		}
		format = s.logFormat
	}
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}

	s.cfg = cfg
	s.logger = logging.Setup(format, logging.Level(level, s.verbosity))
	return nil
}
