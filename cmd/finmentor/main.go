package main

import (
	"context"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "finmentor",
		Short:         "Financial mentor video session service",
		Long:          "HTTP + WebSocket service driving timed mentor conversations. Commands: serve, settings, token, timer.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCommand())
	root.AddCommand(newSettingsCommand())
	root.AddCommand(newTokenCommand())
	root.AddCommand(newTimerCommand())
	return root
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		log.Error().Err(err).Msg("finmentor failed")
		os.Exit(1)
	}
}
