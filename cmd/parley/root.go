package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "parley",
		Short: "parley - voice and text relay between Telegram and an AI model",
		Long: `parley polls Telegram for messages, transcribes voice notes, asks the
configured model for an answer and replies in the same chat. Each user's
conversation history is kept so follow-up questions have context.

Examples:
  parley serve
  parley serve --config ./parley.yaml
  parley events --json`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newEventsCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to a YAML config file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
