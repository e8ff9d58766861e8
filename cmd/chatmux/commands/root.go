// Package commands implements the chatmux CLI commands using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "chatmux",
		Short: "chatmux - multi-provider AI chat engine",
		Long: `chatmux routes chat requests across multiple AI providers with
automatic task classification, retry with backoff, and provider fallback.

Examples:
  chatmux chat "explain this stack trace"
  chatmux serve --config ./config.yaml
  chatmux setup`,
		Version: version,
	}

	rootCmd.AddCommand(
		newChatCmd(),
		newServeCmd(),
		newSetupCmd(),
		newConversationsCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
