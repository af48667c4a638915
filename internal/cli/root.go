// Package cli wires waveproxy's cobra command tree: serve and version.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "waveproxy",
	Short: "WaveProxy is a multi-channel AI-API reverse proxy",
	Long: `WaveProxy accepts client requests in one of three upstream API dialects
(Claude Messages, OpenAI Responses/Models, Google Gemini generateContent) and
forwards each to a pre-configured upstream channel, handling authentication
translation, model renaming, failover, per-session stickiness, circuit
breaking, streaming, metrics, and request history.`,
}

// Execute runs the root command, exiting the process on error.
func Execute() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to waveproxy.json (default: per-user config directory)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
