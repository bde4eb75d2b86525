// Package cmd holds the voicemesh-client command tree.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	flagServer   string
	flagToken    string
	flagLogLevel string
	flagLogJSON  bool
)

var rootCmd = &cobra.Command{
	Use:   "voicemesh-client",
	Short: "Headless voice mesh client for hearthchat channels",
	Long: `voicemesh-client joins a voice channel through a voicemesh signaling
server and maintains WebRTC peer connections to every other member. It is
meant for bots, soak testing, and debugging mesh behavior without a browser.`,
}

// Execute runs the command tree. Called once from main.
func Execute() {
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagServer, "server", "http://127.0.0.1:8080",
		"base URL of the signaling server")
	rootCmd.PersistentFlags().StringVar(&flagToken, "token", "",
		"identity token presented at connect time")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info",
		"log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&flagLogJSON, "log-json", false,
		"emit logs as JSON")
}

func newLogger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(flagLogLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", flagLogLevel)
	}
	opts := &slog.HandlerOptions{Level: level}
	if flagLogJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
}
