// Christ Community chat assistant: development API server and terminal client.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/christ-community/landing-page-sub000/internal/config"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	verbose bool
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "chatbot",
	Short: "Christ Community chat assistant",
	Long: `chatbot runs the Christ Community chat API for local development
and a terminal chat client that talks to it.

Configuration is read from the environment and an optional .env file.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(newLogger(cmd.Name(), level))

		if err := godotenv.Load(); err != nil {
			slog.Debug("No .env file found, using environment variables")
		}

		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}
		return nil
	},
}

// newLogger logs JSON to stdout for the server. The interactive client keeps
// stdout for the transcript, so it logs text to stderr.
func newLogger(command string, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if command == chatCmd.Name() {
		if !verbose {
			opts.Level = slog.LevelWarn
		}
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.AddCommand(serveCmd, chatCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
