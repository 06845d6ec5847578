// Command CoachPipe serves the mission-statement coaching chat and provides
// maintenance tools for transcripts and coaching step files.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "CoachPipe",
	Short:         "Coaching chat server for personal mission statements",
	Long:          "CoachPipe guides a user through coaching steps grounded in an uploaded interview transcript, backed by an OpenAI chat model.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		initializeLogger(os.Getenv("LOG_LEVEL"))
	},
}

func main() {
	// A missing .env file is normal in production.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// parseLogLevel maps LOG_LEVEL values to slog levels. Unknown values select info.
func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// initializeLogger sets up structured logging on stdout.
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}
