package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/BTreeMap/CoachPipe/internal/transcript"
)

var cleanCmd = &cobra.Command{
	Use:   "clean <file>",
	Short: "Clean a transcript and print the result with its statistics as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runClean,
}

func init() {
	rootCmd.AddCommand(cleanCmd)
}

func runClean(cmd *cobra.Command, args []string) error {
	path := args[0]
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open transcript: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat transcript: %w", err)
	}
	if err := transcript.Validate(info.Size(), transcript.ContentTypeFor(path, "")); err != nil {
		return err
	}
	text, err := transcript.Read(f)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(transcript.Clean(text))
}
