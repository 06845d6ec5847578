package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/BTreeMap/CoachPipe/internal/coaching"
)

var stepsCmd = &cobra.Command{
	Use:   "steps",
	Short: "Inspect coaching step files",
}

var stepsValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Check a steps file and list its step order",
	Args:  cobra.ExactArgs(1),
	RunE:  runStepsValidate,
}

func init() {
	stepsCmd.AddCommand(stepsValidateCmd)
	rootCmd.AddCommand(stepsCmd)
}

func runStepsValidate(cmd *cobra.Command, args []string) error {
	settings, err := coaching.LoadStepsFile(args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: %d steps\n", args[0], len(settings.StepOrder))
	for i, id := range settings.StepOrder {
		step, _ := settings.Step(id)
		fmt.Fprintf(out, "%2d. %s  %s (%d questions)\n", i+1, id, step.Title, len(step.Questions))
	}
	if len(settings.StepOrder) == 0 {
		fmt.Fprintln(out, "warning: no steps defined, sessions will run without step context")
	}
	fmt.Fprintf(out, "tonality: %s, follow-ups: %d, length: %s\n",
		strings.TrimSpace(settings.Tonality), settings.MaxFollowUps, settings.ResponseLength)
	return nil
}
