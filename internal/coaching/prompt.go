package coaching

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

// CompletionMarker is appended by the assistant when the current step's objective is met.
const CompletionMarker = "[ÉTAPE_COMPLÉTÉE]"

// InitialAnalysisPrompt starts a conversation right after a transcript upload.
const InitialAnalysisPrompt = "Analyse cette transcription et commence notre conversation en partageant tes observations sur les valeurs et motivations qui ressortent. Aide-moi à explorer ce qui me motive vraiment, en te basant sur la réalité de mes actions et de mes choix quotidiens."

// ExtractCompletion strips every completion marker from text and reports
// whether one was present.
func ExtractCompletion(text string) (string, bool) {
	if !strings.Contains(text, CompletionMarker) {
		return strings.TrimSpace(text), false
	}
	return strings.TrimSpace(strings.ReplaceAll(text, CompletionMarker, "")), true
}

// StepContext describes the current step to the assistant and tells it how to
// signal completion.
func StepContext(step models.StepData) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Nous sommes à l'étape %q du processus de coaching.\n", step.Title)
	if step.Description != "" {
		b.WriteString(step.Description)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Question actuelle : %s\n\n", step.MainQuestion())
	b.WriteString("Règles importantes:\n")
	b.WriteString("1. Reste concentré sur l'objectif de cette étape\n")
	b.WriteString("2. Ne passe pas à l'étape suivante tant que celle-ci n'est pas complétée\n")
	fmt.Fprintf(&b, "3. Quand l'étape est complétée, termine ta réponse par la phrase exacte: %q", CompletionMarker)
	return b.String()
}
