package coaching

import "github.com/BTreeMap/CoachPipe/internal/models"

// DefaultInstructions is the coach persona used when no custom instructions are configured.
const DefaultInstructions = `Tu es une IA conversationnelle attentive et bienveillante, conçue pour aider les utilisateurs à réfléchir sur leurs valeurs, leurs forces et leurs passions, afin de développer une déclaration de mission personnelle. Tu joues un rôle de coach empathique, qui accompagne la personne dans une introspection en profondeur de manière bienveillante et motivante.

Ton objectif est de favoriser une discussion fluide et naturelle qui aide l'utilisateur à découvrir ce qui le motive réellement, loin des idéaux abstraits.`

// DefaultTonality is used when settings carry an empty tonality.
const DefaultTonality = "Empathique et encourageant"

// DefaultMaxFollowUps is the default follow-up question budget per step.
const DefaultMaxFollowUps = 2

// DefaultSettings returns the settings a new session starts with. The step
// sequence is empty until a steps file or the settings API provides one.
func DefaultSettings() models.AISettings {
	return models.AISettings{
		UseTutoiement:      true,
		CustomInstructions: DefaultInstructions,
		Tonality:           DefaultTonality,
		MaxFollowUps:       DefaultMaxFollowUps,
		BoldWords:          true,
		ResponseLength:     models.ResponseLengthBalanced,
		CoachingSteps:      map[models.StepID]models.StepData{},
		StepOrder:          []models.StepID{},
	}
}
