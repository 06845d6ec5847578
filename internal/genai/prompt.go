package genai

import (
	"strings"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

const defaultTonality = "Empathique et encourageant"

// TopicRefusal is the sentence the assistant must use for questions unrelated to the transcript.
const TopicRefusal = "Je suis désolé, mais je ne peux répondre qu'aux questions en lien avec la transcription fournie. Pourrais-tu me poser une question sur le contenu de la transcription ?"

const (
	tutoiementRule  = "Utilise EXCLUSIVEMENT le tutoiement (tu, ton, ta, tes), JAMAIS le vouvoiement"
	vouvoiementRule = "Utilise EXCLUSIVEMENT le vouvoiement (vous, votre, vos), JAMAIS le tutoiement"
)

const communicationRules = `- Pour la PREMIÈRE réponse uniquement: commence par "Bonjour !" de manière chaleureuse
- Pour TOUTES les autres réponses: NE commence PAS par des salutations, entre directement dans le sujet
- Structure tes réponses avec des sauts de ligne pour une meilleure lisibilité
- Évite les listes numérotées formelles, préfère une discussion fluide
- Pose des questions ouvertes et encourageantes
- Reformule les idées de manière empathique
- RÈGLE CRUCIALE: Réponds UNIQUEMENT aux questions en lien avec la transcription fournie. Si la question n'est pas liée à la transcription, réponds poliment: "` + TopicRefusal + `"`

const boldRules = `RÈGLES DE MISE EN GRAS IMPORTANTES:
Utilise le format markdown **texte** pour mettre en gras de manière modérée:
1. Les valeurs et qualités principales:
   - Les valeurs personnelles importantes (ex: "**l'authenticité**")
   - Les qualités marquantes (ex: "**ta capacité d'adaptation**")

2. Les moments clés:
   - Les événements significatifs (ex: "**quand tu as pris cette décision**")
   - Les réalisations importantes (ex: "**lorsque tu as accompli**")

3. Les insights majeurs:
   - Les découvertes importantes (ex: "**je remarque que**")
   - Les conclusions significatives (ex: "**ce qui montre**")

4. Les questions essentielles:
   - Les questions de réflexion clés (ex: "**qu'est-ce qui te motive vraiment ?**")

5. Les émotions significatives:
   - Les émotions importantes (ex: "**tu sembles enthousiaste**")

IMPORTANT: Utilise le gras avec modération, en visant 1-2 éléments par paragraphe pour une meilleure lisibilité.`

var lengthGuidance = map[models.ResponseLength]string{
	models.ResponseLengthConcise: "- Sois bref et direct, va droit à l'essentiel\n" +
		"- Limite-toi à 2-3 phrases par point\n" +
		"- Évite les détails non essentiels",
	models.ResponseLengthDetailed: "- Fournis des explications détaillées et approfondies\n" +
		"- Développe chaque point avec des exemples\n" +
		"- Explore les nuances et les implications",
	models.ResponseLengthBalanced: "- Maintiens un équilibre entre concision et détail\n" +
		"- Fournis suffisamment de contexte sans être verbeux\n" +
		"- Reste pertinent et informatif",
}

// userMessageLabel separates a step context from the user's message in the user turn.
const userMessageLabel = "\n\nMessage de l'utilisateur: "

// BuildSystemPrompt assembles the system message from the settings and an
// already sanitized transcript.
func BuildSystemPrompt(settings models.AISettings, transcript string) string {
	var b strings.Builder
	b.WriteString(settings.CustomInstructions)
	b.WriteString("\n\nRègles de Communication IMPORTANTES:\n- ")
	if settings.UseTutoiement {
		b.WriteString(tutoiementRule)
	} else {
		b.WriteString(vouvoiementRule)
	}
	b.WriteString("\n")
	b.WriteString(communicationRules)
	b.WriteString("\n\n")

	if settings.BoldWords {
		b.WriteString(boldRules)
	}

	b.WriteString("\n\nLongueur des réponses:\n")
	guidance, ok := lengthGuidance[settings.ResponseLength]
	if !ok {
		guidance = lengthGuidance[models.ResponseLengthBalanced]
	}
	b.WriteString(guidance)

	tonality := settings.Tonality
	if tonality == "" {
		tonality = defaultTonality
	}
	b.WriteString("\n\nTonalité à adopter: ")
	b.WriteString(tonality)

	b.WriteString("\n\nVoici la transcription à analyser: ")
	b.WriteString(transcript)
	return b.String()
}

// BuildUserTurn prefixes the sanitized message with the step context, if any.
func BuildUserTurn(stepContext, message string) string {
	if stepContext == "" {
		return message
	}
	return stepContext + userMessageLabel + message
}

// MaxTokensFor maps a response length to the completion token budget.
func MaxTokensFor(length models.ResponseLength) int {
	return length.MaxTokens()
}
