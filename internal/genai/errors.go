package genai

import (
	"errors"
	"fmt"
)

// User-facing French messages for the terminal failure modes.
const (
	RateLimitMessage        = "Trop de requêtes. Attends un moment avant de réessayer."
	ExhaustedRetriesMessage = "Désolé, je n'arrive pas à obtenir une réponse après plusieurs essais. Peux-tu réessayer?"
	// NoResponseGenerated is returned in place of an empty completion.
	NoResponseGenerated = "Aucune réponse générée"
)

var (
	// ErrRateLimitExceeded is returned when the local token bucket is empty.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	// ErrMissingAPIKey is returned by every attempt when no API key is configured.
	ErrMissingAPIKey = errors.New("OPENAI_API_KEY not set")
)

// ExhaustedRetriesError is returned after the last failed attempt. Err holds the
// final provider error for logging; it is not meant for end users.
type ExhaustedRetriesError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedRetriesError) Error() string {
	return fmt.Sprintf("no response after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedRetriesError) Unwrap() error {
	return e.Err
}

// UserMessage returns the message to show the user.
func (e *ExhaustedRetriesError) UserMessage() string {
	return ExhaustedRetriesMessage
}
