package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/BTreeMap/CoachPipe/internal/coaching"
	"github.com/BTreeMap/CoachPipe/internal/flow"
	"github.com/BTreeMap/CoachPipe/internal/genai"
	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/store"
	"github.com/BTreeMap/CoachPipe/internal/transcript"
)

// Pre-marshaled fallback responses to avoid runtime JSON encoding failures
var (
	fallbackErrorResponse []byte
)

// init validates that our fallback responses can be marshaled
func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSONResponse writes a JSON response to the http.ResponseWriter with the given status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	// Marshal first so encoding errors surface before headers are written.
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(jsonData); writeErr != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", writeErr)
	}
}

// userMessager is implemented by errors that carry a message meant for end users.
type userMessager interface {
	UserMessage() string
}

// statusFor maps a domain error to an HTTP status and a client-facing message.
func statusFor(err error) (int, string) {
	var um userMessager
	var verrs validator.ValidationErrors
	switch {
	case errors.Is(err, genai.ErrRateLimitExceeded):
		return http.StatusTooManyRequests, genai.RateLimitMessage
	case errors.As(err, new(*transcript.ValidationError)), errors.As(err, new(*transcript.ReadError)):
		errors.As(err, &um)
		return http.StatusBadRequest, um.UserMessage()
	case errors.As(err, &verrs):
		return http.StatusBadRequest, verrs.Error()
	case errors.Is(err, models.ErrEmptyMessage),
		errors.Is(err, models.ErrMaxFollowUpsOutOfRange),
		errors.Is(err, models.ErrInvalidResponseLength),
		errors.Is(err, models.ErrStepOrderMismatch),
		errors.Is(err, models.ErrDuplicateStepInOrder),
		errors.Is(err, models.ErrUnknownStep):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, flow.ErrSessionNotFound),
		errors.Is(err, flow.ErrMessageNotFound),
		errors.Is(err, store.ErrConversationNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, flow.ErrSessionBusy), errors.Is(err, coaching.ErrEmptyStepOrder):
		return http.StatusConflict, err.Error()
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

// writeError writes err in the models.APIResponse envelope.
func writeError(w http.ResponseWriter, handler string, err error) {
	status, msg := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("Server."+handler+": request failed", "error", err)
	} else {
		slog.Warn("Server."+handler+": request rejected", "error", err, "status", status)
	}
	writeJSONResponse(w, status, models.Error(msg))
}
