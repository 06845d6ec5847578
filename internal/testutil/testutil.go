// Package testutil provides common test helpers for CoachPipe HTTP and store tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/genai"
	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/store"
)

// TB is the subset of testing.TB the helpers use.
type TB interface {
	Helper()
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes an APIResponse envelope and validates its status field.
func AssertJSONResponse(t TB, rr *httptest.ResponseRecorder, expectedStatus models.APIStatus) models.APIResponse {
	t.Helper()
	var response models.APIResponse
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
		return response
	}
	if response.Status != string(expectedStatus) {
		t.Errorf("expected status '%s', got '%s' (message %q)", expectedStatus, response.Status, response.Message)
	}
	return response
}

// DecodeResult re-decodes the result of an APIResponse into target.
func DecodeResult(t TB, response models.APIResponse, target interface{}) {
	t.Helper()
	MustUnmarshalJSON(t, MustMarshalJSON(t, response.Result), target)
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t TB, method, url string, body interface{}) *http.Request {
	t.Helper()
	reqBody := bytes.NewBuffer(nil)
	if body != nil {
		reqBody = bytes.NewBuffer(MustMarshalJSON(t, body))
	}
	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
		return nil
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t TB, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t TB, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}

// SeedConversations saves n two-message conversations for userID and returns their ids.
func SeedConversations(t TB, st store.Store, userID int64, n int) []int64 {
	t.Helper()
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	ids := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		id, err := st.SaveConversation(context.Background(), models.SaveConversationRequest{
			UserID: userID,
			Title:  fmt.Sprintf("Séance %d", i+1),
			Messages: []models.Message{
				{ID: fmt.Sprintf("ai-%d", i), Content: "Bonjour, parlons de tes valeurs.", Sender: models.SenderAI, Timestamp: base},
				{ID: fmt.Sprintf("user-%d", i), Content: fmt.Sprintf("Réponse %d", i+1), Sender: models.SenderUser, Timestamp: base.Add(time.Minute)},
			},
			Transcript: models.Transcript{Title: "entretien", Content: "Transcription de test", UploadDate: base},
		})
		if err != nil {
			t.Fatalf("failed to seed conversation: %v", err)
			return ids
		}
		ids = append(ids, id)
	}
	return ids
}

// StubResponder answers every request with Reply, or fails with Err.
type StubResponder struct {
	Reply string
	Err   error
}

// GetResponse implements flow.Responder.
func (s StubResponder) GetResponse(ctx context.Context, req genai.Request, settings models.AISettings) (string, error) {
	if s.Err != nil {
		return "", s.Err
	}
	return s.Reply, nil
}
