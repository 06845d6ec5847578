package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/testutil"
)

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}

func TestConversationsPostAndGet(t *testing.T) {
	for _, path := range []string{"/api/db", "/conversations"} {
		t.Run(path, func(t *testing.T) {
			s, _ := newTestServer(t, testutil.StubResponder{Reply: "ok"})

			body := models.SaveConversationRequest{
				UserID: 2,
				Title:  "Séance",
				Messages: []models.Message{
					{ID: "m1", Content: "Bonjour", Sender: models.SenderAI, Timestamp: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)},
				},
				Transcript: models.Transcript{Title: "entretien", Content: "Texte"},
			}
			rr := serve(s, testutil.CreateHTTPRequest(t, http.MethodPost, path, body))
			testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "POST")
			var created struct {
				ConversationID int64 `json:"conversationId"`
			}
			testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &created)
			if created.ConversationID <= 0 {
				t.Fatalf("expected a conversation id, got %s", rr.Body.String())
			}

			rr = serve(s, testutil.CreateHTTPRequest(t, http.MethodGet, path+"?conversationId="+itoa(created.ConversationID), nil))
			testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "GET detail")
			var detail models.ConversationDetail
			testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &detail)
			if detail.Title != "Séance" || len(detail.Messages) != 1 || detail.Transcript == nil {
				t.Errorf("unexpected detail %+v", detail)
			}

			rr = serve(s, testutil.CreateHTTPRequest(t, http.MethodGet, path+"?userId=2", nil))
			testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "GET list")
			var list []models.ConversationSummary
			testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &list)
			if len(list) != 1 || list[0].MessageCount != 1 {
				t.Errorf("unexpected list %+v", list)
			}
		})
	}
}

func TestConversationsDefaultUserAndEmptyList(t *testing.T) {
	s, st := newTestServer(t, testutil.StubResponder{Reply: "ok"})

	rr := serve(s, testutil.CreateHTTPRequest(t, http.MethodGet, "/api/db", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "empty list")
	if strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Errorf("expected empty JSON array, got %s", rr.Body.String())
	}

	testutil.SeedConversations(t, st, models.DefaultUserID, 2)
	rr = serve(s, testutil.CreateHTTPRequest(t, http.MethodGet, "/api/db?userId=abc", nil))
	var list []models.ConversationSummary
	testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &list)
	if len(list) != 2 {
		t.Errorf("unparsable userId should fall back to the default user, got %d conversations", len(list))
	}
}

func TestConversationsPut(t *testing.T) {
	s, st := newTestServer(t, testutil.StubResponder{Reply: "ok"})
	id := testutil.SeedConversations(t, st, 1, 1)[0]
	base := "/api/db?conversationId=" + itoa(id)

	rr := serve(s, testutil.CreateHTTPRequest(t, http.MethodPut, base+"&action=title", models.UpdateTitleRequest{Title: "Nouveau titre"}))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "PUT title")
	if !strings.Contains(rr.Body.String(), `"success":true`) {
		t.Errorf("unexpected body %s", rr.Body.String())
	}

	rr = serve(s, testutil.CreateHTTPRequest(t, http.MethodPut, base+"&action=favorite", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "PUT favorite")
	var res dbSuccess
	testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &res)
	if !res.Success || res.IsFavorite == nil || !*res.IsFavorite {
		t.Errorf("unexpected favorite response %s", rr.Body.String())
	}

	detail, err := st.GetConversation(t.Context(), id)
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if detail.Title != "Nouveau titre" || !detail.IsFavorite {
		t.Errorf("updates not applied: %+v", detail.ConversationSummary)
	}

	rr = serve(s, testutil.CreateHTTPRequest(t, http.MethodPut, base+"&action=archive", nil))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "PUT unknown action")

	rr = serve(s, testutil.CreateHTTPRequest(t, http.MethodPut, base+"&action=title", models.UpdateTitleRequest{}))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "PUT empty title")

	rr = serve(s, testutil.CreateHTTPRequest(t, http.MethodPut, "/api/db?conversationId=999&action=favorite", nil))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "PUT missing conversation")
}

func TestConversationsDelete(t *testing.T) {
	s, st := newTestServer(t, testutil.StubResponder{Reply: "ok"})
	id := testutil.SeedConversations(t, st, 1, 1)[0]

	rr := serve(s, testutil.CreateHTTPRequest(t, http.MethodDelete, "/api/db?conversationId="+itoa(id), nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "DELETE")

	rr = serve(s, testutil.CreateHTTPRequest(t, http.MethodGet, "/api/db?conversationId="+itoa(id), nil))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "GET deleted")
	if !strings.Contains(rr.Body.String(), `"error"`) {
		t.Errorf("expected bare error body, got %s", rr.Body.String())
	}
}

func TestConversationsBadRequests(t *testing.T) {
	s, _ := newTestServer(t, testutil.StubResponder{Reply: "ok"})

	tests := []struct {
		name   string
		method string
		url    string
		body   string
	}{
		{"invalid id", http.MethodGet, "/api/db?conversationId=abc", ""},
		{"negative id", http.MethodDelete, "/api/db?conversationId=-3", ""},
		{"missing id", http.MethodDelete, "/api/db", ""},
		{"invalid json", http.MethodPost, "/api/db", "{"},
		{"missing title", http.MethodPost, "/api/db", `{"messages":[]}`},
		{"invalid sender", http.MethodPost, "/api/db", `{"title":"t","messages":[{"content":"x","sender":"bot"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.url, strings.NewReader(tt.body))
			rr := serve(s, req)
			testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, tt.name)
			var body map[string]string
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil || body["error"] == "" {
				t.Errorf("expected bare error body, got %s", rr.Body.String())
			}
		})
	}
}

func TestConversationsMethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t, testutil.StubResponder{Reply: "ok"})
	rr := serve(s, httptest.NewRequest(http.MethodPatch, "/api/db", nil))
	testutil.AssertHTTPStatus(t, http.StatusMethodNotAllowed, rr.Code, "PATCH")
	if got := rr.Header().Get("Allow"); got != "GET, POST, PUT, DELETE" {
		t.Errorf("unexpected Allow header %q", got)
	}
	if rr.Body.String() != "Method PATCH Not Allowed" {
		t.Errorf("unexpected body %q", rr.Body.String())
	}
}

func TestStatusForInternalError(t *testing.T) {
	status, msg := statusFor(errors.New("disk full"))
	if status != http.StatusInternalServerError || msg != "Internal server error" {
		t.Errorf("unexpected mapping %d %q", status, msg)
	}
}
