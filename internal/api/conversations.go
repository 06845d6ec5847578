package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/store"
)

// conversationsAllow lists the methods of the conversation endpoint.
var conversationsAllow = strings.Join([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete}, ", ")

// dbError is the bare error body of the conversation endpoint.
type dbError struct {
	Error string `json:"error"`
}

type dbSuccess struct {
	Success    bool  `json:"success"`
	IsFavorite *bool `json:"isFavorite,omitempty"`
}

var errInternal = dbError{Error: "Internal Server Error"}

// conversationsHandler serves the conversation history store over one URL,
// dispatching on the method and the action query parameter. Unlike the session
// routes it answers with bare JSON bodies.
func (s *Server) conversationsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.conversationsHandler: processing request", "method", r.Method, "query", r.URL.RawQuery)

	switch r.Method {
	case http.MethodGet:
		s.getConversations(w, r)
	case http.MethodPost:
		s.saveConversation(w, r)
	case http.MethodPut:
		s.updateConversation(w, r)
	case http.MethodDelete:
		s.deleteConversation(w, r)
	default:
		w.Header().Set("Allow", conversationsAllow)
		slog.Warn("Server.conversationsHandler: method not allowed", "method", r.Method)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusMethodNotAllowed)
		fmt.Fprintf(w, "Method %s Not Allowed", r.Method)
	}
}

// writeDBError maps store errors to the conversation endpoint's error bodies.
func writeDBError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, store.ErrConversationNotFound) {
		slog.Warn("Server."+op+": conversation not found", "error", err)
		writeJSONResponse(w, http.StatusNotFound, dbError{Error: "Conversation not found"})
		return
	}
	slog.Error("Server."+op+": store operation failed", "error", err)
	writeJSONResponse(w, http.StatusInternalServerError, errInternal)
}

// queryID parses a positive int64 query parameter.
func queryID(r *http.Request, name string) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, fmt.Errorf("missing %s", name)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return id, nil
}

// queryUserID reads userId, falling back to the default user for missing or unparsable values.
func queryUserID(r *http.Request) int64 {
	id, err := strconv.ParseInt(r.URL.Query().Get("userId"), 10, 64)
	if err != nil || id <= 0 {
		return models.DefaultUserID
	}
	return id
}

func (s *Server) getConversations(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Has("conversationId") {
		id, err := queryID(r, "conversationId")
		if err != nil {
			writeJSONResponse(w, http.StatusBadRequest, dbError{Error: err.Error()})
			return
		}
		detail, err := s.st.GetConversation(r.Context(), id)
		if err != nil {
			writeDBError(w, "getConversations", err)
			return
		}
		writeJSONResponse(w, http.StatusOK, detail)
		return
	}

	userID := queryUserID(r)
	list, err := s.st.GetConversations(r.Context(), userID)
	if err != nil {
		writeDBError(w, "getConversations", err)
		return
	}
	slog.Debug("Server.getConversations: listed conversations", "userID", userID, "count", len(list))
	writeJSONResponse(w, http.StatusOK, list)
}

func (s *Server) saveConversation(w http.ResponseWriter, r *http.Request) {
	var req models.SaveConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.saveConversation: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, dbError{Error: "Invalid JSON format"})
		return
	}
	if req.UserID <= 0 {
		req.UserID = models.DefaultUserID
	}
	if err := req.Validate(); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			writeJSONResponse(w, http.StatusBadRequest, dbError{Error: verrs.Error()})
			return
		}
		writeJSONResponse(w, http.StatusBadRequest, dbError{Error: err.Error()})
		return
	}

	id, err := s.st.SaveConversation(r.Context(), req)
	if err != nil {
		writeDBError(w, "saveConversation", err)
		return
	}
	slog.Info("Server.saveConversation: conversation saved", "conversationID", id, "userID", req.UserID)
	writeJSONResponse(w, http.StatusCreated, map[string]int64{"conversationId": id})
}

func (s *Server) updateConversation(w http.ResponseWriter, r *http.Request) {
	id, err := queryID(r, "conversationId")
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, dbError{Error: err.Error()})
		return
	}

	switch action := r.URL.Query().Get("action"); action {
	case "title":
		var req models.UpdateTitleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONResponse(w, http.StatusBadRequest, dbError{Error: "Invalid JSON format"})
			return
		}
		req.Title = strings.TrimSpace(req.Title)
		if err := req.Validate(); err != nil {
			writeJSONResponse(w, http.StatusBadRequest, dbError{Error: "Title is required"})
			return
		}
		if err := s.st.UpdateConversationTitle(r.Context(), id, req.Title); err != nil {
			writeDBError(w, "updateConversation", err)
			return
		}
		writeJSONResponse(w, http.StatusOK, dbSuccess{Success: true})
	case "favorite":
		fav, err := s.st.ToggleFavorite(r.Context(), id)
		if err != nil {
			writeDBError(w, "updateConversation", err)
			return
		}
		writeJSONResponse(w, http.StatusOK, dbSuccess{Success: true, IsFavorite: &fav})
	default:
		slog.Warn("Server.updateConversation: unknown action", "action", action)
		writeJSONResponse(w, http.StatusBadRequest, dbError{Error: "Invalid action"})
	}
}

func (s *Server) deleteConversation(w http.ResponseWriter, r *http.Request) {
	id, err := queryID(r, "conversationId")
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, dbError{Error: err.Error()})
		return
	}
	if err := s.st.DeleteConversation(r.Context(), id); err != nil {
		writeDBError(w, "deleteConversation", err)
		return
	}
	slog.Info("Server.deleteConversation: conversation deleted", "conversationID", id)
	writeJSONResponse(w, http.StatusOK, dbSuccess{Success: true})
}
