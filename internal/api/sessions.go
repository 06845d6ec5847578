package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"strconv"

	"github.com/BTreeMap/CoachPipe/internal/flow"
	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/transcript"
)

// maxMultipartMemory caps the in-memory part of a multipart upload.
const maxMultipartMemory = 1 << 20

// multipartOverhead is allowed on top of transcript.MaxSize for multipart framing.
const multipartOverhead = 64 << 10

// startSessionHandler accepts a transcript either as a multipart "file" field
// or as a raw request body named by the X-Filename header.
func (s *Server) startSessionHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	slog.Debug("Server.startSessionHandler: processing upload", "contentType", r.Header.Get("Content-Type"))

	userID := queryUserID(r)
	up := flow.Upload{UserID: userID}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		r.Body = http.MaxBytesReader(w, r.Body, transcript.MaxSize+multipartOverhead)
		if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeJSONResponse(w, http.StatusBadRequest, models.Error(transcript.SizeErrorMessage))
				return
			}
			slog.Warn("Server.startSessionHandler: invalid multipart form", "error", err)
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid multipart form"))
			return
		}
		defer r.MultipartForm.RemoveAll()
		file, header, err := r.FormFile("file")
		if err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: file"))
			return
		}
		defer file.Close()
		up.Filename = header.Filename
		up.ContentType = header.Header.Get("Content-Type")
		up.Size = header.Size
		up.Body = file
		if v := r.FormValue("userId"); v != "" {
			if id, err := strconv.ParseInt(v, 10, 64); err == nil && id > 0 {
				up.UserID = id
			}
		}
	} else {
		up.Filename = r.Header.Get("X-Filename")
		up.ContentType = r.Header.Get("Content-Type")
		up.Size = r.ContentLength
		up.Body = r.Body
	}

	view, err := s.manager.StartSession(r.Context(), up)
	if err != nil {
		writeError(w, "startSessionHandler", err)
		return
	}
	slog.Info("Server.startSessionHandler: session started", "sessionID", view.ID)
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Session started", view))
}

func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	view, err := s.manager.Session(r.PathValue("id"))
	if err != nil {
		writeError(w, "getSessionHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(view))
}

func (s *Server) closeSessionHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Close(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, "closeSessionHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session closed", nil))
}

func (s *Server) sendMessageHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req models.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.sendMessageHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, "sendMessageHandler", models.ErrEmptyMessage)
		return
	}
	reply, err := s.manager.SendMessage(r.Context(), r.PathValue("id"), req.Content)
	if err != nil {
		writeError(w, "sendMessageHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(reply))
}

func (s *Server) progressHandler(w http.ResponseWriter, r *http.Request) {
	pv, err := s.manager.Progress(r.PathValue("id"))
	if err != nil {
		writeError(w, "progressHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(pv))
}

func (s *Server) nextStepHandler(w http.ResponseWriter, r *http.Request) {
	pv, err := s.manager.NextStep(r.PathValue("id"))
	if err != nil {
		writeError(w, "nextStepHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(pv))
}

func (s *Server) resetProgressHandler(w http.ResponseWriter, r *http.Request) {
	pv, err := s.manager.ResetProgress(r.PathValue("id"))
	if err != nil {
		writeError(w, "resetProgressHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Progress reset", pv))
}

func (s *Server) getSettingsHandler(w http.ResponseWriter, r *http.Request) {
	settings, err := s.manager.Settings(r.PathValue("id"))
	if err != nil {
		writeError(w, "getSettingsHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(settings))
}

func (s *Server) updateSettingsHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var update models.SettingsUpdate
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&update); err != nil {
		slog.Warn("Server.updateSettingsHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	settings, err := s.manager.UpdateSettings(r.PathValue("id"), update)
	if err != nil {
		writeError(w, "updateSettingsHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Settings updated", settings))
}

func (s *Server) editStepsHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var edit models.StepEdit
	if err := json.NewDecoder(r.Body).Decode(&edit); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	settings, err := s.manager.EditSteps(r.PathValue("id"), edit)
	if err != nil {
		writeError(w, "editStepsHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(settings))
}

func (s *Server) feedbackHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req models.FeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	fb, err := s.manager.Feedback(r.Context(), r.PathValue("id"), req)
	if err != nil {
		writeError(w, "feedbackHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]models.FeedbackType{"feedback": fb}))
}

func (s *Server) favoriteHandler(w http.ResponseWriter, r *http.Request) {
	fav, err := s.manager.ToggleFavorite(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, "favoriteHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]bool{"isFavorite": fav}))
}

func (s *Server) renameHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req models.UpdateTitleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := s.manager.Rename(r.Context(), r.PathValue("id"), req.Title); err != nil {
		writeError(w, "renameHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Title updated", nil))
}

func (s *Server) historyHandler(w http.ResponseWriter, r *http.Request) {
	list, err := s.manager.SearchHistory(r.Context(), queryUserID(r), r.URL.Query().Get("q"))
	if err != nil {
		writeError(w, "historyHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(list))
}

func (s *Server) openConversationHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("conversationId"), 10, 64)
	if err != nil || id <= 0 {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid conversation id"))
		return
	}
	view, err := s.manager.OpenConversation(r.Context(), id)
	if err != nil {
		writeError(w, "openConversationHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Session opened", view))
}
