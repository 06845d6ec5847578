package flow

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

// sync mirrors a session to the store. The first call creates the
// conversation; later calls append the messages not stored yet. Failures are
// logged and retried on the next sync.
func (m *Manager) sync(ctx context.Context, s *Session) {
	ctx = context.WithoutCancel(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.messages) == 0 {
		return
	}
	if s.conversationID == 0 {
		id, err := m.store.SaveConversation(ctx, models.SaveConversationRequest{
			UserID:     s.userID,
			Title:      s.title,
			Messages:   slices.Clone(s.messages),
			Transcript: s.transcript,
			IsFavorite: s.favorite,
		})
		if err != nil {
			slog.Error("Manager.sync: failed to save conversation", "error", err, "sessionID", s.id)
			return
		}
		s.conversationID = id
		s.stored = len(s.messages)
		slog.Debug("Manager.sync: conversation created", "sessionID", s.id, "conversationID", id)
		return
	}

	pending := s.messages[s.stored:]
	if len(pending) == 0 {
		return
	}
	if err := m.store.AppendMessages(ctx, s.conversationID, slices.Clone(pending)); err != nil {
		slog.Error("Manager.sync: failed to append messages", "error", err, "sessionID", s.id, "conversationID", s.conversationID)
		return
	}
	s.stored = len(s.messages)
	slog.Debug("Manager.sync: messages appended", "sessionID", s.id, "count", len(pending))
}

// ToggleFavorite flips the session's favorite flag and returns the new value.
func (m *Manager) ToggleFavorite(ctx context.Context, id string) (bool, error) {
	s, err := m.session(id)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conversationID == 0 {
		s.favorite = !s.favorite
		return s.favorite, nil
	}
	fav, err := m.store.ToggleFavorite(ctx, s.conversationID)
	if err != nil {
		slog.Error("Manager.ToggleFavorite: store update failed", "error", err, "sessionID", id)
		return s.favorite, err
	}
	s.favorite = fav
	return fav, nil
}

// Rename sets the session's title.
func (m *Manager) Rename(ctx context.Context, id, title string) error {
	title = strings.TrimSpace(title)
	req := models.UpdateTitleRequest{Title: title}
	if err := req.Validate(); err != nil {
		return err
	}
	s, err := m.session(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conversationID != 0 {
		if err := m.store.UpdateConversationTitle(ctx, s.conversationID, title); err != nil {
			slog.Error("Manager.Rename: store update failed", "error", err, "sessionID", id)
			return err
		}
	}
	s.title = title
	s.transcript.Title = title
	return nil
}

// SearchHistory lists a user's stored conversations whose title or preview
// contains query, ignoring case. An empty query lists everything.
func (m *Manager) SearchHistory(ctx context.Context, userID int64, query string) ([]models.ConversationSummary, error) {
	if userID == 0 {
		userID = models.DefaultUserID
	}
	all, err := m.store.GetConversations(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return all, nil
	}
	return slices.DeleteFunc(all, func(c models.ConversationSummary) bool {
		return !strings.Contains(strings.ToLower(c.Title), query) &&
			!strings.Contains(strings.ToLower(c.Preview), query)
	}), nil
}
