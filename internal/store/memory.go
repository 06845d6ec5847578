package store

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

type memConversation struct {
	summary    models.ConversationSummary
	messages   []models.Message
	transcript *models.Transcript
}

// InMemoryStore keeps conversations in process memory. It is safe for concurrent use.
type InMemoryStore struct {
	mu            sync.RWMutex
	nextID        int64
	conversations map[int64]*memConversation
	now           func() time.Time
}

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		conversations: make(map[int64]*memConversation),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (s *InMemoryStore) SaveConversation(ctx context.Context, req models.SaveConversationRequest) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	now := s.now()
	userID := req.UserID
	if userID == 0 {
		userID = models.DefaultUserID
	}
	conv := &memConversation{
		summary: models.ConversationSummary{
			ID:         s.nextID,
			UserID:     userID,
			Title:      req.Title,
			IsFavorite: req.IsFavorite,
			CreatedAt:  now,
			UpdatedAt:  now,
		},
		messages: slices.Clone(req.Messages),
	}
	if req.Transcript.Content != "" {
		t := req.Transcript
		conv.transcript = &t
	}
	s.conversations[conv.summary.ID] = conv
	slog.Debug("InMemoryStore.SaveConversation succeeded", "id", conv.summary.ID, "messages", len(req.Messages))
	return conv.summary.ID, nil
}

func (s *InMemoryStore) GetConversations(ctx context.Context, userID int64) ([]models.ConversationSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []models.ConversationSummary{}
	for _, conv := range s.conversations {
		if conv.summary.UserID != userID {
			continue
		}
		out = append(out, s.summarize(conv))
	}
	slices.SortFunc(out, func(a, b models.ConversationSummary) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	return out, nil
}

func (s *InMemoryStore) summarize(conv *memConversation) models.ConversationSummary {
	sum := conv.summary
	sum.MessageCount = len(conv.messages)
	if n := len(conv.messages); n > 0 {
		sum.Preview = preview(conv.messages[n-1].Content)
	}
	return sum
}

func (s *InMemoryStore) GetConversation(ctx context.Context, id int64) (*models.ConversationDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrConversationNotFound, id)
	}
	messages := slices.Clone(conv.messages)
	slices.SortStableFunc(messages, func(a, b models.Message) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	detail := &models.ConversationDetail{
		ConversationSummary: s.summarize(conv),
		Messages:            messages,
	}
	if conv.transcript != nil {
		t := *conv.transcript
		detail.Transcript = &t
	}
	return detail, nil
}

func (s *InMemoryStore) UpdateConversationTitle(ctx context.Context, id int64, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrConversationNotFound, id)
	}
	conv.summary.Title = title
	conv.summary.UpdatedAt = s.now()
	return nil
}

func (s *InMemoryStore) ToggleFavorite(ctx context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok {
		return false, fmt.Errorf("%w: %d", ErrConversationNotFound, id)
	}
	conv.summary.IsFavorite = !conv.summary.IsFavorite
	conv.summary.UpdatedAt = s.now()
	return conv.summary.IsFavorite, nil
}

func (s *InMemoryStore) DeleteConversation(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[id]; !ok {
		return fmt.Errorf("%w: %d", ErrConversationNotFound, id)
	}
	delete(s.conversations, id)
	return nil
}

func (s *InMemoryStore) AppendMessages(ctx context.Context, id int64, messages []models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrConversationNotFound, id)
	}
	conv.messages = append(conv.messages, messages...)
	conv.summary.UpdatedAt = s.now()
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
