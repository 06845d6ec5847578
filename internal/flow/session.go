package flow

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/coaching"
	"github.com/BTreeMap/CoachPipe/internal/models"
)

// Session is one live coaching conversation. All fields are guarded by mu.
type Session struct {
	mu sync.Mutex

	id         string
	userID     int64
	title      string
	favorite   bool
	transcript models.Transcript
	settings   models.AISettings
	// tracker is nil while the step order is empty.
	tracker  *coaching.Tracker
	messages []models.Message
	busy     bool
	started  time.Time

	// conversationID is 0 until the first successful sync; stored counts the
	// messages already persisted.
	conversationID int64
	stored         int
}

// ProgressView is a session's progress with the derived display values.
type ProgressView struct {
	models.Progress
	CanProceedToNext bool    `json:"canProceedToNext"`
	StepIndex        int     `json:"stepIndex"`
	StepCount        int     `json:"stepCount"`
	Percent          float64 `json:"percent"`
	StepTitle        string  `json:"stepTitle,omitempty"`
}

// View is a read-only copy of a session.
type View struct {
	ID             string            `json:"id"`
	UserID         int64             `json:"userId"`
	Title          string            `json:"title"`
	IsFavorite     bool              `json:"isFavorite"`
	ConversationID int64             `json:"conversationId,omitempty"`
	Transcript     models.Transcript `json:"transcript"`
	Messages       []models.Message  `json:"messages"`
	Progress       *ProgressView     `json:"progress,omitempty"`
	Busy           bool              `json:"busy"`
}

// Reply is the outcome of SendMessage.
type Reply struct {
	Message       models.Message `json:"message"`
	Progress      *ProgressView  `json:"progress,omitempty"`
	StepCompleted bool           `json:"stepCompleted"`
	// Failed is set when Message is the fallback error reply.
	Failed bool `json:"failed"`
}

func (s *Session) resetTracker() {
	t, err := coaching.NewTracker(s.settings.StepOrder)
	if err != nil {
		s.tracker = nil
		return
	}
	s.tracker = t
}

// replaceSettings validates and installs next. The tracker keeps its position
// when the current step survives the change and restarts otherwise. Callers hold s.mu.
func (s *Session) replaceSettings(next models.AISettings) error {
	if err := next.Validate(); err != nil {
		return err
	}
	s.settings = next
	if s.tracker == nil || s.tracker.Rebind(next.StepOrder) != nil {
		slog.Info("Session.replaceSettings: step order changed, restarting progress", "sessionID", s.id)
		s.resetTracker()
	}
	return nil
}

func (s *Session) progressView() *ProgressView {
	if s.tracker == nil {
		return nil
	}
	idx, total := s.tracker.Position()
	pv := &ProgressView{
		Progress:         s.tracker.Progress(),
		CanProceedToNext: s.tracker.CanProceedToNext(),
		StepIndex:        idx,
		StepCount:        total,
		Percent:          s.tracker.Percent(),
	}
	if data, err := s.tracker.CurrentStepData(s.settings); err == nil {
		pv.StepTitle = data.Title
	}
	return pv
}

func (s *Session) view() View {
	return View{
		ID:             s.id,
		UserID:         s.userID,
		Title:          s.title,
		IsFavorite:     s.favorite,
		ConversationID: s.conversationID,
		Transcript:     s.transcript,
		Messages:       slices.Clone(s.messages),
		Progress:       s.progressView(),
		Busy:           s.busy,
	}
}

func (s *Session) message(id string) (int, bool) {
	i := slices.IndexFunc(s.messages, func(m models.Message) bool { return m.ID == id })
	return i, i >= 0
}

// snapshot builds the data captured for later tuning.
func (s *Session) snapshot(now time.Time, last *models.FeedbackRecord) models.ConversationData {
	turns := make([]models.ConversationTurn, 0, len(s.messages))
	for _, m := range s.messages {
		fb := m.Feedback
		if fb == models.FeedbackNone {
			fb = ""
		}
		turns = append(turns, models.ConversationTurn{
			Role:      m.Sender,
			Content:   m.Content,
			Timestamp: m.Timestamp,
			Feedback:  fb,
		})
	}
	return models.ConversationData{
		UserID:       s.userID,
		Transcript:   s.transcript.Content,
		Conversation: turns,
		Metadata: models.ConversationMetadata{
			UploadDate:      s.transcript.UploadDate,
			TranscriptTitle: s.transcript.Title,
			SessionDuration: now.Sub(s.started),
			LastFeedback:    last,
		},
	}
}
