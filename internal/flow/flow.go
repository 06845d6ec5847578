// Package flow runs coaching sessions: a transcript upload, an initial analysis,
// then a chat that walks the user through the configured coaching steps.
//
// A Manager owns the live sessions. Each session keeps its own settings,
// progress tracker and messages in memory and is mirrored to a store.Store
// after every exchange.
package flow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/CoachPipe/internal/coaching"
	"github.com/BTreeMap/CoachPipe/internal/genai"
	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/store"
	"github.com/BTreeMap/CoachPipe/internal/transcript"
	"github.com/BTreeMap/CoachPipe/internal/util"
)

// Fallback assistant messages shown when the AI call fails.
const (
	AnalysisFailedMessage = "Désolé, j'ai rencontré une erreur lors de l'analyse initiale. Peux-tu me poser directement ta première question?"
	ReplyFailedMessage    = "Désolé, j'ai rencontré une erreur. Peux-tu réessayer?"
)

var (
	// ErrSessionNotFound is returned for unknown session ids.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionBusy is returned when a message is sent while the previous one is still in flight.
	ErrSessionBusy = errors.New("session is busy with another message")
	// ErrMessageNotFound is returned when feedback targets an unknown message.
	ErrMessageNotFound = errors.New("message not found")
)

// Responder produces assistant replies. *genai.Client implements it.
type Responder interface {
	GetResponse(ctx context.Context, req genai.Request, settings models.AISettings) (string, error)
}

// Upload is a transcript file handed to StartSession. A negative Size means unknown.
type Upload struct {
	UserID      int64
	Filename    string
	ContentType string
	Size        int64
	Body        io.Reader
}

// Opts holds configuration for a Manager.
type Opts struct {
	Store    store.Store
	Settings *models.AISettings
	Sink     FeedbackSink
	Now      func() time.Time
}

// Option defines a function that configures Opts.
type Option func(*Opts)

// WithStore sets the store conversations are mirrored to.
func WithStore(st store.Store) Option {
	return func(o *Opts) { o.Store = st }
}

// WithDefaultSettings sets the settings every new session starts with.
func WithDefaultSettings(s models.AISettings) Option {
	return func(o *Opts) { o.Settings = &s }
}

// WithFeedbackSink sets where feedback and end-of-session snapshots go.
func WithFeedbackSink(sink FeedbackSink) Option {
	return func(o *Opts) { o.Sink = sink }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Manager holds the live coaching sessions.
type Manager struct {
	responder Responder
	store     store.Store
	defaults  models.AISettings
	sink      FeedbackSink
	now       func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a Manager. Without WithStore conversations are kept in an
// in-memory store; without WithFeedbackSink snapshots are logged.
func NewManager(responder Responder, opts ...Option) (*Manager, error) {
	if responder == nil {
		return nil, fmt.Errorf("flow: responder is required")
	}
	cfg := Opts{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Store == nil {
		cfg.Store = store.NewInMemoryStore()
	}
	if cfg.Sink == nil {
		cfg.Sink = LogSink{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	defaults := coaching.DefaultSettings()
	if cfg.Settings != nil {
		if err := cfg.Settings.Validate(); err != nil {
			return nil, fmt.Errorf("invalid default settings: %w", err)
		}
		defaults = cfg.Settings.Clone()
	}
	slog.Debug("flow.NewManager: created", "steps", len(defaults.StepOrder))
	return &Manager{
		responder: responder,
		store:     cfg.Store,
		defaults:  defaults,
		sink:      cfg.Sink,
		now:       cfg.Now,
		sessions:  make(map[string]*Session),
	}, nil
}

// DefaultSettings returns a copy of the settings new sessions start with.
func (m *Manager) DefaultSettings() models.AISettings {
	return m.defaults.Clone()
}

// Store returns the conversation store.
func (m *Manager) Store() store.Store {
	return m.store
}

func (m *Manager) session(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

func (m *Manager) newMessage(sender models.Sender, content string) models.Message {
	return models.Message{
		ID:        uuid.NewString(),
		Content:   content,
		Sender:    sender,
		Timestamp: m.now().UTC(),
	}
}

// StartSession validates, reads and cleans an uploaded transcript, then opens a
// session whose first message is the assistant's initial analysis. AI failures
// do not fail the upload: the first message is then AnalysisFailedMessage.
func (m *Manager) StartSession(ctx context.Context, up Upload) (View, error) {
	contentType := transcript.ContentTypeFor(up.Filename, up.ContentType)
	if err := transcript.Validate(up.Size, contentType); err != nil {
		slog.Warn("Manager.StartSession: upload rejected", "error", err, "filename", up.Filename)
		return View{}, err
	}
	raw, err := transcript.Read(up.Body)
	if err != nil {
		slog.Warn("Manager.StartSession: read failed", "error", err, "filename", up.Filename)
		return View{}, err
	}
	cleaned := transcript.Clean(raw)
	slog.Info("Manager.StartSession: transcript cleaned",
		"originalLength", cleaned.Stats.OriginalLength, "cleanedLength", cleaned.Stats.CleanedLength,
		"duplicatesRemoved", cleaned.Stats.DuplicatesRemoved, "errorsFixed", cleaned.Stats.ErrorsFixed,
		"estimatedTokens", cleaned.Stats.EstimatedTokens)

	userID := up.UserID
	if userID == 0 {
		userID = models.DefaultUserID
	}
	now := m.now().UTC()
	title := transcript.TitleFromFilename(up.Filename)
	s := &Session{
		id:     util.GenerateSessionID(),
		userID: userID,
		title:  title,
		transcript: models.Transcript{
			ID:         uuid.NewString(),
			Content:    cleaned.Content,
			Title:      title,
			UploadDate: now,
		},
		settings: m.defaults.Clone(),
		started:  now,
	}
	s.resetTracker()

	reply, err := m.responder.GetResponse(ctx, genai.Request{
		Message:    coaching.InitialAnalysisPrompt,
		Transcript: s.transcript.Content,
	}, s.settings)
	if err != nil {
		slog.Error("Manager.StartSession: initial analysis failed", "error", err, "sessionID", s.id)
		reply = AnalysisFailedMessage
	}
	s.messages = append(s.messages, m.newMessage(models.SenderAI, reply))

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()
	slog.Info("Manager.StartSession: session started", "sessionID", s.id, "userID", userID, "title", title)

	m.sync(ctx, s)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view(), nil
}

// OpenConversation starts a session over a stored conversation so the user can
// continue it. Progress restarts at the first step.
func (m *Manager) OpenConversation(ctx context.Context, conversationID int64) (View, error) {
	detail, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		return View{}, err
	}
	s := &Session{
		id:             util.GenerateSessionID(),
		userID:         detail.UserID,
		title:          detail.Title,
		favorite:       detail.IsFavorite,
		settings:       m.defaults.Clone(),
		started:        m.now().UTC(),
		messages:       detail.Messages,
		conversationID: detail.ID,
		stored:         len(detail.Messages),
	}
	if detail.Transcript != nil {
		s.transcript = *detail.Transcript
	}
	s.resetTracker()

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()
	slog.Info("Manager.OpenConversation: session opened", "sessionID", s.id, "conversationID", conversationID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view(), nil
}

// Session returns the current view of a session.
func (m *Manager) Session(id string) (View, error) {
	s, err := m.session(id)
	if err != nil {
		return View{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view(), nil
}

// SendMessage sends a user message and returns the assistant's reply. A reply
// carrying the completion marker opens the gate to the next step. Only the
// rate limit is returned as an error; other AI failures become a
// ReplyFailedMessage in the conversation.
func (m *Manager) SendMessage(ctx context.Context, id, content string) (Reply, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Reply{}, models.ErrEmptyMessage
	}
	s, err := m.session(id)
	if err != nil {
		return Reply{}, err
	}

	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return Reply{}, ErrSessionBusy
	}
	s.busy = true
	userMsg := m.newMessage(models.SenderUser, content)
	s.messages = append(s.messages, userMsg)
	req := genai.Request{Message: content, Transcript: s.transcript.Content}
	var step models.StepID
	if s.tracker != nil {
		step = s.tracker.CurrentStep()
		if data, err := s.tracker.CurrentStepData(s.settings); err == nil {
			req.StepContext = coaching.StepContext(data)
		} else {
			slog.Warn("Manager.SendMessage: current step missing from settings", "error", err, "sessionID", id)
		}
	}
	settings := s.settings.Clone()
	s.mu.Unlock()

	text, err := m.responder.GetResponse(ctx, req, settings)

	s.mu.Lock()
	s.busy = false
	if errors.Is(err, genai.ErrRateLimitExceeded) {
		// Drop the user message so the client can resend it.
		s.messages = slices.DeleteFunc(s.messages, func(msg models.Message) bool { return msg.ID == userMsg.ID })
		s.mu.Unlock()
		return Reply{}, err
	}
	reply := Reply{}
	if err != nil {
		slog.Error("Manager.SendMessage: AI call failed", "error", err, "sessionID", id)
		reply.Failed = true
		text = ReplyFailedMessage
	} else {
		var completed bool
		text, completed = coaching.ExtractCompletion(text)
		if completed && s.tracker != nil {
			reply.StepCompleted = s.tracker.CompleteStep(step)
			slog.Info("Manager.SendMessage: step completion signalled", "sessionID", id, "step", step, "accepted", reply.StepCompleted)
		}
	}
	reply.Message = m.newMessage(models.SenderAI, text)
	s.messages = append(s.messages, reply.Message)
	reply.Progress = s.progressView()
	s.mu.Unlock()

	m.sync(ctx, s)
	return reply, nil
}

// NextStep advances the session when the current step has been completed.
func (m *Manager) NextStep(id string) (*ProgressView, error) {
	return m.withTracker(id, func(t *coaching.Tracker) {
		if !t.MoveToNextStep() {
			slog.Debug("Manager.NextStep: gate closed", "sessionID", id)
		}
	})
}

// ResetProgress returns the session to the first step.
func (m *Manager) ResetProgress(id string) (*ProgressView, error) {
	return m.withTracker(id, (*coaching.Tracker).ResetProgress)
}

// Progress returns the session's progress.
func (m *Manager) Progress(id string) (*ProgressView, error) {
	return m.withTracker(id, func(*coaching.Tracker) {})
}

func (m *Manager) withTracker(id string, fn func(*coaching.Tracker)) (*ProgressView, error) {
	s, err := m.session(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tracker == nil {
		return nil, coaching.ErrEmptyStepOrder
	}
	fn(s.tracker)
	return s.progressView(), nil
}

// Settings returns a copy of the session's settings.
func (m *Manager) Settings(id string) (models.AISettings, error) {
	s, err := m.session(id)
	if err != nil {
		return models.AISettings{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings.Clone(), nil
}

// UpdateSettings merges u into the session's settings. The tracker keeps its
// position when the current step survives the change and restarts otherwise.
func (m *Manager) UpdateSettings(id string, u models.SettingsUpdate) (models.AISettings, error) {
	s, err := m.session(id)
	if err != nil {
		return models.AISettings{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.settings.Apply(u)
	if err := s.replaceSettings(next); err != nil {
		return models.AISettings{}, err
	}
	slog.Debug("Manager.UpdateSettings: settings updated", "sessionID", id, "steps", len(next.StepOrder))
	return s.settings.Clone(), nil
}

// EditSteps applies one step-editor change to the session's settings.
func (m *Manager) EditSteps(id string, e models.StepEdit) (models.AISettings, error) {
	s, err := m.session(id)
	if err != nil {
		return models.AISettings{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.settings.Clone()
	if err := next.Edit(e); err != nil {
		return models.AISettings{}, err
	}
	if err := s.replaceSettings(next); err != nil {
		return models.AISettings{}, err
	}
	slog.Debug("Manager.EditSteps: steps edited", "sessionID", id, "op", e.Op, "steps", len(next.StepOrder))
	return s.settings.Clone(), nil
}

// Close ends a session, capturing a final snapshot of the conversation.
func (m *Manager) Close(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	s.mu.Lock()
	data := s.snapshot(m.now(), nil)
	empty := len(s.messages) == 0
	s.mu.Unlock()
	if !empty {
		m.capture(ctx, data)
	}
	slog.Info("Manager.Close: session closed", "sessionID", id, "duration", data.Metadata.SessionDuration)
	return nil
}

// CloseAll closes every live session.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		if err := m.Close(ctx, id); err != nil {
			slog.Debug("Manager.CloseAll: session already closed", "sessionID", id)
		}
	}
}
